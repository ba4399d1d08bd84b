// Package matrix adapts a mautrix client to the transport and crypto
// interfaces the rest of the module depends on.
//
// [Transport] maps state events, history pagination, and account data onto
// the client-server API. [CryptoManager] owns the mautrix crypto helper
// and implements the bootstrap's crypto operations: cross-signing setup,
// key backup creation and restore, and self-verification through secret
// storage.
package matrix
