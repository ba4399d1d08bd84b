// Package config handles configuration loading for coven-checkpoint.
//
// # Configuration File
//
// Files ending in .toml are read as TOML; anything else is read as YAML.
// The CLI looks in this order:
//
//  1. Path from COVEN_CHECKPOINT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/checkpoint.toml
//  3. ~/.config/coven/checkpoint.toml
//
// # Environment Variables
//
// Values can reference environment variables with ${VAR_NAME}. Unset
// variables expand to the empty string.
//
// Three variables override the checkpoint section after parsing:
//
//	CACHE_TTL_MS          cache entry lifetime in milliseconds (300000)
//	CACHE_MAX_ENTRIES     entries per cache (50000)
//	MAX_CHECKPOINT_BYTES  size warning threshold (10485760)
//
// # Configuration Sections
//
//	[matrix]
//	homeserver = "https://matrix.example.com"
//	user_id = "@agent:example.com"
//	password = "${MATRIX_PASSWORD}"   # or access_token + device_id
//	room_id = "!checkpoints:example.com"
//
//	[crypto]
//	passphrase = "${RECOVERY_PASSPHRASE}"
//	iterations = 500000
//	data_dir = ""                      # defaults to $XDG_DATA_HOME/coven
//	key_cache_path = ""                # defaults to data_dir/keys.db
//
//	[checkpoint]
//	event_prefix = "ai.coven"
//	index_namespace = "default"
//	cache_ttl = "5m"
//	cache_max_entries = 50000
//	max_checkpoint_bytes = 10485760
//	verify_parent = false
//
//	[logging]
//	level = "info"    # debug, info, warn, error
//	format = "text"   # text, json
package config
