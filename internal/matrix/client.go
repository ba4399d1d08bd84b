// ABOUTME: Matrix client construction from configuration.
// ABOUTME: Uses an access token when one is configured, otherwise logs in with a password.

package matrix

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// ClientConfig holds Matrix account settings.
type ClientConfig struct {
	Homeserver  string
	UserID      string
	Password    string
	AccessToken string
	DeviceID    string
	// DeviceName is shown to other sessions for a new login.
	DeviceName string
}

// Connect returns a logged-in client.
func Connect(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*mautrix.Client, error) {
	if cfg.AccessToken != "" {
		client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("creating matrix client: %w", err)
		}
		client.DeviceID = id.DeviceID(cfg.DeviceID)
		if client.DeviceID == "" {
			whoami, err := client.Whoami(ctx)
			if err != nil {
				return nil, fmt.Errorf("resolving device id: %w", err)
			}
			client.DeviceID = whoami.DeviceID
		}
		logger.Info("using access token", "user_id", cfg.UserID, "device_id", client.DeviceID)
		return client, nil
	}

	client, err := mautrix.NewClient(cfg.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	name := cfg.DeviceName
	if name == "" {
		name = "coven-checkpoint"
	}
	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: cfg.UserID,
		},
		Password:                 cfg.Password,
		DeviceID:                 id.DeviceID(cfg.DeviceID),
		InitialDeviceDisplayName: name,
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("logging in as %s: %w", cfg.UserID, err)
	}
	logger.Info("logged in", "user_id", resp.UserID, "device_id", resp.DeviceID)
	return client, nil
}
