package app

import (
	"errors"

	intrnl "carechat/internal"
)

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL    string
	Username     string
	Conversation string
}

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	return intrnl.RunClient(cfg.ServerURL, cfg.Conversation, cfg.Username)
}
