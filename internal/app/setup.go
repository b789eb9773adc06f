package app

import (
	"fmt"

	"wlm-go/internal/config"
	"wlm-go/internal/encryption"
)

// InitConfig writes cfg to path and generates the encryption keys protecting
// registry backups. Existing keys are kept.
func InitConfig(path string, cfg *config.Config, passphrase string) error {
	if err := config.Init(path, cfg); err != nil {
		return err
	}
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if enc.IsConfigured() {
		return nil
	}
	if err := enc.Setup(passphrase); err != nil {
		return fmt.Errorf("setting up encryption: %w", err)
	}
	return nil
}

// NeedsPassphrase reports whether initializing or unlocking the configured
// encryption asks for a passphrase.
func NeedsPassphrase(cfg config.EncryptionConfig) bool {
	return cfg.Type == "age" || cfg.Type == ""
}
