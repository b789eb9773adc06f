package encryption

import (
	"fmt"

	"wlm-go/internal/config"
	"wlm-go/internal/wlm"
)

// NewEncryptorFromConfig returns the Encryptor protecting registry backups.
// "none" stores backups in the clear and is meant for throwaway setups.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (wlm.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("age encryption requires public_key_path and private_key_path")
		}
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	case "none":
		return PlainEncryptor{}, nil
	default:
		return nil, fmt.Errorf("unknown encryption type %q (want age, test or none)", cfg.Type)
	}
}
