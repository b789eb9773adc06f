package app

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"wlm-go/internal/config"
	"wlm-go/internal/encryption"
	"wlm-go/internal/vault"
	"wlm-go/internal/wlm"
)

// metadataName is the vault metadata item holding the registry backup.
const metadataName = "registry"

// packMetadata compresses src with zstd and encrypts the result into w.
func packMetadata(src io.Reader, enc wlm.Encryptor, w io.Writer) error {
	pr, pw := io.Pipe()
	go func() {
		zw, err := zstd.NewWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(zw, src); err != nil {
			zw.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(zw.Close())
	}()

	err := enc.Encrypt(pr, w)
	pr.CloseWithError(err)
	if err != nil {
		return fmt.Errorf("encrypting registry backup: %w", err)
	}
	return nil
}

// unpackMetadata reverses packMetadata.
func unpackMetadata(src io.Reader, dec wlm.DecryptionContext, w io.Writer) error {
	var compressed bytes.Buffer
	if err := dec.Decrypt(src, &compressed); err != nil {
		return fmt.Errorf("decrypting registry backup: %w", err)
	}
	zr, err := zstd.NewReader(&compressed)
	if err != nil {
		return fmt.Errorf("opening registry backup: %w", err)
	}
	defer zr.Close()
	if _, err := io.Copy(w, zr); err != nil {
		return fmt.Errorf("decompressing registry backup: %w", err)
	}
	return nil
}

// uploadMetadata packs the registry copy at path and uploads it to the vault.
func (a *WLMApp) uploadMetadata(path string, version int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening registry backup for upload: %w", err)
	}
	defer f.Close()

	var packed bytes.Buffer
	if err := packMetadata(f, a.encryptor, &packed); err != nil {
		return err
	}

	if err := a.vault.PutMetadata(a.cfg.HostID, metadataName, &packed, int64(packed.Len()), version); err != nil {
		return fmt.Errorf("uploading metadata to vault: %w", err)
	}
	return nil
}

// RestoreMetadata replaces the local registry with the newest backup in the
// vault and returns the restored version. An existing registry is only
// replaced when force is set.
func RestoreMetadata(cfg *config.Config, passphrase string, force bool) (int64, error) {
	if cfg.Database.Type != "sqlite" {
		return 0, fmt.Errorf("metadata restore needs a sqlite registry, got %q", cfg.Database.Type)
	}
	if len(cfg.Vaults) == 0 {
		return 0, fmt.Errorf("no vaults configured")
	}
	dest := filepath.Join(cfg.Database.DataDir, cfg.HostID+".db")
	if _, err := os.Stat(dest); err == nil && !force {
		return 0, fmt.Errorf("registry already exists at %s", dest)
	}

	v, err := vault.NewVaultFromConfig(cfg.Vaults[0])
	if err != nil {
		return 0, fmt.Errorf("creating vault: %w", err)
	}
	version, err := v.GetMetadataVersion(cfg.HostID, metadataName)
	if err != nil {
		return 0, fmt.Errorf("checking remote metadata version: %w", err)
	}
	if version == 0 {
		return 0, fmt.Errorf("no registry backup for host %s", cfg.HostID)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return 0, fmt.Errorf("creating encryptor: %w", err)
	}
	dec, err := enc.Unlock(passphrase)
	if err != nil {
		return 0, fmt.Errorf("unlocking encryption key: %w", err)
	}

	var packed bytes.Buffer
	if err := v.GetMetadata(cfg.HostID, metadataName, &packed); err != nil {
		return 0, fmt.Errorf("downloading registry backup: %w", err)
	}

	if err := os.MkdirAll(cfg.Database.DataDir, 0755); err != nil {
		return 0, fmt.Errorf("creating data directory: %w", err)
	}
	tmp, err := os.CreateTemp(cfg.Database.DataDir, ".restore-*.db")
	if err != nil {
		return 0, fmt.Errorf("creating temp registry: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := unpackMetadata(&packed, dec, tmp); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("writing temp registry: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(dest + suffix)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, fmt.Errorf("installing restored registry: %w", err)
	}
	return version, nil
}
