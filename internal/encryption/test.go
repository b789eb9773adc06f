package encryption

import (
	"bytes"
	"fmt"
	"io"

	"wlm-go/internal/wlm"
)

// testHeader marks data sealed by TestEncryptor.
var testHeader = []byte("WLMENC\x00\x00")

// TestEncryptor is a deterministic encryptor for tests. It prepends a fixed
// 8-byte header and strips it again on decryption.
type TestEncryptor struct {
	setupCalled bool
}

var _ wlm.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (wlm.DecryptionContext, error) {
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext strips the test header added by TestEncryptor.
type TestDecryptionContext struct{}

var _ wlm.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

// PlainEncryptor stores metadata backups unencrypted. Selected with
// [encryption] type = "none" for lab setups where the vault is trusted.
type PlainEncryptor struct{}

var _ wlm.Encryptor = PlainEncryptor{}

func (PlainEncryptor) Setup(string) error { return nil }

func (PlainEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (PlainEncryptor) Unlock(string) (wlm.DecryptionContext, error) { return plainContext{}, nil }

func (PlainEncryptor) IsConfigured() bool { return true }

type plainContext struct{}

func (plainContext) Decrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
