package testutil

import (
	"path/filepath"
	"testing"

	"wlm-go/internal/staging"
	"wlm-go/internal/vault"
	"wlm-go/internal/wlm"
)

// NewTestVault creates a filesystem vault in a temporary directory.
func NewTestVault(t *testing.T) *vault.FileSystemVault {
	t.Helper()

	v, err := vault.NewFileSystemVault("test-vault", filepath.Join(t.TempDir(), "vault"))
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}
	return v
}

// NewTestStagingArea creates a staging area in a temporary directory.
// maxSize of 0 means unlimited.
func NewTestStagingArea(t *testing.T, maxSize int64) wlm.StagingArea {
	t.Helper()

	area, err := staging.NewFileSystemStagingArea(filepath.Join(t.TempDir(), "staging"), maxSize)
	if err != nil {
		t.Fatalf("failed to create staging area: %v", err)
	}
	return area
}
