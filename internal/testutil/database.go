package testutil

import (
	"testing"

	"wlm-go/internal/database"
)

// NewTestRegistry creates an in-memory SQLite registry with all migrations
// applied. The registry is closed when the test completes.
func NewTestRegistry(t *testing.T) *database.SQLiteRegistry {
	t.Helper()

	reg, err := database.NewSQLiteRegistry(":memory:")
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	if err := reg.Migrate(); err != nil {
		reg.Close()
		t.Fatalf("failed to migrate registry: %v", err)
	}

	t.Cleanup(func() {
		reg.Close()
	})

	return reg
}
