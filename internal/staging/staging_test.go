package staging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"wlm-go/internal/config"
)

func newTestArea(t *testing.T, maxSize int64) *stagingArea {
	t.Helper()
	area, err := NewFileSystemStagingArea(t.TempDir(), maxSize)
	if err != nil {
		t.Fatalf("NewFileSystemStagingArea() error = %v", err)
	}
	return area.(*stagingArea)
}

func TestAcquire_CreatesPrivateDirectory(t *testing.T) {
	area := newTestArea(t, 0)

	w, err := area.Acquire("restore r1/Hard disk 1", 100)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	info, err := os.Stat(w.Path())
	if err != nil {
		t.Fatalf("working directory missing: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("Path() = %q is not a directory", w.Path())
	}
	if base := filepath.Base(w.Path()); !strings.HasPrefix(base, "restore_r1_Hard_disk_1-") {
		t.Errorf("directory name = %q, want sanitized prefix", base)
	}
	if got := area.Reserved(); got != 100 {
		t.Errorf("Reserved() = %d, want 100", got)
	}

	w2, err := area.Acquire("restore r1/Hard disk 1", 50)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if w2.Path() == w.Path() {
		t.Error("two reservations share a directory")
	}
}

func TestAcquire_RespectsMaxSize(t *testing.T) {
	area := newTestArea(t, 1000)

	w, err := area.Acquire("a", 800)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := area.Acquire("b", 300); err == nil {
		t.Fatal("Acquire() expected error when exceeding max size")
	}
	if got := area.Reserved(); got != 800 {
		t.Errorf("Reserved() after refused Acquire = %d, want 800", got)
	}

	if err := w.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := area.Acquire("b", 300); err != nil {
		t.Errorf("Acquire() after Release error = %v", err)
	}
}

func TestAcquire_RejectsNegativeSize(t *testing.T) {
	area := newTestArea(t, 0)
	if _, err := area.Acquire("a", -1); err == nil {
		t.Error("Acquire() expected error for negative size")
	}
}

func TestRelease_IsIdempotent(t *testing.T) {
	area := newTestArea(t, 0)

	w, err := area.Acquire("a", 64)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(w.Path(), "disk.vmdk"), []byte("data"), 0600); err != nil {
		t.Fatalf("writing into working directory: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := w.Release(); err != nil {
			t.Fatalf("Release() #%d error = %v", i+1, err)
		}
	}
	if _, err := os.Stat(w.Path()); !os.IsNotExist(err) {
		t.Errorf("working directory still present after Release: %v", err)
	}
	if got := area.Reserved(); got != 0 {
		t.Errorf("Reserved() = %d, want 0", got)
	}
}

func TestAcquire_Concurrent(t *testing.T) {
	area := newTestArea(t, 10*100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := area.Acquire("c", 100); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 10 {
		t.Errorf("successful reservations = %d, want 10", ok)
	}
	if got := area.Reserved(); got != 1000 {
		t.Errorf("Reserved() = %d, want 1000", got)
	}
}

func TestNewFileSystemStagingArea_ClearsStaleDirectories(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "work", "leftover-123")
	if err := os.MkdirAll(stale, 0700); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileSystemStagingArea(dir, 0); err != nil {
		t.Fatalf("NewFileSystemStagingArea() error = %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale working directory survived: %v", err)
	}
}

func TestDirPrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"disk-1", "disk-1-"},
		{"../escape", "_escape-"},
		{"", "work-"},
		{"a b/c", "a_b_c-"},
	}
	for _, tt := range tests {
		if got := dirPrefix(tt.in); got != tt.want {
			t.Errorf("dirPrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewStagingAreaFromConfig(t *testing.T) {
	t.Run("filesystem", func(t *testing.T) {
		got, err := NewStagingAreaFromConfig(config.StagingConfig{Type: "filesystem", StagingDir: t.TempDir()})
		if err != nil || got == nil {
			t.Fatalf("NewStagingAreaFromConfig() = %v, %v", got, err)
		}
	})

	t.Run("filesystem without staging_dir", func(t *testing.T) {
		if _, err := NewStagingAreaFromConfig(config.StagingConfig{Type: "filesystem"}); err == nil {
			t.Error("expected error for missing staging_dir")
		}
	})

	t.Run("negative max size", func(t *testing.T) {
		if _, err := NewStagingAreaFromConfig(config.StagingConfig{Type: "filesystem", StagingDir: t.TempDir(), MaxSize: -1}); err == nil {
			t.Error("expected error for negative max_size")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := NewStagingAreaFromConfig(config.StagingConfig{Type: "nope"}); err == nil {
			t.Error("expected error for unknown type")
		}
	})
}
