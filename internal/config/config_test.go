package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("test-host-abc", "/var/lib/wlm")
	original.Vaults = []VaultConfig{
		{Type: "s3", Name: "offsite", S3Bucket: "backups", S3Prefix: "wlm", S3Endpoint: "http://minio:9000"},
	}
	original.Hypervisor.Host = "vcenter.example.com"
	original.Capture.EmptyReplyRetries = 3
	original.Capture.EmptyReplyDelay = Duration{750 * time.Millisecond}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.HostID != original.HostID {
		t.Errorf("HostID = %q, want %q", got.HostID, original.HostID)
	}
	if len(got.Vaults) != 1 {
		t.Fatalf("len(Vaults) = %d, want 1", len(got.Vaults))
	}
	if got.Vaults[0].S3Endpoint != "http://minio:9000" {
		t.Errorf("Vault.S3Endpoint = %q, want %q", got.Vaults[0].S3Endpoint, "http://minio:9000")
	}
	if got.Hypervisor.Host != "vcenter.example.com" {
		t.Errorf("Hypervisor.Host = %q, want %q", got.Hypervisor.Host, "vcenter.example.com")
	}
	if got.Capture.EmptyReplyRetries != 3 {
		t.Errorf("Capture.EmptyReplyRetries = %d, want 3", got.Capture.EmptyReplyRetries)
	}
	if got.Capture.EmptyReplyDelay.Duration != 750*time.Millisecond {
		t.Errorf("Capture.EmptyReplyDelay = %v, want 750ms", got.Capture.EmptyReplyDelay)
	}
	if got.Lease.TTL.Duration != 12*time.Hour {
		t.Errorf("Lease.TTL = %v, want 12h", got.Lease.TTL)
	}
	if got.DiskTool.QueueSize != 64 {
		t.Errorf("DiskTool.QueueSize = %d, want 64", got.DiskTool.QueueSize)
	}
}

func TestManager_Read_RejectsBadDuration(t *testing.T) {
	m := &Manager{}
	_, err := m.Read(strings.NewReader("[lease]\nttl = \"forever\"\n"))
	if err == nil {
		t.Fatal("Read() expected error for invalid duration")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("host-1", "/data/wlm")

	if cfg.HostID != "host-1" {
		t.Errorf("HostID = %q, want %q", cfg.HostID, "host-1")
	}
	if cfg.LogDir != "/data/wlm/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/wlm/log")
	}
	if cfg.Encryption.PublicKeyPath != "/data/wlm/keys/wlm.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q, want %q", cfg.Encryption.PublicKeyPath, "/data/wlm/keys/wlm.pub")
	}
	if cfg.Database.DataDir != "/data/wlm/db" {
		t.Errorf("Database.DataDir = %q, want %q", cfg.Database.DataDir, "/data/wlm/db")
	}
	if cfg.Capture.EmptyReplyRetries != 1 {
		t.Errorf("Capture.EmptyReplyRetries = %d, want 1", cfg.Capture.EmptyReplyRetries)
	}
	if cfg.Capture.VMPolicy != "serial" {
		t.Errorf("Capture.VMPolicy = %q, want %q", cfg.Capture.VMPolicy, "serial")
	}
}

func TestInit(t *testing.T) {
	t.Run("creates owner-only config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "wlm.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("config file not created: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("config file mode = %o, want 600", perm)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "wlm.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		if err := Init(path, cfg); err == nil {
			t.Error("second Init() expected error")
		}
	})

	t.Run("round trips through ReadFromFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "nested", "wlm.toml")
		cfg := NewConfig("h2", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.HostID != "h2" {
			t.Errorf("HostID = %q, want %q", got.HostID, "h2")
		}
		if got.DiskTool.PollInterval.Duration != 5*time.Second {
			t.Errorf("DiskTool.PollInterval = %v, want 5s", got.DiskTool.PollInterval)
		}
	})
}

func TestReadFromFile_Missing(t *testing.T) {
	_, err := ReadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Error("ReadFromFile() expected error for missing file")
	}
}
