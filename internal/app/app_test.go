package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wlm-go/internal/config"
	"wlm-go/internal/encryption"
	"wlm-go/internal/model"
	"wlm-go/internal/testutil"
	"wlm-go/internal/vault"
	"wlm-go/internal/wlm"
)

// testConfig returns a config rooted in a temp dir with a filesystem vault,
// a sqlite registry and the test encryptor.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.NewConfig("host-1", base)
	cfg.Vaults = []config.VaultConfig{{Type: "filesystem", Name: "local", FSVaultRoot: filepath.Join(base, "vault")}}
	cfg.Encryption = config.EncryptionConfig{Type: "test"}
	cfg.Capture.EmptyReplyDelay = config.Duration{}
	cfg.DiskTool.PollInterval = config.Duration{}
	return cfg
}

// fakeBackends returns a connect func wiring the fake hypervisor and disk tool.
func fakeBackends(hv *testutil.FakeHypervisor) func(wlm.Logger) (backends, error) {
	return func(wlm.Logger) (backends, error) {
		return backends{hypervisor: hv, disks: testutil.NewFakeDiskTool(hv)}, nil
	}
}

func noBackends(wlm.Logger) (backends, error) { return backends{}, nil }

func openApp(t *testing.T, cfg *config.Config, operation string, connect func(wlm.Logger) (backends, error)) *WLMApp {
	t.Helper()
	a, err := newWLMApp(cfg, operation, "", connect)
	if err != nil {
		t.Fatalf("newWLMApp() error = %v", err)
	}
	return a
}

func closeApp(t *testing.T, a *WLMApp) {
	t.Helper()
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func metadataVersion(t *testing.T, cfg *config.Config) int64 {
	t.Helper()
	v, err := vault.NewVaultFromConfig(cfg.Vaults[0])
	if err != nil {
		t.Fatalf("NewVaultFromConfig() error = %v", err)
	}
	version, err := v.GetMetadataVersion(cfg.HostID, metadataName)
	if err != nil {
		t.Fatalf("GetMetadataVersion() error = %v", err)
	}
	return version
}

func TestWLMApp_SnapshotLifecycle(t *testing.T) {
	cfg := testConfig(t)
	hv := testutil.NewFakeHypervisor()
	vm := hv.AddVM("vm-a", "web01")
	disk := hv.AddDisk("vm-a", "Hard disk 1", 1<<20)
	hv.Write(disk, 0, bytes.Repeat([]byte{'a'}, 4096))

	a := openApp(t, cfg, "workload create", noBackends)
	w, err := a.CreateWorkload(wlm.WorkloadSpec{Name: "web"})
	if err != nil {
		t.Fatalf("CreateWorkload() error = %v", err)
	}
	if w.VMPolicy != cfg.Capture.VMPolicy || w.KeepCount != cfg.Retention.KeepCount {
		t.Errorf("workload policy = %s/%d, want configured defaults", w.VMPolicy, w.KeepCount)
	}
	if err := a.AddWorkloadVM(w.ID, vm.ID, vm.Name); err != nil {
		t.Fatalf("AddWorkloadVM() error = %v", err)
	}
	closeApp(t, a)

	a = openApp(t, cfg, "snapshot create", fakeBackends(hv))
	snap, err := a.TakeSnapshot(context.Background(), "web")
	if err != nil {
		t.Fatalf("TakeSnapshot() error = %v", err)
	}
	if snap.Status != model.StatusAvailable || snap.Type != model.SnapshotFull {
		t.Errorf("snapshot status=%s type=%s, want available full", snap.Status, snap.Type)
	}
	opID := a.op.ID
	closeApp(t, a)

	if got := metadataVersion(t, cfg); got != opID {
		t.Errorf("metadata version = %d, want %d", got, opID)
	}
	if _, err := os.Stat(cfg.Metrics.TextfilePath); err != nil {
		t.Errorf("metrics textfile not written: %v", err)
	}

	a = openApp(t, cfg, "history", noBackends)
	ops, err := a.History(10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(ops) != 2 || ops[0].Operation != "snapshot create" || ops[0].Status != OperationSuccess {
		t.Errorf("History() = %+v, want snapshot create then workload create", ops)
	}
	closeApp(t, a)

	// Read-only commands leave the remote version alone.
	if got := metadataVersion(t, cfg); got != opID {
		t.Errorf("metadata version after read-only command = %d, want %d", got, opID)
	}
}

func TestWLMApp_RequiresHypervisor(t *testing.T) {
	cfg := testConfig(t)
	a := openApp(t, cfg, "snapshot create", noBackends)
	defer a.Close()

	if _, err := a.TakeSnapshot(context.Background(), "web"); err == nil || !strings.Contains(err.Error(), "hypervisor") {
		t.Errorf("TakeSnapshot() error = %v, want hypervisor error", err)
	}
	if _, err := a.Restore(context.Background(), "snap", model.RestoreOptions{}); err == nil {
		t.Error("Restore() without hypervisor succeeded")
	}
}

func TestWLMApp_FailedOperationIsRecorded(t *testing.T) {
	cfg := testConfig(t)
	a := openApp(t, cfg, "snapshot delete", noBackends)
	if _, err := a.DeleteSnapshot(context.Background(), "missing"); !wlm.IsKind(err, wlm.KindNotFound) {
		t.Errorf("DeleteSnapshot() error = %v, want NotFound", err)
	}
	closeApp(t, a)

	a = openApp(t, cfg, "history", noBackends)
	defer a.Close()
	ops, err := a.History(1)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Status != OperationError {
		t.Errorf("History() = %+v, want one failed operation", ops)
	}
}

func TestWLMApp_MetadataRestore(t *testing.T) {
	cfg := testConfig(t)
	a := openApp(t, cfg, "workload create", noBackends)
	if _, err := a.CreateWorkload(wlm.WorkloadSpec{Name: "web"}); err != nil {
		t.Fatalf("CreateWorkload() error = %v", err)
	}
	closeApp(t, a)

	dbPath := filepath.Join(cfg.Database.DataDir, cfg.HostID+".db")
	if err := os.Remove(dbPath); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	// A fresh registry is behind the vault.
	if _, err := newWLMApp(cfg, "workload list", "", noBackends); err == nil || !strings.Contains(err.Error(), "behind remote") {
		t.Fatalf("newWLMApp() error = %v, want behind remote", err)
	}
	os.Remove(dbPath)

	version, err := RestoreMetadata(cfg, "", false)
	if err != nil {
		t.Fatalf("RestoreMetadata() error = %v", err)
	}
	if version != 1 {
		t.Errorf("restored version = %d, want 1", version)
	}
	if _, err := RestoreMetadata(cfg, "", false); err == nil {
		t.Error("RestoreMetadata() over an existing registry succeeded without force")
	}

	a = openApp(t, cfg, "workload list", noBackends)
	defer a.Close()
	ws, err := a.ListWorkloads()
	if err != nil {
		t.Fatalf("ListWorkloads() error = %v", err)
	}
	if len(ws) != 1 || ws[0].Name != "web" {
		t.Errorf("ListWorkloads() = %+v, want the restored workload", ws)
	}
}

func TestPackMetadata(t *testing.T) {
	enc := encryption.NewTestEncryptor()
	src := bytes.Repeat([]byte("registry page "), 4096)

	var packed bytes.Buffer
	if err := packMetadata(bytes.NewReader(src), enc, &packed); err != nil {
		t.Fatalf("packMetadata() error = %v", err)
	}
	if packed.Len() >= len(src) {
		t.Errorf("packed size = %d, want less than %d", packed.Len(), len(src))
	}

	dec, err := enc.Unlock("")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	var out bytes.Buffer
	if err := unpackMetadata(&packed, dec, &out); err != nil {
		t.Fatalf("unpackMetadata() error = %v", err)
	}
	if !bytes.Equal(out.Bytes(), src) {
		t.Error("unpacked metadata differs from the source")
	}
}

func TestInitConfig(t *testing.T) {
	base := t.TempDir()
	cfg := config.NewConfig("host-1", base)
	path := filepath.Join(base, "config.toml")

	if err := InitConfig(path, cfg, "correct horse"); err != nil {
		t.Fatalf("InitConfig() error = %v", err)
	}
	for _, p := range []string{path, cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s not written: %v", p, err)
		}
	}
	if err := InitConfig(path, cfg, "correct horse"); err == nil {
		t.Error("InitConfig() over an existing config succeeded")
	}
}

func TestServiceOptions(t *testing.T) {
	cfg := config.NewConfig("host-1", t.TempDir())
	cfg.Capture.Parallelism = 9
	cfg.Capture.EmptyReplyRetries = 3
	cfg.Capture.FullCaptureMode = wlm.FullCaptureAll

	opts := serviceOptions(cfg, wlm.NopMetrics{})
	if opts.Parallelism != 9 || opts.EmptyReplyRetries != 3 || opts.FullCaptureMode != wlm.FullCaptureAll {
		t.Errorf("serviceOptions() = %+v", opts)
	}
	if opts.LeaseTTL != cfg.Lease.TTL.Duration || opts.PollInterval != cfg.DiskTool.PollInterval.Duration {
		t.Errorf("lease ttl = %v, poll = %v", opts.LeaseTTL, opts.PollInterval)
	}
	if opts.MountDir != cfg.Staging.MountDir {
		t.Errorf("mount dir = %q, want %q", opts.MountDir, cfg.Staging.MountDir)
	}
}
