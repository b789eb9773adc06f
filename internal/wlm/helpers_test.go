package wlm_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"wlm-go/internal/database"
	"wlm-go/internal/model"
	"wlm-go/internal/testutil"
	"wlm-go/internal/vault"
	"wlm-go/internal/vmdk"
	"wlm-go/internal/wlm"
)

// harness wires a Service to an in-memory registry, a temporary vault and
// the fake hypervisor and disk tool.
type harness struct {
	svc     *wlm.Service
	reg     *database.SQLiteRegistry
	vault   *vault.FileSystemVault
	hv      *testutil.FakeHypervisor
	disks   *testutil.FakeDiskTool
	staging wlm.StagingArea
	clock   *testutil.StubClock
}

func newHarness(t *testing.T, tune ...func(*wlm.Options)) *harness {
	t.Helper()
	return newHarnessWithStaging(t, 0, tune...)
}

func newHarnessWithStaging(t *testing.T, stagingMax int64, tune ...func(*wlm.Options)) *harness {
	t.Helper()
	h := &harness{
		reg:     testutil.NewTestRegistry(t),
		vault:   testutil.NewTestVault(t),
		hv:      testutil.NewFakeHypervisor(),
		staging: testutil.NewTestStagingArea(t, stagingMax),
		clock:   testutil.FixedClock(),
	}
	h.disks = testutil.NewFakeDiskTool(h.hv)

	opts := wlm.DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.EmptyReplyDelay = time.Millisecond
	opts.Holder = "test"
	opts.MountDir = t.TempDir()
	for _, fn := range tune {
		fn(&opts)
	}
	h.svc = wlm.NewService(h.reg, h.vault, h.disks, h.hv, h.staging, wlm.NewNopLogger(), h.clock, testutil.NewStubIDGenerator(), opts)
	return h
}

// workload creates a workload holding the given VMs.
func (h *harness) workload(t *testing.T, spec wlm.WorkloadSpec, vms ...*testutil.FakeVM) *model.Workload {
	t.Helper()
	w, err := h.svc.CreateWorkload(spec)
	if err != nil {
		t.Fatalf("CreateWorkload() error = %v", err)
	}
	for _, vm := range vms {
		if err := h.svc.AddWorkloadVM(w.ID, vm.ID, vm.Name); err != nil {
			t.Fatalf("AddWorkloadVM() error = %v", err)
		}
	}
	return w
}

// capture creates and runs a snapshot, failing the test on any error.
func (h *harness) capture(t *testing.T, workloadID string) *model.Snapshot {
	t.Helper()
	snap, err := h.svc.CreateSnapshot(workloadID)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	snap, err = h.svc.CaptureSnapshot(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("CaptureSnapshot() error = %v", err)
	}
	return snap
}

func (h *harness) snapshot(t *testing.T, id string) *model.Snapshot {
	t.Helper()
	snap, err := h.reg.FindSnapshot(id)
	if err != nil || snap == nil {
		t.Fatalf("FindSnapshot(%s) = %v, %v", id, snap, err)
	}
	return snap
}

// diskResource returns the disk resource with the given label in a snapshot.
func (h *harness) diskResource(t *testing.T, snapshotID, label string) *model.SnapshotVMResource {
	t.Helper()
	resources, err := h.reg.FindResourcesBySnapshot(snapshotID)
	if err != nil {
		t.Fatalf("FindResourcesBySnapshot() error = %v", err)
	}
	for _, r := range resources {
		if r.ResourceType == model.ResourceDisk && r.ResourceName == label {
			return r
		}
	}
	t.Fatalf("snapshot %s has no disk %q", snapshotID, label)
	return nil
}

// artifact returns the available artifact of a resource.
func (h *harness) artifact(t *testing.T, resourceID string) *model.DeltaArtifact {
	t.Helper()
	as, err := h.reg.FindArtifactsByResource(resourceID)
	if err != nil {
		t.Fatalf("FindArtifactsByResource() error = %v", err)
	}
	for _, a := range as {
		if a.Status == model.ArtifactAvailable {
			return a
		}
	}
	t.Fatalf("resource %s has no available artifact", resourceID)
	return nil
}

// reload re-reads an artifact, returning nil if its row is gone.
func (h *harness) reload(t *testing.T, id string) *model.DeltaArtifact {
	t.Helper()
	a, err := h.reg.FindArtifact(id)
	if err != nil {
		t.Fatalf("FindArtifact() error = %v", err)
	}
	return a
}

// content reconstructs the disk image stored for a resource.
func (h *harness) content(t *testing.T, resourceID string) []byte {
	t.Helper()
	chain, err := h.reg.ResolveChain(resourceID)
	if err != nil {
		t.Fatalf("ResolveChain() error = %v", err)
	}
	if len(chain) == 0 {
		t.Fatalf("resource %s has an empty chain", resourceID)
	}
	local, err := h.vault.Materialize(chain[len(chain)-1].VaultPath)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	image, _, err := testutil.Flatten(local)
	if err != nil {
		t.Fatalf("Flatten() error = %v", err)
	}
	return image
}

// extentList reads the extent list stored next to an artifact.
func (h *harness) extentList(t *testing.T, a *model.DeltaArtifact) []model.Extent {
	t.Helper()
	local, err := h.vault.Materialize(a.VaultPath)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	extents, err := vmdk.ReadExtents(vmdk.CTKPath(local))
	if err != nil {
		t.Fatalf("ReadExtents() error = %v", err)
	}
	return extents
}

func assertContent(t *testing.T, what string, got, want []byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Errorf("%s: reconstructed content differs from disk (len %d vs %d)", what, len(got), len(want))
	}
}

func fill(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func waitStarted(t *testing.T, disks *testutil.FakeDiskTool) string {
	t.Helper()
	select {
	case dest := <-disks.Started:
		return dest
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not start")
		return ""
	}
}

func drainStarted(disks *testutil.FakeDiskTool) {
	for {
		select {
		case <-disks.Started:
		default:
			return
		}
	}
}
