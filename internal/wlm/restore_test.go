package wlm_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"wlm-go/internal/model"
	"wlm-go/internal/testutil"
	"wlm-go/internal/vmdk"
	"wlm-go/internal/wlm"
)

// twoSnapshots captures a VM with two disks twice and returns both snapshots
// with the disk contents at each point.
func twoSnapshots(t *testing.T, h *harness) (snaps []*model.Snapshot, contents []map[string][]byte) {
	t.Helper()
	vm := h.hv.AddVM("vm-a", "web01")
	vm.Config = []byte(`displayName = "web01"`)
	d1 := h.hv.AddDisk("vm-a", "Hard disk 1", diskSize)
	d2 := h.hv.AddDisk("vm-a", "Hard disk 2", diskSize/2)
	w := h.workload(t, wlm.WorkloadSpec{Name: "web"}, vm)

	h.hv.Write(d1, 0, fill('a', 8192))
	h.hv.Write(d2, 512, fill('x', 2048))
	snaps = append(snaps, h.capture(t, w.ID))
	contents = append(contents, map[string][]byte{"Hard disk 1": h.hv.Content(d1), "Hard disk 2": h.hv.Content(d2)})

	h.hv.Write(d1, 65536, fill('b', 4096))
	h.hv.Write(d2, 0, fill('y', 100))
	snaps = append(snaps, h.capture(t, w.ID))
	contents = append(contents, map[string][]byte{"Hard disk 1": h.hv.Content(d1), "Hard disk 2": h.hv.Content(d2)})
	return snaps, contents
}

func (h *harness) restore(t *testing.T, snapshotID string, opts model.RestoreOptions) (*model.Restore, error) {
	t.Helper()
	r, err := h.svc.CreateRestore(snapshotID, opts)
	if err != nil {
		t.Fatalf("CreateRestore() error = %v", err)
	}
	return h.svc.RunRestore(context.Background(), r.ID)
}

// restoredVM returns the single VM a restore produced.
func (h *harness) restoredVM(t *testing.T, restoreID string) (*wlm.RestoredVMReport, *testutil.FakeRestoredVM) {
	t.Helper()
	report, err := h.svc.RestoreStatus(restoreID)
	if err != nil {
		t.Fatalf("RestoreStatus() error = %v", err)
	}
	if len(report.VMs) != 1 {
		t.Fatalf("restored vms = %d, want 1", len(report.VMs))
	}
	vm := h.hv.Restored(report.VMs[0].VM.VMName)
	if vm == nil {
		t.Fatalf("vm %s not registered", report.VMs[0].VM.VMName)
	}
	return &report.VMs[0], vm
}

func (h *harness) attachedContent(t *testing.T, vm *testutil.FakeRestoredVM, label string) []byte {
	t.Helper()
	for _, d := range vm.Disks {
		if d.Spec.Name == label {
			data, err := h.hv.ReadRemoteDisk(d.RemotePath)
			if err != nil {
				t.Fatalf("ReadRemoteDisk() error = %v", err)
			}
			return data
		}
	}
	t.Fatalf("disk %s not attached to %s", label, vm.Name)
	return nil
}

func TestService_RunRestore(t *testing.T) {
	t.Run("reconstructs every disk of each snapshot", func(t *testing.T) {
		h := newHarness(t)
		snaps, contents := twoSnapshots(t, h)

		for i := len(snaps) - 1; i >= 0; i-- {
			r, err := h.restore(t, snaps[i].ID, model.RestoreOptions{NamePrefix: "restored-"})
			if err != nil {
				t.Fatalf("RunRestore(%s) error = %v", snaps[i].ID, err)
			}
			if r.Status != model.StatusAvailable {
				t.Fatalf("restore status = %s, want available", r.Status)
			}
			if r.UploadedSize != r.Size {
				t.Errorf("uploaded = %d, want %d", r.UploadedSize, r.Size)
			}

			report, vm := h.restoredVM(t, r.ID)
			if report.VM.Status != model.StatusAvailable || len(report.Disks) != 2 {
				t.Errorf("restored vm status=%s disks=%d, want available with 2", report.VM.Status, len(report.Disks))
			}
			if string(vm.Config) != `displayName = "web01"` {
				t.Errorf("registered config = %q", vm.Config)
			}
			for label, want := range contents[i] {
				assertContent(t, label, h.attachedContent(t, vm, label), want)
			}
		}
	})

	t.Run("name clash gets a suffix", func(t *testing.T) {
		h := newHarness(t)
		snaps, _ := twoSnapshots(t, h)

		r, err := h.restore(t, snaps[1].ID, model.RestoreOptions{})
		if err != nil {
			t.Fatalf("RunRestore() error = %v", err)
		}
		report, _ := h.restoredVM(t, r.ID)
		name := report.VM.VMName
		if name == "web01" || !strings.HasPrefix(name, "web01-") {
			t.Errorf("restored vm name = %q, want web01-<suffix>", name)
		}
	})

	t.Run("power on and network mappings", func(t *testing.T) {
		h := newHarness(t)
		snaps, _ := twoSnapshots(t, h)

		mappings := map[string]string{"VM Network": "DR Network"}
		r, err := h.restore(t, snaps[1].ID, model.RestoreOptions{NamePrefix: "dr-", PowerOn: true, NetworkMappings: mappings})
		if err != nil {
			t.Fatalf("RunRestore() error = %v", err)
		}
		_, vm := h.restoredVM(t, r.ID)
		if !vm.PoweredOn {
			t.Error("restored vm not powered on")
		}
		if vm.Networks["VM Network"] != "DR Network" {
			t.Errorf("networks = %v, want %v", vm.Networks, mappings)
		}
	})

	t.Run("failed disk leaves its siblings attached", func(t *testing.T) {
		h := newHarness(t)
		snaps, contents := twoSnapshots(t, h)

		boom := errors.New("upload refused")
		h.disks.FailFunc = func(op, target string) error {
			if op == "clone" && strings.Contains(target, "Hard_disk_2") {
				return boom
			}
			return nil
		}
		r, err := h.restore(t, snaps[1].ID, model.RestoreOptions{NamePrefix: "r-", PowerOn: true})
		if !errors.Is(err, boom) {
			t.Fatalf("RunRestore() error = %v, want %v", err, boom)
		}
		if !wlm.IsKind(err, wlm.KindProcessExecution) {
			t.Errorf("error kind of %v, want ProcessExecution", err)
		}
		if r.Status != model.StatusError {
			t.Errorf("restore status = %s, want error", r.Status)
		}

		report, vm := h.restoredVM(t, r.ID)
		if report.VM.Status != model.StatusError {
			t.Errorf("restored vm status = %s, want error", report.VM.Status)
		}
		if vm.PoweredOn {
			t.Error("vm powered on despite a failed disk")
		}
		if len(vm.Disks) != 1 {
			t.Fatalf("attached disks = %d, want 1", len(vm.Disks))
		}
		assertContent(t, "surviving disk", h.attachedContent(t, vm, "Hard disk 1"), contents[1]["Hard disk 1"])

		statuses := map[string]string{}
		for _, d := range report.Disks {
			statuses[d.ResourceName] = d.Status
		}
		if statuses["Hard disk 1"] != model.StatusAvailable || statuses["Hard disk 2"] != model.StatusError {
			t.Errorf("disk statuses = %v", statuses)
		}
	})

	t.Run("staging space is released", func(t *testing.T) {
		h := newHarnessWithStaging(t, 4*diskSize)
		snaps, _ := twoSnapshots(t, h)

		if _, err := h.restore(t, snaps[1].ID, model.RestoreOptions{NamePrefix: "r-"}); err != nil {
			t.Fatalf("RunRestore() error = %v", err)
		}
		if n := h.staging.Reserved(); n != 0 {
			t.Errorf("staging reserved = %d after restore, want 0", n)
		}
	})

	t.Run("staging area too small", func(t *testing.T) {
		h := newHarnessWithStaging(t, 1024)
		snaps, _ := twoSnapshots(t, h)

		r, err := h.restore(t, snaps[1].ID, model.RestoreOptions{NamePrefix: "r-"})
		if err == nil {
			t.Fatal("RunRestore() error = nil, want staging error")
		}
		if r.Status != model.StatusError {
			t.Errorf("restore status = %s, want error", r.Status)
		}
		if n := h.staging.Reserved(); n != 0 {
			t.Errorf("staging reserved = %d, want 0", n)
		}
	})

	t.Run("corrupted artifact fails the chain check", func(t *testing.T) {
		h := newHarness(t)
		snaps, _ := twoSnapshots(t, h)

		res := h.diskResource(t, snaps[0].ID, "Hard disk 1")
		a := h.artifact(t, res.ID)
		local, err := h.vault.Materialize(a.VaultPath)
		if err != nil {
			t.Fatalf("Materialize() error = %v", err)
		}
		d, err := vmdk.ReadFile(local)
		if err != nil {
			t.Fatalf("ReadFile() error = %v", err)
		}
		d.SetCID("deadbeef")
		if err := d.WriteFile(local); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}

		r, err := h.restore(t, snaps[1].ID, model.RestoreOptions{NamePrefix: "r-"})
		if !wlm.IsKind(err, wlm.KindChainIntegrity) {
			t.Errorf("RunRestore() error = %v, want ChainIntegrity", err)
		}
		if r.Status != model.StatusError {
			t.Errorf("restore status = %s, want error", r.Status)
		}
	})

	t.Run("cancellation stops the upload", func(t *testing.T) {
		h := newHarness(t)
		snaps, _ := twoSnapshots(t, h)
		drainStarted(h.disks)
		h.disks.Hold = make(chan struct{})
		defer close(h.disks.Hold)

		r, err := h.svc.CreateRestore(snaps[1].ID, model.RestoreOptions{NamePrefix: "r-"})
		if err != nil {
			t.Fatalf("CreateRestore() error = %v", err)
		}
		type result struct {
			r   *model.Restore
			err error
		}
		done := make(chan result, 1)
		go func() {
			got, err := h.svc.RunRestore(context.Background(), r.ID)
			done <- result{got, err}
		}()

		waitStarted(t, h.disks)
		if err := h.svc.CancelRestore(r.ID); err != nil {
			t.Fatalf("CancelRestore() error = %v", err)
		}
		res := <-done
		if !wlm.IsKind(res.err, wlm.KindCancelled) {
			t.Errorf("RunRestore() error = %v, want Cancelled", res.err)
		}
		if res.r.Status != model.StatusCancelled {
			t.Errorf("restore status = %s, want cancelled", res.r.Status)
		}
		if n := h.staging.Reserved(); n != 0 {
			t.Errorf("staging reserved = %d after cancel, want 0", n)
		}
	})

	t.Run("only available snapshots can be restored", func(t *testing.T) {
		h := newHarness(t)
		snaps, _ := twoSnapshots(t, h)
		if _, err := h.svc.DeleteSnapshot(context.Background(), snaps[0].ID); err != nil {
			t.Fatalf("DeleteSnapshot() error = %v", err)
		}
		_, err := h.svc.CreateRestore(snaps[0].ID, model.RestoreOptions{})
		if !wlm.IsKind(err, wlm.KindInvalidState) {
			t.Errorf("CreateRestore() error = %v, want InvalidState", err)
		}
	})

	t.Run("restore runs only once", func(t *testing.T) {
		h := newHarness(t)
		snaps, _ := twoSnapshots(t, h)
		r, err := h.restore(t, snaps[1].ID, model.RestoreOptions{NamePrefix: "r-"})
		if err != nil {
			t.Fatalf("RunRestore() error = %v", err)
		}
		if _, err := h.svc.RunRestore(context.Background(), r.ID); !wlm.IsKind(err, wlm.KindInvalidState) {
			t.Errorf("second RunRestore() error = %v, want InvalidState", err)
		}
	})
}
