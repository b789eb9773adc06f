package wlm_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wlm-go/internal/model"
	"wlm-go/internal/testutil"
	"wlm-go/internal/wlm"
)

func TestService_MountSnapshot(t *testing.T) {
	t.Run("images match the disks at capture time", func(t *testing.T) {
		h := newHarness(t)
		snaps, contents := twoSnapshots(t, h)

		for i, snap := range snaps {
			mounts, err := h.svc.MountSnapshot(context.Background(), snap.ID)
			if err != nil {
				t.Fatalf("MountSnapshot(%s) error = %v", snap.ID, err)
			}
			if len(mounts) != 2 {
				t.Fatalf("mounts = %d, want 2", len(mounts))
			}
			for _, m := range mounts {
				image, _, err := testutil.Flatten(m.ImagePath)
				if err != nil {
					t.Fatalf("Flatten(%s) error = %v", m.ImagePath, err)
				}
				assertContent(t, snap.ID+" "+m.ResourceName, image, contents[i][m.ResourceName])
			}
		}

		all, err := h.svc.ListMounts()
		if err != nil {
			t.Fatalf("ListMounts() error = %v", err)
		}
		if len(all) != 4 {
			t.Errorf("ListMounts() = %d entries, want 4", len(all))
		}
	})

	t.Run("a snapshot is mounted once", func(t *testing.T) {
		h := newHarness(t)
		snaps, _ := twoSnapshots(t, h)

		if _, err := h.svc.MountSnapshot(context.Background(), snaps[0].ID); err != nil {
			t.Fatalf("MountSnapshot() error = %v", err)
		}
		if _, err := h.svc.MountSnapshot(context.Background(), snaps[0].ID); !wlm.IsKind(err, wlm.KindInvalidState) {
			t.Errorf("second MountSnapshot() error = %v, want InvalidState", err)
		}
	})

	t.Run("only available snapshots mount", func(t *testing.T) {
		h := newHarness(t)
		vm := h.hv.AddVM("vm-a", "web01")
		h.hv.AddDisk("vm-a", "Hard disk 1", diskSize)
		w := h.workload(t, wlm.WorkloadSpec{Name: "web"}, vm)
		pending, err := h.svc.CreateSnapshot(w.ID)
		if err != nil {
			t.Fatalf("CreateSnapshot() error = %v", err)
		}

		if _, err := h.svc.MountSnapshot(context.Background(), pending.ID); !wlm.IsKind(err, wlm.KindInvalidState) {
			t.Errorf("MountSnapshot(pending) error = %v, want InvalidState", err)
		}
		if _, err := h.svc.MountSnapshot(context.Background(), "missing"); !wlm.IsKind(err, wlm.KindNotFound) {
			t.Errorf("MountSnapshot(missing) error = %v, want NotFound", err)
		}
	})

	t.Run("failed flatten leaves nothing mounted", func(t *testing.T) {
		mountDir := t.TempDir()
		h := newHarness(t, func(o *wlm.Options) { o.MountDir = mountDir })
		snaps, _ := twoSnapshots(t, h)
		snap := snaps[1]
		res2 := h.diskResource(t, snap.ID, "Hard disk 2")

		h.disks.FailFunc = func(op, target string) error {
			if op == "commit" && strings.HasSuffix(target, string(filepath.Separator)+res2.ID+".vmdk") {
				return errors.New("no space left on device")
			}
			return nil
		}
		if _, err := h.svc.MountSnapshot(context.Background(), snap.ID); err == nil {
			t.Fatal("MountSnapshot() expected error")
		}

		mounts, err := h.reg.FindMountsBySnapshot(snap.ID)
		if err != nil {
			t.Fatalf("FindMountsBySnapshot() error = %v", err)
		}
		if len(mounts) != 0 {
			t.Errorf("mounts after failure = %+v, want none", mounts)
		}
		if _, err := os.Stat(filepath.Join(mountDir, snap.ID)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("mount directory left behind (stat error %v)", err)
		}

		h.disks.FailFunc = nil
		if _, err := h.svc.MountSnapshot(context.Background(), snap.ID); err != nil {
			t.Errorf("MountSnapshot() after failure error = %v", err)
		}
	})
}

func TestService_DismountSnapshot(t *testing.T) {
	h := newHarness(t)
	snaps, _ := twoSnapshots(t, h)
	snap := snaps[0]

	if err := h.svc.DismountSnapshot(snap.ID); !wlm.IsKind(err, wlm.KindInvalidState) {
		t.Errorf("DismountSnapshot() before mount error = %v, want InvalidState", err)
	}

	mounts, err := h.svc.MountSnapshot(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("MountSnapshot() error = %v", err)
	}

	// A mounted snapshot cannot be deleted.
	if _, err := h.svc.DeleteSnapshot(context.Background(), snap.ID); !wlm.IsKind(err, wlm.KindInvalidState) {
		t.Errorf("DeleteSnapshot(mounted) error = %v, want InvalidState", err)
	}
	if got := h.snapshot(t, snap.ID); got.Status != model.StatusAvailable {
		t.Errorf("mounted snapshot status = %s, want available", got.Status)
	}

	if err := h.svc.DismountSnapshot(snap.ID); err != nil {
		t.Fatalf("DismountSnapshot() error = %v", err)
	}
	for _, m := range mounts {
		if _, err := os.Stat(m.ImagePath); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("image %s still present after dismount (stat error %v)", m.ImagePath, err)
		}
	}
	all, err := h.svc.ListMounts()
	if err != nil {
		t.Fatalf("ListMounts() error = %v", err)
	}
	if len(all) != 0 {
		t.Errorf("ListMounts() after dismount = %+v, want none", all)
	}

	if _, err := h.svc.DeleteSnapshot(context.Background(), snap.ID); err != nil {
		t.Errorf("DeleteSnapshot() after dismount error = %v", err)
	}
}
