package wlm

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/panjf2000/ants/v2"

	"wlm-go/internal/model"
)

// CreateSnapshot records a pending snapshot of the workload. The capture
// itself runs in CaptureSnapshot.
func (s *Service) CreateSnapshot(workloadRef string) (*model.Snapshot, error) {
	w, err := s.ResolveWorkload(workloadRef)
	if err != nil {
		return nil, err
	}
	vms, err := s.registry.FindWorkloadVMs(w.ID)
	if err != nil {
		return nil, fmt.Errorf("listing workload vms: %w", err)
	}
	if len(vms) == 0 {
		return nil, InvalidState("workload %s has no vms", w.Name)
	}

	now := s.clock.Now()
	snap := &model.Snapshot{
		ID:          s.idgen.New(),
		WorkloadID:  w.ID,
		Type:        model.SnapshotFull,
		Status:      model.StatusPending,
		ProgressMsg: "Snapshot of workload is pending",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.registry.CreateSnapshot(snap); err != nil {
		return nil, fmt.Errorf("creating snapshot: %w", err)
	}
	s.logger.Info("snapshot created", "snapshot", snap.ID, "workload", w.ID)
	return snap, nil
}

// vmCapture is the outcome of capturing one VM.
type vmCapture struct {
	disks     []*model.SnapshotVMResource
	err       error
	cancelled bool
}

// CaptureSnapshot runs a pending snapshot: every VM of the workload is
// snapshotted on the hypervisor and each disk's changed extents are
// transferred into the vault. Per-disk failures are recorded and the
// remaining disks continue; the aggregate status is set after all were
// attempted. On success the workload's retention policy is applied.
//
// The returned error is nil only when the snapshot became available.
func (s *Service) CaptureSnapshot(ctx context.Context, snapshotID string) (*model.Snapshot, error) {
	snap, err := s.findSnapshot(snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.Status != model.StatusPending {
		return nil, InvalidState("snapshot %s is %s, not %s", snap.ID, snap.Status, model.StatusPending)
	}
	w, err := s.registry.FindWorkload(snap.WorkloadID)
	if err != nil {
		return nil, fmt.Errorf("finding workload: %w", err)
	}
	if w == nil {
		return nil, NotFound("workload %s", snap.WorkloadID)
	}
	vms, err := s.registry.FindWorkloadVMs(w.ID)
	if err != nil {
		return nil, fmt.Errorf("listing workload vms: %w", err)
	}

	snap.Status = model.StatusRunning
	snap.ProgressMsg = fmt.Sprintf("Capturing %d vm(s)", len(vms))
	snap.UpdatedAt = s.clock.Now()
	if err := s.registry.UpdateSnapshot(snap); err != nil {
		return nil, fmt.Errorf("starting snapshot: %w", err)
	}
	s.logger.Info("snapshot started", "snapshot", snap.ID, "workload", w.ID, "vms", len(vms), "policy", w.VMPolicy)

	results := make([]vmCapture, len(vms))
	if w.VMPolicy == model.PolicyParallel && len(vms) > 1 {
		if err := s.captureParallel(ctx, snap, vms, results); err != nil {
			return s.finishSnapshot(snap, nil, err)
		}
	} else {
		for i, vm := range vms {
			results[i] = s.captureVM(ctx, snap, vm)
		}
	}

	return s.finishSnapshot(snap, results, nil)
}

// captureParallel captures the VMs on a bounded goroutine pool.
func (s *Service) captureParallel(ctx context.Context, snap *model.Snapshot, vms []*model.WorkloadVM, results []vmCapture) error {
	pool, err := ants.NewPool(min(s.opts.Parallelism, len(vms)), ants.WithPanicHandler(func(p any) {
		s.logger.Error("vm capture panicked", "snapshot", snap.ID, "panic", p)
	}))
	if err != nil {
		return fmt.Errorf("creating capture pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, vm := range vms {
		// A panicking task leaves this result in place.
		results[i] = vmCapture{err: fmt.Errorf("capture of vm %s did not complete", vm.VMID)}
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i] = s.captureVM(ctx, snap, vm)
		})
		if err != nil {
			wg.Done()
			results[i] = vmCapture{err: fmt.Errorf("scheduling capture of vm %s: %w", vm.VMID, err)}
		}
	}
	wg.Wait()
	return nil
}

// captureVM snapshots one VM on the hypervisor and captures its disks in
// order. The hypervisor snapshot is always removed.
func (s *Service) captureVM(ctx context.Context, snap *model.Snapshot, vm *model.WorkloadVM) vmCapture {
	sink := s.snapshotSink(snap.ID)
	if err := s.checkCancel(ctx, sink); err != nil {
		return vmCapture{err: err, cancelled: true}
	}

	s.progressMsg(snap.ID, fmt.Sprintf("Creating hypervisor snapshot of VM %s", vm.VMName))
	if err := s.hypervisor.EnableChangeTracking(ctx, vm.VMID); err != nil {
		return vmCapture{err: fmt.Errorf("enabling change tracking on vm %s: %w", vm.VMID, err)}
	}
	hsnap, err := s.hypervisor.CreateSnapshot(ctx, vm.VMID, "wlm-"+snap.ID)
	if err != nil {
		return vmCapture{err: fmt.Errorf("creating hypervisor snapshot of vm %s: %w", vm.VMID, err)}
	}
	defer func() {
		// Removal must happen even when the capture was interrupted.
		if err := s.hypervisor.RemoveSnapshot(context.WithoutCancel(ctx), vm.VMID, hsnap.Ref); err != nil {
			s.logger.Error("removing hypervisor snapshot failed", "snapshot", snap.ID, "vm", vm.VMID, "ref", hsnap.Ref, "error", err)
		}
	}()

	var out vmCapture
	if err := s.recordConfig(snap, vm, hsnap); err != nil {
		out.err = err
	}

	for _, dev := range hsnap.Devices {
		res, err := s.captureDisk(ctx, diskCapture{snapshot: snap, vm: vm, hsnap: hsnap, dev: dev})
		if res != nil {
			out.disks = append(out.disks, res)
		}
		if err != nil {
			s.logger.Error("disk capture failed", "snapshot", snap.ID, "vm", vm.VMID, "device", dev.Label, "error", err)
			if IsKind(err, KindCancelled) {
				out.cancelled = true
			} else if out.err == nil {
				out.err = fmt.Errorf("disk %s of vm %s: %w", dev.Label, vm.VMID, err)
			}
			if out.cancelled {
				break
			}
		}
	}
	return out
}

// recordConfig stores the VM configuration as the vmx resource of the
// snapshot. Restores register the VM shell from it.
func (s *Service) recordConfig(snap *model.Snapshot, vm *model.WorkloadVM, hsnap *HypervisorSnapshot) error {
	rel := path.Join(snapshotDir(snap.WorkloadID, snap.ID), "vm_id_"+vm.VMID, "vmx", "config.vmx")
	local, err := s.vault.LocalPath(rel)
	if err != nil {
		return err
	}
	if err := os.WriteFile(local, hsnap.Config, 0644); err != nil {
		return fmt.Errorf("writing vm configuration: %w", err)
	}
	if err := s.vault.Persist(rel); err != nil {
		return fmt.Errorf("persisting vm configuration: %w", err)
	}

	now := s.clock.Now()
	res := &model.SnapshotVMResource{
		ID:           s.idgen.New(),
		SnapshotID:   snap.ID,
		VMID:         vm.VMID,
		VMName:       hsnap.VMName,
		ResourceType: model.ResourceVMX,
		ResourceName: "vmx",
		Status:       model.StatusAvailable,
		Size:         int64(len(hsnap.Config)),
		Metadata:     model.ResourceMetadata{FileName: rel, Config: hsnap.Config},
		CreatedAt:    now,
		FinishedAt:   &now,
	}
	if err := s.registry.CreateResource(res); err != nil {
		return fmt.Errorf("recording vm configuration: %w", err)
	}
	return nil
}

// finishSnapshot aggregates the per-VM results into the terminal snapshot
// status and, when available, applies retention.
func (s *Service) finishSnapshot(snap *model.Snapshot, results []vmCapture, fatal error) (*model.Snapshot, error) {
	var firstErr error = fatal
	cancelled := false
	allFull := true
	var size, restoreSize int64
	for _, r := range results {
		if r.cancelled {
			cancelled = true
		}
		if r.err != nil && firstErr == nil && !IsKind(r.err, KindCancelled) {
			firstErr = r.err
		}
		for _, d := range r.disks {
			if d.SnapshotType != model.SnapshotFull {
				allFull = false
			}
			if d.Status == model.StatusAvailable {
				size += d.Size
				restoreSize += d.RestoreSize
			}
		}
	}

	now := s.clock.Now()
	snap.Size = size
	snap.RestoreSize = restoreSize
	snap.Type = model.SnapshotIncremental
	if allFull {
		snap.Type = model.SnapshotFull
	}
	snap.FinishedAt = &now
	snap.UpdatedAt = now

	var result error
	switch {
	case cancelled:
		snap.Status = model.StatusCancelled
		snap.ProgressMsg = "Snapshot cancelled"
		result = Cancelled("snapshot %s cancelled", snap.ID)
		if firstErr != nil {
			snap.ErrorMsg = firstErr.Error()
		}
	case firstErr != nil:
		snap.Status = model.StatusError
		snap.ProgressMsg = "Snapshot failed"
		snap.ErrorMsg = firstErr.Error()
		result = fmt.Errorf("snapshot %s failed: %w", snap.ID, firstErr)
	default:
		snap.Status = model.StatusAvailable
		snap.ProgressMsg = "Snapshot is available"
	}

	if err := s.updateSnapshotFinal(snap); err != nil {
		return snap, err
	}
	s.logger.Info("snapshot finished", "snapshot", snap.ID, "status", snap.Status, "type", snap.Type, "size", size)

	if snap.Status != model.StatusAvailable {
		return snap, result
	}

	report, rerr := s.ApplyRetention(context.Background(), snap.WorkloadID)
	// Compaction may have turned this snapshot into a full one.
	if cur, err := s.registry.FindSnapshot(snap.ID); err == nil && cur != nil {
		snap = cur
	}
	var warning string
	switch {
	case rerr != nil:
		warning = fmt.Sprintf("retention failed: %v", rerr)
	case len(report.Failed) > 0:
		warning = fmt.Sprintf("retention could not remove the data of %d snapshot(s)", len(report.Failed))
	}
	if warning != "" {
		s.logger.Warn("retention after snapshot incomplete", "snapshot", snap.ID, "warning", warning)
		snap.WarningMsg = warning
		snap.UpdatedAt = s.clock.Now()
		if err := s.registry.UpdateSnapshot(snap); err != nil {
			s.logger.Error("recording retention warning failed", "snapshot", snap.ID, "error", err)
		}
	}
	return snap, nil
}

// updateSnapshotFinal writes the terminal snapshot row while keeping the
// progress counter accumulated by the transfers.
func (s *Service) updateSnapshotFinal(snap *model.Snapshot) error {
	cur, err := s.registry.FindSnapshot(snap.ID)
	if err != nil {
		return fmt.Errorf("reloading snapshot: %w", err)
	}
	if cur != nil {
		snap.UploadedSize = cur.UploadedSize
		snap.CancelRequested = cur.CancelRequested
	}
	if err := s.registry.UpdateSnapshot(snap); err != nil {
		return fmt.Errorf("finishing snapshot: %w", err)
	}
	return nil
}

// findSnapshot converts a missing row into a NotFound error.
func (s *Service) findSnapshot(id string) (*model.Snapshot, error) {
	snap, err := s.registry.FindSnapshot(id)
	if err != nil {
		return nil, fmt.Errorf("finding snapshot: %w", err)
	}
	if snap == nil {
		return nil, NotFound("snapshot %s", id)
	}
	return snap, nil
}
