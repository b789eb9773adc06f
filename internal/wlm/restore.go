package wlm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"wlm-go/internal/model"
	"wlm-go/internal/vmdk"
)

// CreateRestore records a pending restore of an available snapshot.
func (s *Service) CreateRestore(snapshotID string, opts model.RestoreOptions) (*model.Restore, error) {
	snap, err := s.findSnapshot(snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.Status != model.StatusAvailable {
		return nil, InvalidState("snapshot %s is %s, only available snapshots can be restored", snap.ID, snap.Status)
	}

	now := s.clock.Now()
	r := &model.Restore{
		ID:          s.idgen.New(),
		SnapshotID:  snap.ID,
		Status:      model.StatusPending,
		Size:        snap.RestoreSize,
		Options:     opts,
		ProgressMsg: "Restore is pending",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.registry.CreateRestore(r); err != nil {
		return nil, fmt.Errorf("creating restore: %w", err)
	}
	s.logger.Info("restore created", "restore", r.ID, "snapshot", snap.ID)
	return r, nil
}

// restoreVMPlan is the set of resources captured for one source VM.
type restoreVMPlan struct {
	vmID   string
	vmName string
	config *model.SnapshotVMResource
	disks  []*model.SnapshotVMResource
}

// RunRestore reconstructs every VM of the restore's snapshot. Each VM is
// registered from its saved configuration and each disk is rebuilt from its
// artifact chain, uploaded and attached. Disks that fail are recorded and
// the others continue; attached disks stay attached when a sibling fails.
//
// The returned error is nil only when the restore became available.
func (s *Service) RunRestore(ctx context.Context, restoreID string) (*model.Restore, error) {
	r, err := s.findRestore(restoreID)
	if err != nil {
		return nil, err
	}
	if r.Status != model.StatusPending {
		return nil, InvalidState("restore %s is %s, not %s", r.ID, r.Status, model.StatusPending)
	}
	snap, err := s.findSnapshot(r.SnapshotID)
	if err != nil {
		return nil, err
	}
	if snap.Status != model.StatusAvailable {
		return s.finishRestore(r, false, InvalidState("snapshot %s is %s", snap.ID, snap.Status))
	}

	plans, err := s.restorePlans(snap.ID)
	if err != nil {
		return s.finishRestore(r, false, err)
	}

	r.Status = model.StatusRunning
	r.ProgressMsg = fmt.Sprintf("Restoring %d vm(s)", len(plans))
	r.UpdatedAt = s.clock.Now()
	if err := s.registry.UpdateRestore(r); err != nil {
		return nil, fmt.Errorf("starting restore: %w", err)
	}
	s.logger.Info("restore started", "restore", r.ID, "snapshot", snap.ID, "vms", len(plans))

	var firstErr error
	cancelled := false
	for _, plan := range plans {
		err := s.restoreVM(ctx, r, plan)
		if err == nil {
			continue
		}
		s.logger.Error("vm restore failed", "restore", r.ID, "vm", plan.vmID, "error", err)
		if IsKind(err, KindCancelled) {
			cancelled = true
			break
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return s.finishRestore(r, cancelled, firstErr)
}

// restorePlans groups the snapshot's resources by source VM, in capture order.
func (s *Service) restorePlans(snapshotID string) ([]*restoreVMPlan, error) {
	resources, err := s.registry.FindResourcesBySnapshot(snapshotID)
	if err != nil {
		return nil, fmt.Errorf("listing resources: %w", err)
	}
	byVM := map[string]*restoreVMPlan{}
	var plans []*restoreVMPlan
	for _, res := range resources {
		plan, ok := byVM[res.VMID]
		if !ok {
			plan = &restoreVMPlan{vmID: res.VMID, vmName: res.VMName}
			byVM[res.VMID] = plan
			plans = append(plans, plan)
		}
		switch res.ResourceType {
		case model.ResourceVMX:
			plan.config = res
		case model.ResourceDisk:
			if res.Status == model.StatusAvailable {
				plan.disks = append(plan.disks, res)
			}
		}
	}
	for _, plan := range plans {
		if plan.config == nil {
			return nil, NotFound("configuration of vm %s in snapshot %s", plan.vmID, snapshotID)
		}
	}
	return plans, nil
}

func (s *Service) restoreVM(ctx context.Context, r *model.Restore, plan *restoreVMPlan) error {
	if err := s.checkCancel(ctx, s.restoreSink(r.ID)); err != nil {
		return err
	}
	config, err := s.vmConfig(plan.config)
	if err != nil {
		return err
	}

	s.restoreMsg(r.ID, fmt.Sprintf("Registering VM %s", plan.vmName))
	reg, err := s.registerVM(ctx, r, plan.vmName, config)
	if err != nil {
		return err
	}

	rvm := &model.RestoredVM{
		ID:         s.idgen.New(),
		RestoreID:  r.ID,
		SourceVMID: plan.vmID,
		VMID:       reg.ID,
		VMName:     reg.Name,
		Status:     model.StatusRunning,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.registry.CreateRestoredVM(rvm); err != nil {
		return fmt.Errorf("recording restored vm: %w", err)
	}

	var errs []error
	cancelled := false
	if len(r.Options.NetworkMappings) > 0 {
		if err := s.hypervisor.RestoreNetwork(ctx, reg, r.Options.NetworkMappings); err != nil {
			errs = append(errs, fmt.Errorf("restoring network of vm %s: %w", reg.Name, err))
		}
	}
	for _, res := range plan.disks {
		if err := s.restoreDisk(ctx, r, rvm, reg, res); err != nil {
			if IsKind(err, KindCancelled) {
				cancelled = true
				errs = append(errs, err)
				break
			}
			errs = append(errs, fmt.Errorf("disk %s: %w", res.ResourceName, err))
		}
	}
	if len(errs) == 0 && r.Options.PowerOn {
		if err := s.hypervisor.PowerOn(ctx, reg); err != nil {
			errs = append(errs, fmt.Errorf("powering on vm %s: %w", reg.Name, err))
		}
	}

	err = errors.Join(errs...)
	switch {
	case cancelled:
		rvm.Status = model.StatusCancelled
		err = Cancelled("restore of vm %s cancelled", reg.Name)
	case err != nil:
		rvm.Status = model.StatusError
	default:
		rvm.Status = model.StatusAvailable
	}
	if err != nil {
		rvm.ErrorMsg = err.Error()
	}
	if uerr := s.registry.UpdateRestoredVM(rvm); uerr != nil {
		s.logger.Error("updating restored vm failed", "restored_vm", rvm.ID, "error", uerr)
	}
	return err
}

// vmConfig returns the saved VM configuration of a vmx resource.
func (s *Service) vmConfig(res *model.SnapshotVMResource) ([]byte, error) {
	if len(res.Metadata.Config) > 0 {
		return res.Metadata.Config, nil
	}
	var buf bytes.Buffer
	if err := s.vault.Fetch(res.Metadata.FileName, &buf); err != nil {
		return nil, fmt.Errorf("fetching configuration of vm %s: %w", res.VMID, err)
	}
	return buf.Bytes(), nil
}

// registerVM registers the VM shell under the requested name, adding a
// random suffix when the name is taken.
func (s *Service) registerVM(ctx context.Context, r *model.Restore, vmName string, config []byte) (*RegisteredVM, error) {
	req := RegisterRequest{
		Name:         r.Options.NamePrefix + vmName,
		Config:       config,
		Datastore:    r.Options.Datastore,
		ResourcePool: r.Options.ResourcePool,
		Folder:       r.Options.Folder,
	}
	reg, err := s.hypervisor.RegisterVM(ctx, req)
	if errors.Is(err, ErrDuplicateName) {
		taken := req.Name
		req.Name = taken + "-" + shortID(s.idgen.New())
		s.logger.Info("vm name taken, registering under a new name", "name", taken, "new_name", req.Name)
		reg, err = s.hypervisor.RegisterVM(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("registering vm %s: %w", req.Name, err)
	}
	return reg, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (s *Service) restoreDisk(ctx context.Context, r *model.Restore, rvm *model.RestoredVM, reg *RegisteredVM, res *model.SnapshotVMResource) error {
	rres := &model.RestoredVMResource{
		ID:           s.idgen.New(),
		RestoredVMID: rvm.ID,
		ResourceID:   res.ID,
		ResourceName: res.ResourceName,
		Status:       model.StatusRunning,
		Size:         res.Metadata.CapacityBytes,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.registry.CreateRestoredVMResource(rres); err != nil {
		return fmt.Errorf("recording restored disk: %w", err)
	}

	err := s.reconstructDisk(ctx, r, reg, res)
	switch {
	case err == nil:
		rres.Status = model.StatusAvailable
	case IsKind(err, KindCancelled):
		rres.Status = model.StatusCancelled
		rres.ErrorMsg = err.Error()
	default:
		rres.Status = model.StatusError
		rres.ErrorMsg = err.Error()
	}
	if uerr := s.registry.UpdateRestoredVMResource(rres); uerr != nil {
		s.logger.Error("updating restored disk failed", "resource", rres.ID, "error", uerr)
	}
	s.metrics.DiskFinished("restore", rres.Status)
	return err
}

// reconstructDisk rebuilds one disk: the chain is staged locally and
// rebased, flattened into a single image, and uploaded to a new disk that is
// then attached. Working directories are always released.
func (s *Service) reconstructDisk(ctx context.Context, r *model.Restore, reg *RegisteredVM, res *model.SnapshotVMResource) error {
	sink := s.restoreSink(r.ID)
	if err := s.checkCancel(ctx, sink); err != nil {
		return err
	}

	chainDir, leaf, err := s.stageChain(res)
	if err != nil {
		return err
	}
	defer s.releaseWorkDir(chainDir)

	need, err := s.disks.SpaceForClone(ctx, leaf)
	if err != nil {
		return fmt.Errorf("sizing flattened image: %w", err)
	}
	flatDir, err := s.staging.Acquire("flat-"+res.ID, need)
	if err != nil {
		return fmt.Errorf("reserving space for flattened image: %w", err)
	}
	defer s.releaseWorkDir(flatDir)

	capacity := res.Metadata.CapacityBytes
	flat := filepath.Join(flatDir.Path(), "flat.vmdk")
	s.restoreMsg(r.ID, fmt.Sprintf("Reconstructing %s (%s)", res.ResourceName, humanize.IBytes(uint64(capacity))))
	t, err := s.disks.Commit(ctx, leaf, flat, capacity)
	if err != nil {
		return fmt.Errorf("starting commit of %s: %w", res.ResourceName, err)
	}
	// Only the upload counts towards the restore's progress.
	commitSink := sink
	commitSink.add = func(string, int64) error { return nil }
	if _, err := s.pump(ctx, t, commitSink, "commit"); err != nil {
		return err
	}

	spec := DiskSpec{
		Name:          res.ResourceName,
		CapacityBytes: capacity,
		AdapterType:   res.Metadata.AdapterType,
		DiskType:      res.Metadata.DiskType,
		ControllerKey: res.Metadata.ControllerKey,
		UnitNumber:    res.Metadata.UnitNumber,
	}
	remote, err := s.hypervisor.CreateDisk(ctx, reg, spec)
	if err != nil {
		return fmt.Errorf("creating disk %s: %w", res.ResourceName, err)
	}

	s.restoreMsg(r.ID, fmt.Sprintf("Uploading %s of VM %s", res.ResourceName, reg.Name))
	t, err = s.disks.Clone(ctx, CloneRequest{
		Endpoint:   s.hypervisor.Endpoint(),
		VMRef:      reg.Ref,
		Source:     flat,
		RemotePath: remote,
		Size:       capacity,
	})
	if err != nil {
		return fmt.Errorf("starting upload of %s: %w", res.ResourceName, err)
	}
	if _, err := s.pump(ctx, t, sink, "upload"); err != nil {
		return err
	}

	if err := s.hypervisor.AttachDisk(ctx, reg, spec, remote); err != nil {
		return fmt.Errorf("attaching disk %s: %w", res.ResourceName, err)
	}
	s.logger.Info("disk restored", "restore", r.ID, "vm", reg.Name, "device", res.ResourceName, "remote", remote)
	return nil
}

// stageChain copies the artifact chain of res into a private working
// directory and rebases every descriptor onto the local copy of its parent.
// It returns the working directory and the local leaf descriptor. The
// lineage is held only while the chain is read.
func (s *Service) stageChain(res *model.SnapshotVMResource) (WorkDir, string, error) {
	unlock, err := s.lineages.Lock(LineageKey(res.VMID, res.StableID))
	if err != nil {
		return nil, "", err
	}
	defer func() {
		if err := unlock(); err != nil {
			s.logger.Warn("releasing lineage failed", "resource", res.ID, "error", err)
		}
	}()

	chain, err := s.registry.ResolveChain(res.ID)
	if err != nil {
		return nil, "", fmt.Errorf("resolving chain of %s: %w", res.ResourceName, err)
	}
	if len(chain) == 0 {
		return nil, "", NotFound("no available artifact for disk %s of vm %s", res.ResourceName, res.VMID)
	}

	var total int64
	for _, a := range chain {
		total += a.Size
	}
	wd, err := s.staging.Acquire("chain-"+res.ID, total)
	if err != nil {
		return nil, "", fmt.Errorf("reserving space for chain of %s: %w", res.ResourceName, err)
	}

	var prevLocal, prevCID string
	for i, a := range chain {
		local, err := s.fetchArtifact(a, wd.Path())
		if err != nil {
			s.releaseWorkDir(wd)
			return nil, "", err
		}
		d, err := vmdk.ReadFile(local)
		if err != nil {
			s.releaseWorkDir(wd)
			return nil, "", err
		}
		if d.CID() != a.ContentMetadata.CID {
			s.releaseWorkDir(wd)
			return nil, "", ChainIntegrity("artifact %s has CID %s, registry records %s", a.ID, d.CID(), a.ContentMetadata.CID)
		}
		if i == 0 {
			d.ClearParent()
		} else {
			if d.ParentCID() != prevCID {
				s.releaseWorkDir(wd)
				return nil, "", ChainIntegrity("artifact %s expects parent CID %s, backing artifact has %s", a.ID, d.ParentCID(), prevCID)
			}
			d.SetParent(prevLocal, prevCID)
		}
		if err := d.WriteFile(local); err != nil {
			s.releaseWorkDir(wd)
			return nil, "", fmt.Errorf("rebasing artifact %s: %w", a.ID, err)
		}
		prevLocal, prevCID = local, d.CID()
	}
	return wd, prevLocal, nil
}

// fetchArtifact downloads the descriptor and extent files of a into dir.
func (s *Service) fetchArtifact(a *model.DeltaArtifact, dir string) (string, error) {
	local := filepath.Join(dir, path.Base(a.VaultPath))
	if err := s.fetchFile(a.VaultPath, local); err != nil {
		return "", err
	}
	files, err := artifactFiles(a.VaultPath, local)
	if err != nil {
		return "", fmt.Errorf("reading descriptor of artifact %s: %w", a.ID, err)
	}
	for _, rel := range files[1:] {
		if rel == vmdk.CTKPath(a.VaultPath) {
			continue
		}
		if err := s.fetchFile(rel, filepath.Join(dir, path.Base(rel))); err != nil {
			return "", err
		}
	}
	return local, nil
}

func (s *Service) fetchFile(rel, local string) error {
	f, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("creating %s: %w", local, err)
	}
	if err := s.vault.Fetch(rel, f); err != nil {
		f.Close()
		return fmt.Errorf("fetching %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", local, err)
	}
	return nil
}

func (s *Service) releaseWorkDir(wd WorkDir) {
	if err := wd.Release(); err != nil {
		s.logger.Warn("releasing working directory failed", "path", wd.Path(), "error", err)
	}
}

// finishRestore writes the terminal restore status.
func (s *Service) finishRestore(r *model.Restore, cancelled bool, cause error) (*model.Restore, error) {
	if cur, err := s.registry.FindRestore(r.ID); err == nil && cur != nil {
		r.UploadedSize = cur.UploadedSize
		r.CancelRequested = cur.CancelRequested
	}
	now := s.clock.Now()
	r.FinishedAt = &now
	r.UpdatedAt = now

	var result error
	switch {
	case cancelled:
		r.Status = model.StatusCancelled
		r.ProgressMsg = "Restore cancelled"
		result = Cancelled("restore %s cancelled", r.ID)
	case cause != nil:
		r.Status = model.StatusError
		r.ProgressMsg = "Restore failed"
		r.ErrorMsg = cause.Error()
		result = fmt.Errorf("restore %s failed: %w", r.ID, cause)
	default:
		r.Status = model.StatusAvailable
		r.ProgressMsg = "Restore is available"
	}
	if err := s.registry.UpdateRestore(r); err != nil {
		return r, fmt.Errorf("finishing restore: %w", err)
	}
	s.logger.Info("restore finished", "restore", r.ID, "status", r.Status)
	return r, result
}

func (s *Service) findRestore(id string) (*model.Restore, error) {
	r, err := s.registry.FindRestore(id)
	if err != nil {
		return nil, fmt.Errorf("finding restore: %w", err)
	}
	if r == nil {
		return nil, NotFound("restore %s", id)
	}
	return r, nil
}

func (s *Service) restoreMsg(restoreID, msg string) {
	if err := s.registry.SetRestoreProgressMsg(restoreID, msg); err != nil {
		s.logger.Warn("updating progress message failed", "restore", restoreID, "error", err)
	}
}
