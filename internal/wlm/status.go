package wlm

import (
	"fmt"

	"wlm-go/internal/model"
)

// SnapshotReport is a snapshot with its per-VM resources.
type SnapshotReport struct {
	Snapshot  *model.Snapshot             `yaml:"snapshot"`
	Resources []*model.SnapshotVMResource `yaml:"resources"`
}

// RestoreReport is a restore with the VMs and disks it produced.
type RestoreReport struct {
	Restore *model.Restore     `yaml:"restore"`
	VMs     []RestoredVMReport `yaml:"vms"`
}

// RestoredVMReport is one restored VM with its disks.
type RestoredVMReport struct {
	VM    *model.RestoredVM           `yaml:"vm"`
	Disks []*model.RestoredVMResource `yaml:"disks"`
}

// ChainReport describes the artifact chain behind every disk of a snapshot.
type ChainReport struct {
	SnapshotID string      `yaml:"snapshot_id"`
	Disks      []DiskChain `yaml:"disks"`
}

// DiskChain is the chain of one disk, root first.
type DiskChain struct {
	ResourceID string       `yaml:"resource_id"`
	VMID       string       `yaml:"vm_id"`
	Label      string       `yaml:"label"`
	Status     string       `yaml:"status"`
	Error      string       `yaml:"error,omitempty"`
	Artifacts  []ChainEntry `yaml:"artifacts"`
}

// ChainEntry is one artifact of a DiskChain.
type ChainEntry struct {
	ID         string `yaml:"id"`
	SnapshotID string `yaml:"snapshot_id"`
	Full       bool   `yaml:"full"`
	Top        bool   `yaml:"top"`
	Size       int64  `yaml:"size"`
	CID        string `yaml:"cid"`
	ParentCID  string `yaml:"parent_cid"`
	VaultPath  string `yaml:"vault_path"`
}

// SnapshotStatus returns a snapshot and its resources.
func (s *Service) SnapshotStatus(snapshotID string) (*SnapshotReport, error) {
	snap, err := s.findSnapshot(snapshotID)
	if err != nil {
		return nil, err
	}
	resources, err := s.registry.FindResourcesBySnapshot(snap.ID)
	if err != nil {
		return nil, fmt.Errorf("listing resources: %w", err)
	}
	return &SnapshotReport{Snapshot: snap, Resources: resources}, nil
}

// ListSnapshots returns the workload's snapshots, newest first.
func (s *Service) ListSnapshots(workloadRef string) ([]*model.Snapshot, error) {
	w, err := s.ResolveWorkload(workloadRef)
	if err != nil {
		return nil, err
	}
	snaps, err := s.registry.FindSnapshotsByWorkload(w.ID)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return snaps, nil
}

// RestoreStatus returns a restore with its VMs and disks.
func (s *Service) RestoreStatus(restoreID string) (*RestoreReport, error) {
	r, err := s.findRestore(restoreID)
	if err != nil {
		return nil, err
	}
	vms, err := s.registry.FindRestoredVMs(r.ID)
	if err != nil {
		return nil, fmt.Errorf("listing restored vms: %w", err)
	}
	report := &RestoreReport{Restore: r}
	for _, vm := range vms {
		disks, err := s.registry.FindRestoredVMResources(vm.ID)
		if err != nil {
			return nil, fmt.Errorf("listing restored disks: %w", err)
		}
		report.VMs = append(report.VMs, RestoredVMReport{VM: vm, Disks: disks})
	}
	return report, nil
}

// ShowChain resolves the artifact chain of every disk of a snapshot. A disk
// whose chain cannot be resolved is reported with the error instead of
// failing the whole report, except for chain integrity errors.
func (s *Service) ShowChain(snapshotID string) (*ChainReport, error) {
	snap, err := s.findSnapshot(snapshotID)
	if err != nil {
		return nil, err
	}
	resources, err := s.registry.FindResourcesBySnapshot(snap.ID)
	if err != nil {
		return nil, fmt.Errorf("listing resources: %w", err)
	}

	report := &ChainReport{SnapshotID: snap.ID}
	owners := map[string]string{}
	for _, res := range resources {
		if res.ResourceType != model.ResourceDisk {
			continue
		}
		dc := DiskChain{ResourceID: res.ID, VMID: res.VMID, Label: res.ResourceName, Status: res.Status, Error: res.ErrorMsg}
		chain, err := s.registry.ResolveChain(res.ID)
		if IsKind(err, KindChainIntegrity) {
			return nil, fmt.Errorf("resolving chain of %s: %w", res.ResourceName, err)
		}
		if err != nil {
			dc.Error = err.Error()
		}
		for _, a := range chain {
			owner, ok := owners[a.ResourceID]
			if !ok {
				if r, err := s.registry.FindResource(a.ResourceID); err == nil && r != nil {
					owner = r.SnapshotID
				}
				owners[a.ResourceID] = owner
			}
			dc.Artifacts = append(dc.Artifacts, ChainEntry{
				ID:         a.ID,
				SnapshotID: owner,
				Full:       a.IsFull(),
				Top:        a.Top,
				Size:       a.Size,
				CID:        a.ContentMetadata.CID,
				ParentCID:  a.ContentMetadata.ParentCID,
				VaultPath:  a.VaultPath,
			})
		}
		report.Disks = append(report.Disks, dc)
	}
	return report, nil
}

// CancelSnapshot asks a pending or running snapshot to stop. The capture
// observes the request at its next progress tick.
func (s *Service) CancelSnapshot(snapshotID string) error {
	snap, err := s.findSnapshot(snapshotID)
	if err != nil {
		return err
	}
	if snap.Terminal() {
		return InvalidState("snapshot %s is %s", snap.ID, snap.Status)
	}
	if err := s.registry.RequestSnapshotCancel(snap.ID); err != nil {
		return fmt.Errorf("requesting cancellation: %w", err)
	}
	s.logger.Info("snapshot cancellation requested", "snapshot", snap.ID)
	return nil
}

// CancelRestore asks a pending or running restore to stop.
func (s *Service) CancelRestore(restoreID string) error {
	r, err := s.findRestore(restoreID)
	if err != nil {
		return err
	}
	if r.Terminal() {
		return InvalidState("restore %s is %s", r.ID, r.Status)
	}
	if err := s.registry.RequestRestoreCancel(r.ID); err != nil {
		return fmt.Errorf("requesting cancellation: %w", err)
	}
	s.logger.Info("restore cancellation requested", "restore", r.ID)
	return nil
}

// History returns the most recent operations, newest first.
func (s *Service) History(limit int) ([]*model.Operation, error) {
	ops, err := s.registry.ListOperations(limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}
