package wlm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wlm-go/internal/model"
	"wlm-go/internal/vmdk"
)

// Compaction outcomes reported to Metrics.
const (
	compactionMerged  = "merged"
	compactionDropped = "dropped"
	compactionFailed  = "failed"
)

// RetentionReport lists the snapshots a retention pass kept and removed.
type RetentionReport struct {
	Kept    []string
	Deleted []string
	// Failed holds snapshots marked deleted whose data could not be
	// compacted yet. A later pass retries them.
	Failed []string
}

// ApplyRetention deletes the workload's snapshots that fall outside its
// retention policy. A snapshot is kept while it is among the KeepCount most
// recent available ones or younger than KeepDays; the newest available
// snapshot is always kept. Deleted snapshots whose data is still present are
// retried. Compaction failures are recorded per snapshot and do not stop the
// pass.
func (s *Service) ApplyRetention(ctx context.Context, workloadRef string) (*RetentionReport, error) {
	w, err := s.ResolveWorkload(workloadRef)
	if err != nil {
		return nil, err
	}
	snaps, err := s.registry.FindSnapshotsByWorkload(w.ID)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	report := &RetentionReport{}
	var doomed []*model.Snapshot
	cutoff := s.clock.Now().Add(-time.Duration(w.KeepDays) * 24 * time.Hour)
	available := 0
	for _, snap := range snaps {
		switch {
		case snap.Status == model.StatusAvailable:
			keep := available == 0 ||
				(w.KeepCount == 0 && w.KeepDays == 0) ||
				(w.KeepCount > 0 && available < w.KeepCount) ||
				(w.KeepDays > 0 && snap.CreatedAt.After(cutoff))
			available++
			if keep {
				report.Kept = append(report.Kept, snap.ID)
				continue
			}
			doomed = append(doomed, snap)
		case snap.Status == model.StatusDeleted && !snap.DataDeleted:
			doomed = append(doomed, snap)
		}
	}

	if len(doomed) > 0 {
		s.logger.Info("applying retention", "workload", w.ID, "keep_count", w.KeepCount, "keep_days", w.KeepDays,
			"kept", len(report.Kept), "deleting", len(doomed))
	}

	// Newest first: the child of every artifact being removed is then a
	// survivor that has already absorbed any newer removals.
	for _, snap := range doomed {
		if err := ctx.Err(); err != nil {
			return report, Cancelled("retention of workload %s interrupted: %v", w.ID, err)
		}
		if err := s.deleteSnapshot(ctx, snap); err != nil {
			report.Failed = append(report.Failed, snap.ID)
			continue
		}
		report.Deleted = append(report.Deleted, snap.ID)
	}
	return report, nil
}

// DeleteSnapshot marks a finished snapshot deleted and compacts its
// artifacts out of their lineages. When compaction fails the snapshot stays
// deleted with its data in place and the error is returned; retention
// retries it later. Deleting a snapshot whose data is gone is a no-op.
func (s *Service) DeleteSnapshot(ctx context.Context, snapshotID string) (*model.Snapshot, error) {
	snap, err := s.findSnapshot(snapshotID)
	if err != nil {
		return nil, err
	}
	if !snap.Terminal() {
		return nil, InvalidState("snapshot %s is %s", snap.ID, snap.Status)
	}
	if snap.Status == model.StatusDeleted && snap.DataDeleted {
		return snap, nil
	}
	mounts, err := s.registry.FindMountsBySnapshot(snap.ID)
	if err != nil {
		return nil, fmt.Errorf("finding mounts: %w", err)
	}
	if len(mounts) > 0 {
		return nil, InvalidState("snapshot %s is mounted; dismount it first", snap.ID)
	}
	if err := s.deleteSnapshot(ctx, snap); err != nil {
		return snap, err
	}
	return snap, nil
}

func (s *Service) deleteSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if snap.Status != model.StatusDeleted {
		snap.Status = model.StatusDeleted
		snap.DataDeleted = false
		snap.UpdatedAt = s.clock.Now()
		if err := s.registry.UpdateSnapshot(snap); err != nil {
			return fmt.Errorf("marking snapshot %s deleted: %w", snap.ID, err)
		}
	}

	err := s.compactSnapshot(ctx, snap)
	snap.UpdatedAt = s.clock.Now()
	if err != nil {
		s.logger.Warn("snapshot data not removed", "snapshot", snap.ID, "error", err)
		snap.DataDeleted = false
		snap.WarningMsg = fmt.Sprintf("data not removed: %v", err)
	} else {
		if derr := s.vault.DeleteTree(snapshotDir(snap.WorkloadID, snap.ID)); derr != nil {
			s.logger.Warn("deleting snapshot directory failed", "snapshot", snap.ID, "error", derr)
		}
		snap.DataDeleted = true
		snap.WarningMsg = ""
		s.logger.Info("snapshot deleted", "snapshot", snap.ID)
	}
	if uerr := s.registry.UpdateSnapshot(snap); uerr != nil {
		return errors.Join(err, fmt.Errorf("updating snapshot %s: %w", snap.ID, uerr))
	}
	return err
}

// compactSnapshot removes every artifact of the snapshot from its lineage.
// Each lineage is handled on its own; the errors are joined.
func (s *Service) compactSnapshot(ctx context.Context, snap *model.Snapshot) error {
	resources, err := s.registry.FindResourcesBySnapshot(snap.ID)
	if err != nil {
		return fmt.Errorf("listing resources: %w", err)
	}
	var errs []error
	for _, res := range resources {
		if res.ResourceType != model.ResourceDisk {
			continue
		}
		if err := s.compactResource(ctx, res); err != nil {
			s.logger.Error("compacting lineage failed", "snapshot", snap.ID, "resource", res.ID,
				"vm", res.VMID, "device", res.ResourceName, "error", err)
			errs = append(errs, fmt.Errorf("disk %s of vm %s: %w", res.ResourceName, res.VMID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) compactResource(ctx context.Context, res *model.SnapshotVMResource) error {
	lineage := LineageKey(res.VMID, res.StableID)
	unlock, err := s.lineages.Lock(lineage)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(); err != nil {
			s.logger.Warn("releasing lineage failed", "resource", res.ID, "error", err)
		}
	}()

	artifacts, err := s.registry.FindArtifactsByResource(res.ID)
	if err != nil {
		return fmt.Errorf("listing artifacts: %w", err)
	}

	// Failed transfers first: they hold backing links to the live artifacts.
	for _, a := range artifacts {
		if a.Status == model.ArtifactAvailable {
			continue
		}
		if err := s.registry.DeleteArtifact(a.ID); err != nil {
			return fmt.Errorf("deleting %s artifact %s: %w", a.Status, a.ID, err)
		}
		s.deleteArtifactFiles(a)
	}

	for _, a := range artifacts {
		if a.Status != model.ArtifactAvailable {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Cancelled("compaction interrupted: %v", err)
		}
		if err := s.lineages.Renew(lineage); err != nil {
			return err
		}
		if err := s.removeArtifact(ctx, lineage, a); err != nil {
			s.metrics.CompactionFinished(compactionFailed)
			return err
		}
	}
	return nil
}

// removeArtifact takes d out of its lineage. The head of a lineage is simply
// dropped; otherwise its child absorbs it.
func (s *Service) removeArtifact(ctx context.Context, lineage string, d *model.DeltaArtifact) error {
	child, err := s.registry.FindArtifactChild(d.ID)
	if err != nil {
		return fmt.Errorf("finding child of artifact %s: %w", d.ID, err)
	}
	if child == nil {
		if err := s.registry.DeleteArtifact(d.ID); err != nil {
			return fmt.Errorf("deleting artifact %s: %w", d.ID, err)
		}
		s.deleteArtifactFiles(d)
		s.metrics.CompactionFinished(compactionDropped)
		s.logger.Info("artifact dropped", "artifact", d.ID)
		return nil
	}
	if err := s.mergeArtifact(ctx, lineage, d, child); err != nil {
		return err
	}
	s.metrics.CompactionFinished(compactionMerged)
	return nil
}

// mergeArtifact folds d into its child c and relinks c onto d's parent p.
//
// c receives the extents of d it does not cover itself, so c reconstructs
// unchanged while p and everything below it are never modified. The file
// rewrite is undone if the consistency check, the upload or the registry
// update fails. Bytes already copied into c's data file stay behind; they
// equal what c read through d, so c's content is the same either way.
func (s *Service) mergeArtifact(ctx context.Context, lineage string, d, c *model.DeltaArtifact) error {
	localD, err := s.materializeArtifact(d)
	if err != nil {
		return err
	}
	localC, err := s.materializeArtifact(c)
	if err != nil {
		return err
	}

	var p *model.DeltaArtifact
	var localP, parentCID string
	if d.BackingID != "" {
		p, err = s.registry.FindArtifact(d.BackingID)
		if err != nil {
			return fmt.Errorf("finding artifact: %w", err)
		}
		if p == nil {
			return ChainIntegrity("artifact %s references missing backing %s", d.ID, d.BackingID)
		}
		if localP, err = s.materializeChain(p); err != nil {
			return err
		}
		pd, err := vmdk.ReadFile(localP)
		if err != nil {
			return err
		}
		if pd.CID() != p.ContentMetadata.CID {
			return ChainIntegrity("artifact %s has CID %s, registry records %s", p.ID, pd.CID(), p.ContentMetadata.CID)
		}
		parentCID = pd.CID()
	}

	cd, err := vmdk.ReadFile(localC)
	if err != nil {
		return err
	}
	if dd, err := vmdk.ReadFile(localD); err != nil {
		return err
	} else if cd.ParentCID() != dd.CID() {
		return ChainIntegrity("artifact %s expects parent CID %s, artifact %s has %s", c.ID, cd.ParentCID(), d.ID, dd.CID())
	}

	ctkC := vmdk.CTKPath(localC)
	backup, err := backupFiles(localC, ctkC)
	if err != nil {
		return err
	}
	rollback := func(cause error) error {
		if err := backup.restore(); err != nil {
			s.logger.Error("restoring artifact descriptor failed", "artifact", c.ID, "error", err)
			return errors.Join(cause, err)
		}
		return cause
	}

	own, err := vmdk.ReadExtents(ctkC)
	if err != nil {
		return err
	}
	absorbed, err := vmdk.ReadExtents(vmdk.CTKPath(localD))
	if err != nil {
		return err
	}
	if missing := vmdk.Subtract(absorbed, own); len(missing) > 0 {
		if err := s.disks.CopyExtents(ctx, localD, localC, missing); err != nil {
			return fmt.Errorf("copying extents of %s into %s: %w", d.ID, c.ID, err)
		}
	}

	if err := vmdk.WriteExtents(ctkC, vmdk.Union(own, absorbed)); err != nil {
		return rollback(fmt.Errorf("writing extent list: %w", err))
	}
	if p != nil {
		cd.SetParent(parentHint(localC, localP), parentCID)
	} else {
		cd.ClearParent()
	}
	if err := cd.WriteFile(localC); err != nil {
		return rollback(fmt.Errorf("writing descriptor: %w", err))
	}
	if err := s.disks.Check(ctx, localC); err != nil {
		return rollback(fmt.Errorf("checking merged artifact %s: %w", c.ID, err))
	}
	if cd, err = vmdk.ReadFile(localC); err != nil {
		return rollback(err)
	}
	if cd.CID() != c.ContentMetadata.CID {
		return rollback(ChainIntegrity("artifact %s changed CID from %s to %s", c.ID, c.ContentMetadata.CID, cd.CID()))
	}

	size, err := dataSize(localC)
	if err != nil {
		return rollback(err)
	}
	// The copy may have outlasted the lease; relink only while still holding it.
	if err := s.lineages.Renew(lineage); err != nil {
		return rollback(err)
	}
	if err := s.persistArtifact(c.VaultPath, localC); err != nil {
		return s.unpersist(c, localC, rollback(err))
	}

	meta := c.ContentMetadata
	meta.ParentCID = cd.ParentCID()
	merge := model.ArtifactMerge{
		RemovedID:       d.ID,
		SurvivorID:      c.ID,
		Size:            size,
		ContentMetadata: meta,
	}
	if p != nil {
		merge.ParentID = p.ID
	}
	if err := s.registry.MergeArtifacts(merge); err != nil {
		return s.unpersist(c, localC, rollback(fmt.Errorf("relinking artifact %s: %w", c.ID, err)))
	}

	if p == nil {
		s.markFull(c)
	}
	s.deleteArtifactFiles(d)
	s.logger.Info("artifact merged", "removed", d.ID, "survivor", c.ID, "parent", merge.ParentID)
	return nil
}

// unpersist stores the restored local files of c again after a failed merge.
func (s *Service) unpersist(c *model.DeltaArtifact, localC string, cause error) error {
	if err := s.persistArtifact(c.VaultPath, localC); err != nil {
		s.logger.Error("re-storing artifact after failed merge failed", "artifact", c.ID, "error", err)
		return errors.Join(cause, err)
	}
	return cause
}

// markFull records that c became the base of its lineage: its resource, and
// its snapshot once every disk in it is full, are now full captures.
func (s *Service) markFull(c *model.DeltaArtifact) {
	res, err := s.registry.FindResource(c.ResourceID)
	if err != nil || res == nil {
		s.logger.Warn("finding resource of merged artifact failed", "artifact", c.ID, "error", err)
		return
	}
	if res.SnapshotType == model.SnapshotFull {
		return
	}
	res.SnapshotType = model.SnapshotFull
	if err := s.registry.UpdateResource(res); err != nil {
		s.logger.Warn("updating resource type failed", "resource", res.ID, "error", err)
		return
	}

	siblings, err := s.registry.FindResourcesBySnapshot(res.SnapshotID)
	if err != nil {
		s.logger.Warn("listing snapshot resources failed", "snapshot", res.SnapshotID, "error", err)
		return
	}
	for _, r := range siblings {
		if r.ResourceType == model.ResourceDisk && r.SnapshotType != model.SnapshotFull {
			return
		}
	}
	snap, err := s.registry.FindSnapshot(res.SnapshotID)
	if err != nil || snap == nil || snap.Type == model.SnapshotFull {
		return
	}
	snap.Type = model.SnapshotFull
	if err := s.registry.UpdateSnapshot(snap); err != nil {
		s.logger.Warn("updating snapshot type failed", "snapshot", snap.ID, "error", err)
	}
}
