package wlm

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"wlm-go/internal/model"
	"wlm-go/internal/vmdk"
)

// diskCapture identifies one device of one VM inside a running snapshot.
type diskCapture struct {
	snapshot *model.Snapshot
	vm       *model.WorkloadVM
	hsnap    *HypervisorSnapshot
	dev      Device
}

// captureDisk records a disk resource for c and transfers its changed
// extents into a new artifact. Failures are recorded on the resource and
// returned; the resource is returned in every case once it was created.
func (s *Service) captureDisk(ctx context.Context, c diskCapture) (*model.SnapshotVMResource, error) {
	res := &model.SnapshotVMResource{
		ID:           s.idgen.New(),
		SnapshotID:   c.snapshot.ID,
		VMID:         c.vm.VMID,
		VMName:       c.hsnap.VMName,
		ResourceType: model.ResourceDisk,
		ResourceName: c.dev.Label,
		StableID:     c.dev.StableID,
		Status:       model.StatusRunning,
		Metadata: model.ResourceMetadata{
			DeviceKey:     c.dev.Key,
			ControllerKey: c.dev.ControllerKey,
			UnitNumber:    c.dev.UnitNumber,
			CapacityBytes: c.dev.CapacityBytes,
			AdapterType:   c.dev.AdapterType,
			DiskType:      c.dev.DiskType,
			Datastore:     c.dev.Datastore,
			FileName:      c.dev.FileName,
			ChangeToken:   c.dev.ChangeToken,
		},
		CreatedAt: s.clock.Now(),
	}
	if err := s.registry.CreateResource(res); err != nil {
		return nil, fmt.Errorf("recording disk %s: %w", c.dev.Label, err)
	}

	err := s.captureLineage(ctx, c, res)

	now := s.clock.Now()
	res.FinishedAt = &now
	switch {
	case err == nil:
		res.Status = model.StatusAvailable
	case IsKind(err, KindCancelled):
		res.Status = model.StatusCancelled
		res.ErrorMsg = err.Error()
	default:
		res.Status = model.StatusError
		res.ErrorMsg = err.Error()
	}
	if uerr := s.registry.UpdateResource(res); uerr != nil {
		s.logger.Error("updating disk resource failed", "resource", res.ID, "error", uerr)
	}
	s.metrics.DiskFinished("capture", res.Status)
	return res, err
}

// captureLineage holds the lineage of the disk while it decides between a
// full and an incremental capture and transfers the artifact.
func (s *Service) captureLineage(ctx context.Context, c diskCapture, res *model.SnapshotVMResource) error {
	lineage := LineageKey(c.vm.VMID, c.dev.StableID)
	unlock, err := s.lineages.Lock(lineage)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(); err != nil {
			s.logger.Warn("releasing lineage failed", "resource", res.ID, "error", err)
		}
	}()

	prior, err := s.registry.FindPriorAvailableLineage(c.vm.VMID, c.dev.StableID, c.snapshot.ID)
	if err != nil {
		return fmt.Errorf("finding prior lineage: %w", err)
	}

	since := model.FullCaptureToken
	var parent *model.DeltaArtifact
	switch {
	case prior == nil:
	case prior.Resource.Metadata.CapacityBytes != c.dev.CapacityBytes:
		s.logger.Info("disk capacity changed, capturing full",
			"vm", c.vm.VMID, "device", c.dev.Label,
			"was", prior.Resource.Metadata.CapacityBytes, "now", c.dev.CapacityBytes)
	case prior.Artifact.ContentMetadata.ChangeToken == "" || c.dev.ChangeToken == "":
		s.logger.Info("no change tracking reference, capturing full", "vm", c.vm.VMID, "device", c.dev.Label)
	default:
		since = prior.Artifact.ContentMetadata.ChangeToken
		parent = prior.Artifact
	}
	res.SnapshotType = model.SnapshotFull
	if parent != nil {
		res.SnapshotType = model.SnapshotIncremental
	}

	extents, err := collectExtents(s.ChangedExtents(ctx, c.vm.VMID, c.hsnap.Ref, c.dev, since))
	if err != nil {
		return err
	}
	extents = vmdk.Normalize(extents)

	artifactID := s.idgen.New()
	a := &model.DeltaArtifact{
		ID:         artifactID,
		ResourceID: res.ID,
		VaultPath:  artifactPath(c.snapshot.WorkloadID, c.snapshot.ID, c.vm.VMID, c.dev.Label, artifactID),
		CreatedAt:  s.clock.Now(),
	}
	if parent != nil {
		a.BackingID = parent.ID
	}
	if err := s.registry.CreateArtifact(a); err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}

	commit, err := s.transferArtifact(ctx, c, a, parent, extents)
	if err != nil {
		s.failArtifact(a, err)
		return err
	}
	if err := s.lineages.Renew(lineage); err != nil {
		s.failArtifact(a, err)
		return err
	}
	if err := s.registry.CommitArtifact(a.ID, *commit); err != nil {
		s.failArtifact(a, err)
		return fmt.Errorf("committing artifact: %w", err)
	}

	res.Size = commit.Size
	res.RestoreSize = commit.RestoreSize
	s.metrics.ArtifactCommitted(res.SnapshotType)
	s.logger.Info("disk captured", "snapshot", c.snapshot.ID, "vm", c.vm.VMID, "device", c.dev.Label,
		"type", res.SnapshotType, "artifact", a.ID, "size", humanize.IBytes(uint64(commit.Size)))
	return nil
}

// transferArtifact writes the extent list, runs the range-limited download
// into a pre-sized local artifact, repairs the descriptor and persists the
// files. The registry row is left untouched.
func (s *Service) transferArtifact(ctx context.Context, c diskCapture, a *model.DeltaArtifact, parent *model.DeltaArtifact, extents []model.Extent) (*model.ArtifactCommit, error) {
	sink := s.snapshotSink(c.snapshot.ID)
	sink.lineage = LineageKey(c.vm.VMID, c.dev.StableID)
	if err := s.checkCancel(ctx, sink); err != nil {
		return nil, err
	}

	dest, err := s.vault.LocalPath(a.VaultPath)
	if err != nil {
		return nil, err
	}
	extentFile := vmdk.CTKPath(dest)
	if err := vmdk.WriteExtents(extentFile, extents); err != nil {
		return nil, fmt.Errorf("writing extent list: %w", err)
	}
	if err := s.disks.Create(ctx, dest, c.dev.CapacityBytes); err != nil {
		return nil, fmt.Errorf("creating artifact file: %w", err)
	}

	var parentLocal, parentCID string
	if parent != nil {
		parentLocal, err = s.materializeArtifact(parent)
		if err != nil {
			return nil, err
		}
		pd, err := vmdk.ReadFile(parentLocal)
		if err != nil {
			return nil, err
		}
		if pd.CID() != parent.ContentMetadata.CID {
			return nil, ChainIntegrity("parent artifact %s has CID %s, registry records %s", parent.ID, pd.CID(), parent.ContentMetadata.CID)
		}
		parentCID = pd.CID()
	}

	total := vmdk.TotalLength(extents)
	s.progressMsg(c.snapshot.ID, fmt.Sprintf("Uploading %s of VM %s (%s)", c.dev.Label, c.hsnap.VMName, humanize.IBytes(uint64(total))))

	t, err := s.disks.DownloadExtents(ctx, DownloadRequest{
		Endpoint:   s.hypervisor.Endpoint(),
		VMRef:      c.hsnap.VMRef,
		RemotePath: c.dev.FileName,
		ExtentFile: extentFile,
		ParentPath: parentLocal,
		Dest:       dest,
		Size:       total,
	})
	if err != nil {
		return nil, fmt.Errorf("starting download of %s: %w", c.dev.Label, err)
	}
	done, err := s.pump(ctx, t, sink, "capture")
	if err != nil {
		return nil, err
	}
	if done < total {
		if err := s.registry.AddSnapshotProgress(c.snapshot.ID, total-done); err != nil {
			s.logger.Warn("recording progress failed", "snapshot", c.snapshot.ID, "error", err)
		}
	}

	d, err := vmdk.ReadFile(dest)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		d.SetParent(parentHint(dest, parentLocal), parentCID)
	} else {
		d.ClearParent()
	}
	if err := d.WriteFile(dest); err != nil {
		return nil, fmt.Errorf("writing descriptor: %w", err)
	}
	if err := s.disks.Check(ctx, dest); err != nil {
		return nil, fmt.Errorf("checking artifact descriptor: %w", err)
	}
	if d, err = vmdk.ReadFile(dest); err != nil {
		return nil, err
	}

	size, err := dataSize(dest)
	if err != nil {
		return nil, err
	}
	if err := s.persistArtifact(a.VaultPath, dest); err != nil {
		return nil, err
	}

	return &model.ArtifactCommit{
		Size:        size,
		RestoreSize: c.dev.CapacityBytes,
		ContentMetadata: model.ContentMetadata{
			CID:         d.CID(),
			ParentCID:   d.ParentCID(),
			ChangeToken: c.dev.ChangeToken,
			Capacity:    c.dev.CapacityBytes,
		},
	}, nil
}

// failArtifact marks a creating artifact error or cancelled and removes its
// partial files. The artifact never becomes available.
func (s *Service) failArtifact(a *model.DeltaArtifact, cause error) {
	status := model.ArtifactError
	if IsKind(cause, KindCancelled) {
		status = model.ArtifactCancelled
	}
	if err := s.registry.FailArtifact(a.ID, status, cause.Error()); err != nil {
		s.logger.Error("marking artifact failed", "artifact", a.ID, "error", err)
	}
	s.deleteArtifactFiles(a)
	s.logger.Warn("artifact not captured", "artifact", a.ID, "status", status, "error", cause)
}

func (s *Service) progressMsg(snapshotID, msg string) {
	if err := s.registry.SetSnapshotProgressMsg(snapshotID, msg); err != nil {
		s.logger.Warn("updating progress message failed", "snapshot", snapshotID, "error", err)
	}
}
