package wlm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"wlm-go/internal/model"
)

// MountSnapshot flattens every available disk of an available snapshot into
// a local image under the mount directory and records the mounts. The images
// stay until DismountSnapshot. A snapshot is mounted at most once.
func (s *Service) MountSnapshot(ctx context.Context, snapshotID string) ([]*model.SnapshotMount, error) {
	snap, err := s.findSnapshot(snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.Status != model.StatusAvailable {
		return nil, InvalidState("snapshot %s is %s, not %s", snap.ID, snap.Status, model.StatusAvailable)
	}
	existing, err := s.registry.FindMountsBySnapshot(snap.ID)
	if err != nil {
		return nil, fmt.Errorf("finding mounts: %w", err)
	}
	if len(existing) > 0 {
		return nil, InvalidState("snapshot %s is already mounted", snap.ID)
	}

	resources, err := s.registry.FindResourcesBySnapshot(snap.ID)
	if err != nil {
		return nil, fmt.Errorf("finding resources: %w", err)
	}
	var disks []*model.SnapshotVMResource
	for _, r := range resources {
		if r.ResourceType == model.ResourceDisk && r.Status == model.StatusAvailable {
			disks = append(disks, r)
		}
	}
	if len(disks) == 0 {
		return nil, NotFound("snapshot %s has no available disks", snap.ID)
	}

	dir := s.mountDir(snap.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating mount directory: %w", err)
	}
	var mounts []*model.SnapshotMount
	for _, res := range disks {
		image, err := s.flattenDisk(ctx, snap.ID, res, dir)
		if err == nil {
			m := &model.SnapshotMount{
				SnapshotID:   snap.ID,
				ResourceID:   res.ID,
				VMName:       res.VMName,
				ResourceName: res.ResourceName,
				ImagePath:    image,
				CreatedAt:    s.clock.Now(),
			}
			if err = s.registry.CreateMount(m); err == nil {
				mounts = append(mounts, m)
				s.logger.Info("disk mounted", "snapshot", snap.ID, "vm", res.VMName, "device", res.ResourceName, "image", image)
				continue
			}
			err = fmt.Errorf("recording mount of %s: %w", res.ResourceName, err)
		}
		if rmErr := s.removeMount(snap.ID, dir); rmErr != nil {
			s.logger.Warn("cleaning up partial mount failed", "snapshot", snap.ID, "error", rmErr)
		}
		return nil, err
	}
	return mounts, nil
}

// DismountSnapshot removes the images of a mounted snapshot and its mount
// records.
func (s *Service) DismountSnapshot(snapshotID string) error {
	snap, err := s.findSnapshot(snapshotID)
	if err != nil {
		return err
	}
	mounts, err := s.registry.FindMountsBySnapshot(snap.ID)
	if err != nil {
		return fmt.Errorf("finding mounts: %w", err)
	}
	if len(mounts) == 0 {
		return InvalidState("snapshot %s is not mounted", snap.ID)
	}
	// The mount directory may have moved since the images were written.
	for _, m := range mounts {
		if err := os.RemoveAll(filepath.Dir(m.ImagePath)); err != nil {
			return fmt.Errorf("removing %s: %w", m.ImagePath, err)
		}
	}
	if err := s.removeMount(snap.ID, s.mountDir(snap.ID)); err != nil {
		return err
	}
	s.logger.Info("snapshot dismounted", "snapshot", snap.ID, "disks", len(mounts))
	return nil
}

// ListMounts returns every mounted disk image.
func (s *Service) ListMounts() ([]*model.SnapshotMount, error) {
	mounts, err := s.registry.ListMounts()
	if err != nil {
		return nil, fmt.Errorf("listing mounts: %w", err)
	}
	return mounts, nil
}

// flattenDisk stages the chain of res and commits it into one image in dir.
func (s *Service) flattenDisk(ctx context.Context, snapshotID string, res *model.SnapshotVMResource, dir string) (string, error) {
	chainDir, leaf, err := s.stageChain(res)
	if err != nil {
		return "", err
	}
	defer s.releaseWorkDir(chainDir)

	image := filepath.Join(dir, res.ID+".vmdk")
	t, err := s.disks.Commit(ctx, leaf, image, res.Metadata.CapacityBytes)
	if err != nil {
		return "", fmt.Errorf("starting commit of %s: %w", res.ResourceName, err)
	}
	if _, err := s.pump(ctx, t, s.mountSink(snapshotID), "commit"); err != nil {
		s.metrics.DiskFinished("mount", model.StatusError)
		return "", fmt.Errorf("flattening %s: %w", res.ResourceName, err)
	}
	s.metrics.DiskFinished("mount", model.StatusAvailable)
	return image, nil
}

func (s *Service) removeMount(snapshotID, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing mount directory: %w", err)
	}
	if err := s.registry.DeleteMounts(snapshotID); err != nil {
		return err
	}
	return nil
}

func (s *Service) mountDir(snapshotID string) string {
	return filepath.Join(s.opts.MountDir, snapshotID)
}
