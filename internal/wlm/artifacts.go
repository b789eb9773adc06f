package wlm

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"wlm-go/internal/model"
	"wlm-go/internal/vmdk"
)

// snapshotDir is the vault directory holding everything of one snapshot.
func snapshotDir(workloadID, snapshotID string) string {
	return path.Join("workload_"+workloadID, "snapshot_"+snapshotID)
}

// artifactPath returns the vault path of an artifact descriptor.
func artifactPath(workloadID, snapshotID, vmID, label, artifactID string) string {
	return path.Join(snapshotDir(workloadID, snapshotID), "vm_id_"+vmID, safeLabel(label), artifactID+".vmdk")
}

func safeLabel(label string) string {
	label = strings.NewReplacer("/", "_", "\\", "_").Replace(strings.TrimSpace(label))
	if label == "" || label == "." || label == ".." {
		return "disk"
	}
	return label
}

// artifactFiles lists the vault paths making up the artifact whose descriptor
// is at rel: the descriptor, its extent files and the extent list. The
// descriptor must be present locally at local.
func artifactFiles(rel, local string) ([]string, error) {
	d, err := vmdk.ReadFile(local)
	if err != nil {
		return nil, err
	}
	files := []string{rel}
	for _, e := range d.Extents() {
		if e.File == filepath.Base(local) {
			continue
		}
		files = append(files, path.Join(path.Dir(rel), e.File))
	}
	return append(files, vmdk.CTKPath(rel)), nil
}

// materializeArtifact makes every file of the artifact available locally and
// returns the local descriptor path.
func (s *Service) materializeArtifact(a *model.DeltaArtifact) (string, error) {
	local, err := s.vault.Materialize(a.VaultPath)
	if err != nil {
		return "", fmt.Errorf("materializing %s: %w", a.VaultPath, err)
	}
	files, err := artifactFiles(a.VaultPath, local)
	if err != nil {
		return "", fmt.Errorf("reading descriptor of artifact %s: %w", a.ID, err)
	}
	for _, rel := range files[1:] {
		if _, err := s.vault.Materialize(rel); err != nil {
			// Artifacts captured before extent lists were kept have none.
			if rel == vmdk.CTKPath(a.VaultPath) && IsKind(err, KindNotFound) {
				continue
			}
			return "", fmt.Errorf("materializing %s: %w", rel, err)
		}
	}
	return local, nil
}

// persistArtifact stores every file of the artifact in the vault.
func (s *Service) persistArtifact(rel, local string) error {
	files, err := artifactFiles(rel, local)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.vault.Persist(f); err != nil {
			return fmt.Errorf("persisting %s: %w", f, err)
		}
	}
	return nil
}

// deleteArtifactFiles removes the artifact's files from the vault. A
// descriptor that can no longer be read leaves its extent files behind for
// the snapshot-level tree delete.
func (s *Service) deleteArtifactFiles(a *model.DeltaArtifact) {
	files := []string{a.VaultPath, vmdk.CTKPath(a.VaultPath)}
	if local, err := s.vault.LocalPath(a.VaultPath); err == nil {
		if all, err := artifactFiles(a.VaultPath, local); err == nil {
			files = all
		}
	}
	for _, f := range files {
		if err := s.vault.Delete(f); err != nil {
			s.logger.Warn("deleting artifact file failed", "artifact", a.ID, "path", f, "error", err)
		}
	}
}

// dataSize sums the sizes of the local extent files of the descriptor at local.
func dataSize(local string) (int64, error) {
	d, err := vmdk.ReadFile(local)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, e := range d.Extents() {
		info, err := os.Stat(filepath.Join(filepath.Dir(local), e.File))
		if err != nil {
			return 0, fmt.Errorf("stat extent file: %w", err)
		}
		n += info.Size()
	}
	return n, nil
}

// parentHint is the descriptor path of parent as seen from child.
func parentHint(childLocal, parentLocal string) string {
	rel, err := filepath.Rel(filepath.Dir(childLocal), parentLocal)
	if err != nil {
		return parentLocal
	}
	return filepath.ToSlash(rel)
}

// materializeChain makes a and every artifact it is backed by available
// locally and returns a's local descriptor path.
func (s *Service) materializeChain(a *model.DeltaArtifact) (string, error) {
	local, err := s.materializeArtifact(a)
	if err != nil {
		return "", err
	}
	seen := map[string]bool{a.ID: true}
	for cur := a; cur.BackingID != ""; {
		next, err := s.registry.FindArtifact(cur.BackingID)
		if err != nil {
			return "", fmt.Errorf("finding artifact: %w", err)
		}
		if next == nil {
			return "", ChainIntegrity("artifact %s references missing backing %s", cur.ID, cur.BackingID)
		}
		if seen[next.ID] {
			return "", ChainIntegrity("cycle in backing chain at artifact %s", next.ID)
		}
		seen[next.ID] = true
		if _, err := s.materializeArtifact(next); err != nil {
			return "", err
		}
		cur = next
	}
	return local, nil
}

// fileBackup holds the content of local files so a failed rewrite can be
// undone.
type fileBackup struct {
	files map[string][]byte // nil content: the file did not exist
}

func backupFiles(paths ...string) (*fileBackup, error) {
	b := &fileBackup{files: make(map[string][]byte, len(paths))}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("saving %s: %w", p, err)
		}
		b.files[p] = data
	}
	return b, nil
}

func (b *fileBackup) restore() error {
	var errs []error
	for p, data := range b.files {
		if data == nil {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
			continue
		}
		if err := os.WriteFile(p, data, 0644); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
