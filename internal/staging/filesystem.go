package staging

import (
	"fmt"
	"os"
	"path/filepath"

	"wlm-go/internal/wlm"
)

// fsStore keeps working directories under a configured staging directory.
//
// Directory structure:
//
//	<staging_dir>/
//	  work/
//	    <name>-<random>/    (one per Acquire)
type fsStore struct {
	workDir string
}

// NewFileSystemStagingArea creates a staging area rooted at stagingDir.
// maxSize is the maximum total reservation in bytes; 0 means unlimited.
// Working directories left behind by a crashed process are removed.
func NewFileSystemStagingArea(stagingDir string, maxSize int64) (wlm.StagingArea, error) {
	workDir := filepath.Join(stagingDir, "work")

	if err := os.RemoveAll(workDir); err != nil {
		return nil, fmt.Errorf("failed to clear stale working directories: %w", err)
	}
	if err := os.MkdirAll(workDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &stagingArea{store: &fsStore{workDir: workDir}, maxSize: maxSize}, nil
}

func (f *fsStore) Create(prefix string) (string, error) {
	return os.MkdirTemp(f.workDir, prefix+"*")
}

func (f *fsStore) Remove(path string) error {
	return os.RemoveAll(path)
}

func (f *fsStore) Free() (int64, bool) {
	return freeBytes(f.workDir)
}
