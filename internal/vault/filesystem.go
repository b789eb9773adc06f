package vault

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"wlm-go/internal/wlm"
)

// FileSystemVault is a filesystem-based implementation of the Vault interface,
// typically an NFS share mounted on every node. The disk tool writes artifacts
// directly into it, so Persist is a no-op. Layout:
//
//	<root>/
//	  artifacts/
//	    workload_<id>/snapshot_<id>/vm_id_<id>/<label>/<artifactId>.vmdk
//	  metadata/
//	    <hostID>.<name>          (metadata items, e.g. the registry backup)
//	    <hostID>.<name>.version
type FileSystemVault struct {
	name         string
	root         string
	artifactsDir string
	metadataDir  string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	artifactsDir := filepath.Join(root, "artifacts")
	metadataDir := filepath.Join(root, "metadata")

	if err := os.MkdirAll(artifactsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}
	if err := os.MkdirAll(metadataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	return &FileSystemVault{
		name:         name,
		root:         root,
		artifactsDir: artifactsDir,
		metadataDir:  metadataDir,
	}, nil
}

func (v *FileSystemVault) LocalPath(rel string) (string, error) {
	p, err := v.artifactPath(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}
	return p, nil
}

// Materialize returns the in-place path; the file must already exist.
func (v *FileSystemVault) Materialize(rel string) (string, error) {
	p, err := v.artifactPath(rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return "", wlm.NotFound("artifact file not found: %s", rel)
		}
		return "", fmt.Errorf("stat artifact file: %w", err)
	}
	return p, nil
}

// Persist checks that rel was written; the file already lives in the vault.
func (v *FileSystemVault) Persist(rel string) error {
	_, err := v.Materialize(rel)
	return err
}

func (v *FileSystemVault) Fetch(rel string, w io.Writer) error {
	p, err := v.artifactPath(rel)
	if err != nil {
		return err
	}
	return v.readFile(p, w, fmt.Sprintf("artifact file not found: %s", rel))
}

func (v *FileSystemVault) Exists(rel string) (bool, error) {
	p, err := v.artifactPath(rel)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat artifact file: %w", err)
	}
	return true, nil
}

func (v *FileSystemVault) Delete(rel string) error {
	p, err := v.artifactPath(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing artifact file: %w", err)
	}
	return nil
}

func (v *FileSystemVault) DeleteTree(relDir string) error {
	p, err := v.artifactPath(relDir)
	if err != nil {
		return err
	}
	if p == v.artifactsDir {
		return fmt.Errorf("refusing to delete the vault root")
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("removing artifact directory: %w", err)
	}
	return nil
}

// PutMetadata stores a named metadata item for a host along with a version marker.
func (v *FileSystemVault) PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error {
	destPath := filepath.Join(v.metadataDir, hostID+"."+name)
	if err := v.writeFile(destPath, r, size); err != nil {
		return err
	}

	versionPath := destPath + ".version"
	versionData := strconv.FormatInt(version, 10)
	return os.WriteFile(versionPath, []byte(versionData), 0644)
}

// GetMetadataVersion returns the metadata version for a host item.
// Returns 0 if no version file exists.
func (v *FileSystemVault) GetMetadataVersion(hostID string, name string) (int64, error) {
	versionPath := filepath.Join(v.metadataDir, hostID+"."+name+".version")
	data, err := os.ReadFile(versionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}
	return parseVersion(data)
}

// GetMetadata retrieves a metadata item for a host and writes it to w.
func (v *FileSystemVault) GetMetadata(hostID string, name string, w io.Writer) error {
	srcPath := filepath.Join(v.metadataDir, hostID+"."+name)
	return v.readFile(srcPath, w, fmt.Sprintf("metadata %s not found for host: %s", name, hostID))
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup() error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}

	for _, dir := range []string{v.artifactsDir, v.metadataDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}

	return nil
}

func (v *FileSystemVault) artifactPath(rel string) (string, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(v.artifactsDir, filepath.FromSlash(clean)), nil
}

// writeFile writes data from r to the specified path using atomic write (temp file + rename).
func (v *FileSystemVault) writeFile(destPath string, r io.Reader, expectedSize int64) error {
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// readFile reads from the specified path and writes to w.
func (v *FileSystemVault) readFile(srcPath string, w io.Writer, notFoundMsg string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return wlm.NotFound("%s", notFoundMsg)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	return nil
}

// cleanRel normalizes a vault-relative path and rejects escapes from the root.
func cleanRel(rel string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(rel))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("empty vault path")
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return "", fmt.Errorf("vault path escapes root: %s", rel)
		}
	}
	return clean, nil
}

func parseVersion(data []byte) (int64, error) {
	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// Compile-time check that FileSystemVault implements wlm.Vault interface
var _ wlm.Vault = (*FileSystemVault)(nil)
