package wlm

import "io"

// Vault stores artifact files and registry metadata backups.
// Artifact paths are relative to the vault root, laid out as
// workload_<id>/snapshot_<id>/vm_id_<id>/<label>/<artifactId>.vmdk.
type Vault interface {
	// LocalPath returns the local file path where rel is written before it is
	// persisted, creating parent directories as needed.
	LocalPath(rel string) (string, error)

	// Materialize ensures rel is present locally (downloading it if needed)
	// and returns its local path so it can be modified in place.
	Materialize(rel string) (string, error)

	// Persist makes the local copy of rel durable in the vault.
	Persist(rel string) error

	// Fetch writes the stored content of rel to w.
	Fetch(rel string, w io.Writer) error

	// Exists reports whether rel is stored in the vault.
	Exists(rel string) (bool, error)

	// Delete removes rel. Deleting a missing path is not an error.
	Delete(rel string) error

	// DeleteTree removes every path under the relative directory relDir.
	DeleteTree(relDir string) error

	// PutMetadata stores a named metadata item for a specific host.
	// size is the number of bytes that will be read from r.
	// version is stored alongside the metadata for consistency checks.
	PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error

	// GetMetadata retrieves a named metadata item for a specific host and writes it to w.
	GetMetadata(hostID string, name string, w io.Writer) error

	// GetMetadataVersion returns the metadata version for a named item on a host.
	// Returns 0 if no metadata has been stored for this host/name.
	GetMetadataVersion(hostID string, name string) (int64, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup() error
}
