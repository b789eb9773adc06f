package wlm

import (
	"time"

	"wlm-go/internal/model"
)

// Registry is the metadata store holding workloads, snapshots and the delta
// chains of every disk. It is the single source of truth for chain linkage.
// Lookups return nil, nil when the row does not exist.
type Registry interface {
	// Workload operations

	CreateWorkload(w *model.Workload) error
	FindWorkload(id string) (*model.Workload, error)
	FindWorkloadByName(name string) (*model.Workload, error)
	ListWorkloads() ([]*model.Workload, error)
	AddWorkloadVM(vm *model.WorkloadVM) error
	FindWorkloadVMs(workloadID string) ([]*model.WorkloadVM, error)

	// Snapshot operations

	CreateSnapshot(s *model.Snapshot) error
	FindSnapshot(id string) (*model.Snapshot, error)

	// FindSnapshotsByWorkload returns the workload's snapshots, newest first.
	FindSnapshotsByWorkload(workloadID string) ([]*model.Snapshot, error)

	// UpdateSnapshot writes the mutable fields (status, type, sizes, messages,
	// data_deleted, finished_at) of s.
	UpdateSnapshot(s *model.Snapshot) error

	// AddSnapshotProgress adds n bytes to the snapshot's uploaded size.
	AddSnapshotProgress(id string, n int64) error

	// SetSnapshotProgressMsg updates only the progress message.
	SetSnapshotProgressMsg(id, msg string) error

	// RequestSnapshotCancel raises the cancellation flag.
	RequestSnapshotCancel(id string) error

	// SnapshotCancelRequested reads the cancellation flag.
	SnapshotCancelRequested(id string) (bool, error)

	// SnapshotVMResource operations

	CreateResource(r *model.SnapshotVMResource) error
	FindResource(id string) (*model.SnapshotVMResource, error)
	FindResourcesBySnapshot(snapshotID string) ([]*model.SnapshotVMResource, error)
	UpdateResource(r *model.SnapshotVMResource) error

	// DeltaArtifact operations

	// CreateArtifact inserts a in creating status with top cleared.
	CreateArtifact(a *model.DeltaArtifact) error

	// CommitArtifact marks a creating artifact available and top. When it has
	// a backing artifact, the backing's child is set to id and its top flag
	// cleared in the same transaction.
	CommitArtifact(id string, info model.ArtifactCommit) error

	// FailArtifact moves a creating artifact to error or cancelled.
	FailArtifact(id, status, msg string) error

	FindArtifact(id string) (*model.DeltaArtifact, error)
	FindArtifactsByResource(resourceID string) ([]*model.DeltaArtifact, error)

	// FindArtifactChild returns the artifact whose backing is id.
	FindArtifactChild(id string) (*model.DeltaArtifact, error)

	// ResolveChain walks backing pointers from the resource's available
	// artifact to the full base and returns the chain root first.
	ResolveChain(resourceID string) ([]*model.DeltaArtifact, error)

	// FindPriorAvailableLineage returns the most recent available artifact of
	// the disk identified by (vmID, stableID) in any available snapshot other
	// than excludingSnapshotID.
	FindPriorAvailableLineage(vmID, stableID, excludingSnapshotID string) (*model.PriorLineage, error)

	// MergeArtifacts relinks the survivor onto the parent, records its new
	// size and content metadata, and deletes the removed artifact's row, all
	// in one transaction.
	MergeArtifacts(m model.ArtifactMerge) error

	// DeleteArtifact removes an artifact row that no available artifact
	// depends on. Its backing artifact, if any, becomes top again.
	DeleteArtifact(id string) error

	// Lineage leases

	// AcquireLease takes the lease for key unless another holder has an
	// unexpired one. Returns false if the lease is held elsewhere.
	AcquireLease(key, holder string, now time.Time, ttl time.Duration) (bool, error)
	// RenewLease moves the expiry of a lease holder still owns to now+ttl.
	// Returns false if the lease is gone or belongs to another holder.
	RenewLease(key, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(key, holder string) error

	// Snapshot mounts

	CreateMount(m *model.SnapshotMount) error
	FindMountsBySnapshot(snapshotID string) ([]*model.SnapshotMount, error)
	ListMounts() ([]*model.SnapshotMount, error)
	// DeleteMounts removes every mount row of a snapshot.
	DeleteMounts(snapshotID string) error

	// Restore operations

	CreateRestore(r *model.Restore) error
	FindRestore(id string) (*model.Restore, error)
	UpdateRestore(r *model.Restore) error
	AddRestoreProgress(id string, n int64) error
	SetRestoreProgressMsg(id, msg string) error
	RequestRestoreCancel(id string) error
	RestoreCancelRequested(id string) (bool, error)
	CreateRestoredVM(vm *model.RestoredVM) error
	UpdateRestoredVM(vm *model.RestoredVM) error
	FindRestoredVMs(restoreID string) ([]*model.RestoredVM, error)
	CreateRestoredVMResource(r *model.RestoredVMResource) error
	UpdateRestoredVMResource(r *model.RestoredVMResource) error
	FindRestoredVMResources(restoredVMID string) ([]*model.RestoredVMResource, error)

	// Operation history

	CreateOperation(operation, parameters string) (*model.Operation, error)
	FinishOperation(id int64, status string) error
	ListOperations(limit int) ([]*model.Operation, error)
	MaxOperationID() (int64, error)

	// BackupTo writes a consistent copy of the registry to path.
	BackupTo(path string) error

	// CheckMigrations verifies the schema is at the latest version.
	CheckMigrations() error

	// Close closes the registry connection.
	Close() error
}
