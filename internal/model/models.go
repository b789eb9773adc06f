package model

import "time"

// Status values shared by snapshots, restores and their per-VM resources.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusAvailable = "available"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusDeleted   = "deleted"
)

// Artifact status values.
const (
	ArtifactCreating  = "creating"
	ArtifactAvailable = "available"
	ArtifactError     = "error"
	ArtifactCancelled = "cancelled"
)

// Snapshot types.
const (
	SnapshotFull        = "full"
	SnapshotIncremental = "incremental"
)

// Resource types captured per VM.
const (
	ResourceDisk = "disk"
	ResourceVMX  = "vmx"
)

// VM policies for a workload.
const (
	PolicySerial   = "serial"
	PolicyParallel = "parallel"
)

// FullCaptureToken is the change-tracking reference meaning "from empty disk".
const FullCaptureToken = "*"

// Workload groups the VMs that are captured together.
type Workload struct {
	ID        string // UUID
	Name      string
	VMPolicy  string // serial or parallel
	KeepCount int    // retain this many snapshots; 0 disables count-based retention
	KeepDays  int    // retain snapshots newer than this; 0 disables age-based retention
	CreatedAt time.Time
}

// WorkloadVM is one VM that belongs to a workload.
type WorkloadVM struct {
	WorkloadID string
	VMID       string // hypervisor instance UUID
	VMName     string
}

// Snapshot is one point-in-time capture of a workload.
type Snapshot struct {
	ID              string
	WorkloadID      string
	Type            string // full or incremental
	Status          string
	DataDeleted     bool
	Size            int64
	UploadedSize    int64
	RestoreSize     int64
	ProgressMsg     string
	WarningMsg      string
	ErrorMsg        string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FinishedAt      *time.Time
}

// Terminal reports whether the snapshot has left the pending/running states.
func (s *Snapshot) Terminal() bool {
	return s.Status != StatusPending && s.Status != StatusRunning
}

// SnapshotVMResource is one resource (disk, vmx) captured for one VM in a snapshot.
type SnapshotVMResource struct {
	ID           string
	SnapshotID   string
	VMID         string
	VMName       string
	ResourceType string // disk or vmx
	ResourceName string // label used in vault paths, e.g. "Hard disk 1"
	StableID     string // backing UUID; identifies the disk across snapshots
	SnapshotType string // full or incremental, for disks
	Status       string
	Size         int64
	RestoreSize  int64
	Metadata     ResourceMetadata
	ErrorMsg     string
	CreatedAt    time.Time
	FinishedAt   *time.Time
}

// ResourceMetadata holds the hypervisor facts needed to recreate a resource.
type ResourceMetadata struct {
	DeviceKey     int32  `json:"device_key,omitempty"`
	ControllerKey int32  `json:"controller_key,omitempty"`
	UnitNumber    int32  `json:"unit_number,omitempty"`
	CapacityBytes int64  `json:"capacity_bytes,omitempty"`
	AdapterType   string `json:"adapter_type,omitempty"`
	DiskType      string `json:"disk_type,omitempty"`
	Datastore     string `json:"datastore,omitempty"`
	FileName      string `json:"file_name,omitempty"`
	ChangeToken   string `json:"change_token,omitempty"`
	Config        []byte `json:"config,omitempty"` // raw VM configuration, vmx resources only
}

// DeltaArtifact is one physical delta (or full base) file of a disk lineage.
type DeltaArtifact struct {
	ID              string
	ResourceID      string // owning SnapshotVMResource
	BackingID       string // parent artifact; empty for the full base
	ChildID         string // set once a newer artifact is committed on top
	Top             bool
	VaultPath       string // descriptor path relative to the vault root
	Size            int64
	RestoreSize     int64
	ContentMetadata ContentMetadata
	Status          string
	ErrorMsg        string
	CreatedAt       time.Time
	FinishedAt      *time.Time
}

// IsFull reports whether the artifact is the base of its lineage.
func (a *DeltaArtifact) IsFull() bool { return a.BackingID == "" }

// ContentMetadata is the descriptor-embedded chain-of-custody data of an artifact.
type ContentMetadata struct {
	CID         string `json:"cid"`
	ParentCID   string `json:"parent_cid"`
	ChangeToken string `json:"change_token,omitempty"`
	Capacity    int64  `json:"capacity,omitempty"`
}

// ArtifactCommit carries the results of a verified transfer.
type ArtifactCommit struct {
	Size            int64
	RestoreSize     int64
	ContentMetadata ContentMetadata
}

// ArtifactMerge describes one compaction step: Removed is folded into Survivor,
// and Survivor is relinked onto Parent (empty when Removed was the full base).
type ArtifactMerge struct {
	RemovedID       string
	SurvivorID      string
	ParentID        string
	Size            int64
	ContentMetadata ContentMetadata
}

// PriorLineage is the most recent usable artifact of a disk in an earlier snapshot.
type PriorLineage struct {
	Snapshot *Snapshot
	Resource *SnapshotVMResource
	Artifact *DeltaArtifact
}

// SnapshotMount is the flattened image of one disk of a mounted snapshot,
// left in the local mount directory until the snapshot is dismounted.
type SnapshotMount struct {
	SnapshotID   string
	ResourceID   string
	VMName       string
	ResourceName string
	ImagePath    string
	CreatedAt    time.Time
}

// Restore is a reconstruction request for one snapshot.
type Restore struct {
	ID              string
	SnapshotID      string
	Status          string
	Size            int64
	UploadedSize    int64
	Options         RestoreOptions
	ProgressMsg     string
	WarningMsg      string
	ErrorMsg        string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FinishedAt      *time.Time
}

// Terminal reports whether the restore has left the pending/running states.
func (r *Restore) Terminal() bool {
	return r.Status != StatusPending && r.Status != StatusRunning
}

// RestoreOptions are the placement parameters of a restore.
type RestoreOptions struct {
	NamePrefix      string            `json:"name_prefix,omitempty"`
	Datastore       string            `json:"datastore,omitempty"`
	ResourcePool    string            `json:"resource_pool,omitempty"`
	Folder          string            `json:"folder,omitempty"`
	NetworkMappings map[string]string `json:"network_mappings,omitempty"`
	PowerOn         bool              `json:"power_on,omitempty"`
}

// RestoredVM is the VM materialized from one source VM of a snapshot.
type RestoredVM struct {
	ID         string
	RestoreID  string
	SourceVMID string
	VMID       string // hypervisor reference of the new VM
	VMName     string
	Status     string
	ErrorMsg   string
	CreatedAt  time.Time
}

// RestoredVMResource is one disk attached to a restored VM.
type RestoredVMResource struct {
	ID           string
	RestoredVMID string
	ResourceID   string // source SnapshotVMResource
	ResourceName string
	Status       string
	Size         int64
	ErrorMsg     string
	CreatedAt    time.Time
}

// Operation records one CLI invocation that mutated the registry.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
}

// Extent is a changed byte range reported by change tracking.
type Extent struct {
	Offset int64
	Length int64
}

// End returns the offset one past the extent.
func (e Extent) End() int64 { return e.Offset + e.Length }
