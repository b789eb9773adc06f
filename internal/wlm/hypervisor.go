package wlm

import (
	"context"
	"errors"

	"wlm-go/internal/model"
)

// ErrDuplicateName is returned by RegisterVM when the target name is taken.
var ErrDuplicateName = errors.New("virtual machine name already exists")

// Hypervisor is the capability set the service needs from a virtualization
// backend. One implementation exists per backend, selected by configuration.
type Hypervisor interface {
	Snapshotter
	ChangeTracker
	Attacher
	NetworkRestorer

	// Endpoint returns the credentials the disk tool uses to reach disks.
	Endpoint() DiskEndpoint

	Close() error
}

// Snapshotter creates and removes hypervisor-level VM snapshots.
type Snapshotter interface {
	// CreateSnapshot takes a quiesced snapshot without memory and reports the
	// disks it contains and the VM configuration at that point.
	CreateSnapshot(ctx context.Context, vmID, name string) (*HypervisorSnapshot, error)
	RemoveSnapshot(ctx context.Context, vmID, snapshotRef string) error
}

// ChangeTracker exposes the hypervisor's changed-block tracking.
type ChangeTracker interface {
	EnableChangeTracking(ctx context.Context, vmID string) error

	// QueryChangedAreas returns the changed areas of one disk starting at
	// startOffset. One reply covers [StartOffset, StartOffset+Length).
	QueryChangedAreas(ctx context.Context, vmID, snapshotRef string, deviceKey int32, sinceToken string, startOffset int64) (*ChangedAreas, error)
}

// Attacher builds the restored VM: a registered shell plus new disks.
type Attacher interface {
	// RegisterVM registers a VM shell from a saved configuration with its
	// original disks detached. Returns ErrDuplicateName on a name clash.
	RegisterVM(ctx context.Context, req RegisterRequest) (*RegisteredVM, error)

	// CreateDisk creates an empty disk in the VM's directory and returns its
	// datastore path.
	CreateDisk(ctx context.Context, vm *RegisteredVM, spec DiskSpec) (string, error)

	// AttachDisk adds an existing disk to the VM.
	AttachDisk(ctx context.Context, vm *RegisteredVM, spec DiskSpec, remotePath string) error

	PowerOn(ctx context.Context, vm *RegisteredVM) error
}

// NetworkRestorer remaps the NICs of a restored VM.
type NetworkRestorer interface {
	// RestoreNetwork moves every NIC attached to a source network name onto
	// the mapped target network.
	RestoreNetwork(ctx context.Context, vm *RegisteredVM, mappings map[string]string) error
}

// DiskEndpoint addresses the host the disk tool talks to.
type DiskEndpoint struct {
	Host     string
	User     string
	Password string
}

// HypervisorSnapshot is the result of CreateSnapshot.
type HypervisorSnapshot struct {
	Ref     string // snapshot managed object id
	VMRef   string // VM managed object id, used as "moref=<VMRef>"
	VMName  string
	Devices []Device
	Config  []byte // VM configuration file contents
}

// Device is one virtual disk as seen inside a hypervisor snapshot.
type Device struct {
	Key           int32
	Label         string
	FileName      string // datastore path of the disk at snapshot time
	Datastore     string
	CapacityBytes int64
	StableID      string // backing UUID
	ChangeToken   string // change id at snapshot time
	ControllerKey int32
	UnitNumber    int32
	AdapterType   string
	DiskType      string
}

// ChangedAreas is one bounded reply of a changed-area query.
type ChangedAreas struct {
	StartOffset int64
	Length      int64
	Areas       []model.Extent
}

// RegisterRequest describes the VM shell to register.
type RegisterRequest struct {
	Name         string
	Config       []byte
	Datastore    string
	ResourcePool string
	Folder       string
}

// RegisteredVM is a VM registered for a restore.
type RegisteredVM struct {
	Ref  string // managed object id
	ID   string // instance UUID
	Name string
	Dir  string // datastore directory holding the VM files, e.g. "[ds1] name"
}

// DiskSpec describes a disk to create and attach.
type DiskSpec struct {
	Name          string
	CapacityBytes int64
	AdapterType   string
	DiskType      string
	ControllerKey int32
	UnitNumber    int32
}
