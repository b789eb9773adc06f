package wlm

import (
	"context"

	"wlm-go/internal/model"
)

// DiskTool drives the external disk-image tool. Long-running operations
// return a Transfer whose progress the caller consumes.
type DiskTool interface {
	// Create allocates an empty artifact of the given capacity at path.
	Create(ctx context.Context, path string, capacity int64) error

	// DownloadExtents starts a range-limited download of the extents listed
	// in req.ExtentFile into req.Dest.
	DownloadExtents(ctx context.Context, req DownloadRequest) (Transfer, error)

	// CopyExtents copies the given byte ranges from src into dst.
	CopyExtents(ctx context.Context, src, dst string, extents []model.Extent) error

	// Check verifies and repairs the descriptor of the artifact at path.
	Check(ctx context.Context, path string) error

	// Commit flattens the local chain ending at leaf into dest. size is the
	// disk capacity, used to translate percentage progress into bytes.
	Commit(ctx context.Context, leaf, dest string, size int64) (Transfer, error)

	// Clone uploads a local disk to a remote disk.
	Clone(ctx context.Context, req CloneRequest) (Transfer, error)

	// SpaceForClone reports the bytes needed to materialize the chain at path.
	SpaceForClone(ctx context.Context, path string) (int64, error)
}

// Transfer is a running disk tool process.
type Transfer interface {
	// Progress yields cumulative bytes done. It is closed when the process exits.
	Progress() <-chan int64

	// Terminate asks the process to stop.
	Terminate() error

	// Wait blocks until the process exits. A nonzero exit is a *ProcessError.
	Wait() error
}

// DownloadRequest parameterizes DownloadExtents.
type DownloadRequest struct {
	Endpoint   DiskEndpoint
	VMRef      string
	RemotePath string
	ExtentFile string
	ParentPath string // only for incremental artifacts
	Dest       string
	Size       int64 // total bytes listed in ExtentFile
}

// CloneRequest parameterizes Clone.
type CloneRequest struct {
	Endpoint   DiskEndpoint
	VMRef      string
	Source     string
	RemotePath string
	Size       int64
}
