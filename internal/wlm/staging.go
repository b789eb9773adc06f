package wlm

// StagingArea hands out private working directories for restore
// reconstruction. The area enforces a maximum total reservation so
// concurrent reconstructions cannot fill up the filesystem.
type StagingArea interface {
	// Acquire creates a private directory and reserves size bytes for it.
	// Returns an error if the reservation would exceed the configured maximum.
	Acquire(name string, size int64) (WorkDir, error)

	// Reserved returns the total bytes currently reserved.
	Reserved() int64
}

// WorkDir is one private working directory. Release removes it and frees its
// reservation; calling Release more than once is safe.
type WorkDir interface {
	Path() string
	Release() error
}
