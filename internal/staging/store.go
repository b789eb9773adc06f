package staging

// workdirStore abstracts where working directories live.
// Concurrency is managed by the caller (stagingArea.mu), so stores
// do not need to be safe for concurrent use.
type workdirStore interface {
	// Create makes a new empty private directory whose name starts with prefix.
	Create(prefix string) (string, error)

	// Remove deletes a directory created by Create and everything in it.
	Remove(path string) error

	// Free returns the bytes available to the store. ok is false when the
	// platform cannot report it.
	Free() (free int64, ok bool)
}
