package wlm

// Metrics receives counters from long-running operations.
type Metrics interface {
	// TransferredBytes counts bytes moved by the disk tool for op
	// ("capture", "commit", "upload").
	TransferredBytes(op string, n int64)

	// ArtifactCommitted counts artifacts made available, by snapshot type.
	ArtifactCommitted(snapshotType string)

	// DiskFinished counts per-disk capture or restore outcomes.
	DiskFinished(op, status string)

	// CompactionFinished counts lineage compaction outcomes.
	CompactionFinished(status string)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) TransferredBytes(string, int64) {}
func (NopMetrics) ArtifactCommitted(string)       {}
func (NopMetrics) DiskFinished(string, string)    {}
func (NopMetrics) CompactionFinished(string)      {}
