package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.TransferredBytes("capture", 4096)
	c.TransferredBytes("capture", 0)
	c.TransferredBytes("commit", 10)
	c.ArtifactCommitted("full")
	c.ArtifactCommitted("incremental")
	c.ArtifactCommitted("incremental")
	c.DiskFinished("capture", "available")
	c.DiskFinished("restore", "error")
	c.CompactionFinished("ok")

	if got := testutil.ToFloat64(c.transferredBytes.WithLabelValues("capture")); got != 4096 {
		t.Errorf("transferred capture = %v, want 4096", got)
	}
	if got := testutil.ToFloat64(c.artifactsCommitted.WithLabelValues("incremental")); got != 2 {
		t.Errorf("incremental committed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.disksFinished.WithLabelValues("restore", "error")); got != 1 {
		t.Errorf("restore errors = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c); got != 7 {
		t.Errorf("series = %d, want 7", got)
	}
}

func TestCollector_WriteTextfile(t *testing.T) {
	c := NewCollector()
	c.CompactionFinished("failed")

	path := filepath.Join(t.TempDir(), "wlm.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading textfile: %v", err)
	}
	if !strings.Contains(string(data), `wlm_compactions_finished_total{status="failed"} 1`) {
		t.Errorf("textfile missing compaction counter:\n%s", data)
	}

	// A second write replaces the file rather than failing on re-registration.
	if err := c.WriteTextfile(path); err != nil {
		t.Errorf("second WriteTextfile() error = %v", err)
	}
}
