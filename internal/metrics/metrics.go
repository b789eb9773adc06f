package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"wlm-go/internal/wlm"
)

const metricsNamespace = "wlm"

// Collector is a prometheus.Collector for capture, restore and retention
// counters. It implements wlm.Metrics.
type Collector struct {
	transferredBytes    *prometheus.CounterVec
	artifactsCommitted  *prometheus.CounterVec
	disksFinished       *prometheus.CounterVec
	compactionsFinished *prometheus.CounterVec
}

var _ wlm.Metrics = (*Collector)(nil)

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		transferredBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transferred_bytes_total",
				Help:      "Bytes moved by the disk tool.",
			}, []string{"op"},
		),
		artifactsCommitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "artifacts_committed_total",
				Help:      "Delta artifacts made available.",
			}, []string{"snapshot_type"},
		),
		disksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "disks_finished_total",
				Help:      "Per-disk capture and restore outcomes.",
			}, []string{"op", "status"},
		),
		compactionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "compactions_finished_total",
				Help:      "Lineage compaction outcomes.",
			}, []string{"status"},
		),
	}
}

func (c *Collector) TransferredBytes(op string, n int64) {
	if n > 0 {
		c.transferredBytes.WithLabelValues(op).Add(float64(n))
	}
}

func (c *Collector) ArtifactCommitted(snapshotType string) {
	c.artifactsCommitted.WithLabelValues(snapshotType).Inc()
}

func (c *Collector) DiskFinished(op, status string) {
	c.disksFinished.WithLabelValues(op, status).Inc()
}

func (c *Collector) CompactionFinished(status string) {
	c.compactionsFinished.WithLabelValues(status).Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.transferredBytes.Describe(ch)
	c.artifactsCommitted.Describe(ch)
	c.disksFinished.Describe(ch)
	c.compactionsFinished.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.transferredBytes.Collect(ch)
	c.artifactsCommitted.Collect(ch)
	c.disksFinished.Collect(ch)
	c.compactionsFinished.Collect(ch)
}

// WriteTextfile writes the current counters in the node_exporter textfile
// format. The CLI is short-lived, so a textfile is the only way the counters
// outlive the process.
func (c *Collector) WriteTextfile(path string) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return fmt.Errorf("registering collector: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
