package wlm

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/juju/clock"
)

// Full capture modes.
const (
	// FullCaptureAllocated asks change tracking for the allocated areas.
	FullCaptureAllocated = "allocated"
	// FullCaptureAll transfers every byte of the disk.
	FullCaptureAll = "all"
)

// Options holds the policy knobs of a Service.
type Options struct {
	// Parallelism bounds concurrent VM captures for parallel workloads.
	Parallelism int

	// EmptyReplyRetries is how often an empty changed-area reply is re-issued
	// for the same offset before the rest of the disk counts as unchanged.
	EmptyReplyRetries int
	EmptyReplyDelay   time.Duration

	// FullCaptureMode is FullCaptureAllocated or FullCaptureAll.
	FullCaptureMode string

	// PollInterval is how often a silent transfer checks for cancellation.
	PollInterval time.Duration

	// LeaseTTL bounds how long a crashed process can block a lineage.
	LeaseTTL time.Duration

	// Holder identifies this process in lineage leases.
	Holder string

	// MountDir holds the flattened images of mounted snapshots.
	MountDir string

	Metrics Metrics

	// RetryClock drives retry delays.
	RetryClock clock.Clock
}

// DefaultOptions returns the options used when the configuration is silent.
func DefaultOptions() Options {
	host, _ := os.Hostname()
	return Options{
		Parallelism:       4,
		EmptyReplyRetries: 1,
		EmptyReplyDelay:   2 * time.Second,
		FullCaptureMode:   FullCaptureAllocated,
		PollInterval:      5 * time.Second,
		LeaseTTL:          6 * time.Hour,
		Holder:            host + ":" + strconv.Itoa(os.Getpid()),
		MountDir:          filepath.Join(os.TempDir(), "wlm-mounts"),
		Metrics:           NopMetrics{},
		RetryClock:        clock.WallClock,
	}
}

// Service is the orchestration layer coordinating the registry, the vault,
// the disk tool and the hypervisor for captures, retention and restores.
type Service struct {
	registry   Registry
	vault      Vault
	disks      DiskTool
	hypervisor Hypervisor
	staging    StagingArea
	logger     Logger
	clock      Clock
	idgen      IDGenerator
	metrics    Metrics
	lineages   *LineageLocker
	opts       Options
}

// NewService creates a Service. hypervisor, disks and staging may be nil for
// callers that only inspect the registry or run retention.
func NewService(registry Registry, vault Vault, disks DiskTool, hypervisor Hypervisor, staging StagingArea, logger Logger, clock Clock, idgen IDGenerator, opts Options) *Service {
	def := DefaultOptions()
	if opts.Parallelism <= 0 {
		opts.Parallelism = def.Parallelism
	}
	if opts.EmptyReplyRetries < 0 {
		opts.EmptyReplyRetries = 0
	}
	if opts.FullCaptureMode == "" {
		opts.FullCaptureMode = def.FullCaptureMode
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = def.LeaseTTL
	}
	if opts.Holder == "" {
		opts.Holder = def.Holder
	}
	if opts.MountDir == "" {
		opts.MountDir = def.MountDir
	}
	if opts.Metrics == nil {
		opts.Metrics = def.Metrics
	}
	if opts.RetryClock == nil {
		opts.RetryClock = def.RetryClock
	}

	return &Service{
		registry:   registry,
		vault:      vault,
		disks:      disks,
		hypervisor: hypervisor,
		staging:    staging,
		logger:     logger,
		clock:      clock,
		idgen:      idgen,
		metrics:    opts.Metrics,
		lineages:   NewLineageLocker(registry, opts.Holder, opts.LeaseTTL, clock),
		opts:       opts,
	}
}
