package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"wlm-go/internal/config"
	"wlm-go/internal/database"
	"wlm-go/internal/disktool"
	"wlm-go/internal/encryption"
	"wlm-go/internal/hypervisor"
	"wlm-go/internal/metrics"
	"wlm-go/internal/model"
	"wlm-go/internal/staging"
	"wlm-go/internal/vault"
	"wlm-go/internal/wlm"
)

// WLMApp is the application layer between the CLI and the wlm Service.
// It constructs all dependencies from config, records the operation being run
// and, for mutating operations, backs the registry up to the vault on Close.
type WLMApp struct {
	cfg        *config.Config
	registry   wlm.Registry
	vault      wlm.Vault
	staging    wlm.StagingArea
	hypervisor wlm.Hypervisor
	encryptor  wlm.Encryptor
	metrics    *metrics.Collector
	service    *wlm.Service
	logger     wlm.Logger
	op         *Operation
	logFile    *os.File
}

// backends are the collaborators that talk to the virtualization platform.
// Both are nil for commands that only read the registry or run retention.
type backends struct {
	hypervisor wlm.Hypervisor
	disks      wlm.DiskTool
}

// NewWLMApp creates a fully wired WLMApp from the given config.
// operation identifies the CLI command being run (e.g. "snapshot create").
// When connect is set the hypervisor is dialled and the disk tool prepared.
// The caller must call Close when done.
func NewWLMApp(ctx context.Context, cfg *config.Config, operation, parameters string, connect bool) (*WLMApp, error) {
	return newWLMApp(cfg, operation, parameters, func(logger wlm.Logger) (backends, error) {
		if !connect {
			return backends{}, nil
		}
		hv, err := hypervisor.NewHypervisorFromConfig(ctx, cfg.Hypervisor, logger)
		if err != nil {
			return backends{}, fmt.Errorf("connecting to hypervisor: %w", err)
		}
		disks, err := disktool.NewCLI(cfg.DiskTool, logger)
		if err != nil {
			hv.Close()
			return backends{}, fmt.Errorf("creating disk tool: %w", err)
		}
		return backends{hypervisor: hv, disks: disks}, nil
	})
}

func newWLMApp(cfg *config.Config, operation, parameters string, connect func(wlm.Logger) (backends, error)) (*WLMApp, error) {
	if len(cfg.Vaults) == 0 {
		return nil, fmt.Errorf("no vaults configured")
	}
	v, err := vault.NewVaultFromConfig(cfg.Vaults[0])
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	sa, err := staging.NewStagingAreaFromConfig(cfg.Staging)
	if err != nil {
		return nil, fmt.Errorf("creating staging area: %w", err)
	}

	reg, err := database.NewRegistryFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("creating registry: %w", err)
	}

	if err := reg.CheckMigrations(); err != nil {
		reg.Close()
		return nil, fmt.Errorf("registry schema out of date: %w", err)
	}

	// Check local registry version against remote vault version.
	remoteVersion, err := v.GetMetadataVersion(cfg.HostID, metadataName)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("checking remote metadata version: %w", err)
	}

	localMax, err := reg.MaxOperationID()
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("checking local metadata version: %w", err)
	}

	if remoteVersion > localMax {
		reg.Close()
		return nil, fmt.Errorf("local registry is behind remote (local=%d, remote=%d): run `wlm metadata restore` or re-initialize", localMax, remoteVersion)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	if !enc.IsConfigured() {
		reg.Close()
		return nil, fmt.Errorf("encryption keys missing: run `wlm config init`")
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	sl, logFile, err := newLogger(cfg.LogDir, opID, cfg.Log.Level)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl}

	be, err := connect(logger)
	if err != nil {
		reg.Close()
		logFile.Close()
		return nil, err
	}

	collector := metrics.NewCollector()
	svc := wlm.NewService(reg, v, be.disks, be.hypervisor, sa, logger, wlm.RealClock{}, wlm.UUIDGenerator{}, serviceOptions(cfg, collector))

	return &WLMApp{
		cfg:        cfg,
		registry:   reg,
		vault:      v,
		staging:    sa,
		hypervisor: be.hypervisor,
		encryptor:  enc,
		metrics:    collector,
		service:    svc,
		logger:     logger,
		op:         NewOperation(operation, parameters),
		logFile:    logFile,
	}, nil
}

// serviceOptions maps the capture, lease, mount and disk tool settings onto service
// options. Unset values keep the service defaults.
func serviceOptions(cfg *config.Config, m wlm.Metrics) wlm.Options {
	opts := wlm.DefaultOptions()
	if cfg.Capture.Parallelism > 0 {
		opts.Parallelism = cfg.Capture.Parallelism
	}
	opts.EmptyReplyRetries = cfg.Capture.EmptyReplyRetries
	if d := cfg.Capture.EmptyReplyDelay.Duration; d > 0 {
		opts.EmptyReplyDelay = d
	}
	if cfg.Capture.FullCaptureMode != "" {
		opts.FullCaptureMode = cfg.Capture.FullCaptureMode
	}
	if d := cfg.DiskTool.PollInterval.Duration; d > 0 {
		opts.PollInterval = d
	}
	if d := cfg.Lease.TTL.Duration; d > 0 {
		opts.LeaseTTL = d
	}
	if cfg.Staging.MountDir != "" {
		opts.MountDir = cfg.Staging.MountDir
	}
	opts.Metrics = m
	return opts
}

// persistOperation saves the operation to the registry, giving it an auto-increment ID.
// This should only be called for registry-mutating commands.
func (a *WLMApp) persistOperation() error {
	if a.op.Persisted() {
		return nil // already persisted
	}
	rec, err := a.registry.CreateOperation(a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = rec.ID
	return nil
}

func (a *WLMApp) requireHypervisor() error {
	if a.hypervisor == nil {
		return fmt.Errorf("%s needs a hypervisor connection", a.op.Operation)
	}
	return nil
}

// CreateWorkload records a workload. Policy fields left empty take the
// configured defaults.
func (a *WLMApp) CreateWorkload(spec wlm.WorkloadSpec) (*model.Workload, error) {
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	if spec.VMPolicy == "" {
		spec.VMPolicy = a.cfg.Capture.VMPolicy
	}
	if spec.KeepCount == 0 && spec.KeepDays == 0 {
		spec.KeepCount = a.cfg.Retention.KeepCount
		spec.KeepDays = a.cfg.Retention.KeepDays
	}
	w, err := a.service.CreateWorkload(spec)
	return w, a.op.Record(err)
}

// AddWorkloadVM adds or renames a VM of a workload.
func (a *WLMApp) AddWorkloadVM(workloadRef, vmID, vmName string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.op.Record(a.service.AddWorkloadVM(workloadRef, vmID, vmName))
}

// ListWorkloads returns every workload.
func (a *WLMApp) ListWorkloads() ([]*model.Workload, error) {
	return a.service.ListWorkloads()
}

// WorkloadVMs returns the VMs of a workload.
func (a *WLMApp) WorkloadVMs(workloadRef string) ([]*model.WorkloadVM, error) {
	return a.service.WorkloadVMs(workloadRef)
}

// TakeSnapshot creates a snapshot of the workload and captures it.
// The snapshot is returned even when the capture fails so its status can be
// reported.
func (a *WLMApp) TakeSnapshot(ctx context.Context, workloadRef string) (*model.Snapshot, error) {
	if err := a.requireHypervisor(); err != nil {
		return nil, err
	}
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	snap, err := a.service.CreateSnapshot(workloadRef)
	if err != nil {
		return nil, a.op.Record(err)
	}
	a.logger.Info("snapshot created", "snapshot", snap.ID, "workload", snap.WorkloadID)
	captured, err := a.service.CaptureSnapshot(ctx, snap.ID)
	if captured == nil {
		captured = snap
	}
	return captured, a.op.Record(err)
}

// CancelSnapshot requests cancellation of a pending or running snapshot.
func (a *WLMApp) CancelSnapshot(snapshotID string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.op.Record(a.service.CancelSnapshot(snapshotID))
}

// DeleteSnapshot deletes a snapshot and compacts its data out of the chains.
func (a *WLMApp) DeleteSnapshot(ctx context.Context, snapshotID string) (*model.Snapshot, error) {
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	snap, err := a.service.DeleteSnapshot(ctx, snapshotID)
	return snap, a.op.Record(err)
}

// MountSnapshot flattens the disks of a snapshot into local images.
func (a *WLMApp) MountSnapshot(ctx context.Context, snapshotID string) ([]*model.SnapshotMount, error) {
	if err := a.requireHypervisor(); err != nil {
		return nil, err
	}
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	mounts, err := a.service.MountSnapshot(ctx, snapshotID)
	return mounts, a.op.Record(err)
}

// DismountSnapshot removes the local images of a mounted snapshot.
func (a *WLMApp) DismountSnapshot(snapshotID string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.op.Record(a.service.DismountSnapshot(snapshotID))
}

// ListMounts returns every mounted disk image.
func (a *WLMApp) ListMounts() ([]*model.SnapshotMount, error) {
	return a.service.ListMounts()
}

// ListSnapshots returns the snapshots of a workload, newest first.
func (a *WLMApp) ListSnapshots(workloadRef string) ([]*model.Snapshot, error) {
	return a.service.ListSnapshots(workloadRef)
}

// SnapshotStatus returns a snapshot with its resources.
func (a *WLMApp) SnapshotStatus(snapshotID string) (*wlm.SnapshotReport, error) {
	return a.service.SnapshotStatus(snapshotID)
}

// ShowChain returns the artifact chain behind every disk of a snapshot.
func (a *WLMApp) ShowChain(snapshotID string) (*wlm.ChainReport, error) {
	return a.service.ShowChain(snapshotID)
}

// ApplyRetention applies the retention policy of one workload, or of every
// workload when workloadRef is empty.
func (a *WLMApp) ApplyRetention(ctx context.Context, workloadRef string) ([]*wlm.RetentionReport, error) {
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	refs := []string{workloadRef}
	if workloadRef == "" {
		ws, err := a.service.ListWorkloads()
		if err != nil {
			return nil, a.op.Record(err)
		}
		refs = refs[:0]
		for _, w := range ws {
			refs = append(refs, w.ID)
		}
	}

	var reports []*wlm.RetentionReport
	for _, ref := range refs {
		r, err := a.service.ApplyRetention(ctx, ref)
		if err != nil {
			return reports, a.op.Record(fmt.Errorf("applying retention to %s: %w", ref, err))
		}
		if len(r.Failed) > 0 {
			a.op.Status = OperationError
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Restore creates a restore of the snapshot and runs it.
// The restore is returned even when it fails so its status can be reported.
func (a *WLMApp) Restore(ctx context.Context, snapshotID string, opts model.RestoreOptions) (*model.Restore, error) {
	if err := a.requireHypervisor(); err != nil {
		return nil, err
	}
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	r, err := a.service.CreateRestore(snapshotID, opts)
	if err != nil {
		return nil, a.op.Record(err)
	}
	a.logger.Info("restore created", "restore", r.ID, "snapshot", snapshotID)
	ran, err := a.service.RunRestore(ctx, r.ID)
	if ran == nil {
		ran = r
	}
	return ran, a.op.Record(err)
}

// CancelRestore requests cancellation of a pending or running restore.
func (a *WLMApp) CancelRestore(restoreID string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.op.Record(a.service.CancelRestore(restoreID))
}

// RestoreStatus returns a restore with its VMs and disks.
func (a *WLMApp) RestoreStatus(restoreID string) (*wlm.RestoreReport, error) {
	return a.service.RestoreStatus(restoreID)
}

// History returns the most recent operations.
func (a *WLMApp) History(limit int) ([]*model.Operation, error) {
	return a.service.History(limit)
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the operation record, backs up the registry,
// and uploads it to the vault. For non-persisted operations: just closes the registry.
// Counters are written to the metrics textfile when one is configured.
func (a *WLMApp) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.op.Persisted() {
		if err := a.registry.FinishOperation(a.op.ID, a.op.Status); err != nil {
			keep(fmt.Errorf("finishing operation: %w", err))
		}

		// Snapshot the registry to a temp file
		tmpPath, err := a.snapshotRegistry()
		keep(err)

		if err := a.registry.Close(); err != nil {
			keep(fmt.Errorf("closing registry: %w", err))
		}

		// Upload the snapshot with version = operation ID
		if tmpPath != "" {
			keep(a.uploadMetadata(tmpPath, a.op.ID))
			os.Remove(tmpPath)
		}
	} else if err := a.registry.Close(); err != nil {
		keep(fmt.Errorf("closing registry: %w", err))
	}

	if a.hypervisor != nil {
		if err := a.hypervisor.Close(); err != nil {
			a.logger.Warn("closing hypervisor session failed", "error", err)
		}
	}

	if path := a.cfg.Metrics.TextfilePath; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			keep(fmt.Errorf("creating metrics directory: %w", err))
		} else {
			keep(a.metrics.WriteTextfile(path))
		}
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

// snapshotRegistry copies the registry into a fresh temp file and returns its
// path, or "" on failure.
func (a *WLMApp) snapshotRegistry() (string, error) {
	tmpFile, err := os.CreateTemp("", "wlm-registry-backup-*.db")
	if err != nil {
		return "", fmt.Errorf("creating temp file for registry backup: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()

	if err := a.registry.BackupTo(tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("backing up registry: %w", err)
	}
	return tmpPath, nil
}
