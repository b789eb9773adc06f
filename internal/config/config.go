package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for wlm.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Vaults     []VaultConfig    `toml:"vaults"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
	Staging    StagingConfig    `toml:"staging"`
	Hypervisor HypervisorConfig `toml:"hypervisor"`
	DiskTool   DiskToolConfig   `toml:"disk_tool"`
	Capture    CaptureConfig    `toml:"capture"`
	Retention  RetentionConfig  `toml:"retention"`
	Lease      LeaseConfig      `toml:"lease"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Log        LogConfig        `toml:"log"`
}

// EncryptionConfig holds paths to the age key pair protecting metadata backups.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default), "test" or "none"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// VaultConfig represents configuration for a vault backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "s3" or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // S3-compatible stores; enables path-style addressing
	S3KeyID    string `toml:"s3_access_key_id,omitempty"`
	S3Secret   string `toml:"s3_secret_access_key,omitempty"`
	S3CacheDir string `toml:"s3_cache_dir,omitempty"` // local copies of artifacts being written or compacted

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// DatabaseConfig represents configuration for the chain registry.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StagingConfig represents configuration for restore working directories.
type StagingConfig struct {
	Type       string `toml:"type"`                  // "filesystem" or "temp"
	StagingDir string `toml:"staging_dir,omitempty"` // only used for type=filesystem
	MaxSize    int64  `toml:"max_size"`              // max total reservation in bytes; 0 means unlimited
	MountDir   string `toml:"mount_dir,omitempty"`   // flattened images of mounted snapshots
}

// HypervisorConfig selects and addresses the hypervisor backend.
type HypervisorConfig struct {
	Type         string `toml:"type"` // "vmware"
	Host         string `toml:"host"`
	User         string `toml:"user"`
	Password     string `toml:"password,omitempty"`
	Datacenter   string `toml:"datacenter,omitempty"`
	Datastore    string `toml:"datastore,omitempty"`
	ResourcePool string `toml:"resource_pool,omitempty"`
	Insecure     bool   `toml:"insecure"`
	// ConnectTimeout bounds connection establishment only; task waits are unbounded.
	ConnectTimeout Duration `toml:"connect_timeout,omitempty"`
}

// DiskToolConfig locates the external disk-image tools.
type DiskToolConfig struct {
	Path             string   `toml:"path"`
	VDiskManagerPath string   `toml:"vdiskmanager_path,omitempty"`
	LibDir           string   `toml:"lib_dir,omitempty"`
	QueueSize        int      `toml:"queue_size,omitempty"`    // bounded progress queue between reader and consumer
	PollInterval     Duration `toml:"poll_interval,omitempty"` // cancellation poll when the tool is silent
}

// CaptureConfig holds snapshot capture policy knobs.
type CaptureConfig struct {
	VMPolicy          string   `toml:"vm_policy"` // default for new workloads: "serial" or "parallel"
	Parallelism       int      `toml:"parallelism"`
	EmptyReplyRetries int      `toml:"empty_reply_retries"`
	EmptyReplyDelay   Duration `toml:"empty_reply_delay,omitempty"`
	FullCaptureMode   string   `toml:"full_capture_mode,omitempty"` // "allocated" (ask change tracking) or "all"
}

// RetentionConfig holds the default retention policy for new workloads.
type RetentionConfig struct {
	KeepCount int `toml:"keep_count"`
	KeepDays  int `toml:"keep_days,omitempty"`
}

// LeaseConfig controls per-lineage leases.
type LeaseConfig struct {
	TTL Duration `toml:"ttl,omitempty"`
}

// MetricsConfig controls the prometheus textfile export.
type MetricsConfig struct {
	TextfilePath string `toml:"textfile_path,omitempty"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level,omitempty"` // debug, info, warn, error
}

// Duration is a time.Duration that reads and writes as a TOML string ("30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NewConfig creates a new Config with the provided values and defaults.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "wlm.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "wlm.key"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Staging: StagingConfig{
			Type:       "filesystem",
			StagingDir: filepath.Join(baseDir, "staging"),
			MountDir:   filepath.Join(baseDir, "mounts"),
		},
		Hypervisor: HypervisorConfig{
			Type:           "vmware",
			ConnectTimeout: Duration{30 * time.Second},
		},
		DiskTool: DiskToolConfig{
			Path:             "trilio-vix-disk-cli",
			VDiskManagerPath: "vmware-vdiskmanager",
			LibDir:           "/usr/lib/vmware-vix-disklib/lib64",
			QueueSize:        64,
			PollInterval:     Duration{5 * time.Second},
		},
		Capture: CaptureConfig{
			VMPolicy:          "serial",
			Parallelism:       4,
			EmptyReplyRetries: 1,
			EmptyReplyDelay:   Duration{2 * time.Second},
			FullCaptureMode:   "allocated",
		},
		Retention: RetentionConfig{KeepCount: 7},
		Lease:     LeaseConfig{TTL: Duration{12 * time.Hour}},
		Metrics:   MetricsConfig{TextfilePath: filepath.Join(baseDir, "metrics", "wlm.prom")},
		Log:       LogConfig{Level: "info"},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
// The file may hold hypervisor credentials, so it is created owner-only.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
