// Package config loads keel configuration from .keel/config.yaml with
// KEEL_* environment overrides.
//
// The resolved *Config is passed explicitly into every safety and ledger
// constructor — there is no ambient global configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envKeyReplacer maps nested keys like "ledger.max_depth" to
// KEEL_LEDGER_MAX_DEPTH.
var envKeyReplacer = strings.NewReplacer(".", "_")

// Config is the resolved configuration for a keel project.
type Config struct {
	// Strict makes sequence and collision failures fatal instead of
	// warn-and-proceed.
	Strict bool

	// VerifyWrites enables read-back verification after every write.
	VerifyWrites bool

	// AutoCheckpoint triggers a background checkpoint after each
	// successful safe write.
	AutoCheckpoint bool

	// CheckpointDebounce coalesces checkpoints requested within this
	// window of the previous one.
	CheckpointDebounce time.Duration

	// CheckpointRetention is the maximum number of checkpoints kept;
	// older ones are pruned oldest-first.
	CheckpointRetention int

	// LockTimeout bounds every advisory lock acquisition.
	LockTimeout time.Duration

	// LedgerRotateThreshold is the live ledger size in bytes beyond
	// which Rotate moves old entries to the archive file.
	LedgerRotateThreshold int64

	// LedgerArchivePercent is the share of oldest entries (by position)
	// moved out on rotation.
	LedgerArchivePercent int

	// LedgerMaxDepth bounds the entry hierarchy depth.
	LedgerMaxDepth int
}

// Config keys as they appear in config.yaml.
const (
	cfgKeyStrict                = "strict"
	cfgKeyVerifyWrites          = "verify_writes"
	cfgKeyAutoCheckpoint        = "auto_checkpoint"
	cfgKeyCheckpointDebounce    = "checkpoint.debounce"
	cfgKeyCheckpointRetention   = "checkpoint.retention"
	cfgKeyLockTimeout           = "lock_timeout"
	cfgKeyLedgerRotateThreshold = "ledger.rotate_threshold_bytes"
	cfgKeyLedgerArchivePercent  = "ledger.archive_percent"
	cfgKeyLedgerMaxDepth        = "ledger.max_depth"
)

// defaultConfigYAML is written to .keel/config.yaml on init.
const defaultConfigYAML = `# keel configuration
# Values here can be overridden with KEEL_* environment variables,
# e.g. KEEL_STRICT=true or KEEL_LEDGER_MAX_DEPTH=5.

# Fail hard on sequence drift and ID collisions instead of logging.
strict: false

# Re-read every record after writing it and compare. Leave this on.
verify_writes: true

# Commit a snapshot after each successful write (debounced).
auto_checkpoint: true

checkpoint:
  debounce: 5s
  retention: 10

lock_timeout: 5s

ledger:
  rotate_threshold_bytes: 1048576
  archive_percent: 25
  max_depth: 10
`

// Default returns the built-in defaults without reading any file.
func Default() *Config {
	return &Config{
		Strict:                false,
		VerifyWrites:          true,
		AutoCheckpoint:        true,
		CheckpointDebounce:    5 * time.Second,
		CheckpointRetention:   10,
		LockTimeout:           5 * time.Second,
		LedgerRotateThreshold: 1 << 20,
		LedgerArchivePercent:  25,
		LedgerMaxDepth:        10,
	}
}

// Load reads config.yaml from keelDir, layering KEEL_* env vars on top.
// A missing config.yaml is not an error — defaults apply.
func Load(keelDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(keelDir)

	v.SetEnvPrefix("KEEL")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Strict:                v.GetBool(cfgKeyStrict),
		VerifyWrites:          v.GetBool(cfgKeyVerifyWrites),
		AutoCheckpoint:        v.GetBool(cfgKeyAutoCheckpoint),
		CheckpointDebounce:    v.GetDuration(cfgKeyCheckpointDebounce),
		CheckpointRetention:   v.GetInt(cfgKeyCheckpointRetention),
		LockTimeout:           v.GetDuration(cfgKeyLockTimeout),
		LedgerRotateThreshold: v.GetInt64(cfgKeyLedgerRotateThreshold),
		LedgerArchivePercent:  v.GetInt(cfgKeyLedgerArchivePercent),
		LedgerMaxDepth:        v.GetInt(cfgKeyLedgerMaxDepth),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise fail deep inside the
// safety layer.
func (c *Config) Validate() error {
	if c.CheckpointRetention < 1 {
		return fmt.Errorf("checkpoint.retention must be >= 1, got %d", c.CheckpointRetention)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive, got %s", c.LockTimeout)
	}
	if c.LedgerArchivePercent < 1 || c.LedgerArchivePercent > 100 {
		return fmt.Errorf("ledger.archive_percent must be in [1,100], got %d", c.LedgerArchivePercent)
	}
	if c.LedgerMaxDepth < 1 {
		return fmt.Errorf("ledger.max_depth must be >= 1, got %d", c.LedgerMaxDepth)
	}
	return nil
}

// WriteDefault creates .keel/config.yaml with documented defaults.
// Does nothing if the file already exists.
func WriteDefault(keelDir string) error {
	path := filepath.Join(keelDir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(keelDir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0600); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(cfgKeyStrict, d.Strict)
	v.SetDefault(cfgKeyVerifyWrites, d.VerifyWrites)
	v.SetDefault(cfgKeyAutoCheckpoint, d.AutoCheckpoint)
	v.SetDefault(cfgKeyCheckpointDebounce, d.CheckpointDebounce)
	v.SetDefault(cfgKeyCheckpointRetention, d.CheckpointRetention)
	v.SetDefault(cfgKeyLockTimeout, d.LockTimeout)
	v.SetDefault(cfgKeyLedgerRotateThreshold, d.LedgerRotateThreshold)
	v.SetDefault(cfgKeyLedgerArchivePercent, d.LedgerArchivePercent)
	v.SetDefault(cfgKeyLedgerMaxDepth, d.LedgerMaxDepth)
}
