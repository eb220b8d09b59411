package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/imdario/mergo"

	apperrors "github.com/zzenonn/shardb/internal/errors"
)

const (
	PlacementRandom     = "random"
	PlacementRoundRobin = "round_robin"

	ManifestStoreFile     = "file"
	ManifestStoreDynamoDB = "dynamodb"
)

// DefaultDatabaseConfig returns the settings used for any field left unset.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Root:         ".",
		DataDir:      "data",
		Dataset:      "data",
		Shards:       2,
		Placement:    PlacementRandom,
		MaxLineBytes: 64 << 20,
		Lock: LockConfig{
			Suffix:        ".lock",
			RetryInterval: 250 * time.Millisecond,
			MaxRetries:    240,
		},
	}
}

// DefaultBackupConfig returns the backup settings used when none are given.
func DefaultBackupConfig() BackupConfig {
	return BackupConfig{
		DataShards:    4,
		ParityShards:  2,
		ManifestStore: ManifestStoreFile,
		ManifestTable: "shardb_backup_manifests",
		ManifestDir:   "manifests",
	}
}

// WithDefaults returns c with every zero-valued field filled from
// DefaultDatabaseConfig. An explicit zero cannot be told apart from an unset
// field: Shards 0 becomes 2 and Lock.MaxRetries 0 becomes 240. c itself is
// not modified.
func WithDefaults(c DatabaseConfig) (DatabaseConfig, error) {
	merged := c
	if err := mergo.Merge(&merged, DefaultDatabaseConfig()); err != nil {
		return c, fmt.Errorf("failed to apply database defaults: %w", err)
	}
	return merged, nil
}

// BackupWithDefaults is WithDefaults for the backup section.
func BackupWithDefaults(c BackupConfig) (BackupConfig, error) {
	merged := c
	if err := mergo.Merge(&merged, DefaultBackupConfig()); err != nil {
		return c, fmt.Errorf("failed to apply backup defaults: %w", err)
	}
	return merged, nil
}

// Validate checks the database settings.
func (c DatabaseConfig) Validate() error {
	if c.Shards < 1 {
		return apperrors.InvalidConfig("database.shards", "shard count must be at least 1, got %d", c.Shards)
	}
	if strings.TrimSpace(c.Dataset) == "" {
		return apperrors.InvalidConfig("database.dataset", "dataset name cannot be empty")
	}
	if strings.ContainsAny(c.Dataset, `/\`) {
		return apperrors.InvalidConfig("database.dataset", "dataset name %q cannot contain path separators", c.Dataset)
	}
	switch c.Placement {
	case PlacementRandom, PlacementRoundRobin:
	default:
		return apperrors.InvalidConfig("database.placement", "unknown placement strategy %q", c.Placement)
	}
	if c.Concurrency < 0 {
		return apperrors.InvalidConfig("database.concurrency", "concurrency cannot be negative")
	}
	if c.MaxLineBytes < 1 {
		return apperrors.InvalidConfig("database.max_line_bytes", "line buffer must be positive")
	}
	if c.Lock.Suffix == "" {
		return apperrors.InvalidConfig("database.lock.suffix", "lock suffix cannot be empty")
	}
	if c.Lock.RetryInterval < 0 {
		return apperrors.InvalidConfig("database.lock.retry_interval", "retry interval cannot be negative")
	}
	return nil
}

// Validate checks the backup settings.
func (c BackupConfig) Validate() error {
	if c.DataShards < 1 {
		return apperrors.InvalidConfig("backup.data_shards", "need at least one data shard")
	}
	if c.ParityShards < 1 {
		return apperrors.InvalidConfig("backup.parity_shards", "need at least one parity shard")
	}
	switch c.ManifestStore {
	case ManifestStoreFile, ManifestStoreDynamoDB:
	default:
		return apperrors.InvalidConfig("backup.manifest_store", "unknown manifest store %q", c.ManifestStore)
	}
	if c.DataShards+c.ParityShards > 256 {
		return apperrors.InvalidConfig("backup", "data and parity shards cannot exceed 256 in total")
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	backup, err := BackupWithDefaults(c.Backup)
	if err != nil {
		return err
	}
	return backup.Validate()
}
