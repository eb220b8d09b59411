package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BucketConfig represents a backup bucket configuration
type BucketConfig struct {
	BucketName string `mapstructure:"bucket_name" yaml:"bucket_name"`
	Platform   string `mapstructure:"platform" yaml:"platform"`
}

// LockConfig controls the advisory shard lock.
type LockConfig struct {
	Suffix        string        `mapstructure:"suffix" yaml:"suffix"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	// MaxRetries is the retry ceiling; a negative value retries forever.
	// WithDefaults treats zero as unset, so a single attempt needs the
	// manager to be built from a LockConfig directly.
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

// DatabaseConfig describes where a dataset lives and how its shards are handled.
// A zero field means "use the default" once passed through WithDefaults.
type DatabaseConfig struct {
	Root         string     `mapstructure:"root" yaml:"root"`
	DataDir      string     `mapstructure:"data_dir" yaml:"data_dir"`
	Dataset      string     `mapstructure:"dataset" yaml:"dataset"`
	Shards       int        `mapstructure:"shards" yaml:"shards"`
	Placement    string     `mapstructure:"placement" yaml:"placement"`
	Concurrency  int        `mapstructure:"concurrency" yaml:"concurrency"`
	MaxLineBytes int        `mapstructure:"max_line_bytes" yaml:"max_line_bytes"`
	ReadLock     bool       `mapstructure:"read_lock" yaml:"read_lock"`
	Lock         LockConfig `mapstructure:"lock" yaml:"lock"`
}

// DataPath returns the directory holding the shard files.
func (c DatabaseConfig) DataPath() string {
	return filepath.Join(c.Root, c.DataDir)
}

// BackupConfig controls erasure-coded backups of the shard set
type BackupConfig struct {
	DataShards         int                     `mapstructure:"data_shards" yaml:"data_shards"`
	ParityShards       int                     `mapstructure:"parity_shards" yaml:"parity_shards"`
	DisableCompression bool                    `mapstructure:"disable_compression" yaml:"disable_compression"`
	ManifestStore      string                  `mapstructure:"manifest_store" yaml:"manifest_store"`
	ManifestTable      string                  `mapstructure:"manifest_table" yaml:"manifest_table"`
	ManifestDir        string                  `mapstructure:"manifest_dir" yaml:"manifest_dir"`
	Buckets            map[string]BucketConfig `mapstructure:"buckets" yaml:"buckets"`
}

// Config holds the application configuration
type Config struct {
	LogLevel  string         `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string         `mapstructure:"log_format" yaml:"log_format"`
	SSMPath   string         `mapstructure:"ssm_path" yaml:"ssm_path"`
	Database  DatabaseConfig `mapstructure:"database" yaml:"database"`
	Backup    BackupConfig   `mapstructure:"backup" yaml:"backup"`
}

// flagKeys maps persistent flag names to configuration keys
var flagKeys = map[string]string{
	"log-level": "log_level",
	"root":      "database.root",
	"dataset":   "database.dataset",
	"shards":    "database.shards",
}

// LoadConfig loads configuration from config.yaml, environment variables, or CLI flags
// Priority: CLI flags > Environment variables > config.yaml > defaults
func LoadConfig(configPath string, rootCmd *cobra.Command) (*Config, error) {
	if err := setupViper(configPath, rootCmd); err != nil {
		return nil, err
	}

	if path := viper.GetString("ssm_path"); path != "" {
		awsCfg, err := LoadAWSConfig(context.Background())
		if err != nil {
			return nil, err
		}
		if err := ApplySSMParameters(context.Background(), ssm.NewFromConfig(awsCfg), path); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	db, err := WithDefaults(cfg.Database)
	if err != nil {
		return nil, err
	}
	cfg.Database = db

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setupViper configures Viper with defaults, paths, and bindings
func setupViper(configPath string, rootCmd *cobra.Command) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	setDefaults()
	viper.SetEnvPrefix("SHARDB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if rootCmd != nil {
		for name, key := range flagKeys {
			flag := rootCmd.PersistentFlags().Lookup(name)
			if flag == nil {
				continue
			}
			if err := viper.BindPFlag(key, flag); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults registers every default with viper so environment overrides are
// visible to Unmarshal.
func setDefaults() {
	db := DefaultDatabaseConfig()
	backup := DefaultBackupConfig()

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("ssm_path", "")

	viper.SetDefault("database.root", db.Root)
	viper.SetDefault("database.data_dir", db.DataDir)
	viper.SetDefault("database.dataset", db.Dataset)
	viper.SetDefault("database.shards", db.Shards)
	viper.SetDefault("database.placement", db.Placement)
	viper.SetDefault("database.concurrency", db.Concurrency)
	viper.SetDefault("database.max_line_bytes", db.MaxLineBytes)
	viper.SetDefault("database.read_lock", db.ReadLock)
	viper.SetDefault("database.lock.suffix", db.Lock.Suffix)
	viper.SetDefault("database.lock.retry_interval", db.Lock.RetryInterval)
	viper.SetDefault("database.lock.max_retries", db.Lock.MaxRetries)
	viper.SetDefault("database.lock.stale_after", db.Lock.StaleAfter)

	viper.SetDefault("backup.data_shards", backup.DataShards)
	viper.SetDefault("backup.parity_shards", backup.ParityShards)
	viper.SetDefault("backup.disable_compression", backup.DisableCompression)
	viper.SetDefault("backup.manifest_store", backup.ManifestStore)
	viper.SetDefault("backup.manifest_table", backup.ManifestTable)
	viper.SetDefault("backup.manifest_dir", backup.ManifestDir)
	viper.SetDefault("backup.buckets", map[string]interface{}{
		"local": map[string]interface{}{
			"bucket_name": "backups",
			"platform":    "file",
		},
	})
}

// LoadAWSConfig loads AWS SDK configuration
func LoadAWSConfig(ctx context.Context) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	return cfg, nil
}

// LoadGCSClient loads Google Cloud Storage client
func LoadGCSClient(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to create GCS client: %w", err)
	}
	return client, nil
}
