package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zzenonn/shardb/internal/config"
	"github.com/zzenonn/shardb/internal/database"
	"github.com/zzenonn/shardb/internal/logging"
	"github.com/zzenonn/shardb/internal/repository/db"
	"github.com/zzenonn/shardb/internal/repository/migrate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	cfg        *config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "shardb",
	Short:         "Sharded NDJSON document store",
	Long:          "A CLI for a dataset of newline-delimited JSON records spread over shard files, with erasure coded backups to S3, GCS or a local directory",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to config.yaml")
	flags.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.String("root", "", "Directory the data directory lives in")
	flags.String("dataset", "", "Dataset name, the shard file prefix")
	flags.Int("shards", 0, "Shard count used when the dataset is created")
}

func initConfig() {
	var err error
	cfg, err = config.LoadConfig(configPath, rootCmd)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logging.InitLogger(cfg)
}

// openDatabase opens the configured dataset.
func openDatabase() (*database.Database, error) {
	return database.Open(cfg.Database)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(b))
	return err
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the DynamoDB backup manifest table",
}

func manifestMigration() (*migrate.CreateBackupManifestsTable, *db.DynamoDb, error) {
	backup, err := config.BackupWithDefaults(cfg.Backup)
	if err != nil {
		return nil, nil, err
	}
	awsCfg, err := config.LoadAWSConfig(context.Background())
	if err != nil {
		return nil, nil, err
	}
	dynamoDb, err := db.NewDatabase(awsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	return &migrate.CreateBackupManifestsTable{Table: backup.ManifestTable}, dynamoDb, nil
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Create the manifest table",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, dynamoDb, err := manifestMigration()
		if err != nil {
			return err
		}
		if err := m.Up(cmd.Context(), dynamoDb.Client); err != nil {
			return fmt.Errorf("failed to migrate the database: %w", err)
		}
		fmt.Printf("Manifest table %s is ready (%s)\n", m.TableName(), m.Version())
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Delete the manifest table",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, dynamoDb, err := manifestMigration()
		if err != nil {
			return err
		}
		if err := m.Down(cmd.Context(), dynamoDb.Client); err != nil {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		fmt.Printf("Manifest table %s deleted\n", m.TableName())
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
