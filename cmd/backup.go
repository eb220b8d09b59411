package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/zzenonn/shardb/internal/config"
	"github.com/zzenonn/shardb/internal/placement"
	"github.com/zzenonn/shardb/internal/repository/db"
	"github.com/zzenonn/shardb/internal/repository/objectstore"
	"github.com/zzenonn/shardb/internal/service"
)

var quiet bool

// repositoryFactory loads only the cloud clients the given buckets need, so
// file:// buckets work without any credentials.
func repositoryFactory(ctx context.Context, buckets []objectstore.BucketConfig) (*objectstore.ObjectRepositoryFactory, error) {
	var awsCfg *aws.Config
	var gcsClient *storage.Client
	for _, b := range buckets {
		switch b.Type {
		case objectstore.S3Type:
			if awsCfg == nil {
				c, err := config.LoadAWSConfig(ctx)
				if err != nil {
					return nil, err
				}
				awsCfg = &c
			}
		case objectstore.GCSType:
			if gcsClient == nil {
				c, err := config.LoadGCSClient(ctx)
				if err != nil {
					return nil, err
				}
				gcsClient = c
			}
		}
	}
	return objectstore.NewObjectRepositoryFactory(awsCfg, gcsClient, afero.NewOsFs()), nil
}

// resolveLocal anchors a relative file bucket at the database root.
func resolveLocal(bc objectstore.BucketConfig) objectstore.BucketConfig {
	if bc.Type == objectstore.FileType && !filepath.IsAbs(bc.Name) {
		bc.Name = filepath.Join(cfg.Database.Root, bc.Name)
	}
	return bc
}

func buildPlacer(ctx context.Context, backup config.BackupConfig) (*placement.RoundRobinBucketPlacer, error) {
	names := make([]string, 0, len(backup.Buckets))
	for name := range backup.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no backup buckets configured")
	}

	configs := make([]objectstore.BucketConfig, len(names))
	for i, name := range names {
		b := backup.Buckets[name]
		bc, err := objectstore.FromPlatform(b.BucketName, b.Platform)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", name, err)
		}
		configs[i] = resolveLocal(bc)
	}

	factory, err := repositoryFactory(ctx, configs)
	if err != nil {
		return nil, err
	}

	placer := placement.NewRoundRobinBucketPlacer()
	for i, name := range names {
		repo, err := factory.CreateRepository(configs[i])
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", name, err)
		}
		if err := placer.RegisterBucket(name, repo); err != nil {
			return nil, err
		}
	}
	return placer, nil
}

func buildManifestRepository(ctx context.Context, backup config.BackupConfig) (db.ManifestRepository, error) {
	if backup.ManifestStore == config.ManifestStoreDynamoDB {
		awsCfg, err := config.LoadAWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		dynamoDb, err := db.NewDatabase(awsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to the database: %w", err)
		}
		return db.NewDynamoManifestRepository(dynamoDb.Client, backup.ManifestTable), nil
	}

	dir := backup.ManifestDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(cfg.Database.Root, dir)
	}
	return db.NewFileManifestRepository(afero.NewOsFs(), dir), nil
}

func newBackupService(ctx context.Context) (*service.BackupService, error) {
	backup, err := config.BackupWithDefaults(cfg.Backup)
	if err != nil {
		return nil, err
	}
	placer, err := buildPlacer(ctx, backup)
	if err != nil {
		return nil, err
	}
	manifests, err := buildManifestRepository(ctx, backup)
	if err != nil {
		return nil, err
	}
	return service.NewBackupService(placer, manifests, backup, quiet), nil
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Erasure coded backups of the dataset",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Back up every shard",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newBackupService(cmd.Context())
		if err != nil {
			return err
		}
		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		m, err := svc.Backup(cmd.Context(), d)
		if err != nil {
			return fmt.Errorf("error creating backup: %w", err)
		}
		fmt.Printf("Backup created successfully: %s (%d shards)\n", m.BackupID, m.ShardCount)
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [backup-id]",
	Short: "Replace every shard with the content of a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newBackupService(cmd.Context())
		if err != nil {
			return err
		}
		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		m, err := svc.Restore(cmd.Context(), d, args[0])
		if err != nil {
			return fmt.Errorf("error restoring backup: %w", err)
		}
		fmt.Printf("Backup restored successfully: %s (%d shards)\n", m.BackupID, m.ShardCount)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the backups of the dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newBackupService(cmd.Context())
		if err != nil {
			return err
		}
		manifests, err := svc.List(cmd.Context(), cfg.Database.Dataset)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BACKUP ID\tCREATED\tSHARDS\tCODING\tCOMPRESSED")
		for _, m := range manifests {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d+%d\t%t\n", m.BackupID, m.CreatedAt.Format("2006-01-02 15:04:05"), m.ShardCount, m.DataShards, m.ParityShards, m.Compressed)
		}
		return w.Flush()
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify [backup-id]",
	Short: "Check every piece of a backup against its manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newBackupService(cmd.Context())
		if err != nil {
			return err
		}
		report, err := svc.Verify(cmd.Context(), cfg.Database.Dataset, args[0])
		if err != nil {
			return err
		}
		if err := printJSON(report); err != nil {
			return err
		}
		for _, h := range report {
			if !h.Recoverable {
				return fmt.Errorf("shard %d cannot be recovered from backup %s", h.Shard, args[0])
			}
		}
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete [backup-id]",
	Short: "Delete a backup and its pieces",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newBackupService(cmd.Context())
		if err != nil {
			return err
		}
		if err := svc.Delete(cmd.Context(), cfg.Database.Dataset, args[0]); err != nil {
			return fmt.Errorf("error deleting backup: %w", err)
		}
		fmt.Printf("Backup deleted successfully: %s\n", args[0])
		return nil
	},
}

// exportTarget parses a bucket URL (s3://, gs://, file://) into a repository.
func exportTarget(ctx context.Context, bucketURL string) (objectstore.ObjectRepository, error) {
	bc, err := objectstore.ParseBucketConfig(bucketURL)
	if err != nil {
		return nil, err
	}
	bc = resolveLocal(bc)
	factory, err := repositoryFactory(ctx, []objectstore.BucketConfig{bc})
	if err != nil {
		return nil, err
	}
	return factory.CreateRepository(bc)
}

var exportCmd = &cobra.Command{
	Use:   "export [bucket-url] [key]",
	Short: "Write the whole dataset to one NDJSON object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		compress, _ := cmd.Flags().GetBool("compress")
		repo, err := exportTarget(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		location, err := service.NewExportService(repo).Export(cmd.Context(), d, args[1], compress, quiet)
		if err != nil {
			return err
		}
		fmt.Printf("Dataset %s exported to %s\n", cfg.Database.Dataset, location)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import [bucket-url] [key]",
	Short: "Insert every record of an exported object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		compressed, _ := cmd.Flags().GetBool("compressed")
		if !cmd.Flags().Changed("compressed") {
			compressed = strings.HasSuffix(args[1], ".zst")
		}
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		repo, err := exportTarget(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := service.NewExportService(repo).Import(cmd.Context(), d, args[1], compressed, batchSize, cfg.Database.MaxLineBytes, quiet)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d records (%d lines skipped)\n", res.Inserted, res.Skipped)
		return nil
	},
}

func init() {
	backupCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress bars")
	exportCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress bars")
	importCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress bars")
	exportCmd.Flags().Bool("compress", false, "Write a zstd stream")
	importCmd.Flags().Bool("compressed", false, "Read a zstd stream (default: key ends in .zst)")
	importCmd.Flags().Int("batch-size", 1000, "Records per insert batch")

	backupCmd.AddCommand(backupCreateCmd, backupRestoreCmd, backupListCmd, backupVerifyCmd, backupDeleteCmd)
	rootCmd.AddCommand(backupCmd, exportCmd, importCmd)
}
