// Package service holds the operations built on top of an open dataset:
// erasure coded backups and plain exports to object storage.
package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zzenonn/shardb/internal/config"
	"github.com/zzenonn/shardb/internal/domain"
	"github.com/zzenonn/shardb/internal/placement"
	"github.com/zzenonn/shardb/internal/repository/db"
)

// Dataset is the part of an open database a backup reads from and restores
// into.
type Dataset interface {
	Config() config.DatabaseConfig
	ShardCount() int
	Snapshot(ctx context.Context, fn func(shard int, data []byte) error) error
	Restore(ctx context.Context, shards int, fetch func(ctx context.Context, shard int) ([]byte, error)) error
}

// BackupService writes erasure coded backups of a dataset to object storage
// and records them in a manifest repository.
type BackupService struct {
	placer    placement.BucketPlacer
	manifests db.ManifestRepository
	cfg       config.BackupConfig
	quiet     bool
	now       func() time.Time
}

// NewBackupService creates a new BackupService instance. cfg must already
// carry its defaults.
func NewBackupService(placer placement.BucketPlacer, manifests db.ManifestRepository, cfg config.BackupConfig, quiet bool) *BackupService {
	return &BackupService{
		placer:    placer,
		manifests: manifests,
		cfg:       cfg,
		quiet:     quiet,
		now:       time.Now,
	}
}

func (s *BackupService) totalPieces() int {
	return s.cfg.DataShards + s.cfg.ParityShards
}

// Backup snapshots every shard, encodes it and uploads its pieces in
// parallel. The manifest is stored only after every piece is uploaded; on
// failure the pieces already written are removed.
func (s *BackupService) Backup(ctx context.Context, ds Dataset) (domain.BackupManifest, error) {
	created := s.now().UTC()
	manifest := domain.BackupManifest{
		Dataset:      ds.Config().Dataset,
		BackupID:     fmt.Sprintf("%s-%s", created.Format("20060102T150405Z"), uuid.NewString()[:8]),
		CreatedAt:    created,
		DataShards:   s.cfg.DataShards,
		ParityShards: s.cfg.ParityShards,
		Compressed:   !s.cfg.DisableCompression,
	}
	logger := log.WithFields(log.Fields{"dataset": manifest.Dataset, "backup": manifest.BackupID})

	err := ds.Snapshot(ctx, func(shard int, data []byte) error {
		sb, err := s.backupShard(ctx, manifest, shard, data)
		if err != nil {
			return err
		}
		manifest.Shards = append(manifest.Shards, sb)
		logger.Debugf("shard %d stored in %d pieces (%d bytes)", shard, len(sb.Pieces), sb.OriginalSize)
		return nil
	})
	if err == nil {
		manifest.ShardCount = len(manifest.Shards)
		err = s.manifests.PutManifest(ctx, manifest)
	}
	if err != nil {
		logger.Errorf("Backup failed: %v", err)
		if cerr := s.deletePieces(context.WithoutCancel(ctx), manifest); cerr != nil {
			logger.Errorf("Failed to clean up partial backup: %v", cerr)
		}
		return domain.BackupManifest{}, err
	}

	logger.Infof("backed up %d shards", manifest.ShardCount)
	return manifest, nil
}

func (s *BackupService) backupShard(ctx context.Context, m domain.BackupManifest, shard int, data []byte) (domain.ShardBackup, error) {
	encoded, err := EncodeShard(data, m.DataShards, m.ParityShards, m.Compressed)
	if err != nil {
		return domain.ShardBackup{}, fmt.Errorf("failed to encode shard %d: %w", shard, err)
	}

	sb := domain.ShardBackup{
		Shard:        shard,
		OriginalSize: encoded.OriginalSize,
		EncodedSize:  encoded.EncodedSize,
		PieceSize:    encoded.PieceSize,
		Pieces:       make([]domain.Piece, len(encoded.Pieces)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, piece := range encoded.Pieces {
		g.Go(func() error {
			bucket, repo, err := s.placer.Place(shard*len(encoded.Pieces) + i)
			if err != nil {
				return err
			}
			key := fmt.Sprintf("%sshard_%d/piece_%d", m.Prefix(), shard, i)
			if _, err := repo.Upload(gctx, key, bytes.NewReader(piece), s.quiet); err != nil {
				return fmt.Errorf("failed to upload %s to %s: %w", key, bucket, err)
			}
			sb.Pieces[i] = domain.Piece{Index: i, Bucket: bucket, Key: key, Hash: encoded.Hashes[i]}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.ShardBackup{}, err
	}
	return sb, nil
}

// Restore replaces the dataset's shards with the content of a backup. The
// backup and the dataset must have the same shard count.
func (s *BackupService) Restore(ctx context.Context, ds Dataset, backupID string) (domain.BackupManifest, error) {
	m, err := s.manifests.GetManifest(ctx, ds.Config().Dataset, backupID)
	if err != nil {
		return domain.BackupManifest{}, err
	}

	byShard := make(map[int]domain.ShardBackup, len(m.Shards))
	for _, sb := range m.Shards {
		byShard[sb.Shard] = sb
	}

	err = ds.Restore(ctx, m.ShardCount, func(ctx context.Context, shard int) ([]byte, error) {
		sb, ok := byShard[shard]
		if !ok {
			return nil, fmt.Errorf("backup %s has no entry for shard %d", m.BackupID, shard)
		}
		return s.fetchShard(ctx, m, sb)
	})
	if err != nil {
		return domain.BackupManifest{}, err
	}
	log.WithFields(log.Fields{"dataset": m.Dataset, "backup": m.BackupID}).Infof("restored %d shards", m.ShardCount)
	return m, nil
}

// fetchShard downloads every piece of a shard. Pieces that cannot be fetched
// are left out for reconstruction to fill in.
func (s *BackupService) fetchShard(ctx context.Context, m domain.BackupManifest, sb domain.ShardBackup) ([]byte, error) {
	pieces := make([][]byte, m.DataShards+m.ParityShards)

	var g errgroup.Group
	for _, p := range sb.Pieces {
		if p.Index < 0 || p.Index >= len(pieces) {
			continue
		}
		g.Go(func() error {
			b, err := s.downloadPiece(ctx, p)
			if err != nil {
				log.WithFields(log.Fields{"shard": sb.Shard, "piece": p.Index, "bucket": p.Bucket}).
					Warnf("piece unavailable: %v", err)
				return nil
			}
			pieces[p.Index] = b
			return nil
		})
	}
	_ = g.Wait()

	return DecodeShard(pieces, sb, m.DataShards, m.ParityShards, m.Compressed)
}

func (s *BackupService) downloadPiece(ctx context.Context, p domain.Piece) ([]byte, error) {
	repo, err := s.placer.GetRepositoryForBucket(p.Bucket)
	if err != nil {
		return nil, err
	}
	rc, err := repo.Download(ctx, p.Key, true)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// PieceHealth summarises the pieces of one shard in a backup.
type PieceHealth struct {
	Shard       int  `json:"shard"`
	Healthy     int  `json:"healthy"`
	Missing     int  `json:"missing"`
	Corrupt     int  `json:"corrupt"`
	Recoverable bool `json:"recoverable"`
}

// Verify downloads every piece of a backup and checks it against the
// manifest without touching the dataset.
func (s *BackupService) Verify(ctx context.Context, dataset, backupID string) ([]PieceHealth, error) {
	m, err := s.manifests.GetManifest(ctx, dataset, backupID)
	if err != nil {
		return nil, err
	}

	report := make([]PieceHealth, len(m.Shards))
	for i, sb := range m.Shards {
		h := PieceHealth{Shard: sb.Shard}
		for _, p := range sb.Pieces {
			b, err := s.downloadPiece(ctx, p)
			switch {
			case err != nil:
				h.Missing++
			case PieceHash(b) != p.Hash:
				h.Corrupt++
			default:
				h.Healthy++
			}
		}
		h.Recoverable = h.Healthy >= m.DataShards
		report[i] = h
	}
	sort.Slice(report, func(i, j int) bool { return report[i].Shard < report[j].Shard })
	return report, nil
}

// List returns the backups of a dataset, oldest first.
func (s *BackupService) List(ctx context.Context, dataset string) ([]domain.BackupManifest, error) {
	return s.manifests.ListManifests(ctx, dataset)
}

// Delete removes every piece of a backup and then its manifest.
func (s *BackupService) Delete(ctx context.Context, dataset, backupID string) error {
	m, err := s.manifests.GetManifest(ctx, dataset, backupID)
	if err != nil {
		return err
	}
	if err := s.deletePieces(ctx, m); err != nil {
		return err
	}
	return s.manifests.DeleteManifest(ctx, dataset, backupID)
}

func (s *BackupService) deletePieces(ctx context.Context, m domain.BackupManifest) error {
	var result *multierror.Error
	for _, name := range s.placer.ListBuckets() {
		repo, err := s.placer.GetRepositoryForBucket(name)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := repo.DeletePrefix(ctx, m.Prefix()); err != nil {
			result = multierror.Append(result, fmt.Errorf("bucket %s: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}
