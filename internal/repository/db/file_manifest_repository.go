package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"

	"github.com/zzenonn/shardb/internal/domain"
	apperrors "github.com/zzenonn/shardb/internal/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileManifestRepository keeps manifests as JSON files under a directory,
// one file per backup at <dir>/<dataset>/<backup_id>.json. It lets backups to
// file:// buckets work without any cloud account.
type FileManifestRepository struct {
	fs  afero.Fs
	dir string
}

// NewFileManifestRepository creates a repository rooted at dir.
func NewFileManifestRepository(fs afero.Fs, dir string) *FileManifestRepository {
	return &FileManifestRepository{fs: fs, dir: dir}
}

func (repo *FileManifestRepository) path(dataset, backupID string) string {
	return filepath.Join(repo.dir, dataset, backupID+".json")
}

// PutManifest stores a backup manifest, replacing any previous one.
func (repo *FileManifestRepository) PutManifest(ctx context.Context, manifest domain.BackupManifest) error {
	b, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	dst := repo.path(manifest.Dataset, manifest.BackupID)
	if err := repo.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	tmp := dst + ".tmp"
	if err := afero.WriteFile(repo.fs, tmp, b, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := repo.fs.Rename(tmp, dst); err != nil {
		repo.fs.Remove(tmp)
		return fmt.Errorf("failed to store manifest: %w", err)
	}
	return nil
}

// GetManifest retrieves a backup manifest by dataset and backup id.
func (repo *FileManifestRepository) GetManifest(ctx context.Context, dataset, backupID string) (domain.BackupManifest, error) {
	b, err := afero.ReadFile(repo.fs, repo.path(dataset, backupID))
	if errors.Is(err, os.ErrNotExist) {
		return domain.BackupManifest{}, fmt.Errorf("%s/%s: %w", dataset, backupID, apperrors.ErrManifestNotFound)
	}
	if err != nil {
		return domain.BackupManifest{}, apperrors.FetchingResourceError("manifest", err)
	}

	var manifest domain.BackupManifest
	if err := json.Unmarshal(b, &manifest); err != nil {
		return domain.BackupManifest{}, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return manifest, nil
}

// ListManifests retrieves every manifest of a dataset ordered by backup id.
func (repo *FileManifestRepository) ListManifests(ctx context.Context, dataset string) ([]domain.BackupManifest, error) {
	infos, err := afero.ReadDir(repo.fs, filepath.Join(repo.dir, dataset))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}

	var ids []string
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(info.Name(), ".json"))
	}
	sort.Strings(ids)

	manifests := make([]domain.BackupManifest, 0, len(ids))
	for _, id := range ids {
		m, err := repo.GetManifest(ctx, dataset, id)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// DeleteManifest removes a manifest by dataset and backup id.
func (repo *FileManifestRepository) DeleteManifest(ctx context.Context, dataset, backupID string) error {
	err := repo.fs.Remove(repo.path(dataset, backupID))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s/%s: %w", dataset, backupID, apperrors.ErrManifestNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	return nil
}
