package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// LocalObjectRepository stores objects as files under a directory. The bucket
// name is the directory path.
type LocalObjectRepository struct {
	fs         afero.Fs
	bucketName string
}

// NewLocalObjectRepository creates a repository rooted at bucketName on fs.
func NewLocalObjectRepository(fs afero.Fs, bucketName string) *LocalObjectRepository {
	return &LocalObjectRepository{fs: fs, bucketName: bucketName}
}

func (r *LocalObjectRepository) path(key string) string {
	return filepath.Join(r.bucketName, filepath.FromSlash(key))
}

// Upload writes the object through a temp file so readers never see a partial
// object.
func (r *LocalObjectRepository) Upload(ctx context.Context, key string, reader io.Reader, quiet bool) (string, error) {
	dst := r.path(key)
	if err := r.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp := dst + ".partial"
	if err := afero.WriteReader(r.fs, tmp, reader); err != nil {
		r.fs.Remove(tmp)
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := r.fs.Rename(tmp, dst); err != nil {
		r.fs.Remove(tmp)
		return "", fmt.Errorf("failed to commit %s: %w", key, err)
	}

	if !quiet {
		log.Debugf("Stored file://%s", dst)
	}
	return fmt.Sprintf("%s/%s", r.bucketName, key), nil
}

// Download opens the stored object.
func (r *LocalObjectRepository) Download(ctx context.Context, key string, quiet bool) (io.ReadCloser, error) {
	f, err := r.fs.Open(r.path(key))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return f, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (r *LocalObjectRepository) Delete(ctx context.Context, key string) error {
	if err := r.fs.Remove(r.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object whose key starts with prefix.
func (r *LocalObjectRepository) DeletePrefix(ctx context.Context, prefix string) error {
	var keys []string
	err := afero.Walk(r.fs, r.bucketName, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(r.bucketName, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list objects with prefix %s: %w", prefix, err)
	}

	for _, key := range keys {
		if err := r.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// GetBucketName returns the bucket name
func (r *LocalObjectRepository) GetBucketName() string {
	return r.bucketName
}

// GetStorageType returns the storage type
func (r *LocalObjectRepository) GetStorageType() string {
	return string(FileType)
}
