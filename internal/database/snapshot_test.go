package database

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zzenonn/shardb/internal/errors"
)

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := openTestDB(t, fs, 3)
	ctx := context.Background()
	_, err := db.Insert(ctx, docs(6))
	require.NoError(t, err)

	saved := make(map[int][]byte)
	require.NoError(t, db.Snapshot(ctx, func(shard int, data []byte) error {
		saved[shard] = data
		return nil
	}))
	require.Len(t, saved, 3)

	_, err = db.Insert(ctx, docs(3))
	require.NoError(t, err)

	require.NoError(t, db.Restore(ctx, 3, func(_ context.Context, shard int) ([]byte, error) {
		return saved[shard], nil
	}))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, allIDs(t, db))
	assert.Equal(t, []string{"people.0.json", "people.1.json", "people.2.json"}, dirNames(t, fs))
}

func TestRestoreRejectsShardCountMismatch(t *testing.T) {
	db := openTestDB(t, afero.NewMemMapFs(), 2)
	err := db.Restore(context.Background(), 3, func(context.Context, int) ([]byte, error) {
		t.Fatal("fetch must not be called")
		return nil, nil
	})
	assert.True(t, errors.Is(err, apperrors.ErrShardCountMismatch))
}

func TestRestoreFetchFailureLeavesShardsUntouched(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := openTestDB(t, fs, 2)
	ctx := context.Background()
	_, err := db.Insert(ctx, docs(2))
	require.NoError(t, err)

	err = db.Restore(ctx, 2, func(_ context.Context, shard int) ([]byte, error) {
		if shard == 1 {
			return nil, errInjected
		}
		return []byte(`{"id":99}` + "\n"), nil
	})
	assert.True(t, errors.Is(err, errInjected))
	assert.Equal(t, []int{1, 2}, allIDs(t, db))
	assert.Equal(t, []string{"people.0.json", "people.1.json"}, dirNames(t, fs))
}
