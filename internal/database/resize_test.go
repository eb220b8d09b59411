package database

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zzenonn/shardb/internal/errors"
	"github.com/zzenonn/shardb/internal/shard"
)

var errInjected = errors.New("injected failure")

// renameFailingFs fails every rename that fail matches.
type renameFailingFs struct {
	afero.Fs
	fail func(oldname, newname string) bool
}

func (f renameFailingFs) Rename(oldname, newname string) error {
	if f.fail(oldname, newname) {
		return errInjected
	}
	return f.Fs.Rename(oldname, newname)
}

func allIDs(t *testing.T, db *Database) []int {
	t.Helper()
	sel, err := db.Select(context.Background(), shard.Always, nil)
	require.NoError(t, err)
	require.NoError(t, sel.Err())
	return ids(t, sel.Docs)
}

func TestGrowAndShrinkKeepEveryRecord(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := openTestDB(t, fs, 2)
	ctx := context.Background()
	_, err := db.Insert(ctx, docs(10))
	require.NoError(t, err)
	want := allIDs(t, db)

	res, err := db.Grow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.From)
	assert.Equal(t, 3, res.To)
	assert.Equal(t, 10, res.Lines)
	assert.Equal(t, 3, db.ShardCount())
	assert.Equal(t, want, allIDs(t, db))

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	counts := perShard(stats.Summary, func(r shard.ScanResult) int { return r.Records })
	sort.Ints(counts)
	assert.Equal(t, []int{3, 3, 4}, counts)

	_, err = db.Shrink(ctx)
	require.NoError(t, err)
	_, err = db.Shrink(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, db.ShardCount())
	assert.Equal(t, want, allIDs(t, db))
	assert.Equal(t, []string{"people.0.json"}, dirNames(t, fs))

	_, err = db.Shrink(ctx)
	assert.True(t, errors.Is(err, apperrors.ErrSingleShard))
}

func TestResizeCopiesLinesVerbatim(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := openTestDB(t, fs, 2)
	require.NoError(t, afero.WriteFile(fs, dataDir+"/people.0.json", []byte(`{"id":1, "b":2}`+"\n\n"+`broken{`+"\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, dataDir+"/people.1.json", []byte(`{"id":2}`), 0o644))

	res, err := db.Resize(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Lines, "blank lines are dropped")

	b, err := afero.ReadFile(fs, dataDir+"/people.0.json")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	sort.Strings(lines)
	assert.Equal(t, []string{`broken{`, `{"id":1, "b":2}`, `{"id":2}`}, lines)
}

func TestResizeRejectsZero(t *testing.T) {
	db := openTestDB(t, afero.NewMemMapFs(), 2)
	_, err := db.Resize(context.Background(), 0)
	var cfgErr *apperrors.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, 2, db.ShardCount())
}

func TestResizeRollsBackFailedReplace(t *testing.T) {
	mem := afero.NewMemMapFs()
	fs := renameFailingFs{Fs: mem, fail: func(oldname, _ string) bool {
		return strings.HasSuffix(oldname, resizeSuffix)
	}}
	db := openTestDB(t, fs, 2)
	ctx := context.Background()
	_, err := db.Insert(ctx, docs(4))
	require.NoError(t, err)
	before0, err := afero.ReadFile(mem, dataDir+"/people.0.json")
	require.NoError(t, err)

	_, err = db.Grow(ctx)
	var rwErr *apperrors.RewriteError
	require.True(t, errors.As(err, &rwErr), "got %v", err)
	assert.Equal(t, shard.StageReplace, rwErr.Stage)
	assert.True(t, rwErr.RolledBack)

	assert.Equal(t, 2, db.ShardCount())
	assert.Equal(t, []string{"people.0.json", "people.1.json"}, dirNames(t, mem))
	after0, err := afero.ReadFile(mem, dataDir+"/people.0.json")
	require.NoError(t, err)
	assert.Equal(t, before0, after0)
	assert.Equal(t, []int{1, 2, 3, 4}, allIDs(t, db))
}

func TestResizeReportsFailedRollback(t *testing.T) {
	mem := afero.NewMemMapFs()
	fs := renameFailingFs{Fs: mem, fail: func(oldname, _ string) bool {
		return strings.HasSuffix(oldname, resizeSuffix) || strings.HasSuffix(oldname, shard.OldSuffix)
	}}
	db := openTestDB(t, fs, 1)
	_, err := db.Insert(context.Background(), docs(2))
	require.NoError(t, err)

	_, err = db.Grow(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRollbackFailed))

	var rwErr *apperrors.RewriteError
	require.True(t, errors.As(err, &rwErr))
	assert.Equal(t, dataDir+"/people.0.json"+shard.OldSuffix, rwErr.Dangling)
	_, err = mem.Stat(rwErr.Dangling)
	assert.NoError(t, err, "original content survives in the dangling file")
}

func TestResizeRespectsCancellation(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := openTestDB(t, fs, 2)
	_, err := db.Insert(context.Background(), docs(4))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = db.Grow(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, db.ShardCount())

	for _, name := range dirNames(t, fs) {
		assert.False(t, strings.HasSuffix(name, resizeSuffix), "temp file %s left behind", name)
	}
	_, statErr := fs.Stat(dataDir + "/people.2.json")
	assert.True(t, os.IsNotExist(statErr))
}
