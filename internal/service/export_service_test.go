package service

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/shardb/internal/repository/objectstore"
)

func TestExportImport(t *testing.T) {
	for _, compress := range []bool{false, true} {
		fs := afero.NewMemMapFs()
		src := openDB(t, fs, "people", 3)
		seed(t, src, 7)
		require.NoError(t, afero.WriteFile(fs, "/db/data/people.0.json", append(mustRead(t, fs, "/db/data/people.0.json"), []byte("not json\n")...), 0o644))

		svc := NewExportService(objectstore.NewLocalObjectRepository(fs, "/exports"))
		ctx := context.Background()

		location, err := svc.Export(ctx, src, "people.ndjson", compress, true)
		require.NoError(t, err)
		assert.Equal(t, "/exports/people.ndjson", location)

		dst := openDB(t, fs, "copy", 2)
		res, err := svc.Import(ctx, dst, "people.ndjson", compress, 3, 1<<20, true)
		require.NoError(t, err)
		assert.Equal(t, 7, res.Inserted)
		assert.Equal(t, 1, res.Skipped)
		assert.Equal(t, selectIDs(t, src), selectIDs(t, dst))
	}
}

func mustRead(t *testing.T, fs afero.Fs, path string) []byte {
	t.Helper()
	b, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return b
}
