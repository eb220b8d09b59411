package shard

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/shardb/internal/config"
	apperrors "github.com/zzenonn/shardb/internal/errors"
	"github.com/zzenonn/shardb/internal/lock"
	"github.com/zzenonn/shardb/internal/record"
)

const shardPath = "/data/data.0.json"

func noSleep(context.Context, time.Duration) error { return nil }

func newTestProcessor(t *testing.T, fs afero.Fs) *Processor {
	t.Helper()
	cfg, err := config.WithDefaults(config.DatabaseConfig{})
	require.NoError(t, err)
	cfg.Lock.MaxRetries = 0
	return NewProcessor(fs, lock.NewManager(fs, cfg.Lock, noSleep), cfg)
}

func writeShard(t *testing.T, fs afero.Fs, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, shardPath, []byte(content), 0o644))
}

func readShard(t *testing.T, fs afero.Fs) string {
	t.Helper()
	b, err := afero.ReadFile(fs, shardPath)
	require.NoError(t, err)
	return string(b)
}

func dirEntries(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	infos, err := afero.ReadDir(fs, "/data")
	require.NoError(t, err)
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names
}

func byName(name string) Selector {
	return func(doc record.Document) bool { return doc["name"] == name }
}

const mixed = `{"id":1,"name":"James"}` + "\n" +
	"\n" +
	`{"id":2, "name": "Steve"}` + "\n" +
	`{"id":3,"name":` + "\n" +
	`{"id":4,"name":"Ann"}` + "\n"

func TestStats(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeShard(t, fs, mixed)
	p := newTestProcessor(t, fs)

	res := p.Process(context.Background(), Operation{Kind: Stats, Path: shardPath})
	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.Lines)
	assert.Equal(t, 1, res.Blanks)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, int64(len(mixed)), res.Size)
	assert.False(t, res.End.Before(res.Start))
}

func TestSelectIsolatesMalformedLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeShard(t, fs, mixed)
	p := newTestProcessor(t, fs)

	res := p.Process(context.Background(), Operation{
		Kind:     Select,
		Path:     shardPath,
		Selector: Always,
		Projector: func(doc record.Document) record.Document {
			return record.Document{"name": doc["name"]}
		},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, 3, res.Selected)
	require.Len(t, res.ErrorEntries, 1)
	assert.Equal(t, 4, res.ErrorEntries[0].Line)
	assert.Equal(t, `{"id":3,"name":`, res.ErrorEntries[0].Raw)
	assert.Equal(t, []record.Document{
		{"name": "James"},
		{"name": "Steve"},
		{"name": "Ann"},
	}, res.Docs)
}

func TestSelectSkipsContractViolations(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeShard(t, fs, mixed)
	p := newTestProcessor(t, fs)

	res := p.Process(context.Background(), Operation{
		Kind: Select,
		Path: shardPath,
		Selector: func(doc record.Document) bool {
			if doc["name"] == "Steve" {
				panic("boom")
			}
			return true
		},
		Projector: func(doc record.Document) record.Document {
			if doc["name"] == "Ann" {
				return nil
			}
			return doc
		},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Selected)
	assert.Equal(t, 3, res.Errors)

	messages := make([]string, 0, len(res.ErrorEntries))
	for _, e := range res.ErrorEntries {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages[0], "selector")
	assert.Contains(t, messages[2], "projector")
}

func TestUpdatePreservesLinesAndUntouchedBytes(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeShard(t, fs, mixed)
	p := newTestProcessor(t, fs)

	res := p.Process(context.Background(), Operation{
		Kind:     Update,
		Path:     shardPath,
		Selector: byName("James"),
		Updater: func(doc record.Document) record.Document {
			doc["nickname"] = "Bulldog"
			return doc
		},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 2, res.Unchanged)
	assert.Equal(t, res.Records, res.Updated+res.Unchanged)
	assert.True(t, res.Rewritten)

	want := `{"id":1,"name":"James","nickname":"Bulldog"}` + "\n" +
		"\n" +
		`{"id":2, "name": "Steve"}` + "\n" +
		`{"id":3,"name":` + "\n" +
		`{"id":4,"name":"Ann"}` + "\n"
	assert.Equal(t, want, readShard(t, fs))
	assert.Equal(t, []string{"data.0.json"}, dirEntries(t, fs))
}

// renameCountingFs counts renames and can fail selected ones.
type renameCountingFs struct {
	afero.Fs
	renames int
	fail    func(oldname, newname string) error
}

func (f *renameCountingFs) Rename(oldname, newname string) error {
	f.renames++
	if f.fail != nil {
		if err := f.fail(oldname, newname); err != nil {
			return err
		}
	}
	return f.Fs.Rename(oldname, newname)
}

func TestNoOpUpdateLeavesShardUntouched(t *testing.T) {
	fs := &renameCountingFs{Fs: afero.NewMemMapFs()}
	content := mixed + `{"id":5}` // no trailing newline
	writeShard(t, fs, content)
	p := newTestProcessor(t, fs)

	res := p.Process(context.Background(), Operation{
		Kind:     Update,
		Path:     shardPath,
		Selector: byName("nobody"),
		Updater:  func(doc record.Document) record.Document { return doc },
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 4, res.Unchanged)
	assert.False(t, res.Rewritten)
	assert.Equal(t, 0, fs.renames)
	assert.Equal(t, content, readShard(t, fs))
	assert.Equal(t, []string{"data.0.json"}, dirEntries(t, fs))
}

func TestUpdateContractViolationAbortsShard(t *testing.T) {
	tests := []struct {
		name    string
		updater Updater
	}{
		{name: "nil document", updater: func(record.Document) record.Document { return nil }},
		{name: "panic", updater: func(record.Document) record.Document { panic("bad updater") }},
		{name: "unencodable", updater: func(doc record.Document) record.Document {
			doc["fn"] = func() {}
			return doc
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writeShard(t, fs, mixed)
			p := newTestProcessor(t, fs)

			res := p.Process(context.Background(), Operation{
				Kind:     Update,
				Path:     shardPath,
				Selector: byName("Steve"),
				Updater:  tt.updater,
			})
			var contract *apperrors.ContractError
			require.True(t, errors.As(res.Err, &contract), "got %v", res.Err)
			assert.Equal(t, "updater", contract.Callback)
			assert.Equal(t, 3, contract.Line)
			assert.Equal(t, mixed, readShard(t, fs))
			assert.Equal(t, []string{"data.0.json"}, dirEntries(t, fs))
		})
	}
}

func TestAbortedShardReportsNoEffects(t *testing.T) {
	failOnAnn := func(doc record.Document) bool {
		if doc["name"] == "Ann" {
			panic("bad selector")
		}
		return true
	}
	tests := []struct {
		name    string
		content string
		cfg     config.DatabaseConfig
		op      Operation
	}{
		{
			name:    "update",
			content: mixed,
			op: Operation{Kind: Update, Selector: Always, Updater: func(doc record.Document) record.Document {
				if doc["name"] == "Ann" {
					return nil
				}
				doc["x"] = 1
				return doc
			}},
		},
		{
			name:    "delete",
			content: mixed,
			op:      Operation{Kind: Delete, Selector: failOnAnn},
		},
		{
			name:    "select",
			content: `{"id":1}` + "\n" + `{"id":2}` + "\n" + `{"payload":"` + strings.Repeat("x", 128) + `"}` + "\n",
			cfg:     config.DatabaseConfig{MaxLineBytes: 64},
			op:      Operation{Kind: Select, Selector: Always},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writeShard(t, fs, tt.content)
			cfg, err := config.WithDefaults(tt.cfg)
			require.NoError(t, err)
			p := NewProcessor(fs, lock.NewManager(fs, cfg.Lock, noSleep), cfg)

			op := tt.op
			op.Path = shardPath
			res := p.Process(context.Background(), op)
			require.Error(t, res.Err)
			assert.False(t, res.Effective())
			assert.Zero(t, res.Selected)
			assert.Zero(t, res.Updated)
			assert.Zero(t, res.Unchanged)
			assert.Zero(t, res.Deleted)
			assert.Zero(t, res.Retained)
			assert.Empty(t, res.Docs)
			assert.Equal(t, tt.content, readShard(t, fs))
		})
	}
}

func TestDeleteConservation(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeShard(t, fs, mixed)
	p := newTestProcessor(t, fs)

	res := p.Process(context.Background(), Operation{
		Kind: Delete,
		Path: shardPath,
		Selector: func(doc record.Document) bool {
			return doc["id"].(float64) < 3
		},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Deleted)
	assert.Equal(t, 1, res.Retained)
	assert.Equal(t, res.Records, res.Deleted+res.Retained)

	want := "\n" + `{"id":3,"name":` + "\n" + `{"id":4,"name":"Ann"}` + "\n"
	assert.Equal(t, want, readShard(t, fs))
}

func TestDeleteSelectorPanicAbortsShard(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeShard(t, fs, mixed)
	p := newTestProcessor(t, fs)

	res := p.Process(context.Background(), Operation{
		Kind:     Delete,
		Path:     shardPath,
		Selector: func(doc record.Document) bool { return doc["missing"].(bool) },
	})
	var contract *apperrors.ContractError
	require.True(t, errors.As(res.Err, &contract))
	assert.Equal(t, "selector", contract.Callback)
	assert.Equal(t, mixed, readShard(t, fs))
}

func TestAggregateGroups(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeShard(t, fs, strings.Join([]string{
		`{"state":"NY","amount":10}`,
		`{"state":"NY","amount":20}`,
		`{"state":"CA","amount":5}`,
		`{"amount":7}`,
		`not json`,
	}, "\n")+"\n")
	p := newTestProcessor(t, fs)

	res := p.Process(context.Background(), Operation{
		Kind:     Aggregate,
		Path:     shardPath,
		Selector: Always,
		Indexer: func(doc record.Document) (any, bool) {
			v, ok := doc["state"]
			return v, ok
		},
		Projector: func(doc record.Document) record.Document {
			return record.Document{"amount": doc["amount"]}
		},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Indexed)
	assert.Equal(t, 1, res.Unindexed)
	assert.Equal(t, 1, res.Errors)

	ny, ok := res.Aggregates.Lookup("NY")
	require.True(t, ok)
	assert.Equal(t, int64(2), ny.Count)
	assert.Equal(t, 15.0, ny.Fields["amount"].Mean)
	assert.Equal(t, 50.0, ny.Fields["amount"].VarS())
}

func TestAggregateBadGroupKeyIsRecorded(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeShard(t, fs, `{"a":1}`+"\n"+`{"a":2}`+"\n")
	p := newTestProcessor(t, fs)

	res := p.Process(context.Background(), Operation{
		Kind:     Aggregate,
		Path:     shardPath,
		Selector: Always,
		Indexer: func(doc record.Document) (any, bool) {
			if doc["a"] == 2.0 {
				return make(chan int), true
			}
			return "ok", true
		},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Indexed)
	require.Len(t, res.ErrorEntries, 1)
	assert.Equal(t, 2, res.ErrorEntries[0].Line)
}

func TestIndexUsesFieldPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeShard(t, fs, strings.Join([]string{
		`{"id":1,"address":{"city":"Manila"}}`,
		`{"id":2,"address":{"city":"Cebu"}}`,
		`{"id":3}`,
		`{"id":4,"address":{"city":"Manila"}}`,
	}, "\n")+"\n")
	p := newTestProcessor(t, fs)

	res := p.Process(context.Background(), Operation{Kind: Index, Path: shardPath, IndexField: "address.city"})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Indexed)
	assert.Equal(t, 1, res.Unindexed)
	assert.Equal(t, map[string][]int{
		`"Manila"`: {1, 4},
		`"Cebu"`:   {2},
	}, res.IndexEntries)
}

func TestMissingCallbacksAreConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		op    Operation
		field string
	}{
		{name: "select without selector", op: Operation{Kind: Select, Path: shardPath}, field: "selector"},
		{name: "update without updater", op: Operation{Kind: Update, Path: shardPath, Selector: Always}, field: "updater"},
		{name: "aggregate without indexer", op: Operation{Kind: Aggregate, Path: shardPath, Selector: Always}, field: "indexer"},
		{name: "index without field", op: Operation{Kind: Index, Path: shardPath}, field: "field"},
		{name: "insert is not a scan", op: Operation{Kind: Insert, Path: shardPath}, field: "kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &renameCountingFs{Fs: afero.NewMemMapFs()}
			p := newTestProcessor(t, fs)

			res := p.Process(context.Background(), tt.op)
			var cfgErr *apperrors.ConfigurationError
			require.True(t, errors.As(res.Err, &cfgErr), "got %v", res.Err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestMutatingScanRequiresLock(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeShard(t, fs, mixed)
	p := newTestProcessor(t, fs)

	held, err := p.locks.Acquire(context.Background(), shardPath)
	require.NoError(t, err)
	defer held.Release()

	res := p.Process(context.Background(), Operation{Kind: Delete, Path: shardPath, Selector: Always})
	var timeout *apperrors.LockTimeoutError
	require.True(t, errors.As(res.Err, &timeout))
	assert.Equal(t, mixed, readShard(t, fs))

	// Reads do not lock unless configured to.
	res = p.Process(context.Background(), Operation{Kind: Stats, Path: shardPath})
	assert.NoError(t, res.Err)
}

func TestCancelledRewriteLeavesOriginal(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeShard(t, fs, mixed)
	p := newTestProcessor(t, fs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Process(ctx, Operation{Kind: Delete, Path: shardPath, Selector: Always})
	require.Error(t, res.Err)
	assert.Equal(t, mixed, readShard(t, fs))
}

func TestLineTooLong(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeShard(t, fs, `{"id":1}`+"\n"+`{"payload":"`+strings.Repeat("x", 128)+`"}`+"\n")
	cfg, err := config.WithDefaults(config.DatabaseConfig{MaxLineBytes: 64})
	require.NoError(t, err)
	p := NewProcessor(fs, lock.NewManager(fs, cfg.Lock, noSleep), cfg)

	res := p.Process(context.Background(), Operation{Kind: Stats, Path: shardPath})
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "line 2")
}

func TestCarriageReturnsArePreserved(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := `{"id":1}` + "\r\n" + `{"id":2}` + "\r\n"
	writeShard(t, fs, content)
	p := newTestProcessor(t, fs)

	res := p.Process(context.Background(), Operation{
		Kind:     Delete,
		Path:     shardPath,
		Selector: func(doc record.Document) bool { return doc["id"] == 2.0 },
	})
	require.NoError(t, res.Err)
	assert.Equal(t, `{"id":1}`+"\r\n", readShard(t, fs))
}
