package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/shardb/internal/record"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		expr  string
		path  string
		op    string
		value any
	}{
		{expr: "name=James", path: "name", op: "=", value: "James"},
		{expr: "age>=30", path: "age", op: ">=", value: 30.0},
		{expr: "age < 30", path: "age", op: "<", value: 30.0},
		{expr: `code!="007"`, path: "code", op: "!=", value: "007"},
		{expr: "address.city==Manila", path: "address.city", op: "==", value: "Manila"},
		{expr: "active=true", path: "active", op: "=", value: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c, err := parseCondition(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.path, c.path)
			assert.Equal(t, tt.op, c.op)
			assert.Equal(t, tt.value, c.value)
		})
	}

	for _, bad := range []string{"name", "=James", "a!b"} {
		_, err := parseCondition(bad)
		assert.Error(t, err, bad)
	}
}

func TestWhereSelector(t *testing.T) {
	sel, err := whereSelector([]string{"state=NY", "value>10"})
	require.NoError(t, err)

	assert.True(t, sel(record.Document{"state": "NY", "value": 20.0}))
	assert.False(t, sel(record.Document{"state": "NY", "value": 10.0}))
	assert.False(t, sel(record.Document{"state": "CA", "value": 20.0}))
	assert.False(t, sel(record.Document{"value": 20.0}))

	missing, err := whereSelector([]string{"nickname!=Bulldog"})
	require.NoError(t, err)
	assert.True(t, missing(record.Document{"name": "Steve"}))

	all, err := whereSelector(nil)
	require.NoError(t, err)
	assert.True(t, all(record.Document{}))
}

func TestFieldsProjectorAndIndexer(t *testing.T) {
	doc := record.Document{"id": 1.0, "address": map[string]any{"city": "Manila"}, "name": "James"}

	proj := fieldsProjector([]string{"id", "address.city", "missing"})
	assert.Equal(t, record.Document{"id": 1.0, "address.city": "Manila"}, proj(doc))
	assert.Nil(t, fieldsProjector(nil))

	key, ok := groupIndexer("address.city")(doc)
	assert.True(t, ok)
	assert.Equal(t, "Manila", key)
	_, ok = groupIndexer("state")(doc)
	assert.False(t, ok)
}

func TestMergeUpdater(t *testing.T) {
	upd := mergeUpdater(record.Document{"nickname": "Bulldog", "address": map[string]any{"zip": "1000"}}, []string{"temp"})
	got := upd(record.Document{"name": "James", "temp": 1.0, "address": map[string]any{"city": "Manila"}})

	assert.Equal(t, "Bulldog", got["nickname"])
	assert.NotContains(t, got, "temp")
	assert.Equal(t, "James", got["name"])
}
