package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareOrder(t *testing.T) {
	ordered := []any{
		nil,
		false,
		true,
		-1.5,
		2,
		10.0,
		"",
		"a",
		"b",
		[]any{1.0},
		map[string]any{"a": 1.0},
	}
	for i := range ordered {
		for j := range ordered {
			want := 0
			switch {
			case i < j:
				want = -1
			case i > j:
				want = 1
			}
			assert.Equal(t, want, Compare(ordered[i], ordered[j]), "Compare(%v, %v)", ordered[i], ordered[j])
		}
	}
}

func TestCompareMixedNumberTypes(t *testing.T) {
	assert.Equal(t, 0, Compare(2, 2.0))
	assert.Equal(t, -1, Compare(int64(1), float32(1.5)))
}

func TestSetGroupsByState(t *testing.T) {
	// Two shards, merged.
	a := NewSet()
	require.NoError(t, a.Add("NY", map[string]any{"age": 10.0}))
	require.NoError(t, a.Add("CA", map[string]any{"age": 20.0}))

	b := NewSet()
	require.NoError(t, b.Add("NY", map[string]any{"age": 20.0}))

	a.Merge(b)
	report := a.Report()
	require.Len(t, report, 2)

	ca, ny := report[0], report[1]
	assert.Equal(t, "CA", ca.Key)
	assert.Equal(t, "NY", ny.Key)

	require.Len(t, ny.Fields, 1)
	age := ny.Fields[0]
	assert.Equal(t, "age", age.Field)
	assert.Equal(t, 10.0, age.Min)
	assert.Equal(t, 20.0, age.Max)
	assert.Equal(t, int64(2), age.Count)
	require.NotNil(t, age.Mean)
	assert.Equal(t, 15.0, *age.Mean)
	require.NotNil(t, age.VarS)
	assert.Equal(t, 50.0, *age.VarS)
	assert.Equal(t, 25.0, *age.VarP)

	caAge := ca.Fields[0]
	assert.Equal(t, int64(1), caAge.Count)
	assert.Nil(t, caAge.VarS)
}

func TestSetMergeDoesNotAlias(t *testing.T) {
	a := NewSet()
	b := NewSet()
	require.NoError(t, b.Add("k", map[string]any{"x": 1.0}))

	a.Merge(b)
	require.NoError(t, a.Add("k", map[string]any{"x": 3.0}))

	g, ok := b.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, int64(1), g.Fields["x"].N)

	g, ok = a.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, int64(2), g.Count)
	assert.Equal(t, 2.0, g.Fields["x"].Mean)
}

func TestSetSkipsNullFieldsAndRejectsBadKeys(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Add(nil, map[string]any{"x": nil, "y": 1.0}))

	g, ok := s.Lookup(nil)
	require.True(t, ok)
	_, hasX := g.Fields["x"]
	assert.False(t, hasX)
	assert.Equal(t, int64(1), g.Count)

	err := s.Add(func() {}, map[string]any{"y": 1.0})
	assert.Error(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestSetStructuredKeys(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Add(map[string]any{"b": 1.0, "a": 2.0}, nil))
	require.NoError(t, s.Add(map[string]any{"a": 2.0, "b": 1.0}, nil))
	assert.Equal(t, 1, s.Len())
}
