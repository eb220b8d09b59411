package aggregate

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func naive(xs []float64) (mean, varp, vars float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	varp = ss / float64(len(xs))
	vars = ss / float64(len(xs)-1)
	return mean, varp, vars
}

func relClose(t *testing.T, want, got float64) {
	t.Helper()
	tol := 1e-9 * math.Max(1, math.Abs(want))
	assert.InDelta(t, want, got, tol)
}

func TestRunningMatchesTwoPass(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	xs := make([]float64, 1000)
	for i := range xs {
		xs[i] = rng.NormFloat64()*50 + 1e4
	}

	var r Running
	for _, x := range xs {
		r.Add(x)
	}
	mean, varp, vars := naive(xs)
	relClose(t, mean, r.Mean)
	relClose(t, varp, r.VarP())
	relClose(t, vars, r.VarS())
	assert.Equal(t, int64(1000), r.Count)
}

func TestMergeMatchesSinglePass(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		xs := make([]float64, 200+rng.Intn(300))
		for i := range xs {
			xs[i] = rng.Float64()*1000 - 500
		}

		parts := 1 + rng.Intn(8)
		partials := make([]*Running, parts)
		for i := range partials {
			partials[i] = &Running{}
		}
		for _, x := range xs {
			partials[rng.Intn(parts)].Add(x)
		}

		var merged Running
		for _, p := range partials {
			merged.Merge(p)
		}

		mean, varp, vars := naive(xs)
		require.Equal(t, int64(len(xs)), merged.N)
		relClose(t, mean, merged.Mean)
		relClose(t, varp, merged.VarP())
		relClose(t, vars, merged.VarS())
	}
}

func TestMergeEmpty(t *testing.T) {
	var a Running
	a.Add(3.0)
	a.Add(5.0)

	a.Merge(&Running{})
	a.Merge(nil)
	assert.Equal(t, int64(2), a.N)
	assert.Equal(t, 4.0, a.Mean)

	var b Running
	b.Merge(&a)
	assert.Equal(t, a, b)
}

func TestSingleValueSampleVarianceUndefined(t *testing.T) {
	var r Running
	r.Add(20.0)
	assert.Equal(t, 0.0, r.VarP())
	assert.True(t, math.IsNaN(r.VarS()))

	s := r.Stats("age")
	require.NotNil(t, s.VarP)
	assert.Equal(t, 0.0, *s.VarP)
	assert.Nil(t, s.VarS)
	assert.Nil(t, s.StdS)
}

func TestMixedTypesOnlyNumericMoments(t *testing.T) {
	var r Running
	r.Add(10.0)
	r.Add("ten")
	r.Add(true)
	r.Add(20.0)

	assert.Equal(t, int64(4), r.Count)
	assert.Equal(t, int64(2), r.N)
	assert.Equal(t, 15.0, r.Mean)
	assert.Equal(t, true, r.Min)
	assert.Equal(t, "ten", r.Max)
}

func TestNonNumericStatsHaveNoMoments(t *testing.T) {
	var r Running
	r.Add("b")
	r.Add("a")

	s := r.Stats("name")
	assert.Equal(t, "a", s.Min)
	assert.Equal(t, "b", s.Max)
	assert.Nil(t, s.Sum)
	assert.Nil(t, s.Mean)
	assert.Nil(t, s.VarP)
}

func BenchmarkRunningAdd(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	xs := make([]float64, 1024)
	for i := range xs {
		xs[i] = rng.NormFloat64() * 1e3
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var r Running
		for _, x := range xs {
			r.Add(x)
		}
	}
}

func BenchmarkRunningMerge(b *testing.B) {
	parts := make([]*Running, 64)
	for i := range parts {
		parts[i] = &Running{}
		for j := 0; j < 100; j++ {
			parts[i].Add(float64(i*100 + j))
		}
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var total Running
		for _, p := range parts {
			total.Merge(p)
		}
	}
}
