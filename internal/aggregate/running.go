// Package aggregate holds the running statistics computed by aggregate and
// stats scans and the rules for merging them across shards.
//
// Numeric moments use Welford's online update within a shard and the parallel
// (pairwise) form when two partial results are combined, so merged means and
// variances agree with a single pass over the whole dataset up to floating
// point rounding.
package aggregate

import "math"

// Running is the accumulator for one (group, field) pair.
//
// Count counts every value seen, Min and Max use the Compare order across all
// of them. N, Sum, Mean and M2 cover only the numeric values, so a field that
// mixes numbers and strings still reports moments for its numbers.
type Running struct {
	Min   any
	Max   any
	Count int64

	N    int64
	Sum  float64
	Mean float64
	M2   float64
}

// Add folds one value into the accumulator.
func (r *Running) Add(v any) {
	if r.Count == 0 {
		r.Min, r.Max = v, v
	} else {
		if Compare(v, r.Min) < 0 {
			r.Min = v
		}
		if Compare(v, r.Max) > 0 {
			r.Max = v
		}
	}
	r.Count++

	x, ok := ToFloat(v)
	if !ok {
		return
	}
	r.N++
	r.Sum += x
	delta := x - r.Mean
	r.Mean += delta / float64(r.N)
	r.M2 += delta * (x - r.Mean)
}

// Merge combines o into r using the parallel variance update.
func (r *Running) Merge(o *Running) {
	if o == nil || o.Count == 0 {
		return
	}
	if r.Count == 0 {
		*r = *o
		return
	}

	if Compare(o.Min, r.Min) < 0 {
		r.Min = o.Min
	}
	if Compare(o.Max, r.Max) > 0 {
		r.Max = o.Max
	}
	r.Count += o.Count

	switch {
	case o.N == 0:
	case r.N == 0:
		r.N, r.Sum, r.Mean, r.M2 = o.N, o.Sum, o.Mean, o.M2
	default:
		n := r.N + o.N
		delta := o.Mean - r.Mean
		r.M2 = r.M2 + o.M2 + delta*delta*(float64(r.N)*float64(o.N)/float64(n))
		r.Sum += o.Sum
		r.N = n
		r.Mean = r.Sum / float64(n)
	}
}

// Numeric reports whether at least one numeric value was accumulated.
func (r *Running) Numeric() bool {
	return r.N > 0
}

// VarP is the population variance, NaN without numeric values.
func (r *Running) VarP() float64 {
	if r.N == 0 {
		return math.NaN()
	}
	return r.M2 / float64(r.N)
}

// VarS is the sample variance, NaN with fewer than two numeric values.
func (r *Running) VarS() float64 {
	if r.N < 2 {
		return math.NaN()
	}
	return r.M2 / float64(r.N-1)
}

// StdP is the population standard deviation.
func (r *Running) StdP() float64 {
	return math.Sqrt(r.VarP())
}

// StdS is the sample standard deviation.
func (r *Running) StdS() float64 {
	return math.Sqrt(r.VarS())
}

// Stats is the reportable form of a Running accumulator. Numeric fields are nil
// when undefined (no numeric values, or a sample variance over one value), which
// keeps the value JSON-encodable.
type Stats struct {
	Field string   `json:"field,omitempty"`
	Min   any      `json:"min"`
	Max   any      `json:"max"`
	Count int64    `json:"count"`
	Sum   *float64 `json:"sum,omitempty"`
	Mean  *float64 `json:"mean,omitempty"`
	VarP  *float64 `json:"varp,omitempty"`
	VarS  *float64 `json:"vars,omitempty"`
	StdP  *float64 `json:"stdp,omitempty"`
	StdS  *float64 `json:"stds,omitempty"`
}

// Stats converts the accumulator into its reportable form.
func (r *Running) Stats(field string) Stats {
	s := Stats{Field: field, Min: r.Min, Max: r.Max, Count: r.Count}
	if !r.Numeric() {
		return s
	}
	s.Sum = defined(r.Sum)
	s.Mean = defined(r.Mean)
	s.VarP = defined(r.VarP())
	s.VarS = defined(r.VarS())
	s.StdP = defined(r.StdP())
	s.StdS = defined(r.StdS())
	return s
}

func defined(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
