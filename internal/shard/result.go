package shard

import (
	"time"

	"github.com/zzenonn/shardb/internal/aggregate"
	"github.com/zzenonn/shardb/internal/record"
)

// ErrorEntry is a line that could not be processed: a malformed record or a
// callback contract violation.
type ErrorEntry struct {
	Line    int    `json:"line"`
	Raw     string `json:"raw"`
	Message string `json:"error"`
}

// ScanResult is the outcome of one operation on one shard.
type ScanResult struct {
	Shard int    `json:"shard"`
	Path  string `json:"path"`
	Kind  Kind   `json:"-"`

	Lines   int `json:"lines"`
	Blanks  int `json:"blanks"`
	Records int `json:"records"`
	Errors  int `json:"errors"`

	Selected  int `json:"selected,omitempty"`
	Ignored   int `json:"ignored,omitempty"`
	Updated   int `json:"updated,omitempty"`
	Unchanged int `json:"unchanged,omitempty"`
	Deleted   int `json:"deleted,omitempty"`
	Retained  int `json:"retained,omitempty"`
	Indexed   int `json:"indexed,omitempty"`
	Unindexed int `json:"unindexed,omitempty"`
	Inserted  int `json:"inserted,omitempty"`

	ErrorEntries []ErrorEntry `json:"error_entries,omitempty"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Docs         []record.Document `json:"-"`
	Aggregates   *aggregate.Set    `json:"-"`
	IndexEntries map[string][]int  `json:"-"`

	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`

	// Rewritten is set once the shard file was changed on disk.
	Rewritten bool  `json:"rewritten,omitempty"`
	Err       error `json:"-"`
}

// Effective reports whether the effect counters describe what happened on
// disk: the unit completed, or its rewrite was committed before a later step
// failed.
func (r *ScanResult) Effective() bool {
	return r.Err == nil || r.Rewritten
}

// discardEffects drops everything a failed unit selected or changed. The scan
// counters and error entries are kept.
func (r *ScanResult) discardEffects() {
	r.Selected, r.Ignored = 0, 0
	r.Updated, r.Unchanged = 0, 0
	r.Deleted, r.Retained = 0, 0
	r.Indexed, r.Unindexed = 0, 0
	r.Inserted = 0
	r.Docs = nil
	r.Aggregates = nil
	r.IndexEntries = nil
}

func (r *ScanResult) addError(line int, raw []byte, err error) {
	r.Errors++
	r.ErrorEntries = append(r.ErrorEntries, ErrorEntry{Line: line, Raw: string(raw), Message: err.Error()})
}

// changed reports whether a rewrite scan produced any effective change.
func (r *ScanResult) changed() bool {
	switch r.Kind {
	case Update:
		return r.Updated > 0
	case Delete:
		return r.Deleted > 0
	default:
		return false
	}
}

// Elapsed is the wall time the shard unit took.
func (r *ScanResult) Elapsed() time.Duration {
	return r.End.Sub(r.Start)
}
