package database

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/zzenonn/shardb/internal/shard"
)

// Counts are the line and record counters summed over every shard.
type Counts struct {
	Lines   int `json:"lines"`
	Blanks  int `json:"blanks"`
	Records int `json:"records"`
	Errors  int `json:"errors"`

	Selected  int `json:"selected"`
	Ignored   int `json:"ignored"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Deleted   int `json:"deleted"`
	Retained  int `json:"retained"`
	Indexed   int `json:"indexed"`
	Unindexed int `json:"unindexed"`
	Inserted  int `json:"inserted"`
}

// add sums the counters of r. A shard that failed without committing
// contributes only what it scanned.
func (c *Counts) add(r shard.ScanResult) {
	c.Lines += r.Lines
	c.Blanks += r.Blanks
	c.Records += r.Records
	c.Errors += r.Errors
	if !r.Effective() {
		return
	}
	c.Selected += r.Selected
	c.Ignored += r.Ignored
	c.Updated += r.Updated
	c.Unchanged += r.Unchanged
	c.Deleted += r.Deleted
	c.Retained += r.Retained
	c.Indexed += r.Indexed
	c.Unindexed += r.Unindexed
	c.Inserted += r.Inserted
}

// ShardError is a per-line error tagged with the shard it came from.
type ShardError struct {
	Shard int `json:"shard"`
	shard.ErrorEntry
}

// ShardFailure is a shard whose unit of work did not complete.
type ShardFailure struct {
	Shard int    `json:"shard"`
	Path  string `json:"path"`
	Err   error  `json:"-"`
}

func (f ShardFailure) Error() string {
	return fmt.Sprintf("shard %d (%s): %v", f.Shard, f.Path, f.Err)
}

func (f ShardFailure) Unwrap() error {
	return f.Err
}

// Summary is the reduced outcome of one operation over all shards. Start is
// the earliest shard start and End the latest shard end.
type Summary struct {
	Counts

	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end"`
	Elapsed time.Duration `json:"elapsed"`

	ErrorEntries []ShardError       `json:"error_entries,omitempty"`
	Failures     []ShardFailure     `json:"failures,omitempty"`
	Details      []shard.ScanResult `json:"details"`
}

// Failed reports whether any shard failed.
func (s *Summary) Failed() bool {
	return len(s.Failures) > 0
}

// Err combines every shard failure, or returns nil when all shards completed.
func (s *Summary) Err() error {
	var result *multierror.Error
	for _, f := range s.Failures {
		result = multierror.Append(result, f)
	}
	return result.ErrorOrNil()
}

// reduce folds per-shard results, given in shard order, into a Summary.
func reduce(results []shard.ScanResult) Summary {
	s := Summary{Details: results}
	for i, r := range results {
		if i == 0 || r.Start.Before(s.Start) {
			s.Start = r.Start
		}
		if r.End.After(s.End) {
			s.End = r.End
		}
		s.Counts.add(r)
		for _, e := range r.ErrorEntries {
			s.ErrorEntries = append(s.ErrorEntries, ShardError{Shard: r.Shard, ErrorEntry: e})
		}
		if r.Err != nil {
			s.Failures = append(s.Failures, ShardFailure{Shard: r.Shard, Path: r.Path, Err: r.Err})
		}
	}
	s.Elapsed = s.End.Sub(s.Start)
	return s
}
