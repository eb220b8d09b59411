package shard

import (
	"fmt"
	"strings"

	apperrors "github.com/zzenonn/shardb/internal/errors"
	"github.com/zzenonn/shardb/internal/record"
)

// Kind is the operation a shard unit performs.
type Kind int

const (
	Stats Kind = iota
	Select
	Update
	Delete
	Aggregate
	Index
	Insert
)

func (k Kind) String() string {
	switch k {
	case Stats:
		return "stats"
	case Select:
		return "select"
	case Update:
		return "update"
	case Delete:
		return "delete"
	case Aggregate:
		return "aggregate"
	case Index:
		return "index"
	case Insert:
		return "insert"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Mutating reports whether the operation rewrites or appends to the shard and
// therefore always runs under the shard lock.
func (k Kind) Mutating() bool {
	return k == Update || k == Delete || k == Insert
}

// Selector decides whether a record takes part in an operation.
type Selector func(record.Document) bool

// Updater returns the replacement for a selected record. Returning nil breaks
// its contract.
type Updater func(record.Document) record.Document

// Projector maps a record to the document reported by select or accumulated
// by aggregate. Returning nil breaks its contract.
type Projector func(record.Document) record.Document

// Indexer returns the group key of a record, or false when the record has none.
type Indexer func(record.Document) (any, bool)

// Always selects every record.
func Always(record.Document) bool { return true }

// Operation describes one shard unit of work.
type Operation struct {
	Kind  Kind
	Shard int
	Path  string

	Selector  Selector
	Updater   Updater
	Projector Projector
	Indexer   Indexer

	// IndexField is a gjson path evaluated against the raw line by Index.
	IndexField string
}

// Validate checks that every callback the kind requires is present.
func (op Operation) Validate() error {
	if err := op.ValidateCallbacks(); err != nil {
		return err
	}
	if op.Path == "" {
		return apperrors.InvalidConfig("path", "shard path is empty")
	}
	return nil
}

// ValidateCallbacks checks the callbacks alone, so a whole operation can be
// rejected before any shard is touched.
func (op Operation) ValidateCallbacks() error {
	switch op.Kind {
	case Stats:
	case Select, Delete:
		if op.Selector == nil {
			return apperrors.InvalidConfig("selector", "%s requires a selector", op.Kind)
		}
	case Update:
		if op.Selector == nil {
			return apperrors.InvalidConfig("selector", "update requires a selector")
		}
		if op.Updater == nil {
			return apperrors.InvalidConfig("updater", "update requires an updater")
		}
	case Aggregate:
		if op.Selector == nil {
			return apperrors.InvalidConfig("selector", "aggregate requires a selector")
		}
		if op.Indexer == nil {
			return apperrors.InvalidConfig("indexer", "aggregate requires an indexer")
		}
	case Index:
		if strings.TrimSpace(op.IndexField) == "" {
			return apperrors.InvalidConfig("field", "index requires a field path")
		}
	default:
		return apperrors.InvalidConfig("kind", "%s cannot be processed as a scan", op.Kind)
	}
	return nil
}
