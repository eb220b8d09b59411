package main

import (
	"fmt"
	"strings"

	"github.com/imdario/mergo"
	"github.com/tidwall/gjson"

	"github.com/zzenonn/shardb/internal/aggregate"
	"github.com/zzenonn/shardb/internal/record"
	"github.com/zzenonn/shardb/internal/shard"
)

// condition is one --where clause: a gjson path, an operator and a literal.
type condition struct {
	path  string
	op    string
	value any
}

// parseCondition splits "<path><op><value>" at the first operator. The value
// is read as JSON when it parses, otherwise as a bare string, so age>30
// compares numbers and name=James compares strings.
func parseCondition(expr string) (condition, error) {
	i := strings.IndexAny(expr, "!<>=")
	if i <= 0 {
		return condition{}, fmt.Errorf("invalid condition %q, expected <path><op><value>", expr)
	}

	op := expr[i : i+1]
	if i+1 < len(expr) && expr[i+1] == '=' {
		op = expr[i : i+2]
	}
	if op == "!" {
		return condition{}, fmt.Errorf("invalid operator in %q", expr)
	}

	path := strings.TrimSpace(expr[:i])
	raw := strings.TrimSpace(expr[i+len(op):])
	return condition{path: path, op: op, value: parseLiteral(raw)}, nil
}

func parseLiteral(raw string) any {
	if gjson.Valid(raw) {
		return gjson.Parse(raw).Value()
	}
	return raw
}

func (c condition) match(raw []byte) bool {
	r := gjson.GetBytes(raw, c.path)
	if !r.Exists() {
		return c.op == "!="
	}
	cmp := aggregate.Compare(r.Value(), c.value)
	switch c.op {
	case "=", "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	default:
		return false
	}
}

// whereSelector ANDs every clause. No clauses selects every record.
func whereSelector(exprs []string) (shard.Selector, error) {
	if len(exprs) == 0 {
		return shard.Always, nil
	}
	conds := make([]condition, 0, len(exprs))
	for _, e := range exprs {
		c, err := parseCondition(e)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}

	return func(doc record.Document) bool {
		raw, err := record.Serialize(doc)
		if err != nil {
			return false
		}
		for _, c := range conds {
			if !c.match(raw) {
				return false
			}
		}
		return true
	}, nil
}

// fieldsProjector keeps only the named paths. No paths keeps the whole record.
func fieldsProjector(paths []string) shard.Projector {
	if len(paths) == 0 {
		return nil
	}
	return func(doc record.Document) record.Document {
		out := make(record.Document, len(paths))
		raw, err := record.Serialize(doc)
		if err != nil {
			return out
		}
		for _, p := range paths {
			if r := gjson.GetBytes(raw, p); r.Exists() {
				out[p] = r.Value()
			}
		}
		return out
	}
}

// groupIndexer groups records by the value at path; records without it are
// left out of the aggregate.
func groupIndexer(path string) shard.Indexer {
	return func(doc record.Document) (any, bool) {
		raw, err := record.Serialize(doc)
		if err != nil {
			return nil, false
		}
		r := gjson.GetBytes(raw, path)
		if !r.Exists() {
			return nil, false
		}
		return r.Value(), true
	}
}

// mergeUpdater deep merges patch into every selected record and then drops
// the unset keys.
func mergeUpdater(patch record.Document, unset []string) shard.Updater {
	return func(doc record.Document) record.Document {
		if err := mergo.Merge(&doc, record.Clone(patch), mergo.WithOverride); err != nil {
			return nil
		}
		for _, k := range unset {
			delete(doc, k)
		}
		return doc
	}
}
