package aggregate

import (
	"fmt"
	"sort"

	"github.com/zzenonn/shardb/internal/record"
)

// Group collects the accumulators of every field for one group key.
type Group struct {
	Key    any
	Count  int64
	Fields map[string]*Running
}

// Set is the aggregate state of one shard, or of several merged shards.
// Groups are keyed by the canonical JSON text of their key.
type Set struct {
	groups map[string]*Group
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{groups: make(map[string]*Group)}
}

// Add accumulates every non-null field of projection under key. It fails only
// when key cannot be encoded as JSON.
func (s *Set) Add(key any, projection map[string]any) error {
	id, err := record.Canonical(key)
	if err != nil {
		return fmt.Errorf("group key is not JSON-encodable: %w", err)
	}
	g, ok := s.groups[id]
	if !ok {
		g = &Group{Key: key, Fields: make(map[string]*Running)}
		s.groups[id] = g
	}
	g.Count++
	for field, v := range projection {
		if v == nil {
			continue
		}
		r, ok := g.Fields[field]
		if !ok {
			r = &Running{}
			g.Fields[field] = r
		}
		r.Add(v)
	}
	return nil
}

// Merge folds o into s. o is left untouched and shares no accumulators with s
// afterwards.
func (s *Set) Merge(o *Set) {
	if o == nil {
		return
	}
	for id, og := range o.groups {
		g, ok := s.groups[id]
		if !ok {
			g = &Group{Key: og.Key, Fields: make(map[string]*Running, len(og.Fields))}
			s.groups[id] = g
		}
		g.Count += og.Count
		for field, or := range og.Fields {
			r, ok := g.Fields[field]
			if !ok {
				r = &Running{}
				g.Fields[field] = r
			}
			r.Merge(or)
		}
	}
}

// Len returns the number of groups.
func (s *Set) Len() int {
	return len(s.groups)
}

// Lookup returns the group for key, if present.
func (s *Set) Lookup(key any) (*Group, bool) {
	id, err := record.Canonical(key)
	if err != nil {
		return nil, false
	}
	g, ok := s.groups[id]
	return g, ok
}

// GroupStats is the reportable form of a Group.
type GroupStats struct {
	Key    any     `json:"index"`
	Count  int64   `json:"count"`
	Fields []Stats `json:"data"`
}

// Report returns every group ordered by key, fields ordered by name.
func (s *Set) Report() []GroupStats {
	out := make([]GroupStats, 0, len(s.groups))
	for _, g := range s.groups {
		names := make([]string, 0, len(g.Fields))
		for name := range g.Fields {
			names = append(names, name)
		}
		sort.Strings(names)

		gs := GroupStats{Key: g.Key, Count: g.Count, Fields: make([]Stats, 0, len(names))}
		for _, name := range names {
			gs.Fields = append(gs.Fields, g.Fields[name].Stats(name))
		}
		out = append(out, gs)
	}
	sort.Slice(out, func(i, j int) bool {
		return Compare(out[i].Key, out[j].Key) < 0
	})
	return out
}
