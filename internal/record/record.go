// Package record parses and serializes the newline-delimited JSON lines stored
// in shard files.
//
// Every line read from a shard becomes a Record of one of three kinds. Blank
// lines are counted but never handed to user callbacks. Malformed lines keep
// their raw text so that rewrite paths can emit them verbatim, which keeps a
// damaged shard from silently losing data.
package record

import (
	"bytes"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errNotObject = errors.New("record is not a JSON object")

// Document is a decoded record. Numbers decode as float64.
type Document = map[string]any

// Kind classifies a line read from a shard.
type Kind int

const (
	Blank Kind = iota
	Valid
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Blank:
		return "blank"
	case Valid:
		return "valid"
	default:
		return "malformed"
	}
}

// Record is one line of a shard file.
type Record struct {
	Kind  Kind
	Line  int    // 1-based line number within the shard
	Raw   []byte // line text without terminator, as read
	Value Document
	Err   error
}

// Parse classifies and decodes one line. raw is retained, so callers must not
// reuse its backing array after the call.
func Parse(line int, raw []byte) Record {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Record{Kind: Blank, Line: line, Raw: raw}
	}
	if trimmed[0] != '{' {
		return Record{Kind: Malformed, Line: line, Raw: raw, Err: notObject(trimmed)}
	}

	var doc Document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return Record{Kind: Malformed, Line: line, Raw: raw, Err: err}
	}
	if doc == nil {
		return Record{Kind: Malformed, Line: line, Raw: raw, Err: errNotObject}
	}
	return Record{Kind: Valid, Line: line, Raw: raw, Value: doc}
}

func notObject(trimmed []byte) error {
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	return errNotObject
}

// Serialize encodes a document as canonical JSON (sorted keys) followed by a
// line terminator.
func Serialize(doc Document) ([]byte, error) {
	if doc == nil {
		return nil, errors.New("cannot serialize a nil document")
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}
	return append(b, '\n'), nil
}

// Canonical returns the canonical JSON text of v, used wherever a JSON value
// must act as a map key.
func Canonical(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Clone deep-copies a document so callbacks cannot alias stored state.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
