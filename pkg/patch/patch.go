// Package patch defines the JSON-patch-style operations streamed to board
// clients. Operations follow RFC 6902 semantics for the subset of ops the
// board emits (add, replace, remove).
package patch

import (
	"encoding/json"
	"strings"
)

// Op identifies the kind of patch operation.
type Op string

const (
	OpAdd     Op = "add"
	OpReplace Op = "replace"
	OpRemove  Op = "remove"
)

// Operation is a single JSON patch operation. Value is kept raw so the
// board layer can inspect and forward it without re-encoding.
type Operation struct {
	Op    Op              `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// NewAdd builds an add operation, marshaling value to JSON.
func NewAdd(path string, value interface{}) (Operation, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Operation{}, err
	}
	return Operation{Op: OpAdd, Path: path, Value: raw}, nil
}

// NewReplace builds a replace operation, marshaling value to JSON.
func NewReplace(path string, value interface{}) (Operation, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Operation{}, err
	}
	return Operation{Op: OpReplace, Path: path, Value: raw}, nil
}

// NewRemove builds a remove operation.
func NewRemove(path string) Operation {
	return Operation{Op: OpRemove, Path: path}
}

// LastSegment returns the final path segment, or "" for the root path.
func (o Operation) LastSegment() string {
	idx := strings.LastIndex(o.Path, "/")
	if idx < 0 {
		return ""
	}
	return o.Path[idx+1:]
}

// IsEntryOp reports whether the operation targets a direct child of prefix,
// e.g. IsEntryOp("/tasks") is true for path "/tasks/<id>".
func (o Operation) IsEntryOp(prefix string) bool {
	if !strings.HasPrefix(o.Path, prefix+"/") {
		return false
	}
	rest := o.Path[len(prefix)+1:]
	return rest != "" && !strings.Contains(rest, "/")
}
