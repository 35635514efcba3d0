// Package store provides the typed key-value store a workflow's steps share
// data through.
package store

import (
	"errors"
	"reflect"
)

// entry is a JSON-encoded value together with the Go type it was put as
type entry struct {
	typ      reflect.Type
	blob     []byte
	metadata *Metadata
}

// Store errors
var (
	ErrNotFound     = errors.New("key not found")
	ErrTypeMismatch = errors.New("type mismatch on Get")
	ErrEmptyKey     = errors.New("key cannot be empty")
)
