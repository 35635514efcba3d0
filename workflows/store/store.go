package store

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	"github.com/morrisxyang/xreflect"
)

// KVStore is a concurrency-safe store that remembers the Go type of every
// value so reads are checked against it.
type KVStore struct {
	mu   sync.RWMutex
	data map[string]entry
}

// NewKVStore returns an empty store
func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]entry)}
}

// Put stores value under key. Metadata already on the key is kept.
func (s *KVStore) Put(key string, value any) error {
	return s.PutWithMetadata(key, value, nil)
}

// PutWithMetadata stores value with metadata; nil metadata keeps the key's
// existing metadata.
func (s *KVStore) PutWithMetadata(key string, value any, metadata *Metadata) error {
	if key == "" {
		return ErrEmptyKey
	}
	blob, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if metadata == nil {
		metadata = s.data[key].metadata
	}
	s.data[key] = entry{typ: reflect.TypeOf(value), blob: blob, metadata: metadata}
	return nil
}

// Get decodes the value at key as T. The value must have been put as a T.
func Get[T any](s *KVStore, key string) (T, error) {
	var v T
	if key == "" {
		return v, ErrEmptyKey
	}

	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return v, ErrNotFound
	}

	if want := reflect.TypeOf((*T)(nil)).Elem(); e.typ != want {
		return v, fmt.Errorf("%w: %q holds %v, not %v", ErrTypeMismatch, key, e.typ, want)
	}
	if err := json.Unmarshal(e.blob, &v); err != nil {
		return v, fmt.Errorf("decode %q: %w", key, err)
	}
	return v, nil
}

// GetOrDefault is Get returning def when key is absent
func GetOrDefault[T any](s *KVStore, key string, def T) (T, error) {
	v, err := Get[T](s, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	return v, err
}

// Has reports whether key exists
func (s *KVStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

// ListKeys returns every key, sorted
func (s *KVStore) ListKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedKeys(func(string, entry) bool { return true })
}

// FindKeysByTag returns the keys whose metadata carries tag, sorted
func (s *KVStore) FindKeysByTag(tag string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedKeys(func(_ string, e entry) bool {
		return e.metadata != nil && e.metadata.HasTag(tag)
	})
}

// DeletePrefix removes every key starting with prefix and returns them
func (s *KVStore) DeletePrefix(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.sortedKeys(func(k string, _ entry) bool { return strings.HasPrefix(k, prefix) })
	for _, k := range keys {
		delete(s.data, k)
	}
	return keys
}

// sortedKeys must be called with s.mu held
func (s *KVStore) sortedKeys(keep func(string, entry) bool) []string {
	var out []string
	for k, e := range s.data {
		if keep(k, e) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Schema describes the Go type stored at key as a JSON schema
func (s *KVStore) Schema(key string) (*jsonschema.Schema, error) {
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	r := jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	return r.ReflectFromType(e.typ), nil
}

// UpdateField sets one field of the struct stored at key. Nested fields use
// dot notation, e.g. "Memory.TotalGiB".
func (s *KVStore) UpdateField(key, path string, value interface{}) error {
	return s.UpdateFields(key, map[string]interface{}{path: value})
}

// UpdateFields sets several fields of the struct stored at key in one write
func (s *KVStore) UpdateFields(key string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	return s.modify(key, func(e *entry) error {
		if e.typ == nil || e.typ.Kind() != reflect.Struct {
			return fmt.Errorf("update fields of %q: %v is not a struct", key, e.typ)
		}
		ptr := reflect.New(e.typ).Interface()
		if err := json.Unmarshal(e.blob, ptr); err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}

		paths := make([]string, 0, len(fields))
		for p := range fields {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			if err := xreflect.SetEmbedField(ptr, p, fields[p]); err != nil {
				return fmt.Errorf("set %s.%s: %w", key, p, err)
			}
		}

		blob, err := json.Marshal(ptr)
		if err != nil {
			return fmt.Errorf("encode %q: %w", key, err)
		}
		e.blob = blob
		return nil
	})
}

// GetMetadata returns a copy of the key's metadata
func (s *KVStore) GetMetadata(key string) (*Metadata, error) {
	var out *Metadata
	err := s.modify(key, func(e *entry) error {
		if e.metadata == nil {
			e.metadata = NewMetadata()
		}
		out = e.metadata.clone()
		return nil
	})
	return out, err
}

// SetProperty sets one metadata property of key
func (s *KVStore) SetProperty(key, property string, value interface{}) error {
	return s.modify(key, func(e *entry) error {
		if e.metadata == nil {
			e.metadata = NewMetadata()
		}
		e.metadata.SetProperty(property, value)
		return nil
	})
}

// modify applies fn to the entry at key under the write lock and saves it
// when fn succeeds.
func (s *KVStore) modify(key string, fn func(*entry) error) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&e); err != nil {
		return err
	}
	s.data[key] = e
	return nil
}
