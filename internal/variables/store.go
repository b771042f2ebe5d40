// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package variables implements the session-scoped Variable Store shared by every
// cell of a run batch, and the versioned handoff file used to move it in and out
// of the script sandbox subprocess.
//
// The store keeps insertion order so that the JSON written for a script, the
// snapshots shown to observers and the handoff read back all list keys in the
// order cells created them.
package variables

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Reserved keys consumed by the runtime instead of being surfaced to users.
const (
	// SkipSQL makes the next SQL or broker-listen cell return skipped.
	SkipSQL = "_skipSql"
	// ResultTable, HTTPTranscript and UpdateJSONCells are legacy side-channel keys a
	// script may set directly; the script kernel moves them into RunResult metadata.
	ResultTable     = "_resultTable"
	HTTPTranscript  = "_httpTranscript"
	UpdateJSONCells = "_updateJsonCells"
)

// Store is an insertion-ordered string -> value map. It is safe for concurrent
// use, although a session only ever mutates it from one goroutine at a time.
type Store struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]any
}

// New returns an empty store.
func New() *Store {
	return &Store{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Truthy reports whether key holds a value that is not nil, false, 0 or "".
func (s *Store) Truthy(key string) bool {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case json.Number:
		return t.String() != "0"
	}
	return true
}

// Set stores value under key. Existing keys keep their position.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value)
}

func (s *Store) setLocked(key string, value any) {
	if _, exists := s.values[key]; !exists {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return false
	}
	delete(s.values, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	return true
}

// Take returns and deletes the value under key.
func (s *Store) Take(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	delete(s.values, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	return v, true
}

// Keys returns the keys in insertion order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.keys...)
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Snapshot returns a shallow copy of the values.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy with the same order.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &Store{keys: append([]string(nil), s.keys...), values: make(map[string]any, len(s.values))}
	for k, v := range s.values {
		c.values[k] = v
	}
	return c
}

// Merge copies every key of other into s, in other's order.
func (s *Store) Merge(other *Store) {
	if other == nil || other == s {
		return
	}
	keys := other.Keys()
	vals := other.Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.setLocked(k, vals[k])
	}
}

// Replace makes s hold exactly the contents of other.
func (s *Store) Replace(other *Store) {
	c := other.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys, s.values = c.keys, c.values
}

// MarshalJSON writes the store as a JSON object in insertion order.
func (s *Store) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range s.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(s.values[k])
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON replaces the contents of s with a JSON object, keeping key order.
func (s *Store) UnmarshalJSON(data []byte) error {
	parsed, err := ParseObject(data)
	if err != nil {
		return err
	}
	s.Replace(parsed)
	return nil
}

// ParseObject decodes a JSON object into a new store, preserving key order.
// Anything but an object is an error.
func ParseObject(data []byte) (*Store, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected a JSON object, got %v", tok)
	}
	out := New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("value of %q: %w", key, err)
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("value of %q: %w", key, err)
		}
		out.setLocked(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON object")
	}
	return out, nil
}

// decodeValue decodes nested values with numbers kept exact. Integers that fit
// become int64, everything else float64.
func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	}
	return v
}
