package mcp

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Session is the server-side state of one logical client connection. Its data bag is a tree
// of maps addressed by dot-separated key paths ("client.info.name").
//
// When Set walks through an intermediate value that is not a map, the value is replaced by a
// new map. Get, Has and Forget treat such a path as absent.
type Session struct {
	id uuid.UUID

	mu   sync.Mutex
	data map[string]any
}

type sessionDocument struct {
	Data map[string]any `json:"data"`
}

// Keys the engine keeps in every session.
const (
	SessionKeyClientInfo         = "client_info"
	SessionKeyClientCapabilities = "client_capabilities"
	SessionKeyProtocolVersion    = "protocol_version"
	SessionKeyInitialized        = "initialized"
	SessionKeyLogLevel           = "log_level"
	SessionKeySubscriptions      = "resource_subscriptions"
)

// NewSession creates an empty session with a fresh random id.
func NewSession() *Session {
	return &Session{
		id:   uuid.New(),
		data: make(map[string]any),
	}
}

// RestoreSession rebuilds a session from a document produced by Encode.
func RestoreSession(id uuid.UUID, doc []byte) (*Session, error) {
	var d sessionDocument
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	if d.Data == nil {
		d.Data = make(map[string]any)
	}
	return &Session{id: id, data: d.Data}, nil
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// Encode serializes the data bag for a SessionStore.
func (s *Session) Encode() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs, err := json.Marshal(sessionDocument{Data: s.data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", s.id, err)
	}
	return bs, nil
}

// Get returns the value stored at key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, last, ok := s.walk(key, false)
	if !ok {
		return nil, false
	}
	v, ok := parent[last]
	return v, ok
}

// Has reports whether key holds a value.
func (s *Session) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Set stores value at key, creating intermediate maps as needed.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, last, _ := s.walk(key, true)
	parent[last] = value
}

// Forget removes key. Missing paths are ignored.
func (s *Session) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, last, ok := s.walk(key, false)
	if !ok {
		return
	}
	delete(parent, last)
}

// Pull returns the value at key and removes it.
func (s *Session) Pull(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, last, ok := s.walk(key, false)
	if !ok {
		return nil, false
	}
	v, ok := parent[last]
	delete(parent, last)
	return v, ok
}

// Clear empties the data bag.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]any)
}

// All returns a shallow copy of the top level of the data bag.
func (s *Session) All() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return maps.Clone(s.data)
}

// walk returns the map holding the last segment of key. With create set, missing or
// non-map intermediates are replaced by new maps.
func (s *Session) walk(key string, create bool) (map[string]any, string, bool) {
	parts := strings.Split(key, ".")
	node := s.data
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			if !create {
				return nil, "", false
			}
			child = make(map[string]any)
			node[part] = child
		}
		node = child
	}
	return node, parts[len(parts)-1], true
}

// SessionValue reads key from sess as a T. Values restored from a store come back as
// generic JSON values, so anything that is not already a T is converted through JSON.
func SessionValue[T any](sess *Session, key string) (T, bool) {
	var zero T
	v, ok := sess.Get(key)
	if !ok {
		return zero, false
	}
	if t, ok := v.(T); ok {
		return t, true
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return zero, false
	}
	var t T
	if err := json.Unmarshal(bs, &t); err != nil {
		return zero, false
	}
	return t, true
}
