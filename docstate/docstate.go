// Package docstate carries per-document state between hooks that fire at
// different points of a single HTML response's rewrite pass — for
// instance, the RSC integration needs to stash captured payload
// fragments during the streamed token pass and splice them back in
// during its end-of-document post-processing pass. One State exists per
// response and is discarded once that response finishes.
package docstate

import "sync"

// State is a simple concurrency-safe bag keyed by integration ID, then
// by an arbitrary sub-key the integration defines for itself.
type State struct {
	mu   sync.Mutex
	data map[string]map[string]interface{}
}

// New returns an empty State for one document.
func New() *State {
	return &State{data: map[string]map[string]interface{}{}}
}

// Set stores value under (namespace, key).
func (s *State) Set(namespace, key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[namespace] == nil {
		s.data[namespace] = map[string]interface{}{}
	}
	s.data[namespace][key] = value
}

// Get retrieves the value stored under (namespace, key).
func (s *State) Get(namespace, key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		return nil, false
	}
	v, ok := ns[key]
	return v, ok
}

// Append appends value to a []interface{} stored under (namespace, key),
// creating it if absent, and returns the new slice.
func (s *State) Append(namespace, key string, value interface{}) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[namespace] == nil {
		s.data[namespace] = map[string]interface{}{}
	}
	existing, _ := s.data[namespace][key].([]interface{})
	existing = append(existing, value)
	s.data[namespace][key] = existing
	return existing
}
