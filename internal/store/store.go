// Package store holds per-call IVR state. Each logical map is a separate
// shard with its own lock, so work on disjoint scopes of the same call never
// contends.
package store

import (
	"sync"
	"time"
)

// Scope names one logical map.
type Scope string

const (
	ScopeCustomerID            Scope = "customer-id"
	ScopeCustomerAcsID         Scope = "customer-acs-id"
	ScopeAgentAcsIDs           Scope = "agent-acs-ids"
	ScopeWaitTime              Scope = "wait-time"
	ScopeClassification        Scope = "classification"
	ScopeJobID                 Scope = "job-id"
	ScopeCallSummary           Scope = "call-summary"
	ScopeMediaSubscription     Scope = "media-subscription"
	ScopeMediaSubscriptionCall Scope = "media-subscription-call"
	ScopeAudioStream           Scope = "audio-stream"
	ScopeServerCall            Scope = "server-call"
	ScopeRecording             Scope = "recording"
	ScopeTerminated            Scope = "terminated"
	ScopeAccountIDRecognizer   Scope = "recognizer/account-id"
	ScopePairingRecognizer     Scope = "recognizer/pairing"
	ScopeMainMenuRecognizer    Scope = "recognizer/main-menu"
)

var allScopes = []Scope{
	ScopeCustomerID, ScopeCustomerAcsID, ScopeAgentAcsIDs, ScopeWaitTime,
	ScopeClassification, ScopeJobID, ScopeCallSummary, ScopeMediaSubscription,
	ScopeMediaSubscriptionCall, ScopeAudioStream, ScopeServerCall,
	ScopeRecording, ScopeTerminated, ScopeAccountIDRecognizer,
	ScopePairingRecognizer, ScopeMainMenuRecognizer,
}

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

type shard struct {
	mu sync.RWMutex
	m  map[string]any
}

// Store is a concurrent map-of-maps keyed by scope then by identifier
// (call-connection, server-call or media-subscription id).
type Store struct {
	shards map[Scope]*shard
	clock  Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for tombstones and recordings.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		shards: make(map[Scope]*shard, len(allScopes)),
		clock:  time.Now,
	}
	for _, scope := range allScopes {
		s.shards[scope] = &shard{m: make(map[string]any)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// shard never allocates after New, so the shards map itself is read-only.
func (s *Store) shard(scope Scope) *shard {
	sh, ok := s.shards[scope]
	if !ok {
		panic("store: unknown scope " + string(scope))
	}
	return sh
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(scope Scope, key string, value any) {
	sh := s.shard(scope)
	sh.mu.Lock()
	sh.m[key] = value
	sh.mu.Unlock()
}

// SetIfAbsent stores value only if key is not yet present.
func (s *Store) SetIfAbsent(scope Scope, key string, value any) bool {
	sh := s.shard(scope)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.m[key]; exists {
		return false
	}
	sh.m[key] = value
	return true
}

// Get returns the value under key.
func (s *Store) Get(scope Scope, key string) (any, bool) {
	sh := s.shard(scope)
	sh.mu.RLock()
	v, ok := sh.m[key]
	sh.mu.RUnlock()
	return v, ok
}

// Remove deletes key and reports whether it was present.
func (s *Store) Remove(scope Scope, key string) bool {
	_, ok := s.take(scope, key)
	return ok
}

func (s *Store) take(scope Scope, key string) (any, bool) {
	sh := s.shard(scope)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	return v, ok
}

// update applies fn to the current value under the shard lock.
func (s *Store) update(scope Scope, key string, fn func(v any, ok bool) (any, bool)) {
	sh := s.shard(scope)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.m[key]
	next, keep := fn(cur, ok)
	if keep {
		sh.m[key] = next
	} else {
		delete(sh.m, key)
	}
}

// Evict removes key from every listed scope and returns how many entries
// were present. Scopes are visited one at a time.
func (s *Store) Evict(key string, scopes ...Scope) int {
	n := 0
	for _, scope := range scopes {
		if s.Remove(scope, key) {
			n++
		}
	}
	return n
}

// Len returns the number of entries in a scope.
func (s *Store) Len(scope Scope) int {
	sh := s.shard(scope)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.m)
}

func (s *Store) getString(scope Scope, key string) (string, bool) {
	v, ok := s.Get(scope, key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}
