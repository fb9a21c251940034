package store

import (
	"strings"
	"time"
)

// AudioStream records an active media stream for a call.
type AudioStream struct {
	SubscriptionID string
	StartedAt      time.Time
}

func (s *Store) SetCustomerID(callID, customerID string) {
	s.Set(ScopeCustomerID, callID, customerID)
}

func (s *Store) CustomerID(callID string) (string, bool) {
	return s.getString(ScopeCustomerID, callID)
}

// SetCustomerAcsID records the raw identity of the caller.
func (s *Store) SetCustomerAcsID(callID, rawID string) {
	s.Set(ScopeCustomerAcsID, callID, rawID)
}

func (s *Store) CustomerAcsID(callID string) (string, bool) {
	return s.getString(ScopeCustomerAcsID, callID)
}

// AddAgentAcsID appends an agent identity, ignoring duplicates.
func (s *Store) AddAgentAcsID(callID, rawID string) {
	s.update(ScopeAgentAcsIDs, callID, func(cur any, ok bool) (any, bool) {
		var ids []string
		if ok {
			ids, _ = cur.([]string)
		}
		for _, id := range ids {
			if id == rawID {
				return ids, true
			}
		}
		next := make([]string, len(ids), len(ids)+1)
		copy(next, ids)
		return append(next, rawID), true
	})
}

// AgentAcsIDs returns the agents currently recorded on the call.
func (s *Store) AgentAcsIDs(callID string) []string {
	v, ok := s.Get(ScopeAgentAcsIDs, callID)
	if !ok {
		return nil
	}
	ids, _ := v.([]string)
	return ids
}

func (s *Store) SetWaitTime(callID string, wait time.Duration) {
	s.Set(ScopeWaitTime, callID, wait)
}

func (s *Store) WaitTime(callID string) (time.Duration, bool) {
	v, ok := s.Get(ScopeWaitTime, callID)
	if !ok {
		return 0, false
	}
	d, ok := v.(time.Duration)
	return d, ok
}

func (s *Store) SetClassification(callID, classification string) {
	s.Set(ScopeClassification, callID, classification)
}

func (s *Store) Classification(callID string) (string, bool) {
	return s.getString(ScopeClassification, callID)
}

// SetJobID records the scheduled-callback job a dial-out call belongs to.
func (s *Store) SetJobID(callID, jobID string) {
	s.Set(ScopeJobID, callID, jobID)
}

func (s *Store) JobID(callID string) (string, bool) {
	return s.getString(ScopeJobID, callID)
}

// AppendCallSummary adds a transcript line to the call summary.
func (s *Store) AppendCallSummary(callID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.update(ScopeCallSummary, callID, func(cur any, ok bool) (any, bool) {
		if prev, _ := cur.(string); ok && prev != "" {
			return prev + "\n" + text, true
		}
		return text, true
	})
}

func (s *Store) CallSummary(callID string) (string, bool) {
	return s.getString(ScopeCallSummary, callID)
}

// SetMediaSubscription links a call to its media subscription in both
// directions.
func (s *Store) SetMediaSubscription(callID, subscriptionID string) {
	s.Set(ScopeMediaSubscription, callID, subscriptionID)
	s.Set(ScopeMediaSubscriptionCall, subscriptionID, callID)
}

func (s *Store) MediaSubscription(callID string) (string, bool) {
	return s.getString(ScopeMediaSubscription, callID)
}

// CallForMediaSubscription resolves the secondary media-subscription key.
func (s *Store) CallForMediaSubscription(subscriptionID string) (string, bool) {
	return s.getString(ScopeMediaSubscriptionCall, subscriptionID)
}

// RemoveMediaSubscription drops both directions of the link.
func (s *Store) RemoveMediaSubscription(callID string) bool {
	v, ok := s.take(ScopeMediaSubscription, callID)
	if !ok {
		return false
	}
	if sub, _ := v.(string); sub != "" {
		s.Remove(ScopeMediaSubscriptionCall, sub)
	}
	return true
}

func (s *Store) SetAudioStream(callID string, stream AudioStream) {
	if stream.StartedAt.IsZero() {
		stream.StartedAt = s.clock()
	}
	s.Set(ScopeAudioStream, callID, stream)
}

func (s *Store) AudioStream(callID string) (AudioStream, bool) {
	v, ok := s.Get(ScopeAudioStream, callID)
	if !ok {
		return AudioStream{}, false
	}
	a, ok := v.(AudioStream)
	return a, ok
}

// SetServerCallID links a call connection to its server call.
func (s *Store) SetServerCallID(callID, serverCallID string) {
	s.Set(ScopeServerCall, callID, serverCallID)
}

func (s *Store) ServerCallID(callID string) (string, bool) {
	return s.getString(ScopeServerCall, callID)
}

// MarkTerminated writes a tombstone for a disconnected call.
func (s *Store) MarkTerminated(callID string) {
	s.Set(ScopeTerminated, callID, s.clock())
}

// Terminated reports whether the call has been disconnected.
func (s *Store) Terminated(callID string) bool {
	_, ok := s.Get(ScopeTerminated, callID)
	return ok
}

// PruneTerminated drops tombstones older than maxAge and returns how many
// were removed.
func (s *Store) PruneTerminated(maxAge time.Duration) int {
	cutoff := s.clock().Add(-maxAge)
	sh := s.shard(ScopeTerminated)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n := 0
	for id, v := range sh.m {
		if at, ok := v.(time.Time); ok && at.Before(cutoff) {
			delete(sh.m, id)
			n++
		}
	}
	return n
}
