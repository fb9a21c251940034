package store

import "time"

// RecordingContext tracks an active recording, keyed by server-call id.
type RecordingContext struct {
	RecordingID  string
	ServerCallID string
	StartedAt    time.Time
	Paused       bool
}

// PutRecording stores rc, stamping StartedAt if unset.
func (s *Store) PutRecording(rc RecordingContext) {
	if rc.StartedAt.IsZero() {
		rc.StartedAt = s.clock()
	}
	s.Set(ScopeRecording, rc.ServerCallID, rc)
}

// Recording returns the recording for a server call.
func (s *Store) Recording(serverCallID string) (RecordingContext, bool) {
	v, ok := s.Get(ScopeRecording, serverCallID)
	if !ok {
		return RecordingContext{}, false
	}
	rc, ok := v.(RecordingContext)
	return rc, ok
}

// SetRecordingPaused flips the paused flag of an existing recording.
func (s *Store) SetRecordingPaused(serverCallID string, paused bool) bool {
	found := false
	s.update(ScopeRecording, serverCallID, func(cur any, ok bool) (any, bool) {
		if !ok {
			return nil, false
		}
		rc, _ := cur.(RecordingContext)
		rc.Paused = paused
		found = true
		return rc, true
	})
	return found
}

// RemoveRecording drops the recording for a server call.
func (s *Store) RemoveRecording(serverCallID string) bool {
	return s.Remove(ScopeRecording, serverCallID)
}
