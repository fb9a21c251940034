package store

import (
	"sync"
	"sync/atomic"
)

// Slot names a per-call recognizer cancellation slot.
type Slot string

const (
	SlotAccountID Slot = "account-id"
	SlotPairing   Slot = "pairing"
	SlotMainMenu  Slot = "main-menu"
)

// Slots lists every recognizer slot.
var Slots = []Slot{SlotAccountID, SlotPairing, SlotMainMenu}

func (s Slot) scope() Scope {
	switch s {
	case SlotAccountID:
		return ScopeAccountIDRecognizer
	case SlotPairing:
		return ScopePairingRecognizer
	case SlotMainMenu:
		return ScopeMainMenuRecognizer
	default:
		panic("store: unknown slot " + string(s))
	}
}

// CancelHandle is an opaque cancellation capability for a running
// recognizer. Cancel is idempotent and safe for concurrent use.
type CancelHandle struct {
	once      sync.Once
	cancel    func()
	cancelled atomic.Bool
}

// NewCancelHandle wraps cancel. A nil cancel yields a flag-only handle.
func NewCancelHandle(cancel func()) *CancelHandle {
	return &CancelHandle{cancel: cancel}
}

// Cancel signals cancellation once.
func (h *CancelHandle) Cancel() {
	h.once.Do(func() {
		h.cancelled.Store(true)
		if h.cancel != nil {
			h.cancel()
		}
	})
}

// Cancelled reports whether Cancel has been called.
func (h *CancelHandle) Cancelled() bool {
	return h.cancelled.Load()
}

// RegisterCanceler stores h in the call's slot. It never overwrites: if a
// handle is already registered it returns false and the existing handle
// stays in place.
func (s *Store) RegisterCanceler(slot Slot, callID string, h *CancelHandle) bool {
	return s.SetIfAbsent(slot.scope(), callID, h)
}

// Canceler returns the handle registered in the call's slot.
func (s *Store) Canceler(slot Slot, callID string) (*CancelHandle, bool) {
	v, ok := s.Get(slot.scope(), callID)
	if !ok {
		return nil, false
	}
	h, ok := v.(*CancelHandle)
	return h, ok
}

// CancelAndRemove cancels and removes the call's slot handle, reporting
// whether one was registered.
func (s *Store) CancelAndRemove(slot Slot, callID string) bool {
	v, ok := s.take(slot.scope(), callID)
	if !ok {
		return false
	}
	if h, ok := v.(*CancelHandle); ok {
		h.Cancel()
	}
	return true
}

// ClaimCanceler removes the call's slot handle and returns it if it had not
// been cancelled. Only one caller can claim a given handle.
func (s *Store) ClaimCanceler(slot Slot, callID string) (*CancelHandle, bool) {
	v, ok := s.take(slot.scope(), callID)
	if !ok {
		return nil, false
	}
	h, ok := v.(*CancelHandle)
	if !ok || h.Cancelled() {
		return nil, false
	}
	return h, true
}

// ReleaseCanceler removes h from the slot only if it is still the
// registered handle.
func (s *Store) ReleaseCanceler(slot Slot, callID string, h *CancelHandle) bool {
	released := false
	s.update(slot.scope(), callID, func(cur any, ok bool) (any, bool) {
		if !ok {
			return nil, false
		}
		if cur == any(h) {
			released = true
			return nil, false
		}
		return cur, true
	})
	return released
}
