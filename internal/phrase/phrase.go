// Package phrase runs the custom phrase recognizer: a side channel that
// listens to live transcripts of a call's media stream and reports the first
// menu phrase it hears as a speech recognition result.
package phrase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/broker"
	"github.com/sweeney/ivr-mqtt/internal/event"
	"github.com/sweeney/ivr-mqtt/internal/menu"
	"github.com/sweeney/ivr-mqtt/internal/store"
)

// ErrSlotTaken is returned by Start when the call already has a recognizer
// in the requested slot.
var ErrSlotTaken = errors.New("phrase: recognizer slot already registered")

// Transcript is one utterance recognized on a media subscription.
type Transcript struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Source delivers transcripts for a media subscription until unsubscribed.
type Source interface {
	Subscribe(subscriptionID string, fn func(Transcript)) (unsubscribe func(), err error)
}

// Sink receives the synthesized recognition event.
type Sink func(ctx context.Context, evt event.Event) error

// Recognizer matches transcripts against menu phrases.
type Recognizer struct {
	source Source
	store  *store.Store
	sink   Sink
	log    *zap.Logger
}

// NewRecognizer creates a Recognizer that reports matches to sink. A nil
// logger discards output.
func NewRecognizer(source Source, st *store.Store, sink Sink, log *zap.Logger) *Recognizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recognizer{source: source, store: st, sink: sink, log: log}
}

// SetSink replaces the event sink. It must be called before Start.
func (r *Recognizer) SetSink(sink Sink) {
	r.sink = sink
}

// Start registers a recognizer for the call in slot and begins listening.
// The registered handle stops the listener when cancelled. If the slot is
// already taken nothing is started and ErrSlotTaken is returned; the existing
// handle stays registered.
func (r *Recognizer) Start(callID, subscriptionID string, m *menu.Menu, slot store.Slot, opCtx string) (*store.CancelHandle, error) {
	var (
		mu    sync.Mutex
		unsub func()
		fired atomic.Bool
	)
	h := store.NewCancelHandle(func() {
		mu.Lock()
		defer mu.Unlock()
		if unsub != nil {
			unsub()
		}
	})
	if !r.store.RegisterCanceler(slot, callID, h) {
		h.Cancel()
		return nil, ErrSlotTaken
	}

	log := r.log.With(zap.String("call_id", callID), zap.String("slot", string(slot)))
	fn := func(t Transcript) {
		if h.Cancelled() {
			return
		}
		if t.Final {
			r.store.AppendCallSummary(callID, t.Text)
		}
		opt, ok := m.MatchPhrase(t.Text)
		if !ok || !fired.CompareAndSwap(false, true) {
			return
		}
		log.Info("custom phrase matched", zap.String("label", opt.Label))
		evt := event.Event{
			Kind:             event.KindRecognizeCompleted,
			CallConnectionID: callID,
			OperationContext: opCtx,
			Payload:          event.Recognized{Result: event.Speech{Text: t.Text, Label: opt.Label}},
		}
		if err := r.sink(context.Background(), evt); err != nil {
			log.Error("delivering phrase match", zap.Error(err))
		}
	}

	u, err := r.source.Subscribe(subscriptionID, fn)
	if err != nil {
		r.store.ReleaseCanceler(slot, callID, h)
		h.Cancel()
		return nil, fmt.Errorf("subscribing to transcripts for %s: %w", subscriptionID, err)
	}
	mu.Lock()
	unsub = u
	mu.Unlock()
	if h.Cancelled() {
		u()
	}
	return h, nil
}

// MQTTSource reads transcripts from <prefix>/media/<subscription>/transcript.
// Several listeners may share a subscription; each unsubscribe removes only
// its own listener and the topic is released with the last one.
type MQTTSource struct {
	broker broker.Broker
	prefix string
	log    *zap.Logger

	// opMu serializes broker subscribe and unsubscribe calls; mu guards
	// listeners and is the only lock taken on delivery.
	opMu      sync.Mutex
	mu        sync.Mutex
	nextID    uint64
	listeners map[string]map[uint64]func(Transcript)
}

// NewMQTTSource reads transcripts from b under prefix.
func NewMQTTSource(b broker.Broker, prefix string, log *zap.Logger) *MQTTSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &MQTTSource{
		broker:    b,
		prefix:    prefix,
		log:       log,
		listeners: make(map[string]map[uint64]func(Transcript)),
	}
}

// TranscriptTopic returns the topic transcripts for a subscription arrive on.
func TranscriptTopic(prefix, subscriptionID string) string {
	return fmt.Sprintf("%s/media/%s/transcript", prefix, subscriptionID)
}

func (s *MQTTSource) Subscribe(subscriptionID string, fn func(Transcript)) (func(), error) {
	topic := TranscriptTopic(s.prefix, subscriptionID)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	first := len(s.listeners[topic]) == 0
	if first {
		s.listeners[topic] = make(map[uint64]func(Transcript))
	}
	s.listeners[topic][id] = fn
	s.mu.Unlock()

	if first {
		if err := s.broker.Subscribe(topic, s.deliver); err != nil {
			s.remove(topic, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.opMu.Lock()
			defer s.opMu.Unlock()
			if !s.remove(topic, id) {
				return
			}
			if err := s.broker.Unsubscribe(topic); err != nil {
				s.log.Warn("unsubscribing transcripts", zap.String("topic", topic), zap.Error(err))
			}
		})
	}, nil
}

// remove drops one listener and reports whether it was the topic's last.
func (s *MQTTSource) remove(topic string, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners[topic], id)
	if len(s.listeners[topic]) > 0 {
		return false
	}
	delete(s.listeners, topic)
	return true
}

func (s *MQTTSource) deliver(topic string, payload []byte) {
	var t Transcript
	if err := json.Unmarshal(payload, &t); err != nil {
		s.log.Warn("skipping malformed transcript", zap.String("topic", topic), zap.Error(err))
		return
	}
	s.mu.Lock()
	fns := make([]func(Transcript), 0, len(s.listeners[topic]))
	for _, fn := range s.listeners[topic] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}
