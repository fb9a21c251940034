package broker

import (
	"context"
	"sync"
)

// Message records a single published message.
type Message struct {
	Topic   string
	Payload []byte
}

// MockBroker records all publishes and routes them to matching in-process
// subscribers.
type MockBroker struct {
	mu       sync.Mutex
	messages []Message
	subs     map[string]MessageHandler
	closed   bool
	err      error // if set, Publish returns this error
}

// NewMockBroker creates a new MockBroker.
func NewMockBroker() *MockBroker {
	return &MockBroker{subs: make(map[string]MessageHandler)}
}

func (m *MockBroker) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return err
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	m.messages = append(m.messages, Message{Topic: topic, Payload: p})
	handlers := m.matching(topic)
	m.mu.Unlock()

	for _, h := range handlers {
		h(topic, p)
	}
	return nil
}

func (m *MockBroker) Subscribe(topic string, handler MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = handler
	return nil
}

func (m *MockBroker) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, topic)
	return nil
}

func (m *MockBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Deliver hands payload to matching subscribers without recording it, as if
// it arrived from another client.
func (m *MockBroker) Deliver(topic string, payload []byte) {
	m.mu.Lock()
	handlers := m.matching(topic)
	m.mu.Unlock()
	for _, h := range handlers {
		h(topic, payload)
	}
}

// Subscribed reports whether a subscription for filter exists.
func (m *MockBroker) Subscribed(filter string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[filter]
	return ok
}

// Messages returns a copy of all published messages.
func (m *MockBroker) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]Message, len(m.messages))
	copy(msgs, m.messages)
	return msgs
}

// Reset clears all recorded messages.
func (m *MockBroker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// Closed returns whether Close was called.
func (m *MockBroker) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetError causes all subsequent Publish calls to return err.
// Pass nil to clear.
func (m *MockBroker) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockBroker) matching(topic string) []MessageHandler {
	var hs []MessageHandler
	for filter, h := range m.subs {
		if Match(filter, topic) {
			hs = append(hs, h)
		}
	}
	return hs
}
