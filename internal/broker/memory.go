package broker

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Broker for single-server deployments and tests.
// Publish delivers synchronously to every subscriber of the topic; there
// is no cross-process fan-out.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string][]Handler
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]Handler)}
}

func (m *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	m.mu.RLock()
	closed := m.closed
	handlers := make([]Handler, len(m.subs[topic]))
	copy(handlers, m.subs[topic])
	m.mu.RUnlock()

	if closed {
		return fmt.Errorf("publish to %s: broker closed", topic)
	}
	for _, h := range handlers {
		h(topic, data)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("subscribe to %s: broker closed", topic)
	}
	m.subs[topic] = append(m.subs[topic], h)
	return nil
}

func (m *Memory) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subs, topic)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs = make(map[string][]Handler)
	m.closed = true
	return nil
}
