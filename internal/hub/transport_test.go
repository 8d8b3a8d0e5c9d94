package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/roomcast/internal/broker"
	"github.com/adred-codev/roomcast/internal/state"
	"github.com/adred-codev/roomcast/internal/wire"
)

// fakeTransport stands in for a websocket connection in unit tests.
type fakeTransport struct {
	mu        sync.Mutex
	written   [][]byte
	pings     int
	closed    bool
	failPings bool

	readCh chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{readCh: make(chan []byte, 16)}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	data, ok := <-f.readCh
	if !ok {
		return 0, nil, errors.New("transport closed")
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed transport")
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.PingMessage {
		if f.failPings {
			return errors.New("ping failed")
		}
		f.pings++
	}
	return nil
}

func (f *fakeTransport) SetReadLimit(limit int64)            {}
func (f *fakeTransport) SetReadDeadline(t time.Time) error   { return nil }
func (f *fakeTransport) SetWriteDeadline(t time.Time) error  { return nil }
func (f *fakeTransport) SetPongHandler(h func(string) error) {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// countingBroker wraps the in-memory broker and records subscription
// traffic.
type countingBroker struct {
	*broker.Memory

	mu           sync.Mutex
	subscribes   int
	unsubscribes int
	failNextSub  bool
}

func newCountingBroker() *countingBroker {
	return &countingBroker{Memory: broker.NewMemory()}
}

func (b *countingBroker) Subscribe(ctx context.Context, topic string, h broker.Handler) error {
	b.mu.Lock()
	if b.failNextSub {
		b.failNextSub = false
		b.mu.Unlock()
		return errors.New("subscribe refused")
	}
	b.subscribes++
	b.mu.Unlock()
	return b.Memory.Subscribe(ctx, topic, h)
}

func (b *countingBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	b.unsubscribes++
	b.mu.Unlock()
	return b.Memory.Unsubscribe(topic)
}

func (b *countingBroker) counts() (subs, unsubs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes, b.unsubscribes
}

func newTestRegistry(b broker.Broker) *Registry {
	if b == nil {
		b = broker.NewMemory()
	}
	return New(Options{
		Logger: zerolog.Nop(),
		Broker: b,
		State:  state.NewMemory(),
	})
}

func newTestConn(reg *Registry, nsPath string) (*Connection, *fakeTransport) {
	ns := reg.Of(nsPath)
	ft := newFakeTransport()
	c := newConnection(ns, ft, zerolog.Nop(), 32)
	reg.addConnection(c)
	return c, ft
}

// drainEnvelopes empties a connection's outbound queue without running a
// write pump.
func drainEnvelopes(c *Connection) []*wire.Envelope {
	var result []*wire.Envelope
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return result
			}
			env, err := wire.Decode(data)
			if err == nil {
				result = append(result, env)
			}
		default:
			return result
		}
	}
}
