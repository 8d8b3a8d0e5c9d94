package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/roomcast/internal/wire"
)

func TestMembershipInvariant(t *testing.T) {
	reg := newTestRegistry(nil)
	ns := reg.Of("/chat")
	c, _ := newTestConn(reg, "/chat")

	require.NoError(t, c.Join("lobby"))
	require.NoError(t, c.Join("games"))

	// Connection-side and room-side membership agree after every join.
	for _, name := range []string{"lobby", "games"} {
		assert.True(t, c.InRoom(name))
		room, ok := ns.Room(name)
		require.True(t, ok)
		assert.Equal(t, 1, room.MemberCount())
	}

	c.Leave("lobby")
	assert.False(t, c.InRoom("lobby"))
	_, ok := ns.Room("lobby")
	assert.False(t, ok, "empty non-persistent room should be gone")
	assert.True(t, c.InRoom("games"))

	// After destroy the membership set is empty and the connection is
	// absent from every room it had joined.
	c.Destroy()
	assert.Empty(t, c.Rooms())
	_, ok = ns.Room("games")
	assert.False(t, ok)
	_, tracked := reg.Connection(c.ID())
	assert.False(t, tracked)
}

func TestJoinAndLeaveAreIdempotent(t *testing.T) {
	reg := newTestRegistry(nil)
	ns := reg.Of("/chat")
	c, _ := newTestConn(reg, "/chat")

	require.NoError(t, c.Join("lobby"))
	require.NoError(t, c.Join("lobby"))
	room, _ := ns.Room("lobby")
	assert.Equal(t, 1, room.MemberCount())

	c.Leave("lobby")
	c.Leave("lobby")
	c.Leave("never-joined")
	assert.False(t, c.InRoom("lobby"))
}

func TestDestroyIsIdempotent(t *testing.T) {
	reg := newTestRegistry(nil)
	c, ft := newTestConn(reg, "/chat")
	require.NoError(t, c.Join("lobby"))

	c.Destroy()
	require.False(t, c.IsAlive())

	// Second call must not panic and leaves the same terminal state.
	c.Destroy()
	assert.False(t, c.IsAlive())
	assert.Empty(t, c.Rooms())
	assert.True(t, ft.closed)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done channel should be closed after destroy")
	}
}

func TestMalformedInboundIsDropped(t *testing.T) {
	reg := newTestRegistry(nil)
	c, _ := newTestConn(reg, "/chat")

	handled := 0
	c.On("msg", func(c *Connection, env *wire.Envelope) { handled++ })

	c.HandleInbound([]byte("{not json"))
	c.HandleInbound([]byte(`{"payload":"no event"}`))
	c.HandleInbound([]byte(``))

	assert.True(t, c.IsAlive(), "malformed input must never kill the connection")
	assert.Equal(t, 0, handled)
}

func TestInboundDispatchesToHandlersInOrder(t *testing.T) {
	reg := newTestRegistry(nil)
	c, _ := newTestConn(reg, "/chat")

	var calls []string
	c.On("msg", func(c *Connection, env *wire.Envelope) { calls = append(calls, "first") })
	c.On("msg", func(c *Connection, env *wire.Envelope) { calls = append(calls, "second") })
	c.On("other", func(c *Connection, env *wire.Envelope) { calls = append(calls, "other") })

	c.HandleInbound([]byte(`{"event":"msg","payload":{"text":"hi"},"timestamp":1}`))
	assert.Equal(t, []string{"first", "second"}, calls)

	c.Off("msg")
	c.HandleInbound([]byte(`{"event":"msg","timestamp":2}`))
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestInboundMiddlewareHaltsDispatch(t *testing.T) {
	reg := newTestRegistry(nil)
	c, _ := newTestConn(reg, "/chat")

	handled := 0
	c.On("blocked", func(c *Connection, env *wire.Envelope) { handled++ })
	c.UseInbound(func(mc *Context, next func()) {
		if mc.Envelope.Event != "blocked" {
			next()
		}
	})
	c.On("ok", func(c *Connection, env *wire.Envelope) { handled += 10 })

	c.HandleInbound([]byte(`{"event":"blocked","timestamp":1}`))
	c.HandleInbound([]byte(`{"event":"ok","timestamp":2}`))
	assert.Equal(t, 10, handled)
}

func TestInboundUpdatesLastActivity(t *testing.T) {
	reg := newTestRegistry(nil)
	c, _ := newTestConn(reg, "/chat")

	before := c.LastActivity()
	time.Sleep(5 * time.Millisecond)
	c.HandleInbound([]byte(`{"event":"msg","timestamp":1}`))
	assert.True(t, c.LastActivity().After(before))
}

func TestSendAfterDestroyIsDropped(t *testing.T) {
	reg := newTestRegistry(nil)
	c, _ := newTestConn(reg, "/chat")
	c.Destroy()

	env, err := wire.NewEnvelope("msg", "late")
	require.NoError(t, err)
	// Must not panic on the closed channel.
	c.Send(env)
}

func TestSendBufferOverflowDropsMessages(t *testing.T) {
	reg := newTestRegistry(nil)
	ns := reg.Of("/chat")
	ft := newFakeTransport()
	c := newConnection(ns, ft, reg.logger, 2)
	reg.addConnection(c)

	env, err := wire.NewEnvelope("msg", "flood")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		c.Send(env)
	}
	assert.Len(t, drainEnvelopes(c), 2)
	assert.True(t, c.IsAlive())
}
