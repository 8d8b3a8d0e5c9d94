package hub

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/roomcast/internal/broker"
)

func TestPingTerminatesAfterPongTimeout(t *testing.T) {
	reg := newTestRegistry(nil)
	ns := reg.Of("/chat")
	c, ft := newTestConn(reg, "/chat")
	require.NoError(t, c.Join("lobby"))

	c.ping(20 * time.Millisecond)
	assert.Equal(t, 1, ft.pingCount())
	assert.True(t, c.IsAlive())

	require.Eventually(t, func() bool { return !c.IsAlive() },
		time.Second, 5*time.Millisecond,
		"connection should be destroyed once the pong deadline passes")

	_, ok := ns.Room("lobby")
	assert.False(t, ok, "terminated connection must be removed from its rooms")
	_, tracked := reg.Connection(c.ID())
	assert.False(t, tracked)
}

func TestPongCancelsTermination(t *testing.T) {
	reg := newTestRegistry(nil)
	c, _ := newTestConn(reg, "/chat")

	c.ping(30 * time.Millisecond)
	c.handlePong()

	time.Sleep(60 * time.Millisecond)
	assert.True(t, c.IsAlive(), "a pong within the window must keep the connection")
}

func TestSecondPingWithoutPongTerminates(t *testing.T) {
	reg := newTestRegistry(nil)
	c, _ := newTestConn(reg, "/chat")

	// Long timeout so the timer never fires during the test; the second
	// probe finds the first still unanswered and terminates directly.
	c.ping(time.Minute)
	require.True(t, c.IsAlive())
	c.ping(time.Minute)
	assert.False(t, c.IsAlive())
}

func TestPingWriteFailureDestroysConnection(t *testing.T) {
	reg := newTestRegistry(nil)
	c, ft := newTestConn(reg, "/chat")
	ft.failPings = true

	c.ping(time.Minute)
	assert.False(t, c.IsAlive())
}

func TestPingSkipsDeadConnection(t *testing.T) {
	reg := newTestRegistry(nil)
	c, ft := newTestConn(reg, "/chat")
	c.Destroy()

	c.ping(time.Minute)
	assert.Equal(t, 0, ft.pingCount())
}

func TestHeartbeatSweepCoversAllConnections(t *testing.T) {
	reg := newTestRegistry(nil)
	var transports []*fakeTransport
	for i := 0; i < 5; i++ {
		_, ft := newTestConn(reg, "/chat")
		transports = append(transports, ft)
	}

	hb := newHeartbeat(reg, HeartbeatConfig{
		Interval:    time.Hour,
		Stagger:     time.Millisecond,
		BatchSize:   2,
		PongTimeout: time.Minute,
	})
	hb.sweep()

	for i, ft := range transports {
		assert.Equal(t, 1, ft.pingCount(), "connection %d", i)
	}
}

func TestHeartbeatLoopTerminatesSilentConnections(t *testing.T) {
	reg := newTestRegistry(nil)
	c, _ := newTestConn(reg, "/chat")

	hb := newHeartbeat(reg, HeartbeatConfig{
		Interval:    15 * time.Millisecond,
		Stagger:     time.Millisecond,
		BatchSize:   8,
		PongTimeout: 10 * time.Millisecond,
	})
	hb.start()
	defer hb.stop()

	require.Eventually(t, func() bool { return !c.IsAlive() },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, reg.ConnectionCount())
}

func TestSweepOverrunWarnsOnce(t *testing.T) {
	var buf bytes.Buffer
	reg := New(Options{
		Logger: zerolog.New(&buf),
		Broker: broker.NewMemory(),
	})
	ns := reg.Of("/chat")

	var conns []*Connection
	for i := 0; i < 3; i++ {
		c := newConnection(ns, newFakeTransport(), zerolog.Nop(), 8)
		reg.addConnection(c)
		conns = append(conns, c)
	}
	defer func() {
		for _, c := range conns {
			c.Destroy()
		}
	}()

	// Three one-connection batches: estimated sweep is
	// 2*Stagger + PongTimeout, far beyond the interval.
	hb := newHeartbeat(reg, HeartbeatConfig{
		Interval:    50 * time.Millisecond,
		Stagger:     time.Millisecond,
		BatchSize:   1,
		PongTimeout: time.Minute,
	})
	hb.sweep()
	assert.Contains(t, buf.String(), "heartbeat sweep cannot finish")

	// The warning fires once, not per sweep.
	hb.sweep()
	assert.Equal(t, 1, strings.Count(buf.String(), "heartbeat sweep cannot finish"))
}

func TestSweepWithinIntervalDoesNotWarn(t *testing.T) {
	var buf bytes.Buffer
	reg := New(Options{
		Logger: zerolog.New(&buf),
		Broker: broker.NewMemory(),
	})
	ns := reg.Of("/chat")
	c := newConnection(ns, newFakeTransport(), zerolog.Nop(), 8)
	reg.addConnection(c)
	defer c.Destroy()

	hb := newHeartbeat(reg, HeartbeatConfig{
		Interval:    time.Hour,
		Stagger:     time.Millisecond,
		BatchSize:   64,
		PongTimeout: time.Second,
	})
	hb.sweep()
	assert.NotContains(t, buf.String(), "heartbeat sweep cannot finish")
}

func TestHeartbeatDisabledWithoutInterval(t *testing.T) {
	reg := newTestRegistry(nil)
	c, ft := newTestConn(reg, "/chat")

	hb := newHeartbeat(reg, HeartbeatConfig{})
	hb.start()
	defer hb.stop()

	time.Sleep(30 * time.Millisecond)
	assert.True(t, c.IsAlive())
	assert.Equal(t, 0, ft.pingCount())
}
