package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/roomcast/internal/wire"
)

// Transport is the subset of the websocket connection the hub needs.
// *websocket.Conn satisfies it; tests substitute a fake.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// User is the authenticated principal attached to a connection, nil until
// authentication runs.
type User struct {
	ID   string
	Name string
}

// EventHandler is invoked for every inbound envelope whose event name it
// was registered under.
type EventHandler func(c *Connection, env *wire.Envelope)

const writeWait = 10 * time.Second

// Connection wraps one physical socket. It belongs to exactly one
// namespace for its lifetime; its room memberships are always a subset of
// that namespace's rooms.
type Connection struct {
	id        string
	ns        *Namespace
	transport Transport
	logger    zerolog.Logger

	// segment is the trailing dynamic path segment for prefix namespaces,
	// empty otherwise.
	segment string

	send chan []byte

	mu           sync.Mutex
	alive        bool
	user         *User
	connectedAt  time.Time
	lastActivity time.Time
	rooms        map[string]struct{}
	handlers     map[string][]EventHandler

	inbound Chain

	hbMu         sync.Mutex
	awaitingPong bool
	pongTimer    *time.Timer

	destroyOnce sync.Once
	done        chan struct{}
}

func newConnection(ns *Namespace, t Transport, logger zerolog.Logger, sendBuffer int) *Connection {
	id := uuid.NewString()
	now := time.Now()
	return &Connection{
		id:           id,
		ns:           ns,
		transport:    t,
		logger:       logger.With().Str("connID", id).Str("namespace", ns.path).Logger(),
		send:         make(chan []byte, sendBuffer),
		alive:        true,
		connectedAt:  now,
		lastActivity: now,
		rooms:        make(map[string]struct{}),
		handlers:     make(map[string][]EventHandler),
		done:         make(chan struct{}),
	}
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// Namespace returns the owning namespace.
func (c *Connection) Namespace() *Namespace { return c.ns }

// PathSegment returns the dynamic trailing segment of the upgrade path for
// prefix namespaces ("" for exact namespaces).
func (c *Connection) PathSegment() string { return c.segment }

// IsAlive reports whether the connection has not been destroyed.
func (c *Connection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// User returns the authenticated user, nil before authentication.
func (c *Connection) User() *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// SetUser attaches the authenticated user reference.
func (c *Connection) SetUser(u *User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = u
}

// ConnectedAt returns the accept timestamp.
func (c *Connection) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// LastActivity returns the time of the most recent inbound message.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Rooms returns the names of the rooms this connection is a member of.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]string, 0, len(c.rooms))
	for name := range c.rooms {
		result = append(result, name)
	}
	return result
}

// InRoom reports membership in one room.
func (c *Connection) InRoom(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[name]
	return ok
}

// On registers a handler for an event name.
func (c *Connection) On(event string, h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// Off removes every handler for an event name.
func (c *Connection) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// UseInbound appends a middleware to the inbound message pipeline.
func (c *Connection) UseInbound(m Middleware) {
	c.inbound.Use(m)
}

// Join adds the connection to a room in its namespace, creating the room
// on first join. Joining a room the connection is already in is a no-op.
func (c *Connection) Join(room string) error {
	return c.ns.JoinRoom(room, c)
}

// Leave removes the connection from a room. Leaving a room the connection
// is not in is a no-op.
func (c *Connection) Leave(room string) {
	c.ns.LeaveRoom(room, c)
}

// Send serializes the envelope and queues it for the write pump. Writes to
// a destroyed connection or past a full buffer are dropped with a log
// line; broadcast loops must never be destabilized by one bad recipient.
func (c *Connection) Send(env *wire.Envelope) {
	data, err := env.Encode()
	if err != nil {
		c.logger.Error().Err(err).Str("event", env.Event).Msg("encode outbound envelope")
		return
	}
	c.sendRaw(data)
}

func (c *Connection) sendRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.alive {
		c.logger.Debug().Msg("dropping send to destroyed connection")
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn().Msg("send buffer full, dropping message")
		if m := c.ns.registry.metrics; m != nil {
			m.MessagesDropped.Inc()
		}
	}
}

// HandleInbound parses raw bytes, runs the inbound middleware pipeline and
// dispatches to registered event handlers. Malformed input is logged and
// dropped; it never kills the connection.
func (c *Connection) HandleInbound(raw []byte) {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	env, err := wire.Decode(raw)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed inbound message")
		if m := c.ns.registry.metrics; m != nil {
			m.MalformedMessages.Inc()
		}
		return
	}

	mwCtx := &Context{Conn: c, Envelope: env}
	accepted, err := c.inbound.Run(mwCtx)
	if err != nil {
		c.logger.Error().Err(err).Str("event", env.Event).Msg("inbound middleware misbehaved")
		return
	}
	if !accepted {
		c.logger.Debug().Str("event", env.Event).Msg("inbound message halted by middleware")
		return
	}

	c.mu.Lock()
	handlers := make([]EventHandler, len(c.handlers[env.Event]))
	copy(handlers, c.handlers[env.Event])
	c.mu.Unlock()

	for _, h := range handlers {
		h(c, env)
	}
}

// Destroy tears the connection down: removes it from every room, clears
// handler tables, unregisters it and closes the transport. It is safe to
// call any number of times; the destroyed state is terminal.
func (c *Connection) Destroy() {
	c.destroyOnce.Do(func() {
		c.mu.Lock()
		c.alive = false
		close(c.send)
		memberships := make([]string, 0, len(c.rooms))
		for name := range c.rooms {
			memberships = append(memberships, name)
		}
		c.handlers = make(map[string][]EventHandler)
		c.mu.Unlock()

		c.stopPongTimer()

		for _, room := range memberships {
			c.ns.LeaveRoom(room, c)
		}

		c.ns.registry.removeConnection(c)

		if err := c.transport.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("transport close")
		}
		close(c.done)
		c.logger.Info().Msg("connection destroyed")
	})
}

// Done is closed once the connection is fully destroyed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// addMembership records a room membership. It refuses on a destroyed
// connection: Destroy snapshots the membership set under the same mutex
// that flips alive, so a join either lands in the snapshot (and is torn
// down) or is refused here. There is no third interleaving.
func (c *Connection) addMembership(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

func (c *Connection) removeMembership(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

// readPump drives the connection until the transport reports close or
// error; both paths funnel into the same one-shot teardown.
func (c *Connection) readPump(readLimit int64) {
	defer c.Destroy()

	if readLimit > 0 {
		c.transport.SetReadLimit(readLimit)
	}
	for {
		_, data, err := c.transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("unexpected close")
			}
			return
		}
		c.HandleInbound(data)
	}
}

// writePump serializes all transport writes for this connection.
func (c *Connection) writePump() {
	defer c.Destroy()

	for data := range c.send {
		if err := c.transport.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			c.logger.Warn().Err(err).Msg("set write deadline")
			return
		}
		if err := c.transport.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Warn().Err(err).Msg("transport write failed")
			return
		}
	}
	// send channel closed by Destroy; best-effort close frame
	_ = c.transport.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (c *Connection) stopPongTimer() {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	c.awaitingPong = false
}
