package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/roomcast/internal/wire"
)

// Namespace is a top-level partition of the connection space, identified
// by a path-like string. Every room it contains is exclusively its own;
// rooms are never shared across namespaces even when names collide.
type Namespace struct {
	registry *Registry
	path     string
	// prefix namespaces are registered with a trailing "/" and expect one
	// dynamic trailing segment on the upgrade path.
	prefix bool
	logger zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room

	middleware Chain

	connMu    sync.RWMutex
	onConnect []func(*Connection)
}

func newNamespace(reg *Registry, path string, prefix bool) *Namespace {
	return &Namespace{
		registry: reg,
		path:     path,
		prefix:   prefix,
		logger:   reg.logger.With().Str("namespace", path).Logger(),
		rooms:    make(map[string]*Room),
	}
}

// Path returns the namespace's identity path.
func (ns *Namespace) Path() string { return ns.path }

// Use appends a middleware to the connection-acceptance chain. A
// middleware that does not call next rejects the connection; the registry
// then closes the transport with a policy-violation code.
func (ns *Namespace) Use(m Middleware) {
	ns.middleware.Use(m)
}

// OnConnection registers a callback fired after a connection passes the
// middleware chain and is tracked.
func (ns *Namespace) OnConnection(fn func(*Connection)) {
	ns.connMu.Lock()
	defer ns.connMu.Unlock()
	ns.onConnect = append(ns.onConnect, fn)
}

// CreateRoom returns the room with the given name, creating it when
// absent. Creation is getOrCreate: a second call with a different
// persistent flag returns the existing room unchanged.
func (ns *Namespace) CreateRoom(name string, persistent bool) *Room {
	ns.mu.RLock()
	room, exists := ns.rooms[name]
	ns.mu.RUnlock()
	if exists {
		return room
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if room, exists := ns.rooms[name]; exists {
		return room
	}
	room = newRoom(ns, name, persistent)
	ns.rooms[name] = room
	if m := ns.registry.metrics; m != nil {
		m.ActiveRooms.Inc()
	}
	ns.logger.Debug().Str("room", name).Bool("persistent", persistent).Msg("room created")
	return room
}

// Room looks up an existing room.
func (ns *Namespace) Room(name string) (*Room, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	room, ok := ns.rooms[name]
	return room, ok
}

// RoomNames returns the names of all current rooms.
func (ns *Namespace) RoomNames() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	names := make([]string, 0, len(ns.rooms))
	for name := range ns.rooms {
		names = append(names, name)
	}
	return names
}

// JoinRoom adds a connection to a room, creating the room on first join.
// A join that races with empty-room teardown retries against the fresh
// room record; a join on a destroyed connection is rejected before any
// room record exists.
func (ns *Namespace) JoinRoom(name string, conn *Connection) error {
	ctx := context.Background()
	for {
		if !conn.IsAlive() {
			return errConnClosed
		}
		room := ns.CreateRoom(name, false)
		err := room.Add(ctx, conn)
		if errors.Is(err, errRoomClosed) {
			continue
		}
		return err
	}
}

// LeaveRoom removes a connection from a room. Unknown rooms and
// non-members are no-ops.
func (ns *Namespace) LeaveRoom(name string, conn *Connection) {
	room, ok := ns.Room(name)
	if !ok {
		return
	}
	room.Remove(context.Background(), conn)
}

// BroadcastToRoom publishes an envelope to a room. Broadcasting to a room
// nobody joined is a common harmless race, not an error: it logs a warning
// and returns.
func (ns *Namespace) BroadcastToRoom(ctx context.Context, name string, env *wire.Envelope, excludeConnID string) {
	room, ok := ns.Room(name)
	if !ok {
		ns.logger.Warn().Str("room", name).Str("event", env.Event).Msg("broadcast to unknown room dropped")
		return
	}
	if err := room.Broadcast(ctx, env, excludeConnID); err != nil {
		ns.logger.Warn().Err(err).Str("room", name).Msg("room broadcast")
	}
}

// BroadcastAll delivers an envelope to every connection in this namespace
// directly, bypassing rooms and the broker.
func (ns *Namespace) BroadcastAll(env *wire.Envelope, excludeConnIDs ...string) {
	excluded := make(map[string]struct{}, len(excludeConnIDs))
	for _, id := range excludeConnIDs {
		excluded[id] = struct{}{}
	}

	for _, conn := range ns.registry.connectionsIn(ns) {
		if _, skip := excluded[conn.id]; skip {
			continue
		}
		conn.Send(env)
		if m := ns.registry.metrics; m != nil {
			m.MessagesDelivered.Inc()
		}
	}
}

// removeRoomIfEmpty drops a room record once its last local member left.
// The emptiness re-check under both locks closes the race with a
// concurrent join; a join that grabbed the stale record sees the closed
// flag and retries. Lock order is namespace then room, everywhere.
func (ns *Namespace) removeRoomIfEmpty(r *Room) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	current, ok := ns.rooms[r.name]
	if !ok || current != r {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 || r.persistent || r.closed {
		return
	}
	r.close()
	delete(ns.rooms, r.name)
	if m := ns.registry.metrics; m != nil {
		m.ActiveRooms.Dec()
	}
	ns.logger.Debug().Str("room", r.name).Msg("empty room destroyed")
}

func (ns *Namespace) fireConnect(conn *Connection) {
	ns.connMu.RLock()
	callbacks := make([]func(*Connection), len(ns.onConnect))
	copy(callbacks, ns.onConnect)
	ns.connMu.RUnlock()

	for _, fn := range callbacks {
		fn(conn)
	}
}
