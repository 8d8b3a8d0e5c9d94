package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/roomcast/internal/wire"
)

// errRoomClosed tells JoinRoom it raced with empty-room teardown and must
// retry against a fresh room record.
var errRoomClosed = errors.New("room closed")

// errConnClosed rejects joins on a destroyed connection. Destroyed is a
// terminal state: a dead member must never re-enter a room.
var errConnClosed = errors.New("connection destroyed")

// Room is one named group of connections inside a namespace. It holds only
// the locally attached members; remote members reach it through the broker
// topic, which the room subscribes to lazily while it has local occupancy.
type Room struct {
	ns         *Namespace
	name       string
	topic      string
	persistent bool
	createdAt  time.Time
	logger     zerolog.Logger

	mu         sync.Mutex
	members    map[string]*Connection
	subscribed bool
	closed     bool
}

func newRoom(ns *Namespace, name string, persistent bool) *Room {
	return &Room{
		ns:         ns,
		name:       name,
		topic:      ns.registry.topicFor(ns.path, name),
		persistent: persistent,
		createdAt:  time.Now(),
		logger: ns.logger.With().
			Str("room", name).
			Logger(),
		members: make(map[string]*Connection),
	}
}

// Name returns the room name (unique within its namespace).
func (r *Room) Name() string { return r.name }

// Topic returns the broker topic this room's traffic fans out on.
func (r *Room) Topic() string { return r.topic }

// Persistent reports whether the room survives with zero local members.
func (r *Room) Persistent() bool { return r.persistent }

// MemberCount returns the number of locally attached connections.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Subscribed reports whether the room currently holds a broker
// subscription.
func (r *Room) Subscribed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed
}

// Add attaches a connection to the room. The first local member triggers
// the broker subscription, and the subscription completes before the
// member is registered so no message can land in the gap. A subscribe
// failure aborts the join: a member that never receives broadcasts is
// worse than a failed join.
func (r *Room) Add(ctx context.Context, conn *Connection) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errRoomClosed
	}
	if _, ok := r.members[conn.id]; ok {
		r.mu.Unlock()
		return nil
	}
	if len(r.members) == 0 && !r.subscribed {
		if err := r.ns.registry.broker.Subscribe(ctx, r.topic, r.onBrokerMessage); err != nil {
			r.mu.Unlock()
			return fmt.Errorf("subscribe room %s: %w", r.topic, err)
		}
		r.subscribed = true
	}
	r.members[conn.id] = conn
	r.mu.Unlock()

	if !conn.addMembership(r.name) {
		// The connection was destroyed between room registration and the
		// membership record. Its teardown snapshot cannot see this room,
		// so undo here; Remove also releases the subscription if this
		// member was the only one.
		r.Remove(ctx, conn)
		return errConnClosed
	}

	if adapter := r.ns.registry.state; adapter != nil {
		if err := adapter.AddMember(ctx, r.ns.path, r.name, conn.id); err != nil {
			r.logger.Warn().Err(err).Str("connID", conn.id).Msg("state adapter add member")
		}
	}
	return nil
}

// Remove detaches a connection. Removing a non-member is a no-op. When the
// last local member leaves a non-persistent room, the room unsubscribes
// from its topic (errors logged only; cleanup must proceed) and asks the
// namespace to drop the record.
func (r *Room) Remove(ctx context.Context, conn *Connection) {
	r.mu.Lock()
	if _, ok := r.members[conn.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.members, conn.id)
	empty := len(r.members) == 0
	r.mu.Unlock()

	conn.removeMembership(r.name)

	if adapter := r.ns.registry.state; adapter != nil {
		if err := adapter.RemoveMember(ctx, r.ns.path, r.name, conn.id); err != nil {
			r.logger.Warn().Err(err).Str("connID", conn.id).Msg("state adapter remove member")
		}
	}

	if empty && !r.persistent {
		r.ns.removeRoomIfEmpty(r)
	}
}

// Broadcast stamps the envelope with this server's ID and the excluded
// connection ID, publishes to the broker for other processes, and delivers
// immediately to local members. Local delivery never waits on the broker
// round trip; the origin-server stamp makes the eventual echo a no-op.
func (r *Room) Broadcast(ctx context.Context, env *wire.Envelope, excludeConnID string) error {
	env.OriginServerID = r.ns.registry.serverID
	env.SenderID = excludeConnID
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("broadcast to %s: %w", r.topic, err)
	}

	pubErr := r.ns.registry.broker.Publish(ctx, r.topic, data)
	if pubErr != nil {
		r.logger.Warn().Err(pubErr).Msg("broker publish failed, delivering locally only")
	} else if m := r.ns.registry.metrics; m != nil {
		m.MessagesPublished.Inc()
	}

	r.deliverLocal(env, excludeConnID)
	return pubErr
}

// Dispatch delivers a broker-received envelope to local members. Envelopes
// stamped with this server's own ID already went out through Broadcast's
// local delivery and are skipped entirely; otherwise every local member
// except the originating connection receives a copy.
func (r *Room) Dispatch(env *wire.Envelope) {
	if env.OriginServerID == r.ns.registry.serverID {
		return
	}
	r.deliverLocal(env, env.SenderID)
}

func (r *Room) deliverLocal(env *wire.Envelope, excludeConnID string) {
	r.mu.Lock()
	targets := make([]*Connection, 0, len(r.members))
	for id, member := range r.members {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, member)
	}
	r.mu.Unlock()

	for _, member := range targets {
		member.Send(env)
		if m := r.ns.registry.metrics; m != nil {
			m.MessagesDelivered.Inc()
		}
	}
}

func (r *Room) onBrokerMessage(topic string, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed broker message")
		return
	}
	r.Dispatch(env)
}

// close marks the room dead and releases its subscription. Caller holds
// namespace and room ordering guarantees; see Namespace.removeRoomIfEmpty.
func (r *Room) close() {
	r.closed = true
	if r.subscribed {
		if err := r.ns.registry.broker.Unsubscribe(r.topic); err != nil {
			r.logger.Warn().Err(err).Msg("unsubscribe on room teardown")
		}
		r.subscribed = false
	}
	r.members = make(map[string]*Connection)
}
