package hub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/roomcast/internal/broker"
	"github.com/adred-codev/roomcast/internal/limits"
	"github.com/adred-codev/roomcast/internal/metrics"
	"github.com/adred-codev/roomcast/internal/state"
)

// AuthVerifier authenticates an upgrade request before acceptance. It is
// supplied by the hosting application; a nil verifier accepts everyone
// anonymously.
type AuthVerifier func(r *http.Request) (*User, error)

// Options configures a Registry. Zero values get sensible defaults; the
// Registry owns the broker and state adapter it is given and closes them
// on shutdown.
type Options struct {
	ServerID string
	Logger   zerolog.Logger
	Metrics  *metrics.Registry
	Broker   broker.Broker
	State    state.Adapter

	SendBuffer     int
	ReadLimit      int64
	MaxConnections int

	Heartbeat HeartbeatConfig
	Verifier  AuthVerifier
	Limiter   *limits.AcceptLimiter

	// CheckOrigin overrides the upgrader's origin policy. Defaults to
	// allowing all origins; the hosting application tightens this.
	CheckOrigin func(r *http.Request) bool
}

// Registry is the top-level server object: it owns every namespace, the
// global connection table, the broker, the shared state adapter and the
// upgrade dispatch logic.
type Registry struct {
	serverID string
	logger   zerolog.Logger
	metrics  *metrics.Registry
	broker   broker.Broker
	state    state.Adapter

	sendBuffer     int
	readLimit      int64
	maxConnections int

	upgrader websocket.Upgrader
	verifier AuthVerifier
	limiter  *limits.AcceptLimiter

	mu         sync.RWMutex
	namespaces map[string]*Namespace
	conns      map[string]*Connection

	heartbeat *heartbeat
}

// New builds a Registry. A missing broker defaults to the in-memory one; a
// missing server ID is generated.
func New(opts Options) *Registry {
	if opts.ServerID == "" {
		opts.ServerID = uuid.NewString()
	}
	if opts.Broker == nil {
		opts.Broker = broker.NewMemory()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}

	reg := &Registry{
		serverID:       opts.ServerID,
		logger:         opts.Logger.With().Str("serverID", opts.ServerID).Logger(),
		metrics:        opts.Metrics,
		broker:         opts.Broker,
		state:          opts.State,
		sendBuffer:     opts.SendBuffer,
		readLimit:      opts.ReadLimit,
		maxConnections: opts.MaxConnections,
		verifier:       opts.Verifier,
		limiter:        opts.Limiter,
		namespaces:     make(map[string]*Namespace),
		conns:          make(map[string]*Connection),
	}

	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	reg.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}

	reg.heartbeat = newHeartbeat(reg, opts.Heartbeat)
	return reg
}

// ServerID returns this process's identity for cross-process echo
// suppression.
func (reg *Registry) ServerID() string { return reg.serverID }

// Of returns the namespace for a path, creating it when absent. Paths
// ending in "/" register prefix namespaces that expect one trailing
// dynamic segment.
func (reg *Registry) Of(path string) *Namespace {
	if path == "" {
		path = "/"
	}
	prefix := len(path) > 1 && strings.HasSuffix(path, "/")

	reg.mu.RLock()
	ns, exists := reg.namespaces[path]
	reg.mu.RUnlock()
	if exists {
		return ns
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if ns, exists := reg.namespaces[path]; exists {
		return ns
	}
	ns = newNamespace(reg, path, prefix)
	reg.namespaces[path] = ns
	return ns
}

// resolve maps an upgrade path to its namespace: exact matches first, then
// prefix namespaces with one trailing dynamic segment. missingSegment is
// set when a prefix namespace matched but the segment is absent.
func (reg *Registry) resolve(path string) (ns *Namespace, segment string, missingSegment, ok bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if exact, exists := reg.namespaces[path]; exists && !exact.prefix {
		return exact, "", false, true
	}

	var best *Namespace
	for registered, candidate := range reg.namespaces {
		if !candidate.prefix {
			continue
		}
		if path == registered || path+"/" == registered {
			if best == nil || len(registered) > len(best.path) {
				best = candidate
				segment = ""
			}
			continue
		}
		if strings.HasPrefix(path, registered) {
			rest := path[len(registered):]
			if rest != "" && !strings.Contains(rest, "/") {
				if best == nil || len(registered) > len(best.path) {
					best = candidate
					segment = rest
				}
			}
		}
	}

	if best == nil {
		return nil, "", false, false
	}
	return best, segment, segment == "", true
}

// ServeHTTP runs the per-upgrade state machine: validate the upgrade
// header, resolve the namespace, authenticate, upgrade, run the
// namespace's middleware chain, then hand the connection to its pumps.
func (reg *Registry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		reg.rejected()
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	ns, segment, missingSegment, ok := reg.resolve(r.URL.Path)
	if !ok {
		reg.rejected()
		reg.logger.Warn().Str("path", r.URL.Path).Msg("upgrade to unknown namespace")
		http.Error(w, "unknown namespace", http.StatusNotFound)
		return
	}

	if !reg.limiter.Allow() {
		reg.rejected()
		http.Error(w, "connection rate limited", http.StatusServiceUnavailable)
		return
	}
	if reg.maxConnections > 0 && reg.ConnectionCount() >= reg.maxConnections {
		reg.rejected()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	var user *User
	if reg.verifier != nil {
		verified, err := reg.verifier(r)
		if err != nil {
			reg.rejected()
			reg.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("auth rejected upgrade")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		user = verified
	}

	wsConn, err := reg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		reg.rejected()
		reg.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if missingSegment {
		reg.closeRaw(wsConn, websocket.CloseNormalClosure, "namespace requires a trailing path segment")
		return
	}

	conn := newConnection(ns, wsConn, reg.logger, reg.sendBuffer)
	conn.user = user
	conn.segment = segment

	accepted, mwErr := ns.middleware.Run(&Context{Conn: conn, Request: r})
	if mwErr != nil {
		reg.rejected()
		reg.logger.Error().Err(mwErr).Msg("connection middleware misbehaved")
		reg.closeRaw(wsConn, websocket.CloseInternalServerErr, "middleware failure")
		return
	}
	if !accepted {
		reg.rejected()
		reg.logger.Info().Str("path", r.URL.Path).Msg("connection rejected by namespace middleware")
		reg.closeRaw(wsConn, websocket.ClosePolicyViolation, "rejected")
		return
	}

	reg.addConnection(conn)
	wsConn.SetPongHandler(func(string) error {
		conn.handlePong()
		return nil
	})

	ns.fireConnect(conn)
	conn.logger.Info().Msg("connection established")

	go conn.writePump()
	go conn.readPump(reg.readLimit)
}

func (reg *Registry) closeRaw(wsConn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = wsConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = wsConn.Close()
}

func (reg *Registry) rejected() {
	if reg.metrics != nil {
		reg.metrics.ConnectionsRejected.Inc()
	}
}

func (reg *Registry) addConnection(c *Connection) {
	reg.mu.Lock()
	reg.conns[c.id] = c
	reg.mu.Unlock()

	if reg.metrics != nil {
		reg.metrics.ConnectionsAccepted.Inc()
		reg.metrics.ActiveConnections.Inc()
	}
}

func (reg *Registry) removeConnection(c *Connection) {
	reg.mu.Lock()
	_, tracked := reg.conns[c.id]
	delete(reg.conns, c.id)
	reg.mu.Unlock()

	if tracked && reg.metrics != nil {
		reg.metrics.ActiveConnections.Dec()
	}
}

// Connection looks up a live connection by ID.
func (reg *Registry) Connection(id string) (*Connection, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	c, ok := reg.conns[id]
	return c, ok
}

// ConnectionCount returns the number of tracked connections.
func (reg *Registry) ConnectionCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.conns)
}

func (reg *Registry) snapshotConnections() []*Connection {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	result := make([]*Connection, 0, len(reg.conns))
	for _, c := range reg.conns {
		result = append(result, c)
	}
	return result
}

func (reg *Registry) connectionsIn(ns *Namespace) []*Connection {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	result := make([]*Connection, 0, len(reg.conns))
	for _, c := range reg.conns {
		if c.ns == ns {
			result = append(result, c)
		}
	}
	return result
}

// topicFor derives the broker topic for a room. Dots, colons and the
// escape character are percent-encoded in the namespace token before
// slashes become dots, so distinct (namespace, room) pairs can never map
// to the same topic and the result stays a legal NATS subject.
func (reg *Registry) topicFor(nsPath, room string) string {
	token := strings.Trim(nsPath, "/")
	token = strings.ReplaceAll(token, "%", "%25")
	token = strings.ReplaceAll(token, ".", "%2E")
	token = strings.ReplaceAll(token, ":", "%3A")
	token = strings.ReplaceAll(token, "/", ".")
	if token == "" {
		token = "root"
	}
	return token + ":" + room
}

// Start launches background workers (the heartbeat sweep).
func (reg *Registry) Start() {
	reg.heartbeat.start()
}

// Shutdown stops the heartbeat, destroys every connection and closes the
// broker and state adapter.
func (reg *Registry) Shutdown(ctx context.Context) error {
	reg.heartbeat.stop()

	for _, c := range reg.snapshotConnections() {
		c.Destroy()
	}

	if err := reg.broker.Close(); err != nil {
		reg.logger.Warn().Err(err).Msg("broker close")
	}
	if reg.state != nil {
		if err := reg.state.Close(); err != nil {
			reg.logger.Warn().Err(err).Msg("state adapter close")
		}
	}
	reg.logger.Info().Msg("registry shut down")
	return nil
}
