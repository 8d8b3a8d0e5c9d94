package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HeartbeatConfig tunes the liveness sweep. Interval is the sweep period,
// Stagger the pause between ping batches inside one sweep, PongTimeout the
// bounded wait for each pong. Interval <= 0 disables the heartbeat.
type HeartbeatConfig struct {
	Interval    time.Duration
	Stagger     time.Duration
	BatchSize   int
	PongTimeout time.Duration
}

func (cfg HeartbeatConfig) withDefaults() HeartbeatConfig {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	return cfg
}

// heartbeat pings connections in small staggered batches instead of all at
// once, spreading the control-frame writes across the sweep window.
type heartbeat struct {
	reg *Registry
	cfg HeartbeatConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	warned   bool
}

func newHeartbeat(reg *Registry, cfg HeartbeatConfig) *heartbeat {
	return &heartbeat{
		reg:    reg,
		cfg:    cfg.withDefaults(),
		stopCh: make(chan struct{}),
	}
}

func (h *heartbeat) start() {
	if h.cfg.Interval <= 0 {
		return
	}
	go h.loop()
}

func (h *heartbeat) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *heartbeat) loop() {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *heartbeat) sweep() {
	conns := h.reg.snapshotConnections()
	if len(conns) == 0 {
		return
	}

	batches := (len(conns) + h.cfg.BatchSize - 1) / h.cfg.BatchSize
	if !h.warned {
		// One sweep must fit inside the interval, or sweeps pile up.
		estimate := time.Duration(batches-1)*h.cfg.Stagger + h.cfg.PongTimeout
		if estimate > h.cfg.Interval {
			h.reg.logger.Warn().
				Dur("estimated_sweep", estimate).
				Dur("interval", h.cfg.Interval).
				Int("connections", len(conns)).
				Msg("heartbeat sweep cannot finish before the next begins; raise the interval or batch size")
			h.warned = true
		}
	}

	for i, conn := range conns {
		if i > 0 && i%h.cfg.BatchSize == 0 {
			select {
			case <-h.stopCh:
				return
			case <-time.After(h.cfg.Stagger):
			}
		}
		conn.ping(h.cfg.PongTimeout)
	}
}

// ping sends one liveness probe. A connection that never answered the
// previous probe, or whose control-frame write fails, is forcibly
// terminated rather than left half-dead holding resources.
func (c *Connection) ping(pongTimeout time.Duration) {
	if !c.IsAlive() {
		return
	}

	c.hbMu.Lock()
	if c.awaitingPong {
		c.hbMu.Unlock()
		c.terminateUnresponsive("no pong since previous ping")
		return
	}
	c.awaitingPong = true
	c.hbMu.Unlock()

	if err := c.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		c.logger.Warn().Err(err).Msg("ping write failed")
		c.Destroy()
		return
	}

	c.hbMu.Lock()
	if c.awaitingPong && c.pongTimer == nil {
		c.pongTimer = time.AfterFunc(pongTimeout, func() {
			c.terminateUnresponsive("pong timeout")
		})
	}
	c.hbMu.Unlock()
}

// handlePong clears the pending probe. Timer double-clear is safe: Stop on
// an already-fired or already-stopped timer is a no-op.
func (c *Connection) handlePong() {
	c.hbMu.Lock()
	c.awaitingPong = false
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	c.hbMu.Unlock()

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) terminateUnresponsive(reason string) {
	c.logger.Warn().Str("reason", reason).Msg("terminating unresponsive connection")
	if m := c.ns.registry.metrics; m != nil {
		m.HeartbeatTimeouts.Inc()
	}
	c.Destroy()
}
