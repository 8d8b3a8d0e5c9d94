package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/roomcast/internal/metrics"
)

// NATSConfig controls the backplane connection.
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	PingInterval    time.Duration
	MaxPingsOut     int
}

// NATS is a Broker backed by a NATS connection. Room topics map directly to
// NATS subjects.
type NATS struct {
	conn    *nats.Conn
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func NewNATS(cfg NATSConfig, logger zerolog.Logger, m *metrics.Registry) (*NATS, error) {
	n := &NATS{
		logger:  logger.With().Str("component", "nats").Logger(),
		metrics: m,
		subs:    make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.ConnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to NATS")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			n.logger.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
			if n.metrics != nil {
				n.metrics.BrokerReconnects.Inc()
			}
		}),
		nats.ErrorHandler(func(c *nats.Conn, sub *nats.Subscription, err error) {
			n.logger.Error().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	n.conn = conn

	return n, nil
}

func (n *NATS) Publish(ctx context.Context, topic string, data []byte) error {
	if err := n.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, topic string, h Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.subs[topic]; exists {
		return nil
	}

	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	n.subs[topic] = sub
	n.logger.Debug().Str("topic", topic).Msg("subscribed")
	return nil
}

func (n *NATS) Unsubscribe(topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub, exists := n.subs[topic]
	if !exists {
		return nil
	}
	delete(n.subs, topic)

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe from %s: %w", topic, err)
	}
	n.logger.Debug().Str("topic", topic).Msg("unsubscribed")
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for topic, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Warn().Err(err).Str("topic", topic).Msg("unsubscribe during close")
		}
	}
	n.subs = make(map[string]*nats.Subscription)

	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}
