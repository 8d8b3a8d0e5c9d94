package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/roomcast/internal/auth"
	"github.com/adred-codev/roomcast/internal/broker"
	"github.com/adred-codev/roomcast/internal/config"
	"github.com/adred-codev/roomcast/internal/hub"
	"github.com/adred-codev/roomcast/internal/limits"
	"github.com/adred-codev/roomcast/internal/logging"
	"github.com/adred-codev/roomcast/internal/metrics"
	"github.com/adred-codev/roomcast/internal/state"
	"github.com/adred-codev/roomcast/internal/wire"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	m := metrics.NewRegistry()

	b, err := buildBroker(cfg, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect broker")
	}
	adapter := buildState(cfg)

	opts := hub.Options{
		ServerID:       cfg.ServerID,
		Logger:         logger,
		Metrics:        m,
		Broker:         b,
		State:          adapter,
		SendBuffer:     cfg.SendBuffer,
		ReadLimit:      cfg.ReadLimit,
		MaxConnections: cfg.MaxConnections,
		Limiter:        limits.NewAcceptLimiter(cfg.AcceptRate, cfg.AcceptBurst),
		Heartbeat: hub.HeartbeatConfig{
			Interval:    cfg.HeartbeatInterval,
			Stagger:     cfg.HeartbeatStagger,
			BatchSize:   cfg.HeartbeatBatch,
			PongTimeout: cfg.PongTimeout,
		},
	}
	if cfg.JWTSecret != "" {
		opts.Verifier = auth.NewJWTVerifier(cfg.JWTSecret)
	}

	registry := hub.New(opts)
	for _, path := range cfg.NamespaceList() {
		ns := registry.Of(path)
		installRoomEvents(ns, logger)
	}
	registry.Start()

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      registry,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics shutdown")
		}
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("registry shutdown")
	}
	logger.Info().Msg("shut down cleanly")
}

func buildBroker(cfg *config.Config, logger zerolog.Logger, m *metrics.Registry) (broker.Broker, error) {
	switch cfg.Broker {
	case "nats":
		return broker.NewNATS(broker.NATSConfig{
			URL:             cfg.NATSURL,
			MaxReconnects:   cfg.NATSMaxReconnects,
			ReconnectWait:   cfg.NATSReconnectWait,
			ReconnectJitter: cfg.NATSReconnectJitter,
			PingInterval:    cfg.NATSPingInterval,
			MaxPingsOut:     cfg.NATSMaxPingsOut,
		}, logger, m)
	default:
		return broker.NewMemory(), nil
	}
}

func buildState(cfg *config.Config) state.Adapter {
	switch cfg.State {
	case "redis":
		return state.NewRedis(state.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return state.NewMemory()
	}
}

// roomRequest is the payload of the join/leave/send control events.
type roomRequest struct {
	Room    string          `json:"room"`
	Message json.RawMessage `json:"message,omitempty"`
	// Echo requests delivery of the sender's own room messages back to it.
	Echo bool `json:"echo,omitempty"`
}

// installRoomEvents wires the standard room control events onto every new
// connection in the namespace.
func installRoomEvents(ns *hub.Namespace, logger zerolog.Logger) {
	ns.OnConnection(func(c *hub.Connection) {
		c.On("room:join", func(c *hub.Connection, env *wire.Envelope) {
			var req roomRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil || req.Room == "" {
				logger.Warn().Err(err).Msg("bad room:join payload")
				return
			}
			if err := c.Join(req.Room); err != nil {
				logger.Warn().Err(err).Str("room", req.Room).Msg("join failed")
			}
		})

		c.On("room:leave", func(c *hub.Connection, env *wire.Envelope) {
			var req roomRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil || req.Room == "" {
				logger.Warn().Err(err).Msg("bad room:leave payload")
				return
			}
			c.Leave(req.Room)
		})

		c.On("room:send", func(c *hub.Connection, env *wire.Envelope) {
			var req roomRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil || req.Room == "" {
				logger.Warn().Err(err).Msg("bad room:send payload")
				return
			}
			if !c.InRoom(req.Room) {
				logger.Warn().Str("room", req.Room).Msg("send to room without membership")
				return
			}
			out := &wire.Envelope{Event: "room:message", Payload: req.Message}
			exclude := c.ID()
			if req.Echo {
				exclude = ""
			}
			ns.BroadcastToRoom(context.Background(), req.Room, out, exclude)
		})
	})
}
