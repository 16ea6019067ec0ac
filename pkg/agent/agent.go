// Package agent is the runtime every cmdq agent builds on: a resilient NATS
// connection, registration, heartbeats, counters and config reload hooks.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

// DefaultHeartbeatInterval is used when Config.HeartbeatInterval is zero.
const DefaultHeartbeatInterval = 15 * time.Second

// Config holds connection and identity options for an agent.
type Config struct {
	NATSUrl  string
	NATSOpts []nats.Option

	Name         string
	Version      string
	Identity     string // principal the agent's tokens assert
	Capabilities []string

	HeartbeatInterval time.Duration
}

// Agent is the base for all cmdq agents.
type Agent struct {
	Name         string
	Version      string
	Identity     string
	Capabilities []string

	nc       *nats.Conn
	js       jetstream.JetStream
	interval time.Duration
	logger   zerolog.Logger
	cancel   context.CancelFunc

	processed   atomic.Int64
	errors      atomic.Int64
	inFlight    atomic.Int64
	lastCommand atomic.Value // stores time.Time
}

// New creates an Agent, connects to NATS, registers, and starts heartbeating.
func New(cfg Config, logger zerolog.Logger) (*Agent, error) {
	agentLogger := logger.With().Str("agent", cfg.Name).Logger()

	// Resilience: infinite reconnect with logging on state changes.
	resilienceOpts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				agentLogger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			agentLogger.Info().Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			agentLogger.Warn().Msg("NATS connection closed")
		}),
	}

	opts := append(resilienceOpts, cfg.NATSOpts...)
	nc, err := nats.Connect(cfg.NATSUrl, opts...)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	a := &Agent{
		Name:         cfg.Name,
		Version:      cfg.Version,
		Identity:     cfg.Identity,
		Capabilities: cfg.Capabilities,
		nc:           nc,
		js:           js,
		interval:     interval,
		logger:       agentLogger,
	}
	a.lastCommand.Store(time.Time{})

	if err := a.register(); err != nil {
		nc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.heartbeatLoop(ctx)

	return a, nil
}

func (a *Agent) register() error {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	reg := protocol.Registration{
		Name:         a.Name,
		Version:      a.Version,
		Identity:     a.Identity,
		Capabilities: caps,
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return a.nc.Publish(protocol.SubjectRegistry, data)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	// Send an initial heartbeat immediately.
	a.sendHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat()
		}
	}
}

func (a *Agent) sendHeartbeat() {
	hb := protocol.Heartbeat{
		Name:              a.Name,
		Identity:          a.Identity,
		Status:            "alive",
		LastCommand:       a.lastCommand.Load().(time.Time),
		CommandsProcessed: a.processed.Load(),
		Errors:            a.errors.Load(),
		InFlight:          a.inFlight.Load(),
	}
	data, _ := json.Marshal(hb)
	if err := a.nc.Publish(protocol.SubjectHeartbeat(a.Name), data); err != nil {
		a.logger.Error().Err(err).Msg("failed to send heartbeat")
	}
}

// Conn returns the underlying NATS connection for custom subscriptions.
func (a *Agent) Conn() *nats.Conn { return a.nc }

// JetStream returns the JetStream handle on the agent's connection.
func (a *Agent) JetStream() jetstream.JetStream { return a.js }

// Begin marks a command as in flight. The returned func ends it.
func (a *Agent) Begin() (end func()) {
	a.inFlight.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			a.inFlight.Add(-1)
		}
	}
}

// RecordCommand increments counters after a command's result is delivered.
func (a *Agent) RecordCommand() {
	a.processed.Add(1)
	a.lastCommand.Store(time.Now())
}

// RecordError increments the error counter.
func (a *Agent) RecordError() {
	a.errors.Add(1)
}

// Stats returns the processed, error and in-flight counters.
func (a *Agent) Stats() (processed, errors, inFlight int64) {
	return a.processed.Load(), a.errors.Load(), a.inFlight.Load()
}

// OnConfigReload registers a callback invoked when a config reload message
// arrives via NATS (broadcast or agent-targeted). Must be called after New().
func (a *Agent) OnConfigReload(fn func()) error {
	if _, err := a.nc.Subscribe(protocol.SubjectConfigReload, func(_ *nats.Msg) {
		a.logger.Info().Msg("config reload requested (broadcast)")
		fn()
	}); err != nil {
		return fmt.Errorf("subscribe config reload broadcast: %w", err)
	}

	if _, err := a.nc.Subscribe(protocol.SubjectConfigReloadAgent(a.Name), func(_ *nats.Msg) {
		a.logger.Info().Msg("config reload requested (targeted)")
		fn()
	}); err != nil {
		return fmt.Errorf("subscribe config reload agent: %w", err)
	}

	return nil
}

// Close stops heartbeating and disconnects.
func (a *Agent) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.nc.Drain()
}
