// Package worker assembles the cmdq-agent process: the agent SDK connection,
// the workload, and the runner consuming dispatches.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cmdq-dev/cmdq/internal/bus"
	"github.com/cmdq-dev/cmdq/internal/runner"
	"github.com/cmdq-dev/cmdq/internal/workload"
	"github.com/cmdq-dev/cmdq/pkg/agent"
)

const agentVersion = "0.1.0"

// Worker is the cmdq-agent process.
type Worker struct {
	cfg    Config
	agent  *agent.Agent
	runner *runner.Runner
	sub    *bus.Subscription
	cancel context.CancelFunc
	logger zerolog.Logger
	stopCh chan struct{}

	// Overridable for testing.
	natsOpts []nats.Option
	tokens   runner.TokenProvider
	readyCh  chan struct{}
}

// NewWorker creates a Worker. Call Run() to start.
func NewWorker(cfg Config, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:     cfg,
		tokens:  runner.GoogleIDTokenProvider{CredentialsFile: cfg.Auth.CredentialsFile},
		logger:  logger.With().Str("component", "worker").Logger(),
		stopCh:  make(chan struct{}),
		readyCh: make(chan struct{}),
	}
}

// NewTestWorker creates a Worker with explicit NATS options and token
// provider, for tests against an embedded server and a fake issuer.
func NewTestWorker(cfg Config, natsOpts []nats.Option, tokens runner.TokenProvider, logger zerolog.Logger) *Worker {
	w := NewWorker(cfg, logger)
	w.natsOpts = natsOpts
	w.tokens = tokens
	return w
}

// Run connects, starts consuming dispatches, and blocks until signal or Stop().
func (w *Worker) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	defer cancel()

	// 1. Workload.
	wl, err := workload.New(workload.Config{
		Kind:            w.cfg.Workload.Kind,
		Script:          w.cfg.Workload.Script,
		VerifyIntegrity: w.cfg.Workload.VerifyIntegrity,
	}, w.logger)
	if err != nil {
		return fmt.Errorf("load workload: %w", err)
	}
	script, _ := wl.(*workload.Script)
	if script != nil && w.cfg.Workload.HotReload {
		if err := script.Watch(ctx); err != nil {
			return fmt.Errorf("watch workload: %w", err)
		}
	}

	// 2. Connect to NATS via the agent SDK.
	natsOpts := w.natsOpts
	if w.cfg.NATS.Token != "" {
		natsOpts = append(natsOpts, nats.Token(w.cfg.NATS.Token))
	}
	a, err := agent.New(agent.Config{
		NATSUrl:           w.cfg.NATS.URL,
		NATSOpts:          natsOpts,
		Name:              w.cfg.Agent.Name,
		Version:           agentVersion,
		Identity:          w.cfg.Agent.Identity,
		Capabilities:      []string{"workload:" + kindOrDefault(w.cfg.Workload.Kind)},
		HeartbeatInterval: w.cfg.Agent.HeartbeatInterval,
	}, w.logger)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	w.agent = a

	if script != nil {
		if err := a.OnConfigReload(func() {
			if err := script.Reload(); err != nil {
				w.logger.Error().Err(err).Msg("workload reload failed, keeping previous script")
			}
		}); err != nil {
			a.Close()
			return err
		}
	}

	// 3. Runner on the shared dispatch consumer.
	ackWait := w.cfg.Bus.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	reporter := runner.NewReporter(w.tokens, &http.Client{Timeout: 30 * time.Second})
	w.runner = runner.New(runner.Config{
		Identity:         w.cfg.Agent.Identity,
		MaxConcurrent:    w.cfg.Agent.MaxConcurrent,
		Timeout:          w.cfg.Workload.Timeout,
		DispatchSecret:   w.cfg.Security.DispatchSecret,
		RetryDelay:       w.cfg.Bus.RetryDelay,
		ProgressInterval: ackWait / 3,
	}, wl, reporter, a, w.logger)

	sub, err := w.runner.Start(ctx, a.JetStream(), bus.ConsumerConfig{
		Stream:        w.cfg.Bus.Stream,
		Durable:       w.cfg.Bus.Consumer,
		Subject:       w.cfg.Bus.Subject,
		AckWait:       ackWait,
		MaxDeliver:    w.cfg.Bus.MaxDeliver,
		MaxAckPending: 4 * max(w.cfg.Agent.MaxConcurrent, 1),
	})
	if err != nil {
		a.Close()
		return fmt.Errorf("start runner: %w", err)
	}
	w.sub = sub

	w.logger.Info().
		Str("name", w.cfg.Agent.Name).
		Str("identity", w.cfg.Agent.Identity).
		Str("workload", kindOrDefault(w.cfg.Workload.Kind)).
		Msg("cmdq agent started")
	if w.cfg.Agent.Identity == "" {
		w.logger.Warn().Msg("no agent identity configured, targeted commands will be skipped")
	}

	close(w.readyCh)

	// 4. Block on signal or stop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		w.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-w.stopCh:
		w.logger.Info().Msg("stop requested, shutting down")
	}

	w.shutdown()
	return nil
}

// Stop signals Run to return.
func (w *Worker) Stop() {
	close(w.stopCh)
}

// Ready is closed once the worker is consuming dispatches.
func (w *Worker) Ready() <-chan struct{} {
	return w.readyCh
}

func (w *Worker) shutdown() {
	if w.sub != nil {
		w.sub.Stop()
	}
	if w.cancel != nil {
		w.cancel()
	}
	if w.runner != nil {
		w.runner.Wait()
	}
	if w.agent != nil {
		w.agent.Close()
	}
}

func kindOrDefault(kind string) string {
	if kind == "" {
		return workload.KindSample
	}
	return kind
}
