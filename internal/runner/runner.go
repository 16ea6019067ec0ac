// Package runner executes dispatched commands on an agent and reports their
// results back to the dispatcher.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/cmdq-dev/cmdq/internal/bus"
	"github.com/cmdq-dev/cmdq/internal/workload"
	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

// Acker settles one delivery of a dispatch message.
type Acker interface {
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
	InProgress() error
	NumDelivered() uint64
}

// Stats receives per-command bookkeeping. *agent.Agent implements it.
type Stats interface {
	Begin() (end func())
	RecordCommand()
	RecordError()
}

// Config configures a Runner.
type Config struct {
	// Identity is this agent's principal. Dispatches assigned to it are
	// consumed from its own subject; without one only untargeted
	// dispatches are received.
	Identity       string
	MaxConcurrent  int
	Timeout        time.Duration // per workload run
	DispatchSecret string
	// RetryDelay is the redelivery delay after a retryable failure.
	RetryDelay time.Duration
	// ProgressInterval is how often a running command's delivery is
	// extended; keep it below the consumer's AckWait.
	ProgressInterval time.Duration
}

// Runner handles dispatch deliveries.
type Runner struct {
	cfg      Config
	workload workload.Workload
	reporter *Reporter
	stats    Stats
	sem      chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// New creates a Runner. stats may be nil.
func New(cfg Config, wl workload.Workload, reporter *Reporter, stats Stats, logger zerolog.Logger) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 10 * time.Second
	}
	if stats == nil {
		stats = nopStats{}
	}
	return &Runner{
		cfg:      cfg,
		workload: wl,
		reporter: reporter,
		stats:    stats,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		logger:   logger.With().Str("component", "runner").Logger(),
	}
}

// Start subscribes to the shared dispatch consumer and, when the runner has
// an identity, to the consumer for dispatches assigned to it. Deliveries
// are handled until ctx is cancelled or the returned subscription is
// stopped.
func (r *Runner) Start(ctx context.Context, js jetstream.JetStream, cfg bus.ConsumerConfig) (*bus.Subscription, error) {
	handler := func(d *bus.Delivery) {
		r.Dispatch(ctx, d.Dispatch, d)
	}
	shared, err := bus.Subscribe(ctx, js, cfg, handler, r.logger)
	if err != nil {
		return nil, err
	}
	sub := shared
	if r.cfg.Identity != "" {
		targeted, err := bus.Subscribe(ctx, js, bus.TargetedConsumer(cfg, r.cfg.Identity), handler, r.logger)
		if err != nil {
			shared.Stop()
			return nil, err
		}
		sub = bus.Merge(shared, targeted)
	}
	r.logger.Info().
		Str("identity", r.cfg.Identity).
		Bool("targeted", r.cfg.Identity != "").
		Int("max_concurrent", r.cfg.MaxConcurrent).
		Msg("runner started")
	return sub, nil
}

// Dispatch handles one delivery on its own goroutine. It never blocks.
func (r *Runner) Dispatch(ctx context.Context, d protocol.Dispatch, ack Acker) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.handle(ctx, d, ack)
	}()
}

// Wait blocks until every in-flight delivery has been settled.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) handle(ctx context.Context, d protocol.Dispatch, ack Acker) {
	log := r.logger.With().
		Str("command_id", d.CommandID).
		Uint64("delivery", ack.NumDelivered()).
		Logger()

	if r.cfg.DispatchSecret != "" && !protocol.VerifyDispatch(&d, r.cfg.DispatchSecret) {
		log.Error().Msg("dispatch signature invalid, terminating")
		r.stats.RecordError()
		ack.Term()
		return
	}

	// Targeted dispatches arrive on their identity's own consumer, so a
	// mismatch means the message was misrouted and no redelivery will fix it.
	if d.AgentID != "" && d.AgentID != r.cfg.Identity {
		log.Error().Str("assigned", d.AgentID).Msg("dispatch assigned to another agent, terminating")
		r.stats.RecordError()
		ack.Term()
		return
	}

	stop := r.keepAlive(ack)
	defer stop()

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		ack.Nak()
		return
	}
	defer func() { <-r.sem }()

	end := r.stats.Begin()
	defer end()

	result := r.run(ctx, d, log)
	if ctx.Err() != nil {
		// Shutting down: let another agent take it.
		ack.Nak()
		return
	}

	outcome, err := r.reporter.Submit(ctx, d.ResultURL, result)
	switch outcome {
	case OutcomeRecorded:
		log.Info().Msg("result submitted")
		r.stats.RecordCommand()
		ack.Ack()
	case OutcomeDuplicate, OutcomeGone:
		log.Info().Err(err).Str("status", outcome.String()).Msg("result not needed")
		ack.Ack()
	case OutcomeRejected:
		log.Error().Err(err).Msg("result rejected, terminating")
		r.stats.RecordError()
		ack.Term()
	default:
		log.Warn().Err(err).Str("status", outcome.String()).Dur("retry_in", r.cfg.RetryDelay).Msg("result submission failed, will retry")
		r.stats.RecordError()
		ack.NakWithDelay(r.cfg.RetryDelay)
	}
}

// run executes the workload. Failures are reported as the result
// {"error": "<message>"} so the client learns the command failed.
func (r *Runner) run(ctx context.Context, d protocol.Dispatch, log zerolog.Logger) json.RawMessage {
	wctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	result, err := r.workload.Run(wctx, workload.Request{CommandID: d.CommandID, Body: d.ReqBody})
	if err == nil && !protocol.IsSetJSON(result) {
		err = errors.New("workload returned no result")
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.New("workload timed out")
		}
		log.Warn().Err(err).Dur("took", time.Since(start)).Msg("workload failed")
		r.stats.RecordError()
		return errorResult(err)
	}
	log.Debug().Dur("took", time.Since(start)).Msg("workload finished")
	return result
}

// keepAlive extends the delivery's ack deadline until the returned func is called.
func (r *Runner) keepAlive(ack Acker) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ack.InProgress()
			}
		}
	}()
	return func() { close(done) }
}

func errorResult(err error) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return data
}

type nopStats struct{}

func (nopStats) Begin() func()  { return func() {} }
func (nopStats) RecordCommand() {}
func (nopStats) RecordError()   {}
