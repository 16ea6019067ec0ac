package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

// ConsumerConfig describes the shared durable consumer agents pull from.
type ConsumerConfig struct {
	Stream        string
	Durable       string
	Subject       string
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

// Delivery is one received dispatch message. Exactly one of Ack, Nak,
// NakWithDelay or Term should be called once handling finishes.
type Delivery struct {
	Dispatch protocol.Dispatch
	msg      jetstream.Msg
}

func (d *Delivery) Ack() error                             { return d.msg.Ack() }
func (d *Delivery) Nak() error                             { return d.msg.Nak() }
func (d *Delivery) NakWithDelay(delay time.Duration) error { return d.msg.NakWithDelay(delay) }
func (d *Delivery) Term() error                            { return d.msg.Term() }

// InProgress resets the redelivery timer while a long command runs.
func (d *Delivery) InProgress() error { return d.msg.InProgress() }

// NumDelivered returns how many times this message has been delivered,
// starting at 1.
func (d *Delivery) NumDelivered() uint64 {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return meta.NumDelivered
}

// Handler receives each decoded delivery. It is called on the consumer's
// dispatch goroutine and must not block for long.
type Handler func(*Delivery)

// TargetedConsumer derives the durable consumer that receives dispatches
// assigned to identity. Agents sharing an identity share this consumer.
func TargetedConsumer(cfg ConsumerConfig, identity string) ConsumerConfig {
	if cfg.Durable == "" {
		cfg.Durable = DefaultConsumer
	}
	if cfg.Subject == "" {
		cfg.Subject = protocol.SubjectDispatch
	}
	token := protocol.IdentityToken(identity)
	cfg.Durable = cfg.Durable + "-" + token
	cfg.Subject = protocol.SubjectDispatchFor(cfg.Subject, identity)
	return cfg
}

// Subscription is one or more active consumers.
type Subscription struct {
	ccs []jetstream.ConsumeContext
}

// Merge combines subscriptions so they stop together.
func Merge(subs ...*Subscription) *Subscription {
	merged := &Subscription{}
	for _, s := range subs {
		if s != nil {
			merged.ccs = append(merged.ccs, s.ccs...)
		}
	}
	return merged
}

// Stop stops pulling new messages.
func (s *Subscription) Stop() {
	for _, cc := range s.ccs {
		cc.Stop()
	}
}

// Subscribe binds to (creating if needed) the durable consumer and starts
// delivering messages to handler. Undecodable messages are terminated.
func Subscribe(ctx context.Context, js jetstream.JetStream, cfg ConsumerConfig, handler Handler, logger zerolog.Logger) (*Subscription, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Durable == "" {
		cfg.Durable = DefaultConsumer
	}
	if cfg.Subject == "" {
		cfg.Subject = protocol.SubjectDispatch
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	logger = logger.With().Str("component", "bus").Str("consumer", cfg.Durable).Logger()

	cons, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		FilterSubject: cfg.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var d protocol.Dispatch
		if err := json.Unmarshal(msg.Data(), &d); err != nil || d.CommandID == "" || d.ResultURL == "" {
			logger.Error().Err(err).Str("subject", msg.Subject()).Msg("malformed dispatch message, terminating")
			msg.Term()
			return
		}
		handler(&Delivery{Dispatch: d, msg: msg})
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		logger.Warn().Err(err).Msg("consume error")
	}))
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", cfg.Durable, err)
	}

	return &Subscription{ccs: []jetstream.ConsumeContext{cc}}, nil
}
