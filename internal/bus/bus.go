// Package bus carries dispatch messages from the dispatcher to agents over
// a NATS JetStream work-queue stream.
//
// Untargeted dispatches share one subject and one durable consumer. A
// dispatch assigned to an agent identity is published on that identity's
// subject and consumed only through that identity's durable consumer.
//
// Delivery is at-least-once: an agent may see the same command more than
// once, and result submission is what makes that safe.
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

const (
	DefaultStream   = "CMDQ_DISPATCH"
	DefaultConsumer = "cmdq-agents"
)

// StreamConfig describes the dispatch stream.
type StreamConfig struct {
	Name     string
	Subject  string
	MaxAge   time.Duration // dispatches older than their command record are useless
	Replicas int
	Memory   bool
}

// EnsureStream creates the dispatch stream, or updates it if it already exists.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultStream
	}
	if cfg.Subject == "" {
		cfg.Subject = protocol.SubjectDispatch
	}
	storage := jetstream.FileStorage
	if cfg.Memory {
		storage = jetstream.MemoryStorage
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Name,
		Description: "cmdq dispatch messages",
		Subjects:    []string{cfg.Subject, protocol.SubjectDispatchTargeted(cfg.Subject)},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     storage,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// Publisher publishes dispatch messages.
type Publisher struct {
	js      jetstream.JetStream
	subject string
	secret  string
	logger  zerolog.Logger
}

// NewPublisher creates a Publisher. If secret is non-empty every dispatch is
// HMAC-signed with it.
func NewPublisher(js jetstream.JetStream, subject, secret string, logger zerolog.Logger) *Publisher {
	if subject == "" {
		subject = protocol.SubjectDispatch
	}
	return &Publisher{
		js:      js,
		subject: subject,
		secret:  secret,
		logger:  logger.With().Str("component", "bus").Logger(),
	}
}

// Publish sends d and waits for the stream to acknowledge it. A targeted
// dispatch goes to its agent's own subject so no other agent has to hand it
// back. The command ID doubles as the JetStream message ID so a retried
// publish is deduplicated.
func (p *Publisher) Publish(ctx context.Context, d protocol.Dispatch) error {
	if err := protocol.SignDispatch(&d, p.secret); err != nil {
		return fmt.Errorf("sign dispatch: %w", err)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}

	subject := protocol.SubjectDispatchFor(p.subject, d.AgentID)
	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(d.CommandID))
	if err != nil {
		return fmt.Errorf("publish dispatch: %w", err)
	}

	p.logger.Debug().
		Str("command_id", d.CommandID).
		Str("subject", subject).
		Str("stream", ack.Stream).
		Uint64("seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("dispatch published")
	return nil
}
