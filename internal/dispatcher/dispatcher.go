// Package dispatcher correlates commands with their asynchronous results.
//
// CreateCommand records a pending command and hands it to the bus,
// SubmitResult lets an authenticated agent complete it exactly once, and
// GetResult reports whether it has completed.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cmdq-dev/cmdq/internal/identity"
	"github.com/cmdq-dev/cmdq/internal/store"
	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

var (
	ErrInvalidPayload   = errors.New("invalid command payload")
	ErrInvalidResult    = errors.New("invalid result body")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotFound         = errors.New("command not found")
	ErrConflict         = errors.New("result already recorded")
	ErrStoreUnavailable = errors.New("command store unavailable")
)

const idAttempts = 3

// Publisher hands dispatch messages to agents.
type Publisher interface {
	Publish(ctx context.Context, d protocol.Dispatch) error
}

// TokenVerifier checks an agent's bearer token.
type TokenVerifier interface {
	Verify(ctx context.Context, token, audience, issuer string) (*identity.Identity, error)
}

// Config configures a Service.
type Config struct {
	// PublicURL is the externally reachable base URL result URLs are built on.
	PublicURL string
	// Issuer is the token issuer to require; empty uses the verifier's default.
	Issuer string
}

// Result is the outcome of GetResult.
type Result struct {
	Ready bool
	Body  json.RawMessage
}

// Service implements the command lifecycle.
type Service struct {
	store     store.Store
	publisher Publisher
	verifier  TokenVerifier
	publicURL string
	issuer    string
	newID     func() string
	logger    zerolog.Logger
}

// New creates a Service.
func New(cfg Config, st store.Store, pub Publisher, verifier TokenVerifier, logger zerolog.Logger) *Service {
	return &Service{
		store:     st,
		publisher: pub,
		verifier:  verifier,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		issuer:    cfg.Issuer,
		newID:     uuid.NewString,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// ResultURL is where the agent must submit the result for id. It is also
// the audience the agent's token must carry.
func (s *Service) ResultURL(id string) string {
	return s.publicURL + "/api/results/" + id
}

// CreateCommand stores a new pending command for payload and publishes it.
// targetAgent, if non-empty, is the only identity allowed to complete it.
//
// A failed publish is logged but not returned: the command stays pending and
// expires if no agent ever sees it.
func (s *Service) CreateCommand(ctx context.Context, payload json.RawMessage, targetAgent string) (*protocol.Command, error) {
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}

	var cmd *protocol.Command
	for attempt := 1; ; attempt++ {
		id := s.newID()
		cmd = &protocol.Command{
			ID:        id,
			AgentID:   targetAgent,
			ReqBody:   payload,
			ResultURL: s.ResultURL(id),
		}
		err := s.store.PutIfAbsent(ctx, cmd)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrExists) && attempt < idAttempts {
			s.logger.Warn().Str("command_id", id).Msg("command id collision, regenerating")
			continue
		}
		s.logger.Error().Err(err).Str("command_id", id).Msg("failed to store command")
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := s.publisher.Publish(ctx, cmd.Dispatch()); err != nil {
		s.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("failed to publish dispatch; command stays pending")
	}

	s.logger.Info().
		Str("command_id", cmd.ID).
		Str("agent", targetAgent).
		Msg("command created")
	return cmd, nil
}

// GetResult reports the state of command id without modifying it.
func (s *Service) GetResult(ctx context.Context, id string) (Result, error) {
	cmd, err := s.store.Get(ctx, id)
	if err != nil {
		return Result{}, s.mapStoreErr(err, id)
	}
	if !cmd.HasResult() {
		return Result{}, nil
	}
	return Result{Ready: true, Body: cmd.Result}, nil
}

// SubmitResult records body as the result of command id on behalf of the
// agent holding bearer. Checks run in order and the first failure wins; a
// rejected token never touches the store.
func (s *Service) SubmitResult(ctx context.Context, id, bearer string, body []byte) error {
	if !json.Valid(body) || !protocol.IsSetJSON(body) {
		return ErrInvalidResult
	}

	who, err := s.verifier.Verify(ctx, bearer, s.ResultURL(id), s.issuer)
	if err != nil {
		s.logger.Warn().Err(err).Str("command_id", id).Msg("result submission rejected")
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	cmd, err := s.store.Get(ctx, id)
	if err != nil {
		return s.mapStoreErr(err, id)
	}
	if cmd.AgentID != "" && cmd.AgentID != who.Principal() {
		s.logger.Warn().
			Str("command_id", id).
			Str("agent", who.Principal()).
			Str("assigned", cmd.AgentID).
			Msg("result submitted by unassigned agent")
		return fmt.Errorf("%w: command assigned to another agent", ErrUnauthorized)
	}
	if cmd.HasResult() {
		return ErrConflict
	}

	if _, err := s.store.CompareAndSwapResult(ctx, id, json.RawMessage(body)); err != nil {
		return s.mapStoreErr(err, id)
	}

	s.logger.Info().
		Str("command_id", id).
		Str("agent", who.Principal()).
		Msg("result recorded")
	return nil
}

func (s *Service) mapStoreErr(err error, id string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrConflict
	default:
		s.logger.Error().Err(err).Str("command_id", id).Msg("command store error")
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
