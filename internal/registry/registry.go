// Package registry tracks the agents that have announced themselves on the
// bus, from their registration and heartbeat messages.
package registry

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

// StatusStale is reported for agents whose heartbeats have stopped.
const StatusStale = "stale"

// agentState holds the combined registration and last heartbeat data.
type agentState struct {
	Registration  protocol.Registration
	RegisteredAt  time.Time
	LastHeartbeat protocol.Heartbeat
	LastSeen      time.Time
}

// Registry tracks connected agents.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]*agentState
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
	nc         *nats.Conn
	subs       []*nats.Subscription
}

// New creates a Registry and subscribes to the registration and heartbeat
// subjects. An agent not heard from within staleAfter is reported stale;
// zero disables the check.
func New(nc *nats.Conn, staleAfter time.Duration, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		agents:     make(map[string]*agentState),
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With().Str("component", "registry").Logger(),
		nc:         nc,
	}

	regSub, err := nc.Subscribe(protocol.SubjectRegistry, r.handleRegistration)
	if err != nil {
		return nil, err
	}
	hbSub, err := nc.Subscribe(protocol.SubjectHeartbeatAll, r.handleHeartbeat)
	if err != nil {
		regSub.Unsubscribe()
		return nil, err
	}
	r.subs = []*nats.Subscription{regSub, hbSub}

	r.logger.Info().Msg("agent registry started")
	return r, nil
}

func (r *Registry) handleRegistration(msg *nats.Msg) {
	var reg protocol.Registration
	if err := json.Unmarshal(msg.Data, &reg); err != nil || reg.Name == "" {
		r.logger.Error().Err(err).Str("subject", msg.Subject).Msg("bad registration message")
		return
	}
	now := r.now()
	r.mu.Lock()
	if existing, ok := r.agents[reg.Name]; ok {
		existing.Registration = reg
		existing.LastSeen = now
	} else {
		r.agents[reg.Name] = &agentState{
			Registration: reg,
			RegisteredAt: now,
			LastSeen:     now,
		}
	}
	r.mu.Unlock()
	r.logger.Info().
		Str("agent", reg.Name).
		Str("identity", reg.Identity).
		Str("version", reg.Version).
		Msg("agent registered")
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.Name == "" {
		r.logger.Error().Err(err).Str("subject", msg.Subject).Msg("bad heartbeat message")
		return
	}
	now := r.now()
	r.mu.Lock()
	if state, ok := r.agents[hb.Name]; ok {
		state.LastHeartbeat = hb
		state.LastSeen = now
		if state.Registration.Identity == "" {
			state.Registration.Identity = hb.Identity
		}
	} else {
		// Heartbeat from an agent that registered before the daemon started.
		r.agents[hb.Name] = &agentState{
			Registration:  protocol.Registration{Name: hb.Name, Identity: hb.Identity},
			RegisteredAt:  now,
			LastHeartbeat: hb,
			LastSeen:      now,
		}
	}
	r.mu.Unlock()
}

// Agents returns a snapshot of all known agents, sorted by name.
func (r *Registry) Agents() []protocol.AgentInfo {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]protocol.AgentInfo, 0, len(r.agents))
	for _, s := range r.agents {
		status := "unknown"
		if s.LastHeartbeat.Status != "" {
			status = s.LastHeartbeat.Status
		}
		if r.staleAfter > 0 && now.Sub(s.LastSeen) > r.staleAfter {
			status = StatusStale
		}
		caps := s.Registration.Capabilities
		if caps == nil {
			caps = []string{}
		}
		result = append(result, protocol.AgentInfo{
			Name:              s.Registration.Name,
			Version:           s.Registration.Version,
			Identity:          s.Registration.Identity,
			Status:            status,
			Capabilities:      caps,
			RegisteredAt:      s.RegisteredAt,
			LastHeartbeat:     s.LastSeen,
			CommandsProcessed: s.LastHeartbeat.CommandsProcessed,
			Errors:            s.LastHeartbeat.Errors,
			InFlight:          s.LastHeartbeat.InFlight,
		})
	}
	slices.SortFunc(result, func(a, b protocol.AgentInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result
}

// Count returns the number of known agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// RequestReload asks agents to reload their configuration. An empty target
// broadcasts to every agent.
func (r *Registry) RequestReload(target string) error {
	subject := protocol.SubjectConfigReload
	if target != "" {
		subject = protocol.SubjectConfigReloadAgent(target)
	}
	if err := r.nc.Publish(subject, nil); err != nil {
		return err
	}
	r.logger.Info().Str("subject", subject).Msg("config reload requested")
	return r.nc.Flush()
}

// Close unsubscribes from NATS.
func (r *Registry) Close() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
}
