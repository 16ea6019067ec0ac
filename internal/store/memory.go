package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

// Memory is an in-process Store for single-instance deployments and tests.
type Memory struct {
	mu      sync.Mutex
	records map[string][]byte
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates an empty in-memory store. A ttl of 0 means DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		records: make(map[string][]byte),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Intended for expiry tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// TTL returns the record lifetime applied on every write.
func (m *Memory) TTL() time.Duration { return m.ttl }

func (m *Memory) PutIfAbsent(_ context.Context, cmd *protocol.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookup(cmd.ID); err == nil {
		return ErrExists
	}

	now := m.now()
	rec := *cmd
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(m.ttl)
	data, err := encode(&rec)
	if err != nil {
		return err
	}
	m.records[cmd.ID] = data
	*cmd = rec
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*protocol.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(id)
}

func (m *Memory) CompareAndSwapResult(_ context.Context, id string, result json.RawMessage) (*protocol.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if cmd.HasResult() {
		return nil, ErrConflict
	}

	cmd.Result = result
	cmd.ExpiresAt = m.now().Add(m.ttl)
	data, err := encode(cmd)
	if err != nil {
		return nil, err
	}
	m.records[id] = data
	return cmd, nil
}

// lookup must be called with m.mu held. Expired records are evicted.
func (m *Memory) lookup(id string) (*protocol.Command, error) {
	data, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cmd, err := decode(data)
	if err != nil {
		return nil, err
	}
	if cmd.Expired(m.now()) {
		delete(m.records, id)
		return nil, ErrNotFound
	}
	return cmd, nil
}
