package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

// DefaultBucket is the JetStream KV bucket holding command records.
const DefaultBucket = "cmdq-commands"

// casAttempts bounds the re-read loop when a revision-guarded write loses.
const casAttempts = 5

// KVConfig configures the JetStream key-value backend.
type KVConfig struct {
	Bucket   string
	TTL      time.Duration
	Replicas int
	Memory   bool // use memory storage instead of file storage
}

// KV is a Store backed by a NATS JetStream key-value bucket. The bucket TTL
// evicts records; revisions provide the conditional writes.
type KV struct {
	kv  jetstream.KeyValue
	ttl time.Duration
	now func() time.Time
}

// NewKV creates or updates the bucket and returns a Store on top of it.
func NewKV(ctx context.Context, js jetstream.JetStream, cfg KVConfig) (*KV, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	storage := jetstream.FileStorage
	if cfg.Memory {
		storage = jetstream.MemoryStorage
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "cmdq command correlation records",
		History:     1,
		TTL:         cfg.TTL,
		Storage:     storage,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}
	return &KV{kv: kv, ttl: cfg.TTL, now: time.Now}, nil
}

// TTL returns the record lifetime applied on every write.
func (s *KV) TTL() time.Duration { return s.ttl }

func (s *KV) PutIfAbsent(ctx context.Context, cmd *protocol.Command) error {
	now := s.now()
	rec := *cmd
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(s.ttl)
	data, err := encode(&rec)
	if err != nil {
		return err
	}

	if _, err := s.kv.Create(ctx, cmd.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrExists
		}
		return unavailable("create", err)
	}
	*cmd = rec
	return nil
}

func (s *KV) Get(ctx context.Context, id string) (*protocol.Command, error) {
	cmd, _, err := s.load(ctx, id)
	return cmd, err
}

func (s *KV) CompareAndSwapResult(ctx context.Context, id string, result json.RawMessage) (*protocol.Command, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		cmd, revision, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if cmd.HasResult() {
			return nil, ErrConflict
		}

		cmd.Result = result
		cmd.ExpiresAt = s.now().Add(s.ttl)
		data, err := encode(cmd)
		if err != nil {
			return nil, err
		}

		_, err = s.kv.Update(ctx, id, data, revision)
		if err == nil {
			return cmd, nil
		}
		if !isWrongRevision(err) {
			return nil, unavailable("update", err)
		}
		// Someone else wrote between our read and write; re-read to learn what.
	}
	return nil, ErrConflict
}

func (s *KV) load(ctx context.Context, id string) (*protocol.Command, uint64, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, 0, ErrNotFound
		}
		if errors.Is(err, jetstream.ErrInvalidKey) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, unavailable("get", err)
	}
	cmd, err := decode(entry.Value())
	if err != nil {
		return nil, 0, err
	}
	if cmd.Expired(s.now()) {
		return nil, 0, ErrNotFound
	}
	return cmd, entry.Revision(), nil
}

func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// SetClock overrides the time source used for record timestamps and expiry.
func (s *KV) SetClock(now func() time.Time) { s.now = now }
