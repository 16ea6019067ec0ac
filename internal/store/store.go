// Package store holds command correlation records keyed by command ID.
//
// A Store enforces the at-most-once result rule: CompareAndSwapResult is a
// single conditional write at the backend, so of any number of concurrent
// submissions for one command exactly one succeeds.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

// DefaultTTL is how long a record lives after its last write.
const DefaultTTL = time.Hour

var (
	// ErrNotFound is returned for unknown and expired command IDs alike.
	ErrNotFound = errors.New("store: command not found")

	// ErrExists is returned by PutIfAbsent when the key is already taken.
	ErrExists = errors.New("store: command already exists")

	// ErrConflict is returned by CompareAndSwapResult when a result is
	// already recorded.
	ErrConflict = errors.New("store: result already recorded")

	// ErrUnavailable wraps failures of the backing store itself.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Store is the correlation store contract used by the dispatcher.
type Store interface {
	// PutIfAbsent inserts a new record. It never overwrites an existing key.
	PutIfAbsent(ctx context.Context, cmd *protocol.Command) error

	// Get returns the record for id. It does not refresh the record's TTL.
	Get(ctx context.Context, id string) (*protocol.Command, error)

	// CompareAndSwapResult records result if and only if the record exists
	// and has no result yet. The record's TTL is re-applied on success.
	CompareAndSwapResult(ctx context.Context, id string, result json.RawMessage) (*protocol.Command, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func encode(cmd *protocol.Command) ([]byte, error) {
	return json.Marshal(cmd)
}

func decode(data []byte) (*protocol.Command, error) {
	var cmd protocol.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("decode command record: %w", err)
	}
	return &cmd, nil
}
