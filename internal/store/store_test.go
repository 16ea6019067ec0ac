package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

// clockedStore is a Store whose time source can be moved by tests.
type clockedStore interface {
	Store
	SetClock(func() time.Time)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newKVStore(t *testing.T) *KV {
	t.Helper()

	ns, err := natsserver.NewServer(&natsserver.Options{
		DontListen: true,
		JetStream:  true,
		StoreDir:   t.TempDir(),
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats not ready")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL(), nats.InProcessServer(ns))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewKV(context.Background(), js, KVConfig{Bucket: "test-commands", TTL: time.Hour, Memory: true})
	if err != nil {
		t.Fatalf("NewKV: %v", err)
	}
	return s
}

func backends(t *testing.T) map[string]func(t *testing.T) clockedStore {
	return map[string]func(t *testing.T) clockedStore{
		"memory": func(t *testing.T) clockedStore { return NewMemory(time.Hour) },
		"kv":     func(t *testing.T) clockedStore { return newKVStore(t) },
	}
}

func newCommand(id string) *protocol.Command {
	return &protocol.Command{
		ID:        id,
		ReqBody:   json.RawMessage(`{"task":"x"}`),
		ResultURL: "http://localhost:3000/api/results/" + id,
	}
}

func TestPutIfAbsent(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()

			cmd := newCommand("a1")
			if err := s.PutIfAbsent(ctx, cmd); err != nil {
				t.Fatalf("PutIfAbsent: %v", err)
			}
			if cmd.ExpiresAt.IsZero() || cmd.CreatedAt.IsZero() {
				t.Fatal("expected timestamps to be set on insert")
			}

			dup := newCommand("a1")
			dup.ReqBody = json.RawMessage(`{"task":"overwrite"}`)
			if err := s.PutIfAbsent(ctx, dup); !errors.Is(err, ErrExists) {
				t.Fatalf("second PutIfAbsent error = %v, want ErrExists", err)
			}

			got, err := s.Get(ctx, "a1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got.ReqBody) != `{"task":"x"}` {
				t.Errorf("reqBody = %s, existing record was overwritten", got.ReqBody)
			}
			if got.HasResult() {
				t.Error("new record should have no result")
			}
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			if _, err := s.Get(context.Background(), "never-created"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCompareAndSwapResult(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()

			cmd := newCommand("a1")
			cmd.AgentID = "agent@example.com"
			if err := s.PutIfAbsent(ctx, cmd); err != nil {
				t.Fatalf("PutIfAbsent: %v", err)
			}

			updated, err := s.CompareAndSwapResult(ctx, "a1", json.RawMessage(`{"ok":true}`))
			if err != nil {
				t.Fatalf("CompareAndSwapResult: %v", err)
			}
			if updated.AgentID != "agent@example.com" || updated.ResultURL != cmd.ResultURL {
				t.Errorf("other fields not preserved: %+v", updated)
			}

			if _, err := s.CompareAndSwapResult(ctx, "a1", json.RawMessage(`{"ok":false}`)); !errors.Is(err, ErrConflict) {
				t.Fatalf("second swap error = %v, want ErrConflict", err)
			}

			got, err := s.Get(ctx, "a1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got.Result) != `{"ok":true}` {
				t.Errorf("result = %s, want first result", got.Result)
			}

			if _, err := s.CompareAndSwapResult(ctx, "missing", json.RawMessage(`1`)); !errors.Is(err, ErrNotFound) {
				t.Fatalf("swap on missing error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCompareAndSwapResultConcurrent(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()
			if err := s.PutIfAbsent(ctx, newCommand("race")); err != nil {
				t.Fatalf("PutIfAbsent: %v", err)
			}

			const n = 16
			var wins, conflicts atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					_, err := s.CompareAndSwapResult(ctx, "race", json.RawMessage(`{"winner":true}`))
					switch {
					case err == nil:
						wins.Add(1)
					case errors.Is(err, ErrConflict):
						conflicts.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			if wins.Load() != 1 {
				t.Fatalf("wins = %d, want exactly 1", wins.Load())
			}
			if conflicts.Load() != n-1 {
				t.Fatalf("conflicts = %d, want %d", conflicts.Load(), n-1)
			}
		})
	}
}

func TestExpiry(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			clock := &fakeClock{now: time.Now()}
			s.SetClock(clock.Now)
			ctx := context.Background()

			if err := s.PutIfAbsent(ctx, newCommand("old")); err != nil {
				t.Fatalf("PutIfAbsent: %v", err)
			}
			clock.Advance(59 * time.Minute)
			if _, err := s.Get(ctx, "old"); err != nil {
				t.Fatalf("Get before expiry: %v", err)
			}

			clock.Advance(2 * time.Minute)
			if _, err := s.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get after expiry error = %v, want ErrNotFound", err)
			}
			if _, err := s.CompareAndSwapResult(ctx, "old", json.RawMessage(`1`)); !errors.Is(err, ErrNotFound) {
				t.Fatalf("swap after expiry error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestResultReappliesTTL(t *testing.T) {
	s := NewMemory(time.Hour)
	clock := &fakeClock{now: time.Now()}
	s.SetClock(clock.Now)
	ctx := context.Background()

	if err := s.PutIfAbsent(ctx, newCommand("a1")); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	clock.Advance(50 * time.Minute)
	if _, err := s.CompareAndSwapResult(ctx, "a1", json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("CompareAndSwapResult: %v", err)
	}

	clock.Advance(30 * time.Minute)
	got, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get 80m after create, 30m after result: %v", err)
	}
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("result = %s", got.Result)
	}
}

func TestGetDoesNotRefreshTTL(t *testing.T) {
	s := NewMemory(time.Hour)
	clock := &fakeClock{now: time.Now()}
	s.SetClock(clock.Now)
	ctx := context.Background()

	if err := s.PutIfAbsent(ctx, newCommand("a1")); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Minute)
		if _, err := s.Get(ctx, "a1"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	clock.Advance(11 * time.Minute)
	if _, err := s.Get(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("polling must not extend the TTL; Get error = %v", err)
	}
}
