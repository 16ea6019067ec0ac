package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmdq-dev/cmdq/internal/identity"
	"github.com/cmdq-dev/cmdq/internal/identity/oidctest"
	"github.com/cmdq-dev/cmdq/internal/store"
	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

const publicURL = "http://localhost:3000"

type recordingPublisher struct {
	mu   sync.Mutex
	sent []protocol.Dispatch
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, d protocol.Dispatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, d)
	return nil
}

type failingStore struct{ store.Store }

func (failingStore) PutIfAbsent(context.Context, *protocol.Command) error {
	return errors.Join(store.ErrUnavailable, errors.New("connection refused"))
}

func (failingStore) Get(context.Context, string) (*protocol.Command, error) {
	return nil, errors.Join(store.ErrUnavailable, errors.New("connection refused"))
}

type fixture struct {
	svc    *Service
	store  *store.Memory
	pub    *recordingPublisher
	issuer *oidctest.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	iss := oidctest.New(t)
	keys := identity.NewKeySet(identity.KeySetConfig{DiscoveryURL: iss.DiscoveryURL()}, zerolog.Nop())
	if err := keys.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh keys: %v", err)
	}
	st := store.NewMemory(time.Hour)
	pub := &recordingPublisher{}
	svc := New(Config{PublicURL: publicURL + "/"}, st, pub, identity.NewVerifier(keys, identity.Config{}), zerolog.Nop())
	return &fixture{svc: svc, store: st, pub: pub, issuer: iss}
}

func (f *fixture) token(t *testing.T, cmdID, email string) string {
	t.Helper()
	return f.issuer.MustToken(t, f.issuer.Claims("sub-"+email, email, f.svc.ResultURL(cmdID)))
}

func TestCommandLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd, err := f.svc.CreateCommand(ctx, json.RawMessage(`{"task":"x"}`), "")
	if err != nil {
		t.Fatalf("CreateCommand: %v", err)
	}
	if cmd.ResultURL != publicURL+"/api/results/"+cmd.ID {
		t.Errorf("resultUrl = %q", cmd.ResultURL)
	}
	if len(f.pub.sent) != 1 || f.pub.sent[0].CommandID != cmd.ID || f.pub.sent[0].ResultURL != cmd.ResultURL {
		t.Fatalf("published = %+v", f.pub.sent)
	}

	res, err := f.svc.GetResult(ctx, cmd.ID)
	if err != nil || res.Ready {
		t.Fatalf("GetResult before submit = %+v, %v; want pending", res, err)
	}

	tok := f.token(t, cmd.ID, "agent@example.com")
	if err := f.svc.SubmitResult(ctx, cmd.ID, tok, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}

	res, err = f.svc.GetResult(ctx, cmd.ID)
	if err != nil || !res.Ready || string(res.Body) != `{"ok":true}` {
		t.Fatalf("GetResult after submit = %+v, %v", res, err)
	}

	if err := f.svc.SubmitResult(ctx, cmd.ID, tok, []byte(`{"ok":false}`)); !errors.Is(err, ErrConflict) {
		t.Fatalf("second SubmitResult err = %v, want ErrConflict", err)
	}
	res, _ = f.svc.GetResult(ctx, cmd.ID)
	if string(res.Body) != `{"ok":true}` {
		t.Errorf("result changed to %s", res.Body)
	}
}

func TestCreateCommandUniqueIDs(t *testing.T) {
	f := newFixture(t)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		cmd, err := f.svc.CreateCommand(context.Background(), json.RawMessage(`{}`), "")
		if err != nil {
			t.Fatal(err)
		}
		if seen[cmd.ID] {
			t.Fatalf("duplicate id %s", cmd.ID)
		}
		seen[cmd.ID] = true
	}
}

func TestCreateCommandRegeneratesOnCollision(t *testing.T) {
	f := newFixture(t)
	ids := []string{"same", "same", "fresh"}
	var n atomic.Int32
	f.svc.newID = func() string { return ids[int(n.Add(1))-1] }

	first, err := f.svc.CreateCommand(context.Background(), json.RawMessage(`1`), "")
	if err != nil || first.ID != "same" {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := f.svc.CreateCommand(context.Background(), json.RawMessage(`2`), "")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.ID != "fresh" {
		t.Errorf("second id = %q, want fresh", second.ID)
	}
	stored, _ := f.store.Get(context.Background(), "same")
	if string(stored.ReqBody) != `1` {
		t.Errorf("original record overwritten: %s", stored.ReqBody)
	}
}

func TestCreateCommandInvalidPayload(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{"", "{", "not json"} {
		if _, err := f.svc.CreateCommand(context.Background(), json.RawMessage(body), ""); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("CreateCommand(%q) err = %v", body, err)
		}
	}
}

func TestCreateCommandPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("nats: no responders")

	cmd, err := f.svc.CreateCommand(context.Background(), json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("CreateCommand: %v", err)
	}
	res, err := f.svc.GetResult(context.Background(), cmd.ID)
	if err != nil || res.Ready {
		t.Fatalf("GetResult = %+v, %v; want pending", res, err)
	}
}

func TestStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.svc.store = failingStore{}

	if _, err := f.svc.CreateCommand(context.Background(), json.RawMessage(`{}`), ""); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("CreateCommand err = %v", err)
	}
	if len(f.pub.sent) != 0 {
		t.Errorf("published despite store failure")
	}
	if _, err := f.svc.GetResult(context.Background(), "x"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("GetResult err = %v", err)
	}
}

func TestGetResultUnknown(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.GetResult(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubmitResultUnknown(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "missing", "agent@example.com")
	if err := f.svc.SubmitResult(context.Background(), "missing", tok, []byte(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubmitResultInvalidBody(t *testing.T) {
	f := newFixture(t)
	cmd, _ := f.svc.CreateCommand(context.Background(), json.RawMessage(`{}`), "")
	tok := f.token(t, cmd.ID, "agent@example.com")

	for _, body := range []string{"", "null", "{bad"} {
		if err := f.svc.SubmitResult(context.Background(), cmd.ID, tok, []byte(body)); !errors.Is(err, ErrInvalidResult) {
			t.Errorf("body %q: err = %v, want ErrInvalidResult", body, err)
		}
	}
}

func TestSubmitResultTokenRejectsLeaveRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cmd, _ := f.svc.CreateCommand(ctx, json.RawMessage(`{}`), "")

	wrongAudience := f.token(t, "some-other-command", "agent@example.com")
	expiredClaims := f.issuer.Claims("sub", "agent@example.com", cmd.ResultURL)
	expiredClaims["exp"] = time.Now().Add(-time.Hour).Unix()

	tests := map[string]string{
		"garbage":        "abc.def.ghi",
		"empty":          "",
		"wrong audience": wrongAudience,
		"expired":        f.issuer.MustToken(t, expiredClaims),
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if err := f.svc.SubmitResult(ctx, cmd.ID, tok, []byte(`{"ok":true}`)); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("err = %v, want ErrUnauthorized", err)
			}
			stored, err := f.store.Get(ctx, cmd.ID)
			if err != nil {
				t.Fatal(err)
			}
			if stored.HasResult() {
				t.Fatalf("record modified: %s", stored.Result)
			}
		})
	}
}

func TestSubmitResultAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cmd, err := f.svc.CreateCommand(ctx, json.RawMessage(`{}`), "agent-a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if f.pub.sent[0].AgentID != "agent-a@example.com" {
		t.Errorf("dispatch agentId = %q", f.pub.sent[0].AgentID)
	}

	if err := f.svc.SubmitResult(ctx, cmd.ID, f.token(t, cmd.ID, "agent-b@example.com"), []byte(`"b"`)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("agent-b err = %v, want ErrUnauthorized", err)
	}
	if err := f.svc.SubmitResult(ctx, cmd.ID, f.token(t, cmd.ID, "agent-a@example.com"), []byte(`"a"`)); err != nil {
		t.Fatalf("agent-a: %v", err)
	}
	res, _ := f.svc.GetResult(ctx, cmd.ID)
	if string(res.Body) != `"a"` {
		t.Errorf("result = %s", res.Body)
	}
}

func TestSubmitResultConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cmd, _ := f.svc.CreateCommand(ctx, json.RawMessage(`{}`), "")
	tok := f.token(t, cmd.ID, "agent@example.com")

	const n = 20
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, _ := json.Marshal(map[string]int{"from": i})
			err := f.svc.SubmitResult(ctx, cmd.ID, tok, body)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != n-1 {
		t.Fatalf("wins = %d conflicts = %d", wins.Load(), conflicts.Load())
	}
}

func TestExpiredCommandIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	f.store.SetClock(func() time.Time { return now })

	cmd, _ := f.svc.CreateCommand(ctx, json.RawMessage(`{}`), "")
	tok := f.token(t, cmd.ID, "agent@example.com")

	now = now.Add(61 * time.Minute)
	if _, err := f.svc.GetResult(ctx, cmd.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetResult err = %v, want ErrNotFound", err)
	}
	if err := f.svc.SubmitResult(ctx, cmd.ID, tok, []byte(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SubmitResult err = %v, want ErrNotFound", err)
	}
}
