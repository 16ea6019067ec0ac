package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmdq-dev/cmdq/internal/api"
	"github.com/cmdq-dev/cmdq/internal/bus"
	"github.com/cmdq-dev/cmdq/internal/dispatcher"
	"github.com/cmdq-dev/cmdq/internal/identity"
	"github.com/cmdq-dev/cmdq/internal/identity/oidctest"
	"github.com/cmdq-dev/cmdq/internal/natsserver"
	"github.com/cmdq-dev/cmdq/internal/store"
	"github.com/cmdq-dev/cmdq/internal/workload"
	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

type fakeAck struct {
	mu       sync.Mutex
	calls    []string
	progress atomic.Int32
	settled  chan string
}

func newFakeAck() *fakeAck { return &fakeAck{settled: make(chan string, 1)} }

func (a *fakeAck) settle(what string) error {
	a.mu.Lock()
	a.calls = append(a.calls, what)
	a.mu.Unlock()
	a.settled <- what
	return nil
}

func (a *fakeAck) Ack() error                       { return a.settle("ack") }
func (a *fakeAck) Nak() error                       { return a.settle("nak") }
func (a *fakeAck) NakWithDelay(time.Duration) error { return a.settle("nak-delay") }
func (a *fakeAck) Term() error                      { return a.settle("term") }
func (a *fakeAck) InProgress() error                { a.progress.Add(1); return nil }
func (a *fakeAck) NumDelivered() uint64             { return 1 }

func (a *fakeAck) wait(t *testing.T) string {
	t.Helper()
	select {
	case s := <-a.settled:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("delivery was never settled")
		return ""
	}
}

type countingStats struct {
	processed, errors, inFlight, maxInFlight atomic.Int64
}

func (s *countingStats) Begin() func() {
	n := s.inFlight.Add(1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { s.inFlight.Add(-1) }
}
func (s *countingStats) RecordCommand() { s.processed.Add(1) }
func (s *countingStats) RecordError()   { s.errors.Add(1) }

// env is a dispatcher served over httptest with a test OIDC issuer.
type env struct {
	svc    *dispatcher.Service
	issuer *oidctest.Issuer
	server *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	iss := oidctest.New(t)
	keys := identity.NewKeySet(identity.KeySetConfig{DiscoveryURL: iss.DiscoveryURL()}, zerolog.Nop())
	if err := keys.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	verifier := identity.NewVerifier(keys, identity.Config{})

	e := &env{issuer: iss}
	mux := http.NewServeMux()
	e.server = httptest.NewServer(mux)
	t.Cleanup(e.server.Close)

	e.svc = dispatcher.New(dispatcher.Config{PublicURL: e.server.URL}, store.NewMemory(time.Hour), nopPublisher{}, verifier, zerolog.Nop())
	mux.Handle("/", api.New("", api.Deps{Commands: e.svc}, zerolog.Nop()).Handler())
	return e
}

// tokens mints a token for the requested audience, as the agent's
// identity provider would.
func (e *env) tokens(t *testing.T, email string) TokenProvider {
	return TokenProviderFunc(func(_ context.Context, audience string) (string, error) {
		return e.issuer.Token(e.issuer.Claims("sub-"+email, email, audience))
	})
}

func (e *env) create(t *testing.T, payload, agent string) protocol.Dispatch {
	t.Helper()
	cmd, err := e.svc.CreateCommand(context.Background(), json.RawMessage(payload), agent)
	if err != nil {
		t.Fatal(err)
	}
	return cmd.Dispatch()
}

func (e *env) result(t *testing.T, id string) string {
	t.Helper()
	res, err := e.svc.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if !res.Ready {
		return ""
	}
	return string(res.Body)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, protocol.Dispatch) error { return nil }

func echo() workload.Workload {
	return workload.Func(func(_ context.Context, req workload.Request) (json.RawMessage, error) {
		return json.RawMessage(`{"echo":` + string(req.Body) + `}`), nil
	})
}

func TestRunnerSubmitsResult(t *testing.T) {
	e := newEnv(t)
	stats := &countingStats{}
	r := New(Config{Identity: "agent@example.com"}, echo(), NewReporter(e.tokens(t, "agent@example.com"), nil), stats, zerolog.Nop())

	d := e.create(t, `{"task":"x"}`, "")
	ack := newFakeAck()
	r.Dispatch(context.Background(), d, ack)

	if got := ack.wait(t); got != "ack" {
		t.Fatalf("settled with %s, want ack", got)
	}
	if got := e.result(t, d.CommandID); got != `{"echo":{"task":"x"}}` {
		t.Errorf("result = %s", got)
	}
	if stats.processed.Load() != 1 {
		t.Errorf("processed = %d", stats.processed.Load())
	}
}

func TestRunnerDuplicateDeliveryAcked(t *testing.T) {
	e := newEnv(t)
	r := New(Config{}, echo(), NewReporter(e.tokens(t, "agent@example.com"), nil), nil, zerolog.Nop())

	d := e.create(t, `1`, "")
	first := newFakeAck()
	r.Dispatch(context.Background(), d, first)
	first.wait(t)

	second := newFakeAck()
	r.Dispatch(context.Background(), d, second)
	if got := second.wait(t); got != "ack" {
		t.Fatalf("redelivery settled with %s, want ack", got)
	}
	if got := e.result(t, d.CommandID); got != `{"echo":1}` {
		t.Errorf("result = %s", got)
	}
}

func TestRunnerWorkloadErrorBecomesResult(t *testing.T) {
	e := newEnv(t)
	failing := workload.Func(func(context.Context, workload.Request) (json.RawMessage, error) {
		return nil, &workload.Error{Msg: "no such customer"}
	})
	r := New(Config{}, failing, NewReporter(e.tokens(t, "agent@example.com"), nil), nil, zerolog.Nop())

	d := e.create(t, `{}`, "")
	ack := newFakeAck()
	r.Dispatch(context.Background(), d, ack)
	if got := ack.wait(t); got != "ack" {
		t.Fatalf("settled with %s", got)
	}
	if got := e.result(t, d.CommandID); got != `{"error":"no such customer"}` {
		t.Errorf("result = %s", got)
	}
}

func TestRunnerWorkloadTimeout(t *testing.T) {
	e := newEnv(t)
	slow := workload.Func(func(ctx context.Context, _ workload.Request) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := New(Config{Timeout: 50 * time.Millisecond}, slow, NewReporter(e.tokens(t, "agent@example.com"), nil), nil, zerolog.Nop())

	d := e.create(t, `{}`, "")
	ack := newFakeAck()
	r.Dispatch(context.Background(), d, ack)
	ack.wait(t)
	if got := e.result(t, d.CommandID); got != `{"error":"workload timed out"}` {
		t.Errorf("result = %s", got)
	}
}

func TestRunnerAssignedElsewhere(t *testing.T) {
	e := newEnv(t)
	var ran atomic.Bool
	wl := workload.Func(func(context.Context, workload.Request) (json.RawMessage, error) {
		ran.Store(true)
		return json.RawMessage(`1`), nil
	})
	r := New(Config{Identity: "agent-b@example.com"}, wl, NewReporter(e.tokens(t, "agent-b@example.com"), nil), nil, zerolog.Nop())

	d := e.create(t, `{}`, "agent-a@example.com")
	ack := newFakeAck()
	r.Dispatch(context.Background(), d, ack)
	if got := ack.wait(t); got != "term" {
		t.Fatalf("settled with %s, want term", got)
	}
	if ran.Load() {
		t.Error("workload ran for a command assigned to another agent")
	}
}

func TestRunnerSignature(t *testing.T) {
	e := newEnv(t)
	r := New(Config{DispatchSecret: "s3cret"}, echo(), NewReporter(e.tokens(t, "a@example.com"), nil), nil, zerolog.Nop())

	unsigned := e.create(t, `{}`, "")
	ack := newFakeAck()
	r.Dispatch(context.Background(), unsigned, ack)
	if got := ack.wait(t); got != "term" {
		t.Fatalf("unsigned dispatch settled with %s, want term", got)
	}

	signed := e.create(t, `{}`, "")
	protocol.SignDispatch(&signed, "s3cret")
	ack = newFakeAck()
	r.Dispatch(context.Background(), signed, ack)
	if got := ack.wait(t); got != "ack" {
		t.Fatalf("signed dispatch settled with %s, want ack", got)
	}
}

func TestRunnerForbiddenRetries(t *testing.T) {
	e := newEnv(t)
	// Token for the wrong audience is rejected with 403.
	tokens := TokenProviderFunc(func(context.Context, string) (string, error) {
		return e.issuer.Token(e.issuer.Claims("sub", "a@example.com", "http://elsewhere"))
	})
	r := New(Config{}, echo(), NewReporter(tokens, nil), nil, zerolog.Nop())

	d := e.create(t, `{}`, "")
	ack := newFakeAck()
	r.Dispatch(context.Background(), d, ack)
	if got := ack.wait(t); got != "nak-delay" {
		t.Fatalf("settled with %s, want nak-delay", got)
	}
	if got := e.result(t, d.CommandID); got != "" {
		t.Errorf("result recorded despite 403: %s", got)
	}
}

func TestRunnerExpiredCommandAcked(t *testing.T) {
	e := newEnv(t)
	r := New(Config{}, echo(), NewReporter(e.tokens(t, "a@example.com"), nil), nil, zerolog.Nop())

	d := protocol.Dispatch{CommandID: "gone", ReqBody: json.RawMessage(`{}`), ResultURL: e.svc.ResultURL("gone")}
	ack := newFakeAck()
	r.Dispatch(context.Background(), d, ack)
	if got := ack.wait(t); got != "ack" {
		t.Fatalf("settled with %s, want ack", got)
	}
}

func TestReporterOutcomes(t *testing.T) {
	tests := []struct {
		status int
		want   Outcome
	}{
		{http.StatusCreated, OutcomeRecorded},
		{http.StatusConflict, OutcomeDuplicate},
		{http.StatusNotFound, OutcomeGone},
		{http.StatusBadRequest, OutcomeRejected},
		{http.StatusForbidden, OutcomeForbidden},
		{http.StatusBadGateway, OutcomeRetry},
		{http.StatusInternalServerError, OutcomeRetry},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var gotAuth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			rep := NewReporter(TokenProviderFunc(func(_ context.Context, aud string) (string, error) {
				return "tok-for-" + aud, nil
			}), nil)
			got, _ := rep.Submit(context.Background(), srv.URL+"/api/results/x", json.RawMessage(`{}`))
			if got != tt.want {
				t.Errorf("outcome = %v, want %v", got, tt.want)
			}
			if gotAuth != "Bearer tok-for-"+srv.URL+"/api/results/x" {
				t.Errorf("Authorization = %q", gotAuth)
			}
		})
	}
}

func TestReporterTransportError(t *testing.T) {
	rep := NewReporter(TokenProviderFunc(func(context.Context, string) (string, error) { return "t", nil }), nil)
	got, err := rep.Submit(context.Background(), "http://127.0.0.1:1/api/results/x", json.RawMessage(`{}`))
	if got != OutcomeRetry || err == nil {
		t.Errorf("outcome = %v, %v; want retry", got, err)
	}

	rep = NewReporter(TokenProviderFunc(func(context.Context, string) (string, error) {
		return "", errors.New("metadata server unreachable")
	}), nil)
	if got, _ := rep.Submit(context.Background(), "http://x", json.RawMessage(`{}`)); got != OutcomeRetry {
		t.Errorf("token failure outcome = %v, want retry", got)
	}
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	e := newEnv(t)
	stats := &countingStats{}
	release := make(chan struct{})
	blocking := workload.Func(func(ctx context.Context, _ workload.Request) (json.RawMessage, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return json.RawMessage(`true`), nil
	})
	r := New(Config{MaxConcurrent: 2}, blocking, NewReporter(e.tokens(t, "a@example.com"), nil), stats, zerolog.Nop())

	acks := make([]*fakeAck, 5)
	for i := range acks {
		acks[i] = newFakeAck()
		r.Dispatch(context.Background(), e.create(t, `{}`, ""), acks[i])
	}

	time.Sleep(200 * time.Millisecond)
	if got := stats.inFlight.Load(); got != 2 {
		t.Errorf("in flight = %d, want 2", got)
	}
	close(release)
	for _, a := range acks {
		if got := a.wait(t); got != "ack" {
			t.Errorf("settled with %s", got)
		}
	}
	r.Wait()
	if got := stats.maxInFlight.Load(); got > 2 {
		t.Errorf("max in flight = %d, want <= 2", got)
	}
}

func TestRunnerKeepsDeliveryAlive(t *testing.T) {
	e := newEnv(t)
	slow := workload.Func(func(ctx context.Context, _ workload.Request) (json.RawMessage, error) {
		time.Sleep(150 * time.Millisecond)
		return json.RawMessage(`1`), nil
	})
	r := New(Config{ProgressInterval: 20 * time.Millisecond}, slow, NewReporter(e.tokens(t, "a@example.com"), nil), nil, zerolog.Nop())

	ack := newFakeAck()
	r.Dispatch(context.Background(), e.create(t, `{}`, ""), ack)
	ack.wait(t)
	if ack.progress.Load() == 0 {
		t.Error("no InProgress sent during a long run")
	}
}

func TestCredentialsIdentity(t *testing.T) {
	path := t.TempDir() + "/sa.json"
	writeFile(t, path, `{"type":"service_account","client_email":"agent@proj.iam.gserviceaccount.com"}`)
	got, err := CredentialsIdentity(path)
	if err != nil || got != "agent@proj.iam.gserviceaccount.com" {
		t.Errorf("CredentialsIdentity = %q, %v", got, err)
	}

	writeFile(t, path, `{"type":"authorized_user"}`)
	if _, err := CredentialsIdentity(path); err == nil {
		t.Error("expected error without client_email")
	}
}

func TestRunnerOverBus(t *testing.T) {
	e := newEnv(t)
	srv, err := natsserver.New(natsserver.Config{StoreDir: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	js := srv.JetStream()
	if _, err := bus.EnsureStream(ctx, js, bus.StreamConfig{MaxAge: time.Hour, Memory: true}); err != nil {
		t.Fatal(err)
	}

	stats := &countingStats{}
	r := New(Config{}, echo(), NewReporter(e.tokens(t, "a@example.com"), nil), stats, zerolog.Nop())
	sub, err := r.Start(ctx, js, bus.ConsumerConfig{AckWait: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Stop()

	d := e.create(t, `{"via":"bus"}`, "")
	if err := bus.NewPublisher(js, "", "", zerolog.Nop()).Publish(ctx, d); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := e.result(t, d.CommandID); got != "" {
			if !strings.Contains(got, `"via":"bus"`) {
				t.Errorf("result = %s", got)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("result never submitted")
}

func TestTargetedCommandWaitsForItsAgent(t *testing.T) {
	e := newEnv(t)
	srv, err := natsserver.New(natsserver.Config{StoreDir: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	js := srv.JetStream()
	if _, err := bus.EnsureStream(ctx, js, bus.StreamConfig{MaxAge: time.Hour, Memory: true}); err != nil {
		t.Fatal(err)
	}
	consumer := bus.ConsumerConfig{AckWait: 5 * time.Second, MaxDeliver: 5}

	// Another agent consumes first, long enough to have exhausted the
	// delivery budget had it been handed the command.
	var otherRan atomic.Bool
	otherWl := workload.Func(func(context.Context, workload.Request) (json.RawMessage, error) {
		otherRan.Store(true)
		return json.RawMessage(`"wrong agent"`), nil
	})
	other := New(Config{Identity: "other@example.com", RetryDelay: 20 * time.Millisecond}, otherWl,
		NewReporter(e.tokens(t, "other@example.com"), nil), nil, zerolog.Nop())
	otherSub, err := other.Start(ctx, js, consumer)
	if err != nil {
		t.Fatal(err)
	}

	d := e.create(t, `{"for":"target"}`, "target@example.com")
	if err := bus.NewPublisher(js, "", "", zerolog.Nop()).Publish(ctx, d); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Second)
	otherSub.Stop()
	other.Wait()
	if otherRan.Load() {
		t.Fatal("workload ran on an agent the command was not assigned to")
	}

	target := New(Config{Identity: "target@example.com", RetryDelay: 20 * time.Millisecond}, echo(),
		NewReporter(e.tokens(t, "target@example.com"), nil), nil, zerolog.Nop())
	targetSub, err := target.Start(ctx, js, consumer)
	if err != nil {
		t.Fatal(err)
	}
	defer targetSub.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := e.result(t, d.CommandID); got != "" {
			if !strings.Contains(got, `"for":"target"`) {
				t.Errorf("result = %s", got)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("targeted command never reached its assigned agent")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}
