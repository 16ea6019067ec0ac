package agent

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

func startServer(t *testing.T) *natsserver.Server {
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
	return ns
}

func TestRegisterAndHeartbeat(t *testing.T) {
	ns := startServer(t)

	watcher, err := nats.Connect(ns.ClientURL(), nats.InProcessServer(ns))
	if err != nil {
		t.Fatal(err)
	}
	defer watcher.Close()
	regSub, _ := watcher.SubscribeSync(protocol.SubjectRegistry)
	hbSub, _ := watcher.SubscribeSync(protocol.SubjectHeartbeatAll)
	watcher.Flush()

	a, err := New(Config{
		NATSUrl:           ns.ClientURL(),
		NATSOpts:          []nats.Option{nats.InProcessServer(ns)},
		Name:              "worker-1",
		Version:           "test",
		Identity:          "worker@example.com",
		HeartbeatInterval: 50 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	msg, err := regSub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("registration: %v", err)
	}
	var reg protocol.Registration
	json.Unmarshal(msg.Data, &reg)
	if reg.Name != "worker-1" || reg.Identity != "worker@example.com" || reg.Capabilities == nil {
		t.Errorf("registration = %+v", reg)
	}

	end := a.Begin()
	a.RecordCommand()
	a.RecordError()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := hbSub.NextMsg(time.Second)
		if err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		var hb protocol.Heartbeat
		json.Unmarshal(msg.Data, &hb)
		if hb.CommandsProcessed == 1 && hb.Errors == 1 && hb.InFlight == 1 {
			if msg.Subject != protocol.SubjectHeartbeat("worker-1") {
				t.Errorf("subject = %q", msg.Subject)
			}
			end()
			end()
			if _, _, inFlight := a.Stats(); inFlight != 0 {
				t.Errorf("inFlight = %d after end", inFlight)
			}
			return
		}
	}
	t.Fatal("no heartbeat carried the updated counters")
}

func TestOnConfigReload(t *testing.T) {
	ns := startServer(t)

	a, err := New(Config{
		NATSUrl:  ns.ClientURL(),
		NATSOpts: []nats.Option{nats.InProcessServer(ns)},
		Name:     "worker-2",
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	reloads := make(chan struct{}, 2)
	if err := a.OnConfigReload(func() { reloads <- struct{}{} }); err != nil {
		t.Fatal(err)
	}
	a.Conn().Flush()

	a.Conn().Publish(protocol.SubjectConfigReload, nil)
	a.Conn().Publish(protocol.SubjectConfigReloadAgent("worker-2"), nil)
	for i := 0; i < 2; i++ {
		select {
		case <-reloads:
		case <-time.After(2 * time.Second):
			t.Fatalf("reload %d not delivered", i)
		}
	}
}
