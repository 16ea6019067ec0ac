package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/cmdq-dev/cmdq/internal/api"
	"github.com/cmdq-dev/cmdq/internal/bus"
	"github.com/cmdq-dev/cmdq/internal/dispatcher"
	"github.com/cmdq-dev/cmdq/internal/identity"
	"github.com/cmdq-dev/cmdq/internal/natsserver"
	"github.com/cmdq-dev/cmdq/internal/registry"
	"github.com/cmdq-dev/cmdq/internal/store"
)

// Daemon is the cmdqd process.
type Daemon struct {
	cfg       Config
	logger    zerolog.Logger
	nats      *natsserver.Server
	nc        *nats.Conn // external connection; nil when embedded
	keys      *identity.KeySet
	registry  *registry.Registry
	apiServer *api.Server
	addr      net.Addr
	startedAt time.Time
	cancel    context.CancelFunc
	stopCh    chan struct{}
	readyCh   chan struct{}
}

// NewDaemon creates a Daemon from config.
func NewDaemon(cfg Config, logger zerolog.Logger) *Daemon {
	return &Daemon{
		cfg:     cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
		readyCh: make(chan struct{}),
	}
}

// Run starts all subsystems and blocks until a signal is received or Stop is called.
func (d *Daemon) Run() error {
	d.startedAt = time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	// 1. Connect the bus.
	nc, js, err := d.connectNATS()
	if err != nil {
		d.shutdown()
		return err
	}

	// 2. Dispatch stream and correlation store share the command TTL.
	ttl := d.cfg.Store.TTL
	if ttl <= 0 {
		ttl = store.DefaultTTL
	}
	if _, err := bus.EnsureStream(ctx, js, bus.StreamConfig{
		Name:     d.cfg.Bus.Stream,
		Subject:  d.cfg.Bus.Subject,
		MaxAge:   ttl,
		Replicas: d.cfg.Store.Replicas,
	}); err != nil {
		d.shutdown()
		return err
	}
	st, err := d.openStore(ctx, js, ttl)
	if err != nil {
		d.shutdown()
		return err
	}

	// 3. Identity provider keys. A failed first fetch is retried on demand.
	d.keys = identity.NewKeySet(identity.KeySetConfig{
		DiscoveryURL:       d.cfg.Identity.DiscoveryURL,
		MinRefreshInterval: d.cfg.Identity.MinRefreshInterval,
	}, d.logger)
	if err := d.keys.Refresh(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("initial key fetch failed, will retry")
	}
	refresh := d.cfg.Identity.RefreshInterval
	if refresh <= 0 {
		refresh = time.Hour
	}
	go d.keys.Run(ctx, refresh)
	verifier := identity.NewVerifier(d.keys, identity.Config{
		Issuer: d.cfg.Identity.Issuer,
		Leeway: d.cfg.Identity.Leeway,
	})

	// 4. Agent registry.
	reg, err := registry.New(nc, d.cfg.Registry.StaleAfter, d.logger)
	if err != nil {
		d.shutdown()
		return fmt.Errorf("start registry: %w", err)
	}
	d.registry = reg

	// 5. API server. Without a public URL the listener address is used.
	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		d.shutdown()
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	d.addr = ln.Addr()
	publicURL := d.cfg.Server.PublicURL
	if publicURL == "" {
		publicURL = "http://" + ln.Addr().String()
	}

	pub := bus.NewPublisher(js, d.cfg.Bus.Subject, d.cfg.Security.DispatchSecret, d.logger)
	svc := dispatcher.New(dispatcher.Config{
		PublicURL: publicURL,
		Issuer:    d.cfg.Identity.Issuer,
	}, st, pub, verifier, d.logger)

	d.apiServer = api.New(d.cfg.Server.Listen, api.Deps{
		Commands:     svc,
		Agents:       reg,
		Keys:         d.keys,
		Reloader:     reg,
		StoreBackend: d.cfg.Store.Backend,
		StartedAt:    d.startedAt,
	}, d.logger)
	apiErrCh := make(chan error, 1)
	go func() {
		apiErrCh <- d.apiServer.Serve(ln)
	}()

	d.logger.Info().
		Str("listen", ln.Addr().String()).
		Str("public_url", publicURL).
		Str("store", d.cfg.Store.Backend).
		Bool("signed_dispatch", d.cfg.Security.DispatchSecret != "").
		Msg("cmdqd started")

	close(d.readyCh)

	// 6. Wait for signal, stop call, or API error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-d.stopCh:
		d.logger.Info().Msg("stop requested, shutting down")
	case err := <-apiErrCh:
		if err != nil {
			d.logger.Error().Err(err).Msg("API server error")
			d.shutdown()
			return err
		}
	}

	return d.shutdown()
}

func (d *Daemon) connectNATS() (*nats.Conn, jetstream.JetStream, error) {
	if d.cfg.NATS.Embedded {
		ns, err := natsserver.New(natsserver.Config{
			StoreDir: d.cfg.NATS.DataDir,
			Host:     d.cfg.NATS.Host,
			Port:     d.cfg.NATS.Port,
			Token:    d.cfg.NATS.Token,
		}, d.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("start nats: %w", err)
		}
		d.nats = ns
		return ns.Conn(), ns.JetStream(), nil
	}

	nc, err := nats.Connect(d.cfg.NATS.URL, d.NATSConnectOpts()...)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init: %w", err)
	}
	d.nc = nc
	return nc, js, nil
}

func (d *Daemon) openStore(ctx context.Context, js jetstream.JetStream, ttl time.Duration) (store.Store, error) {
	if d.cfg.Store.Backend == BackendMemory {
		d.logger.Warn().Msg("memory store selected, commands are not shared between instances")
		return store.NewMemory(ttl), nil
	}
	kv, err := store.NewKV(ctx, js, store.KVConfig{
		Bucket:   d.cfg.Store.Bucket,
		TTL:      ttl,
		Replicas: d.cfg.Store.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return kv, nil
}

// Stop signals the daemon to shut down. Safe to call from another goroutine.
func (d *Daemon) Stop() {
	close(d.stopCh)
}

// Ready is closed once the API is accepting connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.readyCh
}

// Addr returns the API listener address. Valid after Ready.
func (d *Daemon) Addr() net.Addr {
	return d.addr
}

// NATSClientURL returns the URL agents should connect to.
func (d *Daemon) NATSClientURL() string {
	if d.nats != nil {
		return d.nats.ClientURL()
	}
	return d.cfg.NATS.URL
}

// NATSConnectOpts returns the connection options agents need to reach the bus.
func (d *Daemon) NATSConnectOpts() []nats.Option {
	if d.nats != nil {
		return d.nats.ConnectOptions()
	}
	opts := []nats.Option{
		nats.Name("cmdqd"),
		nats.MaxReconnects(-1),
	}
	if d.cfg.NATS.Token != "" {
		opts = append(opts, nats.Token(d.cfg.NATS.Token))
	}
	return opts
}

func (d *Daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if d.apiServer != nil {
		d.apiServer.Shutdown(ctx)
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.registry != nil {
		d.registry.Close()
	}
	if d.nc != nil {
		d.nc.Drain()
	}
	if d.nats != nil {
		d.nats.Shutdown()
	}
	return nil
}
