// Package natsserver runs the embedded NATS server that carries cmdq's
// dispatch stream and command bucket when no external cluster is configured.
package natsserver

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Config holds settings for the embedded NATS server.
type Config struct {
	StoreDir string
	Host     string // empty keeps the server in-process only
	Port     int
	Token    string // If non-empty, requires token auth for NATS connections.
}

// Server wraps an embedded NATS server with JetStream enabled.
type Server struct {
	ns     *server.Server
	nc     *nats.Conn
	js     jetstream.JetStream
	token  string
	inProc bool
	logger zerolog.Logger
}

// New creates and starts the embedded NATS server and opens the daemon's own
// client connection to it.
func New(cfg Config, logger zerolog.Logger) (*Server, error) {
	opts := &server.Options{
		ServerName: "cmdqd",
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		DontListen: cfg.Host == "",
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("nats server create: %w", err)
	}
	ns.SetLoggerV2(newServerLog(logger), false, false, false)

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server failed to become ready")
	}

	s := &Server{ns: ns, token: cfg.Token, inProc: opts.DontListen, logger: logger}

	nc, err := s.Connect(nats.Name("cmdqd"))
	if err != nil {
		ns.Shutdown()
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	s.nc = nc
	s.js = js

	logger.Info().Str("client_url", ns.ClientURL()).Bool("in_process", opts.DontListen).Msg("embedded NATS started")
	return s, nil
}

// ConnectOptions returns the options a client needs to reach this server,
// including the in-process transport and token when they apply.
func (s *Server) ConnectOptions() []nats.Option {
	var opts []nats.Option
	if s.inProc {
		opts = append(opts, nats.InProcessServer(s.ns))
	}
	if s.token != "" {
		opts = append(opts, nats.Token(s.token))
	}
	return opts
}

// Connect opens an additional client connection to the server.
func (s *Server) Connect(extra ...nats.Option) (*nats.Conn, error) {
	nc, err := nats.Connect(s.ns.ClientURL(), append(s.ConnectOptions(), extra...)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// Conn returns the daemon's NATS client connection.
func (s *Server) Conn() *nats.Conn { return s.nc }

// JetStream returns the JetStream handle.
func (s *Server) JetStream() jetstream.JetStream { return s.js }

// NATSServer returns the raw server for InProcessServer connections.
func (s *Server) NATSServer() *server.Server { return s.ns }

// ClientURL returns the NATS client connection URL.
func (s *Server) ClientURL() string { return s.ns.ClientURL() }

// Shutdown drains the daemon's connection and stops the server.
func (s *Server) Shutdown() {
	s.logger.Info().Msg("shutting down embedded NATS")
	s.nc.Drain()
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
