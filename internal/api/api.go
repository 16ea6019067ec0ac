// Package api serves cmdqd's HTTP surface: the command endpoints used by
// clients and agents, and the /api/v1 control endpoints used by cmdqctl.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmdq-dev/cmdq/internal/dispatcher"
	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

// MaxBodySize caps request bodies on every endpoint.
const MaxBodySize = 10 << 20

// AgentLister reports known agents.
type AgentLister interface {
	Agents() []protocol.AgentInfo
	Count() int
}

// Reloader asks agents to reload their configuration.
type Reloader interface {
	RequestReload(target string) error
}

// KeyCounter reports how many identity provider keys are cached.
type KeyCounter interface {
	Len() int
}

// Deps are the components the API serves.
type Deps struct {
	Commands     *dispatcher.Service
	Agents       AgentLister
	Keys         KeyCounter // may be nil
	Reloader     Reloader   // may be nil
	StoreBackend string
	StartedAt    time.Time
}

// Server serves the cmdqd HTTP API over TCP.
type Server struct {
	listen     string
	deps       Deps
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates an API server that will listen on addr.
func New(addr string, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		listen: addr,
		deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/cmd", s.handleCreateCommand)
	mux.HandleFunc("GET /api/results/{id}", s.handleGetResult)
	mux.HandleFunc("POST /api/results/{id}", s.handleSubmitResult)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/agents", s.handleAgents)
	mux.HandleFunc("POST /api/v1/config/reload", s.handleConfigReload)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the API's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. Blocks until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. Blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	cmd, err := s.deps.Commands.CreateCommand(r.Context(), body, r.URL.Query().Get("agent"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Location", cmd.ResultURL)
	writeJSON(w, http.StatusCreated, protocol.CreateCommandResponse{
		CommandID: cmd.ID,
		Location:  cmd.ResultURL,
	})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Commands.GetResult(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !res.Ready {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(res.Body)
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	err := s.deps.Commands.SubmitResult(r.Context(), r.PathValue("id"), bearerToken(r), body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := protocol.StatusResponse{
		Status:       "ok",
		Uptime:       time.Since(s.deps.StartedAt).Truncate(time.Second).String(),
		NATSRunning:  true,
		StartedAt:    s.deps.StartedAt,
		StoreBackend: s.deps.StoreBackend,
	}
	if s.deps.Agents != nil {
		resp.AgentCount = s.deps.Agents.Count()
	}
	if s.deps.Keys != nil {
		resp.KeyCount = s.deps.Keys.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := []protocol.AgentInfo{}
	if s.deps.Agents != nil {
		agents = s.deps.Agents.Agents()
	}
	writeJSON(w, http.StatusOK, protocol.AgentsResponse{Agents: agents})
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reloader == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req protocol.ConfigReloadRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}
	target := req.Target
	if err := s.deps.Reloader.RequestReload(target); err != nil {
		s.logger.Error().Err(err).Str("target", target).Msg("config reload failed")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	if target == "" {
		target = "all"
	}
	writeJSON(w, http.StatusOK, protocol.ConfigReloadResponse{Status: "ok", Target: target})
}

// writeError maps service errors to status codes. Only the status text is
// sent; details stay in the log.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatcher.ErrInvalidPayload), errors.Is(err, dispatcher.ErrInvalidResult):
		code = http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrUnauthorized):
		code = http.StatusForbidden
	case errors.Is(err, dispatcher.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, dispatcher.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, dispatcher.ErrStoreUnavailable):
		code = http.StatusBadGateway
	default:
		s.logger.Error().Err(err).Msg("unhandled error")
	}
	http.Error(w, http.StatusText(code), code)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// bearerToken extracts the token from "Authorization: Bearer <token>". The
// scheme is matched case-insensitively.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
