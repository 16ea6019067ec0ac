package workload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// HandlerName is the global function a workload script must define.
const HandlerName = "handle"

// ScriptConfig configures a Lua script workload.
type ScriptConfig struct {
	Path            string
	VerifyIntegrity bool // require a matching entry in the script dir's manifest
}

type compiled struct {
	proto    *lua.FunctionProto
	loadedAt time.Time
}

// Script runs a Lua script's handle(request) for each command. The script
// is compiled once per load and executed in a fresh sandboxed state per
// call, so concurrent runs never share Lua state.
//
// request is a table {command_id = ..., body = ...}; handle's return value
// is encoded as the JSON result, and a Lua error becomes the command's error.
type Script struct {
	cfg     ScriptConfig
	current atomic.Pointer[compiled]
	runs    atomic.Int64
	errors  atomic.Int64
	logger  zerolog.Logger
}

// NewScript loads and compiles the script at cfg.Path.
func NewScript(cfg ScriptConfig, logger zerolog.Logger) (*Script, error) {
	s := &Script{
		cfg:    cfg,
		logger: logger.With().Str("component", "workload").Str("script", filepath.Base(cfg.Path)).Logger(),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload recompiles the script from disk. On failure the previously loaded
// version stays in use.
func (s *Script) Reload() error {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	if s.cfg.VerifyIntegrity {
		dir := filepath.Dir(s.cfg.Path)
		manifest, err := LoadManifest(dir)
		if err != nil {
			return fmt.Errorf("load manifest: %w", err)
		}
		if manifest == nil {
			return fmt.Errorf("integrity verification enabled but %s not found in %s", ManifestFilename, dir)
		}
		if err := manifest.Verify(filepath.Base(s.cfg.Path), data); err != nil {
			return fmt.Errorf("integrity check failed: %w", err)
		}
	}

	name := filepath.Base(s.cfg.Path)
	chunk, err := parse.Parse(bytes.NewReader(data), name)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return fmt.Errorf("compile %s: %w", name, err)
	}

	// Make sure the script defines the handler before swapping it in.
	L := newSandboxedState(s.logger)
	defer L.Close()
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 0, nil); err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	if _, ok := L.GetGlobal(HandlerName).(*lua.LFunction); !ok {
		return fmt.Errorf("%s does not define function %s(request)", name, HandlerName)
	}

	s.current.Store(&compiled{proto: proto, loadedAt: time.Now()})
	s.logger.Info().Msg("loaded workload script")
	return nil
}

// LoadedAt returns when the script in use was compiled.
func (s *Script) LoadedAt() time.Time {
	return s.current.Load().loadedAt
}

// Stats returns the run and error counters.
func (s *Script) Stats() (runs, failures int64) {
	return s.runs.Load(), s.errors.Load()
}

func (s *Script) Run(ctx context.Context, req Request) (json.RawMessage, error) {
	s.runs.Add(1)
	res, err := s.run(ctx, req)
	if err != nil {
		s.errors.Add(1)
	}
	return res, err
}

func (s *Script) run(ctx context.Context, req Request) (json.RawMessage, error) {
	c := s.current.Load()
	logger := s.logger.With().Str("command_id", req.CommandID).Logger()

	L := newSandboxedState(logger)
	defer L.Close()
	L.SetContext(ctx)

	L.Push(L.NewFunctionFromProto(c.proto))
	if err := L.PCall(0, 0, nil); err != nil {
		return nil, s.luaError(ctx, err)
	}
	fn, ok := L.GetGlobal(HandlerName).(*lua.LFunction)
	if !ok {
		return nil, errorf("script does not define %s", HandlerName)
	}

	body, err := jsonToLua(L, req.Body)
	if err != nil {
		return nil, &Error{Msg: err.Error()}
	}
	request := L.NewTable()
	L.SetField(request, "command_id", lua.LString(req.CommandID))
	L.SetField(request, "body", body)

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, request); err != nil {
		return nil, s.luaError(ctx, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	out, err := luaToJSON(ret)
	if err != nil {
		return nil, errorf("encode result: %v", err)
	}
	return out, nil
}

// luaError turns a Lua failure into a workload Error carrying only the
// message the script raised, or the context error on timeout.
func (s *Script) luaError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return &Error{Msg: apiErr.Object.String()}
	}
	return &Error{Msg: err.Error()}
}

// Watch reloads the script whenever it changes on disk, until ctx is
// cancelled. Bursts of events are debounced.
func (s *Script) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors often replace the file rather than write it.
	dir := filepath.Dir(s.cfg.Path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go s.watchLoop(ctx, watcher)

	s.logger.Info().Str("dir", dir).Msg("watching workload script for changes")
	return nil
}

func (s *Script) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	target := filepath.Clean(s.cfg.Path)
	manifest := filepath.Join(filepath.Dir(target), ManifestFilename)

	var mu sync.Mutex
	var timer *time.Timer
	reload := func() {
		if err := s.Reload(); err != nil {
			s.logger.Error().Err(err).Msg("failed to reload workload script, keeping previous version")
		}
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if name != target && name != manifest {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(500*time.Millisecond, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("watcher error")
		}
	}
}
