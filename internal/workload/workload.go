// Package workload holds the units of work an agent runs for each command.
package workload

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Kinds selectable through workload.kind.
const (
	KindSample = "sample"
	KindLua    = "lua"
)

// Request is the input to a workload run.
type Request struct {
	CommandID string
	Body      json.RawMessage
}

// Workload produces the result for one command. Implementations must be
// safe for concurrent use.
type Workload interface {
	Run(ctx context.Context, req Request) (json.RawMessage, error)
}

// Func adapts a function to Workload.
type Func func(ctx context.Context, req Request) (json.RawMessage, error)

func (f Func) Run(ctx context.Context, req Request) (json.RawMessage, error) { return f(ctx, req) }

// Error is a failure reported by the workload itself, as opposed to the
// agent runtime. Its message becomes the command's error result.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

func errorf(format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Config selects and configures a workload.
type Config struct {
	Kind            string
	Script          string
	VerifyIntegrity bool
}

// New builds the workload named by cfg.Kind.
func New(cfg Config, logger zerolog.Logger) (Workload, error) {
	switch cfg.Kind {
	case "", KindSample:
		return NewSample(0), nil
	case KindLua:
		if cfg.Script == "" {
			return nil, fmt.Errorf("workload.script is required for kind %q", KindLua)
		}
		return NewScript(ScriptConfig{Path: cfg.Script, VerifyIntegrity: cfg.VerifyIntegrity}, logger)
	default:
		return nil, fmt.Errorf("unknown workload kind %q", cfg.Kind)
	}
}
