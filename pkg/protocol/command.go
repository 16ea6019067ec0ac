package protocol

import (
	"bytes"
	"encoding/json"
	"time"
)

// Command is the correlation record stored under its ID while a command is
// pending or completed. It is evicted once ExpiresAt passes.
type Command struct {
	ID        string          `json:"cmdId"`
	User      string          `json:"user"`
	AgentID   string          `json:"agentId"`
	ReqBody   json.RawMessage `json:"reqBody"`
	ResultURL string          `json:"resultUrl"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Status values derived from a Command.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// HasResult reports whether a result has been recorded. A JSON null is
// treated the same as a missing result.
func (c *Command) HasResult() bool {
	return IsSetJSON(c.Result)
}

// Status returns StatusCompleted once a result is recorded, StatusPending otherwise.
func (c *Command) Status() string {
	if c.HasResult() {
		return StatusCompleted
	}
	return StatusPending
}

// Expired reports whether the record's time-to-live has elapsed at now.
func (c *Command) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Dispatch converts the record into the message published to agents.
func (c *Command) Dispatch() Dispatch {
	return Dispatch{
		CommandID: c.ID,
		ReqBody:   c.ReqBody,
		ResultURL: c.ResultURL,
		AgentID:   c.AgentID,
	}
}

// Dispatch is the message published on SubjectDispatch for each new command.
type Dispatch struct {
	CommandID string          `json:"commandId"`
	ReqBody   json.RawMessage `json:"reqBody"`
	ResultURL string          `json:"resultUrl"`
	AgentID   string          `json:"agentId,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// IsSetJSON reports whether raw holds a JSON value other than null.
func IsSetJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
