package protocol

import "time"

// CreateCommandResponse is returned with 201 by POST /api/cmd.
type CreateCommandResponse struct {
	CommandID string `json:"commandId"`
	Location  string `json:"location"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Status       string    `json:"status"`
	Uptime       string    `json:"uptime"`
	NATSRunning  bool      `json:"nats_running"`
	StartedAt    time.Time `json:"started_at"`
	AgentCount   int       `json:"agent_count"`
	StoreBackend string    `json:"store_backend"`
	KeyCount     int       `json:"key_count"`
}

// AgentInfo is one entry in the GET /api/v1/agents response.
type AgentInfo struct {
	Name              string    `json:"name"`
	Version           string    `json:"version"`
	Identity          string    `json:"identity,omitempty"`
	Status            string    `json:"status"`
	Capabilities      []string  `json:"capabilities"`
	RegisteredAt      time.Time `json:"registered_at"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	CommandsProcessed int64     `json:"commands_processed"`
	Errors            int64     `json:"errors"`
	InFlight          int64     `json:"in_flight"`
}

// AgentsResponse is returned by GET /api/v1/agents.
type AgentsResponse struct {
	Agents []AgentInfo `json:"agents"`
}

// ConfigReloadRequest is the optional body of POST /api/v1/config/reload.
// An empty Target reloads every agent.
type ConfigReloadRequest struct {
	Target string `json:"target,omitempty"`
}

// ConfigReloadResponse is returned by POST /api/v1/config/reload.
type ConfigReloadResponse struct {
	Status string `json:"status"`
	Target string `json:"target"`
}
