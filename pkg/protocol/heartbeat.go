package protocol

import "time"

// Heartbeat is published on cmdq.heartbeat.<agent-name> at the agent's
// heartbeat interval.
type Heartbeat struct {
	Name              string    `json:"name"`
	Identity          string    `json:"identity,omitempty"`
	Status            string    `json:"status"`
	LastCommand       time.Time `json:"last_command"`
	CommandsProcessed int64     `json:"commands_processed"`
	Errors            int64     `json:"errors"`
	InFlight          int64     `json:"in_flight"`
}
