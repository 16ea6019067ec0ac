package protocol

// Registration is published on cmdq.registry when an agent starts.
type Registration struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Identity     string   `json:"identity,omitempty"`
	Capabilities []string `json:"capabilities"`
}
