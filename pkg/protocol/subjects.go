package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// NATS subject constants and helpers.
const (
	SubjectDispatch     = "cmdq.dispatch"
	SubjectRegistry     = "cmdq.registry"
	SubjectConfigReload = "cmdq.config.reload"

	// SubjectHeartbeatAll matches every agent heartbeat.
	SubjectHeartbeatAll = "cmdq.heartbeat.>"
)

func SubjectHeartbeat(agentName string) string {
	return fmt.Sprintf("cmdq.heartbeat.%s", agentName)
}

func SubjectConfigReloadAgent(agentName string) string {
	return fmt.Sprintf("%s.%s", SubjectConfigReload, agentName)
}

// SubjectDispatchFor returns the subject a dispatch for agentID travels on.
// Untargeted dispatches use base; targeted ones use base.to.<IdentityToken>.
func SubjectDispatchFor(base, agentID string) string {
	if agentID == "" {
		return base
	}
	return fmt.Sprintf("%s.to.%s", base, IdentityToken(agentID))
}

// SubjectDispatchTargeted matches every targeted dispatch under base.
func SubjectDispatchTargeted(base string) string {
	return base + ".to.*"
}

// IdentityToken maps an agent identity to a single subject and consumer
// name token. Identities contain dots and @, which subjects cannot carry.
func IdentityToken(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:16])
}
