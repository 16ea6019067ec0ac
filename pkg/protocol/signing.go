package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// signingPayload is the subset of Dispatch fields that are signed.
// A dedicated struct ensures deterministic JSON marshal order.
type signingPayload struct {
	CommandID string          `json:"commandId"`
	ReqBody   json.RawMessage `json:"reqBody"`
	ResultURL string          `json:"resultUrl"`
	AgentID   string          `json:"agentId"`
}

func (d *Dispatch) canonical() ([]byte, error) {
	return json.Marshal(signingPayload{
		CommandID: d.CommandID,
		ReqBody:   d.ReqBody,
		ResultURL: d.ResultURL,
		AgentID:   d.AgentID,
	})
}

// SignDispatch computes an HMAC-SHA256 signature for the dispatch message and
// sets d.Signature. If secret is empty, the message is left unsigned.
func SignDispatch(d *Dispatch, secret string) error {
	if secret == "" {
		return nil
	}
	canonical, err := d.canonical()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	d.Signature = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// VerifyDispatch checks the HMAC-SHA256 signature on a dispatch message.
// If secret is empty, verification is skipped (returns true).
// If the message has no signature but a secret is configured, returns false.
func VerifyDispatch(d *Dispatch, secret string) bool {
	if secret == "" {
		return true
	}
	if d.Signature == "" {
		return false
	}
	canonical, err := d.canonical()
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(d.Signature))
}
