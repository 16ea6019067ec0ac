package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Outcome classifies a result submission.
type Outcome int

const (
	// OutcomeRecorded means the dispatcher stored the result.
	OutcomeRecorded Outcome = iota
	// OutcomeDuplicate means another delivery already completed the command.
	OutcomeDuplicate
	// OutcomeGone means the command expired or never existed.
	OutcomeGone
	// OutcomeRejected means the dispatcher refused the body; retrying cannot help.
	OutcomeRejected
	// OutcomeForbidden means the token or assignment check failed.
	OutcomeForbidden
	// OutcomeRetry covers transport errors and server failures.
	OutcomeRetry
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecorded:
		return "recorded"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeGone:
		return "gone"
	case OutcomeRejected:
		return "rejected"
	case OutcomeForbidden:
		return "forbidden"
	default:
		return "retry"
	}
}

// Reporter posts results to their result URL with a bearer token for that URL.
type Reporter struct {
	tokens TokenProvider
	client *http.Client
}

// NewReporter creates a Reporter. A nil client uses a default with a timeout.
func NewReporter(tokens TokenProvider, client *http.Client) *Reporter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Reporter{tokens: tokens, client: client}
}

// Submit posts result to resultURL. The returned error describes why the
// outcome was not OutcomeRecorded; it is nil on success.
func (r *Reporter) Submit(ctx context.Context, resultURL string, result json.RawMessage) (Outcome, error) {
	ts, err := r.tokens.TokenSource(ctx, resultURL)
	if err != nil {
		return OutcomeRetry, fmt.Errorf("token source: %w", err)
	}
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, r.client), ts)
	client.Timeout = r.client.Timeout

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resultURL, bytes.NewReader(result))
	if err != nil {
		return OutcomeRejected, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return OutcomeRetry, fmt.Errorf("post result: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		return OutcomeRecorded, nil
	case resp.StatusCode == http.StatusConflict:
		return OutcomeDuplicate, fmt.Errorf("result already recorded")
	case resp.StatusCode == http.StatusNotFound:
		return OutcomeGone, fmt.Errorf("command not found")
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return OutcomeForbidden, fmt.Errorf("result submission forbidden (status %d)", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return OutcomeRejected, fmt.Errorf("result rejected (status %d)", resp.StatusCode)
	default:
		return OutcomeRetry, fmt.Errorf("dispatcher error (status %d)", resp.StatusCode)
	}
}
