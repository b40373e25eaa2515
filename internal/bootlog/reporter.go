// Package bootlog sends structured state-transition log entries to the
// console, best-effort and fire-and-forget. All methods are nil-safe: a
// nil *Reporter is a no-op, which lets the control loop use one
// unconditionally whether or not console logging was configured.
package bootlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Broadcaster is an interface for local delivery of boot log entries,
// independent of whether the HTTP relay to the console is reachable or
// even configured yet. Broadcast is called for every Log call, including
// ones made before a token has been redeemed.
type Broadcaster interface {
	Broadcast(step, status, message string, detail ...string)
}

// SlogBroadcaster is the default Broadcaster: it mirrors every boot log
// entry to the process's own structured logger, so an operator tailing the
// agent's own log output sees state transitions immediately, without
// depending on the console being reachable.
type SlogBroadcaster struct{}

// Broadcast logs the entry at INFO via slog.Default().
func (SlogBroadcaster) Broadcast(step, status, message string, detail ...string) {
	args := []any{"step", step, "status", status}
	if len(detail) > 0 && detail[0] != "" {
		args = append(args, "detail", detail[0])
	}
	slog.Info(message, args...)
}

// Reporter sends structured log entries to the console's agent-log
// endpoint. It is safe to call methods on a nil *Reporter — they simply
// no-op.
type Reporter struct {
	consoleURL    string
	agentName     string
	callbackToken string
	client        *http.Client
	broadcaster   Broadcaster
}

type logEntry struct {
	Step      string `json:"step"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// New creates a Reporter. The reporter starts without a token and will no-op
// until SetToken is called (typically once consoleauth redeems a
// credential).
func New(consoleURL, agentName string) *Reporter {
	return &Reporter{
		consoleURL: strings.TrimRight(consoleURL, "/"),
		agentName:  agentName,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// SetToken enables log sending by providing the callback JWT.
func (r *Reporter) SetToken(token string) {
	if r == nil {
		return
	}
	r.callbackToken = token
}

// SetBroadcaster wires a local broadcaster (cmd/agent uses SlogBroadcaster).
// The broadcaster receives log entries BEFORE the token check, so entries
// logged before a token is set are still delivered locally.
func (r *Reporter) SetBroadcaster(b Broadcaster) {
	if r == nil {
		return
	}
	r.broadcaster = b
}

// Log sends a boot log entry to the console's agent-log endpoint. It also
// hands the entry to the local broadcaster (if set).
//
// The local broadcast happens BEFORE the token check, so entries logged
// before a token is set are still delivered locally.
//
// Failures are logged locally and never returned to the caller.
func (r *Reporter) Log(step, status, message string, detail ...string) {
	if r == nil {
		return
	}

	// Broadcast locally first — works even before token redemption.
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(step, status, message, detail...)
	}

	// HTTP relay requires the callback token.
	if r.callbackToken == "" {
		return
	}

	r.logHTTP(step, status, message, detail...)
}

// logHTTP sends a boot log entry to the console via HTTP POST.
func (r *Reporter) logHTTP(step, status, message string, detail ...string) {
	entry := logEntry{
		Step:      step,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if len(detail) > 0 && detail[0] != "" {
		entry.Detail = detail[0]
	}

	body, err := json.Marshal(entry)
	if err != nil {
		log.Printf("bootlog: failed to marshal entry: %v", err)
		return
	}

	url := fmt.Sprintf("%s/agents/%s/log", r.consoleURL, r.agentName)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Printf("bootlog: failed to create request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.callbackToken)

	resp, err := r.client.Do(req)
	if err != nil {
		log.Printf("bootlog: failed to send log entry (step=%s): %v", step, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("bootlog: control plane returned HTTP %d for step=%s", resp.StatusCode, step)
	}
}
