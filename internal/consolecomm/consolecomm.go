// Package consolecomm is the duplex console session: it owns the websocket
// link to the console, the dispatch pipeline that routes inbound messages
// to the file store and the listener/fan-out tee, and the periodic
// heartbeat that reports process state back.
//
// Grounded on the ping/pong keepalive and blocking-read loop in
// acp/gateway.go's Run(), generalized from "bridge one browser tab to one
// agent subprocess" to "bridge one agent process to one console".
package consolecomm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ngrinder/agent/internal/connector"
	"github.com/ngrinder/agent/internal/consoleauth"
	"github.com/ngrinder/agent/internal/consolelistener"
	"github.com/ngrinder/agent/internal/consolemsg"
	"github.com/ngrinder/agent/internal/fanout"
	"github.com/ngrinder/agent/internal/filestore"
	"github.com/ngrinder/agent/internal/identity"
)

// ProcessState is the agent process's reported lifecycle state.
type ProcessState string

const (
	StateStarted ProcessState = "STARTED"
	StateRunning ProcessState = "RUNNING"
	StateFinished ProcessState = "FINISHED"
)

// ProcessReport is sent on session open, every heartbeat, and session
// close.
type ProcessReport struct {
	Type               string       `json:"type"`
	State              ProcessState `json:"state"`
	CacheHighWaterMark int64        `json:"cacheHighWaterMark"`
}

const reportMessageType = "agent_process_report"

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second
)

// Comm is one ConsoleCommunication session.
type Comm struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	store    *filestore.Store
	dispatch consolemsg.Sink
	onError  func(error)

	heartbeatInterval time.Duration
	heartbeatDelay    time.Duration

	closeOnce     sync.Once
	stopHeartbeat chan struct{}
	dead          chan struct{}
}

// Open dials the connector endpoint identified by identity, wires the
// dispatch pipeline (file store, then the listener/fan-out tee), and sends
// the initial STARTED report. store must already be open: the lazy
// "create if not yet created" rule is the control loop's responsibility,
// since the same store survives reconnects within a session.
func Open(ctx context.Context, conn connector.Connector, id identity.Identity, store *filestore.Store, listener *consolelistener.Listener, fan *fanout.Fanout, cred *consoleauth.Credential, heartbeatInterval, heartbeatDelay time.Duration, onError func(error)) (*Comm, error) {
	u := url.URL{Scheme: "ws", Host: conn.Address(), Path: "/agent", RawQuery: "agent=" + url.QueryEscape(id.String())}

	var header http.Header
	if auth := cred.AuthorizationHeader(); auth != "" {
		header = http.Header{"Authorization": []string{auth}}
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("consolecomm: dial %s: %w", u.String(), err)
	}

	c := &Comm{
		conn:              ws,
		store:             store,
		onError:           onError,
		heartbeatInterval: heartbeatInterval,
		heartbeatDelay:    heartbeatDelay,
		stopHeartbeat:     make(chan struct{}),
		dead:              make(chan struct{}),
	}
	c.dispatch = consolemsg.Chain{
		store.Sink(onError),
		consolemsg.Tee{listener.Sink(), fan.Sink()},
	}

	if err := c.sendReport(StateStarted); err != nil {
		ws.Close()
		return nil, fmt.Errorf("consolecomm: initial report: %w", err)
	}
	return c, nil
}

// Start kicks the inbound pump and schedules the STATE_RUNNING heartbeat.
func (c *Comm) Start() {
	go c.pump()
	go c.heartbeatLoop()
}

// Done returns a channel that closes once the inbound read loop exits,
// meaning the session is dead (remote close, network failure, or Shutdown).
func (c *Comm) Done() <-chan struct{} {
	return c.dead
}

func (c *Comm) pump() {
	defer close(c.dead)
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	go func() {
		for range pingTicker.C {
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("console read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))

		msg, err := decodeMessage(data)
		if err != nil {
			slog.Warn("console message decode failed", "error", err)
			continue
		}
		c.dispatch.Handle(msg)
	}
}

func decodeMessage(data []byte) (consolemsg.Message, error) {
	var envelope struct {
		Type consolemsg.Type `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return consolemsg.Message{}, err
	}
	return consolemsg.Message{Type: envelope.Type, Raw: data}, nil
}

func (c *Comm) heartbeatLoop() {
	timer := time.NewTimer(c.heartbeatDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.stopHeartbeat:
		return
	}

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		if err := c.sendReport(StateRunning); err != nil {
			slog.Warn("heartbeat failed, cancelling", "error", err)
			if c.onError != nil {
				c.onError(err)
			}
			return
		}
		select {
		case <-ticker.C:
		case <-c.stopHeartbeat:
			return
		}
	}
}

func (c *Comm) sendReport(state ProcessState) error {
	report := ProcessReport{Type: reportMessageType, State: state, CacheHighWaterMark: c.store.CacheHighWaterMark()}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(report)
}

// Shutdown cancels the heartbeat, best-effort sends a FINISHED report, and
// closes the connection. Idempotent.
func (c *Comm) Shutdown() {
	c.closeOnce.Do(func() {
		close(c.stopHeartbeat)
		_ = c.sendReport(StateFinished)
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(5*time.Second))
		c.conn.Close()
	})
}
