// Package consolelistener buffers and classifies inbound console messages
// by flag bits.
package consolelistener

import (
	"encoding/json"
	"sync"

	"github.com/ngrinder/agent/internal/consolemsg"
	"github.com/ngrinder/agent/internal/eventsync"
)

// Flag is a bit in the console-message mask.
type Flag uint8

const (
	Start Flag = 1 << iota
	Stop
	Shutdown
	Reset
)

// Any is the union of every named flag.
const Any = Start | Stop | Shutdown | Reset

// StartMessage is the payload of a StartGrinder console message.
// AgentNumber is -1 when the console message specifies no agent number.
type StartMessage struct {
	Properties  map[string]string
	AgentNumber int
}

// Listener buffers console message flags until consumed by the control
// loop. Its state is guarded by its own mutex; every arrival and Shutdown
// is announced on a shared eventsync.Signal owned by the control loop.
type Listener struct {
	signal *eventsync.Signal

	mu         sync.Mutex
	pending    Flag
	lastStart  *StartMessage
	terminated bool
}

// New returns a Listener that signals on sig.
func New(sig *eventsync.Signal) *Listener {
	return &Listener{signal: sig}
}

// Received reports whether any buffered message class intersects mask.
// Non-consuming.
func (l *Listener) Received(mask Flag) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending&mask != 0
}

// CheckForMessage is the consuming variant of Received: it clears the
// intersecting bits and reports whether any were pending.
func (l *Listener) CheckForMessage(mask Flag) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	hit := l.pending & mask
	if hit == 0 {
		return false
	}
	l.pending &^= hit
	return true
}

// DiscardMessages clears bits in mask without reporting whether any were set.
func (l *Listener) DiscardMessages(mask Flag) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending &^= mask
	if mask&Start != 0 {
		l.lastStart = nil
	}
}

// GetLastStartGrinderMessage returns the most recently received start
// payload, clearing the Start flag. Returns nil if none is buffered.
func (l *Listener) GetLastStartGrinderMessage() *StartMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := l.lastStart
	l.lastStart = nil
	l.pending &^= Start
	return msg
}

// WaitForMessage blocks until any message arrives or the listener is shut
// down. It takes no context; Shutdown is what releases a blocked waiter.
func (l *Listener) WaitForMessage() {
	for {
		wake := l.signal.Wait()
		l.mu.Lock()
		if l.terminated || l.pending != 0 {
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		<-wake
	}
}

// onMessage records that a message of kind flag arrived and wakes any
// waiter. Called by the dispatcher handlers registerMessageHandlers installs.
func (l *Listener) onMessage(flag Flag, start *StartMessage) {
	l.mu.Lock()
	l.pending |= flag
	if flag == Start && start != nil {
		l.lastStart = start
	}
	l.mu.Unlock()
	l.signal.Notify()
}

// OnStart records a StartGrinder message.
func (l *Listener) OnStart(msg StartMessage) { l.onMessage(Start, &msg) }

// OnStop records a Stop message.
func (l *Listener) OnStop() { l.onMessage(Stop, nil) }

// OnShutdown records a Shutdown message.
func (l *Listener) OnShutdown() { l.onMessage(Shutdown, nil) }

// OnReset records a Reset message.
func (l *Listener) OnReset() { l.onMessage(Reset, nil) }

// Sink returns a consolemsg.Sink that installs this listener as a message
// handler. It recognizes Start/Stop/Shutdown/Reset message types and
// reports them as handled; every other type is reported unhandled.
// consolecomm installs it as the first arm of the file-store fallback tee,
// which ignores the result.
func (l *Listener) Sink() consolemsg.Sink {
	return consolemsg.SinkFunc(func(m consolemsg.Message) bool {
		switch m.Type {
		case consolemsg.TypeStartGrinder:
			var payload struct {
				Properties  map[string]string `json:"properties"`
				AgentNumber *int              `json:"agentNumber"`
			}
			_ = json.Unmarshal(m.Raw, &payload)
			number := -1
			if payload.AgentNumber != nil {
				number = *payload.AgentNumber
			}
			l.OnStart(StartMessage{Properties: payload.Properties, AgentNumber: number})
		case consolemsg.TypeStop:
			l.OnStop()
		case consolemsg.TypeShutdown:
			l.OnShutdown()
		case consolemsg.TypeReset:
			l.OnReset()
		default:
			return false
		}
		return true
	})
}

// Shutdown sets the terminal flag: subsequent WaitForMessage calls return
// immediately with the Shutdown bit raised. Idempotent.
func (l *Listener) Shutdown() {
	l.mu.Lock()
	if l.terminated {
		l.mu.Unlock()
		return
	}
	l.terminated = true
	l.pending |= Shutdown
	l.mu.Unlock()
	l.signal.Notify()
}
