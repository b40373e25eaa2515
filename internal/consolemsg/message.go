// Package consolemsg defines the inbound console message envelope and the
// dispatch-pipeline primitives (chain + tee of sinks) used in place of a
// dependency-injected dispatcher.
package consolemsg

import "encoding/json"

// Type classifies one inbound console message.
type Type string

const (
	TypeStartGrinder     Type = "start_grinder"
	TypeStop             Type = "stop"
	TypeShutdown         Type = "shutdown"
	TypeReset            Type = "reset"
	TypeFileDistribution Type = "file_distribution"
)

// Message is one inbound console message: a type tag plus its raw payload,
// classifying a WebSocket frame by a "type" field before deciding who
// handles it.
type Message struct {
	Type Type
	Raw  json.RawMessage
}

// Sink consumes a Message. It returns true if the message was handled and
// should not be offered to later sinks in a Chain.
type Sink interface {
	Handle(Message) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Message) bool

// Handle implements Sink.
func (f SinkFunc) Handle(m Message) bool { return f(m) }

// Chain tries each Sink in order, stopping at the first one that reports
// the message as handled. An empty Chain never consumes anything.
type Chain []Sink

// Handle implements Sink.
func (c Chain) Handle(m Message) bool {
	for _, s := range c {
		if s.Handle(m) {
			return true
		}
	}
	return false
}

// Tee forwards a Message to every member sink regardless of the others'
// return value, then always reports the message as handled. This is the
// fallback arm of the file-store dispatcher: every unmatched message
// reaches both the agent's own ConsoleListener and the live worker
// fan-out sender.
type Tee []Sink

// Handle implements Sink.
func (t Tee) Handle(m Message) bool {
	for _, s := range t {
		s.Handle(m)
	}
	return true
}
