// Package connector describes the console endpoint an agent session talks to.
package connector

import (
	"fmt"
	"strconv"
)

// ConnectionType distinguishes the kind of session established with a
// Connector's endpoint.
type ConnectionType string

const (
	// TypeAgent is the connection type an agent uses when registering with
	// the console.
	TypeAgent ConnectionType = "agent"
	// TypeController is the connection type a load-test controller uses.
	TypeController ConnectionType = "controller"
)

// Connector is an immutable endpoint descriptor. Two Connectors compare
// equal by value; the control loop uses equality to decide whether the
// console address has changed across a PREPARING_RUN iteration.
type Connector struct {
	Host           string
	Port           int
	ConnectionType ConnectionType
}

// New builds a Connector for the given endpoint and connection type.
func New(host string, port int, connectionType ConnectionType) Connector {
	return Connector{Host: host, Port: port, ConnectionType: connectionType}
}

// Equal reports whether c and other describe the same endpoint.
func (c Connector) Equal(other Connector) bool {
	return c == other
}

// Address returns the "host:port" string used to dial the endpoint.
func (c Connector) Address() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func (c Connector) String() string {
	return fmt.Sprintf("%s(%s)", c.Address(), c.ConnectionType)
}
