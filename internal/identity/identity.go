// Package identity holds the agent's own identity as seen by the console.
package identity

import (
	"os"
	"strconv"
)

// Identity identifies this agent to the console. HostName is fixed for the
// process lifetime; Name starts as the local hostname and the control loop
// replaces it with grinder.hostID when that property is set; Number is
// assigned from each StartGrinder message and is -1 when the agent is
// running stand-alone.
type Identity struct {
	HostName string
	Name     string
	Number   int
}

// New returns an Identity seeded from the local hostname, with Number unset
// (-1, meaning stand-alone) until a start message assigns one.
func New() (Identity, error) {
	host, err := os.Hostname()
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		HostName: host,
		Name:     host,
		Number:   -1,
	}, nil
}

// Equal reports whether two identities match on all three fields.
func (id Identity) Equal(other Identity) bool {
	return id.HostName == other.HostName && id.Name == other.Name && id.Number == other.Number
}

// WithName returns a copy of id with Name replaced.
func (id Identity) WithName(name string) Identity {
	if name == "" {
		return id
	}
	id.Name = name
	return id
}

// WithNumber returns a copy of id with Number replaced.
func (id Identity) WithNumber(number int) Identity {
	id.Number = number
	return id
}

func (id Identity) String() string {
	if id.Number < 0 {
		return id.Name
	}
	return id.Name + "-" + strconv.Itoa(id.Number)
}
