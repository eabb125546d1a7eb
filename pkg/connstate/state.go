// Package connstate implements the ten-state automaton of a Styx
// connection and its legal transition table.
//
// The states and their transitions are data, not scattered conditionals:
// an explicit adjacency map is the single legality check, and doubles as
// the mechanical source for the state-diagram documentation.
package connstate

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
)

// State is one of the ten named states of a Styx connection.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	LastAck
	TimeWait
)

var names = map[State]string{
	Closed:      "CLOSED",
	Listen:      "LISTEN",
	SynSent:     "SYN_SENT",
	SynReceived: "SYN_RECEIVED",
	Established: "ESTABLISHED",
	FinWait1:    "FIN_WAIT_1",
	FinWait2:    "FIN_WAIT_2",
	CloseWait:   "CLOSE_WAIT",
	LastAck:     "LAST_ACK",
	TimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsTerminal reports whether s is CLOSED, the only state in which a
// connection record may be destroyed.
func (s State) IsTerminal() bool {
	return s == Closed
}

// transitions is the single authoritative legality table: the connection
// lifecycle's edges, plus LISTEN's self-loop for a SYN_RECEIVED handshake
// that aborts back to LISTEN to be reused. The segment codec does not
// validate sequencing; this table is the only place that does.
var transitions = map[State][]State{
	Closed:      {SynSent},
	Listen:      {SynReceived, Listen},
	SynSent:     {Established, Closed},
	SynReceived: {Established, Listen, Closed},
	Established: {FinWait1, CloseWait},
	FinWait1:    {FinWait2},
	FinWait2:    {TimeWait},
	CloseWait:   {LastAck},
	LastAck:     {Closed},
	TimeWait:    {Closed},
}

// Allowed reports whether transitioning from 'from' to 'to' is a legal edge
// in the table above.
func Allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine guards the state of a single connection and logs every
// attempted transition. The mutex lives in the caller
// (pkg/styxsocket.Socket), since the state belongs to one connection at a
// time.
type Machine struct {
	current State
}

// NewMachine returns a Machine starting in the given state (LISTEN for a
// bound server socket, CLOSED for a not-yet-connected client).
func NewMachine(start State) *Machine {
	return &Machine{current: start}
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	return m.current
}

// Transition moves the machine to 'to' if the edge is legal, logging the
// change. It reports whether the transition was applied.
func (m *Machine) Transition(ctx context.Context, to State) bool {
	if !Allowed(m.current, to) {
		dlog.Errorf(ctx, "illegal state transition %s -> %s", m.current, to)
		return false
	}
	dlog.Debugf(ctx, "state %s -> %s", m.current, to)
	m.current = to
	return true
}
