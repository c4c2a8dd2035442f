// Package streamstate defines the three-state stream lifecycle shared by
// the Exposer and Entrance engines: OPENING, OPEN, CLOSED.
package streamstate

import "fmt"

// State is a stream's lifecycle state.
type State int

const (
	// Opening is the state between minting/receiving a stream id and the
	// peer confirming it (dial success on the Exposer side, accept on the
	// Entrance side).
	Opening State = iota
	// Open is the steady state: DATA frames flow in both directions.
	Open
	// Closed is terminal. Transitioning into Closed is idempotent — a
	// stream already Closed stays Closed.
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when a transition is attempted from a
// state that does not permit it.
type ErrInvalidTransition struct {
	From, To State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("streamstate: cannot transition from %s to %s", e.From, e.To)
}

// Machine tracks one stream's current state and enforces legal
// transitions. It is not safe for concurrent use; callers hold the
// transition behind whatever mutex already guards their stream map entry.
type Machine struct {
	current State
}

// New returns a Machine starting in Opening.
func New() *Machine {
	return &Machine{current: Opening}
}

// Current reports the machine's state.
func (m *Machine) Current() State {
	return m.current
}

// MarkOpen transitions Opening -> Open. It is a no-op (not an error) if
// already Open, but returns ErrInvalidTransition from Closed: a closed
// stream can never reopen.
func (m *Machine) MarkOpen() error {
	switch m.current {
	case Opening, Open:
		m.current = Open
		return nil
	default:
		return ErrInvalidTransition{From: m.current, To: Open}
	}
}

// MarkClosed transitions any state to Closed. It is always idempotent:
// closing an already-closed stream succeeds silently, matching the
// at-least-once delivery of CLOSE frames.
func (m *Machine) MarkClosed() {
	m.current = Closed
}

// IsClosed reports whether the stream has reached its terminal state.
func (m *Machine) IsClosed() bool {
	return m.current == Closed
}
