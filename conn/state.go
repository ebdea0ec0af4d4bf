// Package conn implements the client-side connection manager: a state
// machine driving the long-lived session to a zero server, independent
// of the dataflow engine it feeds. Transitions return a fresh snapshot
// rather than mutating in place, so subscribers can compare states by
// identity.
package conn

import (
	"fmt"
	"time"

	"zerosync.dev/core/zerrors"
)

// Status names the state machine's states.
type Status string

const (
	StatusConnecting   Status = "Connecting"
	StatusConnected    Status = "Connected"
	StatusDisconnected Status = "Disconnected"
	StatusNeedsAuth    Status = "NeedsAuth"
	StatusError        Status = "Error"
	StatusClosed       Status = "Closed"
)

// State is an immutable snapshot of the connection manager: every
// transition produces a new State value rather than mutating the
// previous one.
type State struct {
	Status Status

	// Reason carries why a Disconnected/NeedsAuth/Error state was
	// entered, for display and for the mutation-rejection policy.
	Reason string

	// Err is set on StatusError.
	Err error

	// ConnectingStartedAt marks when the current Connecting attempt
	// began. The Disconnected state that ends a Connecting attempt keeps
	// it; Connected, NeedsAuth and Error states leave it zero.
	ConnectingStartedAt time.Time

	// MinBackoff is a server-imposed floor on the next retry, carried
	// by Rebalance/Rehome/ServerOverloaded without forcing a state
	// transition.
	MinBackoff time.Duration
}

func (s State) String() string {
	if s.Reason != "" {
		return fmt.Sprintf("%s(%s)", s.Status, s.Reason)
	}
	return string(s.Status)
}

// Blocked implements zerrors.ConnectionReason: mutations are rejected in
// any state but Connecting/Connected, except when the blocking reason is
// NoSocketOrigin, which exempts purely local writes.
func (s State) Blocked() (blocked bool, reason string, exemptLocal bool) {
	switch s.Status {
	case StatusConnecting, StatusConnected:
		return false, "", false
	case StatusClosed:
		return true, "closed", false
	default:
		return true, s.Reason, s.Reason == string(zerrors.NoSocketOrigin)
	}
}

// terminalRecoverable reports whether connect({auth}) can pull the
// manager out of this state. Per the external interface, NeedsAuth and
// Error are the only states connect() recovers from; Closed is
// absorbing (P8) and Connecting/Connected/Disconnected don't need it.
func (s State) terminalRecoverable() bool {
	return s.Status == StatusNeedsAuth || s.Status == StatusError
}
