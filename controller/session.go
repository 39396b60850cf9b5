// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package controller

// SessionState is the observable synchronization state of the controller.
type SessionState int

// Session states.
const (
	NotConnected SessionState = iota
	Synching
	Synched
)

func (s SessionState) String() string {
	switch s {
	case NotConnected:
		return "NOT_CONNECTED"
	case Synching:
		return "SYNCHING"
	case Synched:
		return "SYNCHED"
	default:
		return "UNKNOWN"
	}
}

// Recompute derives the session state.  A connected controller is synching
// while any account exists and the local sync height differs from the best
// known height.
func Recompute(connected bool, accountCount int, syncHeight, bestHeight int32) SessionState {
	switch {
	case !connected:
		return NotConnected
	case accountCount > 0 && syncHeight != bestHeight:
		return Synching
	default:
		return Synched
	}
}

// sessionTracker holds the last derived state and reports transitions.
type sessionTracker struct {
	state SessionState
}

// update recomputes the state and returns the transition, if any.
func (t *sessionTracker) update(connected bool, accountCount int, syncHeight, bestHeight int32) (from, to SessionState, changed bool) {
	next := Recompute(connected, accountCount, syncHeight, bestHeight)
	if next == t.state {
		return t.state, next, false
	}
	from = t.state
	t.state = next
	return from, next, true
}
