package chatclient

import (
	"fmt"

	"github.com/samber/lo"
)

// State is the client's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	// StateDegraded means a heartbeat went unanswered. The next answered
	// heartbeat restores StateAuthenticated; a second miss disconnects.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var transitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateAuthenticated, StateDisconnected},
	StateAuthenticated: {StateDegraded, StateDisconnected},
	StateDegraded:      {StateAuthenticated, StateDisconnected},
}

// CanTransition reports whether the machine may move from one state to
// another.
func CanTransition(from, to State) bool {
	return lo.Contains(transitions[from], to)
}
