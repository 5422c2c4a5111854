package ble

import "fmt"

// State is the lifecycle phase of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StatePairing
	StateConnected
	StatePolling
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StatePairing:
		return "pairing"
	case StateConnected:
		return "connected"
	case StatePolling:
		return "polling"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
