package nus

import "errors"

// State is a step in the lifecycle of one Connection.
type State int

const (
	Idle State = iota
	Discovering
	Connecting
	ResolvingService
	ResolvingCharacteristics
	Subscribing
	Ready
	Closed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case ResolvingService:
		return "resolving-service"
	case ResolvingCharacteristics:
		return "resolving-characteristics"
	case Subscribing:
		return "subscribing"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Closed || s == Error
}

// Setup failures. Establish wraps the underlying transport error with one
// of these; match with errors.Is.
var (
	ErrTransportUnavailable  = errors.New("nus: bluetooth transport unavailable")
	ErrDeviceSelectionFailed = errors.New("nus: device selection failed")
	ErrResolutionFailed      = errors.New("nus: resolution failed")
	ErrSubscriptionFailed    = errors.New("nus: subscription failed")
)
