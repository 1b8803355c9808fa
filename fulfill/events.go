package fulfill

import (
	"fmt"
	"time"
)

// Status is the fulfillment state machine position. It is a closed set;
// handle it exhaustively rather than comparing strings.
type Status int

const (
	// StatusIdle means terms are loaded and the flow awaits authorization.
	StatusIdle Status = iota
	// StatusLoading means a transfer was submitted and confirmation is pending.
	StatusLoading
	// StatusSuccess means the ledger confirmed the transfer. Terminal.
	StatusSuccess
	// StatusError means submission or confirmation failed. Retryable with a
	// fresh nonce.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Transition is one state machine step, published for observers (UI,
// logging). Observers subscribe without mutating controller state.
type Transition struct {
	// From is the state the controller left.
	From Status

	// To is the state the controller entered.
	To Status

	// Message is a human-readable reason, set on error transitions.
	Message string

	// At is when the transition happened.
	At time.Time
}
