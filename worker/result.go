package worker

import (
	"github.com/freundallein/corrector/chassis/protocol"
)

// Outcome - how a correction attempt ended
type Outcome int

const (
	// Corrected - the checker graded the submission
	Corrected Outcome = iota
	// Transient - worth retrying: timeouts, broker trouble, checker errors
	Transient
	// Permanent - retrying cannot help: invalid message or reference
	Permanent
	// Interrupted - the worker is shutting down; hand the message back
	Interrupted
)

func (o Outcome) String() string {
	switch o {
	case Corrected:
		return "corrected"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Result of the inner correction step.
type Result struct {
	Outcome    Outcome
	Err        error
	Request    *protocol.CorrectionRequest
	Correction *protocol.Correction
}

func corrected(req *protocol.CorrectionRequest, c *protocol.Correction) Result {
	return Result{Outcome: Corrected, Request: req, Correction: c}
}

func transient(req *protocol.CorrectionRequest, err error) Result {
	return Result{Outcome: Transient, Request: req, Err: err}
}

func permanent(req *protocol.CorrectionRequest, err error) Result {
	return Result{Outcome: Permanent, Request: req, Err: err}
}

func interrupted(req *protocol.CorrectionRequest, err error) Result {
	return Result{Outcome: Interrupted, Request: req, Err: err}
}
