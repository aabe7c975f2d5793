package vm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Fault classifies why an evaluation did not accept its event. Faults
// are bits so that Opts.NoThrow can absorb several classes at once.
type Fault uint32

const (
	FaultAccept Fault = 0
	// already admitted, or another evaluation holds the same event_id
	FaultExists Fault = 1 << iota
	// malformed or non-conforming event
	FaultEvent
	// required prev/auth events are unavailable
	FaultState
	// the authorization predicate denied the event
	FaultAuth
	// cancelled or timed out
	FaultInterrupt
	// storage and everything else
	FaultGeneral
)

var faultNames = map[Fault]string{
	FaultAccept:    "ACCEPT",
	FaultExists:    "EXISTS",
	FaultEvent:     "EVENT",
	FaultState:     "STATE",
	FaultAuth:      "AUTH",
	FaultInterrupt: "INTERRUPT",
	FaultGeneral:   "GENERAL",
}

func (f Fault) String() string {
	if name, ok := faultNames[f]; ok {
		return name
	}
	var names []string
	for bit := FaultExists; bit <= FaultGeneral; bit <<= 1 {
		if f&bit != 0 {
			names = append(names, faultNames[bit])
		}
	}
	return strings.Join(names, "|")
}

var (
	ErrInFlight      = errors.New("construct: event is already being evaluated")
	ErrExists        = errors.New("construct: event already admitted")
	ErrNonConforming = errors.New("construct: event does not conform")
	ErrMissingPrev   = errors.New("construct: prev events unavailable")
	ErrDenied        = errors.New("construct: event not authorized")
	ErrNoIdentity    = errors.New("construct: no signing identity configured")
)

// Error is what Eval returns for a rejected event.
type Error struct {
	Fault   Fault
	EventID string
	Err     error
}

func (e *Error) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("vm %s: %v", e.Fault, e.Err)
	}
	return fmt.Sprintf("vm %s %s: %v", e.Fault, e.EventID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FaultOf extracts the fault class of an error returned by the vm.
// Errors that did not come from an evaluation are classified by cause.
func FaultOf(err error) Fault {
	if err == nil {
		return FaultAccept
	}
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Fault
	}
	if interrupted(err) {
		return FaultInterrupt
	}
	return FaultGeneral
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// fault wraps err unless it already carries a fault; cancellation always
// becomes FaultInterrupt.
func fault(f Fault, id string, err error) *Error {
	var verr *Error
	if errors.As(err, &verr) {
		return verr
	}
	if interrupted(err) {
		f = FaultInterrupt
	}
	return &Error{Fault: f, EventID: id, Err: err}
}
