package confirmation

import "errors"

type State string

const (
	Proposed            State = "proposed"
	PendingConfirmation State = "pending_confirmation"
	Approved            State = "approved"
	Executing           State = "executing"
	Completed           State = "completed"
	Failed              State = "failed"
	Rejected            State = "rejected"
)

var ErrInvalidTransition = errors.New("invalid confirmation transition")

type Event string

const (
	EventPersist Event = "PERSIST"
	EventApprove Event = "APPROVE"
	EventReject  Event = "REJECT"
	EventExecute Event = "EXECUTE"
	EventSucceed Event = "SUCCEED"
	EventFail    Event = "FAIL"
)

func CanTransition(from, to State) bool {
	switch from {
	case Proposed:
		return to == PendingConfirmation
	case PendingConfirmation:
		return to == Approved || to == Rejected
	case Approved:
		return to == Executing
	case Executing:
		return to == Completed || to == Failed
	default:
		return false
	}
}

func Next(from State, event Event) (State, error) {
	var to State
	switch event {
	case EventPersist:
		to = PendingConfirmation
	case EventApprove:
		to = Approved
	case EventReject:
		to = Rejected
	case EventExecute:
		to = Executing
	case EventSucceed:
		to = Completed
	case EventFail:
		to = Failed
	default:
		return from, ErrInvalidTransition
	}
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// Walk applies events in order and stops at the first invalid one.
func Walk(from State, events ...Event) (State, error) {
	s := from
	for _, ev := range events {
		next, err := Next(s, ev)
		if err != nil {
			return s, err
		}
		s = next
	}
	return s, nil
}

func IsTerminal(s State) bool {
	switch s {
	case Completed, Failed, Rejected:
		return true
	default:
		return false
	}
}
