package engine

import (
	"fmt"
	"time"
)

// Event is an input to the session state machine.
type Event string

const (
	EventAddResource      Event = "add_resource"
	EventValidate         Event = "validate"
	EventValidationPassed Event = "validation_passed"
	EventValidationFailed Event = "validation_failed"
	EventPlan             Event = "plan"
	EventPlanSucceeded    Event = "plan_succeeded"
	EventPlanFailed       Event = "plan_failed"
	EventApprove          Event = "approve"
	EventApply            Event = "apply"
	EventApplySucceeded   Event = "apply_succeeded"
	EventApplyFailed      Event = "apply_failed"
	EventCancel           Event = "cancel"
	EventExpire           Event = "expire"
)

// transition is one row of the rule table. A zero destination leaves the
// state unchanged.
type transition struct {
	from []SessionState
	to   SessionState
}

var anyCancellable = []SessionState{
	StateDraft, StateValidating, StatePlanning, StatePlanReady, StateApproved, StateFailed,
}

var anyExpirable = []SessionState{
	StateDraft, StateValidating, StatePlanning, StatePlanReady,
}

var rules = map[Event]transition{
	EventAddResource:      {from: []SessionState{StateDraft, StateValidating}},
	EventValidate:         {from: []SessionState{StateDraft, StateValidating}, to: StateValidating},
	EventValidationPassed: {from: []SessionState{StateValidating}, to: StateDraft},
	EventValidationFailed: {from: []SessionState{StateValidating}, to: StateFailed},
	EventPlan:             {from: []SessionState{StateDraft, StateValidating}, to: StatePlanning},
	EventPlanSucceeded:    {from: []SessionState{StatePlanning}, to: StatePlanReady},
	EventPlanFailed:       {from: []SessionState{StatePlanning}, to: StateFailed},
	EventApprove:          {from: []SessionState{StatePlanReady}, to: StateApproved},
	EventApply:            {from: []SessionState{StateApproved}, to: StateApplying},
	EventApplySucceeded:   {from: []SessionState{StateApplying}, to: StateApplied},
	EventApplyFailed:      {from: []SessionState{StateApproved, StateApplying}, to: StateFailed},
	EventCancel:           {from: anyCancellable, to: StateCancelled},
	EventExpire:           {from: anyExpirable, to: StateExpired},
}

// Machine enforces the session transition table. It holds no state of its
// own; callers serialize access to a session.
type Machine struct {
	now func() time.Time
}

// NewMachine creates a state machine using the given clock.
func NewMachine(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{now: now}
}

// Can reports whether event is legal for the session in its current state.
func (m *Machine) Can(s *Session, event Event) bool {
	return m.check(s, event) == nil
}

// Fire applies event to the session, returning the previous state.
// An expired session rejects every event except expire itself.
func (m *Machine) Fire(s *Session, event Event) (SessionState, error) {
	prev := s.State
	if err := m.check(s, event); err != nil {
		return prev, err
	}
	if to := rules[event].to; to != "" {
		s.State = to
	}
	s.UpdatedAt = m.now().UTC()
	return prev, nil
}

// Expire moves the session to EXPIRED if its expiry has elapsed. It reports
// whether a transition happened.
func (m *Machine) Expire(s *Session) bool {
	if !s.IsExpired(m.now()) {
		return false
	}
	_, err := m.Fire(s, EventExpire)
	return err == nil
}

func (m *Machine) check(s *Session, event Event) error {
	rule, ok := rules[event]
	if !ok {
		return NewPermanentError(fmt.Sprintf("unknown event %q", event), nil).
			WithCode(ErrCodeInvalidTransition).WithSession(s.ID)
	}

	if event != EventExpire && s.IsExpired(m.now()) {
		return NewNotFoundError("session expired", nil).
			WithCode(ErrCodeSessionExpired).WithSession(s.ID).WithOperation(string(event))
	}

	for _, from := range rule.from {
		if s.State == from {
			if event == EventApprove && !s.CanApprove() {
				return NewConflictError("session has no successful plan to approve", nil).
					WithCode(ErrCodeInvalidTransition).WithSession(s.ID).WithOperation(string(event))
			}
			return nil
		}
	}

	if event == EventAddResource {
		return NewConflictError(fmt.Sprintf("session is locked in state %s", s.State), nil).
			WithCode(ErrCodeSessionLocked).WithSession(s.ID).WithOperation(string(event))
	}
	return NewConflictError(fmt.Sprintf("cannot %s from state %s", event, s.State), nil).
		WithCode(ErrCodeInvalidTransition).WithSession(s.ID).WithOperation(string(event))
}
