package types

import (
	"errors"
	"fmt"
)

// The error taxonomy below drives pipeline control flow. Each class maps to a
// distinct handling rule; see the engine and worker packages for the branches.

// ErrBudgetExceeded halts execution gracefully; completed work is preserved.
var ErrBudgetExceeded = errors.New("task cost ceiling exceeded")

// ErrVerificationShortfall marks a task whose best strike score stayed below
// target. The task lands in needs_review, not failed.
var ErrVerificationShortfall = errors.New("verification target not reached")

// ErrPlanningFailure means the planner could not produce a viable plan; the
// worker falls back to the simplest direct-execution path.
var ErrPlanningFailure = errors.New("no viable execution plan")

// SecurityRejection is returned when an action falls outside the locked
// intent. It is never retried and always audited.
type SecurityRejection struct {
	TaskID string
	Action Action
	Reason string
}

func (e *SecurityRejection) Error() string {
	return fmt.Sprintf("security rejection: action %s (%s) on task %s: %s",
		e.Action.ID, e.Action.Kind, e.TaskID, e.Reason)
}

// TransientFailure wraps an action failure that may succeed on retry.
type TransientFailure struct {
	Action Action
	Err    error
}

func (e *TransientFailure) Error() string {
	return fmt.Sprintf("transient failure on %s (%s): %v", e.Action.ID, e.Action.Kind, e.Err)
}

func (e *TransientFailure) Unwrap() error { return e.Err }

// UserMessage returns the generic, non-internal text safe to surface to the
// user for any error. Internal detail stays in the logs.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBudgetExceeded):
		return "I stopped before finishing because this task hit its cost limit. Everything completed so far is included below."
	case errors.Is(err, ErrVerificationShortfall):
		return "I finished the task but could not fully verify the result; please review it."
	case errors.Is(err, ErrPlanningFailure):
		return "I could not work out a full plan for this, so I took the most direct route I could."
	}
	var sec *SecurityRejection
	if errors.As(err, &sec) {
		return "Part of this task asked for something outside what I am allowed to do for this kind of request, so I skipped it."
	}
	return "Something went wrong while working on this task. I have kept whatever progress was made."
}
