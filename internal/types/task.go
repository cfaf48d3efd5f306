// Package types holds the shared task model: the task state machine, the
// closed action vocabulary, and the error taxonomy used across the pipeline.
package types

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusReceived             TaskStatus = "received"
	StatusAwaitingConfirmation TaskStatus = "awaiting_confirmation"
	StatusPending              TaskStatus = "pending"
	StatusProcessing           TaskStatus = "processing"
	StatusNeedsReview          TaskStatus = "needs_review"
	StatusCompleted            TaskStatus = "completed"
	StatusFailed               TaskStatus = "failed"
	StatusCancelled            TaskStatus = "cancelled"
)

// Terminal reports whether no further status mutation is permitted.
// needs_review is deliberately not terminal: a task there may re-enter
// processing when additional input (e.g. a verification code) arrives.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the closed edge set of the task state machine.
var transitions = map[TaskStatus][]TaskStatus{
	StatusReceived:             {StatusAwaitingConfirmation, StatusPending, StatusCancelled},
	StatusAwaitingConfirmation: {StatusAwaitingConfirmation, StatusPending, StatusCancelled},
	StatusPending:              {StatusProcessing},
	StatusProcessing:           {StatusNeedsReview, StatusCompleted, StatusFailed},
	StatusNeedsReview:          {StatusProcessing},
}

// CanTransition reports whether from -> to is a legal edge.
// The self-loop on awaiting_confirmation models a "changes requested" reply
// that revises the input text without leaving the state.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is one unit of delegated work. It is created on intake and mutated by
// every pipeline stage until it reaches a terminal status.
type Task struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	InputText string `json:"input_text"`

	// Classification output
	Type       string  `json:"type"`
	Goal       string  `json:"goal"`
	Confidence float64 `json:"confidence"` // 0-100

	Status TaskStatus `json:"status"`

	// Structured intent details
	Entities    map[string]string `json:"entities,omitempty"`
	Assumptions []string          `json:"assumptions,omitempty"`
	Unclear     []string          `json:"unclear,omitempty"`

	// Accounting
	CostAccrued  float64 `json:"cost_accrued"`
	BestScore    float64 `json:"best_score"`    // best verification score seen
	CascadeTier  int     `json:"cascade_tier"`  // 0 = cascade never triggered
	ResponseText string  `json:"response_text"` // final user-facing response

	// Origin
	Channel Channel `json:"channel"`
	Origin  string  `json:"origin"` // reply address for the origin channel

	Results []ActionResult `json:"results,omitempty"` // append-only audit trail

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Advance moves the task to the given status, enforcing the state machine.
// Terminal states are final: any attempt to leave one is an error.
func (t *Task) Advance(to TaskStatus) error {
	if t.Status.Terminal() {
		return fmt.Errorf("task %s is %s (terminal), cannot move to %s", t.ID, t.Status, to)
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("illegal transition %s -> %s for task %s", t.Status, to, t.ID)
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	return nil
}

// AppendResult records an action outcome on the audit trail. Appending is
// permitted in any state: terminal tasks may still accrue audit metadata.
func (t *Task) AppendResult(r ActionResult) {
	t.Results = append(t.Results, r)
}

// Result renders the outbound view of the task for channel collaborators.
func (t *Task) Result() TaskResult {
	res := TaskResult{
		TaskID:   t.ID,
		Success:  t.Status == StatusCompleted,
		Status:   t.Status,
		Response: t.ResponseText,
		Results:  t.Results,
	}
	if t.Status == StatusFailed {
		res.Error = t.ResponseText
	}
	return res
}

// SuccessRate returns the fraction of recorded actions that succeeded,
// or 1.0 when nothing has run yet.
func (t *Task) SuccessRate() float64 {
	if len(t.Results) == 0 {
		return 1.0
	}
	ok := 0
	for _, r := range t.Results {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(t.Results))
}
