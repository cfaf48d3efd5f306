package intent

import (
	"fmt"
	"time"

	"errand/internal/types"
)

// allowedByType derives the capability set for each task type. A type's set
// is fixed at compile time and never widened at runtime.
var allowedByType = map[string][]types.ActionKind{
	TypeResearch: {
		types.ActionNavigate, types.ActionBrowse, types.ActionExtract,
		types.ActionScreenshot, types.ActionAPICall, types.ActionRemember,
	},
	TypeShopping: {
		types.ActionNavigate, types.ActionBrowse, types.ActionClick,
		types.ActionFillForm, types.ActionExtract, types.ActionScreenshot,
		types.ActionAPICall, types.ActionPay,
	},
	TypeReservation: {
		types.ActionNavigate, types.ActionBrowse, types.ActionClick,
		types.ActionFillForm, types.ActionExtract, types.ActionScreenshot,
		types.ActionAPICall, types.ActionSchedule,
	},
	TypeCommunication: {
		types.ActionSendEmail, types.ActionSendMessage, types.ActionAPICall,
		types.ActionRemember,
	},
	TypeScheduling: {
		types.ActionSchedule, types.ActionAPICall, types.ActionNavigate,
		types.ActionBrowse, types.ActionExtract, types.ActionRemember,
	},
	TypePayment: {
		types.ActionNavigate, types.ActionClick, types.ActionFillForm,
		types.ActionScreenshot, types.ActionAPICall, types.ActionPay,
	},
	TypeDelegation: {
		types.ActionDelegate, types.ActionSendEmail, types.ActionSendMessage,
		types.ActionAPICall,
	},
	TypeGeneral: {
		types.ActionNavigate, types.ActionBrowse, types.ActionExtract,
		types.ActionScreenshot, types.ActionAPICall,
	},
}

// LockedIntent is the immutable capability set a task executes under. Built
// once from the classification and never widened; a broader scope requires a
// brand-new task.
type LockedIntent struct {
	taskType    string
	goal        string
	allowed     map[types.ActionKind]bool
	domains     map[string]bool
	maxActions  int
	maxDuration time.Duration
	createdAt   time.Time
}

// Lock derives the capability set from a classification. An empty domain
// list means the task is not domain-restricted.
func Lock(cl Classification, maxActions int, maxDuration time.Duration) *LockedIntent {
	kinds := allowedByType[cl.TaskType]
	if kinds == nil {
		kinds = allowedByType[TypeGeneral]
	}
	allowed := make(map[types.ActionKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	var domains map[string]bool
	if len(cl.Domains) > 0 {
		domains = make(map[string]bool, len(cl.Domains))
		for _, d := range cl.Domains {
			domains[d] = true
		}
	}
	return &LockedIntent{
		taskType:    cl.TaskType,
		goal:        cl.Goal,
		allowed:     allowed,
		domains:     domains,
		maxActions:  maxActions,
		maxDuration: maxDuration,
		createdAt:   time.Now(),
	}
}

func (li *LockedIntent) TaskType() string { return li.taskType }
func (li *LockedIntent) Goal() string     { return li.goal }

// Allows reports whether an action kind is in the capability set.
func (li *LockedIntent) Allows(kind types.ActionKind) bool { return li.allowed[kind] }

// AllowedKinds returns the capability set as a sorted-order-independent copy.
func (li *LockedIntent) AllowedKinds() []types.ActionKind {
	out := make([]types.ActionKind, 0, len(li.allowed))
	for k := range li.allowed {
		out = append(out, k)
	}
	return out
}

// Validate approves or rejects one proposed action. actionCount is the
// number of actions already executed for the task. A non-nil error is always
// a *types.SecurityRejection.
func (li *LockedIntent) Validate(taskID string, a types.Action, actionCount int) error {
	if !li.allowed[a.Kind] {
		return &types.SecurityRejection{
			TaskID: taskID,
			Action: a,
			Reason: fmt.Sprintf("action kind %q not permitted for %s tasks", a.Kind, li.taskType),
		}
	}
	if li.domains != nil && a.Domain != "" && !li.domains[a.Domain] {
		return &types.SecurityRejection{
			TaskID: taskID,
			Action: a,
			Reason: fmt.Sprintf("domain %q outside task scope", a.Domain),
		}
	}
	if actionCount >= li.maxActions {
		return &types.SecurityRejection{
			TaskID: taskID,
			Action: a,
			Reason: fmt.Sprintf("action budget of %d exhausted", li.maxActions),
		}
	}
	if elapsed := time.Since(li.createdAt); elapsed > li.maxDuration {
		return &types.SecurityRejection{
			TaskID: taskID,
			Action: a,
			Reason: fmt.Sprintf("task exceeded time budget of %s", li.maxDuration),
		}
	}
	return nil
}
