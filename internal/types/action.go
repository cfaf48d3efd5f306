package types

import (
	"fmt"
	"time"
)

// ActionKind enumerates the closed set of operations the engine can dispatch.
// Unknown kinds are rejected at parse time, never defaulted.
type ActionKind string

const (
	ActionNavigate    ActionKind = "navigate"
	ActionBrowse      ActionKind = "browse"
	ActionClick       ActionKind = "click"
	ActionFillForm    ActionKind = "fill_form"
	ActionExtract     ActionKind = "extract"
	ActionScreenshot  ActionKind = "screenshot"
	ActionAPICall     ActionKind = "api_call"
	ActionSendMessage ActionKind = "send_message"
	ActionSendEmail   ActionKind = "send_email"
	ActionSchedule    ActionKind = "schedule"
	ActionRemember    ActionKind = "remember"
	ActionPay         ActionKind = "pay"
	ActionDelegate    ActionKind = "delegate" // hand a step to a named skill
)

var knownKinds = map[ActionKind]bool{
	ActionNavigate: true, ActionBrowse: true, ActionClick: true,
	ActionFillForm: true, ActionExtract: true, ActionScreenshot: true,
	ActionAPICall: true, ActionSendMessage: true, ActionSendEmail: true,
	ActionSchedule: true, ActionRemember: true, ActionPay: true,
	ActionDelegate: true,
}

// ParseActionKind validates a raw kind string against the closed set.
func ParseActionKind(raw string) (ActionKind, error) {
	k := ActionKind(raw)
	if !knownKinds[k] {
		return "", fmt.Errorf("unknown action kind %q", raw)
	}
	return k, nil
}

// ExecutionMethod names one concrete way of carrying out an action. The
// browser variants select an element-location strategy; MethodBrowser is the
// full-page robust path and serves as the guaranteed fallback.
type ExecutionMethod string

const (
	MethodAPI     ExecutionMethod = "api"
	MethodCSS     ExecutionMethod = "css"
	MethodXPath   ExecutionMethod = "xpath"
	MethodText    ExecutionMethod = "text"
	MethodBrowser ExecutionMethod = "browser"
)

// Action is one typed operation within an execution plan.
type Action struct {
	ID     string            `json:"id"`
	Kind   ActionKind        `json:"kind"`
	Domain string            `json:"domain,omitempty"` // target site/service, empty = unscoped
	Params map[string]string `json:"params,omitempty"`

	// Selector is the DOM selector for browser actions; part of the
	// failure-memory key.
	Selector string `json:"selector,omitempty"`

	// SkillID names a pre-installed skill for delegate actions.
	SkillID string `json:"skill_id,omitempty"`
}

// ActionResult records the outcome of one action attempt.
type ActionResult struct {
	ActionID string     `json:"action_id"`
	Kind     ActionKind `json:"kind"`
	Success  bool       `json:"success"`
	Output   string     `json:"output,omitempty"`
	Error    string     `json:"error,omitempty"`

	// MethodUsed is the concrete method variant that ran (e.g. "css",
	// "text_match", "http"), fed back into method rankings.
	MethodUsed string        `json:"method_used,omitempty"`
	Security   bool          `json:"security,omitempty"` // true for locked-intent rejections
	Duration   time.Duration `json:"duration,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
}
