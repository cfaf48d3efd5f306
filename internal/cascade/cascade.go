// Package cascade tries progressively more manual fallback tiers when a
// task's action success rate is too low.
package cascade

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"errand/internal/config"
	"errand/internal/engine"
	"errand/internal/intent"
	"errand/internal/llm"
	"errand/internal/logging"
	"errand/internal/plan"
	"errand/internal/types"
)

// Tier numbers, tried strictly in order. The coordinator never attempts
// tier N+1 before tier N has been tried and failed.
const (
	TierAltAPI = iota + 1
	TierCachedSession
	TierFreshSession
	TierDelegatedRequest
	TierManualInstructions
)

var tierNames = map[int]string{
	TierAltAPI:             "alternate_api",
	TierCachedSession:      "cached_session",
	TierFreshSession:       "fresh_session",
	TierDelegatedRequest:   "delegated_request",
	TierManualInstructions: "manual_instructions",
}

// TierOutcome records one fallback attempt. Outcomes are appended to the
// task response, never replacing earlier partial results.
type TierOutcome struct {
	Tier    int
	Name    string
	Success bool
	Note    string
}

// StepRunner re-executes plan steps, as the engine's executor does.
type StepRunner interface {
	RunSteps(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan, session *engine.Session, only map[string]bool) (engine.Outcome, error)
}

// SessionSource hands out isolated automation sessions. Satisfied by the
// engine's browser manager.
type SessionSource interface {
	Acquire(ctx context.Context, taskID string) (*engine.Session, error)
	AcquireCached(ctx context.Context, taskID, domain string) (*engine.Session, error)
}

// Coordinator walks the fallback tiers for one under-performing task.
type Coordinator struct {
	cfg      config.CascadeConfig
	runner   StepRunner
	sessions SessionSource
	sender   engine.Sender
	client   llm.Client
}

// NewCoordinator wires the cascade. sessions, sender, and client may be
// nil; the corresponding tiers then fail over to the next.
func NewCoordinator(cfg config.CascadeConfig, runner StepRunner, sessions SessionSource, sender engine.Sender, client llm.Client) *Coordinator {
	return &Coordinator{cfg: cfg, runner: runner, sessions: sessions, sender: sender, client: client}
}

// ShouldRun reports whether the success rate warrants the cascade.
func (c *Coordinator) ShouldRun(successRate float64) bool {
	return successRate < c.cfg.TriggerRate
}

// Run tries the tiers in order, stopping at the first that succeeds. The
// returned outcomes include every tier attempted, so the final response can
// show what was tried.
func (c *Coordinator) Run(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan) []TierOutcome {
	var outcomes []TierOutcome
	task.CascadeTier = 0

	for tier := TierAltAPI; tier <= TierManualInstructions; tier++ {
		task.CascadeTier = tier
		out := c.attempt(ctx, tier, task, li, p)
		outcomes = append(outcomes, out)
		logging.Cascade("task %s tier %d (%s): success=%t %s", task.ID, tier, out.Name, out.Success, out.Note)
		if out.Success {
			break
		}
	}
	return outcomes
}

func (c *Coordinator) attempt(ctx context.Context, tier int, task *types.Task, li *intent.LockedIntent, p *plan.Plan) TierOutcome {
	out := TierOutcome{Tier: tier, Name: tierNames[tier]}
	switch tier {
	case TierAltAPI:
		out.Success, out.Note = c.tryAltAPI(ctx, task, li, p)
	case TierCachedSession:
		out.Success, out.Note = c.retryOnSession(ctx, task, li, p, true)
	case TierFreshSession:
		out.Success, out.Note = c.retryOnSession(ctx, task, li, p, false)
	case TierDelegatedRequest:
		out.Success, out.Note = c.tryDelegatedRequest(ctx, task)
	case TierManualInstructions:
		out.Success, out.Note = c.manualInstructions(ctx, task, p)
	}
	return out
}

// tryAltAPI rewrites failed browser steps that carry an api_url parameter
// into direct API calls and re-runs them.
func (c *Coordinator) tryAltAPI(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan) (bool, string) {
	if c.runner == nil {
		return false, "no step runner available"
	}
	failed := failedStepIDs(task, p)
	if len(failed) == 0 {
		return false, "nothing left to retry"
	}

	alt := &plan.Plan{TaskID: task.ID, Method: types.MethodAPI}
	only := make(map[string]bool)
	for _, step := range p.Steps {
		if !failed[step.ID] {
			continue
		}
		apiURL := step.Params["api_url"]
		if apiURL == "" {
			continue
		}
		call := types.Action{
			ID:     uuid.NewString(),
			Kind:   types.ActionAPICall,
			Domain: step.Domain,
			Params: map[string]string{"url": apiURL, "method": step.Params["api_method"]},
		}
		alt.Steps = append(alt.Steps, call)
		only[call.ID] = true
	}
	if len(alt.Steps) == 0 {
		return false, "no alternate API route known"
	}

	res, err := c.runner.RunSteps(ctx, task, li, alt, nil, only)
	if err != nil {
		return false, err.Error()
	}
	if res.SuccessRate() < 1.0 {
		return false, fmt.Sprintf("alternate API recovered %d%% of failed steps", int(res.SuccessRate()*100))
	}
	return true, fmt.Sprintf("%d failed steps completed through the alternate API", len(alt.Steps))
}

// retryOnSession re-runs the failed steps on a new automation context,
// either seeded from the cookie cache or completely fresh. The session is
// released on every path.
func (c *Coordinator) retryOnSession(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan, cached bool) (bool, string) {
	if c.runner == nil || c.sessions == nil {
		return false, "no automation available"
	}
	failed := failedStepIDs(task, p)
	if len(failed) == 0 {
		return false, "nothing left to retry"
	}

	var session *engine.Session
	var err error
	if cached {
		session, err = c.sessions.AcquireCached(ctx, task.ID, primaryDomain(p))
	} else {
		session, err = c.sessions.Acquire(ctx, task.ID)
	}
	if err != nil {
		return false, fmt.Sprintf("session unavailable: %v", err)
	}
	defer session.Release()

	res, err := c.runner.RunSteps(ctx, task, li, p, session, failed)
	if err != nil {
		return false, err.Error()
	}
	if res.SuccessRate() < 1.0 {
		return false, "retry left some steps failing"
	}
	return true, fmt.Sprintf("%d failed steps recovered", len(failed))
}

// tryDelegatedRequest asks a human to do the remaining work, messaging them
// on the owner's behalf.
func (c *Coordinator) tryDelegatedRequest(ctx context.Context, task *types.Task) (bool, string) {
	if c.sender == nil {
		return false, "no message dispatcher configured"
	}
	contact := task.Entities["contact"]
	if contact == "" {
		return false, "no human contact known for this task"
	}

	text := fmt.Sprintf("Hello, I'm assisting %s. Could you help with the following? %s", task.OwnerID, task.Goal)
	if c.client != nil {
		if composed, err := c.client.Complete(ctx, fmt.Sprintf(
			"Write a short, polite request asking a human to do this on someone's behalf: %s", task.Goal)); err == nil {
			text = composed
		}
	}
	if err := c.sender.Send(ctx, types.ChannelEmail, task.OwnerID, contact, text); err != nil {
		return false, fmt.Sprintf("delegated request not delivered: %v", err)
	}
	return true, fmt.Sprintf("asked %s to complete the task", contact)
}

// manualInstructions generates a step-by-step guide for the owner. This
// tier always produces something, making it the guaranteed last resort.
func (c *Coordinator) manualInstructions(ctx context.Context, task *types.Task, p *plan.Plan) (bool, string) {
	if c.client != nil {
		prompt := fmt.Sprintf("Write numbered step-by-step instructions a person can follow to do this themselves: %s", task.Goal)
		if steps, err := c.client.Complete(ctx, prompt); err == nil && steps != "" {
			return true, "manual steps:\n" + steps
		}
	}

	var sb strings.Builder
	sb.WriteString("manual steps:\n")
	for i, step := range p.Steps {
		fmt.Fprintf(&sb, "%d. %s", i+1, describeStep(step))
		sb.WriteByte('\n')
	}
	return true, sb.String()
}

func describeStep(a types.Action) string {
	switch a.Kind {
	case types.ActionNavigate, types.ActionBrowse:
		return "open " + targetOf(a)
	case types.ActionFillForm:
		return "fill in the form on " + targetOf(a)
	case types.ActionClick:
		return "click " + a.Selector + " on " + targetOf(a)
	default:
		return string(a.Kind) + " on " + targetOf(a)
	}
}

func targetOf(a types.Action) string {
	if a.Domain != "" {
		return a.Domain
	}
	return "the site"
}

// AppendOutcomes folds tier outcomes into the task's response text,
// preserving whatever partial results were already there.
func AppendOutcomes(task *types.Task, outcomes []TierOutcome) {
	var sb strings.Builder
	sb.WriteString(task.ResponseText)
	for _, o := range outcomes {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		status := "did not help"
		if o.Success {
			status = "worked"
		}
		fmt.Fprintf(&sb, "Fallback %s %s: %s", o.Name, status, o.Note)
	}
	task.ResponseText = sb.String()
}

func failedStepIDs(task *types.Task, p *plan.Plan) map[string]bool {
	latest := make(map[string]types.ActionResult, len(task.Results))
	for _, r := range task.Results {
		latest[r.ActionID] = r
	}
	failed := make(map[string]bool)
	for _, step := range p.Steps {
		if r, ok := latest[step.ID]; ok && !r.Success && !r.Security {
			failed[step.ID] = true
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return failed
}

func primaryDomain(p *plan.Plan) string {
	for _, s := range p.Steps {
		if s.Domain != "" {
			return s.Domain
		}
	}
	return ""
}
