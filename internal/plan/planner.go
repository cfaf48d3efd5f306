package plan

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"errand/internal/intent"
	"errand/internal/llm"
	"errand/internal/logging"
	"errand/internal/types"
)

// SkillChecker reports whether a named skill is installed. A missing skill
// is a plan-time gap: the step is rewritten to direct automation.
type SkillChecker interface {
	Has(skillID string) bool
}

// CredentialChecker reports whether an API credential exists for a service.
// Planning prefers the API path only when the credential is present.
type CredentialChecker interface {
	HasAPICredential(service string) bool
}

// Planner builds execution plans from classifications.
type Planner struct {
	client llm.Client
	skills SkillChecker
	creds  CredentialChecker
}

// NewPlanner wires the planner. skills and creds may be nil, which is
// treated as nothing installed and no credentials.
func NewPlanner(client llm.Client, skills SkillChecker, creds CredentialChecker) *Planner {
	return &Planner{client: client, skills: skills, creds: creds}
}

const planSystemPrompt = `You plan action sequences for an autonomous assistant.
Respond with a single JSON object:
{
  "steps": [
    {"kind": one of navigate|browse|click|fill_form|extract|screenshot|api_call|send_message|send_email|schedule|remember|pay|delegate,
     "domain": target website domain or empty,
     "params": object of string parameters for the step,
     "selector": CSS selector for page steps when known, else empty,
     "skill_id": named skill for delegate steps, else empty}
  ],
  "api_service": the service name if the whole task could be done through a known public API, else empty,
  "auth_gaps": list of third-party authorizations the plan needs but might be missing,
  "estimated_cost": estimated dollar cost of carrying the plan out
}
Plan the fewest steps that accomplish the goal. Only use action kinds from the list.`

type planResponse struct {
	Steps []struct {
		Kind     string            `json:"kind"`
		Domain   string            `json:"domain"`
		Params   map[string]string `json:"params"`
		Selector string            `json:"selector"`
		SkillID  string            `json:"skill_id"`
	} `json:"steps"`
	APIService    string   `json:"api_service"`
	AuthGaps      []string `json:"auth_gaps"`
	EstimatedCost float64  `json:"estimated_cost"`
}

// Build produces a plan for a task. hints carries prior learnings and
// correction notes from earlier strike attempts; on re-planning the caller
// replaces the stored plan with the returned one.
//
// A model or parse failure is a planning failure: the error wraps
// types.ErrPlanningFailure and the returned plan is the simplest direct
// path, so the task degrades instead of aborting.
func (p *Planner) Build(ctx context.Context, task *types.Task, cl intent.Classification, hints []string) (*Plan, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task type: %s\nGoal: %s\n", cl.TaskType, cl.Goal)
	if len(cl.Domains) > 0 {
		fmt.Fprintf(&sb, "Target domains: %s\n", strings.Join(cl.Domains, ", "))
	}
	for k, v := range cl.Entities {
		fmt.Fprintf(&sb, "Known: %s = %s\n", k, v)
	}
	if len(hints) > 0 {
		sb.WriteString("Corrections from earlier attempts:\n")
		for _, h := range hints {
			fmt.Fprintf(&sb, "- %s\n", h)
		}
	}

	out, err := p.client.CompleteWithSystem(ctx, planSystemPrompt, sb.String())
	if err != nil {
		return p.fallbackPlan(task, cl), fmt.Errorf("%w: %v", types.ErrPlanningFailure, err)
	}

	var resp planResponse
	if err := llm.ParseInto(out, &resp); err != nil {
		return p.fallbackPlan(task, cl), fmt.Errorf("%w: %v", types.ErrPlanningFailure, err)
	}
	if len(resp.Steps) == 0 {
		return p.fallbackPlan(task, cl), fmt.Errorf("%w: empty plan", types.ErrPlanningFailure)
	}

	built := &Plan{
		TaskID:        task.ID,
		EstimatedCost: resp.EstimatedCost,
		AuthGaps:      resp.AuthGaps,
	}
	for _, raw := range resp.Steps {
		kind, err := types.ParseActionKind(raw.Kind)
		if err != nil {
			return p.fallbackPlan(task, cl), fmt.Errorf("%w: %v", types.ErrPlanningFailure, err)
		}
		step := types.Action{
			ID:       uuid.NewString(),
			Kind:     kind,
			Domain:   strings.ToLower(strings.TrimPrefix(raw.Domain, "www.")),
			Params:   raw.Params,
			Selector: raw.Selector,
			SkillID:  raw.SkillID,
		}
		if step.Kind == types.ActionDelegate && (p.skills == nil || !p.skills.Has(step.SkillID)) {
			logging.Plan("skill %q not installed, falling back to direct automation", step.SkillID)
			step.Kind = types.ActionBrowse
			step.SkillID = ""
		}
		built.Steps = append(built.Steps, step)
	}

	built.Method = types.MethodBrowser
	if resp.APIService != "" && p.creds != nil && p.creds.HasAPICredential(resp.APIService) {
		built.Method = types.MethodAPI
	}

	if len(built.AuthGaps) > 0 {
		logging.Plan("task %s planned with auth gaps: %v", task.ID, built.AuthGaps)
	}
	logging.Plan("task %s planned: %d steps via %s", task.ID, len(built.Steps), built.Method)
	return built, nil
}

// fallbackPlan is the simplest direct-execution path: open the most likely
// domain and extract whatever answers the goal.
func (p *Planner) fallbackPlan(task *types.Task, cl intent.Classification) *Plan {
	domain := ""
	if len(cl.Domains) > 0 {
		domain = cl.Domains[0]
	}
	return &Plan{
		TaskID: task.ID,
		Method: types.MethodBrowser,
		Steps: []types.Action{
			{ID: uuid.NewString(), Kind: types.ActionBrowse, Domain: domain,
				Params: map[string]string{"goal": cl.Goal}},
			{ID: uuid.NewString(), Kind: types.ActionExtract, Domain: domain,
				Params: map[string]string{"goal": cl.Goal}},
		},
	}
}
