package verify

import (
	"context"
	"fmt"
	"strings"

	"errand/internal/config"
	"errand/internal/engine"
	"errand/internal/intent"
	"errand/internal/llm"
	"errand/internal/logging"
	"errand/internal/memory"
	"errand/internal/plan"
	"errand/internal/types"
)

// StrikeRecord is one verification attempt.
type StrikeRecord struct {
	Attempt int
	Score   float64
	Method  string // "automated" or "review"
	Hints   []string
	Cost    float64
}

// StrikeContext accumulates loop state for one task. It lives only for the
// duration of the loop.
type StrikeContext struct {
	Records      []StrikeRecord
	BestScore    float64
	BestResponse string
	Target       float64
	MaxAttempts  int
}

// Result is what the loop hands back to the worker.
type Result struct {
	Passed       bool
	BestScore    float64
	BestResponse string
	Attempts     int
	Records      []StrikeRecord

	// CostAborted is true when the unified task cost pool ran out before
	// the loop finished. The best response so far is still returned.
	CostAborted bool
}

// StepRunner re-executes plan steps on the task's existing session. The
// engine's executor satisfies this.
type StepRunner interface {
	RunSteps(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan, session *engine.Session, only map[string]bool) (engine.Outcome, error)
}

// Verifier drives the strike loop: generate, assess, escalate.
type Verifier struct {
	chain     []llm.Client // cheapest first; last is the strongest strategy
	runner    StepRunner
	learnings *memory.Learnings
	execCfg   config.ExecutionConfig
	verifyCfg config.VerifyConfig
}

// NewVerifier wires the loop. runner may be nil when re-execution is not
// possible (API-only flows); escalation then regenerates without retrying
// steps.
func NewVerifier(chain []llm.Client, runner StepRunner, learnings *memory.Learnings, execCfg config.ExecutionConfig, verifyCfg config.VerifyConfig) *Verifier {
	return &Verifier{
		chain:     chain,
		runner:    runner,
		learnings: learnings,
		execCfg:   execCfg,
		verifyCfg: verifyCfg,
	}
}

// Run executes the strike loop for one task. The session is the same
// automation context the plan ran on, kept open so re-executed steps keep
// their authentication state. Returns the best result seen; Passed reports
// whether it met the tier's target.
func (v *Verifier) Run(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan, session *engine.Session) (Result, error) {
	tier := TierFor(task.Type, v.verifyCfg)
	sc := &StrikeContext{Target: tier.Target, MaxAttempts: tier.MaxStrikes}

	service := primaryDomain(p)
	hints := v.learnings.HintsFor(service, task.Type)
	if len(hints) > 0 {
		logging.Verify("task %s seeded with %d prior hints for %s", task.ID, len(hints), service)
	}

	for attempt := 1; attempt <= sc.MaxAttempts; attempt++ {
		if task.CostAccrued >= v.execCfg.TaskCostCeiling {
			logging.Verify("task %s verification stopped by cost ceiling at attempt %d, best=%.0f",
				task.ID, attempt, sc.BestScore)
			return v.finish(task, sc, service, false, true), nil
		}

		client := v.clientFor(attempt, sc.MaxAttempts)

		if attempt > 1 {
			v.retryFailedSteps(ctx, task, li, p, session, attempt)
		}

		response, err := v.generate(ctx, client, task, hints)
		if err != nil {
			logging.Verify("task %s generation failed on attempt %d: %v", task.ID, attempt, err)
			response = sc.BestResponse
		}

		score, newHints, method := v.assess(ctx, client, task, response)
		cost := client.TakeSpend()
		task.CostAccrued += cost

		rec := StrikeRecord{Attempt: attempt, Score: score, Method: method, Hints: newHints, Cost: cost}
		sc.Records = append(sc.Records, rec)
		if score > sc.BestScore {
			sc.BestScore = score
			if response != "" {
				sc.BestResponse = response
			}
		}
		if sc.BestResponse == "" {
			sc.BestResponse = response
		}
		logging.Verify("task %s strike %d/%d score=%.0f target=%.0f method=%s",
			task.ID, attempt, sc.MaxAttempts, score, tier.Target, method)

		if score >= tier.Target {
			return v.finish(task, sc, service, true, false), nil
		}
		hints = append(hints, newHints...)
	}

	return v.finish(task, sc, service, false, false), nil
}

// clientFor picks the generation strategy: cheapest first, strongest on the
// final attempt.
func (v *Verifier) clientFor(attempt, maxAttempts int) llm.Client {
	if attempt >= maxAttempts || attempt >= 3 {
		return llm.Strongest(v.chain)
	}
	return v.chain[0]
}

// retryFailedSteps re-runs what failed. Attempt 2 retries only the failed
// actions; the final attempt retries every failed action from scratch with
// the full history already reflected in the task results.
func (v *Verifier) retryFailedSteps(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan, session *engine.Session, attempt int) {
	if v.runner == nil {
		return
	}
	failed := failedStepIDs(task, p)
	if len(failed) == 0 {
		return
	}
	logging.Verify("task %s attempt %d retrying %d failed steps", task.ID, attempt, len(failed))
	if _, err := v.runner.RunSteps(ctx, task, li, p, session, failed); err != nil {
		logging.Verify("task %s step retry aborted: %v", task.ID, err)
	}
}

// failedStepIDs returns plan steps whose latest result failed, excluding
// security rejections, which are never retried.
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

const generateSystemPrompt = `You write the final report for a task an autonomous assistant carried out.
Be concrete: say what was done, include confirmation numbers or extracted answers from the evidence, and state plainly anything that could not be completed. Never invent outcomes the evidence does not show.`

func (v *Verifier) generate(ctx context.Context, client llm.Client, task *types.Task, hints []string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n\nEvidence from execution:\n", task.Goal)
	for _, r := range task.Results {
		status := "ok"
		if !r.Success {
			status = "FAILED: " + r.Error
		}
		fmt.Fprintf(&sb, "- %s [%s]", r.Kind, status)
		if r.Output != "" {
			fmt.Fprintf(&sb, " output: %s", truncate(r.Output, 800))
		}
		sb.WriteByte('\n')
	}
	if len(hints) > 0 {
		sb.WriteString("\nCorrections to apply:\n")
		for _, h := range hints {
			fmt.Fprintf(&sb, "- %s\n", h)
		}
	}
	return client.CompleteWithSystem(ctx, generateSystemPrompt, sb.String())
}

const assessSystemPrompt = `You review a task report against its execution evidence.
Respond with a single JSON object:
{"score": 0-100 integer, how confident you are the task goal was truly accomplished and the report reflects the evidence,
 "hints": list of specific corrections that would raise the score (empty when none)}`

// assess scores a response. With inspectable evidence the model reviews it
// properly; with none, a cheap consistency check caps what can be claimed.
func (v *Verifier) assess(ctx context.Context, client llm.Client, task *types.Task, response string) (float64, []string, string) {
	method := "review"
	if !hasEvidence(task) {
		method = "automated"
		// No evidence to contradict the response. Score on structure alone:
		// an empty or failure-admitting response cannot pass a high bar.
		switch {
		case strings.TrimSpace(response) == "":
			return 0, []string{"response is empty"}, method
		case task.SuccessRate() < 1.0:
			return 50, []string{"some actions failed and the report must say so"}, method
		default:
			return 75, nil, method
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n\nReport under review:\n%s\n\nEvidence:\n", task.Goal, response)
	for _, r := range task.Results {
		status := "ok"
		if !r.Success {
			status = "failed: " + r.Error
		}
		fmt.Fprintf(&sb, "- %s [%s] %s\n", r.Kind, status, truncate(r.Output, 500))
	}

	out, err := client.CompleteWithSystem(ctx, assessSystemPrompt, sb.String())
	if err != nil {
		logging.Verify("task %s assessment failed: %v", task.ID, err)
		return 0, nil, method
	}
	var parsed struct {
		Score float64  `json:"score"`
		Hints []string `json:"hints"`
	}
	if err := llm.ParseInto(out, &parsed); err != nil {
		logging.Verify("task %s assessment unparseable: %v", task.ID, err)
		return 0, nil, method
	}
	if parsed.Score < 0 {
		parsed.Score = 0
	}
	if parsed.Score > 100 {
		parsed.Score = 100
	}
	return parsed.Score, parsed.Hints, method
}

// hasEvidence reports whether execution produced inspectable output.
func hasEvidence(task *types.Task) bool {
	for _, r := range task.Results {
		if r.Output != "" {
			return true
		}
	}
	return false
}

// finish assembles the result and persists the hint trail when the loop
// eventually passed.
func (v *Verifier) finish(task *types.Task, sc *StrikeContext, service string, passed, costAborted bool) Result {
	if passed && len(sc.Records) > 1 {
		var trail []string
		for _, rec := range sc.Records[:len(sc.Records)-1] {
			trail = append(trail, rec.Hints...)
		}
		var sequence []string
		for _, r := range task.Results {
			if r.Success {
				sequence = append(sequence, string(r.Kind))
			}
		}
		v.learnings.Save(service, task.Type, trail, sequence)
	}
	return Result{
		Passed:       passed,
		BestScore:    sc.BestScore,
		BestResponse: sc.BestResponse,
		Attempts:     len(sc.Records),
		Records:      sc.Records,
		CostAborted:  costAborted,
	}
}

func primaryDomain(p *plan.Plan) string {
	for _, s := range p.Steps {
		if s.Domain != "" {
			return s.Domain
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
