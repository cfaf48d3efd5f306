// Package engine executes action plans against external surfaces, one
// action at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"errand/internal/config"
	"errand/internal/intent"
	"errand/internal/llm"
	"errand/internal/logging"
	"errand/internal/memory"
	"errand/internal/plan"
	"errand/internal/ranking"
	"errand/internal/store"
	"errand/internal/types"
)

// Executor runs one plan sequentially. It consults failure memory before
// each action, retries each failure exactly once after a fixed backoff, and
// checkpoints after every success so an interrupted task resumes instead of
// restarting.
type Executor struct {
	cfg       config.ExecutionConfig
	store     *store.Store
	methods   *ranking.MethodRanker
	failures  *memory.FailureMemory
	client    llm.Client
	sender    Sender
	skills    SkillRunner
	workspace string

	httpClient *http.Client
}

// NewExecutor wires the executor. client, sender, and skills may be nil;
// the corresponding action kinds then fail with an execution error rather
// than a panic.
func NewExecutor(cfg config.ExecutionConfig, s *store.Store, methods *ranking.MethodRanker, failures *memory.FailureMemory, client llm.Client, sender Sender, skills SkillRunner, workspace string) *Executor {
	return &Executor{
		cfg:        cfg,
		store:      s,
		methods:    methods,
		failures:   failures,
		client:     client,
		sender:     sender,
		skills:     skills,
		workspace:  workspace,
		httpClient: &http.Client{Timeout: cfg.PerStepTimeout()},
	}
}

// Outcome summarizes one executor pass over a plan.
type Outcome struct {
	Results []types.ActionResult

	// BudgetHit is true when the cost ceiling aborted remaining actions.
	// Completed work is preserved in Results either way.
	BudgetHit bool
}

// SuccessRate is the fraction of executed actions that succeeded.
func (o Outcome) SuccessRate() float64 {
	if len(o.Results) == 0 {
		return 1.0
	}
	ok := 0
	for _, r := range o.Results {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(o.Results))
}

// Run executes the plan's steps left to right, resuming from the task's
// checkpoint when one matches the plan. Every result is appended to the
// task and persisted before the next step runs.
func (e *Executor) Run(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan, session *Session) (Outcome, error) {
	return e.run(ctx, task, li, p, session, nil)
}

// RunSteps re-executes a subset of a plan's steps on the same session,
// used by the verification loop to retry only what failed. Checkpoints are
// not advanced for partial re-runs.
func (e *Executor) RunSteps(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan, session *Session, only map[string]bool) (Outcome, error) {
	return e.run(ctx, task, li, p, session, only)
}

func (e *Executor) run(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan, session *Session, only map[string]bool) (Outcome, error) {
	var out Outcome

	start := 0
	if only == nil {
		lastStep, planHash, err := e.store.GetCheckpoint(task.ID)
		if err != nil {
			logging.EngineWarn("checkpoint unreadable for %s: %v", task.ID, err)
		} else if lastStep >= 0 && planHash == p.Hash() {
			start = lastStep + 1
			logging.Engine("task %s resuming at step %d of %d", task.ID, start, len(p.Steps))
		}
	}

	timer := logging.StartTimer(logging.CategoryEngine, fmt.Sprintf("task %s execution", task.ID))
	defer timer.Stop()

	for i := start; i < len(p.Steps); i++ {
		step := p.Steps[i]
		if only != nil && !only[step.ID] {
			continue
		}

		if task.CostAccrued >= e.cfg.TaskCostCeiling {
			logging.Engine("task %s hit cost ceiling $%.2f, aborting %d remaining actions",
				task.ID, e.cfg.TaskCostCeiling, len(p.Steps)-i)
			logging.Audit(logging.AuditEvent{
				EventType: logging.AuditBudgetAbort,
				TaskID:    task.ID,
				OwnerID:   task.OwnerID,
				Message:   fmt.Sprintf("ceiling $%.2f reached before step %d", e.cfg.TaskCostCeiling, i),
			})
			out.BudgetHit = true
			return out, types.ErrBudgetExceeded
		}

		if err := li.Validate(task.ID, step, len(task.Results)); err != nil {
			res := e.recordRejection(task, step, err)
			out.Results = append(out.Results, res)
			continue
		}

		res := e.runAction(ctx, task, session, step)
		out.Results = append(out.Results, res)
		task.AppendResult(res)
		task.CostAccrued += res.Cost
		if err := e.store.AppendActionResult(task.ID, res); err != nil {
			logging.StoreError("result not persisted for %s: %v", task.ID, err)
		}

		if res.Success && only == nil {
			if err := e.store.SaveCheckpoint(task.ID, i, p.Hash()); err != nil {
				logging.EngineWarn("checkpoint not saved for %s: %v", task.ID, err)
			}
		}
	}

	if err := e.store.SaveTask(task); err != nil {
		logging.StoreError("task not persisted after run: %v", err)
	}
	return out, nil
}

// recordRejection turns a locked-intent refusal into a failed, audited
// result. Rejected actions are never retried.
func (e *Executor) recordRejection(task *types.Task, step types.Action, err error) types.ActionResult {
	var rej *types.SecurityRejection
	reason := err.Error()
	if errors.As(err, &rej) {
		reason = rej.Reason
	}
	logging.SecurityReject(task.ID, task.OwnerID, step.ID, reason)

	res := types.ActionResult{
		ActionID: step.ID,
		Kind:     step.Kind,
		Success:  false,
		Error:    reason,
		Security: true,
	}
	task.AppendResult(res)
	if serr := e.store.AppendActionResult(task.ID, res); serr != nil {
		logging.StoreError("rejection not persisted for %s: %v", task.ID, serr)
	}
	return res
}

// runAction executes one action with known-fix pre-application, the ranked
// method order, and exactly one fixed-backoff retry.
func (e *Executor) runAction(ctx context.Context, task *types.Task, session *Session, step types.Action) types.ActionResult {
	order := e.methods.OrderFor(step.Domain, step.Kind)

	fix, hadFix := e.failures.Lookup(step)
	if hadFix && fix.Method != "" {
		order = promote(order, fix.Method)
		logging.EngineDebug("pre-applied known fix %s for %s on %s", fix.Method, step.Kind, step.Domain)
	}

	res, aerr := e.attempt(ctx, task, session, step, order)
	if !res.Success && isTransient(aerr) {
		select {
		case <-time.After(e.cfg.RetryWait()):
		case <-ctx.Done():
			return res
		}
		logging.Engine("retrying action %s (%s) after failure: %s", step.ID, step.Kind, res.Error)
		retry, _ := e.attempt(ctx, task, session, step, order)
		retry.Cost += res.Cost
		res = retry
	}

	if res.Success {
		if hadFix {
			e.failures.ConfirmFix(step, types.ExecutionMethod(res.MethodUsed))
		}
	} else {
		e.failures.RecordFailure(step, res.Error)
	}
	return res
}

// attempt tries the methods in ranked order until one works. Every method
// tried feeds the performance counters, success or not. The returned error
// is the last method's failure, wrapped as a transient failure when the
// action kind can plausibly clear on retry.
func (e *Executor) attempt(ctx context.Context, task *types.Task, session *Session, step types.Action, order []types.ExecutionMethod) (types.ActionResult, error) {
	res := types.ActionResult{ActionID: step.ID, Kind: step.Kind}
	var lastErr error

	for _, method := range order {
		stepCtx, cancel := context.WithTimeout(ctx, e.cfg.PerStepTimeout())
		began := time.Now()
		output, err := e.execute(stepCtx, task, session, step, method)
		cancel()

		attempt := types.ActionResult{
			ActionID:   step.ID,
			Kind:       step.Kind,
			Success:    err == nil,
			Output:     output,
			MethodUsed: string(method),
			Duration:   time.Since(began),
		}
		if e.client != nil {
			attempt.Cost = e.client.TakeSpend()
		}
		if err != nil {
			attempt.Error = err.Error()
			if retryableKind(step.Kind) && (session != nil || !needsSession(step.Kind)) {
				err = &types.TransientFailure{Action: step, Err: err}
			}
		}
		lastErr = err
		e.methods.Record(step.Domain, step.Kind, method, attempt)

		res.Cost += attempt.Cost
		res.Duration += attempt.Duration
		res.MethodUsed = attempt.MethodUsed
		res.Success = attempt.Success
		res.Output = attempt.Output
		res.Error = attempt.Error

		if attempt.Success {
			break
		}
		logging.EngineDebug("method %s failed for %s/%s: %v", method, step.Domain, step.Kind, err)
	}
	return res, lastErr
}

// retryableKind reports whether a failed action is worth one more try.
// Page and network actions hit flaky infrastructure; local actions fail
// the same way every time.
func retryableKind(kind types.ActionKind) bool {
	switch kind {
	case types.ActionNavigate, types.ActionBrowse, types.ActionClick,
		types.ActionFillForm, types.ActionExtract, types.ActionScreenshot,
		types.ActionAPICall, types.ActionSendMessage, types.ActionSendEmail,
		types.ActionPay:
		return true
	}
	return false
}

func isTransient(err error) bool {
	var tf *types.TransientFailure
	return errors.As(err, &tf)
}

func promote(order []types.ExecutionMethod, method types.ExecutionMethod) []types.ExecutionMethod {
	out := []types.ExecutionMethod{method}
	for _, m := range order {
		if m != method {
			out = append(out, m)
		}
	}
	return out
}
