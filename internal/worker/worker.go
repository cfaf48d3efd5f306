// Package worker runs the end-to-end pipeline for one task: classify,
// clarify, lock intent, plan, execute, verify, cascade, deliver.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"errand/internal/budget"
	"errand/internal/cascade"
	"errand/internal/config"
	"errand/internal/engine"
	"errand/internal/intent"
	"errand/internal/llm"
	"errand/internal/logging"
	"errand/internal/memory"
	"errand/internal/plan"
	"errand/internal/ranking"
	"errand/internal/store"
	"errand/internal/types"
	"errand/internal/verify"
)

// Classifier reads a raw request into a structured classification.
type Classifier interface {
	Classify(ctx context.Context, req types.TaskRequest, ownerFacts []string) (intent.Classification, error)
}

// Planner builds an action plan for a classified task.
type Planner interface {
	Build(ctx context.Context, task *types.Task, cl intent.Classification, hints []string) (*plan.Plan, error)
}

// Executor runs plans. The engine's executor satisfies this.
type Executor interface {
	Run(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan, session *engine.Session) (engine.Outcome, error)
	RunSteps(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan, session *engine.Session, only map[string]bool) (engine.Outcome, error)
}

// Verifier drives the strike loop for one task.
type Verifier interface {
	Run(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan, session *engine.Session) (verify.Result, error)
}

// VerifierFactory builds a verifier over the model chain chosen for a task.
// The chain varies per task: budget overruns pin it to the cheapest model.
type VerifierFactory func(chain []llm.Client) Verifier

// Cascader runs the fallback tiers for an under-performing task.
type Cascader interface {
	ShouldRun(successRate float64) bool
	Run(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan) []cascade.TierOutcome
}

// Sessions hands out automation sessions. The engine's browser manager
// satisfies this.
type Sessions interface {
	Acquire(ctx context.Context, taskID string) (*engine.Session, error)
}

// Deliverer routes results and prompts back to the owner's channels.
type Deliverer interface {
	Send(ctx context.Context, channel types.Channel, ownerID, destination, text string) error
	Deliver(ctx context.Context, task *types.Task)
}

// Budget is the spend gate consulted once per task before strategy
// selection.
type Budget interface {
	CheckBudget(ownerID string) budget.Status
	Charge(ownerID string, amount float64)
}

// Deps bundles the worker's collaborators. Sessions, Cascade, and Models
// may be nil; the corresponding stages are skipped.
type Deps struct {
	Store       *store.Store
	Chain       []llm.Client
	Classifier  Classifier
	Planner     Planner
	Executor    Executor
	NewVerifier VerifierFactory
	Cascade     Cascader
	Sessions    Sessions
	Budget      Budget
	Dispatcher  Deliverer
	Models      *ranking.ModelRanker
	Learnings   *memory.Learnings
}

// Worker processes tasks through the full pipeline, one task at a time per
// call. It holds no per-task state; all task state lives on the Task and in
// the store, so any worker can pick up any task.
type Worker struct {
	cfg  *config.Config
	deps Deps
}

// New wires a worker.
func New(cfg *config.Config, deps Deps) *Worker {
	return &Worker{cfg: cfg, deps: deps}
}

// Intake creates and persists a task from an inbound request. The task is
// left in received; processing starts when it is enqueued.
func (w *Worker) Intake(ctx context.Context, req types.TaskRequest) (*types.Task, error) {
	text := req.Body
	if req.Subject != "" {
		text = req.Subject + "\n" + req.Body
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty task request from %s", req.OwnerID)
	}

	now := time.Now()
	task := &types.Task{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		InputText: text,
		Status:    types.StatusReceived,
		Channel:   req.Channel,
		Origin:    req.Origin,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.deps.Store.SaveTask(task); err != nil {
		return nil, fmt.Errorf("persist new task: %w", err)
	}
	logging.Intake("task %s received from %s via %s", task.ID, task.OwnerID, task.Channel)
	return task, nil
}

// Process runs the pipeline for one task as far as it can go. A task parked
// in awaiting_confirmation stays there until Confirm moves it on; anything
// in pending or processing runs to a terminal status or needs_review.
func (w *Worker) Process(ctx context.Context, taskID string) error {
	task, err := w.deps.Store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	if task.Status == types.StatusReceived {
		proceed, err := w.classify(ctx, task)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}

	switch task.Status {
	case types.StatusPending:
		if err := task.Advance(types.StatusProcessing); err != nil {
			return err
		}
		w.saveTask(task)
	case types.StatusProcessing:
		// Crash recovery: the checkpoint decides where execution resumes.
		logging.Worker("task %s resuming from processing", task.ID)
	default:
		return nil
	}

	return w.execute(ctx, task)
}

// classify runs intent classification and the clarification gate. Returns
// false when the task parked for confirmation or was otherwise stopped.
func (w *Worker) classify(ctx context.Context, task *types.Task) (bool, error) {
	facts, err := w.deps.Store.OwnerFacts(task.OwnerID)
	if err != nil {
		logging.WorkerWarn("owner facts unavailable for %s: %v", task.OwnerID, err)
	}
	req := types.TaskRequest{OwnerID: task.OwnerID, Origin: task.Origin, Body: task.InputText, Channel: task.Channel}
	cl, err := w.deps.Classifier.Classify(ctx, req, facts)
	if err != nil {
		return false, fmt.Errorf("classify task %s: %w", task.ID, err)
	}
	applyClassification(task, cl)

	policy := w.cfg.PolicyFor(task.OwnerID)
	if intent.NeedsConfirmation(cl, policy) {
		if err := task.Advance(types.StatusAwaitingConfirmation); err != nil {
			return false, err
		}
		w.saveTask(task)
		_ = w.deps.Dispatcher.Send(ctx, task.Channel, task.OwnerID, task.Origin, confirmationPrompt(task))
		logging.Worker("task %s awaiting confirmation (policy %s, confidence %.0f)", task.ID, policy, cl.Confidence)
		return false, nil
	}

	if err := task.Advance(types.StatusPending); err != nil {
		return false, err
	}
	w.saveTask(task)
	return true, nil
}

// execute runs lock, plan, engine, verification, and cascade for a task
// already in processing.
func (w *Worker) execute(ctx context.Context, task *types.Task) error {
	cl := classificationFromTask(task)
	li := intent.Lock(cl, w.cfg.Execution.MaxActions, w.cfg.Execution.MaxTaskDuration())

	status := w.deps.Budget.CheckBudget(task.OwnerID)
	chain := w.chainFor(task, status)

	p, err := w.loadOrBuildPlan(ctx, task, cl)
	if err != nil {
		return w.finalize(ctx, task, types.StatusFailed, types.UserMessage(err))
	}

	var session *engine.Session
	if p.Method != types.MethodAPI && w.deps.Sessions != nil {
		session, err = w.deps.Sessions.Acquire(ctx, task.ID)
		if err != nil {
			// Browser steps will fail and the cascade gets its chance.
			logging.WorkerWarn("task %s has no automation session: %v", task.ID, err)
		}
	}
	if session != nil {
		defer session.Release()
	}

	out, runErr := w.deps.Executor.Run(ctx, task, li, p, session)
	if errors.Is(runErr, types.ErrBudgetExceeded) {
		// The whole ceiling was spent; the owner's monthly total must
		// still see it even though verification never ran.
		w.emitLearnings(task, chain, verify.Result{})
		response := types.UserMessage(runErr) + "\n\n" + evidenceSummary(task)
		return w.finalize(ctx, task, types.StatusNeedsReview, response)
	}
	if runErr != nil {
		logging.WorkerWarn("task %s execution error: %v", task.ID, runErr)
	}

	vres, verr := w.deps.NewVerifier(chain).Run(ctx, task, li, p, session)
	if verr != nil {
		logging.WorkerWarn("task %s verification error: %v", task.ID, verr)
	}
	task.BestScore = vres.BestScore
	task.ResponseText = vres.BestResponse

	if w.deps.Cascade != nil && w.deps.Cascade.ShouldRun(out.SuccessRate()) {
		logging.Worker("task %s success rate %.0f%% triggered the cascade", task.ID, out.SuccessRate()*100)
		outcomes := w.deps.Cascade.Run(ctx, task, li, p)
		cascade.AppendOutcomes(task, outcomes)
	}

	w.emitLearnings(task, chain, vres)

	switch {
	case vres.Passed:
		return w.finalize(ctx, task, types.StatusCompleted, task.ResponseText)
	case vres.CostAborted:
		response := task.ResponseText
		if response == "" {
			response = types.UserMessage(types.ErrBudgetExceeded)
		}
		return w.finalize(ctx, task, types.StatusNeedsReview, response)
	default:
		response := task.ResponseText
		if response == "" {
			response = evidenceSummary(task)
		}
		response = types.UserMessage(types.ErrVerificationShortfall) + "\n\n" + response
		return w.finalize(ctx, task, types.StatusNeedsReview, response)
	}
}

// Confirm resolves a task parked in awaiting_confirmation. Approval moves
// it to pending so the pool can pick it up; rejection cancels it.
func (w *Worker) Confirm(ctx context.Context, taskID string, approved bool) (*types.Task, error) {
	task, err := w.deps.Store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.StatusAwaitingConfirmation {
		return nil, fmt.Errorf("task %s is %s, not awaiting confirmation", taskID, task.Status)
	}

	if !approved {
		if err := task.Advance(types.StatusCancelled); err != nil {
			return nil, err
		}
		task.ResponseText = "Task cancelled before any action was taken."
		w.saveTask(task)
		w.auditTerminal(task)
		w.deps.Dispatcher.Deliver(ctx, task)
		return task, nil
	}

	if err := task.Advance(types.StatusPending); err != nil {
		return nil, err
	}
	w.saveTask(task)
	logging.Worker("task %s confirmed by owner", task.ID)
	return task, nil
}

// Revise updates a parked task's input without leaving awaiting_confirmation,
// re-classifies it, and sends a fresh confirmation prompt.
func (w *Worker) Revise(ctx context.Context, taskID, revision string) (*types.Task, error) {
	task, err := w.deps.Store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.StatusAwaitingConfirmation {
		return nil, fmt.Errorf("task %s is %s, not awaiting confirmation", taskID, task.Status)
	}
	if err := task.Advance(types.StatusAwaitingConfirmation); err != nil {
		return nil, err
	}
	task.InputText = task.InputText + "\n" + revision

	facts, _ := w.deps.Store.OwnerFacts(task.OwnerID)
	req := types.TaskRequest{OwnerID: task.OwnerID, Origin: task.Origin, Body: task.InputText, Channel: task.Channel}
	cl, err := w.deps.Classifier.Classify(ctx, req, facts)
	if err != nil {
		return nil, fmt.Errorf("re-classify task %s: %w", taskID, err)
	}
	applyClassification(task, cl)
	w.saveTask(task)
	_ = w.deps.Dispatcher.Send(ctx, task.Channel, task.OwnerID, task.Origin, confirmationPrompt(task))
	return task, nil
}

// Cancel cancels a task that has not started executing. Once a task is
// pending or beyond, cancellation is no longer available.
func (w *Worker) Cancel(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := w.deps.Store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if err := task.Advance(types.StatusCancelled); err != nil {
		return nil, err
	}
	task.ResponseText = "Task cancelled."
	w.saveTask(task)
	w.auditTerminal(task)
	w.deps.Dispatcher.Deliver(ctx, task)
	return task, nil
}

// Resume moves a needs_review task back into processing, carrying any
// owner-supplied input (a verification code, a correction) as an entity the
// planner and engine can see. The caller enqueues the task afterwards.
func (w *Worker) Resume(ctx context.Context, taskID, suppliedInput string) (*types.Task, error) {
	task, err := w.deps.Store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.StatusNeedsReview {
		return nil, fmt.Errorf("task %s is %s, only needs_review tasks resume", taskID, task.Status)
	}
	if err := task.Advance(types.StatusProcessing); err != nil {
		return nil, err
	}
	if suppliedInput != "" {
		if task.Entities == nil {
			task.Entities = map[string]string{}
		}
		task.Entities["supplied_input"] = suppliedInput
	}
	w.saveTask(task)
	logging.Worker("task %s resumed with owner input", task.ID)
	return task, nil
}

// chainFor selects the model chain for a task: the ranked order by past
// model performance, or just the cheapest model when the owner is over
// their monthly budget.
func (w *Worker) chainFor(task *types.Task, status budget.Status) []llm.Client {
	if len(w.deps.Chain) == 0 {
		return nil
	}
	if status.OverBudget {
		logging.Worker("owner %s over monthly budget, pinned to %s", task.OwnerID, w.deps.Chain[0].Model())
		return w.deps.Chain[:1]
	}
	if w.deps.Models == nil {
		return w.deps.Chain
	}

	byName := make(map[string]llm.Client, len(w.deps.Chain))
	names := make([]string, len(w.deps.Chain))
	for i, c := range w.deps.Chain {
		byName[c.Model()] = c
		names[i] = c.Model()
	}
	order := w.deps.Models.OrderFor(task.OwnerID, task.Type, domainOf(task), names)

	var chain []llm.Client
	seen := make(map[string]bool)
	for _, name := range order {
		if c, ok := byName[name]; ok && !seen[name] {
			chain = append(chain, c)
			seen[name] = true
		}
	}
	for _, c := range w.deps.Chain {
		if !seen[c.Model()] {
			chain = append(chain, c)
		}
	}
	return chain
}

// loadOrBuildPlan reuses the stored plan when one exists (the resume path),
// otherwise builds and persists a fresh one. A degraded planner still
// yields a usable fallback plan.
func (w *Worker) loadOrBuildPlan(ctx context.Context, task *types.Task, cl intent.Classification) (*plan.Plan, error) {
	if method, stepsJSON, gapsJSON, err := w.deps.Store.GetPlan(task.ID); err == nil && stepsJSON != "" {
		if p, ferr := plan.FromStored(task.ID, method, stepsJSON, gapsJSON); ferr == nil && len(p.Steps) > 0 {
			return p, nil
		}
	}

	var hints []string
	if w.deps.Learnings != nil {
		hints = w.deps.Learnings.HintsFor(domainOf(task), task.Type)
	}
	p, err := w.deps.Planner.Build(ctx, task, cl, hints)
	if err != nil {
		if p == nil || len(p.Steps) == 0 {
			return nil, err
		}
		logging.WorkerWarn("task %s planned degraded: %v", task.ID, err)
	}
	if serr := w.deps.Store.SavePlan(task.ID, string(p.Method), p.EstimatedCost, p.StepsJSON(), p.AuthGapsJSON()); serr != nil {
		logging.StoreError("plan not persisted for %s: %v", task.ID, serr)
	}
	return p, nil
}

// emitLearnings records model performance and owner spend after the task is
// decided. Strictly best-effort: nothing here changes task status.
func (w *Worker) emitLearnings(task *types.Task, chain []llm.Client, vres verify.Result) {
	if w.deps.Models != nil && len(chain) > 0 {
		used := chain[0]
		if vres.Attempts >= 3 {
			used = llm.Strongest(chain)
		}
		w.deps.Models.Record(task.OwnerID, task.Type, domainOf(task), used.Model(),
			vres.Passed, task.CostAccrued, time.Since(task.CreatedAt))
	}
	if task.CostAccrued > 0 {
		w.deps.Budget.Charge(task.OwnerID, task.CostAccrued)
	}
}

// finalize lands the task in its end state, persists it, audits terminal
// transitions, and delivers the response.
func (w *Worker) finalize(ctx context.Context, task *types.Task, status types.TaskStatus, response string) error {
	task.ResponseText = strings.TrimSpace(response)
	if task.Status != status {
		if err := task.Advance(status); err != nil {
			logging.WorkerWarn("task %s could not move to %s: %v", task.ID, status, err)
		}
	}
	w.saveTask(task)

	if status == types.StatusCompleted {
		if err := w.deps.Store.ClearCheckpoint(task.ID); err != nil {
			logging.StoreError("checkpoint not cleared for %s: %v", task.ID, err)
		}
	}
	if status.Terminal() {
		w.auditTerminal(task)
	}
	logging.Worker("task %s finished as %s (score %.0f, $%.2f spent)", task.ID, task.Status, task.BestScore, task.CostAccrued)
	w.deps.Dispatcher.Deliver(ctx, task)
	return nil
}

func (w *Worker) auditTerminal(task *types.Task) {
	logging.Audit(logging.AuditEvent{
		EventType: logging.AuditTaskTerminal,
		TaskID:    task.ID,
		OwnerID:   task.OwnerID,
		Message:   string(task.Status),
	})
}

func (w *Worker) saveTask(task *types.Task) {
	if err := w.deps.Store.SaveTask(task); err != nil {
		logging.StoreError("task %s not persisted: %v", task.ID, err)
	}
}

// applyClassification copies classification output onto the task. Domains
// are kept as an entity so the locked intent can be rebuilt after a restart.
func applyClassification(task *types.Task, cl intent.Classification) {
	task.Type = cl.TaskType
	task.Goal = cl.Goal
	task.Confidence = cl.Confidence
	task.Assumptions = cl.Assumptions
	task.Unclear = cl.Unclear
	if task.Entities == nil {
		task.Entities = map[string]string{}
	}
	for k, v := range cl.Entities {
		task.Entities[k] = v
	}
	if len(cl.Domains) > 0 {
		task.Entities["domains"] = strings.Join(cl.Domains, ",")
	}
}

// classificationFromTask rebuilds the classification view of a stored task.
func classificationFromTask(task *types.Task) intent.Classification {
	cl := intent.Classification{
		TaskType:    task.Type,
		Goal:        task.Goal,
		Entities:    task.Entities,
		Assumptions: task.Assumptions,
		Unclear:     task.Unclear,
		Confidence:  task.Confidence,
	}
	if raw := task.Entities["domains"]; raw != "" {
		cl.Domains = strings.Split(raw, ",")
	}
	return cl
}

func domainOf(task *types.Task) string {
	if raw := task.Entities["domains"]; raw != "" {
		return strings.SplitN(raw, ",", 2)[0]
	}
	return ""
}

// confirmationPrompt describes what the task will do and what was assumed,
// so the owner can approve, revise, or cancel.
func confirmationPrompt(task *types.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Before I start, please confirm.\n\nI understood: %s (%s task)\n", task.Goal, task.Type)
	if len(task.Assumptions) > 0 {
		sb.WriteString("\nI am assuming:\n")
		for _, a := range task.Assumptions {
			fmt.Fprintf(&sb, "- %s\n", a)
		}
	}
	if len(task.Unclear) > 0 {
		sb.WriteString("\nStill unclear to me:\n")
		for _, u := range task.Unclear {
			fmt.Fprintf(&sb, "- %s\n", u)
		}
	}
	sb.WriteString("\nReply yes to proceed, no to cancel, or with corrections.")
	return sb.String()
}

// evidenceSummary renders the raw action trail when no reviewed response is
// available.
func evidenceSummary(task *types.Task) string {
	if len(task.Results) == 0 {
		return "No actions were completed."
	}
	var sb strings.Builder
	sb.WriteString("What was done so far:\n")
	for _, r := range task.Results {
		status := "done"
		if !r.Success {
			status = "failed"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", r.Kind, status)
	}
	return sb.String()
}
