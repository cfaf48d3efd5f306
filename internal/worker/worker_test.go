package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"errand/internal/budget"
	"errand/internal/cascade"
	"errand/internal/config"
	"errand/internal/engine"
	"errand/internal/intent"
	"errand/internal/llm"
	"errand/internal/plan"
	"errand/internal/store"
	"errand/internal/types"
	"errand/internal/verify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type stubClient struct{ name string }

func (s stubClient) Complete(context.Context, string) (string, error) { return "", nil }
func (s stubClient) CompleteWithSystem(context.Context, string, string) (string, error) {
	return "", nil
}
func (s stubClient) Model() string      { return s.name }
func (s stubClient) TakeSpend() float64 { return 0 }

type fakeClassifier struct {
	cl    intent.Classification
	calls int
}

func (f *fakeClassifier) Classify(context.Context, types.TaskRequest, []string) (intent.Classification, error) {
	f.calls++
	return f.cl, nil
}

type fakePlanner struct {
	plan  *plan.Plan
	err   error
	calls int
}

func (f *fakePlanner) Build(_ context.Context, task *types.Task, _ intent.Classification, _ []string) (*plan.Plan, error) {
	f.calls++
	if f.plan != nil {
		f.plan.TaskID = task.ID
	}
	return f.plan, f.err
}

type fakeExecutor struct {
	calls   int
	cost    float64
	results []types.ActionResult
	err     error
}

func (f *fakeExecutor) Run(_ context.Context, task *types.Task, _ *intent.LockedIntent, _ *plan.Plan, _ *engine.Session) (engine.Outcome, error) {
	f.calls++
	task.CostAccrued += f.cost
	for _, r := range f.results {
		task.AppendResult(r)
	}
	return engine.Outcome{Results: f.results, BudgetHit: f.err != nil}, f.err
}

func (f *fakeExecutor) RunSteps(ctx context.Context, task *types.Task, li *intent.LockedIntent, p *plan.Plan, s *engine.Session, _ map[string]bool) (engine.Outcome, error) {
	return f.Run(ctx, task, li, p, s)
}

type fakeVerifier struct {
	result verify.Result
	calls  int
}

func (f *fakeVerifier) Run(context.Context, *types.Task, *intent.LockedIntent, *plan.Plan, *engine.Session) (verify.Result, error) {
	f.calls++
	return f.result, nil
}

type fakeCascader struct {
	trigger  bool
	outcomes []cascade.TierOutcome
	calls    int
}

func (f *fakeCascader) ShouldRun(float64) bool { return f.trigger }
func (f *fakeCascader) Run(context.Context, *types.Task, *intent.LockedIntent, *plan.Plan) []cascade.TierOutcome {
	f.calls++
	return f.outcomes
}

type fakeDeliverer struct {
	sent      []string
	delivered []*types.Task
}

func (f *fakeDeliverer) Send(_ context.Context, _ types.Channel, _, _, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeDeliverer) Deliver(_ context.Context, task *types.Task) {
	f.delivered = append(f.delivered, task)
}

type fakeBudget struct {
	status  budget.Status
	charged float64
}

func (f *fakeBudget) CheckBudget(string) budget.Status { return f.status }
func (f *fakeBudget) Charge(_ string, amount float64)  { f.charged += amount }

type fixture struct {
	worker     *Worker
	store      *store.Store
	classifier *fakeClassifier
	planner    *fakePlanner
	executor   *fakeExecutor
	verifier   *fakeVerifier
	cascader   *fakeCascader
	deliverer  *fakeDeliverer
	budget     *fakeBudget
	chains     [][]llm.Client
}

func clearClassification() intent.Classification {
	return intent.Classification{
		TaskType:   intent.TypeResearch,
		Goal:       "find the cheapest direct flight",
		Domains:    []string{"kayak.com"},
		Confidence: 95,
	}
}

func twoStepPlan() *plan.Plan {
	return &plan.Plan{
		Method: types.MethodBrowser,
		Steps: []types.Action{
			{ID: uuid.NewString(), Kind: types.ActionBrowse, Domain: "kayak.com"},
			{ID: uuid.NewString(), Kind: types.ActionExtract, Domain: "kayak.com"},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:      st,
		classifier: &fakeClassifier{cl: clearClassification()},
		planner:    &fakePlanner{plan: twoStepPlan()},
		executor:   &fakeExecutor{cost: 0.10, results: []types.ActionResult{{ActionID: "a1", Kind: types.ActionBrowse, Success: true, Output: "page"}}},
		verifier:   &fakeVerifier{result: verify.Result{Passed: true, BestScore: 92, BestResponse: "Found it: $214 nonstop.", Attempts: 1}},
		cascader:   &fakeCascader{},
		deliverer:  &fakeDeliverer{},
		budget:     &fakeBudget{status: budget.Status{Remaining: 50}},
	}

	cfg := config.DefaultConfig()
	f.worker = New(cfg, Deps{
		Store:      st,
		Chain:      []llm.Client{stubClient{"cheap"}, stubClient{"strong"}},
		Classifier: f.classifier,
		Planner:    f.planner,
		Executor:   f.executor,
		NewVerifier: func(chain []llm.Client) Verifier {
			f.chains = append(f.chains, chain)
			return f.verifier
		},
		Cascade:    f.cascader,
		Budget:     f.budget,
		Dispatcher: f.deliverer,
	})
	return f
}

func (f *fixture) intake(t *testing.T) *types.Task {
	t.Helper()
	task, err := f.worker.Intake(context.Background(), types.TaskRequest{
		OwnerID: "owner-1",
		Origin:  "ana@example.com",
		Body:    "find me the cheapest direct flight to Lisbon in October",
		Channel: types.ChannelEmail,
	})
	require.NoError(t, err)
	return task
}

func TestIntakeCreatesReceivedTask(t *testing.T) {
	f := newFixture(t)
	task := f.intake(t)

	stored, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReceived, stored.Status)
	assert.Equal(t, "owner-1", stored.OwnerID)
}

func TestIntakeRejectsEmptyRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.worker.Intake(context.Background(), types.TaskRequest{OwnerID: "owner-1", Body: "   "})
	require.Error(t, err)
}

func TestProcessRunsClearTaskToCompletion(t *testing.T) {
	f := newFixture(t)
	task := f.intake(t)

	require.NoError(t, f.worker.Process(context.Background(), task.ID))

	stored, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, stored.Status)
	assert.Equal(t, "Found it: $214 nonstop.", stored.ResponseText)
	assert.Equal(t, 92.0, stored.BestScore)
	assert.Equal(t, 1, f.executor.calls)
	assert.Equal(t, 1, f.verifier.calls)
	require.Len(t, f.deliverer.delivered, 1)
	assert.InDelta(t, 0.10, f.budget.charged, 1e-9)
}

func TestProcessParksUnclearTaskForConfirmation(t *testing.T) {
	f := newFixture(t)
	f.classifier.cl.Confidence = 60
	f.classifier.cl.Unclear = []string{"which dates"}
	task := f.intake(t)

	require.NoError(t, f.worker.Process(context.Background(), task.ID))

	stored, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAwaitingConfirmation, stored.Status)
	assert.Zero(t, f.executor.calls)
	require.Len(t, f.deliverer.sent, 1)
	assert.Contains(t, f.deliverer.sent[0], "which dates")
}

func TestConfirmApprovedResumesPipeline(t *testing.T) {
	f := newFixture(t)
	f.classifier.cl.Unclear = []string{"which dates"}
	task := f.intake(t)
	require.NoError(t, f.worker.Process(context.Background(), task.ID))

	_, err := f.worker.Confirm(context.Background(), task.ID, true)
	require.NoError(t, err)
	require.NoError(t, f.worker.Process(context.Background(), task.ID))

	stored, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, stored.Status)
}

func TestConfirmRejectedCancels(t *testing.T) {
	f := newFixture(t)
	f.classifier.cl.Unclear = []string{"which dates"}
	task := f.intake(t)
	require.NoError(t, f.worker.Process(context.Background(), task.ID))

	_, err := f.worker.Confirm(context.Background(), task.ID, false)
	require.NoError(t, err)

	stored, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, stored.Status)
	assert.Zero(t, f.executor.calls)
	require.Len(t, f.deliverer.delivered, 1)
}

func TestReviseKeepsTaskParkedWithNewPrompt(t *testing.T) {
	f := newFixture(t)
	f.classifier.cl.Unclear = []string{"which dates"}
	task := f.intake(t)
	require.NoError(t, f.worker.Process(context.Background(), task.ID))

	updated, err := f.worker.Revise(context.Background(), task.ID, "second week of October")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAwaitingConfirmation, updated.Status)
	assert.Contains(t, updated.InputText, "second week of October")
	assert.Len(t, f.deliverer.sent, 2)
	assert.Equal(t, 2, f.classifier.calls)
}

func TestCancelRefusedOnceExecuting(t *testing.T) {
	f := newFixture(t)
	task := f.intake(t)
	require.NoError(t, f.worker.Process(context.Background(), task.ID))

	_, err := f.worker.Cancel(context.Background(), task.ID)
	require.Error(t, err)

	stored, serr := f.store.GetTask(task.ID)
	require.NoError(t, serr)
	assert.Equal(t, types.StatusCompleted, stored.Status)
}

func TestVerificationShortfallLandsInNeedsReview(t *testing.T) {
	f := newFixture(t)
	f.verifier.result = verify.Result{Passed: false, BestScore: 68, BestResponse: "Partial comparison only.", Attempts: 3}
	task := f.intake(t)

	require.NoError(t, f.worker.Process(context.Background(), task.ID))

	stored, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusNeedsReview, stored.Status)
	assert.Contains(t, stored.ResponseText, "Partial comparison only.")
	assert.Contains(t, stored.ResponseText, "could not fully verify")
	require.Len(t, f.deliverer.delivered, 1)
}

func TestResumeReentersProcessing(t *testing.T) {
	f := newFixture(t)
	f.verifier.result = verify.Result{Passed: false, BestScore: 68, Attempts: 3}
	task := f.intake(t)
	require.NoError(t, f.worker.Process(context.Background(), task.ID))

	resumed, err := f.worker.Resume(context.Background(), task.ID, "code 4417")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, resumed.Status)
	assert.Equal(t, "code 4417", resumed.Entities["supplied_input"])

	f.verifier.result = verify.Result{Passed: true, BestScore: 90, BestResponse: "Booked.", Attempts: 1}
	require.NoError(t, f.worker.Process(context.Background(), task.ID))

	stored, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, stored.Status)
}

func TestBudgetExceededPreservesCompletedWork(t *testing.T) {
	f := newFixture(t)
	f.executor.err = types.ErrBudgetExceeded
	f.executor.cost = 2.00
	f.executor.results = []types.ActionResult{
		{ActionID: "a1", Kind: types.ActionBrowse, Success: true, Output: "page"},
	}
	task := f.intake(t)

	require.NoError(t, f.worker.Process(context.Background(), task.ID))

	stored, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusNeedsReview, stored.Status)
	assert.Contains(t, stored.ResponseText, "cost limit")
	assert.Contains(t, stored.ResponseText, "browse: done")
	assert.Zero(t, f.verifier.calls, "no verification after a budget abort")
	assert.InDelta(t, 2.00, f.budget.charged, 1e-9, "spend still counts toward the monthly total")
}

func TestLowSuccessRateTriggersCascade(t *testing.T) {
	f := newFixture(t)
	f.executor.results = []types.ActionResult{
		{ActionID: "a1", Kind: types.ActionBrowse, Success: false, Error: "timeout"},
		{ActionID: "a2", Kind: types.ActionExtract, Success: false, Error: "timeout"},
	}
	f.verifier.result = verify.Result{Passed: false, BestScore: 20, BestResponse: "Almost nothing worked.", Attempts: 2}
	f.cascader.trigger = true
	f.cascader.outcomes = []cascade.TierOutcome{
		{Tier: cascade.TierManualInstructions, Name: "manual_instructions", Success: true, Note: "manual steps:\n1. open kayak.com"},
	}
	task := f.intake(t)

	require.NoError(t, f.worker.Process(context.Background(), task.ID))

	stored, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.cascader.calls)
	assert.Contains(t, stored.ResponseText, "Almost nothing worked.")
	assert.Contains(t, stored.ResponseText, "Fallback manual_instructions worked")
}

func TestOverBudgetPinsChainToCheapestModel(t *testing.T) {
	f := newFixture(t)
	f.budget.status = budget.Status{Remaining: 0, OverBudget: true}
	task := f.intake(t)

	require.NoError(t, f.worker.Process(context.Background(), task.ID))

	require.Len(t, f.chains, 1)
	require.Len(t, f.chains[0], 1)
	assert.Equal(t, "cheap", f.chains[0][0].Model())
}

func TestPlanReusedOnResume(t *testing.T) {
	f := newFixture(t)
	task := f.intake(t)
	require.NoError(t, f.worker.Process(context.Background(), task.ID))
	require.Equal(t, 1, f.planner.calls)

	// Push the finished task back through the execution path via resume.
	f.verifier.result = verify.Result{Passed: false, BestScore: 50, Attempts: 3}
	task2 := f.intake(t)
	require.NoError(t, f.worker.Process(context.Background(), task2.ID))
	_, err := f.worker.Resume(context.Background(), task2.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.worker.Process(context.Background(), task2.ID))

	assert.Equal(t, 2, f.planner.calls, "resumed task reuses its stored plan")
}

func TestPoolProcessesQueuedTasks(t *testing.T) {
	f := newFixture(t)
	a := f.intake(t)
	b := f.intake(t)

	pool := NewPool(f.worker, 2)
	pool.Enqueue(a.ID)
	pool.Enqueue(b.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		sa, err := f.store.GetTask(a.ID)
		if err != nil || sa.Status != types.StatusCompleted {
			return false
		}
		sb, err := f.store.GetTask(b.ID)
		return err == nil && sb.Status == types.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRecoverRequeuesStrandedTasks(t *testing.T) {
	f := newFixture(t)
	for _, status := range []types.TaskStatus{types.StatusPending, types.StatusProcessing} {
		task := &types.Task{
			ID:        uuid.NewString(),
			OwnerID:   "owner-1",
			InputText: "stranded",
			Status:    status,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		require.NoError(t, f.store.SaveTask(task))
	}

	pool := NewPool(f.worker, 1)
	assert.Equal(t, 2, pool.Recover())
}
