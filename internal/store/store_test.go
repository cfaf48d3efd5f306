package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errand/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)

	task := &types.Task{
		ID:         "task-1",
		OwnerID:    "owner-1",
		InputText:  "book a table for two at luigi's on friday",
		Type:       "reservation",
		Goal:       "reserve a table",
		Confidence: 92,
		Status:     types.StatusPending,
		Entities:   map[string]string{"restaurant": "luigi's", "party_size": "2"},
		Channel:    types.ChannelSMS,
		Origin:     "+15551234567",
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.SaveTask(task))

	got, err := s.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, "luigi's", got.Entities["restaurant"])
	assert.Empty(t, got.Results)

	task.Status = types.StatusProcessing
	task.CostAccrued = 0.35
	require.NoError(t, s.SaveTask(task))

	got, err = s.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, got.Status)
	assert.InDelta(t, 0.35, got.CostAccrued, 1e-9)
}

func TestGetTaskMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask("nope")
	assert.Error(t, err)
}

func TestActionResultsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveTask(&types.Task{ID: "task-2", OwnerID: "o", Status: types.StatusProcessing, CreatedAt: time.Now()}))

	r1 := types.ActionResult{ActionID: "a1", Kind: types.ActionNavigate, Success: true, MethodUsed: "browser", Duration: 1200 * time.Millisecond}
	r2 := types.ActionResult{ActionID: "a2", Kind: types.ActionSendEmail, Success: false, Error: "blocked", Security: true}
	require.NoError(t, s.AppendActionResult("task-2", r1))
	require.NoError(t, s.AppendActionResult("task-2", r2))

	got, err := s.GetTask("task-2")
	require.NoError(t, err)
	require.Len(t, got.Results, 2)
	assert.Equal(t, "a1", got.Results[0].ActionID)
	assert.True(t, got.Results[0].Success)
	assert.True(t, got.Results[1].Security)
	assert.Equal(t, 1200*time.Millisecond, got.Results[0].Duration)
}

func TestPlanReplaces(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SavePlan("task-3", "api", 0.10, `[{"kind":"api_call"}]`, `[]`))
	require.NoError(t, s.SavePlan("task-3", "browser", 0.40, `[{"kind":"navigate"}]`, `["login"]`))

	method, steps, gaps, err := s.GetPlan("task-3")
	require.NoError(t, err)
	assert.Equal(t, "browser", method)
	assert.Contains(t, steps, "navigate")
	assert.Contains(t, gaps, "login")
}

func TestCheckpointLifecycle(t *testing.T) {
	s := newTestStore(t)

	step, _, err := s.GetCheckpoint("task-4")
	require.NoError(t, err)
	assert.Equal(t, -1, step)

	require.NoError(t, s.SaveCheckpoint("task-4", 2, "hash-a"))
	require.NoError(t, s.SaveCheckpoint("task-4", 3, "hash-a"))

	step, hash, err := s.GetCheckpoint("task-4")
	require.NoError(t, err)
	assert.Equal(t, 3, step)
	assert.Equal(t, "hash-a", hash)

	require.NoError(t, s.ClearCheckpoint("task-4"))
	step, _, err = s.GetCheckpoint("task-4")
	require.NoError(t, err)
	assert.Equal(t, -1, step)
}

func TestMethodOutcomeIncrements(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordMethodOutcome("opentable.com", types.ActionFillForm, types.MethodBrowser, true, 800*time.Millisecond))
	require.NoError(t, s.RecordMethodOutcome("opentable.com", types.ActionFillForm, types.MethodBrowser, true, 400*time.Millisecond))
	require.NoError(t, s.RecordMethodOutcome("opentable.com", types.ActionFillForm, types.MethodBrowser, false, 600*time.Millisecond))
	require.NoError(t, s.RecordMethodOutcome("opentable.com", types.ActionFillForm, types.MethodAPI, true, 200*time.Millisecond))

	stats, err := s.MethodStatsFor("opentable.com", types.ActionFillForm)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	byMethod := map[types.ExecutionMethod]MethodStats{}
	for _, st := range stats {
		byMethod[st.Method] = st
	}
	browser := byMethod[types.MethodBrowser]
	assert.Equal(t, 3, browser.Attempts())
	assert.InDelta(t, 2.0/3.0, browser.SuccessRate(), 1e-9)
	assert.Equal(t, 600*time.Millisecond, browser.AvgDuration())
}

func TestModelOutcomeIncrements(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordModelOutcome("o1", "research", "weather.com", "gemini-2.0-flash", true, 0.002, 900*time.Millisecond))
	require.NoError(t, s.RecordModelOutcome("o1", "research", "weather.com", "gemini-2.0-flash", false, 0.002, 1100*time.Millisecond))

	stats, err := s.ModelStatsFor("o1", "research", "weather.com")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Attempts())
	assert.InDelta(t, 0.5, stats[0].SuccessRate(), 1e-9)
	assert.InDelta(t, 0.002, stats[0].AvgCost(), 1e-9)
}

func TestFailureMemory(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordFailure("acme.com", types.ActionClick, "#submit", "element not found"))
	require.NoError(t, s.RecordFailure("acme.com", types.ActionClick, "#submit", "element not found"))
	require.NoError(t, s.ConfirmFix("acme.com", types.ActionClick, "#submit", "api"))

	entries, err := s.KnownFailures("acme.com")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].HitCount)
	assert.Equal(t, "api", entries[0].FixedBy)
}

func TestLearningRoundTrip(t *testing.T) {
	s := newTestStore(t)

	empty, err := s.GetLearning("opentable.com", "reservation")
	require.NoError(t, err)
	assert.Empty(t, empty.Hints)

	l := Learning{
		Service:  "opentable.com",
		TaskType: "reservation",
		Hints:    []string{"confirmation number appears in the banner"},
		Sequence: []string{"navigate", "fill_form", "click"},
	}
	require.NoError(t, s.SaveLearning(l))

	got, err := s.GetLearning("opentable.com", "reservation")
	require.NoError(t, err)
	assert.Equal(t, l.Hints, got.Hints)
	assert.Equal(t, l.Sequence, got.Sequence)
}

func TestSpendAccrues(t *testing.T) {
	s := newTestStore(t)

	amt, err := s.MonthSpend("owner-9")
	require.NoError(t, err)
	assert.Zero(t, amt)

	require.NoError(t, s.AddSpend("owner-9", 0.50))
	require.NoError(t, s.AddSpend("owner-9", 0.25))

	amt, err = s.MonthSpend("owner-9")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, amt, 1e-9)
}

func TestOwnerFactsIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RememberFact("o1", "dentist is Dr. Chen on 5th ave"))
	require.NoError(t, s.RememberFact("o1", "dentist is Dr. Chen on 5th ave"))
	require.NoError(t, s.RememberFact("o1", "prefers window seats"))

	facts, err := s.OwnerFacts("o1")
	require.NoError(t, err)
	assert.Len(t, facts, 2)

	facts, err = s.OwnerFacts("someone-else")
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestTasksByStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveTask(&types.Task{ID: "t-a", OwnerID: "o", Status: types.StatusProcessing, CreatedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, s.SaveTask(&types.Task{ID: "t-b", OwnerID: "o", Status: types.StatusProcessing, CreatedAt: time.Now()}))
	require.NoError(t, s.SaveTask(&types.Task{ID: "t-c", OwnerID: "o", Status: types.StatusCompleted, CreatedAt: time.Now()}))

	ids, err := s.TasksByStatus(types.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, []string{"t-a", "t-b"}, ids)
}
