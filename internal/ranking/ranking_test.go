package ranking

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errand/internal/config"
	"errand/internal/store"
	"errand/internal/types"
)

var testOpts = Options{
	MinSamples:       3,
	NoiseThreshold:   5.0,
	DemotionRate:     0.20,
	DemotionMinTries: 5,
	Fallback:         "browser",
}

func TestRankKeepsDefaultOrderWithoutSamples(t *testing.T) {
	defaults := []string{"css", "xpath", "text", "browser"}
	got := Rank(defaults, nil, testOpts)
	assert.Equal(t, defaults, got)
}

func TestRankIgnoresUndersampledKeys(t *testing.T) {
	defaults := []string{"css", "xpath", "text", "browser"}
	stats := map[string]Stat{
		"xpath": {SuccessRate: 1.0, Attempts: 2}, // below MinSamples
	}
	got := Rank(defaults, stats, testOpts)
	assert.Equal(t, defaults, got)
}

func TestRankReordersBeyondNoiseThreshold(t *testing.T) {
	defaults := []string{"css", "xpath", "text", "browser"}
	stats := map[string]Stat{
		"css":   {SuccessRate: 0.50, Attempts: 10},
		"xpath": {SuccessRate: 0.90, Attempts: 10},
	}
	got := Rank(defaults, stats, testOpts)
	assert.Equal(t, []string{"xpath", "css", "text", "browser"}, got)
}

func TestRankHoldsOrderWithinNoiseThreshold(t *testing.T) {
	defaults := []string{"css", "xpath", "text", "browser"}
	stats := map[string]Stat{
		"css":   {SuccessRate: 0.86, Attempts: 10, AvgCost: 1.0},
		"xpath": {SuccessRate: 0.90, Attempts: 10, AvgCost: 1.0},
	}
	// A 4-point gap with equal cost is noise, order stays put.
	got := Rank(defaults, stats, testOpts)
	assert.Equal(t, defaults, got)
}

func TestRankBreaksTiesByCost(t *testing.T) {
	defaults := []string{"css", "xpath", "text", "browser"}
	stats := map[string]Stat{
		"css":   {SuccessRate: 0.88, Attempts: 10, AvgCost: 2.0},
		"xpath": {SuccessRate: 0.90, Attempts: 10, AvgCost: 0.5},
	}
	got := Rank(defaults, stats, testOpts)
	assert.Equal(t, []string{"xpath", "css", "text", "browser"}, got)
}

func TestRankDemotesLowPerformers(t *testing.T) {
	defaults := []string{"css", "xpath", "text", "browser"}
	stats := map[string]Stat{
		// 2 successes over 10 attempts.
		"css": {SuccessRate: 0.20, Attempts: 10},
	}
	got := Rank(defaults, stats, testOpts)
	assert.Equal(t, []string{"xpath", "text", "browser"}, got)
	assert.Equal(t, []string{"css"}, Exclusions(defaults, stats, testOpts))
}

func TestRankNeverDemotesFallback(t *testing.T) {
	defaults := []string{"css", "browser"}
	stats := map[string]Stat{
		"css":     {SuccessRate: 0.10, Attempts: 10},
		"browser": {SuccessRate: 0.05, Attempts: 20},
	}
	got := Rank(defaults, stats, testOpts)
	assert.Equal(t, []string{"browser"}, got)
}

func TestRankReadIdempotence(t *testing.T) {
	defaults := []string{"css", "xpath", "text", "browser"}
	stats := map[string]Stat{
		"css":   {SuccessRate: 0.55, Attempts: 9, AvgCost: 1.1},
		"xpath": {SuccessRate: 0.75, Attempts: 7, AvgCost: 0.9},
		"text":  {SuccessRate: 0.74, Attempts: 6, AvgCost: 0.3},
	}
	first := Rank(defaults, stats, testOpts)
	second := Rank(defaults, stats, testOpts)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("rank order changed between reads (-first +second):\n%s", diff)
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rankingConfig() config.RankingConfig {
	return config.DefaultConfig().Ranking
}

func TestMethodRankerExcludesDemotedMethod(t *testing.T) {
	s := newTestStore(t)
	r := NewMethodRanker(s, rankingConfig())

	// 2 successes, 8 failures for css clicks on x.com.
	for i := 0; i < 2; i++ {
		require.NoError(t, s.RecordMethodOutcome("x.com", types.ActionClick, types.MethodCSS, true, time.Second))
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, s.RecordMethodOutcome("x.com", types.ActionClick, types.MethodCSS, false, time.Second))
	}

	got := r.OrderFor("x.com", types.ActionClick)
	assert.NotContains(t, got, types.MethodCSS)
	assert.Equal(t, types.MethodBrowser, got[len(got)-1])
}

func TestMethodRankerDefaultsForFreshDomain(t *testing.T) {
	s := newTestStore(t)
	r := NewMethodRanker(s, rankingConfig())

	got := r.OrderFor("fresh.example", types.ActionFillForm)
	assert.Equal(t, defaultMethodOrder, got)
}

func TestMethodRankerNonPageAction(t *testing.T) {
	s := newTestStore(t)
	r := NewMethodRanker(s, rankingConfig())
	assert.Equal(t, []types.ExecutionMethod{types.MethodAPI}, r.OrderFor("api.example", types.ActionAPICall))
}

func TestModelRankerPrefersProvenModel(t *testing.T) {
	s := newTestStore(t)
	r := NewModelRanker(s, rankingConfig())
	defaults := []string{"cheap-model", "strong-model"}

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordModelOutcome("o1", "research", "x.com", "cheap-model", false, 0.001, time.Second))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordModelOutcome("o1", "research", "x.com", "strong-model", true, 0.02, time.Second))
	}

	got := r.OrderFor("o1", "research", "x.com", defaults)
	// cheap-model is demoted at 0% but strong-model is the fallback, so the
	// order collapses to the fallback alone.
	assert.Equal(t, []string{"strong-model"}, got)
}

func TestModelRankerKeepsConfiguredOrderWithoutHistory(t *testing.T) {
	s := newTestStore(t)
	r := NewModelRanker(s, rankingConfig())
	defaults := []string{"cheap-model", "strong-model"}
	assert.Equal(t, defaults, r.OrderFor("o1", "research", "y.com", defaults))
}
