package ranking

import (
	"errand/internal/config"
	"errand/internal/logging"
	"errand/internal/store"
	"errand/internal/types"
)

// browserKinds are the actions that run against a page and can choose an
// element-location strategy.
var browserKinds = map[types.ActionKind]bool{
	types.ActionNavigate: true, types.ActionBrowse: true,
	types.ActionClick: true, types.ActionFillForm: true,
	types.ActionExtract: true, types.ActionScreenshot: true,
}

// defaultMethodOrder is the configured order before any history exists.
// MethodBrowser stays last as the robust full-page path.
var defaultMethodOrder = []types.ExecutionMethod{
	types.MethodCSS, types.MethodXPath, types.MethodText, types.MethodBrowser,
}

// MethodRanker orders element-location strategies per (domain, action kind)
// using persisted outcome counters.
type MethodRanker struct {
	store *store.Store
	cfg   config.RankingConfig
}

// NewMethodRanker builds a ranker over the shared store.
func NewMethodRanker(s *store.Store, cfg config.RankingConfig) *MethodRanker {
	return &MethodRanker{store: s, cfg: cfg}
}

// OrderFor returns the methods to try for one action, best first. Non-page
// actions have a single fixed method. A store read failure degrades to the
// default order rather than failing the action.
func (r *MethodRanker) OrderFor(domain string, kind types.ActionKind) []types.ExecutionMethod {
	if !browserKinds[kind] {
		return []types.ExecutionMethod{types.MethodAPI}
	}

	recorded, err := r.store.MethodStatsFor(domain, kind)
	if err != nil {
		logging.RankingDebug("method stats unavailable for %s/%s: %v", domain, kind, err)
		return append([]types.ExecutionMethod(nil), defaultMethodOrder...)
	}

	stats := make(map[string]Stat, len(recorded))
	for _, m := range recorded {
		stats[string(m.Method)] = Stat{
			SuccessRate: m.SuccessRate(),
			Attempts:    m.Attempts(),
			AvgCost:     m.AvgDuration().Seconds(),
		}
	}

	defaults := make([]string, len(defaultMethodOrder))
	for i, m := range defaultMethodOrder {
		defaults[i] = string(m)
	}
	opts := Options{
		MinSamples:       r.cfg.MethodMinSamples,
		NoiseThreshold:   r.cfg.NoiseThreshold,
		DemotionRate:     r.cfg.DemotionRate,
		DemotionMinTries: r.cfg.DemotionMinTries,
		Fallback:         string(types.MethodBrowser),
	}

	if excluded := Exclusions(defaults, stats, opts); len(excluded) > 0 {
		logging.Ranking("demoted methods for %s/%s: %v", domain, kind, excluded)
	}

	ranked := Rank(defaults, stats, opts)
	out := make([]types.ExecutionMethod, len(ranked))
	for i, name := range ranked {
		out[i] = types.ExecutionMethod(name)
	}
	return out
}

// Record feeds one attempt outcome back into the counters.
func (r *MethodRanker) Record(domain string, kind types.ActionKind, method types.ExecutionMethod, res types.ActionResult) {
	if err := r.store.RecordMethodOutcome(domain, kind, method, res.Success, res.Duration); err != nil {
		logging.Ranking("method outcome not recorded for %s/%s: %v", domain, kind, err)
	}
}
