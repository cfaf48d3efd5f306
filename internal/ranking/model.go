package ranking

import (
	"time"

	"errand/internal/config"
	"errand/internal/logging"
	"errand/internal/store"
)

// ModelRanker orders inference models per (owner, task type, domain). The
// configured model list is cheapest first; the strongest model doubles as
// the guaranteed fallback.
type ModelRanker struct {
	store *store.Store
	cfg   config.RankingConfig
}

// NewModelRanker builds a ranker over the shared store.
func NewModelRanker(s *store.Store, cfg config.RankingConfig) *ModelRanker {
	return &ModelRanker{store: s, cfg: cfg}
}

// OrderFor returns model names to try, best first. defaults is the
// configured chain, cheapest first.
func (r *ModelRanker) OrderFor(ownerID, taskType, domain string, defaults []string) []string {
	if len(defaults) == 0 {
		return nil
	}

	recorded, err := r.store.ModelStatsFor(ownerID, taskType, domain)
	if err != nil {
		logging.RankingDebug("model stats unavailable for %s/%s/%s: %v", ownerID, taskType, domain, err)
		return append([]string(nil), defaults...)
	}

	stats := make(map[string]Stat, len(recorded))
	for _, m := range recorded {
		stats[m.Model] = Stat{
			SuccessRate: m.SuccessRate(),
			Attempts:    m.Attempts(),
			AvgCost:     m.AvgCost(),
		}
	}

	return Rank(defaults, stats, Options{
		MinSamples:       r.cfg.ModelMinSamples,
		NoiseThreshold:   r.cfg.NoiseThreshold,
		DemotionRate:     r.cfg.DemotionRate,
		DemotionMinTries: r.cfg.DemotionMinTries,
		Fallback:         defaults[len(defaults)-1],
	})
}

// Record feeds one model invocation outcome back into the counters.
func (r *ModelRanker) Record(ownerID, taskType, domain, model string, success bool, cost float64, latency time.Duration) {
	if err := r.store.RecordModelOutcome(ownerID, taskType, domain, model, success, cost, latency); err != nil {
		logging.Ranking("model outcome not recorded for %s: %v", model, err)
	}
}
