// Package ranking orders alternative methods and models by historical
// outcome. It is an online statistic over persisted counters, not a trained
// model: reads never mutate state, so two successive reads with no recorded
// outcomes in between return the same order.
package ranking

// Stat is the recorded history for one candidate.
type Stat struct {
	SuccessRate float64 // in [0, 1]
	Attempts    int
	AvgCost     float64
}

// Options tunes the ranking algorithm.
type Options struct {
	// MinSamples is the attempt count below which history is ignored and a
	// candidate keeps its default position.
	MinSamples int

	// NoiseThreshold is the success-rate gap, in percentage points, below
	// which two candidates are considered tied. Ties are broken by cost,
	// then by default order.
	NoiseThreshold float64

	// DemotionRate and DemotionMinTries define demotion: a candidate whose
	// success rate is at or below DemotionRate after at least
	// DemotionMinTries attempts is dropped from the ranked order. Its
	// counters stay in the store, so it is demoted, not forgotten.
	DemotionRate     float64
	DemotionMinTries int

	// Fallback names the guaranteed last resort. It is always present in
	// the output, always last, and exempt from demotion.
	Fallback string
}

func (o Options) demoted(st Stat, ok bool) bool {
	return ok && st.Attempts >= o.DemotionMinTries && st.SuccessRate <= o.DemotionRate
}

// Rank orders candidates for the next attempt. defaults is the configured
// order, best first; stats carries whatever history exists. Candidates with
// no entry in stats, or with fewer than MinSamples attempts, keep their
// default position relative to each other.
func Rank(defaults []string, stats map[string]Stat, o Options) []string {
	type scored struct {
		name    string
		pos     int
		stat    Stat
		sampled bool
	}

	var items []scored
	var fallback *scored
	seen := make(map[string]bool, len(defaults))
	for i, name := range defaults {
		if seen[name] {
			continue
		}
		seen[name] = true
		st, ok := stats[name]
		it := scored{name: name, pos: i, stat: st, sampled: ok && st.Attempts >= o.MinSamples}
		if name == o.Fallback {
			fallback = &it
			continue
		}
		if o.demoted(st, ok) {
			continue
		}
		items = append(items, it)
	}

	// Insertion sort keeps comparisons between adjacent pairs, which is all
	// the noise threshold is defined over.
	less := func(a, b scored) bool {
		if a.sampled && b.sampled {
			gap := (a.stat.SuccessRate - b.stat.SuccessRate) * 100
			if gap > o.NoiseThreshold {
				return true
			}
			if gap < -o.NoiseThreshold {
				return false
			}
			if a.stat.AvgCost != b.stat.AvgCost {
				return a.stat.AvgCost < b.stat.AvgCost
			}
		}
		return a.pos < b.pos
	}
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && less(items[j], items[j-1]); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}

	out := make([]string, 0, len(items)+1)
	for _, it := range items {
		out = append(out, it.name)
	}
	if fallback != nil {
		out = append(out, fallback.name)
	}
	return out
}

// Exclusions returns the candidates Rank dropped for being demoted. Useful
// for logging why an order changed.
func Exclusions(defaults []string, stats map[string]Stat, o Options) []string {
	var out []string
	for _, name := range defaults {
		if name == o.Fallback {
			continue
		}
		st, ok := stats[name]
		if o.demoted(st, ok) {
			out = append(out, name)
		}
	}
	return out
}
