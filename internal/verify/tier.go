// Package verify runs the escalating strike review loop over a task's
// execution results.
package verify

import (
	"errand/internal/config"
	"errand/internal/intent"
)

// Tier sets the quality bar for one class of task.
type Tier struct {
	Name       string
	Target     float64 // confidence score the response must reach
	MaxStrikes int
}

var (
	tierSimple     = Tier{Name: "simple", Target: 70, MaxStrikes: 2}
	tierStandard   = Tier{Name: "standard", Target: 80, MaxStrikes: 3}
	tierHighStakes = Tier{Name: "high_stakes", Target: 90, MaxStrikes: 3}
)

// TierFor maps a task type to its quality tier, with config overrides.
// Tasks that move money or speak for the owner get the high bar.
func TierFor(taskType string, cfg config.VerifyConfig) Tier {
	var t Tier
	switch taskType {
	case intent.TypeShopping, intent.TypePayment:
		t = tierHighStakes
		if cfg.HighStakesTarget > 0 {
			t.Target = cfg.HighStakesTarget
		}
		if cfg.HighStakesMax > 0 {
			t.MaxStrikes = cfg.HighStakesMax
		}
	case intent.TypeResearch, intent.TypeGeneral:
		t = tierSimple
		if cfg.SimpleTarget > 0 {
			t.Target = cfg.SimpleTarget
		}
		if cfg.SimpleStrikes > 0 {
			t.MaxStrikes = cfg.SimpleStrikes
		}
	default:
		t = tierStandard
		if cfg.StandardTarget > 0 {
			t.Target = cfg.StandardTarget
		}
		if cfg.StandardStrikes > 0 {
			t.MaxStrikes = cfg.StandardStrikes
		}
	}
	return t
}
