// Package budget answers one question per task: can this owner afford more
// generation, and how much is left this month.
package budget

import (
	"errand/internal/config"
	"errand/internal/logging"
	"errand/internal/store"
)

// Status is the result of one budget read.
type Status struct {
	Remaining  float64
	OverBudget bool
}

// Checker reads the owner's monthly balance. Consulted once per task before
// generation-strategy selection; a deterministic branch, never a wait.
type Checker interface {
	CheckBudget(ownerID string) Status
}

// StoreChecker computes the balance from accrued spend in the store.
type StoreChecker struct {
	store *store.Store
	cfg   config.BudgetConfig
}

// NewChecker builds the store-backed checker.
func NewChecker(s *store.Store, cfg config.BudgetConfig) *StoreChecker {
	return &StoreChecker{store: s, cfg: cfg}
}

// CheckBudget returns the owner's remaining monthly balance. A store error
// reads as a zero-spend month; the per-task ceiling still bounds the damage.
func (c *StoreChecker) CheckBudget(ownerID string) Status {
	spent, err := c.store.MonthSpend(ownerID)
	if err != nil {
		logging.StoreError("budget read failed for %s: %v", ownerID, err)
		spent = 0
	}
	remaining := c.cfg.MonthlyCeiling - spent
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Remaining:  remaining,
		OverBudget: spent >= c.cfg.MonthlyCeiling,
	}
}

// Charge records task spend against the owner's month.
func (c *StoreChecker) Charge(ownerID string, amount float64) {
	if amount <= 0 {
		return
	}
	if err := c.store.AddSpend(ownerID, amount); err != nil {
		logging.StoreError("spend not recorded for %s: %v", ownerID, err)
	}
}
