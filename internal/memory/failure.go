// Package memory consults past failures and learnings before the engine
// repeats a mistake.
package memory

import (
	"errand/internal/logging"
	"errand/internal/store"
	"errand/internal/types"
)

// FailureMemory wraps the persisted failure table with the pre-apply
// discipline: look up a known fix before an action runs, record the failure
// after, confirm the fix once something works.
type FailureMemory struct {
	store *store.Store
}

// NewFailureMemory builds the memory over the shared store.
func NewFailureMemory(s *store.Store) *FailureMemory {
	return &FailureMemory{store: s}
}

// KnownFix holds what memory suggests for one action.
type KnownFix struct {
	// Method is the method variant that resolved the failure last time,
	// empty when the failure was recorded but never fixed.
	Method types.ExecutionMethod

	// LastError is what went wrong before, passed to the model as a hint.
	LastError string
	HitCount  int
}

// Lookup returns the known fix for an action, if any. A store error is
// treated as a miss; memory is advisory.
func (m *FailureMemory) Lookup(a types.Action) (KnownFix, bool) {
	entries, err := m.store.KnownFailures(a.Domain)
	if err != nil {
		logging.EngineWarn("failure memory unavailable for %s: %v", a.Domain, err)
		return KnownFix{}, false
	}
	for _, e := range entries {
		if e.ActionKind == a.Kind && e.Selector == a.Selector {
			return KnownFix{
				Method:    types.ExecutionMethod(e.FixedBy),
				LastError: e.LastError,
				HitCount:  e.HitCount,
			}, true
		}
	}
	return KnownFix{}, false
}

// RecordFailure notes that an action failed. Best effort.
func (m *FailureMemory) RecordFailure(a types.Action, errMsg string) {
	if err := m.store.RecordFailure(a.Domain, a.Kind, a.Selector, errMsg); err != nil {
		logging.EngineWarn("failure not recorded for %s/%s: %v", a.Domain, a.Kind, err)
	}
}

// ConfirmFix notes the method that made a previously failing action succeed.
func (m *FailureMemory) ConfirmFix(a types.Action, method types.ExecutionMethod) {
	if err := m.store.ConfirmFix(a.Domain, a.Kind, a.Selector, string(method)); err != nil {
		logging.EngineWarn("fix not confirmed for %s/%s: %v", a.Domain, a.Kind, err)
	}
}
