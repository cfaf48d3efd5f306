package memory

import (
	"errand/internal/logging"
	"errand/internal/store"
)

// Learnings accumulates verification hints and known-good action sequences
// per (service, task type). Writes are best effort: a failed write never
// affects the task that produced it.
type Learnings struct {
	store *store.Store
}

// NewLearnings builds the learnings surface over the shared store.
func NewLearnings(s *store.Store) *Learnings {
	return &Learnings{store: s}
}

// HintsFor returns prior correction hints for a service and task type.
func (l *Learnings) HintsFor(service, taskType string) []string {
	rec, err := l.store.GetLearning(service, taskType)
	if err != nil {
		logging.VerifyDebug("learnings unavailable for %s/%s: %v", service, taskType, err)
		return nil
	}
	return rec.Hints
}

// SequenceFor returns a previously successful action sequence, if recorded.
func (l *Learnings) SequenceFor(service, taskType string) []string {
	rec, err := l.store.GetLearning(service, taskType)
	if err != nil {
		return nil
	}
	return rec.Sequence
}

// Save persists hints and the action sequence that eventually passed
// verification.
func (l *Learnings) Save(service, taskType string, hints, sequence []string) {
	if service == "" || (len(hints) == 0 && len(sequence) == 0) {
		return
	}
	err := l.store.SaveLearning(store.Learning{
		Service:  service,
		TaskType: taskType,
		Hints:    hints,
		Sequence: sequence,
	})
	if err != nil {
		logging.Verify("learnings not saved for %s/%s: %v", service, taskType, err)
	}
}
