package store

import (
	"fmt"
	"time"

	"errand/internal/types"
)

// MethodStats aggregates outcomes for one (domain, action kind, method) cell.
type MethodStats struct {
	Domain     string
	ActionKind types.ActionKind
	Method     types.ExecutionMethod
	Successes  int
	Failures   int
	TotalMs    int64
}

// Attempts returns the total number of recorded attempts.
func (m MethodStats) Attempts() int { return m.Successes + m.Failures }

// SuccessRate is in [0, 1]. Zero attempts yields zero.
func (m MethodStats) SuccessRate() float64 {
	n := m.Attempts()
	if n == 0 {
		return 0
	}
	return float64(m.Successes) / float64(n)
}

// AvgDuration is the mean attempt duration.
func (m MethodStats) AvgDuration() time.Duration {
	n := m.Attempts()
	if n == 0 {
		return 0
	}
	return time.Duration(m.TotalMs/int64(n)) * time.Millisecond
}

// RecordMethodOutcome increments the counters for one attempt. The upsert is
// a single statement so concurrent workers never lose an increment.
func (s *Store) RecordMethodOutcome(domain string, kind types.ActionKind, method types.ExecutionMethod, success bool, dur time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	_, err := s.db.Exec(`
		INSERT INTO method_performance (domain, action_kind, method, successes, failures, total_duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, action_kind, method) DO UPDATE SET
			successes = successes + excluded.successes,
			failures = failures + excluded.failures,
			total_duration_ms = total_duration_ms + excluded.total_duration_ms`,
		domain, string(kind), string(method), succ, fail, dur.Milliseconds())
	if err != nil {
		return fmt.Errorf("record method outcome: %w", err)
	}
	return nil
}

// MethodStatsFor returns the recorded stats for every method tried against
// one (domain, action kind) pair.
func (s *Store) MethodStatsFor(domain string, kind types.ActionKind) ([]MethodStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT method, successes, failures, total_duration_ms
		FROM method_performance WHERE domain = ? AND action_kind = ?`,
		domain, string(kind))
	if err != nil {
		return nil, fmt.Errorf("method stats: %w", err)
	}
	defer rows.Close()

	var out []MethodStats
	for rows.Next() {
		m := MethodStats{Domain: domain, ActionKind: kind}
		var method string
		if err := rows.Scan(&method, &m.Successes, &m.Failures, &m.TotalMs); err != nil {
			return nil, err
		}
		m.Method = types.ExecutionMethod(method)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ModelStats aggregates outcomes for one model on one kind of work.
type ModelStats struct {
	OwnerID   string
	TaskType  string
	Domain    string
	Model     string
	Successes int
	Failures  int
	TotalCost float64
	TotalMs   int64
}

func (m ModelStats) Attempts() int { return m.Successes + m.Failures }

func (m ModelStats) SuccessRate() float64 {
	n := m.Attempts()
	if n == 0 {
		return 0
	}
	return float64(m.Successes) / float64(n)
}

// AvgCost is the mean cost per attempt.
func (m ModelStats) AvgCost() float64 {
	n := m.Attempts()
	if n == 0 {
		return 0
	}
	return m.TotalCost / float64(n)
}

// RecordModelOutcome increments the counters for one model invocation.
func (s *Store) RecordModelOutcome(ownerID, taskType, domain, model string, success bool, cost float64, latency time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	_, err := s.db.Exec(`
		INSERT INTO model_performance (owner_id, task_type, domain, model, successes, failures, total_cost, total_latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, task_type, domain, model) DO UPDATE SET
			successes = successes + excluded.successes,
			failures = failures + excluded.failures,
			total_cost = total_cost + excluded.total_cost,
			total_latency_ms = total_latency_ms + excluded.total_latency_ms`,
		ownerID, taskType, domain, model, succ, fail, cost, latency.Milliseconds())
	if err != nil {
		return fmt.Errorf("record model outcome: %w", err)
	}
	return nil
}

// ModelStatsFor returns stats for every model tried on one kind of work.
func (s *Store) ModelStatsFor(ownerID, taskType, domain string) ([]ModelStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT model, successes, failures, total_cost, total_latency_ms
		FROM model_performance
		WHERE owner_id = ? AND task_type = ? AND domain = ?`,
		ownerID, taskType, domain)
	if err != nil {
		return nil, fmt.Errorf("model stats: %w", err)
	}
	defer rows.Close()

	var out []ModelStats
	for rows.Next() {
		m := ModelStats{OwnerID: ownerID, TaskType: taskType, Domain: domain}
		if err := rows.Scan(&m.Model, &m.Successes, &m.Failures, &m.TotalCost, &m.TotalMs); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
