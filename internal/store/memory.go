package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"errand/internal/types"
)

// FailureEntry records a known-bad approach for a (site, action kind,
// selector) triple together with the method that eventually worked, if any.
type FailureEntry struct {
	Site       string
	ActionKind types.ActionKind
	Selector   string
	LastError  string
	FixedBy    string
	HitCount   int
}

// RecordFailure upserts a failure observation.
func (s *Store) RecordFailure(site string, kind types.ActionKind, selector, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO failure_memory (site, action_kind, selector, last_error, hit_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(site, action_kind, selector) DO UPDATE SET
			last_error = excluded.last_error,
			hit_count = hit_count + 1,
			updated_at = CURRENT_TIMESTAMP`,
		site, string(kind), selector, errMsg)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// ConfirmFix notes the method that resolved a previously recorded failure.
func (s *Store) ConfirmFix(site string, kind types.ActionKind, selector, fixedMethod string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE failure_memory SET fixed_method = ?, updated_at = CURRENT_TIMESTAMP
		WHERE site = ? AND action_kind = ? AND selector = ?`,
		fixedMethod, site, string(kind), selector)
	if err != nil {
		return fmt.Errorf("confirm fix: %w", err)
	}
	return nil
}

// KnownFailures returns every recorded failure for a site, consulted before
// execution so past mistakes are not repeated.
func (s *Store) KnownFailures(site string) ([]FailureEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT action_kind, selector, last_error, COALESCE(fixed_method, ''), hit_count
		FROM failure_memory WHERE site = ?`, site)
	if err != nil {
		return nil, fmt.Errorf("known failures: %w", err)
	}
	defer rows.Close()

	var out []FailureEntry
	for rows.Next() {
		e := FailureEntry{Site: site}
		var kind string
		if err := rows.Scan(&kind, &e.Selector, &e.LastError, &e.FixedBy, &e.HitCount); err != nil {
			return nil, err
		}
		e.ActionKind = types.ActionKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Learning holds verification hints and a known-good action sequence for one
// (service, task type) pair, accumulated across completed tasks.
type Learning struct {
	Service  string
	TaskType string
	Hints    []string
	Sequence []string
}

// SaveLearning persists hints gathered during verification retries.
func (s *Store) SaveLearning(l Learning) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hints, _ := json.Marshal(l.Hints)
	seq, _ := json.Marshal(l.Sequence)
	_, err := s.db.Exec(`
		INSERT INTO learnings (service, task_type, hints_json, sequence_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service, task_type) DO UPDATE SET
			hints_json = excluded.hints_json,
			sequence_json = excluded.sequence_json,
			updated_at = CURRENT_TIMESTAMP`,
		l.Service, l.TaskType, string(hints), string(seq))
	if err != nil {
		return fmt.Errorf("save learning: %w", err)
	}
	return nil
}

// GetLearning loads prior hints for a (service, task type) pair. A miss is
// not an error, it returns an empty Learning.
func (s *Store) GetLearning(service, taskType string) (Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := Learning{Service: service, TaskType: taskType}
	var hints, seq string
	err := s.db.QueryRow(`
		SELECT hints_json, sequence_json FROM learnings
		WHERE service = ? AND task_type = ?`,
		service, taskType).Scan(&hints, &seq)
	if err == sql.ErrNoRows {
		return l, nil
	}
	if err != nil {
		return l, fmt.Errorf("get learning: %w", err)
	}
	json.Unmarshal([]byte(hints), &l.Hints)
	json.Unmarshal([]byte(seq), &l.Sequence)
	return l, nil
}

// RememberFact stores a remembered fact about an owner. Duplicate facts are
// idempotent.
func (s *Store) RememberFact(ownerID, fact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO owner_facts (owner_id, fact) VALUES (?, ?)
		ON CONFLICT(owner_id, fact) DO NOTHING`,
		ownerID, fact)
	if err != nil {
		return fmt.Errorf("remember fact: %w", err)
	}
	return nil
}

// OwnerFacts returns every remembered fact for an owner, oldest first.
func (s *Store) OwnerFacts(ownerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT fact FROM owner_facts WHERE owner_id = ? ORDER BY created_at`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("owner facts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
