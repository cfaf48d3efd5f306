package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"errand/internal/types"
)

// SaveTask inserts or replaces the task row. Action results are stored
// separately through AppendActionResult and are never rewritten here.
func (s *Store) SaveTask(t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entities, _ := json.Marshal(t.Entities)
	assumptions, _ := json.Marshal(t.Assumptions)
	unclear, _ := json.Marshal(t.Unclear)

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, owner_id, input_text, task_type, goal, confidence,
			status, entities_json, assumptions_json, unclear_json, cost_accrued,
			best_score, cascade_tier, response_text, channel, origin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			input_text = excluded.input_text,
			task_type = excluded.task_type,
			goal = excluded.goal,
			confidence = excluded.confidence,
			status = excluded.status,
			entities_json = excluded.entities_json,
			assumptions_json = excluded.assumptions_json,
			unclear_json = excluded.unclear_json,
			cost_accrued = excluded.cost_accrued,
			best_score = excluded.best_score,
			cascade_tier = excluded.cascade_tier,
			response_text = excluded.response_text,
			updated_at = excluded.updated_at`,
		t.ID, t.OwnerID, t.InputText, t.Type, t.Goal, t.Confidence,
		string(t.Status), string(entities), string(assumptions), string(unclear),
		t.CostAccrued, t.BestScore, t.CascadeTier, t.ResponseText,
		string(t.Channel), t.Origin, t.CreatedAt, time.Now())
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads one task with its audit trail.
func (s *Store) GetTask(id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := &types.Task{ID: id}
	var status, channel, entities, assumptions, unclear string
	err := s.db.QueryRow(`
		SELECT owner_id, input_text, task_type, goal, confidence, status,
			entities_json, assumptions_json, unclear_json, cost_accrued,
			best_score, cascade_tier, response_text, channel, origin,
			created_at, updated_at
		FROM tasks WHERE id = ?`, id).Scan(
		&t.OwnerID, &t.InputText, &t.Type, &t.Goal, &t.Confidence, &status,
		&entities, &assumptions, &unclear, &t.CostAccrued,
		&t.BestScore, &t.CascadeTier, &t.ResponseText, &channel, &t.Origin,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	t.Status = types.TaskStatus(status)
	t.Channel = types.Channel(channel)
	json.Unmarshal([]byte(entities), &t.Entities)
	json.Unmarshal([]byte(assumptions), &t.Assumptions)
	json.Unmarshal([]byte(unclear), &t.Unclear)

	results, err := s.actionResults(id)
	if err != nil {
		return nil, err
	}
	t.Results = results
	return t, nil
}

// AppendActionResult adds one row to the append-only audit trail.
func (s *Store) AppendActionResult(taskID string, r types.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO action_results (task_id, action_id, kind, success, output,
			error, method_used, security, duration_ms, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, r.ActionID, string(r.Kind), boolToInt(r.Success), r.Output,
		r.Error, r.MethodUsed, boolToInt(r.Security),
		r.Duration.Milliseconds(), r.Cost)
	if err != nil {
		return fmt.Errorf("append action result: %w", err)
	}
	return nil
}

func (s *Store) actionResults(taskID string) ([]types.ActionResult, error) {
	rows, err := s.db.Query(`
		SELECT action_id, kind, success, output, error, method_used, security,
			duration_ms, cost
		FROM action_results WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load action results: %w", err)
	}
	defer rows.Close()

	var out []types.ActionResult
	for rows.Next() {
		var r types.ActionResult
		var kind string
		var success, security, durMs int64
		if err := rows.Scan(&r.ActionID, &kind, &success, &r.Output, &r.Error,
			&r.MethodUsed, &security, &durMs, &r.Cost); err != nil {
			return nil, err
		}
		r.Kind = types.ActionKind(kind)
		r.Success = success != 0
		r.Security = security != 0
		r.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// SavePlan stores a plan, replacing any prior plan for the task. Re-planning
// replaces, never appends.
func (s *Store) SavePlan(taskID, method string, estimatedCost float64, stepsJSON, authGapsJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO plans (task_id, method, estimated_cost, steps_json, auth_gaps_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			method = excluded.method,
			estimated_cost = excluded.estimated_cost,
			steps_json = excluded.steps_json,
			auth_gaps_json = excluded.auth_gaps_json,
			created_at = CURRENT_TIMESTAMP`,
		taskID, method, estimatedCost, stepsJSON, authGapsJSON)
	if err != nil {
		return fmt.Errorf("save plan for %s: %w", taskID, err)
	}
	return nil
}

// GetPlan loads the stored plan for a task.
func (s *Store) GetPlan(taskID string) (method string, stepsJSON string, authGapsJSON string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`SELECT method, steps_json, auth_gaps_json FROM plans WHERE task_id = ?`,
		taskID).Scan(&method, &stepsJSON, &authGapsJSON)
	if err == sql.ErrNoRows {
		return "", "", "", fmt.Errorf("no plan for task %s", taskID)
	}
	return
}

// SaveCheckpoint records the last completed step index for resumption.
func (s *Store) SaveCheckpoint(taskID string, lastStep int, planHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO checkpoints (task_id, last_step, plan_hash, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(task_id) DO UPDATE SET
			last_step = excluded.last_step,
			plan_hash = excluded.plan_hash,
			updated_at = CURRENT_TIMESTAMP`,
		taskID, lastStep, planHash)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the last completed step index, or -1 when the task
// has no checkpoint (nothing completed yet).
func (s *Store) GetCheckpoint(taskID string) (lastStep int, planHash string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`SELECT last_step, plan_hash FROM checkpoints WHERE task_id = ?`,
		taskID).Scan(&lastStep, &planHash)
	if err == sql.ErrNoRows {
		return -1, "", nil
	}
	return
}

// ClearCheckpoint removes the checkpoint once a task reaches a terminal state.
func (s *Store) ClearCheckpoint(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE task_id = ?`, taskID)
	return err
}

// TasksByStatus returns task IDs in a given state, oldest first. Used at
// startup to find interrupted work.
func (s *Store) TasksByStatus(status types.TaskStatus) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id FROM tasks WHERE status = ? ORDER BY created_at`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("tasks by status: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
