// Package store implements the SQLite persistence surface consumed by the
// task pipeline: tasks, plans, action results, performance counters, failure
// memory, learnings, checkpoints, and per-owner spend.
//
// Performance counters use atomic increment-on-conflict upserts so that
// concurrent workers never lose updates to a read-modify-write race.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"errand/internal/logging"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("store ready at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	tasksTable := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		input_text TEXT NOT NULL,
		task_type TEXT DEFAULT '',
		goal TEXT DEFAULT '',
		confidence REAL DEFAULT 0,
		status TEXT NOT NULL,
		entities_json TEXT DEFAULT '{}',
		assumptions_json TEXT DEFAULT '[]',
		unclear_json TEXT DEFAULT '[]',
		cost_accrued REAL DEFAULT 0,
		best_score REAL DEFAULT 0,
		cascade_tier INTEGER DEFAULT 0,
		response_text TEXT DEFAULT '',
		channel TEXT DEFAULT '',
		origin TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`

	resultsTable := `
	CREATE TABLE IF NOT EXISTS action_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		action_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		success INTEGER NOT NULL,
		output TEXT DEFAULT '',
		error TEXT DEFAULT '',
		method_used TEXT DEFAULT '',
		security INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		cost REAL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_results_task ON action_results(task_id);
	`

	plansTable := `
	CREATE TABLE IF NOT EXISTS plans (
		task_id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		estimated_cost REAL DEFAULT 0,
		steps_json TEXT NOT NULL,
		auth_gaps_json TEXT DEFAULT '[]',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	methodPerfTable := `
	CREATE TABLE IF NOT EXISTS method_performance (
		domain TEXT NOT NULL,
		action_kind TEXT NOT NULL,
		method TEXT NOT NULL,
		successes INTEGER DEFAULT 0,
		failures INTEGER DEFAULT 0,
		total_duration_ms INTEGER DEFAULT 0,
		PRIMARY KEY (domain, action_kind, method)
	);
	`

	modelPerfTable := `
	CREATE TABLE IF NOT EXISTS model_performance (
		owner_id TEXT NOT NULL,
		task_type TEXT NOT NULL,
		domain TEXT NOT NULL,
		model TEXT NOT NULL,
		successes INTEGER DEFAULT 0,
		failures INTEGER DEFAULT 0,
		total_cost REAL DEFAULT 0,
		total_latency_ms INTEGER DEFAULT 0,
		PRIMARY KEY (owner_id, task_type, domain, model)
	);
	`

	failureTable := `
	CREATE TABLE IF NOT EXISTS failure_memory (
		site TEXT NOT NULL,
		action_kind TEXT NOT NULL,
		selector TEXT NOT NULL,
		last_error TEXT DEFAULT '',
		fixed_method TEXT DEFAULT '',
		hit_count INTEGER DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (site, action_kind, selector)
	);
	`

	learningsTable := `
	CREATE TABLE IF NOT EXISTS learnings (
		service TEXT NOT NULL,
		task_type TEXT NOT NULL,
		hints_json TEXT DEFAULT '[]',
		sequence_json TEXT DEFAULT '[]',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (service, task_type)
	);
	`

	checkpointsTable := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		task_id TEXT PRIMARY KEY,
		last_step INTEGER NOT NULL,
		plan_hash TEXT DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	spendTable := `
	CREATE TABLE IF NOT EXISTS owner_spend (
		owner_id TEXT NOT NULL,
		month TEXT NOT NULL,
		amount REAL DEFAULT 0,
		PRIMARY KEY (owner_id, month)
	);
	`

	factsTable := `
	CREATE TABLE IF NOT EXISTS owner_facts (
		owner_id TEXT NOT NULL,
		fact TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (owner_id, fact)
	);
	`

	for _, table := range []string{
		tasksTable, resultsTable, plansTable, methodPerfTable,
		modelPerfTable, failureTable, learningsTable, checkpointsTable,
		spendTable, factsTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
