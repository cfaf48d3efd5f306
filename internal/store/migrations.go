package store

import (
	"database/sql"
	"fmt"

	"errand/internal/logging"
)

// Migration adds a column to an existing table. Missing tables are skipped
// quietly; initialize() creates them with the full schema already.
type Migration struct {
	Table  string
	Column string
	Def    string
}

var pendingMigrations = []Migration{
	// Strike hint reuse (added after the verification loop learned to
	// persist correction hints per (service, task_type))
	{"learnings", "hints_json", "TEXT DEFAULT '[]'"},
	// Checkpoint plan binding, so a resumed task detects a replaced plan
	{"checkpoints", "plan_hash", "TEXT DEFAULT ''"},
	// Auth gaps recorded by the planner instead of failing the task
	{"plans", "auth_gaps_json", "TEXT DEFAULT '[]'"},
}

// runMigrations applies schema migrations for databases created by older
// builds.
func (s *Store) runMigrations() error {
	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(s.db, m.Table) {
			continue
		}
		if columnExists(s.db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(query); err != nil {
			logging.Get(logging.CategoryStore).Warn("migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
			continue
		}
		applied++
	}
	if applied > 0 {
		logging.Store("schema migrations applied: %d", applied)
	}
	return nil
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
	return err == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
