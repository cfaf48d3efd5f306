package store

import (
	"database/sql"
	"fmt"
	"time"
)

func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// AddSpend accrues cost against an owner's current calendar month.
func (s *Store) AddSpend(ownerID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO owner_spend (owner_id, month, amount)
		VALUES (?, ?, ?)
		ON CONFLICT(owner_id, month) DO UPDATE SET
			amount = amount + excluded.amount`,
		ownerID, monthKey(time.Now()), amount)
	if err != nil {
		return fmt.Errorf("add spend: %w", err)
	}
	return nil
}

// MonthSpend returns the amount accrued this calendar month.
func (s *Store) MonthSpend(ownerID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var amount float64
	err := s.db.QueryRow(`SELECT amount FROM owner_spend WHERE owner_id = ? AND month = ?`,
		ownerID, monthKey(time.Now())).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("month spend: %w", err)
	}
	return amount, nil
}
