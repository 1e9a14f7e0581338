package storage

import (
	"context"
	"fmt"
)

// AddPoints appends to the points ledger and adjusts the running totals,
// which never drop below zero.
func (s *DB) AddPoints(ctx context.Context, userID int64, delta int, date, reason string) error {
	if delta == 0 {
		return nil
	}
	now := s.unixNow()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET points_total = MAX(0, points_total + ?), points_month = MAX(0, points_month + ?),
		 updated_at = ? WHERE id = ?`, delta, delta, now, userID)
	if err := rowsAffected(res, err); err != nil {
		return fmt.Errorf("storage: add points for user %d: %w", userID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO points_log(user_id, delta, date, reason, created_at) VALUES(?,?,?,?,?)`,
		userID, delta, date, reason, now); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetMonthPoints zeroes monthly points for users not yet reset for month.
// It returns the number of users touched.
func (s *DB) ResetMonthPoints(ctx context.Context, month string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET points_month = 0, last_points_reset = ?, updated_at = ?
		 WHERE last_points_reset IS NULL OR last_points_reset <> ?`, month, s.unixNow(), month)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
