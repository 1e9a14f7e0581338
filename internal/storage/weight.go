package storage

import (
	"context"
	"fmt"
)

// WeightEntry is one logged body weight.
type WeightEntry struct {
	Date string
	Kg   float64
}

// AddWeight logs kg for date. Values outside 20-400 kg are rejected.
func (s *DB) AddWeight(ctx context.Context, userID int64, date string, kg float64) error {
	if kg < 20 || kg > 400 {
		return fmt.Errorf("%w: weight %.1f kg", ErrInvalid, kg)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO weight_log(user_id, date, kg, created_at) VALUES(?,?,?,?)`,
		userID, date, kg, s.unixNow())
	return err
}

// ListWeights returns up to limit entries, newest first.
func (s *DB) ListWeights(ctx context.Context, userID int64, limit int) ([]WeightEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, kg FROM weight_log WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WeightEntry
	for rows.Next() {
		var w WeightEntry
		if err := rows.Scan(&w.Date, &w.Kg); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
