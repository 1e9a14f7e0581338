package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const medColumns = `id, user_id, name, dose_text, schedule_type, times, days_of_week, is_active`

func scanMed(row scanner) (Medication, error) {
	var (
		m           Medication
		times, days string
		active      int
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.DoseText, &m.ScheduleType, &times, &days, &active); err != nil {
		return Medication{}, err
	}
	m.Times = splitCSV(times)
	m.DaysOfWeek = splitInts(days)
	m.Active = active != 0
	return m, nil
}

func (s *DB) CreateMed(ctx context.Context, m Medication) (int64, error) {
	if strings.TrimSpace(m.Name) == "" || len(m.Times) == 0 {
		return 0, fmt.Errorf("%w: medication needs a name and at least one time", ErrInvalid)
	}
	if m.ScheduleType == "" {
		m.ScheduleType = "daily"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO meds(user_id, name, dose_text, schedule_type, times, days_of_week, is_active, created_at)
		 VALUES(?,?,?,?,?,?,1,?)`,
		m.UserID, strings.TrimSpace(m.Name), m.DoseText, m.ScheduleType,
		strings.Join(m.Times, ","), joinInts(m.DaysOfWeek), s.unixNow())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *DB) ListMeds(ctx context.Context, userID int64, activeOnly bool) ([]Medication, error) {
	q := `SELECT ` + medColumns + ` FROM meds WHERE user_id = ?`
	if activeOnly {
		q += ` AND is_active = 1`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Medication
	for rows.Next() {
		m, err := scanMed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *DB) GetMed(ctx context.Context, id int64) (Medication, error) {
	m, err := scanMed(s.db.QueryRowContext(ctx, `SELECT `+medColumns+` FROM meds WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Medication{}, ErrNotFound
	}
	return m, err
}

func (s *DB) SetMedActive(ctx context.Context, userID, id int64, active bool) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE meds SET is_active = ? WHERE id = ? AND user_id = ?`, b2i(active), id, userID))
}

const medLogColumns = `id, user_id, med_id, date, planned_time, taken_at, skipped`

func scanMedLog(row scanner) (MedLog, error) {
	var (
		l       MedLog
		taken   sql.NullInt64
		skipped int
	)
	if err := row.Scan(&l.ID, &l.UserID, &l.MedID, &l.Date, &l.PlannedTime, &taken, &skipped); err != nil {
		return MedLog{}, err
	}
	if taken.Valid {
		l.TakenAt = fromUnix(taken.Int64)
	}
	l.Skipped = skipped != 0
	return l, nil
}

// MedLogExists reports whether the dose (user, med, date, time) was already
// scheduled. Row existence is the idempotency marker for medications.
func (s *DB) MedLogExists(ctx context.Context, userID, medID int64, date, planned string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM med_logs WHERE user_id = ? AND med_id = ? AND date = ? AND planned_time = ?`,
		userID, medID, date, planned).Scan(&n)
	return n > 0, err
}

// CreateMedLog inserts the dose log. created is false when the row already
// existed, in which case the existing id is returned.
func (s *DB) CreateMedLog(ctx context.Context, userID, medID int64, date, planned string) (id int64, created bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO med_logs(user_id, med_id, date, planned_time, created_at) VALUES(?,?,?,?,?)`,
		userID, medID, date, planned, s.unixNow())
	if err != nil {
		return 0, false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		id, err = res.LastInsertId()
		return id, true, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM med_logs WHERE user_id = ? AND med_id = ? AND date = ? AND planned_time = ?`,
		userID, medID, date, planned).Scan(&id)
	return id, false, err
}

func (s *DB) GetMedLog(ctx context.Context, id int64) (MedLog, error) {
	l, err := scanMedLog(s.db.QueryRowContext(ctx, `SELECT `+medLogColumns+` FROM med_logs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return MedLog{}, ErrNotFound
	}
	return l, err
}

func (s *DB) SetMedTaken(ctx context.Context, userID, logID int64, at time.Time) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE med_logs SET taken_at = ?, skipped = 0 WHERE id = ? AND user_id = ?`, at.Unix(), logID, userID))
}

func (s *DB) SetMedSkipped(ctx context.Context, userID, logID int64) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE med_logs SET skipped = 1, taken_at = NULL WHERE id = ? AND user_id = ?`, logID, userID))
}

// ListMedLogs returns the user's dose logs for one local date.
func (s *DB) ListMedLogs(ctx context.Context, userID int64, date string) ([]MedLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+medLogColumns+` FROM med_logs WHERE user_id = ? AND date = ? ORDER BY planned_time, id`,
		userID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MedLog
	for rows.Next() {
		l, err := scanMedLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
