package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const customColumns = `id, user_id, title, reminder_time, frequency_days, target_weekday, last_sent_date, is_active, archived`

func scanCustom(row scanner) (CustomReminder, error) {
	var (
		r                CustomReminder
		weekday          sql.NullInt64
		last             sql.NullString
		active, archived int
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Title, &r.ReminderTime, &r.FrequencyDays, &weekday, &last, &active, &archived); err != nil {
		return CustomReminder{}, err
	}
	r.TargetWeekday = -1
	if weekday.Valid {
		r.TargetWeekday = int(weekday.Int64)
	}
	r.LastSentDate = fromNull(last)
	r.Active = active != 0
	r.Archived = archived != 0
	return r, nil
}

// CreateCustomReminder stores a new reminder. TargetWeekday -1 means none.
func (s *DB) CreateCustomReminder(ctx context.Context, r CustomReminder) (int64, error) {
	if strings.TrimSpace(r.Title) == "" {
		return 0, fmt.Errorf("%w: empty reminder title", ErrInvalid)
	}
	if r.FrequencyDays <= 0 {
		r.FrequencyDays = 1
	}
	var weekday any
	if r.TargetWeekday >= 0 && r.TargetWeekday <= 6 {
		weekday = r.TargetWeekday
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_reminders(user_id, title, reminder_time, frequency_days, target_weekday, is_active, created_at)
		 VALUES(?,?,?,?,?,1,?)`,
		r.UserID, strings.TrimSpace(r.Title), r.ReminderTime, r.FrequencyDays, weekday, s.unixNow())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListCustomReminders returns the user's active, unarchived reminders.
func (s *DB) ListCustomReminders(ctx context.Context, userID int64) ([]CustomReminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+customColumns+` FROM custom_reminders
		 WHERE user_id = ? AND is_active = 1 AND archived = 0 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CustomReminder
	for rows.Next() {
		r, err := scanCustom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) GetCustomReminder(ctx context.Context, userID, id int64) (CustomReminder, error) {
	r, err := scanCustom(s.db.QueryRowContext(ctx,
		`SELECT `+customColumns+` FROM custom_reminders WHERE id = ? AND user_id = ?`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return CustomReminder{}, ErrNotFound
	}
	return r, err
}

func (s *DB) SetCustomReminderSent(ctx context.Context, id int64, date string) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE custom_reminders SET last_sent_date = ? WHERE id = ?`, date, id))
}

// ArchiveCustomReminder hides a reminder from future ticks without
// deleting its history.
func (s *DB) ArchiveCustomReminder(ctx context.Context, userID, id int64) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE custom_reminders SET archived = 1 WHERE id = ? AND user_id = ?`, id, userID))
}

func (s *DB) SetCustomReminderActive(ctx context.Context, userID, id int64, active bool) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE custom_reminders SET is_active = ? WHERE id = ? AND user_id = ?`, b2i(active), id, userID))
}

func (s *DB) UpsertCustomTask(ctx context.Context, t CustomTask) error {
	if t.Status == "" {
		t.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_tasks(reminder_id, user_id, date, status, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(reminder_id, date) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		t.ReminderID, t.UserID, t.Date, string(t.Status), s.unixNow())
	return err
}

// GetCustomTask returns the occurrence log; a missing row reads as pending.
func (s *DB) GetCustomTask(ctx context.Context, reminderID int64, date string) (CustomTask, bool, error) {
	t := CustomTask{ReminderID: reminderID, Date: date, Status: StatusPending}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, status FROM custom_tasks WHERE reminder_id = ? AND date = ?`,
		reminderID, date).Scan(&t.UserID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return t, false, nil
	}
	if err != nil {
		return CustomTask{}, false, err
	}
	t.Status = TaskStatus(status)
	return t, true, nil
}
