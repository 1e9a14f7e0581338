package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// EnsureUserRoutines binds every routine template to the user and clones
// the template steps, preserving the depends-on edges. Existing bindings
// and steps are left untouched.
func (s *DB) EnsureUserRoutines(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_routines(user_id, routine_id, reminder_time)
		 SELECT ?, id, default_time FROM routines`, userID); err != nil {
		return fmt.Errorf("storage: bind routines: %w", err)
	}

	var cloned int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM routine_steps WHERE user_id = ?`, userID).Scan(&cloned); err != nil {
		return err
	}
	if cloned == 0 {
		if err := cloneTemplateSteps(ctx, tx, userID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func cloneTemplateSteps(ctx context.Context, tx *sql.Tx, userID int64) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT routine_id, title, step_order, points, parent_order
		 FROM routine_template_steps ORDER BY routine_id, step_order`)
	if err != nil {
		return err
	}
	type tmpl struct {
		routineID   int64
		title       string
		order       int
		points      int
		parentOrder sql.NullInt64
	}
	var steps []tmpl
	for rows.Next() {
		var t tmpl
		if err := rows.Scan(&t.routineID, &t.title, &t.order, &t.points, &t.parentOrder); err != nil {
			rows.Close()
			return err
		}
		steps = append(steps, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	type key struct {
		routineID int64
		order     int
	}
	ids := make(map[key]int64, len(steps))
	for _, t := range steps {
		var parent any
		if t.parentOrder.Valid {
			if id, ok := ids[key{t.routineID, int(t.parentOrder.Int64)}]; ok {
				parent = id
			}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO routine_steps(user_id, routine_id, title, step_order, points, is_active, trigger_after_step_id)
			 VALUES(?,?,?,?,?,1,?)`,
			userID, t.routineID, t.title, t.order, t.points, parent)
		if err != nil {
			return fmt.Errorf("storage: clone step %q: %w", t.title, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		ids[key{t.routineID, t.order}] = id
	}
	return nil
}

func (s *DB) GetRoutineBySlot(ctx context.Context, slot string) (Routine, error) {
	var r Routine
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slot, title, default_time FROM routines WHERE slot = ?`,
		strings.ToLower(strings.TrimSpace(slot))).Scan(&r.ID, &r.Slot, &r.Title, &r.DefaultTime)
	if errors.Is(err, sql.ErrNoRows) {
		return Routine{}, ErrNotFound
	}
	return r, err
}

const userRoutineSelect = `SELECT ur.user_id, ur.routine_id, r.slot, r.title, ur.reminder_time, ur.last_sent_date
	FROM user_routines ur JOIN routines r ON r.id = ur.routine_id`

func scanUserRoutine(row scanner) (UserRoutine, error) {
	var (
		ur   UserRoutine
		last sql.NullString
	)
	if err := row.Scan(&ur.UserID, &ur.RoutineID, &ur.Slot, &ur.Title, &ur.ReminderTime, &last); err != nil {
		return UserRoutine{}, err
	}
	ur.LastSentDate = fromNull(last)
	return ur, nil
}

func (s *DB) ListUserRoutines(ctx context.Context, userID int64) ([]UserRoutine, error) {
	rows, err := s.db.QueryContext(ctx, userRoutineSelect+` WHERE ur.user_id = ? ORDER BY r.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserRoutine
	for rows.Next() {
		ur, err := scanUserRoutine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ur)
	}
	return out, rows.Err()
}

func (s *DB) GetUserRoutine(ctx context.Context, userID, routineID int64) (UserRoutine, error) {
	ur, err := scanUserRoutine(s.db.QueryRowContext(ctx,
		userRoutineSelect+` WHERE ur.user_id = ? AND ur.routine_id = ?`, userID, routineID))
	if errors.Is(err, sql.ErrNoRows) {
		return UserRoutine{}, ErrNotFound
	}
	return ur, err
}

// SetRoutineSent records the local date the routine was delivered.
func (s *DB) SetRoutineSent(ctx context.Context, userID, routineID int64, date string) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE user_routines SET last_sent_date = ? WHERE user_id = ? AND routine_id = ?`,
		date, userID, routineID))
}

func (s *DB) SetRoutineTime(ctx context.Context, userID, routineID int64, hhmm string) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE user_routines SET reminder_time = ? WHERE user_id = ? AND routine_id = ?`,
		hhmm, userID, routineID))
}

// ListRoutineSteps returns all steps (active or not) in display order.
func (s *DB) ListRoutineSteps(ctx context.Context, userID, routineID int64) ([]RoutineStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, routine_id, title, step_order, points, is_active, trigger_after_step_id
		 FROM routine_steps WHERE user_id = ? AND routine_id = ? ORDER BY step_order, id`,
		userID, routineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoutineStep
	for rows.Next() {
		var (
			st     RoutineStep
			active int
			parent sql.NullInt64
		)
		if err := rows.Scan(&st.ID, &st.UserID, &st.RoutineID, &st.Title, &st.Order, &st.Points, &active, &parent); err != nil {
			return nil, err
		}
		st.Active = active != 0
		if parent.Valid {
			st.DependsOn = parent.Int64
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AddRoutineStep appends a step after the current last one. Steps are
// append-only: an explicit Order before the end is rejected. A non-zero
// DependsOn must name a step of the same user and routine.
func (s *DB) AddRoutineStep(ctx context.Context, st RoutineStep) (int64, error) {
	if strings.TrimSpace(st.Title) == "" {
		return 0, fmt.Errorf("%w: empty step title", ErrInvalid)
	}
	if st.DependsOn != 0 {
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM routine_steps WHERE id = ? AND user_id = ? AND routine_id = ?`,
			st.DependsOn, st.UserID, st.RoutineID).Scan(&n)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("%w: parent step %d is not in this routine", ErrInvalid, st.DependsOn)
		}
	}
	var next int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_order), 0) + 1 FROM routine_steps WHERE user_id = ? AND routine_id = ?`,
		st.UserID, st.RoutineID).Scan(&next); err != nil {
		return 0, err
	}
	switch {
	case st.Order == 0:
		st.Order = next
	case st.Order < next:
		// Occurrence notes hold step positions; inserting before an existing
		// step would shift them.
		return 0, fmt.Errorf("%w: step order %d is before the last step", ErrInvalid, st.Order)
	}
	if st.Points <= 0 {
		st.Points = 1
	}
	var parent any
	if st.DependsOn != 0 {
		parent = st.DependsOn
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO routine_steps(user_id, routine_id, title, step_order, points, is_active, trigger_after_step_id)
		 VALUES(?,?,?,?,?,1,?)`,
		st.UserID, st.RoutineID, strings.TrimSpace(st.Title), st.Order, st.Points, parent)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *DB) SetStepActive(ctx context.Context, userID, stepID int64, active bool) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE routine_steps SET is_active = ? WHERE id = ? AND user_id = ?`, b2i(active), stepID, userID))
}

// GetUserTask returns the occurrence record; ok is false when none exists.
func (s *DB) GetUserTask(ctx context.Context, userID, routineID int64, date string) (UserTask, bool, error) {
	t := UserTask{UserID: userID, RoutineID: routineID, Date: date}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, note FROM user_tasks WHERE user_id = ? AND routine_id = ? AND date = ?`,
		userID, routineID, date).Scan(&status, &t.Note)
	if errors.Is(err, sql.ErrNoRows) {
		return UserTask{UserID: userID, RoutineID: routineID, Date: date, Status: StatusPending}, false, nil
	}
	if err != nil {
		return UserTask{}, false, err
	}
	t.Status = TaskStatus(status)
	return t, true, nil
}

// UpsertUserTask writes status and note for one occurrence.
func (s *DB) UpsertUserTask(ctx context.Context, t UserTask) error {
	if t.Status == "" {
		t.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_tasks(user_id, routine_id, date, status, note, updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id, routine_id, date) DO UPDATE SET
		   status = excluded.status, note = excluded.note, updated_at = excluded.updated_at`,
		t.UserID, t.RoutineID, t.Date, string(t.Status), t.Note, s.unixNow())
	return err
}

// EnsureUserTask creates a pending occurrence if none exists yet.
func (s *DB) EnsureUserTask(ctx context.Context, userID, routineID int64, date string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_tasks(user_id, routine_id, date, status, note, updated_at)
		 VALUES(?,?,?,'pending','',?)`,
		userID, routineID, date, s.unixNow())
	return err
}
