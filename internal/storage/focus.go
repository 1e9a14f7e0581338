package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const focusColumns = `id, user_id, task_title, duration_min, start_ts, checkin_ts, end_ts,
	checkin_sent, checkin_response, end_sent, result`

func scanFocus(row scanner) (FocusSession, error) {
	var (
		f                  FocusSession
		start, check, end  int64
		checkSent, endSent int
		result             string
	)
	if err := row.Scan(&f.ID, &f.UserID, &f.TaskTitle, &f.DurationMin, &start, &check, &end,
		&checkSent, &f.CheckinResponse, &endSent, &result); err != nil {
		return FocusSession{}, err
	}
	f.StartTS = fromUnix(start)
	f.CheckinTS = fromUnix(check)
	f.EndTS = fromUnix(end)
	f.CheckinSent = checkSent != 0
	f.EndSent = endSent != 0
	f.Result = FocusResult(result)
	return f, nil
}

func (s *DB) CreateFocusSession(ctx context.Context, f FocusSession) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO focus_sessions(user_id, task_title, duration_min, start_ts, checkin_ts, end_ts)
		 VALUES(?,?,?,?,?,?)`,
		f.UserID, f.TaskTitle, f.DurationMin, f.StartTS.Unix(), f.CheckinTS.Unix(), f.EndTS.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *DB) GetFocusSession(ctx context.Context, id int64) (FocusSession, error) {
	f, err := scanFocus(s.db.QueryRowContext(ctx, `SELECT `+focusColumns+` FROM focus_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return FocusSession{}, ErrNotFound
	}
	return f, err
}

// ActiveFocusSession returns the user's newest session without a result.
func (s *DB) ActiveFocusSession(ctx context.Context, userID int64) (FocusSession, bool, error) {
	f, err := scanFocus(s.db.QueryRowContext(ctx,
		`SELECT `+focusColumns+` FROM focus_sessions WHERE user_id = ? AND result = ''
		 ORDER BY id DESC LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return FocusSession{}, false, nil
	}
	if err != nil {
		return FocusSession{}, false, err
	}
	return f, true, nil
}

// ListOpenFocusSessions returns every session without a result.
func (s *DB) ListOpenFocusSessions(ctx context.Context) ([]FocusSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+focusColumns+` FROM focus_sessions WHERE result = '' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FocusSession
	for rows.Next() {
		f, err := scanFocus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *DB) MarkFocusCheckinSent(ctx context.Context, id int64) error {
	return rowsAffected(s.db.ExecContext(ctx, `UPDATE focus_sessions SET checkin_sent = 1 WHERE id = ?`, id))
}

func (s *DB) SetFocusCheckinResponse(ctx context.Context, id int64, resp string) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE focus_sessions SET checkin_response = ? WHERE id = ?`, resp, id))
}

func (s *DB) MarkFocusEndSent(ctx context.Context, id int64) error {
	return rowsAffected(s.db.ExecContext(ctx, `UPDATE focus_sessions SET end_sent = 1 WHERE id = ?`, id))
}

// CompleteFocusSession records a result on an open session. It fails with
// ErrNotFound when the session is unknown or already has a result.
func (s *DB) CompleteFocusSession(ctx context.Context, id int64, result FocusResult) error {
	if result == FocusOpen {
		return fmt.Errorf("%w: empty focus result", ErrInvalid)
	}
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE focus_sessions SET result = ? WHERE id = ? AND result = ''`, string(result), id))
}

// SupersedeFocusSessions closes every open session of the user as
// superseded; rows are kept.
func (s *DB) SupersedeFocusSessions(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE focus_sessions SET result = ? WHERE user_id = ? AND result = ''`,
		string(FocusSuperseded), userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
