package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const userColumns = `id, telegram_id, name, timezone, wake_time, sleep_time, pause_until, gender,
	adhd_mode, quiet_mode, focus_strikes, focus_cooldown_until, points_total, points_month,
	last_care_dentist, last_care_vision, last_care_firstaid, last_care_brush, last_care_prompt,
	last_weight_prompt, last_finance_digest, last_home_plan, last_bills_digest, last_points_reset,
	created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (User, error) {
	var (
		u                  User
		pause              sql.NullString
		adhd, quiet        int
		cooldown, created  int64
		dentist, vision    sql.NullString
		firstaid, brush    sql.NullString
		carePrompt, weight sql.NullString
		finance, home      sql.NullString
		bills, pointsReset sql.NullString
	)
	err := row.Scan(&u.ID, &u.TelegramID, &u.Name, &u.Timezone, &u.WakeTime, &u.SleepTime, &pause, &u.Gender,
		&adhd, &quiet, &u.FocusStrikes, &cooldown, &u.PointsTotal, &u.PointsMonth,
		&dentist, &vision, &firstaid, &brush, &carePrompt,
		&weight, &finance, &home, &bills, &pointsReset,
		&created)
	if err != nil {
		return User{}, err
	}
	u.PauseUntil = fromNull(pause)
	u.ADHDMode = adhd != 0
	u.QuietMode = quiet != 0
	u.FocusCooldownUntil = fromUnix(cooldown)
	u.CreatedAt = fromUnix(created)
	u.Marks = map[Mark]string{
		MarkCareDentist:    fromNull(dentist),
		MarkCareVision:     fromNull(vision),
		MarkCareFirstAid:   fromNull(firstaid),
		MarkCareBrush:      fromNull(brush),
		MarkCarePrompt:     fromNull(carePrompt),
		MarkWeightPrompt:   fromNull(weight),
		MarkFinanceDigest:  fromNull(finance),
		MarkHomePlan:       fromNull(home),
		MarkBillsDigest:    fromNull(bills),
		MarkPointsResetKey: fromNull(pointsReset),
	}
	return u, nil
}

// GetOrCreateUser returns the user for a Telegram id, creating it with
// defaults (UTC, 08:00/23:00) on first contact. A changed display name is
// refreshed.
func (s *DB) GetOrCreateUser(ctx context.Context, telegramID int64, name string) (User, error) {
	name = strings.TrimSpace(name)
	now := s.unixNow()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(telegram_id, name, created_at, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET
		   name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE users.name END`,
		telegramID, name, now, now)
	if err != nil {
		return User{}, fmt.Errorf("storage: upsert user %d: %w", telegramID, err)
	}
	return s.GetUserByTelegramID(ctx, telegramID)
}

func (s *DB) GetUser(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *DB) GetUserByTelegramID(ctx context.Context, telegramID int64) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

// ListUsers returns every user ordered by id.
func (s *DB) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetPause sets pause_until; an empty date clears it.
func (s *DB) SetPause(ctx context.Context, userID int64, until string) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE users SET pause_until = ?, updated_at = ? WHERE id = ?`,
		nullStr(until), s.unixNow(), userID))
}

func (s *DB) SetTimezone(ctx context.Context, userID int64, tz string) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE users SET timezone = ?, updated_at = ? WHERE id = ?`, tz, s.unixNow(), userID))
}

func (s *DB) SetQuietMode(ctx context.Context, userID int64, on bool) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE users SET quiet_mode = ?, updated_at = ? WHERE id = ?`, b2i(on), s.unixNow(), userID))
}

// SetFocusState stores the strike counter and cooldown end (zero clears).
func (s *DB) SetFocusState(ctx context.Context, userID int64, strikes int, cooldownUntil time.Time) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE users SET focus_strikes = ?, focus_cooldown_until = ?, updated_at = ? WHERE id = ?`,
		max(0, strikes), toUnix(cooldownUntil), s.unixNow(), userID))
}

// SetMark writes one of the per-user "last done/prompted" dates.
func (s *DB) SetMark(ctx context.Context, userID int64, mark Mark, date string) error {
	if !mark.valid() {
		return fmt.Errorf("%w: unknown mark %q", ErrInvalid, mark)
	}
	// mark is whitelisted above, so it is safe to interpolate.
	q := `UPDATE users SET ` + string(mark) + ` = ?, updated_at = ? WHERE id = ?`
	return rowsAffected(s.db.ExecContext(ctx, q, nullStr(date), s.unixNow(), userID))
}
