package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// AddDayPlanItem appends an item to the plan for date, creating the plan.
func (s *DB) AddDayPlanItem(ctx context.Context, userID int64, date, title string, important bool) (int64, error) {
	title = strings.TrimSpace(title)
	if title == "" || date == "" {
		return 0, fmt.Errorf("%w: day plan item needs a title and a date", ErrInvalid)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO day_plans(user_id, date) VALUES(?,?)`, userID, date); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO day_plan_items(user_id, date, title, important, created_at) VALUES(?,?,?,?,?)`,
		userID, date, title, b2i(important), s.unixNow())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// DeleteDayPlanItem removes one of the user's items.
func (s *DB) DeleteDayPlanItem(ctx context.Context, userID, id int64) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`DELETE FROM day_plan_items WHERE id = ? AND user_id = ?`, id, userID))
}

// GetDayPlan returns the plan for date with important items first, each
// group in insertion order. ok is false when no plan row exists.
func (s *DB) GetDayPlan(ctx context.Context, userID int64, date string) (DayPlan, bool, error) {
	p := DayPlan{UserID: userID, Date: date}
	err := s.db.QueryRowContext(ctx,
		`SELECT morning_sent, prompt_sent FROM day_plans WHERE user_id = ? AND date = ?`, userID, date).
		Scan(&p.MorningSent, &p.PromptSent)
	if errors.Is(err, sql.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return DayPlan{}, false, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, important FROM day_plan_items
		 WHERE user_id = ? AND date = ? ORDER BY important DESC, id`, userID, date)
	if err != nil {
		return DayPlan{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		it := DayPlanItem{UserID: userID, Date: date}
		var imp int
		if err := rows.Scan(&it.ID, &it.Title, &imp); err != nil {
			return DayPlan{}, false, err
		}
		it.Important = imp != 0
		p.Items = append(p.Items, it)
	}
	return p, true, rows.Err()
}

// MarkDayPlanMorningSent records that the morning summary of date went out.
func (s *DB) MarkDayPlanMorningSent(ctx context.Context, userID int64, date string) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE day_plans SET morning_sent = ? WHERE user_id = ? AND date = ?`, date, userID, date))
}

// MarkDayPlanPrompted records that the user was asked on localDate to plan
// date. The plan row is created empty when missing.
func (s *DB) MarkDayPlanPrompted(ctx context.Context, userID int64, date, localDate string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO day_plans(user_id, date, prompt_sent) VALUES(?,?,?)
		 ON CONFLICT(user_id, date) DO UPDATE SET prompt_sent = excluded.prompt_sent`,
		userID, date, localDate)
	return err
}

// GetAffirmations returns the user's settings, or defaults when none are saved.
func (s *DB) GetAffirmations(ctx context.Context, userID int64) (AffirmationSettings, error) {
	a := AffirmationSettings{UserID: userID}
	var (
		on          int
		hours, cats string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, hours, categories, last_key FROM affirmation_settings WHERE user_id = ?`, userID).
		Scan(&on, &hours, &cats, &a.LastKey)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultAffirmations(userID), nil
	}
	if err != nil {
		return AffirmationSettings{}, err
	}
	a.Enabled = on != 0
	a.Hours = parseHours(hours)
	a.Categories = splitCSV(cats)
	if len(a.Hours) == 0 {
		a.Hours = DefaultAffirmations(userID).Hours
	}
	return a, nil
}

// SaveAffirmations writes the toggle, hours and categories. Hours outside
// 0-23 are dropped. The last-fired key is left unchanged.
func (s *DB) SaveAffirmations(ctx context.Context, a AffirmationSettings) error {
	def := DefaultAffirmations(a.UserID)
	hours := parseHours(joinHours(a.Hours))
	if len(hours) == 0 {
		hours = def.Hours
	}
	if len(a.Categories) == 0 {
		a.Categories = def.Categories
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO affirmation_settings(user_id, enabled, hours, categories) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   enabled = excluded.enabled, hours = excluded.hours, categories = excluded.categories`,
		a.UserID, b2i(a.Enabled), joinHours(hours), strings.Join(a.Categories, ","))
	return err
}

// SetAffirmationKey stores the last fired "affirm:{date}:{hour}" key.
func (s *DB) SetAffirmationKey(ctx context.Context, userID int64, key string) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE affirmation_settings SET last_key = ? WHERE user_id = ?`, key, userID))
}

// parseHours reads a CSV of hours, dropping bad and duplicate entries.
func parseHours(s string) []int {
	seen := map[int]bool{}
	var out []int
	for _, p := range splitCSV(s) {
		h, err := strconv.Atoi(p)
		if err != nil || h < 0 || h > 23 || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Ints(out)
	return out
}

func joinHours(hours []int) string {
	parts := make([]string, len(hours))
	for i, h := range hours {
		parts[i] = strconv.Itoa(h)
	}
	return strings.Join(parts, ",")
}
