package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// GetWellness returns the user's settings, or defaults when none are saved.
func (s *DB) GetWellness(ctx context.Context, userID int64) (WellnessSettings, error) {
	w := WellnessSettings{UserID: userID}
	var (
		waterOn, mealOn      int
		waterTimes, mealTime string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT water_enabled, water_times, water_last_key, meal_enabled, meal_times, meal_last_key,
		        tone, focus_work, focus_rest
		 FROM wellness_settings WHERE user_id = ?`, userID).
		Scan(&waterOn, &waterTimes, &w.WaterLastKey, &mealOn, &mealTime, &w.MealLastKey, &w.Tone, &w.FocusWork, &w.FocusRest)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultWellness(userID), nil
	}
	if err != nil {
		return WellnessSettings{}, err
	}
	w.WaterEnabled = waterOn != 0
	w.MealEnabled = mealOn != 0
	w.WaterTimes = splitCSV(waterTimes)
	w.MealTimes = splitCSV(mealTime)
	return w, nil
}

// SaveWellness writes toggles, times, tone and focus rounds. The last-fired
// keys are owned by SetWellnessKey and left unchanged here.
func (s *DB) SaveWellness(ctx context.Context, w WellnessSettings) error {
	def := DefaultWellness(w.UserID)
	if len(w.WaterTimes) == 0 {
		w.WaterTimes = def.WaterTimes
	}
	if len(w.MealTimes) == 0 {
		w.MealTimes = def.MealTimes
	}
	if w.Tone == "" {
		w.Tone = def.Tone
	}
	if w.FocusWork <= 0 {
		w.FocusWork = def.FocusWork
	}
	if w.FocusRest <= 0 {
		w.FocusRest = def.FocusRest
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wellness_settings(user_id, water_enabled, water_times, meal_enabled, meal_times, tone, focus_work, focus_rest)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   water_enabled = excluded.water_enabled, water_times = excluded.water_times,
		   meal_enabled = excluded.meal_enabled, meal_times = excluded.meal_times,
		   tone = excluded.tone, focus_work = excluded.focus_work, focus_rest = excluded.focus_rest`,
		w.UserID, b2i(w.WaterEnabled), strings.Join(w.WaterTimes, ","), b2i(w.MealEnabled),
		strings.Join(w.MealTimes, ","), w.Tone, w.FocusWork, w.FocusRest)
	return err
}

// SetWellnessKey stores the last fired "{date}-{HH:MM}" key for a kind.
func (s *DB) SetWellnessKey(ctx context.Context, userID int64, kind WellnessKind, key string) error {
	var col string
	switch kind {
	case Water:
		col = "water_last_key"
	case Meal:
		col = "meal_last_key"
	default:
		return fmt.Errorf("%w: wellness kind %q", ErrInvalid, kind)
	}
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE wellness_settings SET `+col+` = ? WHERE user_id = ?`, key, userID))
}
