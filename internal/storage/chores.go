package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type choreSeed struct {
	title  string
	freq   int
	zone   string
	points int
}

var defaultChores = []choreSeed{
	{"Towels", 7, "bathroom", 3},
	{"Floors / vacuum", 7, "hallway", 3},
	{"Bath, sink and toilet", 7, "bathroom", 3},
	{"Check the fridge", 7, "fridge", 3},
	{"Kitchen table and surfaces", 7, "kitchen", 3},
	{"Bed linen", 14, "bedroom", 3},
	{"Deep-clean the fridge", 30, "fridge", 5},
	{"Washing machine hot cycle", 30, "laundry", 5},
	{"Skirting boards, handles, switches", 30, "misc", 4},
	{"Hard-to-reach corners", 30, "misc", 4},
	{"Washing machine / vacuum filter", 90, "laundry", 5},
	{"Sort the first-aid kit", 90, "misc", 5},
	{"Sort the chaos corner", 90, "misc", 4},
}

// EnsureRegularTasks seeds the default chore set when the user has no
// active chores. First due dates are today + frequency.
func (s *DB) EnsureRegularTasks(ctx context.Context, userID int64, today time.Time) error {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM regular_tasks WHERE user_id = ? AND is_active = 1`, userID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, c := range defaultChores {
		next := today.AddDate(0, 0, c.freq).Format("2006-01-02")
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO regular_tasks(user_id, title, zone, frequency_days, points, next_due_date, is_active)
			 VALUES(?,?,?,?,?,?,1)`, userID, c.title, c.zone, c.freq, c.points, next); err != nil {
			return fmt.Errorf("storage: seed chore %q: %w", c.title, err)
		}
	}
	return tx.Commit()
}

const choreColumns = `id, user_id, title, zone, frequency_days, points, last_done_date, next_due_date, is_active`

func scanChore(row scanner) (RegularTask, error) {
	var (
		t          RegularTask
		last, next sql.NullString
		active     int
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Zone, &t.FrequencyDays, &t.Points, &last, &next, &active); err != nil {
		return RegularTask{}, err
	}
	t.LastDoneDate = fromNull(last)
	t.NextDueDate = fromNull(next)
	t.Active = active != 0
	return t, nil
}

// ListRegularTasks returns active chores ordered by next due date.
func (s *DB) ListRegularTasks(ctx context.Context, userID int64) ([]RegularTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+choreColumns+` FROM regular_tasks WHERE user_id = ? AND is_active = 1
		 ORDER BY COALESCE(next_due_date, ''), id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RegularTask
	for rows.Next() {
		t, err := scanChore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *DB) GetRegularTask(ctx context.Context, userID, id int64) (RegularTask, error) {
	t, err := scanChore(s.db.QueryRowContext(ctx,
		`SELECT `+choreColumns+` FROM regular_tasks WHERE id = ? AND user_id = ?`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return RegularTask{}, ErrNotFound
	}
	return t, err
}

// SaveRegularTask persists last_done_date and next_due_date after a policy
// update.
func (s *DB) SaveRegularTask(ctx context.Context, t RegularTask) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE regular_tasks SET last_done_date = ?, next_due_date = ? WHERE id = ? AND user_id = ?`,
		nullStr(t.LastDoneDate), nullStr(t.NextDueDate), t.ID, t.UserID))
}

// PostponeRegularTask shifts next_due_date by days.
func (s *DB) PostponeRegularTask(ctx context.Context, userID, id int64, days int) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE regular_tasks SET next_due_date = date(COALESCE(next_due_date, date('now')), '+' || ? || ' day')
		 WHERE id = ? AND user_id = ? AND is_active = 1`, days, id, userID))
}

func (s *DB) CreateBill(ctx context.Context, b Bill) (int64, error) {
	if strings.TrimSpace(b.Title) == "" || b.DayOfMonth < 1 || b.DayOfMonth > 31 {
		return 0, fmt.Errorf("%w: bill needs a title and a day 1-31", ErrInvalid)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bills(user_id, title, amount, day_of_month, is_active) VALUES(?,?,?,?,1)`,
		b.UserID, strings.TrimSpace(b.Title), b.Amount, b.DayOfMonth)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const billColumns = `id, user_id, title, amount, day_of_month, last_paid_month, is_active`

func scanBill(row scanner) (Bill, error) {
	var (
		b      Bill
		paid   sql.NullString
		active int
	)
	if err := row.Scan(&b.ID, &b.UserID, &b.Title, &b.Amount, &b.DayOfMonth, &paid, &active); err != nil {
		return Bill{}, err
	}
	b.LastPaidMonth = fromNull(paid)
	b.Active = active != 0
	return b, nil
}

func (s *DB) ListBills(ctx context.Context, userID int64) ([]Bill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+billColumns+` FROM bills WHERE user_id = ? AND is_active = 1 ORDER BY day_of_month, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *DB) GetBill(ctx context.Context, userID, id int64) (Bill, error) {
	b, err := scanBill(s.db.QueryRowContext(ctx,
		`SELECT `+billColumns+` FROM bills WHERE id = ? AND user_id = ?`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Bill{}, ErrNotFound
	}
	return b, err
}

// MarkBillPaid records the paid month (YYYY-MM).
func (s *DB) MarkBillPaid(ctx context.Context, userID, id int64, month string) error {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE bills SET last_paid_month = ? WHERE id = ? AND user_id = ?`, month, id, userID))
}

func (s *DB) AddExpense(ctx context.Context, e Expense) (int64, error) {
	if e.Amount <= 0 {
		return 0, fmt.Errorf("%w: expense amount must be positive", ErrInvalid)
	}
	if strings.TrimSpace(e.Category) == "" {
		e.Category = "other"
	}
	at := e.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO expenses(user_id, amount, category, note, created_at) VALUES(?,?,?,?,?)`,
		e.UserID, e.Amount, strings.ToLower(strings.TrimSpace(e.Category)), e.Note, at.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ExpenseTotals sums expenses per category in [from, to).
func (s *DB) ExpenseTotals(ctx context.Context, userID int64, from, to time.Time) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, SUM(amount) FROM expenses
		 WHERE user_id = ? AND created_at >= ? AND created_at < ? GROUP BY category`,
		userID, from.Unix(), to.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]float64{}
	for rows.Next() {
		var (
			cat string
			sum float64
		)
		if err := rows.Scan(&cat, &sum); err != nil {
			return nil, err
		}
		out[cat] = sum
	}
	return out, rows.Err()
}

func (s *DB) SetBudget(ctx context.Context, userID int64, month string, limit float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets(user_id, month, limit_total) VALUES(?,?,?)
		 ON CONFLICT(user_id, month) DO UPDATE SET limit_total = excluded.limit_total`,
		userID, month, limit)
	return err
}

func (s *DB) SetCategoryLimit(ctx context.Context, userID int64, category string, limit float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_categories(user_id, category, lim) VALUES(?,?,?)
		 ON CONFLICT(user_id, category) DO UPDATE SET lim = excluded.lim`,
		userID, strings.ToLower(strings.TrimSpace(category)), limit)
	return err
}

// GetBudget returns the month's limit and category limits; a missing budget
// reads as zero limits.
func (s *DB) GetBudget(ctx context.Context, userID int64, month string) (Budget, error) {
	b := Budget{Month: month, Categories: map[string]float64{}}
	err := s.db.QueryRowContext(ctx,
		`SELECT limit_total FROM budgets WHERE user_id = ? AND month = ?`, userID, month).Scan(&b.LimitTotal)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Budget{}, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, lim FROM budget_categories WHERE user_id = ?`, userID)
	if err != nil {
		return Budget{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cat string
			lim float64
		)
		if err := rows.Scan(&cat, &lim); err != nil {
			return Budget{}, err
		}
		b.Categories[cat] = lim
	}
	return b, rows.Err()
}
