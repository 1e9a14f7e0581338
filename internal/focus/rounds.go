package focus

import (
	"context"
	"fmt"
	"time"

	"carebot/internal/deferral"
	"carebot/internal/dispatch"
	"carebot/internal/storage"
	logx "carebot/pkg/logx"
)

const roundsPrefix = "rounds:"

// StartRounds announces a work phase now and arms the rest announcement.
// Zero lengths fall back to the user's wellness settings. A running round
// of the same user is replaced.
func (m *Machine) StartRounds(ctx context.Context, u storage.User, work, rest int) (int, int, error) {
	if work == 0 || rest == 0 {
		w, err := m.store.GetWellness(ctx, u.ID)
		if err != nil {
			return 0, 0, err
		}
		if work == 0 {
			work = w.FocusWork
		}
		if rest == 0 {
			rest = w.FocusRest
		}
	}
	if work < 2 || work > MaxMinutes || rest < 1 || rest > MaxMinutes {
		return 0, 0, fmt.Errorf("%w: rounds %d/%d", ErrDuration, work, rest)
	}
	m.timers.CancelPrefix(u.ID, roundsPrefix)
	if _, err := m.out.Deliver(ctx, u, dispatch.KindRounds, dispatch.RenderRound(true, work, rest)); err != nil {
		return 0, 0, err
	}
	key := deferral.Key{UserID: u.ID, Occurrence: roundsPrefix + "rest"}
	_, err := m.timers.Schedule(key, time.Duration(work)*time.Minute, func(ctx context.Context) {
		if _, err := m.out.Deliver(ctx, u, dispatch.KindRounds, dispatch.RenderRound(false, work, rest)); err != nil {
			m.log.Debug("rest announcement not delivered", logx.Int64("user_id", u.ID), logx.Err(err))
		}
	})
	if err != nil {
		return 0, 0, fmt.Errorf("arm rest announcement: %w", err)
	}
	return work, rest, nil
}

// StopRounds cancels pending announcements and reports how many there were.
func (m *Machine) StopRounds(userID int64) int {
	return m.timers.CancelPrefix(userID, roundsPrefix)
}
