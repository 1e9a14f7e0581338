// Package dispatch renders reminder occurrences and delivers them to a
// user's chat.
//
// A recipient that blocked the bot is paused instead of retried: for
// ForbiddenPauseDays, or indefinitely when the peer is itself a bot.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	"carebot/internal/clock"
	"carebot/internal/eventbus"
	"carebot/internal/recurrence"
	"carebot/internal/storage"
	kit "carebot/internal/transport"
	logx "carebot/pkg/logx"
)

// Kinds delivered outside the per-minute reminder policies.
const (
	KindBillsDigest recurrence.Kind = "bills_digest"
	KindFinance     recurrence.Kind = "finance"
	KindCare        recurrence.Kind = "care"
	KindWeight      recurrence.Kind = "weight"
	KindChorePlan   recurrence.Kind = "chore_plan"
	KindFocus       recurrence.Kind = "focus"
	KindRounds      recurrence.Kind = "rounds"
)

var ErrEmpty = errors.New("dispatch: empty message")

// Sender is the outbound side of the notifier.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, kb kit.Keyboard) (kit.MessageRef, error)
}

// Pauser persists delivery pauses.
type Pauser interface {
	SetPause(ctx context.Context, userID int64, until string) error
}

type Config struct {
	ForbiddenPauseDays int
}

type Dispatcher struct {
	send  Sender
	store Pauser
	clock clockwork.Clock
	log   logx.Logger
	bus   eventbus.Bus
	cfg   Config
}

func New(send Sender, store Pauser, clk clockwork.Clock, log logx.Logger, bus eventbus.Bus, cfg Config) *Dispatcher {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.ForbiddenPauseDays <= 0 {
		cfg.ForbiddenPauseDays = 7
	}
	return &Dispatcher{send: send, store: store, clock: clk, log: log.With(logx.String("comp", "dispatch")), bus: bus, cfg: cfg}
}

// Deliver sends r to the user's chat. The returned error is for logging
// and metrics only; it is never shown to the user.
func (d *Dispatcher) Deliver(ctx context.Context, u storage.User, kind recurrence.Kind, r Rendered) (kit.MessageRef, error) {
	if strings.TrimSpace(r.Text) == "" {
		return kit.MessageRef{}, ErrEmpty
	}
	ref, err := d.send.Send(ctx, u.TelegramID, r.Text, r.Keyboard)
	if err == nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.DeliverySent, Data: eventbus.Delivery{UserID: u.ID, Kind: string(kind)}})
		return ref, nil
	}

	if errors.Is(err, kit.ErrForbidden) {
		until := clock.AddDays(clock.LocalDate(d.clock.Now(), u.Timezone), d.cfg.ForbiddenPauseDays)
		if errors.Is(err, kit.ErrPeerIsBot) {
			until = storage.NeverDate
		}
		if perr := d.store.SetPause(ctx, u.ID, until); perr != nil {
			d.log.Error("pause after forbidden send failed", logx.Int64("user_id", u.ID), logx.Err(perr))
		}
		d.log.Warn("recipient unreachable, delivery paused",
			logx.Int64("user_id", u.ID), logx.String("kind", string(kind)), logx.String("until", until), logx.Err(err))
		d.bus.Publish(eventbus.Event{Type: eventbus.DeliveryPaused, Data: eventbus.Delivery{UserID: u.ID, Kind: string(kind), Error: err.Error()}})
		return kit.MessageRef{}, fmt.Errorf("dispatch %s to user %d: %w", kind, u.ID, err)
	}

	d.log.Warn("delivery failed", logx.Int64("user_id", u.ID), logx.String("kind", string(kind)), logx.Err(err))
	d.bus.Publish(eventbus.Event{Type: eventbus.DeliveryFailed, Data: eventbus.Delivery{UserID: u.ID, Kind: string(kind), Error: err.Error()}})
	return kit.MessageRef{}, fmt.Errorf("dispatch %s to user %d: %w", kind, u.ID, err)
}
