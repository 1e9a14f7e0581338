package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"carebot/internal/clock"
	"carebot/internal/dispatch"
	"carebot/internal/focus"
	"carebot/internal/storage"
	"carebot/pkg/tgui"
)

// Dialog flows persisted in conversation_state.
const (
	flowFocus  = "focus"
	flowWeight = "weight"

	stepTask    = "task"
	stepMinutes = "minutes"
	stepConfirm = "confirm"
	stepValue   = "value"
)

const (
	actOverride = "override"
	actKeep     = "keep"
)

func (b *Bot) setDialog(ctx context.Context, userID int64, flow, step string, data map[string]string) error {
	return b.store.SetConversation(ctx, storage.Conversation{UserID: userID, Flow: flow, Step: step, Data: data})
}

// continueDialog feeds free text into the user's open dialog.
func (b *Bot) continueDialog(ctx context.Context, req *Request) error {
	u := req.User
	c, ok, err := b.store.GetConversation(ctx, u.ID)
	if err != nil {
		return err
	}
	if ok && b.clock.Now().Sub(c.UpdatedAt) > b.config().DialogTTL {
		if err := b.store.ClearConversation(ctx, u.ID); err != nil {
			return err
		}
		ok = false
	}
	if !ok {
		return b.sayLine(ctx, req, "I did not catch that. Send /help to see what I can do.")
	}
	text := strings.TrimSpace(strings.Join(req.Args, " "))

	switch c.Flow {
	case flowFocus:
		return b.focusDialog(ctx, req, c, text)
	case flowWeight:
		return b.logWeight(ctx, req, text)
	}
	req.Logger.Warn("dropping unknown dialog flow")
	return b.store.ClearConversation(ctx, u.ID)
}

func (b *Bot) cmdFocus(ctx context.Context, req *Request) error {
	if len(req.Args) > 0 {
		minutes, err := strconv.Atoi(req.Args[0])
		if err != nil {
			return usage("Usage: /focus [minutes task], for example /focus 25 write the report")
		}
		return b.startFocus(ctx, req, strings.Join(req.Args[1:], " "), minutes, false)
	}
	if err := b.setDialog(ctx, req.User.ID, flowFocus, stepTask, nil); err != nil {
		return err
	}
	return b.sayLine(ctx, req, "What will you focus on?")
}

func (b *Bot) focusDialog(ctx context.Context, req *Request, c storage.Conversation, text string) error {
	switch c.Step {
	case stepTask:
		if text == "" {
			return b.sayLine(ctx, req, "Tell me the task in a few words.")
		}
		data := map[string]string{"task": tgui.TruncRunes(text, 100)}
		if err := b.setDialog(ctx, req.User.ID, flowFocus, stepMinutes, data); err != nil {
			return err
		}
		return b.sayLine(ctx, req, fmt.Sprintf("How many minutes? From %d to %d.", focus.MinMinutes, focus.MaxMinutes))
	case stepMinutes:
		minutes, err := strconv.Atoi(text)
		if err != nil || minutes < focus.MinMinutes || minutes > focus.MaxMinutes {
			return b.sayLine(ctx, req, fmt.Sprintf("Send a number from %d to %d.", focus.MinMinutes, focus.MaxMinutes))
		}
		if err := b.store.ClearConversation(ctx, req.User.ID); err != nil {
			return err
		}
		return b.startFocus(ctx, req, c.Data["task"], minutes, false)
	case stepConfirm:
		return b.sayLine(ctx, req, "Tap one of the buttons above, or send /cancel.")
	}
	return b.store.ClearConversation(ctx, req.User.ID)
}

func (b *Bot) startFocus(ctx context.Context, req *Request, task string, minutes int, override bool) error {
	f, err := b.focus.Start(ctx, req.User, task, minutes, override)
	if errors.Is(err, focus.ErrActiveSession) {
		data := map[string]string{"task": task, "minutes": strconv.Itoa(minutes)}
		if err := b.setDialog(ctx, req.User.ID, flowFocus, stepConfirm, data); err != nil {
			return err
		}
		kb := tgui.NewInline().Row(
			tgui.Btn("🔁 Replace it", tgui.Data(dispatch.PrefixFocus, actOverride)),
			tgui.Btn("▶️ Keep going", tgui.Data(dispatch.PrefixFocus, actKeep)),
		)
		return b.say(ctx, req, tgui.New().Line("A focus session is already running. Replace it with the new one?").Inline(kb).Build())
	}
	if err != nil {
		return err
	}
	tz := req.User.Timezone
	return b.say(ctx, req, tgui.New().Title("🎯", f.TaskTitle).
		KV("Length", fmt.Sprintf("%d min", f.DurationMin)).
		KV("Check-in", clock.LocalTime(f.CheckinTS, tz)).
		KV("Ends", clock.LocalTime(f.EndTS, tz)).
		Build())
}

func (b *Bot) cmdWeight(ctx context.Context, req *Request) error {
	if len(req.Args) > 0 {
		return b.logWeight(ctx, req, req.Args[0])
	}
	return b.askWeight(ctx, req)
}

func (b *Bot) askWeight(ctx context.Context, req *Request) error {
	if err := b.setDialog(ctx, req.User.ID, flowWeight, stepValue, nil); err != nil {
		return err
	}
	return b.sayLine(ctx, req, "Send your weight in kg, like 70.5")
}

func (b *Bot) logWeight(ctx context.Context, req *Request, text string) error {
	u := req.User
	kg, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(text), ",", "."), 64)
	if err != nil {
		return b.sayLine(ctx, req, "That is not a number. Send something like 70.5, or /cancel.")
	}
	today := b.today(u)
	if err := b.store.AddWeight(ctx, u.ID, today, kg); err != nil {
		if errors.Is(err, storage.ErrInvalid) {
			return b.sayLine(ctx, req, "That weight looks off. Send kilograms, like 70.5")
		}
		return err
	}
	if err := b.store.ClearConversation(ctx, u.ID); err != nil {
		return err
	}
	if err := b.store.SetMark(ctx, u.ID, storage.MarkWeightPrompt, today); err != nil {
		req.Logger.Debug("weight mark not stored")
	}
	msg := tgui.New().Title("⚖️", fmt.Sprintf("Logged %.1f kg", kg))
	if hist, err := b.store.ListWeights(ctx, u.ID, 5); err == nil && len(hist) > 1 {
		oldest := hist[len(hist)-1]
		msg.Line(fmt.Sprintf("%+.1f kg since %s.", kg-oldest.Kg, clock.FormatDisplay(oldest.Date)))
	}
	return b.say(ctx, req, msg.Build())
}
