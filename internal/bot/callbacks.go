package bot

import (
	"context"
	"fmt"
	"strconv"

	"carebot/internal/actions"
	"carebot/internal/clock"
	"carebot/internal/dispatch"
	"carebot/internal/storage"
	"carebot/pkg/tgui"
)

func (b *Bot) callbackRoutes() map[string]CallbackFunc {
	routes := map[string]CallbackFunc{
		dispatch.PrefixFocus:  b.cbFocus,
		dispatch.PrefixRounds: b.cbRounds,
		dispatch.PrefixWeight: b.cbWeight,
	}
	for _, p := range actions.Prefixes() {
		routes[p] = b.cbAction
	}
	return routes
}

func (b *Bot) cbAction(ctx context.Context, req *Request, data string) (actions.Result, error) {
	return b.actions.Handle(ctx, req.User, data)
}

func badData(data string) error { return fmt.Errorf("%w: %q", actions.ErrBadData, data) }

func closedLine(text string) *dispatch.Rendered {
	m := tgui.New().Line(text).Build()
	return &dispatch.Rendered{Text: m.Text}
}

var checkinReply = map[string]string{
	"ok":         "Great, keep going!",
	"struggling": "That is okay. Pick the smallest next step and do just that.",
}

var finishReply = map[storage.FocusResult]string{
	storage.FocusDone:    "Well done! +3 points.",
	storage.FocusPartial: "Part of it counts. +1 point.",
	storage.FocusFail:    "It happens. Next time try a shorter session.",
}

func (b *Bot) cbFocus(ctx context.Context, req *Request, data string) (actions.Result, error) {
	_, action, payload, err := tgui.Parse(data)
	if err != nil {
		return actions.Result{}, badData(data)
	}
	u := req.User
	switch action {
	case dispatch.ActCheckin:
		sid, err := tgui.Int64At(payload, 0)
		if err != nil {
			return actions.Result{}, badData(data)
		}
		resp := tgui.StringAt(payload, 1)
		if err := b.focus.Checkin(ctx, u.ID, sid, resp); err != nil {
			return actions.Result{}, err
		}
		return actions.Result{Toast: "Noted.", Edit: closedLine("⏱ " + checkinReply[resp])}, nil

	case dispatch.ActFinish:
		sid, err := tgui.Int64At(payload, 0)
		if err != nil {
			return actions.Result{}, badData(data)
		}
		r := storage.FocusResult(tgui.StringAt(payload, 1))
		out, err := b.focus.Finish(ctx, u, sid, r)
		if err != nil {
			return actions.Result{}, err
		}
		text := finishReply[r]
		if !out.CooldownUntil.IsZero() && out.CooldownUntil.After(b.clock.Now()) && r == storage.FocusFail {
			text += " Two misses in a row, so focus rests until " + clock.LocalTime(out.CooldownUntil, u.Timezone) + "."
		}
		return actions.Result{Toast: "Saved.", Edit: closedLine("🎯 " + text)}, nil

	case actOverride:
		c, ok, err := b.store.GetConversation(ctx, u.ID)
		if err != nil {
			return actions.Result{}, err
		}
		if !ok || c.Flow != flowFocus || c.Step != stepConfirm {
			return actions.Result{Toast: "Nothing to replace."}, nil
		}
		minutes, err := strconv.Atoi(c.Data["minutes"])
		if err != nil {
			return actions.Result{}, badData(data)
		}
		if err := b.store.ClearConversation(ctx, u.ID); err != nil {
			return actions.Result{}, err
		}
		if err := b.startFocus(ctx, req, c.Data["task"], minutes, true); err != nil {
			return actions.Result{}, err
		}
		return actions.Result{Toast: "Replaced.", Edit: closedLine("🔁 Previous session replaced.")}, nil

	case actKeep:
		if err := b.store.ClearConversation(ctx, u.ID); err != nil {
			return actions.Result{}, err
		}
		return actions.Result{Toast: "Keeping the current session.", Edit: closedLine("▶️ Keeping the current session.")}, nil
	}
	return actions.Result{}, badData(data)
}

func (b *Bot) cbRounds(ctx context.Context, req *Request, data string) (actions.Result, error) {
	_, action, payload, err := tgui.Parse(data)
	if err != nil {
		return actions.Result{}, badData(data)
	}
	switch action {
	case dispatch.ActAgain:
		work, err1 := tgui.Int64At(payload, 0)
		rest, err2 := tgui.Int64At(payload, 1)
		if err1 != nil || err2 != nil {
			return actions.Result{}, badData(data)
		}
		if _, _, err := b.focus.StartRounds(ctx, req.User, int(work), int(rest)); err != nil {
			return actions.Result{}, err
		}
		return actions.Result{Toast: "Next round!"}, nil
	case dispatch.ActStop:
		b.focus.StopRounds(req.User.ID)
		return actions.Result{Toast: "Stopped.", Edit: closedLine("⏹ Rounds finished. Good job.")}, nil
	}
	return actions.Result{}, badData(data)
}

func (b *Bot) cbWeight(ctx context.Context, req *Request, data string) (actions.Result, error) {
	if err := b.askWeight(ctx, req); err != nil {
		return actions.Result{}, err
	}
	return actions.Result{}, nil
}
