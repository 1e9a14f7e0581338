package adapter

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "carebot/internal/transport"
	logx "carebot/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want []error
	}{
		{name: "blocked", err: tele.ErrBlockedByUser, want: []error{kit.ErrForbidden}},
		{name: "deactivated", err: tele.ErrUserIsDeactivated, want: []error{kit.ErrForbidden}},
		{name: "peer is bot", err: tele.NewError(403, "Forbidden: bots can't send messages to bots"), want: []error{kit.ErrForbidden, kit.ErrPeerIsBot}},
		{name: "not modified", err: tele.ErrMessageNotModified, want: []error{kit.ErrNotModified}},
		{name: "cannot edit", err: tele.ErrCantEditMessage, want: []error{kit.ErrCannotEdit}},
		{name: "server error", err: tele.NewError(502, "Bad Gateway"), want: []error{kit.ErrRetryable}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify(tt.err)
			for _, w := range tt.want {
				if !errors.Is(got, w) {
					t.Fatalf("classify(%v) = %v, want %v in chain", tt.err, got, w)
				}
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("original error lost: %v", got)
			}
		})
	}

	other := errors.New("x")
	if classify(other) != other || classify(nil) != nil {
		t.Fatalf("unclassified errors must pass through")
	}
	if errors.Is(classify(tele.ErrBlockedByUser), kit.ErrPeerIsBot) {
		t.Fatalf("blocked user must not be reported as a bot peer")
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text = %q", got)
	}

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(long, 10)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("split on newline = %q", got)
	}

	html := "xxxxxxx<b>bold</b>"
	for _, chunk := range splitText(html, 9) {
		if strings.Count(chunk, "<") != strings.Count(chunk, ">") {
			t.Fatalf("chunk %q cuts a tag", chunk)
		}
	}
}

func TestMarkup(t *testing.T) {
	t.Parallel()
	if markup(nil) != nil {
		t.Fatalf("empty keyboard must produce nil markup")
	}
	rm := markup(kit.Keyboard{{{Text: "Done", Data: "rt:done:1"}, {Text: "Open", URL: "https://t.me/x"}}})
	if len(rm.InlineKeyboard) != 1 || rm.InlineKeyboard[0][0].Data != "rt:done:1" || rm.InlineKeyboard[0][1].URL == "" {
		t.Fatalf("markup = %+v", rm.InlineKeyboard)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
	a, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New offline: %v", err)
	}
	if a.bot == nil {
		t.Fatalf("bot not initialised")
	}
}
