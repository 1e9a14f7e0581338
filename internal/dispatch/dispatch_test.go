package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"carebot/internal/eventbus"
	"carebot/internal/recurrence"
	"carebot/internal/storage"
	kit "carebot/internal/transport"
	logx "carebot/pkg/logx"
	"carebot/pkg/tgui"
)

func step(id int64, active bool, dependsOn int64) storage.RoutineStep {
	return storage.RoutineStep{ID: id, Title: fmt.Sprintf("step %d", id), Active: active, DependsOn: dependsOn}
}

func TestVisibleSteps(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		steps     []storage.RoutineStep
		completed map[int]bool
		want      []int
	}{
		{
			name:  "independent",
			steps: []storage.RoutineStep{step(1, true, 0), step(2, true, 0)},
			want:  []int{0, 1},
		},
		{
			name:  "inactive hidden",
			steps: []storage.RoutineStep{step(1, true, 0), step(2, false, 0)},
			want:  []int{0},
		},
		{
			name:  "child hidden until parent done",
			steps: []storage.RoutineStep{step(1, true, 0), step(2, true, 1)},
			want:  []int{0},
		},
		{
			name:      "child shown after parent done",
			steps:     []storage.RoutineStep{step(1, true, 0), step(2, true, 1)},
			completed: map[int]bool{0: true},
			want:      []int{0, 1},
		},
		{
			name:      "grandchild needs visible parent",
			steps:     []storage.RoutineStep{step(1, true, 0), step(2, true, 1), step(3, true, 2)},
			completed: map[int]bool{1: true},
			want:      []int{0},
		},
		{
			name:      "chain fully completed",
			steps:     []storage.RoutineStep{step(3, true, 2), step(2, true, 1), step(1, true, 0)},
			completed: map[int]bool{1: true, 2: true},
			want:      []int{0, 1, 2},
		},
		{
			name:      "inactive parent hides child",
			steps:     []storage.RoutineStep{step(1, false, 0), step(2, true, 1)},
			completed: map[int]bool{0: true},
			want:      nil,
		},
		{
			name:  "missing parent",
			steps: []storage.RoutineStep{step(1, true, 99)},
			want:  nil,
		},
		{
			name:      "cycle",
			steps:     []storage.RoutineStep{step(1, true, 2), step(2, true, 1), step(3, true, 0)},
			completed: map[int]bool{0: true, 1: true},
			want:      []int{2},
		},
		{
			name:  "self dependency",
			steps: []storage.RoutineStep{step(1, true, 1)},
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := VisibleSteps(tt.steps, tt.completed)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("VisibleSteps = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompletedRoundTrip(t *testing.T) {
	t.Parallel()
	got := ParseCompleted(" 3,1, x,,-2,1")
	if !reflect.DeepEqual(got, map[int]bool{1: true, 3: true}) {
		t.Fatalf("ParseCompleted = %v", got)
	}
	if s := FormatCompleted(got); s != "1,3" {
		t.Fatalf("FormatCompleted = %q", s)
	}
	if s := FormatCompleted(nil); s != "" {
		t.Fatalf("FormatCompleted(nil) = %q", s)
	}
}

func TestRenderRoutineKeyboard(t *testing.T) {
	t.Parallel()
	u := storage.User{ID: 1}
	r := storage.UserRoutine{RoutineID: 1, Slot: "morning", Title: "Morning <routine>"}
	steps := []storage.RoutineStep{
		{ID: 10, Title: "Brush teeth", Active: true},
		{ID: 11, Title: "Stretch", Active: true, DependsOn: 10},
	}
	task := storage.UserTask{RoutineID: 1, Date: "2024-03-06", Note: ""}

	got := RenderRoutine(u, r, steps, task)
	if !strings.Contains(got.Text, "Morning &lt;routine&gt;") {
		t.Fatalf("title not escaped: %q", got.Text)
	}
	if !strings.Contains(got.Text, "• Brush teeth") || strings.Contains(got.Text, "Stretch") {
		t.Fatalf("visible steps not listed: %q", got.Text)
	}
	// One visible step row, finish row, action row.
	if len(got.Keyboard) != 3 {
		t.Fatalf("rows = %d, want 3: %+v", len(got.Keyboard), got.Keyboard)
	}
	if d := got.Keyboard[0][0].Data; d != "rs:toggle:1:2024-03-06:0" {
		t.Fatalf("toggle data = %q", d)
	}
	last := got.Keyboard[2]
	want := []string{"rt:done:1:2024-03-06", "rt:later:1:2024-03-06", "rt:skip:1:2024-03-06"}
	for i, w := range want {
		if last[i].Data != w {
			t.Fatalf("action %d = %q, want %q", i, last[i].Data, w)
		}
	}

	task.Note = "0"
	got = RenderRoutine(u, r, steps, task)
	if len(got.Keyboard) != 4 || !strings.HasPrefix(got.Keyboard[0][0].Text, "✅") {
		t.Fatalf("after completing step 0: %+v", got.Keyboard)
	}
	if !strings.Contains(got.Text, "• <s>Brush teeth</s>") || !strings.Contains(got.Text, "• Stretch") {
		t.Fatalf("completed step not struck through: %q", got.Text)
	}
}

func TestRenderRoutineShortLabels(t *testing.T) {
	t.Parallel()
	r := storage.UserRoutine{RoutineID: 1, Slot: "day", Title: "Day"}
	steps := []storage.RoutineStep{{ID: 1, Title: strings.Repeat("a", 50), Active: true}}
	task := storage.UserTask{RoutineID: 1, Date: "2024-03-06"}

	tests := []struct {
		adhd  bool
		runes int
	}{
		{false, labelRunes},
		{true, labelRunesShort},
	}
	for _, tt := range tests {
		got := RenderRoutine(storage.User{ADHDMode: tt.adhd}, r, steps, task)
		label := strings.TrimPrefix(got.Keyboard[0][0].Text, "⬜ ")
		if n := len([]rune(label)); n != tt.runes+1 {
			t.Fatalf("adhd=%v label runes = %d, want %d", tt.adhd, n, tt.runes+1)
		}
		if !strings.Contains(got.Text, steps[0].Title) {
			t.Fatalf("adhd=%v text truncated", tt.adhd)
		}
	}
}

func actionCount(r Rendered) int {
	n := 0
	for _, row := range r.Keyboard {
		n += len(row)
	}
	return n
}

// Digest nudges stay informational: at most one action, which opens the
// matching screen.
func TestDigestsCarryOneOpenAction(t *testing.T) {
	t.Parallel()
	bills := []BillDue{
		{Bill: storage.Bill{ID: 1, Title: "Rent", Amount: 500}, DueDate: "2024-03-10"},
		{Bill: storage.Bill{ID: 2, Title: "Phone", Amount: 10}, DueDate: "2024-03-08"},
		{Bill: storage.Bill{ID: 3, Title: "Gym", Amount: 30}, DueDate: "2024-03-09"},
	}
	chores := []storage.RegularTask{
		{ID: 4, Title: "Vacuum", Zone: "floor", NextDueDate: "2024-03-08"},
		{ID: 5, Title: "Windows", Zone: "glass", NextDueDate: "2024-03-07"},
	}
	care := []CareItem{
		{Mark: storage.MarkCareDentist, Title: "Dentist"},
		{Mark: storage.MarkCareBrush, Title: "Toothbrush"},
	}
	tests := []struct {
		name string
		r    Rendered
		data string
		text []string
	}{
		{"bills", RenderBillsDigest(bills), "bl:open", []string{"Rent", "Phone", "Gym"}},
		{"chores", RenderChorePlan(chores, 10), "ch:open", []string{"Vacuum", "Windows"}},
		{"care", RenderCare(care), "care:open", []string{"Dentist", "Toothbrush"}},
	}
	for _, tt := range tests {
		if n := actionCount(tt.r); n != 1 {
			t.Fatalf("%s digest has %d actions, want 1", tt.name, n)
		}
		if d := tt.r.Keyboard[0][0].Data; d != tt.data {
			t.Fatalf("%s action = %q, want %q", tt.name, d, tt.data)
		}
		for _, w := range tt.text {
			if !strings.Contains(tt.r.Text, w) {
				t.Fatalf("%s digest missing %q:\n%s", tt.name, w, tt.r.Text)
			}
		}
	}

	u := storage.User{}
	if n := actionCount(RenderBills(u, bills)); n != 3 {
		t.Fatalf("bills screen actions = %d, want 3", n)
	}
	if d := RenderChores(u, chores, 10).Keyboard[0][0].Data; d != "ch:done:5" {
		t.Fatalf("chores screen first action = %q, want soonest chore", d)
	}
	if n := actionCount(RenderCareChecklist(u, care)); n != 2 {
		t.Fatalf("care checklist actions = %d, want 2", n)
	}
}

func TestRenderCallbackData(t *testing.T) {
	t.Parallel()
	all := []Rendered{
		RenderCustom(storage.CustomReminder{ID: 12345, Title: "x"}, "2024-03-06"),
		RenderMedication(storage.Medication{Name: "Vitamin D", DoseText: "1 tab"}, storage.MedLog{ID: 999999, PlannedTime: "09:00"}),
		RenderWellness(storage.Water, "2024-03-06", "pushy"),
		RenderBillsDigest([]BillDue{{Bill: storage.Bill{ID: 3, Title: "Rent", Amount: 100}, DueDate: "2024-03-10"}}),
		RenderChorePlan([]storage.RegularTask{{ID: 4, Title: "Vacuum", Zone: "floor", NextDueDate: "2024-03-08"}}, 10),
		RenderCare([]CareItem{{Mark: storage.MarkCareDentist, Title: "Dentist"}}),
		RenderBills(storage.User{}, []BillDue{{Bill: storage.Bill{ID: 3, Title: "Rent", Amount: 100}, DueDate: "2024-03-10"}}),
		RenderChores(storage.User{ADHDMode: true}, []storage.RegularTask{{ID: 4, Title: "Vacuum", Zone: "floor"}}, 10),
		RenderCareChecklist(storage.User{}, []CareItem{{Mark: storage.MarkCareFirstAid, Title: "First aid"}}),
		RenderWeightPrompt(),
		RenderFocusCheckin(storage.FocusSession{ID: 77, TaskTitle: "Write"}),
		RenderFocusEnd(storage.FocusSession{ID: 77, TaskTitle: "Write"}),
		RenderRound(true, 25, 5),
		RenderRound(false, 25, 5),
		RenderMorningPlan(storage.DayPlan{Date: "2024-03-06", Items: []storage.DayPlanItem{{ID: 1, Title: "Call"}}}),
		RenderPlanScreen(storage.User{}, storage.DayPlan{Date: "2024-03-06", Items: []storage.DayPlanItem{{ID: 987654, Title: "Call"}}}),
		RenderPlanPrompt("2024-03-07"),
		RenderAffirmation("You matter."),
	}
	for _, r := range all {
		if r.Text == "" {
			t.Fatalf("empty text")
		}
		for _, row := range r.Keyboard {
			for _, b := range row {
				if b.Data == "" {
					continue
				}
				if len(b.Data) > tgui.MaxCallbackDataLen {
					t.Fatalf("callback data too long: %q", b.Data)
				}
				if _, _, _, err := tgui.Parse(b.Data); err != nil {
					t.Fatalf("unparseable data %q: %v", b.Data, err)
				}
			}
		}
	}
}

func TestRenderWellnessTone(t *testing.T) {
	t.Parallel()
	soft := RenderWellness(storage.Meal, "2024-03-06", "soft")
	unknown := RenderWellness(storage.Meal, "2024-03-06", "shouty")
	neutral := RenderWellness(storage.Meal, "2024-03-06", "neutral")
	if soft.Text == neutral.Text || unknown.Text != neutral.Text {
		t.Fatalf("tone selection wrong: %q %q %q", soft.Text, unknown.Text, neutral.Text)
	}
	if d := neutral.Keyboard[0][0].Data; d != "wl:meal:2024-03-06:yes" {
		t.Fatalf("yes data = %q", d)
	}
}

func TestRenderFinance(t *testing.T) {
	t.Parallel()
	got := RenderFinance(FinanceSummary{
		Week:       map[string]float64{"food": 30, "taxi": 12.5},
		MonthSpent: map[string]float64{"food": 130, "taxi": 12.5},
		Budget:     storage.Budget{LimitTotal: 100, Categories: map[string]float64{"food": 100}},
	})
	for _, want := range []string{"42.50", "142.50 of 100.00", "Monthly budget exceeded", "food: 30.00 over"} {
		if !strings.Contains(got.Text, want) {
			t.Fatalf("finance text missing %q:\n%s", want, got.Text)
		}
	}
}

type fakeSender struct {
	err  error
	sent []string
}

func (f *fakeSender) Send(_ context.Context, chatID int64, text string, _ kit.Keyboard) (kit.MessageRef, error) {
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: chatID, MessageID: len(f.sent)}, nil
}

type fakePauser struct{ until map[int64]string }

func (f *fakePauser) SetPause(_ context.Context, userID int64, until string) error {
	f.until[userID] = until
	return nil
}

func TestDeliverForbiddenPauses(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		err       error
		wantUntil string
	}{
		{name: "blocked", err: fmt.Errorf("%w: blocked", kit.ErrForbidden), wantUntil: "2024-03-13"},
		{name: "bot peer", err: fmt.Errorf("%w: %w", kit.ErrForbidden, kit.ErrPeerIsBot), wantUntil: storage.NeverDate},
		{name: "transient", err: errors.New("timeout"), wantUntil: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bus := eventbus.New()
			events, unsub := bus.Subscribe(4)
			defer unsub()
			p := &fakePauser{until: map[int64]string{}}
			d := New(&fakeSender{err: tt.err}, p, clockwork.NewFakeClockAt(now), logx.Nop(), bus, Config{})

			_, err := d.Deliver(context.Background(), storage.User{ID: 5, TelegramID: 500, Timezone: "UTC"}, recurrence.KindRoutine, Rendered{Text: "hi"})
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want wrapping %v", err, tt.err)
			}
			if got := p.until[5]; got != tt.wantUntil {
				t.Fatalf("pause until = %q, want %q", got, tt.wantUntil)
			}
			e := <-events
			wantType := eventbus.DeliveryFailed
			if tt.wantUntil != "" {
				wantType = eventbus.DeliveryPaused
			}
			if e.Type != wantType {
				t.Fatalf("event = %q, want %q", e.Type, wantType)
			}
		})
	}
}

func TestDeliverSuccessAndEmpty(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d := New(s, &fakePauser{until: map[int64]string{}}, nil, logx.Nop(), nil, Config{})
	u := storage.User{ID: 1, TelegramID: 100}
	if _, err := d.Deliver(context.Background(), u, recurrence.KindCustom, Rendered{Text: "  "}); !errors.Is(err, ErrEmpty) {
		t.Fatalf("empty message err = %v", err)
	}
	ref, err := d.Deliver(context.Background(), u, recurrence.KindCustom, Rendered{Text: "hello"})
	if err != nil || ref.ChatID != 100 || len(s.sent) != 1 {
		t.Fatalf("Deliver = %+v, %v (sent %v)", ref, err, s.sent)
	}
}

func TestRenderPlans(t *testing.T) {
	t.Parallel()
	plan := storage.DayPlan{Date: "2024-03-06", Items: []storage.DayPlanItem{
		{ID: 2, Title: "Call the bank", Important: true},
		{ID: 3, Title: "Buy <milk>"},
	}}
	m := RenderMorningPlan(plan)
	if !strings.Contains(m.Text, "• ❗ Call the bank") || !strings.Contains(m.Text, "• Buy &lt;milk&gt;") {
		t.Fatalf("morning text = %q", m.Text)
	}
	if actionCount(m) != 2 || m.Keyboard[0][0].Data != "dp:ok:2024-03-06" || m.Keyboard[1][0].Data != "dp:edit:2024-03-06" {
		t.Fatalf("morning keyboard = %+v", m.Keyboard)
	}

	screen := RenderPlanScreen(storage.User{}, plan)
	if actionCount(screen) != 2 || screen.Keyboard[1][0].Data != "dp:del:2024-03-06:3" {
		t.Fatalf("plan screen keyboard = %+v", screen.Keyboard)
	}
	empty := RenderPlanScreen(storage.User{}, storage.DayPlan{Date: "2024-03-07"})
	if len(empty.Keyboard) != 0 || !strings.Contains(empty.Text, "Nothing planned yet.") {
		t.Fatalf("empty plan screen = %+v", empty)
	}

	prompt := RenderPlanPrompt("2024-03-07")
	if actionCount(prompt) != 1 || prompt.Keyboard[0][0].Data != "dp:plan:2024-03-07" {
		t.Fatalf("prompt keyboard = %+v", prompt.Keyboard)
	}
}

func TestPickAffirmation(t *testing.T) {
	t.Parallel()
	a := PickAffirmation([]string{"calm"}, "affirm:2024-03-06:9")
	if a != PickAffirmation([]string{"calm"}, "affirm:2024-03-06:9") {
		t.Fatalf("same seed picked different lines")
	}
	found := false
	for _, line := range affirmations["calm"] {
		found = found || line == a
	}
	if !found {
		t.Fatalf("%q is not a calm affirmation", a)
	}
	if PickAffirmation([]string{"unknown"}, "x") == "" {
		t.Fatalf("unknown category gave no fallback")
	}
	r := RenderAffirmation(a)
	if actionCount(r) != 2 || r.Keyboard[0][0].Data != "af:more" || r.Keyboard[0][1].Data != "af:thanks" {
		t.Fatalf("affirmation keyboard = %+v", r.Keyboard)
	}
}
