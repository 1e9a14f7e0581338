package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "carebot/internal/transport"
	logx "carebot/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	sendErr []error
	editErr error
	sent    []string
	edits   int
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, chatID int64, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErr) > 0 {
		err := f.sendErr[0]
		f.sendErr = f.sendErr[1:]
		if err != nil {
			return kit.MessageRef{}, err
		}
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: chatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits++
	return f.editErr
}

func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestService(ad kit.Adapter, cfg Config) *Service {
	s := New(cfg, ad, logx.Nop(), nil)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestSendRetriesRetryable(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{sendErr: []error{kit.ErrRetryable, kit.ErrRetryable}}
	s := newTestService(ad, Config{RetryMax: 3, RatePerSec: 1000})

	ref, err := s.Send(context.Background(), 7, "hi", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ref.MessageID != 1 || len(ad.sentTexts()) != 1 {
		t.Fatalf("ref = %+v sent = %v", ref, ad.sentTexts())
	}
}

func TestSendDoesNotRetryForbidden(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{sendErr: []error{kit.ErrForbidden, nil}}
	s := newTestService(ad, Config{RetryMax: 3, RatePerSec: 1000})

	_, err := s.Send(context.Background(), 7, "hi", nil)
	if !errors.Is(err, kit.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
	if len(ad.sentTexts()) != 0 {
		t.Fatalf("forbidden send was retried")
	}
}

func TestEditSemantics(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		editErr  error
		wantErr  bool
		wantSent int
	}{
		{name: "ok", editErr: nil},
		{name: "not modified", editErr: kit.ErrNotModified},
		{name: "cannot edit falls back", editErr: kit.ErrCannotEdit, wantSent: 1},
		{name: "other error", editErr: errors.New("boom"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ad := &fakeAdapter{editErr: tt.editErr}
			s := newTestService(ad, Config{RatePerSec: 1000})
			err := s.Edit(context.Background(), kit.MessageRef{ChatID: 1, MessageID: 2}, "x", nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := len(ad.sentTexts()); got != tt.wantSent {
				t.Fatalf("sent = %d, want %d", got, tt.wantSent)
			}
		})
	}
}

func TestQueueDeliversAndDedups(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := newTestService(ad, Config{RatePerSec: 1000, DedupWindow: time.Minute})
	if err := s.Enqueue(context.Background(), 1, "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue before Start = %v, want ErrStopped", err)
	}

	s.Start(context.Background())
	for i := 0; i < 3; i++ {
		if err := s.SendAlert(context.Background(), 1, "[ERROR] db down"); err != nil {
			t.Fatalf("SendAlert: %v", err)
		}
	}
	if err := s.Enqueue(context.Background(), 1, "other"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := ad.sentTexts(); len(got) != 2 {
		t.Fatalf("sent = %v, want 2 messages", got)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
}
