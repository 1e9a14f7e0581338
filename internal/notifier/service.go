package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"carebot/internal/eventbus"
	rtsup "carebot/internal/runtime/supervisor"
	kit "carebot/internal/transport"
	logx "carebot/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrQueueFull = errors.New("notifier: queue full")
	ErrStopped   = errors.New("notifier: stopped")
	ErrNoAdapter = errors.New("notifier: no adapter")
)

type job struct {
	chatID int64
	text   string
}

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	adapter kit.Adapter
	log     logx.Logger
	bus     eventbus.Bus

	queue chan job
	sup   *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		dedup:   map[string]time.Time{},
		sleep:   sleepCtx,
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the config; a running queue keeps its size.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes do not block.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) snapshot() (Config, *rate.Limiter, kit.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter, s.adapter
}

// Send delivers text with an optional inline keyboard. HTML parse mode and
// disabled link previews are always on.
func (s *Service) Send(ctx context.Context, chatID int64, text string, kb kit.Keyboard) (kit.MessageRef, error) {
	var ref kit.MessageRef
	err := s.withRetry(ctx, func(cctx context.Context, ad kit.Adapter) error {
		var err error
		ref, err = ad.SendText(cctx, chatID, text, options(kb))
		return err
	})
	return ref, err
}

// Edit replaces the text and keyboard of a sent message. An unchanged edit
// is not an error. When the message can no longer be edited a new one is
// sent instead.
func (s *Service) Edit(ctx context.Context, ref kit.MessageRef, text string, kb kit.Keyboard) error {
	err := s.withRetry(ctx, func(cctx context.Context, ad kit.Adapter) error {
		return ad.EditText(cctx, ref, text, options(kb))
	})
	switch {
	case err == nil, errors.Is(err, kit.ErrNotModified):
		return nil
	case errors.Is(err, kit.ErrCannotEdit):
		s.log.Debug("edit fell back to send", logx.Int64("chat_id", ref.ChatID), logx.Int("message_id", ref.MessageID))
		_, err = s.Send(ctx, ref.ChatID, text, kb)
		return err
	default:
		return err
	}
}

// Answer acknowledges a button press.
func (s *Service) Answer(ctx context.Context, callbackID, text string) error {
	_, _, ad := s.snapshot()
	if ad == nil {
		return ErrNoAdapter
	}
	return ad.AnswerCallback(ctx, callbackID, text)
}

func options(kb kit.Keyboard) *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Keyboard: kb}
}

func (s *Service) withRetry(ctx context.Context, call func(context.Context, kit.Adapter) error) error {
	cfg, lim, ad := s.snapshot()
	if ad == nil {
		return ErrNoAdapter
	}
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := call(cctx, ad)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, kit.ErrRetryable) || attempt == attempts {
			break
		}
		s.log.Debug("send failed, retrying", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if err := s.sleep(ctx, retryDelay(cfg, attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

// SendAlert queues an operator alert. It implements logx.AlertSender.
func (s *Service) SendAlert(ctx context.Context, chatID int64, text string) error {
	return s.Enqueue(ctx, chatID, text)
}

// Enqueue schedules a plain text message on the async queue.
func (s *Service) Enqueue(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return ErrStopped
	}
	if w := s.cfg.DedupWindow; w > 0 && !s.dedupAllow(dedupKey(chatID, text), w) {
		return nil
	}
	// Stop closes the queue under s.mu, so this send cannot race it.
	select {
	case s.queue <- job{chatID: chatID, text: text}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the queue workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			return s.worker(c, q)
		}, rtsup.WithPublishError(true))
	}
}

// Stop drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	s.queue, s.sup = nil, nil
	if q != nil {
		close(q)
	}
	s.mu.Unlock()
	if q == nil {
		return nil
	}
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		return err
	}
	return nil
}

func (s *Service) worker(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			if _, err := s.Send(ctx, j.chatID, j.text, nil); err != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.DeliveryFailed, Data: eventbus.Delivery{Kind: "alert", Error: err.Error()}})
			}
		}
	}
}

func dedupKey(chatID int64, text string) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s", chatID, text)
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
