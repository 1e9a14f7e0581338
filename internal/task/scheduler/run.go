package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"carebot/internal/eventbus"
	logx "carebot/pkg/logx"
)

const skipWarnThrottle = 5 * time.Minute

// Trigger runs the named job now, synchronously, under the same overlap
// guard, timeout and recovery as a cron trigger.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	var (
		def   scheduleDef
		found bool
	)
	for _, d := range s.defs {
		if d.name == name {
			def, found = d, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s.run(def)
}

func (s *Service) run(d scheduleDef) (err error) {
	if !d.running.CompareAndSwap(false, true) {
		s.reportSkip(d.name)
		s.record(HistoryItem{Name: d.name, Started: time.Now(), Skipped: true})
		return ErrOverlapSkip
	}
	defer d.running.Store(false)

	s.mu.Lock()
	parent := s.runCtx
	timeout := d.timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	item := HistoryItem{Name: d.name, Started: start}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", d.name, r)
			item.Panicked = true
			s.log.Error("job panic", logx.String("job", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		item.Duration = time.Since(start)
		if err != nil {
			item.Err = err.Error()
			if !item.Panicked {
				s.log.Warn("job failed", logx.String("job", d.name), logx.Duration("took", item.Duration), logx.Err(err))
			}
		} else {
			s.log.Debug("job done", logx.String("job", d.name), logx.Duration("took", item.Duration))
		}
		s.record(item)
		s.bus.Publish(eventbus.Event{Type: eventbus.JobDone, Data: eventbus.JobRun{
			Name: d.name, Duration: item.Duration, Error: item.Err,
		}})
	}()

	return d.job(ctx)
}

func (s *Service) record(it HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, it)
	if over := len(s.history) - size; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

// reportSkip logs an overlap skip at most once per throttle window per job.
func (s *Service) reportSkip(name string) {
	now := time.Now()
	s.skipMu.Lock()
	last := s.lastSkipWarn[name]
	if !last.IsZero() && now.Sub(last) < skipWarnThrottle {
		s.skipMu.Unlock()
		s.log.Debug("job trigger skipped", logx.String("job", name))
		return
	}
	s.lastSkipWarn[name] = now
	s.skipMu.Unlock()
	s.log.Warn("job trigger skipped: previous run still executing", logx.String("job", name))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobDone, Data: eventbus.JobRun{Name: name, Skipped: true}})
}
