package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"carebot/internal/eventbus"
	logx "carebot/pkg/logx"
)

var (
	ErrOverlapSkip = errors.New("scheduler: previous run still executing")
	ErrNotFound    = errors.New("scheduler: no such job")
)

// Config controls the scheduler service.
type Config struct {
	Enabled        bool
	Timezone       string // IANA TZ used for cron specs; empty means UTC
	DefaultTimeout time.Duration
	HistorySize    int
}

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

type scheduleDef struct {
	id            string
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for @every schedules
	running       *atomic.Bool
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Run context; canceled by Stop so in-flight jobs see ctx.Done().
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem

	// Skip warnings are throttled per job name.
	skipMu       sync.Mutex
	lastSkipWarn map[string]time.Time
}

type ScheduleInfo struct {
	ID            string
	Name          string
	Spec          string
	Timeout       time.Duration
	StartupSpread time.Duration
	Running       bool
	Next          time.Time
	Prev          time.Time
}

// HistoryItem records one finished or skipped run.
type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Err      string
	Skipped  bool
	Panicked bool
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
	History   []HistoryItem
}
