// Package bot is the conversational layer. It routes Telegram updates to
// command handlers, button callbacks and multi-step dialogs on a bounded
// worker pool.
package bot

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"carebot/internal/actions"
	"carebot/internal/eventbus"
	"carebot/internal/focus"
	rtsup "carebot/internal/runtime/supervisor"
	"carebot/internal/storage"
	kit "carebot/internal/transport"
	logx "carebot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// CallbackFunc answers a button press. data is the full callback data.
type CallbackFunc func(ctx context.Context, req *Request, data string) (actions.Result, error)

type Request struct {
	Update    kit.Update
	ChatID    int64
	FromID    int64
	FromName  string
	MessageID int // message carrying the pressed button
	Command   string
	Args      []string
	ReqID     string
	Logger    logx.Logger

	// User is resolved by the worker before the handler runs.
	User storage.User
}

// Sender is the outbound side of the notifier.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, kb kit.Keyboard) (kit.MessageRef, error)
	Edit(ctx context.Context, ref kit.MessageRef, text string, kb kit.Keyboard) error
	Answer(ctx context.Context, callbackID, text string) error
}

type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Owners    []int64
	// DialogTTL drops a half-finished dialog that has been idle this long.
	DialogTTL time.Duration
	// GentleDays is the pause length of /gentle.
	GentleDays int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.DialogTTL <= 0 {
		c.DialogTTL = 30 * time.Minute
	}
	if c.GentleDays <= 0 {
		c.GentleDays = 3
	}
	return c
}

// Deps are the services the handlers drive.
type Deps struct {
	Store   *storage.DB
	Send    Sender
	Actions *actions.Handler
	Focus   *focus.Machine
	Clock   clockwork.Clock
	Bus     eventbus.Bus
	// Status renders the owner-only /status report. Optional.
	Status func(ctx context.Context) string
}

type Bot struct {
	store   *storage.DB
	send    Sender
	actions *actions.Handler
	focus   *focus.Machine
	clock   clockwork.Clock
	bus     eventbus.Bus
	status  func(ctx context.Context) string
	log     logx.Logger

	mu        sync.RWMutex
	cfg       Config
	commands  map[string]*Command // name and aliases
	ordered   []Command
	callbacks map[string]CallbackFunc // callback prefix

	ensured sync.Map // user id -> struct{}

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(d Deps, log logx.Logger, cfg Config) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	b := &Bot{
		store:   d.Store,
		send:    d.Send,
		actions: d.Actions,
		focus:   d.Focus,
		clock:   d.Clock,
		bus:     d.Bus,
		status:  d.Status,
		log:     log.With(logx.String("comp", "bot")),
		cfg:     cfg,
		jobs:    make(chan func(), cfg.QueueSize),
	}
	b.setRegistry(b.commandList(), b.callbackRoutes())
	return b
}

// Apply swaps owners, timeouts and dialog settings. Worker count and queue
// size apply on the next start.
func (b *Bot) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	cfg.Owners = append([]int64(nil), cfg.Owners...)
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

func (b *Bot) config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *Bot) setRegistry(cmds []Command, cbs map[string]CallbackFunc) {
	byName := map[string]*Command{}
	for i := range cmds {
		c := &cmds[i]
		if c.Name == "" || c.Handle == nil {
			continue
		}
		byName[c.Name] = c
		for _, a := range c.Aliases {
			if a = strings.TrimSpace(a); a != "" {
				if _, exists := byName[a]; !exists {
					byName[a] = c
				}
			}
		}
	}
	b.mu.Lock()
	b.commands = byName
	b.ordered = cmds
	b.callbacks = cbs
	b.mu.Unlock()
}

// Commands returns the registered commands in menu order.
func (b *Bot) Commands() []Command {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Command(nil), b.ordered...)
}

// MenuCommands lists the public commands for the Telegram menu.
func (b *Bot) MenuCommands() []kit.BotCommand {
	var out []kit.BotCommand
	for _, c := range b.Commands() {
		if c.Access == AccessOwnerOnly {
			continue
		}
		if name := sanitizeCommand(c.Name); name != "" {
			out = append(out, kit.BotCommand{Command: name, Description: c.Description})
		}
	}
	return out
}

// Supervisor returns the worker supervisor, or nil when not running.
func (b *Bot) Supervisor() *rtsup.Supervisor {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.running {
		return nil
	}
	return b.sup
}

func (b *Bot) setSupervisor(sup *rtsup.Supervisor, running bool) {
	b.runMu.Lock()
	b.sup = sup
	b.running = running
	b.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (b *Bot) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case b.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx ends or updates is closed. It
// can run once per Bot.
func (b *Bot) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := b.config().Workers

	sup := rtsup.New(ctx,
		rtsup.WithLogger(b.log.With(logx.String("comp", "bot.router"))),
		rtsup.WithCancelOnError(false),
	)
	b.setSupervisor(sup, true)
	b.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(b.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			// Mark as not running before closing so enqueue can degrade gracefully.
			b.setSupervisor(sup, false)
			close(b.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("bot.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-b.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								b.log.Error("panic in bot job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithBackoff(200*time.Millisecond, 5*time.Second), rtsup.WithPublishError(true))
	}

	defer func() {
		closeJobs()
		// Wait briefly for workers to drain.
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		b.setSupervisor(nil, false)
		b.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			b.route(ctx, up)
		}
	}
}

func (b *Bot) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		b.routeMessage(ctx, up)
	case kit.UpdateCallback:
		b.routeCallback(ctx, up)
	}
}

func (b *Bot) newRequest(up kit.Update, chatID, fromID int64, fromName, cmd string) *Request {
	rid := newReqID()
	return &Request{
		Update:   up,
		ChatID:   chatID,
		FromID:   fromID,
		FromName: fromName,
		Command:  cmd,
		ReqID:    rid,
		Logger: b.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chatID),
			logx.Int64("from_id", fromID),
			logx.String("cmd", cmd),
		),
	}
}

func (b *Bot) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil || msg.IsGroup {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	cfg := b.config()

	if !strings.HasPrefix(text, "/") {
		req := b.newRequest(up, msg.ChatID, msg.FromID, msg.FromName, "dialog")
		req.Args = []string{text}
		final := Chain(b.continueDialog, MWPanicRecover(b.log), MWRequestLog(b.log), MWTimeout(cfg.Timeout), b.mwUser(false))
		if !b.tryEnqueue(func() { b.reportErr(ctx, req, final(ctx, req)) }) {
			b.reply(ctx, msg.ChatID, "Busy, try again in a moment.")
		}
		return
	}

	parts := tokenize(text)
	if len(parts) == 0 {
		return
	}
	word := commandWord(parts[0])
	b.mu.RLock()
	cmd, ok := b.commands[word]
	b.mu.RUnlock()
	if !ok {
		b.reply(ctx, msg.ChatID, "Unknown command. Try /help")
		return
	}
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, cfg.Owners) {
		b.reply(ctx, msg.ChatID, "unauthorized")
		return
	}

	req := b.newRequest(up, msg.ChatID, msg.FromID, msg.FromName, cmd.Name)
	req.Args = parts[1:]
	timeout := cfg.Timeout
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}
	final := Chain(cmd.Handle, MWPanicRecover(b.log), MWRequestLog(b.log), MWTimeout(timeout), b.mwUser(true))
	if !b.tryEnqueue(func() { b.reportErr(ctx, req, final(ctx, req)) }) {
		b.reply(ctx, msg.ChatID, "Busy, try again in a moment.")
	}
}

func (b *Bot) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	data := strings.TrimSpace(cb.Data)
	prefix, _, _ := strings.Cut(data, ":")

	b.mu.RLock()
	handle, ok := b.callbacks[prefix]
	b.mu.RUnlock()
	if !ok {
		_ = b.send.Answer(ctx, cb.ID, "")
		return
	}

	req := b.newRequest(up, cb.ChatID, cb.FromID, cb.FromName, "cb:"+prefix)
	req.MessageID = cb.MessageID
	var res actions.Result
	h := func(ctx context.Context, r *Request) error {
		var err error
		res, err = handle(ctx, r, data)
		return err
	}
	final := Chain(h, MWPanicRecover(b.log), MWRequestLog(b.log), MWTimeout(b.config().Timeout), b.mwUser(false))

	if !b.tryEnqueue(func() {
		if err := final(ctx, req); err != nil {
			res = actions.Result{Toast: userMessage(err)}
		}
		if res.Edit != nil {
			ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
			if err := b.send.Edit(ctx, ref, res.Edit.Text, res.Edit.Keyboard); err != nil {
				req.Logger.Debug("edit after callback failed", logx.Err(err))
			}
		}
		// Always answer so the client stops its spinner.
		_ = b.send.Answer(ctx, cb.ID, res.Toast)
	}) {
		_ = b.send.Answer(ctx, cb.ID, "Busy, try again.")
	}
}

// mwUser loads or creates the sender's profile. A new dialog-starting
// command abandons any half-finished dialog when clearDialog is set.
func (b *Bot) mwUser(clearDialog bool) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			u, err := b.store.GetOrCreateUser(ctx, req.FromID, req.FromName)
			if err != nil {
				return err
			}
			if _, done := b.ensured.Load(u.ID); !done {
				if err := b.store.EnsureUserRoutines(ctx, u.ID); err != nil {
					return err
				}
				b.ensured.Store(u.ID, struct{}{})
			}
			req.User = u
			req.Logger = req.Logger.With(logx.Int64("user_id", u.ID))
			if clearDialog {
				if err := b.store.ClearConversation(ctx, u.ID); err != nil {
					return err
				}
			}
			return next(ctx, req)
		}
	}
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	b.replyKB(ctx, chatID, text, nil)
}

func (b *Bot) replyKB(ctx context.Context, chatID int64, text string, kb kit.Keyboard) {
	if _, err := b.send.Send(ctx, chatID, text, kb); err != nil {
		b.log.Debug("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// reportErr tells the user a command failed. The error itself was logged
// by MWRequestLog.
func (b *Bot) reportErr(ctx context.Context, req *Request, err error) {
	if err == nil {
		return
	}
	b.reply(ctx, req.ChatID, userMessage(err))
}

// usageError is shown to the user verbatim.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usage(msg string) error { return &usageError{msg: msg} }

func userMessage(err error) string {
	var ue *usageError
	var cd *focus.CooldownError
	switch {
	case errors.As(err, &ue):
		return ue.msg
	case errors.As(err, &cd):
		return "Focus is cooling down until " + cd.Until.UTC().Format("15:04") + " UTC. Rest a bit first."
	case errors.Is(err, focus.ErrActiveSession):
		return "A focus session is already running."
	case errors.Is(err, focus.ErrDuration):
		return "That length does not work, pick 5 to 180 minutes."
	case errors.Is(err, focus.ErrClosed):
		return "That session is already closed."
	case errors.Is(err, actions.ErrBadData), errors.Is(err, focus.ErrResult):
		return "This button is outdated."
	case errors.Is(err, storage.ErrNotFound):
		return "Not found, it may have been removed."
	case errors.Is(err, storage.ErrInvalid):
		return "That does not look right: " + strings.TrimPrefix(err.Error(), "storage: invalid argument: ")
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long, please try again."
	}
	return "Something went wrong, please try again later."
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
