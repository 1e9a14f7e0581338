package transport

import (
	"context"
	"errors"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID        string
	FromID    int64
	FromName  string
	ChatID    int64
	MessageID int
	Data      string
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is an inline keyboard button. Exactly one of Data or URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// Keyboard is a list of button rows.
type Keyboard [][]Button

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Keyboard       Keyboard
}

// Delivery errors classified by adapters.
var (
	// ErrForbidden: the peer blocked the bot or cannot be messaged.
	ErrForbidden = errors.New("transport: forbidden")
	// ErrPeerIsBot: the peer is another bot; a special case of ErrForbidden.
	ErrPeerIsBot = errors.New("transport: peer is a bot")
	// ErrNotModified: an edit carried identical content.
	ErrNotModified = errors.New("transport: message not modified")
	// ErrCannotEdit: the message is gone or too old to edit.
	ErrCannotEdit = errors.New("transport: message cannot be edited")
	// ErrRetryable marks rate limiting and upstream 5xx failures.
	ErrRetryable = errors.New("transport: retryable")
)

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, chatID int64, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a
// platform command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
