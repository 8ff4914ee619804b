package transport

import (
	"context"
	"errors"
)

// ErrRecipientGone marks a permanent delivery failure: the recipient has
// blocked the bot or deleted their account. Senders must not retry it;
// the dispatch layer reacts by deactivating the subscriber.
var ErrRecipientGone = errors.New("recipient unreachable")

// IsRecipientGone reports whether err is a permanent "recipient unreachable"
// failure as opposed to a transient transport error.
func IsRecipientGone(err error) bool {
	return errors.Is(err, ErrRecipientGone)
}

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the outbound message transport plus the inbound update feed.
//
// SendText must be time-bounded by ctx and must surface permanent
// recipient failures via ErrRecipientGone so callers can classify them.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
