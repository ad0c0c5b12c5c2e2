// Package transport is the platform-neutral chat boundary. The core
// only ever sees Updates coming in and the Sender surface going out;
// everything Telegram-specific stays inside the adapter packages.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound interaction: a typed message or a pressed
// inline button.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// ChatID returns the chat the update belongs to, whatever its kind.
func (u Update) ChatID() int64 {
	switch u.Kind {
	case UpdateMessage:
		if u.Message != nil {
			return u.Message.ChatID
		}
	case UpdateCallback:
		if u.Callback != nil {
			return u.Callback.ChatID
		}
	}
	return 0
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is one inline keyboard button. Label is what the user sees,
// Data is what comes back in the callback.
type Button struct {
	Label string
	Data  string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Buttons renders an inline keyboard, one row per inner slice.
	Buttons [][]Button
}

// Sender is the outbound half of a transport. Components that only
// push text to chats (dialogue, failure notices, reminders) take a
// Sender instead of the full Adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// Adapter is a complete transport: it feeds inbound updates into out
// until the context is canceled, and serves the Sender surface.
type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
