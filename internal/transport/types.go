package transport

import (
	"context"
	"io"
)

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateCallback    UpdateKind = "callback"
	UpdateChannelPost UpdateKind = "channel_post"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
	Post     *ChannelPost
}

// Message is a text message sent to the bot (operator commands).
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// ChannelPost is one message published in a channel. Albums arrive as one
// post per item sharing AlbumID.
type ChannelPost struct {
	ChatID       int64
	ChatUsername string
	MessageID    int
	AlbumID      string
	Kind         MediaKind
	FileID       string
	FileSize     int64
	FileName     string
	MIME         string
	Caption      string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Button is one inline keyboard button. Data is the callback payload.
type Button struct {
	Text string
	Data string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Keyboard rows of inline buttons, attached to the first chunk only.
	Keyboard [][]Button
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// Downloader streams a file referenced by a channel post.
type Downloader interface {
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// BotCommand is one entry of the bot command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
