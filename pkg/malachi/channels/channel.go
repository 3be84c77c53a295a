// Package channels defines the interfaces and types for Malachi communication
// channels. Each channel (Discord, Telegram, WhatsApp) implements the Channel
// interface to receive and send messages in a unified way.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Platform tags for the supported channels.
const (
	PlatformDiscord  = "discord"
	PlatformTelegram = "telegram"
	PlatformWhatsApp = "whatsapp"
)

// Channel defines the interface that every communication channel must implement.
type Channel interface {
	// Name returns the platform tag (e.g. "discord", "telegram").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection. Safe to call more than once.
	Disconnect() error

	// Send sends a message to the given chat/channel.
	Send(ctx context.Context, chatID string, msg *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// PresenceChannel extends Channel with a typing indicator shown while a
// reply is being generated.
type PresenceChannel interface {
	Channel

	// SendTyping sends a "typing..." indicator to the chat.
	SendTyping(ctx context.Context, chatID string) error
}

// IncomingMessage is the normalized message every adapter produces, exactly
// once per inbound platform event. Treated as immutable after construction.
type IncomingMessage struct {
	// ID is the unique message identifier within the source platform.
	ID string

	// Platform identifies the source channel (e.g. "discord").
	Platform string

	// ChatID is the conversation/channel identifier on the platform.
	ChatID string

	// From is the author identifier on the platform.
	From string

	// FromName is the author display name (if available).
	FromName string

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// ReplyTo contains the ID of the message being replied to, if any.
	ReplyTo string

	// Attachments references media attached to the message.
	Attachments []Attachment

	// IsDirect indicates a direct/private message (not a group or guild).
	IsDirect bool

	// IsMention indicates the bot was explicitly addressed.
	IsMention bool
}

// Attachment references a media item attached to an incoming message.
type Attachment struct {
	// URL is a direct download URL for the attachment.
	URL string

	// MimeType is the MIME type, when the platform reports one.
	MimeType string

	// Filename is the original filename (if available).
	Filename string

	// Size is the attachment size in bytes (0 if unknown).
	Size int64
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")
)
