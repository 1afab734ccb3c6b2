// ABOUTME: Common message shape and adapter contract for chat channels
// ABOUTME: Adapters normalize provider events into Message and accept outbound replies

package channel

import (
	"context"
	"errors"
	"time"
)

// Adapter errors
var (
	// ErrChannelAuth means credentials or a login session are missing or
	// revoked. The caller must trigger a re-login; the manager will not
	// retry the connection automatically.
	ErrChannelAuth = errors.New("channel credentials invalid or expired")

	// ErrDisconnected signals a transport drop. The manager reconnects
	// with exponential backoff unless the adapter was stopped.
	ErrDisconnected = errors.New("channel disconnected")

	// ErrDeliveryFailed means a reply could not be sent after retries.
	// Replies are at-most-once: the router logs and drops, never resends.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Type identifies a messaging provider.
type Type string

// Supported channel types.
const (
	TypeWhatsApp Type = "whatsapp"
	TypeTelegram Type = "telegram"
	TypeDiscord  Type = "discord"
	TypeSlack    Type = "slack"
	TypeSignal   Type = "signal"
	TypeWebChat  Type = "webchat"
)

// Direction indicates message flow relative to the gateway.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Message is the normalized shape every adapter produces and consumes.
// A Message is immutable once created; the router constructs a fresh
// Message with DirectionOut for replies.
type Message struct {
	ID             string
	Channel        Type
	ConversationID string
	SenderID       string
	Text           string
	Direction      Direction
	Timestamp      time.Time
}

// Conversation identifies a routable destination within a channel.
type Conversation struct {
	Channel        Type
	ConversationID string
	IsDirect       bool
}

// Key returns the registry key for this conversation.
func (c Conversation) Key() string {
	return string(c.Channel) + ":" + c.ConversationID
}

// Event is an inbound item from an adapter's receive stream. Exactly one
// of Message or Err is set: Err carries transport signals (ErrDisconnected,
// ErrChannelAuth) that the manager handles, never individual send failures.
type Event struct {
	Message  *Message
	IsDirect bool
	Err      error
}

// Adapter is implemented once per channel type. Variants are selected at
// startup from config; there is no inheritance hierarchy, just this
// capability set.
type Adapter interface {
	// Type returns the channel type this adapter serves.
	Type() Type

	// Connect establishes the channel transport. Returns ErrChannelAuth
	// if credentials are missing or revoked.
	Connect(ctx context.Context) error

	// Receive returns the adapter's inbound event stream. The stream is
	// lazy, infinite and non-restartable: it stays open for the life of
	// the connection and emits an Event with Err set on transport drop.
	Receive() <-chan Event

	// Send delivers a single reply attempt. Retries and DeliveryFailed
	// classification live in the Manager, not here.
	Send(ctx context.Context, conversationID, text string) error

	// Close stops the adapter and releases its transport.
	Close(ctx context.Context) error
}
