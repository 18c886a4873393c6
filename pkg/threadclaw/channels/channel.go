// Package channels defines the transport contract between threadclaw and the
// chat platforms it listens on. Each platform adapter (Slack, Discord, the
// local console) implements Transport so the relay only ever talks to the
// four operations it needs: fetch a thread, post into it, and add or remove a
// reaction on the triggering message.
package channels

import (
	"context"
	"errors"
	"time"
)

// AuthorKind tells who wrote a message in a thread.
type AuthorKind int

const (
	// AuthorHuman is any message not written by a bot.
	AuthorHuman AuthorKind = iota

	// AuthorAssistant is a message carrying the platform's bot marker.
	AuthorAssistant
)

// String returns the transcript role label for the author.
func (k AuthorKind) String() string {
	if k == AuthorAssistant {
		return "Assistant"
	}
	return "User"
}

// Message is one chat message inside a thread.
type Message struct {
	// Text is the UTF-8 body of the message.
	Text string

	// Author is derived from the platform's bot identity marker.
	Author AuthorKind

	// Marker is the numeric-comparable ordering marker of the message
	// (Slack ts, Discord snowflake). It doubles as the message identifier.
	Marker string

	// User is the platform user id of the sender, when known.
	User string
}

// Mention is an inbound event addressed to a bot.
type Mention struct {
	// Bot is the configured bot identity that received the mention.
	Bot string

	// Channel is the platform channel (or conversation) identifier.
	Channel string

	// ThreadID is the thread the mention belongs to. Empty when the mention
	// was posted outside a thread.
	ThreadID string

	// Marker is the mention's own ordering marker.
	Marker string

	// User is the sender's platform user id.
	User string

	// Text is the raw mention text.
	Text string

	// Received is when the adapter saw the event.
	Received time.Time
}

// Thread returns the thread key for the mention. An unthreaded mention starts
// its own thread keyed by its own marker.
func (m Mention) Thread() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return m.Marker
}

// Transport is the interface every chat platform adapter implements.
type Transport interface {
	// Name returns the adapter identifier (e.g. "slack", "discord").
	Name() string

	// Connect establishes the event connection to the platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Mentions returns a Go channel that emits inbound mentions.
	Mentions() <-chan Mention

	// FetchThread returns the full thread transcript in ascending order.
	FetchThread(ctx context.Context, channel, threadID string) ([]Message, error)

	// Post sends text into the given thread.
	Post(ctx context.Context, channel, threadID, text string) error

	// AddReaction adds a named reaction to a message.
	AddReaction(ctx context.Context, channel, messageID, name string) error

	// RemoveReaction removes a named reaction previously added by the bot.
	RemoveReaction(ctx context.Context, channel, messageID, name string) error
}

// HealthStatus represents the health state of a transport.
type HealthStatus struct {
	Connected     bool      `json:"connected"`
	LastMessageAt time.Time `json:"last_message_at"`
	ErrorCount    int       `json:"error_count"`
}

// HealthReporter is implemented by transports that expose health details.
type HealthReporter interface {
	Health() HealthStatus
}

// Errors.
var (
	ErrDisconnected   = errors.New("transport is not connected")
	ErrMissingToken   = errors.New("transport token is missing")
	ErrUnknownChannel = errors.New("unknown channel")
)
