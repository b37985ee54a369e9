// Package session implements the per-session state machine at the heart of
// the relay. Each live connection owns one Machine: a single goroutine that
// consumes typed events from the transport adapter, drives the status
// transitions, relays finalized utterances to the bot webhook and assembles
// the conversation log handed to the recorder at close.
package session

import (
	"context"
	"time"

	"github.com/torisedigital/td-relay/pkg/relay/protocol"
)

type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelVoice Channel = "voice"
)

type Status string

const (
	StatusConnecting      Status = "connecting"
	StatusAwaitingDetails Status = "awaiting_details"
	StatusReady           Status = "ready"
	StatusStreamingReply  Status = "streaming_reply"
	StatusClosed          Status = "closed"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the append-only session log. Truncated marks an
// assistant reply cut short by a user interrupt; its content is exactly the
// part that was delivered before the interrupt took effect.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
	Truncated bool
}

// BotConfig is the resolved downstream configuration for a session.
type BotConfig struct {
	Name         string
	WebhookURL   string
	PromptFields []protocol.PromptField
}

// Snapshot is an immutable copy of session state, taken under lock. The
// recorder receives the final snapshot at close.
type Snapshot struct {
	ID              string
	Channel         Channel
	BotID           string
	BotName         string
	Details         map[string]string
	Log             []Message
	StartedAt       time.Time
	AnsweredAt      *time.Time
	EndedAt         time.Time
	HostDurationSec float64
	CloseReason     string
}

// Relay performs one webhook exchange for a finalized utterance and delivers
// the reply to the peer. It never returns an error: downstream failure
// degrades to a fallback sentence. The interrupted callback is polled during
// chunked delivery; content is what was actually delivered, truncated
// reports whether delivery was cut short.
type Relay interface {
	Exchange(ctx context.Context, webhookURL, sessionID, utterance string, interrupted func() bool) (content string, truncated bool)
}

// Recorder receives the final snapshot of a session whose log is non-empty.
type Recorder interface {
	Record(snap Snapshot)
}

// Sink is the minimal outbound surface every transport provides.
type Sink interface {
	SendError(message string) error
	Close(reason string)
}

// ChatSink is the outbound surface of the chat websocket transport.
type ChatSink interface {
	Sink
	SendWelcome(message string, fields []protocol.PromptField) error
	SendDetailsAck(message string) error
	SendReply(message string) error
	SendPong() error
	SendHeartbeat() error
}

// VoiceSink is the outbound surface of the voice host transport.
type VoiceSink interface {
	Sink
	Configure(minBargeInWords int) error
	Say(text string) error
}
