// Package record assembles the normalized conversation record of a closed
// session and hands it to the storage collaborator, then asks for a summary
// in the background.
package record

import (
	"context"
	"fmt"
	"time"

	"github.com/torisedigital/td-relay/pkg/relay/session"
)

type EventType string

const (
	EventUserInput     EventType = "user_input"
	EventAgentResponse EventType = "agent_response"
)

type Event struct {
	Type      EventType `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationRecord is the storage wire shape of one finished conversation.
type ConversationRecord struct {
	SessionID          string            `json:"session_id"`
	Channel            string            `json:"channel"`
	ParticipantDetails map[string]string `json:"participant_details,omitempty"`
	Events             []Event           `json:"events"`
	Duration           string            `json:"duration"`
	Answered           bool              `json:"answered"`
	StartedAt          time.Time         `json:"started_at"`
	EndedAt            time.Time         `json:"ended_at"`
}

// Storage persists conversation records and their summaries.
type Storage interface {
	SaveConversation(ctx context.Context, rec ConversationRecord) (conversationID string, err error)
	UpdateSummary(ctx context.Context, conversationID, summary string) error
}

// Summarizer produces a short prose summary of a finished conversation.
type Summarizer interface {
	Summarize(ctx context.Context, log []session.Message) (string, error)
}

// FormatDuration renders a duration in seconds the way reports display it:
// plain seconds under a minute, fractional minutes with two decimals above.
func FormatDuration(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%.2fm", float64(seconds)/60)
}

// Build maps a final session snapshot to its conversation record. The
// host-provided call duration wins over the wall-clock delta when present.
// Voice transports do not timestamp individual messages, so voice event
// times are synthesized at one-second increments from the session start.
func Build(snap session.Snapshot) ConversationRecord {
	seconds := int(snap.HostDurationSec)
	if snap.HostDurationSec <= 0 {
		seconds = int(snap.EndedAt.Sub(snap.StartedAt).Seconds())
	}

	events := make([]Event, 0, len(snap.Log))
	for i, msg := range snap.Log {
		typ := EventAgentResponse
		if msg.Role == session.RoleUser {
			typ = EventUserInput
		}
		ts := msg.Timestamp
		if snap.Channel == session.ChannelVoice {
			ts = snap.StartedAt.Add(time.Duration(i) * time.Second)
		}
		events = append(events, Event{Type: typ, Content: msg.Content, Timestamp: ts})
	}

	return ConversationRecord{
		SessionID:          snap.ID,
		Channel:            string(snap.Channel),
		ParticipantDetails: snap.Details,
		Events:             events,
		Duration:           FormatDuration(seconds),
		Answered:           snap.AnsweredAt != nil,
		StartedAt:          snap.StartedAt,
		EndedAt:            snap.EndedAt,
	}
}
