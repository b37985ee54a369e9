package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/torisedigital/td-relay/pkg/relay/record"
	"github.com/torisedigital/td-relay/pkg/relay/session"
)

// ReportHandler ingests ad-hoc call reports posted by external telephony
// flows that never went through a relay session. The payload is loose: field
// aliases and a missing event list are tolerated, and the entry is
// normalized into the same storage shape as a recorded session.
type ReportHandler struct {
	Logger  *slog.Logger
	Storage record.Storage
	Timeout time.Duration
	Now     func() time.Time
}

type reportEntry struct {
	CallSID       string `json:"call_sid"`
	SessionID     string `json:"sessionId"`
	From          string `json:"from"`
	CallingNumber string `json:"calling_number"`
	To            string `json:"to"`
	IVRNumber     string `json:"ivr_number"`

	Duration     float64    `json:"duration"`
	Answered     *bool      `json:"answered"`
	AttemptedAt  *time.Time `json:"attempted_at"`
	TerminatedAt *time.Time `json:"terminated_at"`

	Message  string `json:"message"`
	Response struct {
		Reply string `json:"reply"`
	} `json:"response"`
	Events []record.Event `json:"events"`
}

func (h ReportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := h.Now
	if now == nil {
		now = time.Now
	}

	var entry reportEntry
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&entry); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Failed to make report entry", err.Error())
		return
	}

	rec := normalizeReport(entry, now())

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	conversationID, err := h.Storage.SaveConversation(ctx, rec)
	if err != nil {
		logger.Error("report entry save failed", "session_id", rec.SessionID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to make report entry", err.Error())
		return
	}

	logger.Info("report entry saved", "session_id", rec.SessionID, "conversation_id", conversationID)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"conversation_id": conversationID})
}

func normalizeReport(entry reportEntry, now time.Time) record.ConversationRecord {
	sessionID := strings.TrimSpace(entry.CallSID)
	if sessionID == "" {
		sessionID = strings.TrimSpace(entry.SessionID)
	}

	from := firstNonEmpty(entry.From, entry.CallingNumber)
	to := firstNonEmpty(entry.To, entry.IVRNumber)

	startedAt := now
	if entry.AttemptedAt != nil {
		startedAt = *entry.AttemptedAt
	}
	endedAt := now
	if entry.TerminatedAt != nil {
		endedAt = *entry.TerminatedAt
	}

	events := entry.Events
	if len(events) == 0 {
		message := entry.Message
		if message == "" {
			message = "Call received"
		}
		events = []record.Event{{Type: record.EventUserInput, Content: message, Timestamp: startedAt}}
		if entry.Response.Reply != "" {
			events = append(events, record.Event{
				Type:      record.EventAgentResponse,
				Content:   entry.Response.Reply,
				Timestamp: startedAt.Add(time.Second),
			})
		}
	}

	answered := true
	if entry.Answered != nil {
		answered = *entry.Answered
	}

	details := map[string]string{}
	if from != "" {
		details["from"] = from
	}
	if to != "" {
		details["to"] = to
	}

	return record.ConversationRecord{
		SessionID:          sessionID,
		Channel:            string(session.ChannelVoice),
		ParticipantDetails: details,
		Events:             events,
		Duration:           record.FormatDuration(int(entry.Duration)),
		Answered:           answered,
		StartedAt:          startedAt,
		EndedAt:            endedAt,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "details": details})
}
