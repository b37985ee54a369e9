package record

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/torisedigital/td-relay/pkg/relay/session"
)

// Recorder saves the record of each closed session exactly once and, when
// storage returns an identifier, requests a summary in the background and
// attaches it. Summary failures are logged and otherwise ignored.
type Recorder struct {
	Logger     *slog.Logger
	Storage    Storage
	Summarizer Summarizer

	SaveTimeout    time.Duration
	SummaryTimeout time.Duration

	// notifies tests when the summary goroutine finishes.
	summaryDone func()
}

func (r *Recorder) Record(snap session.Snapshot) {
	logger := r.logger().With("session_id", snap.ID, "channel", string(snap.Channel))

	rec := Build(snap)
	ctx, cancel := context.WithTimeout(context.Background(), r.saveTimeout())
	defer cancel()

	conversationID, err := r.Storage.SaveConversation(ctx, rec)
	if err != nil {
		logger.Error("conversation save failed", "error", err)
		return
	}
	logger.Info("conversation saved", "conversation_id", conversationID, "events", len(rec.Events))

	if r.Summarizer == nil || strings.TrimSpace(conversationID) == "" {
		return
	}
	go r.summarize(logger, conversationID, snap.Log)
}

func (r *Recorder) summarize(logger *slog.Logger, conversationID string, log []session.Message) {
	if r.summaryDone != nil {
		defer r.summaryDone()
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.summaryTimeout())
	defer cancel()

	summary, err := r.Summarizer.Summarize(ctx, log)
	if err != nil {
		logger.Error("summary generation failed", "error", err)
		return
	}
	if strings.TrimSpace(summary) == "" {
		return
	}
	if err := r.Storage.UpdateSummary(ctx, conversationID, summary); err != nil {
		logger.Error("summary update failed", "error", err)
		return
	}
	logger.Info("summary attached", "conversation_id", conversationID)
}

func (r *Recorder) saveTimeout() time.Duration {
	if r.SaveTimeout > 0 {
		return r.SaveTimeout
	}
	return 10 * time.Second
}

func (r *Recorder) summaryTimeout() time.Duration {
	if r.SummaryTimeout > 0 {
		return r.SummaryTimeout
	}
	return 30 * time.Second
}

func (r *Recorder) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
