package record

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/torisedigital/td-relay/pkg/relay/session"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{0, "0s"},
		{45, "45s"},
		{59, "59s"},
		{60, "1.00m"},
		{125, "2.08m"},
		{3600, "60.00m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.seconds); got != tt.want {
			t.Fatalf("FormatDuration(%d)=%q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func baseSnapshot(channel session.Channel) session.Snapshot {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	answered := started.Add(5 * time.Second)
	return session.Snapshot{
		ID:         "s1",
		Channel:    channel,
		Details:    map[string]string{"name": "Ada"},
		StartedAt:  started,
		AnsweredAt: &answered,
		EndedAt:    started.Add(45 * time.Second),
		Log: []session.Message{
			{Role: session.RoleUser, Content: "hello", Timestamp: started.Add(5 * time.Second)},
			{Role: session.RoleAssistant, Content: "hi!", Timestamp: started.Add(7 * time.Second)},
		},
	}
}

func TestBuildChatRecord(t *testing.T) {
	snap := baseSnapshot(session.ChannelChat)
	rec := Build(snap)

	if rec.Duration != "45s" {
		t.Fatalf("duration=%q, want 45s", rec.Duration)
	}
	if !rec.Answered {
		t.Fatalf("answered=false, want true")
	}
	if len(rec.Events) != 2 {
		t.Fatalf("events=%d, want 2", len(rec.Events))
	}
	if rec.Events[0].Type != EventUserInput || rec.Events[1].Type != EventAgentResponse {
		t.Fatalf("event types=%v %v", rec.Events[0].Type, rec.Events[1].Type)
	}
	// Chat keeps actual receipt times.
	if !rec.Events[0].Timestamp.Equal(snap.Log[0].Timestamp) {
		t.Fatalf("event[0] timestamp=%v, want receipt time", rec.Events[0].Timestamp)
	}
}

func TestBuildVoiceRecordSynthesizesTimestamps(t *testing.T) {
	snap := baseSnapshot(session.ChannelVoice)
	rec := Build(snap)

	for i, ev := range rec.Events {
		want := snap.StartedAt.Add(time.Duration(i) * time.Second)
		if !ev.Timestamp.Equal(want) {
			t.Fatalf("event[%d] timestamp=%v, want %v", i, ev.Timestamp, want)
		}
	}
}

func TestBuildPrefersHostDuration(t *testing.T) {
	snap := baseSnapshot(session.ChannelVoice)
	snap.HostDurationSec = 125.7
	rec := Build(snap)
	if rec.Duration != "2.08m" {
		t.Fatalf("duration=%q, want host-provided 2.08m", rec.Duration)
	}

	snap.HostDurationSec = 0
	rec = Build(snap)
	if rec.Duration != "45s" {
		t.Fatalf("duration=%q, want wall-clock 45s", rec.Duration)
	}
}

func TestBuildUnansweredSession(t *testing.T) {
	snap := baseSnapshot(session.ChannelVoice)
	snap.AnsweredAt = nil
	if rec := Build(snap); rec.Answered {
		t.Fatalf("answered=true without answered_at")
	}
}

type fakeStorage struct {
	mu      sync.Mutex
	saves   []ConversationRecord
	saveErr error
	saveID  string
	updates map[string]string
	updErr  error
	updated chan struct{}
}

func (s *fakeStorage) SaveConversation(ctx context.Context, rec ConversationRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, rec)
	return s.saveID, s.saveErr
}

func (s *fakeStorage) UpdateSummary(ctx context.Context, conversationID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updates == nil {
		s.updates = map[string]string{}
	}
	s.updates[conversationID] = summary
	if s.updated != nil {
		close(s.updated)
		s.updated = nil
	}
	return s.updErr
}

type fakeSummarizer struct {
	summary string
	err     error
}

func (s *fakeSummarizer) Summarize(ctx context.Context, log []session.Message) (string, error) {
	return s.summary, s.err
}

func TestRecorderSavesAndSummarizes(t *testing.T) {
	storage := &fakeStorage{saveID: "conv_42", updated: make(chan struct{})}
	updated := storage.updated
	r := &Recorder{
		Storage:    storage,
		Summarizer: &fakeSummarizer{summary: "user asked about billing"},
	}

	r.Record(baseSnapshot(session.ChannelChat))

	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatalf("summary was never attached")
	}

	storage.mu.Lock()
	defer storage.mu.Unlock()
	if len(storage.saves) != 1 {
		t.Fatalf("saves=%d, want 1", len(storage.saves))
	}
	if got := storage.updates["conv_42"]; got != "user asked about billing" {
		t.Fatalf("summary=%q", got)
	}
}

func TestRecorderSummaryFailureIsIgnored(t *testing.T) {
	storage := &fakeStorage{saveID: "conv_1"}
	done := make(chan struct{})
	r := &Recorder{
		Storage:     storage,
		Summarizer:  &fakeSummarizer{err: errors.New("model unavailable")},
		summaryDone: func() { close(done) },
	}

	r.Record(baseSnapshot(session.ChannelChat))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("summary goroutine never finished")
	}
	storage.mu.Lock()
	defer storage.mu.Unlock()
	if len(storage.saves) != 1 || len(storage.updates) != 0 {
		t.Fatalf("saves=%d updates=%d", len(storage.saves), len(storage.updates))
	}
}

func TestRecorderSkipsSummaryWithoutConversationID(t *testing.T) {
	storage := &fakeStorage{saveID: ""}
	r := &Recorder{
		Storage:    storage,
		Summarizer: &fakeSummarizer{summary: "unused"},
	}
	r.Record(baseSnapshot(session.ChannelChat))

	storage.mu.Lock()
	defer storage.mu.Unlock()
	if len(storage.updates) != 0 {
		t.Fatalf("updates=%v, want none", storage.updates)
	}
}

func TestRecorderSaveFailureStops(t *testing.T) {
	storage := &fakeStorage{saveErr: errors.New("backend down"), saveID: "conv_9"}
	r := &Recorder{
		Storage:    storage,
		Summarizer: &fakeSummarizer{summary: "unused"},
	}
	r.Record(baseSnapshot(session.ChannelChat))

	storage.mu.Lock()
	defer storage.mu.Unlock()
	if len(storage.updates) != 0 {
		t.Fatalf("summary requested after failed save")
	}
}
