package voice

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torisedigital/td-relay/pkg/relay/lifecycle"
	"github.com/torisedigital/td-relay/pkg/relay/session"
)

func TestVoiceHandler_HandshakeConfiguresHostAndGreets(t *testing.T) {
	h, serverURL := newVoiceTestServer(t, voiceTestOptions{webhookURL: "http://localhost:1"})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	mustWriteJSON(t, conn, map[string]any{
		"type":     "session:new",
		"call_sid": "CA123",
		"from":     "+15550100",
		"to":       "+15550200",
	})

	cfg := mustReadJSON(t, conn, 2*time.Second)
	if cfg["type"] != "config" {
		t.Fatalf("type=%v payload=%+v", cfg["type"], cfg)
	}
	tts, _ := cfg["tts_stream"].(map[string]any)
	if tts["enable"] != true {
		t.Fatalf("tts_stream=%+v", cfg["tts_stream"])
	}
	bargeIn, _ := cfg["barge_in"].(map[string]any)
	if bargeIn["enable"] != true || bargeIn["sticky"] != true {
		t.Fatalf("barge_in=%+v", bargeIn)
	}
	if bargeIn["min_bargein_word_count"] != float64(1) {
		t.Fatalf("min_bargein_word_count=%v", bargeIn["min_bargein_word_count"])
	}

	say := mustReadJSON(t, conn, 2*time.Second)
	if say["type"] != "say" {
		t.Fatalf("type=%v", say["type"])
	}
	if say["text"] != "Hi there, how can I help you today?" {
		t.Fatalf("greeting=%v", say["text"])
	}

	if got := h.registry.Get("CA123"); got == nil {
		t.Fatalf("session not registered under call sid")
	}
}

func TestVoiceHandler_FirstFrameMustBeSessionNew(t *testing.T) {
	h, serverURL := newVoiceTestServer(t, voiceTestOptions{webhookURL: "http://localhost:1"})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	mustWriteJSON(t, conn, map[string]any{"type": "user_interrupt"})

	msg := mustReadJSON(t, conn, 2*time.Second)
	if msg["type"] != "error" {
		t.Fatalf("type=%v", msg["type"])
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to close")
	}
	if n := h.registry.Count(); n != 0 {
		t.Fatalf("registry count=%d, want 0", n)
	}
}

func TestVoiceHandler_SpeechToChunkedReply(t *testing.T) {
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["message"] != "what are your hours" {
			t.Errorf("message=%v", payload["message"])
		}
		if payload["sessionId"] != "CA123" {
			t.Errorf("sessionId=%v", payload["sessionId"])
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"reply": "We are open nine to five every weekday"})
	}))
	defer webhook.Close()

	h, serverURL := newVoiceTestServer(t, voiceTestOptions{webhookURL: webhook.URL})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	mustWriteJSON(t, conn, map[string]any{
		"type":     "session:new",
		"call_sid": "CA123",
		"from":     "+15550100",
		"to":       "+15550200",
	})
	_ = mustReadJSON(t, conn, 2*time.Second) // config
	_ = mustReadJSON(t, conn, 2*time.Second) // say greeting

	mustWriteJSON(t, conn, map[string]any{
		"type": "speech-detected",
		"speech": map[string]any{
			"is_final": true,
			"alternatives": []any{
				map[string]any{"transcript": "what are your hours"},
			},
		},
	})

	ack := mustReadJSON(t, conn, 2*time.Second)
	if ack["type"] != "reply" {
		t.Fatalf("type=%v payload=%+v", ack["type"], ack)
	}

	var tokens strings.Builder
	sawFlush := false
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) && !sawFlush {
		msg := mustReadJSON(t, conn, 2*time.Second)
		switch msg["type"] {
		case "send_reply_tokens":
			text, _ := msg["text"].(string)
			tokens.WriteString(text)
		case "flush_reply_tokens":
			sawFlush = true
		default:
			t.Fatalf("unexpected frame %+v", msg)
		}
	}
	if !sawFlush {
		t.Fatalf("did not observe flush_reply_tokens")
	}
	if got := strings.TrimSpace(tokens.String()); got != "We are open nine to five every weekday" {
		t.Fatalf("delivered tokens=%q", got)
	}

	mustWriteJSON(t, conn, map[string]any{"type": "close", "reason": "hangup", "duration": 32.0})

	snap := h.recorder.await(t, 2*time.Second)
	if snap.Channel != session.ChannelVoice {
		t.Fatalf("channel=%v", snap.Channel)
	}
	if len(snap.Log) != 2 {
		t.Fatalf("log length=%d, want 2", len(snap.Log))
	}
	if snap.Log[1].Role != session.RoleAssistant || snap.Log[1].Truncated {
		t.Fatalf("log[1]=%+v", snap.Log[1])
	}
	if snap.HostDurationSec != 32 {
		t.Fatalf("host duration=%v, want 32", snap.HostDurationSec)
	}
	if snap.CloseReason != "hangup" {
		t.Fatalf("close reason=%q", snap.CloseReason)
	}
	if snap.Details["from"] != "+15550100" || snap.Details["to"] != "+15550200" {
		t.Fatalf("details=%v, want call numbers carried through", snap.Details)
	}
}

func TestVoiceHandler_NonFinalSpeechOnlyAcked(t *testing.T) {
	h, serverURL := newVoiceTestServer(t, voiceTestOptions{webhookURL: "http://localhost:1"})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	mustWriteJSON(t, conn, map[string]any{"type": "session:new", "call_sid": "CA123"})
	_ = mustReadJSON(t, conn, 2*time.Second) // config
	_ = mustReadJSON(t, conn, 2*time.Second) // say greeting

	mustWriteJSON(t, conn, map[string]any{
		"type": "speech-detected",
		"speech": map[string]any{
			"is_final": false,
			"alternatives": []any{
				map[string]any{"transcript": "what are"},
			},
		},
	})

	ack := mustReadJSON(t, conn, 2*time.Second)
	if ack["type"] != "reply" {
		t.Fatalf("type=%v", ack["type"])
	}

	// No dispatch happens for a partial transcript: the next frame read
	// must time out rather than produce reply tokens.
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame after partial transcript")
	}
}

func TestVoiceHandler_InterruptTruncatesDelivery(t *testing.T) {
	release := make(chan struct{})
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(map[string]string{"reply": "one two three four five six seven eight nine ten eleven twelve"})
	}))
	defer webhook.Close()

	h, serverURL := newVoiceTestServer(t, voiceTestOptions{
		webhookURL: webhook.URL,
		pacing:     30 * time.Millisecond,
	})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	mustWriteJSON(t, conn, map[string]any{"type": "session:new", "call_sid": "CA123"})
	_ = mustReadJSON(t, conn, 2*time.Second) // config
	_ = mustReadJSON(t, conn, 2*time.Second) // say greeting

	mustWriteJSON(t, conn, map[string]any{
		"type": "speech-detected",
		"speech": map[string]any{
			"is_final":     true,
			"alternatives": []any{map[string]any{"transcript": "tell me everything"}},
		},
	})
	ack := mustReadJSON(t, conn, 2*time.Second)
	if ack["type"] != "reply" {
		t.Fatalf("type=%v", ack["type"])
	}

	// Interrupt lands while the reply is still in flight, then the webhook
	// is released: every chunk check sees the flag and delivery stops short.
	mustWriteJSON(t, conn, map[string]any{"type": "user_interrupt"})
	time.Sleep(100 * time.Millisecond)
	close(release)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg["type"] {
		case "send_reply_tokens", "flush_reply_tokens":
			t.Fatalf("received reply delivery after interrupt: %+v", msg)
		}
	}

	mustWriteJSON(t, conn, map[string]any{"type": "close", "duration": 10.0})
	snap := h.recorder.await(t, 2*time.Second)
	if len(snap.Log) != 2 {
		t.Fatalf("log=%+v, want user utterance and truncated reply", snap.Log)
	}
	if snap.Log[1].Role != session.RoleAssistant || !snap.Log[1].Truncated {
		t.Fatalf("log[1]=%+v, want truncated assistant message", snap.Log[1])
	}
	if snap.Log[1].Content != "" {
		t.Fatalf("log[1].Content=%q, want nothing delivered before the interrupt", snap.Log[1].Content)
	}
}

func TestVoiceHandler_NoWebhookConfiguredRejects(t *testing.T) {
	h, serverURL := newVoiceTestServer(t, voiceTestOptions{})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	msg := mustReadJSON(t, conn, 2*time.Second)
	if msg["type"] != "error" {
		t.Fatalf("type=%v", msg["type"])
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to close")
	}
}

func TestVoiceHandler_DrainingRejectsUpgrade(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	h, serverURL := newVoiceTestServer(t, voiceTestOptions{webhookURL: "http://localhost:1", lifecycle: lc})
	defer h.close()

	_, resp, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%+v", resp)
	}
}

type voiceTestOptions struct {
	webhookURL string
	pacing     time.Duration
	lifecycle  *lifecycle.Lifecycle
}

type voiceHarness struct {
	server   *httptest.Server
	registry *session.Registry
	recorder *captureRecorder
}

func (h *voiceHarness) close() {
	if h != nil && h.server != nil {
		h.server.Close()
	}
}

func newVoiceTestServer(t *testing.T, opts voiceTestOptions) (*voiceHarness, string) {
	t.Helper()

	registry := session.NewRegistry()
	recorder := &captureRecorder{snaps: make(chan session.Snapshot, 4)}
	lc := opts.lifecycle
	if lc == nil {
		lc = &lifecycle.Lifecycle{}
	}
	pacing := opts.pacing
	if pacing <= 0 {
		pacing = time.Millisecond
	}

	handler := Handler{
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		Lifecycle:        lc,
		Registry:         registry,
		Recorder:         recorder,
		HTTPClient:       &http.Client{},
		WebhookURL:       opts.webhookURL,
		HandshakeTimeout: 2 * time.Second,
		WebhookTimeout:   2 * time.Second,
		ChunkWords:       5,
		ChunkPacing:      pacing,
		MinBargeInWords:  1,
		MaxMessageBytes:  64 * 1024,
	}

	srv := httptest.NewServer(handler)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/voice"
	return &voiceHarness{server: srv, registry: registry, recorder: recorder}, url
}

type captureRecorder struct {
	mu    sync.Mutex
	snaps chan session.Snapshot
}

func (r *captureRecorder) Record(snap session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case r.snaps <- snap:
	default:
	}
}

func (r *captureRecorder) await(t *testing.T, timeout time.Duration) session.Snapshot {
	t.Helper()
	select {
	case snap := <-r.snaps:
		return snap
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for recorded session")
		return session.Snapshot{}
	}
}

func mustDialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	return conn
}

func mustWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func mustReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return out
}
