// Package voice is the websocket transport for telephony sessions. The peer
// is the voice host, not an end user: it opens one connection per call,
// announces it with a session:new frame and streams speech events; the relay
// answers with host actions (config, say, reply tokens).
package voice

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torisedigital/td-relay/pkg/relay/dispatch"
	"github.com/torisedigital/td-relay/pkg/relay/lifecycle"
	"github.com/torisedigital/td-relay/pkg/relay/protocol"
	"github.com/torisedigital/td-relay/pkg/relay/session"
)

// DefaultGreeting is spoken to the caller once the host is configured.
const DefaultGreeting = "Hi there, how can I help you today?"

// Handler handles /voice websocket sessions.
type Handler struct {
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Registry  *session.Registry
	Recorder  session.Recorder

	HTTPClient *http.Client

	// WebhookURL is the downstream webhook all voice sessions talk to.
	WebhookURL string
	Greeting   string

	HandshakeTimeout time.Duration
	WebhookTimeout   time.Duration
	ChunkWords       int
	ChunkPacing      time.Duration
	MinBargeInWords  int
	MaxMessageBytes  int64
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.MaxMessageBytes)
	}

	sink := newSink(conn)

	if h.WebhookURL == "" {
		logger.Error("voice connection rejected: no webhook configured")
		_ = sink.SendError("Voice webhook not configured")
		sink.CloseWithCode(websocket.ClosePolicyViolation, "voice webhook not configured")
		return
	}

	// Handshake: the first host frame must announce the call.
	handshakeTimeout := h.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		logger.Warn("voice handshake read failed", "error", err)
		return
	}
	decoded, err := protocol.DecodeVoiceHostMessage(data)
	if err != nil {
		logger.Warn("voice handshake decode failed", "error", err)
		_ = sink.SendError("Error processing message")
		sink.CloseWithCode(websocket.ClosePolicyViolation, "invalid handshake")
		return
	}
	newCall, ok := decoded.(protocol.VoiceSessionNew)
	if !ok {
		logger.Warn("voice handshake: first frame is not session:new")
		_ = sink.SendError("Expected session:new")
		sink.CloseWithCode(websocket.ClosePolicyViolation, "expected session:new")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	sessionID := newCall.CallSID
	logger = logger.With("session_id", sessionID, "from", newCall.From, "to", newCall.To)

	greeting := h.Greeting
	if greeting == "" {
		greeting = DefaultGreeting
	}
	minWords := h.MinBargeInWords
	if minWords <= 0 {
		minWords = 1
	}

	relay := &dispatch.Dispatcher{
		Logger:     logger,
		HTTPClient: h.HTTPClient,
		Timeout:    h.WebhookTimeout,
		Delivery: &dispatch.ChunkedDelivery{
			Logger:     logger,
			SendChunk:  sink.sendReplyTokens,
			Flush:      sink.flushReplyTokens,
			ChunkWords: h.ChunkWords,
			Pacing:     h.ChunkPacing,
		},
		FallbackNoReply: dispatch.FallbackNoReply,
		FallbackFailure: dispatch.FallbackVoiceFailure,
	}

	m, err := session.New(session.Dependencies{
		Logger:   logger,
		Sink:     sink,
		Voice:    sink,
		Relay:    relay,
		Recorder: h.Recorder,
	}, session.Config{
		ID:              sessionID,
		Channel:         session.ChannelVoice,
		BotID:           newCall.To,
		Details:         callDetails(newCall),
		Greeting:        greeting,
		MinBargeInWords: minWords,
	})
	if err != nil {
		logger.Error("session setup failed", "error", err)
		sink.CloseWithCode(websocket.CloseInternalServerErr, "internal error")
		return
	}

	unregister := h.Registry.Register(m)
	defer unregister()

	// The host pre-authenticates calls; resolution is just binding the
	// configured webhook.
	m.Deliver(session.BotResolvedEvent{Bot: &session.BotConfig{
		Name:       "voice",
		WebhookURL: h.WebhookURL,
	}})

	go readLoop(conn, m, sink, logger)

	logger.Info("voice call established")
	m.Run(r.Context())
}

func readLoop(conn *websocket.Conn, m *session.Machine, sink *hostSink, logger *slog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.Deliver(session.CloseEvent{Reason: "host disconnected"})
			return
		}
		decoded, err := protocol.DecodeVoiceHostMessage(data)
		if err != nil {
			reason := "Error processing message"
			if de, ok := err.(*protocol.DecodeError); ok && de.Code == "unknown_type" {
				reason = "Unknown message type"
			}
			if !m.Deliver(session.BadPayloadEvent{Reason: reason}) {
				return
			}
			continue
		}

		var ok bool
		switch msg := decoded.(type) {
		case protocol.VoiceSessionNew:
			logger.Debug("duplicate session:new ignored")
			ok = true
		case protocol.VoiceSpeechDetected:
			// Ack every speech event; only finalized transcripts become
			// utterances.
			if err := sink.replyAck(); err != nil {
				logger.Debug("reply ack failed", "error", err)
			}
			if msg.Speech.IsFinal {
				if text := msg.Speech.Transcript(); text != "" {
					ok = m.Deliver(session.UtteranceEvent{Text: text})
					break
				}
			}
			ok = true
		case protocol.VoiceStreamingEvent:
			logger.Debug("streaming event", "event", string(msg.Event))
			ok = true
		case protocol.VoiceUserInterrupt:
			ok = m.Deliver(session.InterruptEvent{})
		case protocol.VoiceClose:
			m.Deliver(session.CloseEvent{Reason: closeReason(msg.Reason), HostDurationSec: msg.DurationSec})
			return
		case protocol.VoiceError:
			ok = m.Deliver(session.FaultEvent{Err: hostError(msg.Message)})
		default:
			logger.Warn("unhandled voice frame", "frame", decoded)
			ok = true
		}
		if !ok {
			return
		}
	}
}

// callDetails records the call's numbers so they survive into the saved
// conversation. The call sid stands in when the host omits a number.
func callDetails(newCall protocol.VoiceSessionNew) map[string]string {
	from, to := newCall.From, newCall.To
	if from == "" {
		from = newCall.CallSID
	}
	if to == "" {
		to = newCall.CallSID
	}
	return map[string]string{"from": from, "to": to}
}

func closeReason(reason string) string {
	if reason == "" {
		return "call ended"
	}
	return reason
}

type hostError string

func (e hostError) Error() string { return string(e) }

// hostSink serializes host action writes: the machine loop and the chunked
// delivery goroutine both use the connection.
type hostSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newSink(conn *websocket.Conn) *hostSink {
	return &hostSink{conn: conn}
}

func (s *hostSink) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *hostSink) SendError(message string) error {
	return s.writeJSON(protocol.VoiceError{Type: "error", Message: message})
}

func (s *hostSink) Configure(minBargeInWords int) error {
	return s.writeJSON(protocol.VoiceConfigAction{
		Type:      "config",
		TTSStream: protocol.VoiceTTSStreamConfig{Enable: true},
		BargeIn: protocol.VoiceBargeInConfig{
			Enable:          true,
			Sticky:          true,
			MinBargeinWords: minBargeInWords,
			ActionHook:      "/speech-detected",
			Input:           []string{"speech"},
		},
	})
}

func (s *hostSink) Say(text string) error {
	return s.writeJSON(protocol.VoiceSayAction{Type: "say", Text: text})
}

func (s *hostSink) sendReplyTokens(text string) error {
	return s.writeJSON(protocol.VoiceSendReplyTokens{Type: "send_reply_tokens", Text: text})
}

func (s *hostSink) flushReplyTokens() error {
	return s.writeJSON(protocol.VoiceFlushReplyTokens{Type: "flush_reply_tokens"})
}

func (s *hostSink) replyAck() error {
	return s.writeJSON(protocol.VoiceReplyAck{Type: "reply"})
}

func (s *hostSink) Close(reason string) {
	_ = s.writeJSON(protocol.VoiceCloseAction{Type: "close", Reason: reason})
	s.CloseWithCode(websocket.CloseNormalClosure, reason)
}

func (s *hostSink) CloseWithCode(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
	_ = s.conn.Close()
}
