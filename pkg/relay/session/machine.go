package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	msgDetailsRequired = "Please provide your details first"
	msgDetailsAck      = "Thank you! How can I help you today?"
	msgBotUnavailable  = "Bot not found or inactive"
	msgSetupFailed     = "Error initializing chat session"
)

// Dependencies are the collaborators a Machine needs. Sink is always set;
// exactly one of Chat or Voice matches the configured channel.
type Dependencies struct {
	Logger   *slog.Logger
	Sink     Sink
	Chat     ChatSink
	Voice    VoiceSink
	Relay    Relay
	Recorder Recorder
}

type Config struct {
	ID      string
	Channel Channel
	BotID   string

	// Details seeds the participant details for transports that know them
	// up front (voice carries the calling and called numbers).
	Details map[string]string

	// AdmissionTimeout bounds the connecting phase (chat only).
	AdmissionTimeout time.Duration
	// HeartbeatInterval paces keep-alive frames once ready (chat only).
	HeartbeatInterval time.Duration
	// Greeting is spoken to the caller once a voice session is configured.
	Greeting string
	// MinBargeInWords is forwarded to the host's barge-in config.
	MinBargeInWords int

	EventBuffer int
	Now         func() time.Time
}

type dispatchResult struct {
	gen       int
	content   string
	truncated bool
}

// Machine owns the state of one live session. Events enter through Deliver
// and are consumed by the single Run loop; Snapshot may be read from any
// goroutine.
type Machine struct {
	deps Dependencies
	cfg  Config
	now  func() time.Time

	events       chan Event
	dispatchDone chan dispatchResult
	done         chan struct{}

	interrupted atomic.Bool
	gen         int

	mu          sync.Mutex
	status      Status
	bot         *BotConfig
	details     map[string]string
	log         []Message
	startedAt   time.Time
	answeredAt  *time.Time
	endedAt     time.Time
	hostDur     float64
	closeReason string

	// assigned by Run before the loop starts; only touched on the loop
	// goroutine.
	stopAdmission  func()
	startHeartbeat func()
}

func New(deps Dependencies, cfg Config) (*Machine, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if deps.Relay == nil {
		return nil, fmt.Errorf("relay is required")
	}
	switch cfg.Channel {
	case ChannelChat:
		if deps.Chat == nil {
			return nil, fmt.Errorf("chat sink is required")
		}
	case ChannelVoice:
		if deps.Voice == nil {
			return nil, fmt.Errorf("voice sink is required")
		}
	default:
		return nil, fmt.Errorf("unknown channel %q", cfg.Channel)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	details := make(map[string]string, len(cfg.Details))
	for k, v := range cfg.Details {
		details[k] = v
	}
	m := &Machine{
		deps:         deps,
		cfg:          cfg,
		now:          now,
		events:       make(chan Event, cfg.EventBuffer),
		dispatchDone: make(chan dispatchResult, 1),
		done:         make(chan struct{}),
		status:       StatusConnecting,
		details:      details,
		startedAt:    now(),
	}
	return m, nil
}

func (m *Machine) ID() string { return m.cfg.ID }

// Deliver hands an event to the machine loop. It reports false once the
// session has closed; callers must not retry.
func (m *Machine) Deliver(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// Done is closed when the Run loop has exited.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Snapshot copies the current session state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	details := make(map[string]string, len(m.details))
	for k, v := range m.details {
		details[k] = v
	}
	log := make([]Message, len(m.log))
	copy(log, m.log)
	var answered *time.Time
	if m.answeredAt != nil {
		t := *m.answeredAt
		answered = &t
	}
	botName := ""
	if m.bot != nil {
		botName = m.bot.Name
	}
	return Snapshot{
		ID:              m.cfg.ID,
		Channel:         m.cfg.Channel,
		BotID:           m.cfg.BotID,
		BotName:         botName,
		Details:         details,
		Log:             log,
		StartedAt:       m.startedAt,
		AnsweredAt:      answered,
		EndedAt:         m.endedAt,
		HostDurationSec: m.hostDur,
		CloseReason:     m.closeReason,
	}
}

// Run consumes events until the session closes or ctx is canceled. It must
// be called exactly once.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)

	logger := m.deps.Logger.With("session_id", m.cfg.ID, "channel", string(m.cfg.Channel))

	var admissionTimer *time.Timer
	var admissionC <-chan time.Time
	if m.cfg.Channel == ChannelChat && m.cfg.AdmissionTimeout > 0 {
		admissionTimer = time.NewTimer(m.cfg.AdmissionTimeout)
		admissionC = admissionTimer.C
	}
	m.stopAdmission = func() {
		if admissionTimer == nil {
			return
		}
		if !admissionTimer.Stop() {
			select {
			case <-admissionTimer.C:
			default:
			}
		}
		admissionTimer = nil
		admissionC = nil
	}

	var heartbeat *time.Ticker
	var heartbeatC <-chan time.Time
	m.startHeartbeat = func() {
		if heartbeat != nil || m.cfg.Channel != ChannelChat || m.cfg.HeartbeatInterval <= 0 {
			return
		}
		heartbeat = time.NewTicker(m.cfg.HeartbeatInterval)
		heartbeatC = heartbeat.C
	}
	defer func() {
		m.stopAdmission()
		if heartbeat != nil {
			heartbeat.Stop()
		}
	}()

	for {
		select {
		case ev := <-m.events:
			if !m.handleSafely(logger, ev) {
				m.finish(logger)
				return
			}
		case res := <-m.dispatchDone:
			m.finishDispatch(logger, res)
		case <-admissionC:
			logger.Warn("admission timeout")
			_ = m.deps.Sink.SendError("Connection timeout")
			m.markClosed("admission timeout", 0)
			m.deps.Sink.Close("admission timeout")
			m.finish(logger)
			return
		case <-heartbeatC:
			if err := m.deps.Chat.SendHeartbeat(); err != nil {
				logger.Debug("heartbeat send failed", "error", err)
			}
		case <-ctx.Done():
			m.markClosed("canceled", 0)
			m.deps.Sink.Close("canceled")
			m.finish(logger)
			return
		}
	}
}

// handleSafely isolates per-event panics: the fault is logged and the
// session continues.
func (m *Machine) handleSafely(logger *slog.Logger, ev Event) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler fault", "event", ev.eventName(), "panic", r)
			keep = true
		}
	}()
	return m.handle(logger, ev)
}

func (m *Machine) handle(logger *slog.Logger, ev Event) bool {
	switch ev := ev.(type) {
	case BotResolvedEvent:
		return m.handleBotResolved(logger, ev)
	case UserDetailsEvent:
		m.handleUserDetails(logger, ev)
	case UtteranceEvent:
		m.handleUtterance(logger, ev)
	case InterruptEvent:
		if m.Status() == StatusStreamingReply {
			logger.Info("user interrupt, suppressing remaining reply chunks")
			m.interrupted.Store(true)
		} else {
			logger.Debug("interrupt outside streaming reply, ignored")
		}
	case PingEvent:
		if m.cfg.Channel == ChannelChat {
			if err := m.deps.Chat.SendPong(); err != nil {
				logger.Debug("pong send failed", "error", err)
			}
		}
	case BadPayloadEvent:
		logger.Warn("bad payload", "reason", ev.Reason)
		_ = m.deps.Sink.SendError(ev.Reason)
	case FaultEvent:
		logger.Warn("transport fault", "error", ev.Err)
	case CloseEvent:
		m.markClosed(ev.Reason, ev.HostDurationSec)
		m.deps.Sink.Close(ev.Reason)
		return false
	default:
		logger.Warn("unhandled event", "event", ev.eventName())
	}
	return true
}

func (m *Machine) handleBotResolved(logger *slog.Logger, ev BotResolvedEvent) bool {
	if m.Status() != StatusConnecting {
		logger.Debug("bot resolution after admission, ignored")
		return true
	}
	if ev.Err != nil || ev.Bot == nil {
		logger.Error("bot resolution failed", "bot_id", m.cfg.BotID, "error", ev.Err)
		_ = m.deps.Sink.SendError(msgBotUnavailable)
		m.markClosed("bot unavailable", 0)
		m.deps.Sink.Close("bot unavailable")
		return false
	}
	m.stopAdmission()
	m.mu.Lock()
	m.bot = ev.Bot
	m.mu.Unlock()

	switch m.cfg.Channel {
	case ChannelChat:
		m.setStatus(StatusAwaitingDetails)
		welcome := fmt.Sprintf("Welcome to %s! Please provide your details to get started.", ev.Bot.Name)
		if err := m.deps.Chat.SendWelcome(welcome, ev.Bot.PromptFields); err != nil {
			logger.Error("welcome send failed", "error", err)
			m.markClosed("setup failed", 0)
			m.deps.Sink.Close("setup failed")
			return false
		}
		logger.Info("chat session initialized", "bot", ev.Bot.Name)
	case ChannelVoice:
		if err := m.deps.Voice.Configure(m.cfg.MinBargeInWords); err != nil {
			logger.Error("host configuration failed", "error", err)
			m.markClosed("setup failed", 0)
			m.deps.Sink.Close("setup failed")
			return false
		}
		if m.cfg.Greeting != "" {
			if err := m.deps.Voice.Say(m.cfg.Greeting); err != nil {
				logger.Debug("greeting send failed", "error", err)
			}
		}
		m.setStatus(StatusReady)
		m.startHeartbeat()
		logger.Info("voice session initialized", "bot", ev.Bot.Name)
	}
	return true
}

func (m *Machine) handleUserDetails(logger *slog.Logger, ev UserDetailsEvent) {
	if m.cfg.Channel != ChannelChat {
		logger.Debug("user details on voice channel, ignored")
		return
	}
	switch m.Status() {
	case StatusAwaitingDetails:
	case StatusReady, StatusStreamingReply:
		// Resubmission updates the stored details without a transition.
		m.mu.Lock()
		m.details = ev.Details
		m.mu.Unlock()
		return
	default:
		logger.Debug("user details before admission, ignored")
		return
	}
	m.mu.Lock()
	m.details = ev.Details
	m.mu.Unlock()
	m.setStatus(StatusReady)
	m.startHeartbeat()
	if err := m.deps.Chat.SendDetailsAck(msgDetailsAck); err != nil {
		logger.Debug("details ack send failed", "error", err)
	}
	logger.Info("user details received", "fields", len(ev.Details))
}

func (m *Machine) handleUtterance(logger *slog.Logger, ev UtteranceEvent) {
	switch m.Status() {
	case StatusReady:
	case StatusAwaitingDetails, StatusConnecting:
		logger.Warn("utterance before session ready")
		_ = m.deps.Sink.SendError(msgDetailsRequired)
		return
	case StatusStreamingReply:
		logger.Debug("utterance while reply in flight, dropped", "text", ev.Text)
		return
	default:
		return
	}

	now := m.now()
	m.mu.Lock()
	m.log = append(m.log, Message{Role: RoleUser, Content: ev.Text, Timestamp: now})
	if m.answeredAt == nil {
		t := now
		m.answeredAt = &t
	}
	webhookURL := ""
	if m.bot != nil {
		webhookURL = m.bot.WebhookURL
	}
	m.mu.Unlock()

	m.interrupted.Store(false)
	m.setStatus(StatusStreamingReply)
	m.gen++
	gen := m.gen

	logger.Info("dispatching utterance", "text", ev.Text)
	go func() {
		// The exchange is never canceled by session teardown; the relay
		// bounds it with its own timeout and a late result is discarded.
		content, truncated := m.deps.Relay.Exchange(context.Background(), webhookURL, m.cfg.ID, ev.Text, m.interrupted.Load)
		select {
		case m.dispatchDone <- dispatchResult{gen: gen, content: content, truncated: truncated}:
		case <-m.done:
		}
	}()
}

func (m *Machine) finishDispatch(logger *slog.Logger, res dispatchResult) {
	if res.gen != m.gen || m.Status() != StatusStreamingReply {
		logger.Debug("stale dispatch result discarded")
		return
	}
	// An interrupted reply is logged even when no chunk went out yet:
	// dropping it would leave two consecutive user messages in the log.
	if res.content != "" || res.truncated {
		m.mu.Lock()
		m.log = append(m.log, Message{
			Role:      RoleAssistant,
			Content:   res.content,
			Timestamp: m.now(),
			Truncated: res.truncated,
		})
		m.mu.Unlock()
	}
	m.setStatus(StatusReady)
	logger.Info("reply delivered", "truncated", res.truncated)
}

func (m *Machine) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

func (m *Machine) markClosed(reason string, hostDur float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusClosed {
		return
	}
	m.status = StatusClosed
	m.endedAt = m.now()
	m.closeReason = reason
	if hostDur > 0 {
		m.hostDur = hostDur
	}
}

// finish hands the final snapshot to the recorder. Sessions with an empty
// log are never recorded.
func (m *Machine) finish(logger *slog.Logger) {
	m.mu.Lock()
	if m.status != StatusClosed {
		m.status = StatusClosed
		m.endedAt = m.now()
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	logger.Info("session closed", "reason", snap.CloseReason, "messages", len(snap.Log))
	if len(snap.Log) == 0 || m.deps.Recorder == nil {
		return
	}
	m.deps.Recorder.Record(snap)
}
