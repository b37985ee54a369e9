package session

// Event is a typed occurrence delivered to a session's machine loop. All
// transport adapters normalize their wire frames into these before handing
// them to Deliver; the loop is the only consumer.
type Event interface {
	eventName() string
}

// BotResolvedEvent reports the outcome of the asynchronous bot lookup that
// the adapter starts at connection time.
type BotResolvedEvent struct {
	Bot *BotConfig
	Err error
}

// UserDetailsEvent carries the pre-chat details form submitted by a chat
// client.
type UserDetailsEvent struct {
	Details map[string]string
}

// UtteranceEvent carries one finalized user utterance.
type UtteranceEvent struct {
	Text string
}

// InterruptEvent signals that the user started speaking over an in-flight
// reply. It only has an effect while a reply is streaming.
type InterruptEvent struct{}

// PingEvent is a client liveness probe.
type PingEvent struct{}

// BadPayloadEvent reports a frame the adapter could not decode. The session
// answers with an error payload and continues.
type BadPayloadEvent struct {
	Reason string
}

// FaultEvent reports a non-fatal transport fault. It is logged and the
// session continues.
type FaultEvent struct {
	Err error
}

// CloseEvent ends the session. HostDurationSec is the call duration reported
// by the telephony host, zero when absent.
type CloseEvent struct {
	Reason          string
	HostDurationSec float64
}

func (BotResolvedEvent) eventName() string { return "bot_resolved" }
func (UserDetailsEvent) eventName() string { return "user_details" }
func (UtteranceEvent) eventName() string   { return "utterance" }
func (InterruptEvent) eventName() string   { return "interrupt" }
func (PingEvent) eventName() string        { return "ping" }
func (BadPayloadEvent) eventName() string  { return "bad_payload" }
func (FaultEvent) eventName() string       { return "fault" }
func (CloseEvent) eventName() string       { return "close" }
