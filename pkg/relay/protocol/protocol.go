package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unknownType(typ string) *DecodeError {
	return &DecodeError{Code: "unknown_type", Message: fmt.Sprintf("unknown message type %q", typ), Param: "type"}
}

// PromptField describes one field of the pre-chat details form.
type PromptField struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	Type     string `json:"type"`
}

// DefaultPromptFields is the fallback schema used when a bot does not
// configure its own.
func DefaultPromptFields() []PromptField {
	return []PromptField{
		{Name: "name", Label: "Your Name", Required: true, Type: "text"},
		{Name: "email", Label: "Email Address", Required: true, Type: "email"},
		{Name: "phone", Label: "Phone Number", Required: false, Type: "phone"},
	}
}

// --- chat transport: client -> server frames ---

type ChatUserDetails struct {
	Type    string            `json:"type"`
	Details map[string]string `json:"details"`
}

type ChatMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type ChatPing struct {
	Type string `json:"type"`
}

// DecodeChatClientMessage decodes a chat client frame into one of the typed
// frame structs above. Unknown types and malformed frames return *DecodeError.
func DecodeChatClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "user_details":
		var msg ChatUserDetails
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_details frame", "")
		}
		if msg.Details == nil {
			msg.Details = map[string]string{}
		}
		return msg, nil
	case "chat_message":
		var msg ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid chat_message frame", "")
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, badRequest("chat_message.content is required", "content")
		}
		return msg, nil
	case "ping":
		var msg ChatPing
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ping frame", "")
		}
		return msg, nil
	default:
		return nil, unknownType(typ)
	}
}

// --- chat transport: server -> client frames ---

type ChatWelcome struct {
	Type             string        `json:"type"`
	Message          string        `json:"message"`
	UserPromptFields []PromptField `json:"user_prompt_fields"`
}

type ChatDetailsReceived struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ChatBotReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ChatError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ChatPong struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ChatHeartbeat struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// --- voice transport: host -> relay frames ---

// VoiceSessionNew is the first frame of a voice connection. The telephony
// host has already authenticated the call; the relay trusts these fields.
type VoiceSessionNew struct {
	Type    string `json:"type"`
	CallSID string `json:"call_sid"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
}

type VoiceSpeech struct {
	IsFinal      bool `json:"is_final"`
	Alternatives []struct {
		Transcript string `json:"transcript"`
	} `json:"alternatives"`
}

// Transcript returns the top transcript alternative, if any.
func (s VoiceSpeech) Transcript() string {
	if len(s.Alternatives) == 0 {
		return ""
	}
	return s.Alternatives[0].Transcript
}

type VoiceSpeechDetected struct {
	Type   string      `json:"type"`
	Speech VoiceSpeech `json:"speech"`
}

type VoiceStreamingEvent struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event,omitempty"`
}

type VoiceUserInterrupt struct {
	Type string `json:"type"`
}

type VoiceClose struct {
	Type        string  `json:"type"`
	Reason      string  `json:"reason,omitempty"`
	DurationSec float64 `json:"duration,omitempty"`
}

type VoiceError struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// DecodeVoiceHostMessage decodes a frame delivered by the telephony host.
func DecodeVoiceHostMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "session:new":
		var msg VoiceSessionNew
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session:new frame", "")
		}
		if strings.TrimSpace(msg.CallSID) == "" {
			return nil, badRequest("session:new.call_sid is required", "call_sid")
		}
		return msg, nil
	case "speech-detected":
		var msg VoiceSpeechDetected
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid speech-detected frame", "")
		}
		return msg, nil
	case "streaming-event":
		var msg VoiceStreamingEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid streaming-event frame", "")
		}
		return msg, nil
	case "user_interrupt":
		var msg VoiceUserInterrupt
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_interrupt frame", "")
		}
		return msg, nil
	case "close":
		var msg VoiceClose
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid close frame", "")
		}
		return msg, nil
	case "error":
		var msg VoiceError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error frame", "")
		}
		return msg, nil
	default:
		return nil, unknownType(typ)
	}
}

// --- voice transport: relay -> host actions ---

type VoiceTTSStreamConfig struct {
	Enable bool `json:"enable"`
}

type VoiceBargeInConfig struct {
	Enable          bool     `json:"enable"`
	Sticky          bool     `json:"sticky"`
	MinBargeinWords int      `json:"min_bargein_word_count"`
	ActionHook      string   `json:"action_hook"`
	Input           []string `json:"input"`
}

// VoiceConfigAction configures the host for streamed synthesis and
// interrupt-capable speech detection.
type VoiceConfigAction struct {
	Type      string               `json:"type"`
	TTSStream VoiceTTSStreamConfig `json:"tts_stream"`
	BargeIn   VoiceBargeInConfig   `json:"barge_in"`
}

type VoiceSayAction struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type VoiceSendReplyTokens struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type VoiceFlushReplyTokens struct {
	Type string `json:"type"`
}

// VoiceReplyAck acknowledges a speech-detected event to the host.
type VoiceReplyAck struct {
	Type string `json:"type"`
}

type VoiceCloseAction struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}
