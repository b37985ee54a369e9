// Package dispatch relays finalized user utterances to a bot's webhook and
// delivers the reply back to the peer. Every exchange degrades to a fixed
// fallback sentence instead of failing: a broken webhook never terminates
// the session it serves.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// FallbackNoReply is delivered when the webhook answers without a
	// reply field.
	FallbackNoReply = "Thank you for your message. I will get back to you soon."
	// FallbackChatFailure is delivered on a failed chat exchange.
	FallbackChatFailure = "I am currently processing your request. Please wait a moment."
	// FallbackVoiceFailure is spoken on a failed voice exchange.
	FallbackVoiceFailure = "I'm sorry, I encountered an error processing your request. Please try again."
)

// Delivery sends reply content to the peer. It returns the content actually
// delivered and whether delivery was cut short by an interrupt.
type Delivery interface {
	Deliver(content string, interrupted func() bool) (delivered string, truncated bool)
}

// UnitDelivery sends the whole reply as one frame. Interrupts do not apply.
type UnitDelivery struct {
	Logger *slog.Logger
	Send   func(message string) error
}

func (d UnitDelivery) Deliver(content string, interrupted func() bool) (string, bool) {
	if err := d.Send(content); err != nil && d.Logger != nil {
		d.Logger.Error("reply send failed", "error", err)
	}
	return content, false
}

// ChunkedDelivery streams the reply as fixed-size word chunks with a pacing
// delay, emulating incremental speech. The interrupt flag is checked before
// every chunk; an interrupted delivery stops immediately and skips the
// flush, and what was sent so far becomes the delivered content.
type ChunkedDelivery struct {
	Logger     *slog.Logger
	SendChunk  func(text string) error
	Flush      func() error
	ChunkWords int
	Pacing     time.Duration

	// Sleep is swappable in tests; nil means time.Sleep.
	Sleep func(time.Duration)
}

func (d ChunkedDelivery) Deliver(content string, interrupted func() bool) (string, bool) {
	chunkWords := d.ChunkWords
	if chunkWords <= 0 {
		chunkWords = 5
	}
	sleep := d.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	words := strings.Fields(content)
	for i := 0; i < len(words); i += chunkWords {
		if interrupted != nil && interrupted() {
			return strings.Join(words[:i], " "), true
		}
		end := i + chunkWords
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[i:end], " ") + " "
		if err := d.SendChunk(chunk); err != nil && d.Logger != nil {
			d.Logger.Error("chunk send failed", "error", err)
		}
		if d.Pacing > 0 {
			sleep(d.Pacing)
		}
	}

	if err := d.Flush(); err != nil && d.Logger != nil {
		d.Logger.Error("reply flush failed", "error", err)
	}
	return content, false
}

// webhookRequest is the payload posted to the bot webhook.
type webhookRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
}

type webhookResponse struct {
	Reply string `json:"reply"`
}

// Dispatcher performs single-attempt webhook exchanges. It implements the
// session relay contract.
type Dispatcher struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	Timeout    time.Duration
	Delivery   Delivery

	// FallbackFailure is channel-specific; FallbackNoReply covers a 2xx
	// answer with no reply field.
	FallbackNoReply string
	FallbackFailure string

	Now func() time.Time
}

// Exchange posts the utterance to webhookURL and delivers the outcome.
// There is exactly one attempt; failure and timeout degrade to the
// configured fallback sentence.
func (d *Dispatcher) Exchange(ctx context.Context, webhookURL, sessionID, utterance string, interrupted func() bool) (string, bool) {
	logger := d.logger().With("session_id", sessionID)

	reply, err := d.post(ctx, webhookURL, sessionID, utterance)
	if err != nil {
		logger.Error("webhook exchange failed", "error", err)
		return d.Delivery.Deliver(d.FallbackFailure, interrupted)
	}
	if strings.TrimSpace(reply) == "" {
		logger.Warn("webhook answered without a reply")
		return d.Delivery.Deliver(d.FallbackNoReply, interrupted)
	}
	return d.Delivery.Deliver(reply, interrupted)
}

func (d *Dispatcher) post(ctx context.Context, webhookURL, sessionID, utterance string) (string, error) {
	if strings.TrimSpace(webhookURL) == "" {
		return "", fmt.Errorf("webhook url is empty")
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(webhookRequest{
		Message:   utterance,
		SessionID: sessionID,
		Timestamp: now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("encode webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	var decoded webhookResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode webhook response: %w", err)
	}
	return decoded.Reply, nil
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
