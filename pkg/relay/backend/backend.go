// Package backend is the HTTP client for the administrative backend: bot
// configuration lookup and conversation storage. The relay holds no durable
// state of its own; everything worth keeping goes through here.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/torisedigital/td-relay/pkg/relay/protocol"
	"github.com/torisedigital/td-relay/pkg/relay/record"
)

const defaultBaseURL = "http://localhost:5000"

// Option configures a Client.
type Option func(*options)

type options struct {
	httpClient *http.Client
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// Bot is a bot's configuration as the backend reports it.
type Bot struct {
	Active           bool                   `json:"active"`
	Name             string                 `json:"name"`
	WebhookURL       string                 `json:"webhook_url"`
	UserPromptFields []protocol.PromptField `json:"user_prompt_fields"`
}

// Client talks to the administrative backend. It implements the record
// storage contract.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, opts ...Option) *Client {
	o := &options{httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(o)
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  o.httpClient,
	}
}

// Bot fetches a bot's configuration by identifier.
func (c *Client) Bot(ctx context.Context, botID string) (*Bot, error) {
	var bot Bot
	path := "/api/admin/bots/" + url.PathEscape(botID)
	if err := c.getJSON(ctx, path, &bot); err != nil {
		return nil, err
	}
	return &bot, nil
}

// BotByDNIS resolves the bot serving a dialed number.
func (c *Client) BotByDNIS(ctx context.Context, dnis string) (*Bot, error) {
	var bot Bot
	path := "/api/admin/bots/lookup/" + url.PathEscape(dnis)
	if err := c.getJSON(ctx, path, &bot); err != nil {
		return nil, err
	}
	return &bot, nil
}

// RawBotByDNIS returns the backend's lookup response verbatim, for the
// pass-through proxy endpoint.
func (c *Client) RawBotByDNIS(ctx context.Context, dnis string) (json.RawMessage, error) {
	var raw json.RawMessage
	path := "/api/admin/bots/lookup/" + url.PathEscape(dnis)
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

type saveResponse struct {
	ConversationID string `json:"conversation_id"`
}

// saveRequest is the backend's save contract. It differs from the relay's
// internal record shape, so the client maps between the two.
type saveRequest struct {
	ConversationID string            `json:"conversation_id"`
	ChannelType    string            `json:"channel_type"`
	UserDetails    map[string]string `json:"user_details"`
	MessageLog     []messageLogEntry `json:"message_log"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        time.Time         `json:"ended_at"`
	Duration       string            `json:"duration"`
	Status         string            `json:"status"`
}

type messageLogEntry struct {
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SaveConversation persists a finished conversation and returns the
// identifier the backend assigned to it.
func (c *Client) SaveConversation(ctx context.Context, rec record.ConversationRecord) (string, error) {
	messages := make([]messageLogEntry, 0, len(rec.Events))
	for _, ev := range rec.Events {
		sender := "agent"
		if ev.Type == record.EventUserInput {
			sender = "user"
		}
		messages = append(messages, messageLogEntry{
			Sender:    sender,
			Message:   ev.Content,
			Timestamp: ev.Timestamp,
		})
	}
	req := saveRequest{
		ConversationID: rec.SessionID,
		ChannelType:    rec.Channel,
		UserDetails:    rec.ParticipantDetails,
		MessageLog:     messages,
		StartedAt:      rec.StartedAt,
		EndedAt:        rec.EndedAt,
		Duration:       rec.Duration,
		Status:         "completed",
	}
	var saved saveResponse
	if err := c.postJSON(ctx, "/api/conversations/save", req, &saved); err != nil {
		return "", err
	}
	return saved.ConversationID, nil
}

// UpdateSummary attaches a summary to a stored conversation. Identifiers
// prefixed conv_ are stripped to the backend's raw id.
func (c *Client) UpdateSummary(ctx context.Context, conversationID, summary string) error {
	id := strings.TrimPrefix(conversationID, "conv_")
	path := "/api/conversations/" + url.PathEscape(id) + "/summary"
	return c.putJSON(ctx, path, map[string]string{"summary": summary}, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("backend: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) putJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("backend: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend: API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}
