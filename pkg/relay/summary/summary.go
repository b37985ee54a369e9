// Package summary generates short prose summaries of finished conversations
// through an OpenAI-compatible chat-completions endpoint.
package summary

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/torisedigital/td-relay/pkg/relay/session"
)

const (
	defaultModel = "gpt-3.5-turbo"

	systemPrompt = "You are a helpful assistant that summarizes customer service conversations professionally and concisely."

	promptHeader = "Please provide a concise summary of the following conversation between a user and a customer service agent. Focus on the main topics discussed, any issues raised, and the resolution provided. Keep the summary professional and informative."
)

// Summarizer asks a chat-completions model for a conversation summary. It
// implements the record summarizer contract.
type Summarizer struct {
	client openai.Client
	model  string
}

// Option configures a Summarizer.
type Option func(*settings)

type settings struct {
	baseURL string
	model   string
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithModel overrides the completion model.
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

func New(apiKey string, opts ...Option) *Summarizer {
	s := &settings{model: defaultModel}
	for _, opt := range opts {
		opt(s)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	return &Summarizer{
		client: openai.NewClient(reqOpts...),
		model:  s.model,
	}
}

// Summarize produces a summary of the message log.
func (s *Summarizer) Summarize(ctx context.Context, log []session.Message) (string, error) {
	if len(log) == 0 {
		return "", fmt.Errorf("summary: empty conversation")
	}

	completion, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(BuildPrompt(log)),
		},
		MaxTokens:   openai.Int(300),
		Temperature: openai.Float(0.3),
	})
	if err != nil {
		return "", fmt.Errorf("summary: completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("summary: completion returned no choices")
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

// BuildPrompt renders the transcript into the user prompt sent to the model.
func BuildPrompt(log []session.Message) string {
	var transcript strings.Builder
	for i, msg := range log {
		if i > 0 {
			transcript.WriteString("\n")
		}
		role := "assistant"
		if msg.Role == session.RoleUser {
			role = "user"
		}
		transcript.WriteString(role)
		transcript.WriteString(": ")
		transcript.WriteString(msg.Content)
	}
	return fmt.Sprintf("%s\n\nConversation:\n%s\n\nSummary:", promptHeader, transcript.String())
}
