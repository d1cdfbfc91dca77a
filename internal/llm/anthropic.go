// Package llm generates persona replies with the Anthropic Messages API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/rcliao/troupe-memory/internal/config"
	"github.com/rcliao/troupe-memory/internal/discussion"
)

// messagesAPI is the subset of the Anthropic client used here.
type messagesAPI interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicResponder speaks for personas using Claude.
type AnthropicResponder struct {
	msgs      messagesAPI
	model     string
	maxTokens int64
	timeout   time.Duration
	logger    *zap.Logger
}

var _ discussion.Responder = (*AnthropicResponder)(nil)

// NewAnthropicResponder builds a responder from cfg. The API key falls back
// to ANTHROPIC_API_KEY.
func NewAnthropicResponder(cfg config.LLMConfig, logger *zap.Logger) (*AnthropicResponder, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if key == "" {
		return nil, errors.New("anthropic api key is not set (llm.api_key or ANTHROPIC_API_KEY)")
	}
	client := anthropic.NewClient(option.WithAPIKey(key))
	return newResponder(&client.Messages, cfg, logger), nil
}

func newResponder(msgs messagesAPI, cfg config.LLMConfig, logger *zap.Logger) *AnthropicResponder {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicResponder{
		msgs:      msgs,
		model:     cfg.Model,
		maxTokens: maxTokens,
		timeout:   cfg.Timeout,
		logger:    logger.With(zap.String("component", "llm")),
	}
}

// Reply asks Claude for the persona's next message.
func (r *AnthropicResponder) Reply(ctx context.Context, req discussion.ReplyRequest) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: r.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: SystemPrompt(req)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(UserPrompt(req))),
		},
	}

	start := time.Now()
	resp, err := r.msgs.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	r.logger.Debug("reply generated",
		zap.String("persona", req.Persona.Name),
		zap.Int("memories", len(req.Memories)),
		zap.Duration("elapsed", time.Since(start)))
	return text.String(), nil
}

// SystemPrompt describes the persona, the discussion and what the persona
// remembers.
func SystemPrompt(req discussion.ReplyRequest) string {
	var b strings.Builder
	b.WriteString("You are a participant in a group discussion. Stay in character and answer in a few sentences.\n\n")
	b.WriteString(req.Persona.Profile())

	fmt.Fprintf(&b, "\nDiscussion: %s (%s)\n", req.Discussion.Name, req.Discussion.Kind)
	if req.Discussion.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", req.Discussion.Context)
	}

	if len(req.Memories) > 0 {
		b.WriteString("\nThings you remember:\n")
		for _, m := range req.Memories {
			fmt.Fprintf(&b, "- [%s, from %s] %s\n", m.Type, m.Source, m.Content)
		}
	}
	return b.String()
}

// UserPrompt is the recent transcript followed by the turn instruction.
func UserPrompt(req discussion.ReplyRequest) string {
	var b strings.Builder
	if len(req.History) == 0 {
		b.WriteString("The discussion is just starting.\n")
	} else {
		b.WriteString("Conversation so far:\n")
		b.WriteString(discussion.Transcript(req.History))
	}
	fmt.Fprintf(&b, "\nReply as %s. Write only the message text.", req.Persona.Name)
	return b.String()
}
