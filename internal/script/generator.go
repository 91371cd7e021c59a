// Package script writes the opening line of a sales call with a language model.
package script

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/domain"
)

const systemPrompt = "You are a friendly outbound sales agent for a lash salon marketing service. " +
	"Write the first thing you say when the salon owner answers the phone. " +
	"Two sentences at most, plain text, no greeting placeholders."

// Generator produces an opening script. It never fails: callers get the
// fallback whenever the model cannot answer.
type Generator interface {
	Generate(ctx context.Context, lead domain.Lead, fallback string) string
}

// Options configures the OpenAI backed generator.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Logger  *zap.Logger
}

// LLMGenerator calls the chat completions API.
type LLMGenerator struct {
	client  openai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewLLM builds a generator for one API key.
func NewLLM(opts Options) *LLMGenerator {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(opts.APIKey)),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimRight(opts.BaseURL, "/"); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	if opts.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.Timeout))
	}
	model := opts.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMGenerator{
		client:  openai.NewClient(reqOpts...),
		model:   model,
		timeout: opts.Timeout,
		logger:  logger,
	}
}

// Generate asks the model for an opening line.
func (g *LLMGenerator) Generate(ctx context.Context, lead domain.Lead, fallback string) string {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(leadPrompt(lead)),
		},
		MaxTokens:   openai.Int(120),
		Temperature: openai.Float(0.7),
	})
	if err != nil {
		g.logger.Warn("script generation failed, using fallback", zap.Int64("lead_id", lead.ID), zap.Error(err))
		return fallback
	}
	if len(resp.Choices) == 0 {
		g.logger.Warn("script generation returned no choices, using fallback", zap.Int64("lead_id", lead.ID))
		return fallback
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return fallback
	}
	return text
}

func leadPrompt(lead domain.Lead) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Business: %s\n", lead.Name)
	if lead.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", lead.Category)
	}
	if lead.Address != "" {
		fmt.Fprintf(&b, "Address: %s\n", lead.Address)
	}
	if lead.Website != "" {
		fmt.Fprintf(&b, "Website: %s\n", lead.Website)
	}
	return b.String()
}

// Static always returns the fallback. Used when no model key is configured.
type Static struct{}

func (Static) Generate(_ context.Context, _ domain.Lead, fallback string) string {
	return fallback
}
