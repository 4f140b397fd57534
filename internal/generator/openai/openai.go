// Package openai generates answers with an OpenAI-compatible chat completion
// endpoint, such as a local Ollama model.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"docrag/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

const systemPrompt = "You answer questions using only the provided context. " +
	"If the context does not contain the answer, say you don't know."

// Config configures the chat client.
type Config struct {
	BaseURL   string
	APIKeyEnv string
	Model     string
	Timeout   time.Duration
}

// Generator stuffs every retrieved chunk into a single prompt.
type Generator struct {
	client *goopenai.Client
	model  string
}

// New creates a chat-completion generator. An API key is required only for
// the default OpenAI endpoint.
func New(cfg Config) (*Generator, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "OPENAI_API_KEY"
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" && cfg.BaseURL == defaultBaseURL {
		return nil, fmt.Errorf("%w: missing API key in env %s", domain.ErrInvalidConfiguration, cfg.APIKeyEnv)
	}
	if cfg.Model == "" {
		cfg.Model = goopenai.GPT4oMini
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	oc := goopenai.DefaultConfig(key)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Generator{client: goopenai.NewClientWithConfig(oc), model: cfg.Model}, nil
}

func (g *Generator) Name() string { return "openai:" + g.model }

// Generate asks the model to answer question from contexts.
func (g *Generator) Generate(ctx context.Context, question string, contexts []string) (string, error) {
	if len(contexts) == 0 {
		return "", fmt.Errorf("no context to answer from: %w", domain.ErrNotFound)
	}
	resp, err := g.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: g.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: Prompt(question, contexts)},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Prompt renders the user message: numbered context blocks followed by the question.
func Prompt(question string, contexts []string) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, c := range contexts {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, strings.TrimSpace(c))
	}
	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\nAnswer:")
	return b.String()
}

var _ domain.Generator = (*Generator)(nil)
