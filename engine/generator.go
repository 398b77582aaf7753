package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
)

// Generator produces an assistant reply from an assembled context.
type Generator interface {
	Generate(ctx context.Context, messages []memory.ContextMessage) (string, error)
}

// StreamGenerator is a Generator that can stream partial text.
type StreamGenerator interface {
	Generator

	// GenerateStream calls onChunk for every text delta and returns the
	// full reply.
	GenerateStream(ctx context.Context, messages []memory.ContextMessage, onChunk func(string)) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, messages []memory.ContextMessage) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, messages []memory.ContextMessage) (string, error) {
	return f(ctx, messages)
}

// NoInformationReply is the EchoGenerator's answer when nothing was
// recalled.
const NoInformationReply = "I don't have information about that."

// EchoGenerator answers with the recalled long-term context verbatim. It
// needs no model and is used offline and in demos.
var EchoGenerator = GeneratorFunc(func(ctx context.Context, messages []memory.ContextMessage) (string, error) {
	var recalled []string
	for _, m := range messages {
		if m.Source == memory.SourceLongTerm {
			recalled = append(recalled, m.Content)
		}
	}
	if len(recalled) == 0 {
		return NoInformationReply, nil
	}
	return strings.Join(recalled, "\n"), nil
})

const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 1024

	// DefaultSystemPrompt precedes any system context in the prompt.
	DefaultSystemPrompt = "You are a helpful assistant with long-term memory of this conversation and of the documents the user has shared."
)

// ClaudeGenerator generates replies with the Anthropic Messages API.
type ClaudeGenerator struct {
	client       *anthropic.Client
	model        string
	maxTokens    int64
	systemPrompt string
}

var _ StreamGenerator = (*ClaudeGenerator)(nil)

// ClaudeOption configures a ClaudeGenerator.
type ClaudeOption func(*ClaudeGenerator)

// WithModel sets the Claude model.
func WithModel(model string) ClaudeOption {
	return func(g *ClaudeGenerator) {
		if model != "" {
			g.model = model
		}
	}
}

// WithMaxTokens sets the maximum response tokens.
func WithMaxTokens(n int64) ClaudeOption {
	return func(g *ClaudeGenerator) {
		if n > 0 {
			g.maxTokens = n
		}
	}
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(prompt string) ClaudeOption {
	return func(g *ClaudeGenerator) {
		if prompt != "" {
			g.systemPrompt = prompt
		}
	}
}

// NewClaudeGenerator creates a generator on client.
func NewClaudeGenerator(client *anthropic.Client, opts ...ClaudeOption) *ClaudeGenerator {
	g := &ClaudeGenerator{
		client:       client,
		model:        DefaultModel,
		maxTokens:    DefaultMaxTokens,
		systemPrompt: DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns Claude's reply.
func (g *ClaudeGenerator) Generate(ctx context.Context, messages []memory.ContextMessage) (string, error) {
	params, err := g.params(messages)
	if err != nil {
		return "", err
	}
	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude API error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// GenerateStream streams Claude's reply through onChunk.
func (g *ClaudeGenerator) GenerateStream(ctx context.Context, messages []memory.ContextMessage, onChunk func(string)) (string, error) {
	params, err := g.params(messages)
	if err != nil {
		return "", err
	}

	stream := g.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				text.WriteString(delta.Text)
				if onChunk != nil {
					onChunk(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("claude API error: %w", err)
	}
	return text.String(), nil
}

func (g *ClaudeGenerator) params(messages []memory.ContextMessage) (anthropic.MessageNewParams, error) {
	system, turns := foldMessages(g.systemPrompt, messages)
	if len(turns) == 0 {
		return anthropic.MessageNewParams{}, errors.New("claude: no user or assistant messages to send")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(turns)),
		System:    []anthropic.TextBlockParam{{Text: system}},
	}
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == core.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	return params, nil
}

// foldMessages moves system messages into the system prompt and merges
// consecutive turns of the same role. The Messages API needs alternating
// turns that start with the user.
func foldMessages(base string, messages []memory.ContextMessage) (string, []memory.ContextMessage) {
	system := []string{base}
	var turns []memory.ContextMessage
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role == core.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == m.Role {
			turns[n-1].Content += "\n\n" + m.Content
			continue
		}
		if len(turns) == 0 && m.Role == core.RoleAssistant {
			// A transcript that starts mid-exchange.
			turns = append(turns, memory.ContextMessage{Role: core.RoleUser, Content: "(earlier conversation)"})
		}
		turns = append(turns, memory.ContextMessage{Role: m.Role, Content: m.Content})
	}
	return strings.Join(system, "\n\n"), turns
}
