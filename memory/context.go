package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/becomeliminal/nim-memory/core"
)

// Prompt instructions appended after the recalled context.
const (
	InstructionsWithContext = "Instructions: Answer using information from the conversation history and [Context] snippets above. " +
		"If the context doesn't contain enough information to answer, say 'I don't have information about that.' " +
		"Keep answers to 2-3 sentences."

	InstructionsHistoryOnly = "Instructions: Answer using information from the conversation history above. " +
		"If you cannot answer from the conversation, say 'I don't have information about that.' " +
		"Keep answers to 2-3 sentences."
)

// Message sources in an assembled context.
const (
	SourceShortTerm    = "short-term"
	SourceLongTerm     = "long-term"
	SourceInstructions = "instructions"
	SourceQuery        = "query"
)

// ContextMessage is one prompt-ready message.
type ContextMessage struct {
	Role    core.Role `json:"role"`
	Content string    `json:"content"`
	Source  string    `json:"source,omitempty"`
}

// HybridContext is the result of AssembleHybridContext.
type HybridContext struct {
	// Messages in prompt order: short-term turns, conversation recalls,
	// document recalls, instructions, then the query.
	Messages []ContextMessage `json:"messages"`

	Trace *Trace `json:"trace"`
}

// Type returns the context type.
func (h *HybridContext) Type() ContextType { return h.Trace.ContextType }

// AssembleHybridContext builds the prompt context for query in a session.
// Only a recency failure is returned; long-term problems shrink the
// context and are recorded in the trace.
func (o *Orchestrator) AssembleHybridContext(ctx context.Context, sessionID, query string) (*HybridContext, error) {
	trace := &Trace{SessionID: sessionID, Query: query}

	start := time.Now()
	short, err := o.ShortTerm(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("assemble context: %w", err)
	}
	trace.ShortTerm = short
	trace.ShortTermTook = time.Since(start)

	lt := o.config.LongTerm
	convQuery := LongTermQuery{
		Text:      query,
		SessionID: sessionID,
		TopK:      lt.TopK,
		Threshold: lt.SimilarityThreshold,
		Source:    core.SourceConversation,
	}
	docQuery := LongTermQuery{
		Text:      query,
		SessionID: sessionID,
		TopK:      lt.DocTopK,
		Threshold: lt.DocSimilarityThreshold,
		Source:    core.SourceDocument,
	}

	// Both buckets draw on one embedding and one candidate pool sized for
	// the larger of the two.
	start = time.Now()
	var stats retrieval
	pool := o.candidatePool(ctx, query, sessionID, "", max(lt.TopK, lt.DocTopK), &stats)
	trace.Conversation = o.rank(ctx, convQuery, pool)
	trace.Documents = o.rank(ctx, docQuery, pool)
	trace.LongTermTook = time.Since(start)
	trace.Candidates = stats.candidates
	trace.Fetched = stats.fetched
	trace.Fallback = stats.fallback
	trace.Degraded = stats.degraded
	trace.EmbedTook = stats.embed
	trace.SearchTook = stats.search

	long := len(trace.Conversation) + len(trace.Documents)
	trace.ContextType = contextTypeOf(len(short), long)

	msgs := make([]ContextMessage, 0, len(short)+long+2)
	for _, m := range short {
		msgs = append(msgs, ContextMessage{Role: m.Role, Content: m.Content, Source: SourceShortTerm})
	}
	for _, h := range trace.Conversation {
		msgs = append(msgs, recallMessage(h))
	}
	for _, h := range trace.Documents {
		msgs = append(msgs, recallMessage(h))
	}
	instructions := InstructionsHistoryOnly
	if long > 0 {
		instructions = InstructionsWithContext
	}
	msgs = append(msgs, ContextMessage{Role: core.RoleSystem, Content: instructions, Source: SourceInstructions})
	if strings.TrimSpace(query) != "" {
		msgs = append(msgs, ContextMessage{Role: core.RoleUser, Content: query, Source: SourceQuery})
	}

	o.metrics.ContextAssembled(string(trace.ContextType))
	o.log.Info("context_assembled", trace.Field())

	return &HybridContext{Messages: msgs, Trace: trace}, nil
}

func recallMessage(h Hit) ContextMessage {
	return ContextMessage{
		Role:    core.RoleSystem,
		Content: fmt.Sprintf("[Context from %s]: %s", h.SourceType, h.Content),
		Source:  SourceLongTerm,
	}
}
