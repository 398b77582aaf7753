package memory

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/becomeliminal/nim-memory/core"
)

// ContextType classifies an assembled context by which tiers contributed.
type ContextType string

const (
	ContextHybrid    ContextType = "hybrid"
	ContextShortTerm ContextType = "short-term"
	ContextLongTerm  ContextType = "long-term"
	ContextNone      ContextType = "none"
)

func contextTypeOf(short, long int) ContextType {
	switch {
	case short > 0 && long > 0:
		return ContextHybrid
	case short > 0:
		return ContextShortTerm
	case long > 0:
		return ContextLongTerm
	}
	return ContextNone
}

// Trace exposes each bucket of an assembled context separately, along with
// how the long-term half was obtained. It is meant for operators debugging
// recall, and is returned by the chat API on request.
type Trace struct {
	SessionID   string      `json:"session_id"`
	Query       string      `json:"query"`
	ContextType ContextType `json:"context_type"`

	ShortTerm    []core.Message `json:"short_term"`
	Conversation []Hit          `json:"conversation"`
	Documents    []Hit          `json:"documents"`

	// Candidates is the nearest-neighbour query size (k').
	Candidates int `json:"candidates"`

	// Fetched is the number of candidates before filtering.
	Fetched int `json:"fetched"`

	// Fallback is set when candidates came from a direct scan.
	Fallback bool `json:"fallback"`

	// Degraded lists the long-term stages that failed.
	Degraded []string `json:"degraded,omitempty"`

	ShortTermTook time.Duration `json:"short_term_took"`
	EmbedTook     time.Duration `json:"embed_took"`
	SearchTook    time.Duration `json:"search_took"`
	LongTermTook  time.Duration `json:"long_term_took"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (t *Trace) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("session", t.SessionID)
	enc.AddString("context_type", string(t.ContextType))
	enc.AddInt("short_term", len(t.ShortTerm))
	enc.AddInt("conversation", len(t.Conversation))
	enc.AddInt("documents", len(t.Documents))
	enc.AddInt("candidates", t.Candidates)
	enc.AddInt("fetched", t.Fetched)
	enc.AddBool("fallback", t.Fallback)
	enc.AddDuration("short_term_took", t.ShortTermTook)
	enc.AddDuration("long_term_took", t.LongTermTook)
	if len(t.Degraded) > 0 {
		return enc.AddArray("degraded", zapcore.ArrayMarshalerFunc(func(arr zapcore.ArrayEncoder) error {
			for _, s := range t.Degraded {
				arr.AppendString(s)
			}
			return nil
		}))
	}
	return nil
}

// Field returns the trace as a zap field.
func (t *Trace) Field() zap.Field {
	return zap.Object("trace", t)
}
