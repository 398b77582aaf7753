//go:build onnx

// Package onnx embeds text locally with a sentence-transformer model run by
// ONNX Runtime. Build with -tags onnx.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
)

const (
	DefaultDimensions        = 384
	DefaultMaxSequenceLength = 128
	DefaultSharedLibraryPath = "/usr/local/lib/libonnxruntime.so"
)

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the model's tokenizer.json.
	TokenizerPath string

	// SharedLibraryPath locates libonnxruntime. Empty uses
	// DefaultSharedLibraryPath.
	SharedLibraryPath string

	// Dimensions is the hidden size of the model (384 for all-MiniLM-L6-v2).
	Dimensions int

	// MaxSequenceLength bounds the token window, including [CLS] and [SEP].
	MaxSequenceLength int
}

// Option configures an Embedder.
type Option func(*Embedder)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Embedder) {
		if log != nil {
			e.log = log
		}
	}
}

// Embedder generates embeddings with ONNX Runtime.
type Embedder struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	tokenizer  *Tokenizer
	dimensions int
	maxLen     int
	log        *zap.Logger
}

var _ memory.Embedder = (*Embedder)(nil)

var (
	initOnce sync.Once
	initErr  error
)

// New loads the tokenizer and model.
func New(cfg Config, opts ...Option) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx: ModelPath is required")
	}
	if cfg.TokenizerPath == "" {
		return nil, errors.New("onnx: TokenizerPath is required")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.MaxSequenceLength < 3 {
		cfg.MaxSequenceLength = DefaultMaxSequenceLength
	}
	if cfg.SharedLibraryPath == "" {
		cfg.SharedLibraryPath = DefaultSharedLibraryPath
	}

	e := &Embedder{
		dimensions: cfg.Dimensions,
		maxLen:     cfg.MaxSequenceLength,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	initOnce.Do(func() {
		ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", initErr)
	}

	tok, err := LoadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, err
	}
	e.tokenizer = tok

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	e.session = session

	e.log.Info("onnx_embedder_loaded",
		zap.String("model", cfg.ModelPath),
		zap.Int("dimensions", e.dimensions),
		zap.Int("max_sequence_length", e.maxLen))
	return e, nil
}

// Embed returns the mean-pooled, unit-length embedding of text. Blank text
// embeds to the zero vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.Unavailable(core.ErrEmbeddingUnavailable, "onnx embed", err)
	}
	if strings.TrimSpace(text) == "" {
		return make([]float32, e.dimensions), nil
	}

	input, mask := e.tokenizer.encode(e.tokenizer.Tokenize(text), e.maxLen)
	vec, err := e.run(input, mask)
	if err != nil {
		return nil, core.Unavailable(core.ErrEmbeddingUnavailable, "onnx embed", err)
	}
	return core.Normalize(vec), nil
}

func (e *Embedder) run(input, mask []int64) ([]float32, error) {
	shape := ort.NewShape(1, int64(e.maxLen))

	inputTensor, err := ort.NewTensor(shape, input)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	typeTensor, err := ort.NewTensor(shape, make([]int64, e.maxLen))
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outputs := []ort.Value{nil}
	e.mu.Lock()
	err = e.session.Run([]ort.Value{inputTensor, maskTensor, typeTensor}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	data := hidden.GetData()
	shapeOut := hidden.GetShape()

	switch len(shapeOut) {
	case 2:
		if len(data) < e.dimensions {
			return nil, fmt.Errorf("output has %d values, want %d", len(data), e.dimensions)
		}
		out := make([]float32, e.dimensions)
		copy(out, data[:e.dimensions])
		return out, nil
	case 3:
		if shapeOut[0] != 1 {
			return nil, fmt.Errorf("batch size %d, want 1", shapeOut[0])
		}
		if shapeOut[2] != int64(e.dimensions) {
			return nil, fmt.Errorf("hidden size %d, want %d", shapeOut[2], e.dimensions)
		}
		return meanPool(data, mask, int(shapeOut[1]), e.dimensions), nil
	default:
		return nil, fmt.Errorf("unexpected output shape %v", shapeOut)
	}
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close releases the session.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}
