//go:build onnx

package app

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/config"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/onnx"
)

func newONNXEmbedder(ec config.EmbeddingsConfig, log *zap.Logger) (memory.Embedder, io.Closer, error) {
	e, err := onnx.New(onnx.Config{
		ModelPath:         ec.ONNXModelPath,
		TokenizerPath:     ec.ONNXTokenizerPath,
		SharedLibraryPath: ec.ONNXLibraryPath,
		Dimensions:        ec.Dimension,
	}, onnx.WithLogger(log))
	if err != nil {
		return nil, nil, fmt.Errorf("onnx embedder: %w", err)
	}
	return e, e, nil
}
