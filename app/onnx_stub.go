//go:build !onnx

package app

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/config"
	"github.com/becomeliminal/nim-memory/memory"
)

func newONNXEmbedder(config.EmbeddingsConfig, *zap.Logger) (memory.Embedder, io.Closer, error) {
	return nil, nil, errors.New("onnx embedder not available: rebuild with -tags onnx")
}
