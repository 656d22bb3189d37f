//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

// ONNXConfig describes a sentence embedding model exported to ONNX.
type ONNXConfig struct {
	ModelPath  string
	ModelID    string
	Dimensions int
	MaxTokens  int
	OutputName string
}

// ONNXEmbedder stub type when built without CGO (see onnx.go for real implementation).
type ONNXEmbedder struct{}

// NewONNXEmbedder returns an error when built without CGO (ONNX not available).
func NewONNXEmbedder(_ ONNXConfig, _ Tokenizer) (*ONNXEmbedder, error) {
	return nil, errors.New("ONNX embedder requires CGO; build with CGO_ENABLED=1 and onnxruntime")
}

func (e *ONNXEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("ONNX embedder requires CGO")
}

func (e *ONNXEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("ONNX embedder requires CGO")
}

func (e *ONNXEmbedder) Dimensions() int { return 0 }
func (e *ONNXEmbedder) ModelID() string { return "" }
func (e *ONNXEmbedder) Close() error    { return nil }
