//go:build !cgo
// +build !cgo

package classifier

import (
	"context"
	"errors"
)

// ONNXModel stub type when built without CGO (see onnx.go for real implementation).
type ONNXModel struct{}

// NewONNXModel returns an error when built without CGO (ONNX not available).
func NewONNXModel(_ string, _ int) (*ONNXModel, error) {
	return nil, errors.New("ONNX classifier requires CGO; build with CGO_ENABLED=1 and onnxruntime")
}

// Predict is never reachable on the stub.
func (m *ONNXModel) Predict(context.Context, []float32, int) ([][]float32, error) {
	return nil, errors.New("ONNX classifier requires CGO")
}

// Close is a no-op.
func (m *ONNXModel) Close() error { return nil }
