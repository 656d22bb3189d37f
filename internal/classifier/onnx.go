//go:build cgo
// +build cgo

package classifier

import (
	"context"
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXModel runs a tagger exported to ONNX. It requires CGO and the
// onnxruntime shared library. Inputs are (N, 3, S, S) float32; the model may
// expose one logits output or an (initial, refined) pair, in which case the
// refined output is used.
type ONNXModel struct {
	session     *ort.DynamicAdvancedSession
	inputName   string
	outputNames []string
	outputDims  []ort.Shape
	outputIdx   int
	imageSize   int
}

// NewONNXModel loads the model at modelPath. InitializeEnvironment is called if not already done.
func NewONNXModel(modelPath string, imageSize int) (*ONNXModel, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model inputs/outputs: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s has no inputs or outputs", modelPath)
	}

	outputNames := make([]string, len(outputs))
	outputDims := make([]ort.Shape, len(outputs))
	for i, o := range outputs {
		outputNames[i] = o.Name
		outputDims[i] = o.Dimensions
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{inputs[0].Name}, outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	outputIdx := 0
	if len(outputNames) > 1 {
		outputIdx = 1
	}
	return &ONNXModel{
		session:     session,
		inputName:   inputs[0].Name,
		outputNames: outputNames,
		outputDims:  outputDims,
		outputIdx:   outputIdx,
		imageSize:   imageSize,
	}, nil
}

// Predict runs the batch through the session. Tensors are allocated per call
// because batch size varies; callers serialize access.
func (m *ONNXModel) Predict(ctx context.Context, batch []float32, n int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := int64(m.imageSize)
	input, err := ort.NewTensor(ort.NewShape(int64(n), 3, s, s), batch)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := make([]ort.ArbitraryTensor, len(m.outputNames))
	defer func() {
		for _, o := range outputs {
			if o != nil {
				_ = o.Destroy()
			}
		}
	}()
	for i, dims := range m.outputDims {
		shape := make(ort.Shape, len(dims))
		for j, d := range dims {
			if d <= 0 {
				d = int64(n)
			}
			shape[j] = d
		}
		t, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			return nil, fmt.Errorf("failed to create output tensor %q: %w", m.outputNames[i], err)
		}
		outputs[i] = t
	}

	if err := m.session.Run([]ort.ArbitraryTensor{input}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out, ok := outputs[m.outputIdx].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output %q is not a float32 tensor", m.outputNames[m.outputIdx])
	}
	data := out.GetData()
	if n == 0 || len(data)%n != 0 {
		return nil, fmt.Errorf("output has %d values for batch of %d", len(data), n)
	}
	width := len(data) / n
	logits := make([][]float32, n)
	for i := range logits {
		row := make([]float32, width)
		copy(row, data[i*width:(i+1)*width])
		for j, v := range row {
			if math.IsNaN(float64(v)) {
				return nil, fmt.Errorf("output row %d column %d is NaN", i, j)
			}
		}
		logits[i] = row
	}
	return logits, nil
}

// Close destroys the session.
func (m *ONNXModel) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}
