//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig describes a sentence embedding model exported to ONNX.
// OutputName "last_hidden_state" is mean pooled over the attention mask;
// any other output is taken as an already pooled (1, Dimensions) vector.
type ONNXConfig struct {
	ModelPath  string
	ModelID    string
	Dimensions int
	MaxTokens  int
	OutputName string
}

// ONNXEmbedder uses ONNX Runtime to produce embeddings. It requires CGO and the onnxruntime shared library.
type ONNXEmbedder struct {
	session    *ort.AdvancedSession
	cfg        ONNXConfig
	tokenizer  Tokenizer
	meanPooled bool
	// Pre-allocated tensors for Run(); we update input data and read output.
	inputIDsTensor      *ort.Tensor[int64]
	attentionMaskTensor *ort.Tensor[int64]
	tokenTypeIDsTensor  *ort.Tensor[int64]
	outputTensor        *ort.Tensor[float32]
	mu                  sync.Mutex
}

// NewONNXEmbedder creates an ONNX embedder. InitializeEnvironment is called if not already done.
func NewONNXEmbedder(cfg ONNXConfig, tokenizer Tokenizer) (*ONNXEmbedder, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "last_hidden_state"
	}

	inputInfo, _, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model inputs: %w", err)
	}
	hasTokenTypes := false
	for _, in := range inputInfo {
		if in.Name == "token_type_ids" {
			hasTokenTypes = true
		}
	}

	e := &ONNXEmbedder{cfg: cfg, tokenizer: tokenizer, meanPooled: cfg.OutputName == "last_hidden_state"}
	shape := ort.NewShape(1, int64(cfg.MaxTokens))
	if e.inputIDsTensor, err = ort.NewEmptyTensor[int64](shape); err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	if e.attentionMaskTensor, err = ort.NewEmptyTensor[int64](shape); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	outShape := ort.NewShape(1, int64(cfg.Dimensions))
	if e.meanPooled {
		outShape = ort.NewShape(1, int64(cfg.MaxTokens), int64(cfg.Dimensions))
	}
	if e.outputTensor, err = ort.NewEmptyTensor[float32](outShape); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	names := []string{"input_ids", "attention_mask"}
	inputs := []ort.ArbitraryTensor{e.inputIDsTensor, e.attentionMaskTensor}
	if hasTokenTypes {
		if e.tokenTypeIDsTensor, err = ort.NewEmptyTensor[int64](shape); err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
		}
		names = append(names, "token_type_ids")
		inputs = append(inputs, e.tokenTypeIDsTensor)
	}

	e.session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		names,
		[]string{cfg.OutputName},
		inputs,
		[]ort.ArbitraryTensor{e.outputTensor},
		nil,
	)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return e, nil
}

// Embed returns the unit-length embedding for text.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	inputIDs, attentionMask, tokenTypeIDs := e.tokenizer.Tokenize(text, e.cfg.MaxTokens)
	copy(e.inputIDsTensor.GetData(), inputIDs)
	copy(e.attentionMaskTensor.GetData(), attentionMask)
	if e.tokenTypeIDsTensor != nil {
		copy(e.tokenTypeIDsTensor.GetData(), tokenTypeIDs)
	}

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	dims := e.cfg.Dimensions
	out := e.outputTensor.GetData()
	embedding := make([]float32, dims)
	if e.meanPooled {
		var count float32
		for tok, m := range attentionMask {
			if m == 0 {
				continue
			}
			row := out[tok*dims : (tok+1)*dims]
			for i, v := range row {
				embedding[i] += v
			}
			count++
		}
		if count > 0 {
			for i := range embedding {
				embedding[i] /= count
			}
		}
	} else {
		copy(embedding, out[:dims])
	}

	NormalizeL2Slice(embedding)
	return embedding, nil
}

// EmbedBatch calls Embed for each text.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimension.
func (e *ONNXEmbedder) Dimensions() int {
	return e.cfg.Dimensions
}

// ModelID returns the configured model identifier.
func (e *ONNXEmbedder) ModelID() string {
	return e.cfg.ModelID
}

// Close destroys the session and tensors.
func (e *ONNXEmbedder) Close() error {
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.inputIDsTensor != nil {
		_ = e.inputIDsTensor.Destroy()
		e.inputIDsTensor = nil
	}
	if e.attentionMaskTensor != nil {
		_ = e.attentionMaskTensor.Destroy()
		e.attentionMaskTensor = nil
	}
	if e.tokenTypeIDsTensor != nil {
		_ = e.tokenTypeIDsTensor.Destroy()
		e.tokenTypeIDsTensor = nil
	}
	if e.outputTensor != nil {
		_ = e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	return err
}
