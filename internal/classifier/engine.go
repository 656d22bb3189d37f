package classifier

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	ferrors "github.com/hyperjump/fuda/internal/errors"
	"github.com/hyperjump/fuda/internal/preprocess"
	"github.com/hyperjump/fuda/internal/vocab"
)

// TagProbability is one accepted tag.
type TagProbability struct {
	Tag         string  `json:"tag"`
	Probability float64 `json:"probability"`
}

// Result is the classification of one image.
type Result struct {
	// Tags holds every category; categories with no accepted tag are empty.
	Tags map[vocab.Category][]TagProbability `json:"tags"`
	// AllTags is the flattened accepted tags in category order.
	AllTags []string `json:"all_tags"`
	// AllProbs is the unfiltered probability map, floored at the engine's
	// minimum confidence.
	AllProbs map[string]float64 `json:"all_probs,omitempty"`
	// Rating is the most probable accepted rating tag, empty when none passed.
	Rating  string        `json:"rating,omitempty"`
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Kind    ferrors.Kind  `json:"error_kind,omitempty"`
	Latency time.Duration `json:"-"`
}

// Engine owns a loaded model and its vocabulary. Inference is serialized
// through a single-slot gate; waiters are admitted in arrival order.
type Engine struct {
	model         Model
	vocab         *vocab.Vocabulary
	imageSize     int
	minConfidence float64
	gate          *semaphore.Weighted
	logger        *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithImageSize sets the square input size the model expects.
func WithImageSize(size int) Option {
	return func(e *Engine) { e.imageSize = size }
}

// WithMinConfidence drops probabilities below floor from Result.AllProbs.
func WithMinConfidence(floor float64) Option {
	return func(e *Engine) { e.minConfidence = floor }
}

// NewEngine creates an engine around model and vocabulary.
func NewEngine(model Model, v *vocab.Vocabulary, opts ...Option) *Engine {
	e := &Engine{
		model:     model,
		vocab:     v,
		imageSize: preprocess.DefaultSize,
		gate:      semaphore.NewWeighted(1),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ImageSize returns the square input edge the model expects.
func (e *Engine) ImageSize() int { return e.imageSize }

// Vocabulary returns the engine's tag vocabulary.
func (e *Engine) Vocabulary() *vocab.Vocabulary { return e.vocab }

// PredictBatch classifies tensors in a single forward pass. A tag is kept when
// its probability is >= the override for its category, or >= threshold when
// the category has none.
func (e *Engine) PredictBatch(ctx context.Context, tensors []*preprocess.Tensor, threshold float64, categoryThresholds map[string]float64) ([]*Result, error) {
	const op = "classifier.PredictBatch"
	thresholds, err := resolveThresholds(threshold, categoryThresholds)
	if err != nil {
		return nil, err
	}
	batch, err := preprocess.Batch(tensors)
	if err != nil {
		return nil, err
	}
	if tensors[0].Size != e.imageSize {
		return nil, ferrors.InvalidInput(op, fmt.Sprintf("tensor size %d, model expects %d", tensors[0].Size, e.imageSize), nil)
	}

	logits, latency, err := e.infer(ctx, batch, len(tensors))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ferrors.Inference(op, "model execution failed", err)
	}
	if len(logits) != len(tensors) {
		return nil, ferrors.Inference(op, fmt.Sprintf("model returned %d rows for %d images", len(logits), len(tensors)), nil)
	}
	e.logger.Debug("inference complete",
		zap.Int("batch", len(tensors)),
		zap.Duration("latency", latency))

	results := make([]*Result, len(logits))
	for i, row := range logits {
		results[i] = e.decode(row, thresholds)
		results[i].Latency = latency
	}
	return results, nil
}

// infer runs the model inside the gate.
func (e *Engine) infer(ctx context.Context, batch []float32, n int) ([][]float32, time.Duration, error) {
	if err := e.gate.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer e.gate.Release(1)

	start := time.Now()
	logits, err := e.model.Predict(ctx, batch, n)
	return logits, time.Since(start), err
}

type thresholdSet struct {
	global   float64
	category map[vocab.Category]float64
}

func (t thresholdSet) forCategory(c vocab.Category) float64 {
	if v, ok := t.category[c]; ok {
		return v
	}
	return t.global
}

func resolveThresholds(global float64, overrides map[string]float64) (thresholdSet, error) {
	const op = "classifier.PredictBatch"
	if global < 0 || global > 1 || math.IsNaN(global) {
		return thresholdSet{}, ferrors.InvalidInput(op, fmt.Sprintf("threshold %v out of range [0,1]", global), nil)
	}
	set := thresholdSet{global: global, category: make(map[vocab.Category]float64, len(overrides))}
	for label, v := range overrides {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return thresholdSet{}, ferrors.InvalidInput(op, fmt.Sprintf("threshold for %s %v out of range [0,1]", label, v), nil)
		}
		set.category[vocab.ParseCategory(label)] = v
	}
	return set, nil
}

func (e *Engine) decode(logits []float32, thresholds thresholdSet) *Result {
	grouped := make(map[vocab.Category][]TagProbability, len(vocab.Categories))
	allProbs := make(map[string]float64)
	for idx, logit := range logits {
		p := Sigmoid(float64(logit))
		tag, cat := e.vocab.At(idx)
		if p >= e.minConfidence {
			allProbs[tag] = p
		}
		grouped[cat] = append(grouped[cat], TagProbability{Tag: tag, Probability: p})
	}

	res := &Result{
		Tags:     make(map[vocab.Category][]TagProbability, len(vocab.Categories)),
		AllTags:  []string{},
		AllProbs: allProbs,
		Success:  true,
	}
	for _, cat := range vocab.Categories {
		entries := grouped[cat]
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Probability != entries[j].Probability {
				return entries[i].Probability > entries[j].Probability
			}
			return entries[i].Tag < entries[j].Tag
		})
		th := thresholds.forCategory(cat)
		kept := []TagProbability{}
		for _, tp := range entries {
			if tp.Probability < th {
				break
			}
			kept = append(kept, tp)
		}
		if cat == vocab.CategoryRating && len(kept) > 0 {
			res.Rating = kept[0].Tag
		}
		res.Tags[cat] = kept
		for _, tp := range kept {
			res.AllTags = append(res.AllTags, tp.Tag)
		}
	}
	return res
}

// Sigmoid is the logistic function, evaluated so that neither branch
// exponentiates a large positive number.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	z := math.Exp(x)
	return z / (1 + z)
}

// Close releases the model.
func (e *Engine) Close() error {
	if e.model == nil {
		return nil
	}
	return e.model.Close()
}
