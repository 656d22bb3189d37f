// Package classifier runs the multi-label image tagging model and turns its
// logits into category-bucketed tag probabilities.
package classifier

import "context"

// Model executes one forward pass over a batch of preprocessed images.
// batch holds n images of shape (3, S, S) back to back; the result holds one
// row of raw logits per image.
type Model interface {
	Predict(ctx context.Context, batch []float32, n int) ([][]float32, error)
	Close() error
}
