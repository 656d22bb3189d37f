package vector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/fuda/internal/embedding"
	ferrors "github.com/hyperjump/fuda/internal/errors"
	"github.com/hyperjump/fuda/internal/vocab"
)

const defaultBatchSize = 64

// BuildOptions configures Build.
type BuildOptions struct {
	Options
	BatchSize int
	Logger    *zap.Logger
}

// Build embeds every tag's surface form and indexes it under the canonical
// tag. When dir is non-empty the index and its manifest are written to a
// staging directory and swapped into place, replacing any previous index.
func Build(ctx context.Context, embedder embedding.Embedder, tags []string, dir string, opts BuildOptions) (Index, *Manifest, error) {
	if len(tags) == 0 {
		return nil, nil, ferrors.Configuration("vector.Build", "cannot build an index from an empty vocabulary", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	start := time.Now()
	idx, err := NewIndex(embedder.Dimensions(), opts.Options)
	if err != nil {
		return nil, nil, ferrors.Configuration("vector.Build", "invalid index options", err)
	}
	for i := 0; i < len(tags); i += batchSize {
		end := i + batchSize
		if end > len(tags) {
			end = len(tags)
		}
		batch := tags[i:end]
		texts := make([]string, len(batch))
		for j, tag := range batch {
			texts[j] = vocab.SurfaceForm(tag)
		}
		vecs, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			idx.Close()
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, ferrors.Inference("vector.Build", "failed to embed tags", err)
		}
		if err := idx.Add(ctx, batch, vecs); err != nil {
			idx.Close()
			return nil, nil, fmt.Errorf("failed to add batch: %w", err)
		}
		if end%(batchSize*50) == 0 {
			logger.Debug("Indexing tags", zap.Int("done", end), zap.Int("total", len(tags)))
		}
	}

	manifest := &Manifest{
		ModelID:    embedder.ModelID(),
		Dimensions: embedder.Dimensions(),
		Count:      idx.Size(),
		Type:       idx.Type(),
		BuildID:    uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
	}
	if dir != "" {
		if err := persist(idx, manifest, dir); err != nil {
			idx.Close()
			return nil, nil, err
		}
	}
	logger.Info("Built tag index",
		zap.Int("tags", manifest.Count),
		zap.String("type", string(manifest.Type)),
		zap.String("model", manifest.ModelID),
		zap.Duration("elapsed", time.Since(start)))
	return idx, manifest, nil
}

func persist(idx Index, manifest *Manifest, dir string) error {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("failed to create index parent dir: %w", err)
	}
	staging := dir + ".build-" + manifest.BuildID
	if err := idx.Save(staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("failed to save index: %w", err)
	}
	if err := WriteManifest(staging, manifest); err != nil {
		os.RemoveAll(staging)
		return err
	}

	old := dir + ".old-" + manifest.BuildID
	if err := os.Rename(dir, old); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.RemoveAll(staging)
		return fmt.Errorf("failed to move previous index aside: %w", err)
	}
	if err := os.Rename(staging, dir); err != nil {
		_ = os.Rename(old, dir)
		os.RemoveAll(staging)
		return fmt.Errorf("failed to install index: %w", err)
	}
	os.RemoveAll(old)
	return nil
}

// Open loads a persisted index from dir after checking its manifest against
// the embedder that will query it. The backend type comes from the manifest.
func Open(dir, modelID string, dimensions int, opts Options) (Index, *Manifest, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, nil, err
	}
	if err := manifest.Validate(modelID, dimensions); err != nil {
		return nil, nil, err
	}
	opts.Type = manifest.Type
	idx, err := NewIndex(dimensions, opts)
	if err != nil {
		return nil, nil, ferrors.Configuration("vector.Open", "unsupported index type in manifest", err)
	}
	if err := idx.Load(dir); err != nil {
		return nil, nil, err
	}
	if idx.Size() != manifest.Count {
		idx.Close()
		return nil, nil, ferrors.Configuration("vector.Open",
			fmt.Sprintf("index holds %d entries, manifest says %d", idx.Size(), manifest.Count), nil)
	}
	return idx, manifest, nil
}
