package vector

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	ferrors "github.com/hyperjump/fuda/internal/errors"
)

const (
	hnswGraphFile = "index.hnsw"
	hnswMetaFile  = "index.meta"

	// hnswOverfetch widens the candidate pool that is re-ranked exactly.
	hnswOverfetch = 4
)

// HNSWParams tunes the graph. Zero values fall back to coder/hnsw defaults.
type HNSWParams struct {
	M        int
	EfSearch int
}

// HNSWIndex is an approximate index backed by a coder/hnsw graph using
// Euclidean distance. Graph keys are positions in the tag table. It is
// opt-in: the exact MemoryIndex is the default.
type HNSWIndex struct {
	dimensions int
	params     HNSWParams
	graph      *hnsw.Graph[uint64]
	tags       []string
	mu         sync.RWMutex
}

// hnswMetadata is the gob sidecar stored next to the exported graph.
type hnswMetadata struct {
	Dimensions int
	Tags       []string
	Params     HNSWParams
}

// NewHNSWIndex creates an empty HNSW index.
func NewHNSWIndex(dimensions int, params HNSWParams) (*HNSWIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if params.M == 0 {
		params.M = 16
	}
	if params.EfSearch == 0 {
		params.EfSearch = 64
	}
	return &HNSWIndex{
		dimensions: dimensions,
		params:     params,
		graph:      newGraph(params),
		tags:       make([]string, 0),
	}, nil
}

func newGraph(params HNSWParams) *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.EuclideanDistance
	graph.M = params.M
	graph.EfSearch = params.EfSearch
	graph.Ml = 0.25
	return graph
}

// Type returns the index type identifier.
func (h *HNSWIndex) Type() IndexType {
	return IndexTypeHNSW
}

// Add inserts vectors with the given tags.
func (h *HNSWIndex) Add(ctx context.Context, tags []string, vectors [][]float32) error {
	if len(tags) != len(vectors) {
		return fmt.Errorf("tags and vectors length mismatch")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	nodes := make([]hnsw.Node[uint64], 0, len(tags))
	for i, tag := range tags {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(vectors[i]) != h.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vectors[i]), h.dimensions)
		}
		vec := make([]float32, h.dimensions)
		copy(vec, vectors[i])
		key := uint64(len(h.tags))
		h.tags = append(h.tags, tag)
		nodes = append(nodes, hnsw.MakeNode(key, vec))
	}
	if len(nodes) > 0 {
		h.graph.Add(nodes...)
	}
	return nil
}

// Search returns up to k approximate nearest neighbors ordered by distance.
// The graph is asked for a wider candidate set which is then ranked by exact
// distance, so recall improves with EfSearch but is never guaranteed.
func (h *HNSWIndex) Search(ctx context.Context, query []float32, k int) ([]*Result, error) {
	if len(query) != h.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), h.dimensions)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if k <= 0 || h.graph.Len() == 0 {
		return []*Result{}, nil
	}
	want := k * hnswOverfetch
	if want < h.params.EfSearch {
		want = h.params.EfSearch
	}
	nodes := h.graph.Search(query, want)
	results := make([]*Result, 0, len(nodes))
	for _, node := range nodes {
		if node.Key >= uint64(len(h.tags)) {
			continue
		}
		results = append(results, &Result{
			Tag:      h.tags[node.Key],
			Distance: float64(h.graph.Distance(query, node.Value)),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Save writes the exported graph and its gob sidecar into dir.
func (h *HNSWIndex) Save(dir string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	path := filepath.Join(dir, hnswGraphFile)
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	w := bufio.NewWriter(file)
	if err := h.graph.Export(w); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush index file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	if err := h.saveMetadata(filepath.Join(dir, hnswMetaFile)); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

func (h *HNSWIndex) saveMetadata(path string) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	meta := hnswMetadata{Dimensions: h.dimensions, Tags: h.tags, Params: h.params}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load replaces the graph and tag table with the ones stored in dir.
func (h *HNSWIndex) Load(dir string) error {
	meta, err := readHNSWMetadata(filepath.Join(dir, hnswMetaFile))
	if err != nil {
		return err
	}
	if meta.Dimensions != h.dimensions {
		return ferrors.Configuration("vector.HNSWIndex.Load",
			fmt.Sprintf("dimension mismatch: file has %d, index expects %d", meta.Dimensions, h.dimensions), nil)
	}

	path := filepath.Join(dir, hnswGraphFile)
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ferrors.NotFound("vector.HNSWIndex.Load", "index file not found: "+path, err)
		}
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	graph := newGraph(meta.Params)
	// Import requires an io.ByteReader.
	if err := graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}

	h.mu.Lock()
	h.graph = graph
	h.tags = meta.Tags
	h.params = meta.Params
	h.mu.Unlock()
	return nil
}

func readHNSWMetadata(path string) (*hnswMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ferrors.NotFound("vector.HNSWIndex.Load", "metadata file not found: "+path, err)
		}
		return nil, fmt.Errorf("open metadata file: %w", err)
	}
	defer file.Close()
	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode hnsw metadata: %w", err)
	}
	return &meta, nil
}

// Size returns the number of vectors in the graph.
func (h *HNSWIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tags)
}

// Close drops the graph.
func (h *HNSWIndex) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.graph = newGraph(h.params)
	h.tags = nil
	return nil
}
