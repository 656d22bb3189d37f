package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	ferrors "github.com/hyperjump/fuda/internal/errors"
)

const memoryIndexFile = "index.bin"

// MemoryIndex is an exact index using brute-force L2 search.
// Suitable for tests and vocabularies up to a few hundred thousand tags.
type MemoryIndex struct {
	dimensions int
	tags       []string
	vectors    [][]float32
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		tags:       make([]string, 0),
		vectors:    make([][]float32, 0),
	}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() IndexType {
	return IndexTypeMemory
}

// Add appends vectors with the given tags.
func (m *MemoryIndex) Add(ctx context.Context, tags []string, vectors [][]float32) error {
	if len(tags) != len(vectors) {
		return fmt.Errorf("tags and vectors length mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, tag := range tags {
		if len(vectors[i]) != m.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vectors[i]), m.dimensions)
		}
		vec := make([]float32, m.dimensions)
		copy(vec, vectors[i])
		m.tags = append(m.tags, tag)
		m.vectors = append(m.vectors, vec)
	}
	return nil
}

// Search returns the k closest vectors by L2 distance. Ties keep insertion order.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]*Result, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.tags) == 0 {
		return []*Result{}, nil
	}
	results := make([]*Result, len(m.tags))
	for i, vec := range m.vectors {
		results[i] = &Result{Tag: m.tags[i], Distance: L2Distance(query, vec)}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// Save persists the index into dir. Format: dimension (4), n (4),
// then per vector: tagLen (4), tag bytes, vector (dimension*4 bytes).
func (m *MemoryIndex) Save(dir string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	path := filepath.Join(dir, memoryIndexFile)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := m.write(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush index file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close index file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (m *MemoryIndex) write(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(m.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(m.tags))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for i, tag := range m.tags {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(tag))); err != nil {
			return fmt.Errorf("write tag len: %w", err)
		}
		if _, err := io.WriteString(w, tag); err != nil {
			return fmt.Errorf("write tag: %w", err)
		}
		if _, err := w.Write(float32SliceToBytes(m.vectors[i])); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return nil
}

// Load reads the index from dir and replaces the in-memory contents. Dimensions must match.
func (m *MemoryIndex) Load(dir string) error {
	path := filepath.Join(dir, memoryIndexFile)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ferrors.NotFound("vector.MemoryIndex.Load", "index file not found: "+path, err)
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat index file: %w", err)
	}
	r := bufio.NewReader(f)

	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return ferrors.Configuration("vector.MemoryIndex.Load",
			fmt.Sprintf("dimension mismatch: file has %d, index expects %d", dim, m.dimensions), nil)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	if err := checkCount(dir, int64(n), m.dimensions, info.Size()); err != nil {
		return err
	}
	tags := make([]string, 0, n)
	vectors := make([][]float32, 0, n)
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		var tagLen uint32
		if err := binary.Read(r, binary.LittleEndian, &tagLen); err != nil {
			return fmt.Errorf("read tag len: %w", err)
		}
		if int64(tagLen) > info.Size() {
			return ferrors.Configuration("vector.MemoryIndex.Load",
				fmt.Sprintf("corrupt index: tag length %d exceeds file size", tagLen), nil)
		}
		tag := make([]byte, tagLen)
		if _, err := io.ReadFull(r, tag); err != nil {
			return fmt.Errorf("read tag: %w", err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		tags = append(tags, string(tag))
		vectors = append(vectors, bytesToFloat32Slice(buf))
	}

	m.mu.Lock()
	m.tags, m.vectors = tags, vectors
	m.mu.Unlock()
	return nil
}

// checkCount rejects an entry count the file cannot hold or that disagrees
// with the manifest, before anything is allocated for it.
func checkCount(dir string, n int64, dimensions int, fileSize int64) error {
	const op = "vector.MemoryIndex.Load"
	minEntry := int64(4 + dimensions*4)
	if n*minEntry > fileSize-8 {
		return ferrors.Configuration(op,
			fmt.Sprintf("corrupt index: %d entries do not fit in %d bytes", n, fileSize), nil)
	}
	manifest, err := ReadManifest(dir)
	if err != nil {
		if ferrors.IsKind(err, ferrors.KindNotFound) {
			return nil
		}
		return err
	}
	if int64(manifest.Count) != n {
		return ferrors.Configuration(op,
			fmt.Sprintf("index file holds %d entries, manifest says %d", n, manifest.Count), nil)
	}
	return nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tags)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
