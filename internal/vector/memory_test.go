package vector

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	ferrors "github.com/hyperjump/fuda/internal/errors"
)

func TestMemoryIndex_AddSearch(t *testing.T) {
	idx, err := NewMemoryIndex(3)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()

	vecs := [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0, 1, 0},
	}
	tags := []string{"a", "b", "c"}
	if err := idx.Add(ctx, tags, vecs); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 3 {
		t.Errorf("Size=%d", idx.Size())
	}

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Tag != "a" || results[0].Distance != 0 {
		t.Errorf("top result should be a at distance 0, got %s %f", results[0].Tag, results[0].Distance)
	}
	if results[1].Tag != "b" {
		t.Errorf("second result should be b, got %s", results[1].Tag)
	}
}

func randomUnitVectors(r *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		var norm float64
		for j := range v {
			v[j] = float32(r.NormFloat64())
			norm += float64(v[j]) * float64(v[j])
		}
		norm = math.Sqrt(norm)
		for j := range v {
			v[j] = float32(float64(v[j]) / norm)
		}
		out[i] = v
	}
	return out
}

func TestMemoryIndex_SearchIsExact(t *testing.T) {
	const n, dim = 2000, 32
	r := rand.New(rand.NewSource(7))
	vecs := randomUnitVectors(r, n, dim)
	tags := make([]string, n)
	for i := range tags {
		tags[i] = "tag_" + strconv.Itoa(i)
	}
	idx, _ := NewMemoryIndex(dim)
	ctx := context.Background()
	if err := idx.Add(ctx, tags, vecs); err != nil {
		t.Fatal(err)
	}

	for _, q := range randomUnitVectors(r, 25, dim) {
		best, bestDist := -1, math.Inf(1)
		for i, v := range vecs {
			if d := L2Distance(q, v); d < bestDist {
				best, bestDist = i, d
			}
		}
		results, err := idx.Search(ctx, q, 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 5 {
			t.Fatalf("got %d results", len(results))
		}
		if results[0].Tag != tags[best] {
			t.Errorf("nearest = %s, brute force = %s", results[0].Tag, tags[best])
		}
		for i := 1; i < len(results); i++ {
			if results[i].Distance < results[i-1].Distance {
				t.Errorf("results not ordered at %d: %f < %f", i, results[i].Distance, results[i-1].Distance)
			}
		}
	}
}

func TestMemoryIndex_SearchEdgeCases(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	results, err := idx.Search(ctx, []float32{1, 0}, 5)
	if err != nil || len(results) != 0 {
		t.Errorf("empty index: results=%v err=%v", results, err)
	}
	_ = idx.Add(ctx, []string{"x"}, [][]float32{{1, 0}})
	if results, _ := idx.Search(ctx, []float32{1, 0}, 5); len(results) != 1 {
		t.Errorf("k larger than size should return all entries, got %d", len(results))
	}
	if _, err := idx.Search(ctx, []float32{1, 0, 0}, 1); err == nil {
		t.Error("expected dimension mismatch error")
	}
	if err := idx.Add(ctx, []string{"y"}, [][]float32{{1}}); err == nil {
		t.Error("expected dimension mismatch error on add")
	}
}

func TestMemoryIndex_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	idx, _ := NewMemoryIndex(2)
	_ = idx.Add(ctx, []string{"cat_ears", "long_hair"}, [][]float32{{1, 0}, {0, 1}})
	if err := idx.Save(dir); err != nil {
		t.Fatal(err)
	}

	loaded, _ := NewMemoryIndex(2)
	if err := loaded.Load(dir); err != nil {
		t.Fatal(err)
	}
	if loaded.Size() != 2 {
		t.Fatalf("loaded size=%d", loaded.Size())
	}
	results, _ := loaded.Search(ctx, []float32{0, 1}, 1)
	if results[0].Tag != "long_hair" {
		t.Errorf("got %s", results[0].Tag)
	}

	wrong, _ := NewMemoryIndex(3)
	if err := wrong.Load(dir); !ferrors.IsKind(err, ferrors.KindConfiguration) {
		t.Errorf("expected configuration error for dimension mismatch, got %v", err)
	}
}

func TestMemoryIndex_LoadMissing(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	if err := idx.Load(t.TempDir()); !ferrors.IsKind(err, ferrors.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMemoryIndex_LoadRejectsOversizedCount(t *testing.T) {
	dir := t.TempDir()
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], 2)
	binary.LittleEndian.PutUint32(header[4:8], 1<<30)
	if err := os.WriteFile(filepath.Join(dir, memoryIndexFile), header, 0600); err != nil {
		t.Fatal(err)
	}
	idx, _ := NewMemoryIndex(2)
	if err := idx.Load(dir); !ferrors.IsKind(err, ferrors.KindConfiguration) {
		t.Errorf("expected configuration error for truncated index, got %v", err)
	}
	if idx.Size() != 0 {
		t.Errorf("size after failed load = %d", idx.Size())
	}
}

func TestMemoryIndex_LoadRejectsManifestCountMismatch(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	idx, _ := NewMemoryIndex(2)
	_ = idx.Add(ctx, []string{"cat_ears", "long_hair"}, [][]float32{{1, 0}, {0, 1}})
	if err := idx.Save(dir); err != nil {
		t.Fatal(err)
	}
	if err := WriteManifest(dir, &Manifest{ModelID: "e5", Dimensions: 2, Count: 5, Type: IndexTypeMemory}); err != nil {
		t.Fatal(err)
	}
	loaded, _ := NewMemoryIndex(2)
	if err := loaded.Load(dir); !ferrors.IsKind(err, ferrors.KindConfiguration) {
		t.Errorf("expected configuration error for count mismatch, got %v", err)
	}

	if err := WriteManifest(dir, &Manifest{ModelID: "e5", Dimensions: 2, Count: 2, Type: IndexTypeMemory}); err != nil {
		t.Fatal(err)
	}
	if err := loaded.Load(dir); err != nil {
		t.Fatalf("matching manifest: %v", err)
	}
}

func TestSimilarityFromL2(t *testing.T) {
	cases := []struct {
		d, want float64
	}{
		{0, 1},
		{math.Sqrt2, 0},
		{2, -1},
	}
	for _, c := range cases {
		if got := SimilarityFromL2(c.d); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("SimilarityFromL2(%f) = %f, want %f", c.d, got, c.want)
		}
	}
	a := []float32{0.6, 0.8}
	b := []float32{0.8, 0.6}
	cos := 0.6*0.8 + 0.8*0.6
	if got := SimilarityFromL2(L2Distance(a, b)); math.Abs(got-cos) > 1e-6 {
		t.Errorf("similarity = %f, want cosine %f", got, cos)
	}
}
