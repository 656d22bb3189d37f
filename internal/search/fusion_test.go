package search

import (
	"math"
	"testing"

	"github.com/hyperjump/fuda/internal/keyword"
	"github.com/hyperjump/fuda/internal/matcher"
)

func TestNormalizeKeywordScores(t *testing.T) {
	results := []*keyword.Result{
		{Tag: "a", Score: 2},
		{Tag: "b", Score: 4},
		{Tag: "c", Score: 1},
	}
	m := NormalizeKeywordScores(results)
	if m["b"] != 1.0 {
		t.Errorf("max score should be 1.0, got %f", m["b"])
	}
	if m["a"] != 0.5 {
		t.Errorf("a should be 0.5, got %f", m["a"])
	}
	if len(m) != 3 {
		t.Errorf("expected 3 entries, got %d", len(m))
	}
	if len(NormalizeKeywordScores(nil)) != 0 {
		t.Error("nil results should give an empty map")
	}
}

func TestNormalizeSemanticScores(t *testing.T) {
	m := NormalizeSemanticScores([]matcher.MatchResult{
		{Tag: "cat_ears", Similarity: 0.9},
		{Tag: "serafuku", Similarity: -0.2},
	})
	if m["cat_ears"] != 0.9 {
		t.Errorf("cat_ears = %f", m["cat_ears"])
	}
	if m["serafuku"] != 0 {
		t.Errorf("negative similarity should clamp to 0, got %f", m["serafuku"])
	}
}

func TestFuse(t *testing.T) {
	kw := map[string]float64{"cat_ears": 1.0, "fake_cat_ears": 0.5}
	sem := map[string]float64{"cat_ears": 0.8, "nekomimi_mode": 0.9}
	fused := Fuse(kw, sem, 0.5, 0.5)
	if len(fused) != 3 {
		t.Fatalf("expected 3 results, got %d", len(fused))
	}
	if fused[0].Tag != "cat_ears" || math.Abs(fused[0].Score-0.9) > 1e-9 {
		t.Errorf("top = %+v", fused[0])
	}
	if fused[1].Tag != "nekomimi_mode" || fused[2].Tag != "fake_cat_ears" {
		t.Errorf("order = %s, %s", fused[1].Tag, fused[2].Tag)
	}
}

func TestFuse_TiesByName(t *testing.T) {
	fused := Fuse(map[string]float64{"b": 1, "a": 1}, nil, 1, 0)
	if fused[0].Tag != "a" || fused[1].Tag != "b" {
		t.Errorf("ties should sort by name: %s, %s", fused[0].Tag, fused[1].Tag)
	}
}
