package tagging

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/fuda/internal/classifier"
	ferrors "github.com/hyperjump/fuda/internal/errors"
	"github.com/hyperjump/fuda/internal/llm"
	"github.com/hyperjump/fuda/internal/matcher"
	"github.com/hyperjump/fuda/internal/models"
	"github.com/hyperjump/fuda/internal/storage"
	"github.com/hyperjump/fuda/internal/vector"
	"github.com/hyperjump/fuda/internal/vocab"
)

const imageSize = 4

type stubModel struct {
	logits []float32
	err    error
}

func (m *stubModel) Predict(_ context.Context, _ []float32, n int) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = append([]float32(nil), m.logits...)
	}
	return out, nil
}

func (m *stubModel) Close() error { return nil }

func logit(p float64) float32 {
	return float32(math.Log(p / (1 - p)))
}

func newEngine(m classifier.Model) *classifier.Engine {
	v := vocab.New(
		map[int]string{0: "1girl", 1: "solo", 2: "hatsune_miku", 3: "general"},
		map[string]string{"1girl": "general", "solo": "general", "hatsune_miku": "character", "general": "rating"},
		4,
	)
	return classifier.NewEngine(m, v, classifier.WithImageSize(imageSize))
}

func writePNG(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 30), G: 80, B: uint8(y * 40), A: 255})
		}
	}
	path := filepath.Join(dir, "sample.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestService_Health(t *testing.T) {
	svc := NewService()
	assert.Equal(t, StatusUnavailable, svc.Health().Status)

	svc.SetEngine(newEngine(&stubModel{logits: make([]float32, 4)}))
	assert.Equal(t, StatusAvailable, svc.Health().Status)
}

func TestService_ClassifyImage(t *testing.T) {
	model := &stubModel{logits: []float32{logit(0.70), logit(0.30), -8, -8}}
	svc := NewService(WithEngine(newEngine(model)), WithThresholds(0.61, nil))
	path := writePNG(t, t.TempDir())

	res, err := svc.ClassifyImage(context.Background(), ImageInput{Path: path}, ClassifyOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.Tags[vocab.CategoryGeneral], 1)
	assert.Equal(t, "1girl", res.Tags[vocab.CategoryGeneral][0].Tag)
	assert.InDelta(t, 0.70, res.Tags[vocab.CategoryGeneral][0].Probability, 1e-6)
	assert.Empty(t, res.Tags[vocab.CategoryCharacter])
	assert.Equal(t, []string{"1girl"}, res.AllTags)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	low := 0.2
	res, err = svc.ClassifyImage(context.Background(), ImageInput{Bytes: data}, ClassifyOptions{Threshold: &low})
	require.NoError(t, err)
	assert.Equal(t, []string{"1girl", "solo"}, res.AllTags)
}

func TestService_ClassifyImage_CategoryOverride(t *testing.T) {
	model := &stubModel{logits: []float32{logit(0.70), logit(0.30), logit(0.40), -8}}
	svc := NewService(WithEngine(newEngine(model)), WithThresholds(0.61, map[string]float64{"character": 0.35}))
	path := writePNG(t, t.TempDir())

	res, err := svc.ClassifyImage(context.Background(), ImageInput{Path: path}, ClassifyOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"1girl", "hatsune_miku"}, res.AllTags)

	res, err = svc.ClassifyImage(context.Background(), ImageInput{Path: path},
		ClassifyOptions{CategoryThresholds: map[string]float64{"character": 0.5}})
	require.NoError(t, err)
	assert.Equal(t, []string{"1girl"}, res.AllTags)
}

func TestService_ClassifyImage_Failures(t *testing.T) {
	svc := NewService(WithEngine(newEngine(&stubModel{logits: make([]float32, 4)})))
	ctx := context.Background()

	res, err := svc.ClassifyImage(ctx, ImageInput{Path: filepath.Join(t.TempDir(), "missing.png")}, ClassifyOptions{})
	require.Error(t, err)
	assert.True(t, ferrors.IsKind(err, ferrors.KindNotFound))
	assert.False(t, res.Success)
	assert.Equal(t, ferrors.KindNotFound, res.Kind)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, res.AllTags)

	res, err = svc.ClassifyImage(ctx, ImageInput{Bytes: []byte("not an image")}, ClassifyOptions{})
	require.Error(t, err)
	assert.True(t, ferrors.IsKind(err, ferrors.KindDecode))
	assert.Equal(t, ferrors.KindDecode, res.Kind)

	bad := 1.5
	_, err = svc.ClassifyImage(ctx, ImageInput{Path: writePNG(t, t.TempDir())}, ClassifyOptions{Threshold: &bad})
	assert.True(t, ferrors.IsKind(err, ferrors.KindInvalidInput))

	failing := NewService(WithEngine(newEngine(&stubModel{err: errors.New("session crashed")})))
	res, err = failing.ClassifyImage(ctx, ImageInput{Path: writePNG(t, t.TempDir())}, ClassifyOptions{})
	require.Error(t, err)
	assert.Equal(t, ferrors.KindInference, res.Kind)

	_, err = NewService().ClassifyImage(ctx, ImageInput{Path: "x.png"}, ClassifyOptions{})
	assert.True(t, ferrors.IsKind(err, ferrors.KindConfiguration))
}

func TestService_ClassifyImages(t *testing.T) {
	model := &stubModel{logits: []float32{logit(0.9), -8, -8, -8}}
	svc := NewService(WithEngine(newEngine(model)))
	dir := t.TempDir()
	good := writePNG(t, dir)

	results, err := svc.ClassifyImages(context.Background(), []string{good, filepath.Join(dir, "gone.png"), good}, ClassifyOptions{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, ferrors.KindNotFound, results[1].Kind)
	assert.Equal(t, []string{"1girl"}, results[2].AllTags)
}

// anglesEmbedder maps known texts to 2D unit vectors so similarity is cos(angle).
type anglesEmbedder map[string]float64

func (a anglesEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	deg, ok := a[text]
	if !ok {
		return nil, errors.New("no vector for " + text)
	}
	r := deg * math.Pi / 180
	return []float32{float32(math.Cos(r)), float32(math.Sin(r))}, nil
}

func (a anglesEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := a.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (a anglesEmbedder) Dimensions() int { return 2 }
func (a anglesEmbedder) ModelID() string { return "angles" }
func (a anglesEmbedder) Close() error    { return nil }

var vocabTags = []string{"cat_ears", "long_hair", "saber_(fate)"}

func newTestMatcher(t *testing.T) *matcher.Matcher {
	t.Helper()
	emb := anglesEmbedder{
		"cat ears":   0,
		"long hair":  90,
		"saber fate": 180,
		"nekomimi":   30,
		"kemonomimi": 240,
		"saber":      150,
		"sky":        270,
	}
	m := matcher.New(emb, matcher.WithIndexOptions(vector.Options{Type: vector.IndexTypeMemory}))
	_, err := m.RebuildIndex(context.Background(), vocabTags)
	require.NoError(t, err)
	return m
}

type stubExtractor struct {
	candidates *llm.Candidates
	err        error
	got        llm.Options
	calls      int
}

func (s *stubExtractor) Extract(_ context.Context, _ string, opts llm.Options) (*llm.Candidates, error) {
	s.calls++
	s.got = opts
	return s.candidates, s.err
}

func TestService_ResolveTextQuery(t *testing.T) {
	x := &stubExtractor{candidates: &llm.Candidates{
		Positive: [][]string{{"kemonomimi", "nekomimi"}, {"long hair"}, {"saber"}, {"sky"}},
		Negative: [][]string{{"long_hair"}},
	}}
	svc := NewService(WithMatcher(newTestMatcher(t)), WithExtractor(x), WithMatchThreshold(0.61))

	res, err := svc.ResolveTextQuery(context.Background(), "a catgirl, not long hair", llm.Options{Model: "override"})
	require.NoError(t, err)
	assert.Equal(t, "override", x.got.Model)
	assert.Equal(t, []string{"cat_ears", "saber_(fate)"}, res.Positive)
	assert.Equal(t, []string{"long_hair"}, res.Negative)
	assert.Equal(t, "cat_ears saber_(fate) -long_hair", res.Expression)

	require.Len(t, res.Groups, 5)
	assert.Equal(t, "nekomimi", res.Groups[0].Candidate)
	assert.Nil(t, res.Groups[3].Match)
	assert.True(t, res.Groups[4].Negative)
}

func TestService_ResolveTextQuery_FirstAcceptedWins(t *testing.T) {
	x := &stubExtractor{candidates: &llm.Candidates{
		Positive: [][]string{{"nekomimi", "cat ears"}, {"cat ears"}},
	}}
	svc := NewService(WithMatcher(newTestMatcher(t)), WithExtractor(x))

	res, err := svc.ResolveTextQuery(context.Background(), "cat ears", llm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "nekomimi", res.Groups[0].Candidate)
	assert.InDelta(t, math.Cos(math.Pi/6), res.Groups[0].Match.Similarity, 1e-4)
	assert.Equal(t, []string{"cat_ears"}, res.Positive)
	assert.Equal(t, "cat_ears", res.Expression)
}

func TestService_ResolveTextQuery_Errors(t *testing.T) {
	ctx := context.Background()
	svc := NewService(WithMatcher(newTestMatcher(t)), WithExtractor(&stubExtractor{err: errors.New("connection reset")}))

	_, err := svc.ResolveTextQuery(ctx, "   ", llm.Options{})
	assert.True(t, ferrors.IsKind(err, ferrors.KindInvalidInput))

	_, err = svc.ResolveTextQuery(ctx, "blue sky", llm.Options{})
	assert.True(t, ferrors.IsKind(err, ferrors.KindUpstream))

	cfgErr := ferrors.Configuration("llm.Extract", "model is required", nil)
	svc = NewService(WithMatcher(newTestMatcher(t)), WithExtractor(&stubExtractor{err: cfgErr}))
	_, err = svc.ResolveTextQuery(ctx, "blue sky", llm.Options{})
	assert.True(t, ferrors.IsKind(err, ferrors.KindConfiguration))

	_, err = NewService().ResolveTextQuery(ctx, "blue sky", llm.Options{})
	assert.True(t, ferrors.IsKind(err, ferrors.KindConfiguration))
}

func TestService_ResolveTextQuery_EmptyCandidates(t *testing.T) {
	svc := NewService(WithMatcher(newTestMatcher(t)), WithExtractor(&stubExtractor{candidates: &llm.Candidates{}}))
	res, err := svc.ResolveTextQuery(context.Background(), "anything", llm.Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Expression)
	assert.Empty(t, res.Positive)
	assert.Empty(t, res.Negative)
}

func TestRenderExpression(t *testing.T) {
	assert.Equal(t, "a b -c", RenderExpression([]string{"a", "b"}, []string{"c"}))
	assert.Equal(t, "-c -d", RenderExpression(nil, []string{"c", "d"}))
	assert.Equal(t, "", RenderExpression(nil, nil))
}

func TestService_MatchTag(t *testing.T) {
	svc := NewService(WithMatcher(newTestMatcher(t)), WithMatchThreshold(0.61))
	ctx := context.Background()

	m, err := svc.MatchTag(ctx, "nekomimi", -1)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "cat_ears", m.Tag)

	m, err = svc.MatchTag(ctx, "nekomimi", 0.9)
	require.NoError(t, err)
	assert.Nil(t, m)

	near, err := svc.NearestTags(ctx, "kemonomimi", 2)
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, "saber_(fate)", near[0].Tag)
	assert.Equal(t, "cat_ears", near[1].Tag)

	_, err = svc.NearestTags(ctx, "kemonomimi", 0)
	assert.True(t, ferrors.IsKind(err, ferrors.KindInvalidInput))
}

func TestService_StoreOperations(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "tags.db"))
	require.NoError(t, err)
	defer store.Close()
	_, err = store.UpsertTags(ctx, []*models.Tag{
		{Name: "cat_ears", Category: "general", PostCount: 500},
		{Name: "long_hair", Category: "general", PostCount: 900},
		{Name: "saber_(fate)", Category: "character", PostCount: 50},
	})
	require.NoError(t, err)

	m := matcher.New(anglesEmbedder{"cat ears": 0, "long hair": 90, "saber fate": 180},
		matcher.WithIndexOptions(vector.Options{Type: vector.IndexTypeMemory}))
	svc := NewService(WithStore(store), WithMatcher(m), WithDiskPaths(map[string]string{"data": t.TempDir()}))

	ok, err := svc.TagExists(ctx, "cat_ears")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.TagExists(ctx, "dog_ears")
	require.NoError(t, err)
	assert.False(t, ok)

	tags, err := svc.SearchTags(ctx, "hair", 10)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "long_hair", tags[0].Name)

	_, err = svc.SearchTags(ctx, " ", 10)
	assert.True(t, ferrors.IsKind(err, ferrors.KindInvalidInput))

	manifest, err := svc.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, manifest.Count)
	assert.Equal(t, 3, m.Size())

	st := svc.Status(ctx)
	assert.Equal(t, StatusUnavailable, st.Status)
	assert.True(t, st.MatcherReady)
	assert.Equal(t, 3, st.IndexSize)
	assert.Equal(t, int64(3), st.StoredTags)
	assert.Equal(t, int64(1), st.TagsByCategory["character"])
	assert.Equal(t, "angles", st.EmbeddingModel)

	_, err = NewService().SuggestTags(ctx, &models.SuggestQuery{Query: "cat"})
	assert.True(t, ferrors.IsKind(err, ferrors.KindConfiguration))
}
