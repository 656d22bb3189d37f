package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/fuda/internal/classifier"
	"github.com/hyperjump/fuda/internal/config"
	"github.com/hyperjump/fuda/internal/embedding"
	ferrors "github.com/hyperjump/fuda/internal/errors"
	"github.com/hyperjump/fuda/internal/indexer"
	"github.com/hyperjump/fuda/internal/keyword"
	"github.com/hyperjump/fuda/internal/llm"
	"github.com/hyperjump/fuda/internal/matcher"
	"github.com/hyperjump/fuda/internal/models"
	"github.com/hyperjump/fuda/internal/search"
	"github.com/hyperjump/fuda/internal/storage"
	"github.com/hyperjump/fuda/internal/tagging"
	"github.com/hyperjump/fuda/internal/vector"
	"github.com/hyperjump/fuda/internal/vocab"
)

type stubModel struct {
	logits []float32
}

func (m *stubModel) Predict(_ context.Context, _ []float32, n int) ([][]float32, error) {
	out := make([][]float32, n)
	for i := range out {
		out[i] = append([]float32(nil), m.logits...)
	}
	return out, nil
}

func (m *stubModel) Close() error { return nil }

type stubExtractor struct {
	candidates *llm.Candidates
	err        error
	lastOpts   llm.Options
}

func (s *stubExtractor) Extract(_ context.Context, _ string, opts llm.Options) (*llm.Candidates, error) {
	s.lastOpts = opts
	return s.candidates, s.err
}

func logit(p float64) float32 {
	return float32(math.Log(p / (1 - p)))
}

var serverTags = []*models.Tag{
	{Name: "cat_ears", Category: "general", PostCount: 300000},
	{Name: "long_hair", Category: "general", PostCount: 900000},
	{Name: "hatsune_miku", Category: "character", PostCount: 150000},
	{Name: "vocaloid", Category: "copyright", PostCount: 200000},
}

type testEnv struct {
	server    *Server
	handler   http.Handler
	service   *tagging.Service
	extractor *stubExtractor
	store     *storage.SQLiteStore
	dir       string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := storage.NewSQLiteStore(filepath.Join(dir, "tags.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.UpsertTags(ctx, serverTags); err != nil {
		t.Fatal(err)
	}

	kw, err := keyword.NewMemBleveIndex()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kw.Close() })
	if err := kw.IndexTags(ctx, serverTags); err != nil {
		t.Fatal(err)
	}

	m := matcher.New(embedding.NewNGramEmbedder(128), matcher.WithIndexOptions(vector.Options{Type: vector.IndexTypeMemory}))
	names := make([]string, len(serverTags))
	for i, tag := range serverTags {
		names[i] = tag.Name
	}
	if _, err := m.RebuildIndex(ctx, names); err != nil {
		t.Fatal(err)
	}

	searchCfg := &config.SearchConfig{DefaultLimit: 5, MaxLimit: 50, TopKCandidates: 20, KeywordWeight: 0.5, SemanticWeight: 0.5}
	engine := search.NewEngine(store, kw, m, keyword.NewSpellChecker(kw), searchCfg, nil)

	ext := &stubExtractor{candidates: &llm.Candidates{
		Positive: [][]string{{"cat ears"}, {"hatsune miku"}},
		Negative: [][]string{{"long hair"}},
	}}
	svc := tagging.NewService(
		tagging.WithMatcher(m),
		tagging.WithExtractor(ext),
		tagging.WithStore(store),
		tagging.WithSearch(engine),
		tagging.WithMatchThreshold(0.9),
	)
	srv := NewServer(svc, &config.ServerConfig{Port: 8080}, zap.NewNop(), opts...)
	return &testEnv{
		server:    srv,
		handler:   srv.Handler(),
		service:   svc,
		extractor: ext,
		store:     store,
		dir:       dir,
	}
}

func (e *testEnv) attachClassifier(logits []float32) {
	v := vocab.New(
		map[int]string{0: "1girl", 1: "solo", 2: "hatsune_miku", 3: "general"},
		map[string]string{"1girl": "general", "solo": "general", "hatsune_miku": "character", "general": "rating"},
		4,
	)
	e.service.SetEngine(classifier.NewEngine(&stubModel{logits: logits}, v, classifier.WithImageSize(4)))
}

func (e *testEnv) do(method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func (e *testEnv) postJSON(path string, v interface{}) *httptest.ResponseRecorder {
	body, _ := json.Marshal(v)
	return e.do(http.MethodPost, path, body, "application/json")
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 40), G: 100, B: uint8(y * 40), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out tagging.Health
	decode(t, w, &out)
	if out.Status != tagging.StatusUnavailable {
		t.Errorf("status before model load = %q", out.Status)
	}

	env.attachClassifier(make([]float32, 4))
	w = env.do(http.MethodGet, "/health", nil, "")
	decode(t, w, &out)
	if out.Status != tagging.StatusAvailable {
		t.Errorf("status after model load = %q", out.Status)
	}
}

func TestHandleClassify_Unavailable(t *testing.T) {
	env := newTestEnv(t)
	w := env.postJSON("/api/v1/classify", classifyRequest{ImagePath: "x.png"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestHandleClassify_Path(t *testing.T) {
	env := newTestEnv(t)
	env.attachClassifier([]float32{logit(0.8), logit(0.3), logit(0.7), logit(0.9)})

	path := filepath.Join(env.dir, "img.png")
	if err := os.WriteFile(path, pngBytes(t), 0600); err != nil {
		t.Fatal(err)
	}
	w := env.postJSON("/api/v1/classify", classifyRequest{ImagePath: path})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	var out classifyResponse
	decode(t, w, &out)
	if !out.Success {
		t.Fatalf("expected success: %+v", out)
	}
	want := []string{"1girl", "hatsune_miku", "general"}
	if strings.Join(out.AllTags, ",") != strings.Join(want, ",") {
		t.Errorf("all_tags = %v, want %v", out.AllTags, want)
	}
	if len(out.Tags[vocab.CategoryCharacter]) != 1 {
		t.Errorf("character tags = %+v", out.Tags[vocab.CategoryCharacter])
	}
}

func TestHandleClassify_Multipart(t *testing.T) {
	env := newTestEnv(t)
	env.attachClassifier([]float32{logit(0.8), logit(0.3), logit(0.7), logit(0.9)})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "upload.png")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(pngBytes(t)); err != nil {
		t.Fatal(err)
	}
	_ = mw.WriteField("threshold", "0.2")
	_ = mw.WriteField("category_thresholds", `{"character": 0.95}`)
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	w := env.do(http.MethodPost, "/api/v1/classify", body.Bytes(), mw.FormDataContentType())
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	var out classifyResponse
	decode(t, w, &out)
	want := []string{"1girl", "solo", "general"}
	if strings.Join(out.AllTags, ",") != strings.Join(want, ",") {
		t.Errorf("all_tags = %v, want %v", out.AllTags, want)
	}
}

func TestHandleClassify_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.attachClassifier(make([]float32, 4))

	tests := []struct {
		name string
		body []byte
		want int
		kind ferrors.Kind
	}{
		{"bad json", []byte("{"), http.StatusBadRequest, ferrors.KindInvalidInput},
		{"no image", []byte(`{}`), http.StatusBadRequest, ferrors.KindInvalidInput},
		{"missing file", []byte(`{"image_path":"/nonexistent/img.png"}`), http.StatusNotFound, ferrors.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/classify", tt.body, "application/json")
			if w.Code != tt.want {
				t.Errorf("status: got %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			var out map[string]interface{}
			decode(t, w, &out)
			if out["success"] != false {
				t.Errorf("success = %v", out["success"])
			}
			if out["error_kind"] != string(tt.kind) {
				t.Errorf("error_kind = %v, want %s", out["error_kind"], tt.kind)
			}
		})
	}

	garbage := filepath.Join(env.dir, "garbage.png")
	if err := os.WriteFile(garbage, []byte("not an image"), 0600); err != nil {
		t.Fatal(err)
	}
	w := env.postJSON("/api/v1/classify", classifyRequest{ImagePath: garbage})
	if w.Code != http.StatusBadRequest {
		t.Errorf("undecodable image status: got %d", w.Code)
	}

	good := filepath.Join(env.dir, "good.png")
	if err := os.WriteFile(good, pngBytes(t), 0600); err != nil {
		t.Fatal(err)
	}
	bad := 2.0
	w = env.postJSON("/api/v1/classify", classifyRequest{ImagePath: good, Threshold: &bad})
	if w.Code != http.StatusBadRequest {
		t.Errorf("out of range threshold status: got %d", w.Code)
	}
}

func TestHandleClassify_TooLarge(t *testing.T) {
	env := newTestEnv(t)
	env.server.config.MaxUploadBytes = 64
	env.attachClassifier(make([]float32, 4))

	body := []byte(`{"image_path":"` + strings.Repeat("a", 200) + `"}`)
	w := env.do(http.MethodPost, "/api/v1/classify", body, "application/json")
	if w.Code != http.StatusBadRequest && w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleResolve(t *testing.T) {
	env := newTestEnv(t)
	w := env.postJSON("/api/v1/resolve", resolveRequest{Query: "a cat girl, no long hair", LLMModel: "local-model"})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	var out resolveResponse
	decode(t, w, &out)
	if out.Expression != "cat_ears hatsune_miku -long_hair" {
		t.Errorf("expression = %q", out.Expression)
	}
	if len(out.Groups) != 3 {
		t.Errorf("groups = %+v", out.Groups)
	}
	if env.extractor.lastOpts.Model != "local-model" {
		t.Errorf("model override not forwarded: %+v", env.extractor.lastOpts)
	}
}

func TestHandleResolve_Errors(t *testing.T) {
	env := newTestEnv(t)

	w := env.postJSON("/api/v1/resolve", resolveRequest{Query: "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty query status: got %d", w.Code)
	}

	env.extractor.err = errors.New("connection refused")
	w = env.postJSON("/api/v1/resolve", resolveRequest{Query: "cat girl"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("upstream failure status: got %d", w.Code)
	}
	var out map[string]interface{}
	decode(t, w, &out)
	if out["error_kind"] != string(ferrors.KindUpstream) {
		t.Errorf("error_kind = %v", out["error_kind"])
	}
}

func TestHandleResolve_MatcherNotReady(t *testing.T) {
	svc := tagging.NewService()
	srv := NewServer(svc, &config.ServerConfig{}, nil)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/resolve", strings.NewReader(`{"query":"x"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", w.Code)
	}
}

func TestHandleMatch(t *testing.T) {
	env := newTestEnv(t)

	w := env.postJSON("/api/v1/match", matchRequest{Query: "Cat Ears"})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	var single struct {
		Match *matcher.MatchResult `json:"match"`
	}
	decode(t, w, &single)
	if single.Match == nil || single.Match.Tag != "cat_ears" {
		t.Errorf("match = %+v", single.Match)
	}

	strict := 1.0
	w = env.postJSON("/api/v1/match", matchRequest{Query: "cat earz", Threshold: &strict})
	decode(t, w, &single)
	if single.Match != nil {
		t.Errorf("expected no match at threshold 1, got %+v", single.Match)
	}

	w = env.postJSON("/api/v1/match", matchRequest{Query: "hatsune miku", K: 3})
	var many struct {
		Candidates []matcher.MatchResult `json:"candidates"`
	}
	decode(t, w, &many)
	if len(many.Candidates) != 3 || many.Candidates[0].Tag != "hatsune_miku" {
		t.Errorf("candidates = %+v", many.Candidates)
	}

	bad := 1.5
	w = env.postJSON("/api/v1/match", matchRequest{Query: "cat ears", Threshold: &bad})
	if w.Code != http.StatusBadRequest {
		t.Errorf("out of range threshold status: got %d", w.Code)
	}
}

func TestHandleTags(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/tags/search?q=hair&limit=5", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("search status: got %d", w.Code)
	}
	var found struct {
		Tags []*models.Tag `json:"tags"`
	}
	decode(t, w, &found)
	if len(found.Tags) != 1 || found.Tags[0].Name != "long_hair" {
		t.Errorf("search tags = %+v", found.Tags)
	}

	w = env.do(http.MethodGet, "/api/v1/tags/search?q=", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty search status: got %d", w.Code)
	}
	w = env.do(http.MethodGet, "/api/v1/tags/search?q=x&limit=abc", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status: got %d", w.Code)
	}

	w = env.do(http.MethodGet, "/api/v1/tags/suggest?q=cat+ears&mode=keyword", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("suggest status: got %d body %s", w.Code, w.Body.String())
	}
	var suggest models.SuggestResponse
	decode(t, w, &suggest)
	if suggest.Total == 0 || suggest.Results[0].Tag.Name != "cat_ears" {
		t.Errorf("suggest = %+v", suggest)
	}

	w = env.do(http.MethodGet, "/api/v1/tags/vocaloid/exists", nil, "")
	var exists struct {
		Exists bool `json:"exists"`
	}
	decode(t, w, &exists)
	if !exists.Exists {
		t.Error("vocaloid should exist")
	}
	w = env.do(http.MethodGet, "/api/v1/tags/nekomimi/exists", nil, "")
	decode(t, w, &exists)
	if exists.Exists {
		t.Error("nekomimi should not exist")
	}
}

func TestHandleRebuildIndex(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.store.UpsertTags(context.Background(), []*models.Tag{{Name: "fox_ears", Category: "general"}}); err != nil {
		t.Fatal(err)
	}
	w := env.do(http.MethodPost, "/api/v1/index/rebuild", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	var out struct {
		Manifest vector.Manifest `json:"manifest"`
	}
	decode(t, w, &out)
	if out.Manifest.Count != len(serverTags)+1 {
		t.Errorf("manifest count = %d", out.Manifest.Count)
	}

	w = env.postJSON("/api/v1/match", matchRequest{Query: "fox ears"})
	var single struct {
		Match *matcher.MatchResult `json:"match"`
	}
	decode(t, w, &single)
	if single.Match == nil || single.Match.Tag != "fox_ears" {
		t.Errorf("match after rebuild = %+v", single.Match)
	}
}

func TestHandleImport(t *testing.T) {
	env := newTestEnv(t)
	w := env.postJSON("/api/v1/vocabulary/import", importRequest{Path: "x"})
	if w.Code != http.StatusNotImplemented {
		t.Errorf("import without importer: got %d", w.Code)
	}

	kw, err := keyword.NewMemBleveIndex()
	if err != nil {
		t.Fatal(err)
	}
	defer kw.Close()
	env = newTestEnv(t)
	WithImporter(indexer.NewImporter(env.store, kw))(env.server)

	path := filepath.Join(env.dir, "extra.txt")
	if err := os.WriteFile(path, []byte("twintails\nsmile\n"), 0600); err != nil {
		t.Fatal(err)
	}
	w = env.postJSON("/api/v1/vocabulary/import", importRequest{Path: path})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	ok, err := env.store.Exists(context.Background(), "twintails")
	if err != nil || !ok {
		t.Errorf("twintails not imported: %v %v", ok, err)
	}

	w = env.postJSON("/api/v1/vocabulary/import", importRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty path status: got %d", w.Code)
	}
	w = env.postJSON("/api/v1/vocabulary/import", importRequest{Path: filepath.Join(env.dir, "missing.csv")})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing file status: got %d", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t)
	env.attachClassifier(make([]float32, 4))

	w := env.do(http.MethodGet, "/api/v1/status", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out tagging.Status
	decode(t, w, &out)
	if !out.ClassifierReady || !out.MatcherReady {
		t.Errorf("readiness = %+v", out)
	}
	if out.VocabularySize != 4 || out.IndexSize != len(serverTags) {
		t.Errorf("sizes = %d/%d", out.VocabularySize, out.IndexSize)
	}
	if out.StoredTags != int64(len(serverTags)) {
		t.Errorf("stored tags = %d", out.StoredTags)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ferrors.InvalidInput("op", "bad", nil), http.StatusBadRequest},
		{ferrors.Decode("op", "bad image", nil), http.StatusBadRequest},
		{ferrors.NotFound("op", "gone", nil), http.StatusNotFound},
		{ferrors.Upstream("op", "llm down", nil), http.StatusBadGateway},
		{ferrors.Inference("op", "session", nil), http.StatusInternalServerError},
		{ferrors.Configuration("op", "missing", nil), http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
