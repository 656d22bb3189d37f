package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/fuda/internal/classifier"
	ferrors "github.com/hyperjump/fuda/internal/errors"
	"github.com/hyperjump/fuda/internal/llm"
	"github.com/hyperjump/fuda/internal/models"
	"github.com/hyperjump/fuda/internal/tagging"
	"github.com/hyperjump/fuda/internal/vocab"
)

const defaultMaxUpload = 32 << 20

type classifyRequest struct {
	ImagePath          string             `json:"image_path"`
	Threshold          *float64           `json:"threshold,omitempty"`
	CategoryThresholds map[string]float64 `json:"category_thresholds,omitempty"`
}

type classifyResponse struct {
	Success     bool                                           `json:"success"`
	Tags        map[vocab.Category][]classifier.TagProbability `json:"tags"`
	AllTags     []string                                       `json:"all_tags"`
	Rating      string                                         `json:"rating,omitempty"`
	InferenceMS float64                                        `json:"inference_ms"`
	Error       string                                         `json:"error,omitempty"`
	ErrorKind   ferrors.Kind                                   `json:"error_kind,omitempty"`
}

type resolveRequest struct {
	Query       string `json:"query"`
	LLMEndpoint string `json:"llm_endpoint,omitempty"`
	LLMModel    string `json:"llm_model,omitempty"`
	LLMAPIKey   string `json:"llm_api_key,omitempty"`
}

type resolveResponse struct {
	Success    bool                 `json:"success"`
	Expression string               `json:"expression"`
	Positive   []string             `json:"positive"`
	Negative   []string             `json:"negative"`
	Groups     []tagging.GroupMatch `json:"groups,omitempty"`
}

type matchRequest struct {
	Query     string   `json:"query"`
	Threshold *float64 `json:"threshold,omitempty"`
	K         int      `json:"k,omitempty"`
}

type importRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.service.Health())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.service.Status(r.Context()))
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	in, opts, err := s.parseClassifyRequest(w, r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.logger.Debug("classify request",
		zap.String("path", in.Path),
		zap.Int("bytes", len(in.Bytes)))
	res, err := s.service.ClassifyImage(r.Context(), in, opts)
	out := classifyResponse{
		Success:     res.Success,
		Tags:        res.Tags,
		AllTags:     res.AllTags,
		Rating:      res.Rating,
		InferenceMS: float64(res.Latency.Microseconds()) / 1000,
		Error:       res.Error,
		ErrorKind:   res.Kind,
	}
	if err != nil {
		s.logger.Warn("classification failed", zap.Error(err))
		s.respondJSON(w, statusFor(err), out)
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) parseClassifyRequest(w http.ResponseWriter, r *http.Request) (tagging.ImageInput, tagging.ClassifyOptions, error) {
	const op = "server.classify"
	var in tagging.ImageInput
	var opts tagging.ClassifyOptions

	maxBytes := int64(defaultMaxUpload)
	if s.config != nil && s.config.MaxUploadBytes > 0 {
		maxBytes = s.config.MaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req classifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return in, opts, ferrors.InvalidInput(op, "invalid request body", err)
		}
		if req.ImagePath == "" {
			return in, opts, ferrors.InvalidInput(op, "image_path or a multipart image is required", nil)
		}
		in.Path = req.ImagePath
		opts.Threshold = req.Threshold
		opts.CategoryThresholds = req.CategoryThresholds
		return in, opts, nil
	}

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return in, opts, ferrors.InvalidInput(op, "invalid multipart body", err)
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		return in, opts, ferrors.InvalidInput(op, "multipart field \"image\" is required", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return in, opts, ferrors.InvalidInput(op, "cannot read uploaded image", err)
	}
	in.Bytes = data

	if v := r.FormValue("threshold"); v != "" {
		th, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return in, opts, ferrors.InvalidInput(op, "threshold must be a number", err)
		}
		opts.Threshold = &th
	}
	if v := r.FormValue("category_thresholds"); v != "" {
		if err := json.Unmarshal([]byte(v), &opts.CategoryThresholds); err != nil {
			return in, opts, ferrors.InvalidInput(op, "category_thresholds must be a JSON object", err)
		}
	}
	return in, opts, nil
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, ferrors.InvalidInput("server.resolve", "invalid request body", err))
		return
	}
	s.logger.Debug("resolve request", zap.String("query", req.Query), zap.String("model", req.LLMModel))
	res, err := s.service.ResolveTextQuery(r.Context(), req.Query, llm.Options{
		Endpoint: req.LLMEndpoint,
		Model:    req.LLMModel,
		APIKey:   req.LLMAPIKey,
	})
	if err != nil {
		s.logger.Warn("resolve failed", zap.Error(err))
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resolveResponse{
		Success:    true,
		Expression: res.Expression,
		Positive:   res.Positive,
		Negative:   res.Negative,
		Groups:     res.Groups,
	})
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, ferrors.InvalidInput("server.match", "invalid request body", err))
		return
	}
	if req.K > 1 {
		candidates, err := s.service.NearestTags(r.Context(), req.Query, req.K)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "candidates": candidates})
		return
	}
	threshold := -1.0
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	m, err := s.service.MatchTag(r.Context(), req.Query, threshold)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "match": m})
}

func (s *Server) handleSearchTags(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.respondError(w, err)
		return
	}
	tags, err := s.service.SearchTags(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if tags == nil {
		tags = []*models.Tag{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "tags": tags})
}

func (s *Server) handleSuggestTags(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.respondError(w, err)
		return
	}
	q := r.URL.Query()
	query := &models.SuggestQuery{
		Query:    q.Get("q"),
		Limit:    limit,
		Category: q.Get("category"),
	}
	switch strings.ToLower(q.Get("mode")) {
	case "keyword":
		query.KeywordEnabled = true
	case "semantic":
		query.SemanticEnabled = true
	}
	resp, err := s.service.SuggestTags(r.Context(), query)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTagExists(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ok, err := s.service.TagExists(r.Context(), name)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"name": name, "exists": ok})
}

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Index rebuild requested")
	manifest, err := s.service.RebuildIndex(r.Context())
	if err != nil {
		s.logger.Error("index rebuild failed", zap.Error(err))
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "manifest": manifest})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if s.importer == nil {
		s.respondJSON(w, http.StatusNotImplemented, map[string]interface{}{"success": false, "error": "vocabulary import not enabled"})
		return
	}
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		s.respondError(w, ferrors.InvalidInput("server.import", "path is required", err))
		return
	}
	stats, err := s.importer.Import(r.Context(), req.Path)
	if err != nil {
		s.logger.Error("vocabulary import failed", zap.Error(err))
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "import": stats})
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, ferrors.InvalidInput("server.query", fmt.Sprintf("%s must be an integer", key), err)
	}
	return n, nil
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	switch ferrors.KindOf(err) {
	case ferrors.KindInvalidInput, ferrors.KindDecode:
		return http.StatusBadRequest
	case ferrors.KindNotFound:
		return http.StatusNotFound
	case ferrors.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	body := map[string]interface{}{"success": false, "error": err.Error()}
	if kind := ferrors.KindOf(err); kind != "" {
		body["error_kind"] = kind
	}
	s.respondJSON(w, statusFor(err), body)
}

func (s *Server) respondUnavailable(w http.ResponseWriter, message string) {
	w.Header().Set("Retry-After", "5")
	s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"success": false, "error": message})
}
