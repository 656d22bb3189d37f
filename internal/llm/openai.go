package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	ferrors "github.com/hyperjump/fuda/internal/errors"
)

// OpenAIExtractor asks an OpenAI-compatible chat completion endpoint for
// candidate tags.
type OpenAIExtractor struct {
	defaults   Options
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// OpenAIOption configures an OpenAIExtractor.
type OpenAIOption func(*OpenAIExtractor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) OpenAIOption {
	return func(e *OpenAIExtractor) { e.logger = logger }
}

// WithTimeout bounds a single extraction including retries.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(e *OpenAIExtractor) { e.timeout = d }
}

// WithRetries sets how many times 429 and 5xx responses are retried and the
// base delay of the Fibonacci backoff.
func WithRetries(n int, backoff time.Duration) OpenAIOption {
	return func(e *OpenAIExtractor) {
		e.maxRetries = n
		if backoff > 0 {
			e.backoff = backoff
		}
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(e *OpenAIExtractor) { e.httpClient = c }
}

// NewOpenAIExtractor creates an extractor with the given default endpoint,
// model and credential.
func NewOpenAIExtractor(defaults Options, opts ...OpenAIOption) *OpenAIExtractor {
	e := &OpenAIExtractor{
		defaults:   defaults,
		timeout:    60 * time.Second,
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Defaults returns the configured default options.
func (e *OpenAIExtractor) Defaults() Options {
	return e.defaults
}

// Extract sends query to the model and parses its reply.
func (e *OpenAIExtractor) Extract(ctx context.Context, query string, opts Options) (*Candidates, error) {
	const op = "llm.Extract"
	opts = opts.merge(e.defaults)
	if opts.Endpoint == "" || opts.Model == "" {
		return nil, ferrors.Configuration(op, "llm endpoint and model must be set", nil)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	clientOpts := []option.RequestOption{
		option.WithBaseURL(opts.Endpoint),
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if e.httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(e.httpClient))
	}
	client := openai.NewClient(clientOpts...)
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(opts.Model),
		Messages:    buildMessages(query),
		Temperature: openai.Float(0),
	}

	var reply string
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(e.maxRetries), retry.NewFibonacci(e.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		resp, err := client.Chat.Completions.New(ctx, params)
		if err != nil {
			if isRetryable(ctx, err) {
				e.logger.Warn("LLM request failed, retrying",
					zap.Int("attempt", attempt),
					zap.String("model", opts.Model),
					zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("reply has no choices")
		}
		reply = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ferrors.Upstream(op, "llm request timed out or was canceled", err)
		}
		return nil, ferrors.Upstream(op, "llm request failed", err)
	}

	candidates, err := ParseCandidates(reply)
	if err != nil {
		return nil, ferrors.Upstream(op, "llm reply could not be parsed", err)
	}
	e.logger.Debug("Extracted candidates",
		zap.String("query", query),
		zap.Int("positive", len(candidates.Positive)),
		zap.Int("negative", len(candidates.Negative)),
		zap.Int("attempts", attempt))
	return candidates, nil
}

// isRetryable reports whether err is a rate limit, a server error or a
// transport failure.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
