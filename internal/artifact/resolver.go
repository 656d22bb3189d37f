// Package artifact turns configured model and metadata locations into local
// files. Locations may be local paths, s3://bucket/key or http(s) URLs;
// remote artifacts are downloaded once into a cache directory.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/hyperjump/fuda/internal/config"
	ferrors "github.com/hyperjump/fuda/internal/errors"
)

// S3API is the subset of the S3 client the resolver needs.
type S3API interface {
	manager.DownloadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Resolver resolves artifact locations to local paths.
type Resolver struct {
	cacheDir   string
	s3         S3API
	httpClient *http.Client
	retries    uint64
	backoff    time.Duration
	logger     *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithS3Client sets the client used for s3:// locations.
func WithS3Client(c S3API) Option {
	return func(r *Resolver) { r.s3 = c }
}

// WithHTTPClient sets the client used for http(s) locations.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.httpClient = c }
}

// WithRetries sets how often a failed HTTP download is retried and the
// initial Fibonacci backoff.
func WithRetries(n int, backoff time.Duration) Option {
	return func(r *Resolver) {
		if n < 0 {
			n = 0
		}
		r.retries = uint64(n)
		r.backoff = backoff
	}
}

// NewResolver creates a resolver caching downloads under cacheDir.
func NewResolver(cacheDir string, opts ...Option) *Resolver {
	r := &Resolver{
		cacheDir:   cacheDir,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		retries:    3,
		backoff:    time.Second,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewS3Client builds an S3 client from config. Static credentials are used
// when both keys are set; otherwise the default AWS credential chain applies.
// A non-empty endpoint targets an S3-compatible server with path-style URLs.
func NewS3Client(ctx context.Context, cfg config.ArtifactsConfig) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, ferrors.Configuration("artifact.NewS3Client", "cannot load AWS configuration", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Resolve returns a local path for location, downloading it first if remote.
func (r *Resolver) Resolve(ctx context.Context, location string) (string, error) {
	switch {
	case strings.HasPrefix(location, "s3://"):
		return r.resolveS3(ctx, location)
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return r.resolveHTTP(ctx, location)
	default:
		return resolveLocal(location)
	}
}

func resolveLocal(location string) (string, error) {
	const op = "artifact.Resolve"
	if location == "" {
		return "", ferrors.Configuration(op, "empty artifact location", nil)
	}
	path := location
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to find home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", location, err)
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ferrors.NotFound(op, "artifact not found: "+abs, err)
		}
		return "", fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	return abs, nil
}

func (r *Resolver) resolveS3(ctx context.Context, location string) (string, error) {
	const op = "artifact.resolveS3"
	bucket, key, err := splitS3(location)
	if err != nil {
		return "", err
	}
	if r.s3 == nil {
		return "", ferrors.Configuration(op, "no S3 client configured for "+location, nil)
	}
	dest := filepath.Join(r.cacheDir, "s3", bucket, filepath.FromSlash(key))

	head, err := r.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", ferrors.Upstream(op, "cannot stat "+location, err)
	}
	size := aws.ToInt64(head.ContentLength)
	if info, err := os.Stat(dest); err == nil && info.Size() == size {
		r.logger.Debug("artifact cached", zap.String("location", location), zap.String("path", dest))
		return dest, nil
	}

	start := time.Now()
	err = writeAtomically(dest, func(f *os.File) error {
		downloader := manager.NewDownloader(r.s3, func(d *manager.Downloader) {
			d.Concurrency = 4
		})
		_, err := downloader.Download(ctx, f, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		return err
	})
	if err != nil {
		return "", ferrors.Upstream(op, "cannot download "+location, err)
	}
	r.logger.Info("Downloaded artifact",
		zap.String("location", location),
		zap.String("path", dest),
		zap.Int64("bytes", size),
		zap.Duration("elapsed", time.Since(start)))
	return dest, nil
}

func splitS3(location string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(location, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", ferrors.Configuration("artifact.Resolve", "s3 location must be s3://bucket/key: "+location, nil)
	}
	return bucket, key, nil
}

// statusError is a non-2xx HTTP response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func (r *Resolver) resolveHTTP(ctx context.Context, location string) (string, error) {
	const op = "artifact.resolveHTTP"
	u, err := url.Parse(location)
	if err != nil || u.Host == "" {
		return "", ferrors.Configuration(op, "invalid artifact URL: "+location, err)
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" || strings.HasSuffix(name, "/") {
		return "", ferrors.Configuration(op, "artifact URL must name a file: "+location, nil)
	}
	dest := filepath.Join(r.cacheDir, "http", u.Host, filepath.FromSlash(name))
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		r.logger.Debug("artifact cached", zap.String("location", location), zap.String("path", dest))
		return dest, nil
	}

	attempts := 0
	backoff := retry.WithMaxRetries(r.retries, retry.NewFibonacci(r.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := writeAtomically(dest, func(f *os.File) error {
			return r.fetch(ctx, location, f)
		})
		if err == nil {
			return nil
		}
		var se *statusError
		if errors.As(err, &se) && se.code != http.StatusTooManyRequests && se.code < 500 {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		r.logger.Debug("artifact download failed, retrying",
			zap.String("location", location),
			zap.Int("attempt", attempts),
			zap.Error(err))
		return retry.RetryableError(err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", ferrors.Upstream(op, fmt.Sprintf("cannot download %s after %d attempts", location, attempts), err)
	}
	r.logger.Info("Downloaded artifact", zap.String("location", location), zap.String("path", dest))
	return dest, nil
}

func (r *Resolver) fetch(ctx context.Context, location string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &statusError{code: resp.StatusCode}
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// writeAtomically fills a temp file beside dest and renames it into place.
func writeAtomically(dest string, fill func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}
