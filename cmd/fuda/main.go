// Package main is the fuda CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/fuda/internal/cli"
	"github.com/hyperjump/fuda/internal/config"
	"github.com/hyperjump/fuda/internal/llm"
	"github.com/hyperjump/fuda/internal/models"
	"github.com/hyperjump/fuda/internal/server"
	"github.com/hyperjump/fuda/internal/tagging"
	"github.com/hyperjump/fuda/internal/watcher"
	"github.com/hyperjump/fuda/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/fuda/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				path = fallback
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "classify":
		runClassify()
	case "resolve":
		runResolve()
	case "match":
		runMatch()
	case "rebuild-index":
		runRebuildIndex()
	case "import":
		runImport()
	case "search":
		runSearch()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("fuda version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// setup loads config and builds a logger for one-shot commands.
func setup(configPath string, debug bool) (*config.Config, *zap.Logger) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	logger, err := utils.NewCLILogger(cfg.Debug || debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	return cfg, logger
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()
	if err := prepareMatcher(ctx, cfg, components, logger); err != nil {
		logger.Fatal("Failed to prepare tag index", zap.Error(err))
	}

	// The model loads in the background; /health reports unavailable and
	// classify answers 503 until it is attached.
	go func() {
		engine, err := loadClassifier(ctx, cfg, components.Resolver, logger)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Fatal("Failed to load classification model", zap.Error(err))
		}
		components.Service.SetEngine(engine)
	}()

	if cfg.Watch.Enabled {
		files := watchedFiles(cfg)
		if len(files) == 0 {
			logger.Warn("watch enabled but no local vocabulary file configured")
		} else {
			w, err := watcher.NewWatcher(files, func(path string) {
				stats, err := components.Importer.Sync(ctx, path)
				if err != nil {
					logger.Warn("vocabulary re-import failed", zap.String("path", path), zap.Error(err))
					return
				}
				if !stats.Skipped {
					logger.Info("Vocabulary re-imported",
						zap.String("path", path),
						zap.Int("tags", stats.Upserted),
						zap.Int("index_size", stats.IndexSize))
				}
			}, watcher.WithLogger(logger), watcher.WithDebounce(cfg.Watch.Debounce))
			if err != nil {
				logger.Fatal("Failed to create watcher", zap.Error(err))
			}
			if err := w.Start(ctx); err != nil {
				logger.Fatal("Failed to start watcher", zap.Error(err))
			}
			defer w.Stop()
		}
	}

	srv := server.NewServer(components.Service, &cfg.Server, logger, server.WithImporter(components.Importer))
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
}

// watchedFiles lists the local vocabulary files worth watching.
func watchedFiles(cfg *config.Config) []string {
	if p := cfg.Matcher.VocabularyPath; p != "" && !config.IsRemote(p) {
		return []string{p}
	}
	return nil
}

func runClassify() {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	threshold := fs.Float64("threshold", -1, "global probability threshold (default from config)")
	categoryFlag := fs.String("category-thresholds", "", "per-category thresholds, e.g. character=0.7,general=0.4")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: fuda classify [flags] <image>...\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(argsReorder(os.Args[2:]))
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	perCategory, err := parseCategoryThresholds(*categoryFlag)
	if err != nil {
		fatalf("%v", err)
	}

	cfg, logger := setup(*configPath, *debug)
	defer logger.Sync()
	ctx := context.Background()

	resolver, err := newResolver(ctx, cfg, logger)
	if err != nil {
		fatalf("Failed to initialize artifact resolver: %v", err)
	}
	engine, err := loadClassifier(ctx, cfg, resolver, logger)
	if err != nil {
		fatalf("Failed to load classification model: %v", err)
	}
	svc := tagging.NewService(
		tagging.WithLogger(logger),
		tagging.WithEngine(engine),
		tagging.WithThresholds(cfg.Classifier.Threshold, cfg.Classifier.CategoryThresholds),
	)
	defer svc.Close()

	opts := tagging.ClassifyOptions{CategoryThresholds: perCategory}
	if *threshold >= 0 {
		opts.Threshold = threshold
	}
	paths := fs.Args()
	results, err := svc.ClassifyImages(ctx, paths, opts)
	if err != nil {
		fatalf("Classification failed: %v", err)
	}
	out := make([]cli.ImageResult, len(paths))
	failed := 0
	for i, p := range paths {
		out[i] = cli.ImageResult{Path: p, Result: results[i]}
		if !results[i].Success {
			failed++
		}
	}
	if err := cli.WriteClassifications(os.Stdout, out, format); err != nil {
		fatalf("Output failed: %v", err)
	}
	if failed == len(paths) {
		os.Exit(1)
	}
}

// parseCategoryThresholds parses "character=0.7,general=0.4".
func parseCategoryThresholds(s string) (map[string]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid category threshold %q, want category=value", part)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold for %s: %w", name, err)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = v
	}
	return out, nil
}

func runResolve() {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = resolve locally)")
	endpoint := fs.String("llm-endpoint", "", "OpenAI-compatible endpoint (default from config)")
	model := fs.String("llm-model", "", "chat model (default from config)")
	apiKey := fs.String("llm-api-key", "", "API key (default from config or FUDA_LLM_API_KEY)")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: fuda resolve [flags] <query>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(argsReorder(os.Args[2:]))
	query := buildQuery(fs.Args())
	if query == "" {
		fs.Usage()
		os.Exit(1)
	}
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	opts := llm.Options{Endpoint: *endpoint, Model: *model, APIKey: *apiKey}
	ctx := context.Background()

	var res *tagging.Resolution
	if *serverURL != "" {
		res, err = cli.NewClient(*serverURL, 2*time.Minute).Resolve(ctx, query, opts)
	} else {
		cfg, logger := setup(*configPath, *debug)
		defer logger.Sync()
		components := mustComponents(ctx, cfg, logger)
		defer components.Close()
		res, err = components.Service.ResolveTextQuery(ctx, query, opts)
	}
	if err != nil {
		fatalf("Resolve failed: %v", err)
	}
	if err := cli.WriteResolution(os.Stdout, res, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runMatch() {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	k := fs.Int("k", 5, "number of nearest tags to show")
	threshold := fs.Float64("threshold", -1, "acceptance threshold (default from config)")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(argsReorder(os.Args[2:]))
	query := buildQuery(fs.Args())
	if query == "" {
		fmt.Println("Usage: fuda match [flags] <candidate>")
		os.Exit(1)
	}
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}

	cfg, logger := setup(*configPath, *debug)
	defer logger.Sync()
	ctx := context.Background()
	components := mustComponents(ctx, cfg, logger)
	defer components.Close()

	th := cfg.Matcher.Threshold
	if *threshold >= 0 {
		th = *threshold
	}
	matches, err := components.Service.NearestTags(ctx, query, *k)
	if err != nil {
		fatalf("Match failed: %v", err)
	}
	if err := cli.WriteMatches(os.Stdout, query, matches, th, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runRebuildIndex() {
	fs := flag.NewFlagSet("rebuild-index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, logger := setup(*configPath, *debug)
	defer logger.Sync()
	ctx := context.Background()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	defer components.Close()

	start := time.Now()
	manifest, err := components.Service.RebuildIndex(ctx)
	if err != nil {
		fatalf("Rebuild failed: %v", err)
	}
	fmt.Printf("Rebuilt %s index with %d tags (model %s, build %s) in %s\n",
		manifest.Type, manifest.Count, manifest.ModelID, manifest.BuildID, time.Since(start).Round(time.Millisecond))
}

func runImport() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fmt.Println("Usage: fuda import [flags] <vocabulary-file>")
		fmt.Println("  .csv   name,category,post_count[,aliases] export")
		fmt.Println("  .json  classification model metadata")
		fmt.Println("  other  one tag per line")
		os.Exit(1)
	}

	cfg, logger := setup(*configPath, *debug)
	defer logger.Sync()
	ctx := context.Background()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	defer components.Close()

	path, err := components.Resolver.Resolve(ctx, fs.Arg(0))
	if err != nil {
		fatalf("Failed to resolve %s: %v", fs.Arg(0), err)
	}
	stats, err := components.Importer.Import(ctx, path)
	if err != nil {
		fatalf("Import failed: %v", err)
	}
	fmt.Printf("Imported %d tags from %s (index now %d tags) in %s\n",
		stats.Upserted, stats.Path, stats.IndexSize, stats.Elapsed.Round(time.Millisecond))
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage when server is not running)")
	limit := fs.Int("limit", 10, "number of results")
	category := fs.String("category", "", "only tags of this category")
	kwEnabled := fs.Bool("keyword", true, "enable keyword search")
	semEnabled := fs.Bool("semantic", true, "enable semantic search")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: fuda search [flags] <query>\n\n")
		fs.PrintDefaults()
		fmt.Fprintf(fs.Output(), `
Examples:
  fuda search cat ears
  fuda search --keyword=false "animal ears"   # semantic-only
  fuda search --category character miku
`)
	}
	_ = fs.Parse(argsReorder(os.Args[2:]))
	query := buildQuery(fs.Args())
	if query == "" {
		fs.Usage()
		os.Exit(1)
	}
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	q := &models.SuggestQuery{
		Query:           query,
		Limit:           *limit,
		Category:        *category,
		KeywordEnabled:  *kwEnabled,
		SemanticEnabled: *semEnabled,
	}
	ctx := context.Background()

	var resp *models.SuggestResponse
	if *serverURL != "" {
		// Use HTTP API when server is running (avoids Bleve/SQLite lock conflict).
		resp, err = cli.NewClient(*serverURL, 30*time.Second).Suggest(ctx, q)
	} else {
		cfg, logger := setup(*configPath, *debug)
		defer logger.Sync()
		components := mustComponents(ctx, cfg, logger)
		defer components.Close()
		resp, err = components.Service.SuggestTags(ctx, q)
	}
	if err != nil {
		fatalf("Search failed: %v", err)
	}
	if err := cli.WriteSuggestions(os.Stdout, resp, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	ctx := context.Background()

	var st *tagging.Status
	if *serverURL != "" {
		st, err = cli.NewClient(*serverURL, 30*time.Second).Status(ctx)
		if err != nil {
			fatalf("Status failed: %v", err)
		}
	} else {
		cfg, logger := setup(*configPath, *debug)
		defer logger.Sync()
		components, err := initializeComponents(ctx, cfg, logger)
		if err != nil {
			fatalf("Failed to initialize: %v", err)
		}
		defer components.Close()
		if err := prepareMatcher(ctx, cfg, components, logger); err != nil {
			logger.Warn("tag index not ready", zap.Error(err))
		}
		st = components.Service.Status(ctx)
	}
	if err := cli.WriteStatus(os.Stdout, st, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func mustComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) *Components {
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	if err := prepareMatcher(ctx, cfg, components, logger); err != nil {
		components.Close()
		fatalf("Failed to prepare tag index: %v", err)
	}
	return components
}

// buildQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// argsReorder moves any flags (and their values) that appear after the query
// to the front of the slice so that flag.Parse() sees them. Go's flag package
// stops at the first non-flag argument.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func printUsage() {
	fmt.Println(`fuda - image tagging and tag resolution service

Usage:
  fuda server [flags]                 Start the HTTP server
  fuda classify [flags] <image>...    Tag images with the classification model
  fuda resolve [flags] <query>        Turn a text query into a tag expression
  fuda match [flags] <candidate>      Show the nearest vocabulary tags
  fuda rebuild-index [flags]          Rebuild the tag index from the tag store
  fuda import [flags] <file>          Import a vocabulary file
  fuda search [flags] <query>         Search vocabulary tags
  fuda status [flags]                 Show model/index/storage status
  fuda version                        Show version
  fuda help                           Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/fuda/config.yaml)
  --debug            Enable debug logging
  --output string    Output format: text, compact, or json (default: text)

Classify Flags:
  --threshold float               Global threshold (default from config, 0.61)
  --category-thresholds string    Per-category overrides, e.g. character=0.7

Resolve Flags:
  --server string        Server URL (default: http://localhost:8080). Use --server "" to resolve locally.
  --llm-endpoint string  OpenAI-compatible endpoint override
  --llm-model string     Chat model override
  --llm-api-key string   API key override

Match Flags:
  --k int            Number of candidates (default: 5)
  --threshold float  Acceptance threshold for the ✓ mark (default from config)

Search Flags:
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct storage.
  --limit int        Number of results (default: 10)
  --category string  Restrict to one category
  --keyword          Enable keyword search (default: true)
  --semantic         Enable semantic search (default: true)

Examples:
  fuda server
  fuda classify --threshold 0.5 image.png
  fuda classify --output json *.jpg
  fuda resolve "a girl with cat ears, not wearing glasses"
  fuda match nekomimi
  fuda import tags.csv
  fuda search --server "" cat ears
  fuda status --output json`)
}
