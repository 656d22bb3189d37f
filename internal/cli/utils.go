// Package cli provides terminal output and server access for the fuda CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hyperjump/fuda/internal/classifier"
	"github.com/hyperjump/fuda/internal/matcher"
	"github.com/hyperjump/fuda/internal/models"
	"github.com/hyperjump/fuda/internal/tagging"
	"github.com/hyperjump/fuda/internal/vocab"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one line per result.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat validates a --output flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	case "":
		return OutputText, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
	}
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ImageResult pairs an input path with its classification.
type ImageResult struct {
	Path   string             `json:"path"`
	Result *classifier.Result `json:"result"`
}

// WriteClassifications writes one classification per image.
func WriteClassifications(w io.Writer, results []ImageResult, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return WriteJSON(w, results)
	case OutputCompact:
		for _, r := range results {
			if !r.Result.Success {
				fmt.Fprintf(w, "%s\terror: %s\n", r.Path, r.Result.Error)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\n", r.Path, strings.Join(r.Result.AllTags, " "))
		}
		return nil
	default:
		for _, r := range results {
			writeClassificationText(w, r)
		}
		return nil
	}
}

func writeClassificationText(w io.Writer, r ImageResult) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "%s\n", r.Path)
	if !r.Result.Success {
		fmt.Fprintf(w, "  error (%s): %s\n\n", r.Result.Kind, r.Result.Error)
		return
	}
	fmt.Fprintf(w, "  %d tags in %dms\n", len(r.Result.AllTags), r.Result.Latency.Milliseconds())
	for _, cat := range vocab.Categories {
		tags := r.Result.Tags[cat]
		if len(tags) == 0 {
			continue
		}
		fmt.Fprintf(w, "  [%s]\n", cat)
		for _, tp := range tags {
			fmt.Fprintf(w, "    %-40s %.4f\n", tp.Tag, tp.Probability)
		}
	}
	fmt.Fprintln(w)
}

// WriteResolution writes a resolved text query.
func WriteResolution(w io.Writer, res *tagging.Resolution, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return WriteJSON(w, res)
	case OutputCompact:
		fmt.Fprintln(w, res.Expression)
		return nil
	default:
		fmt.Fprintf(w, "\nExpression: %s\n\n", res.Expression)
		for _, g := range res.Groups {
			sign := "+"
			if g.Negative {
				sign = "-"
			}
			if g.Match == nil {
				fmt.Fprintf(w, "  %s %-40s (no match)\n", sign, strings.Join(g.Candidates, " | "))
				continue
			}
			fmt.Fprintf(w, "  %s %-40s → %s (%.4f via %q)\n",
				sign, strings.Join(g.Candidates, " | "), g.Match.Tag, g.Match.Similarity, g.Candidate)
		}
		fmt.Fprintln(w)
		return nil
	}
}

// WriteMatches writes nearest-tag candidates for a query.
func WriteMatches(w io.Writer, query string, matches []matcher.MatchResult, threshold float64, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return WriteJSON(w, map[string]interface{}{
			"query":      query,
			"threshold":  threshold,
			"candidates": matches,
		})
	case OutputCompact:
		for _, m := range matches {
			fmt.Fprintf(w, "%s\t%.4f\n", m.Tag, m.Similarity)
		}
		return nil
	default:
		if len(matches) == 0 {
			fmt.Fprintf(w, "No candidates for %q\n", query)
			return nil
		}
		fmt.Fprintf(w, "\nNearest tags for %q (threshold %.2f)\n\n", query, threshold)
		for i, m := range matches {
			mark := " "
			if m.Similarity >= threshold {
				mark = "✓"
			}
			fmt.Fprintf(w, "%s %2d. %-40s %.4f\n", mark, i+1, m.Tag, m.Similarity)
		}
		fmt.Fprintln(w)
		return nil
	}
}

// WriteSuggestions writes hybrid tag search results.
func WriteSuggestions(w io.Writer, resp *models.SuggestResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return WriteJSON(w, resp)
	case OutputCompact:
		for _, r := range resp.Results {
			fmt.Fprintf(w, "%s\t%s\t%.4f\n", r.Tag.Name, r.Tag.Category, r.Score)
		}
		return nil
	default:
		fmt.Fprintf(w, "\nFound %d tags in %dms\n", resp.Total, resp.QueryTime)
		if len(resp.Suggestions) > 0 {
			fmt.Fprintf(w, "Did you mean: %s\n", strings.Join(resp.Suggestions, ", "))
		}
		fmt.Fprintln(w)
		for _, r := range resp.Results {
			fmt.Fprintf(w, "%3d. %-40s [%s] posts=%d\n", r.Rank, r.Tag.Name, r.Tag.Category, r.Tag.PostCount)
			fmt.Fprintf(w, "     score %.4f (keyword %.4f, semantic %.4f)\n", r.Score, r.KeywordScore, r.SemanticScore)
		}
		fmt.Fprintln(w)
		return nil
	}
}

// WriteStatus writes service status.
func WriteStatus(w io.Writer, st *tagging.Status, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, st)
	}
	fmt.Fprintf(w, "status:            %s\n", st.Status)
	fmt.Fprintf(w, "classifier_ready:  %t\n", st.ClassifierReady)
	fmt.Fprintf(w, "matcher_ready:     %t\n", st.MatcherReady)
	fmt.Fprintf(w, "vocabulary_size:   %d   # tags known to the classifier\n", st.VocabularySize)
	fmt.Fprintf(w, "index_size:        %d   # tags in the matcher index\n", st.IndexSize)
	fmt.Fprintf(w, "stored_tags:       %d\n", st.StoredTags)
	if st.IndexType != "" {
		fmt.Fprintf(w, "index_type:        %s\n", st.IndexType)
	}
	if st.EmbeddingModel != "" {
		fmt.Fprintf(w, "embedding_model:   %s\n", st.EmbeddingModel)
	}
	if st.IndexBuiltAt != "" {
		fmt.Fprintf(w, "index_built_at:    %s\n", st.IndexBuiltAt)
	}
	fmt.Fprintf(w, "disk_usage_bytes:  %d\n", st.DiskUsageTotal)
	if len(st.TagsByCategory) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# tags by category")
		for _, k := range sortedKeys(st.TagsByCategory) {
			fmt.Fprintf(w, "%-18s %d\n", k+":", st.TagsByCategory[k])
		}
	}
	if len(st.CategoryOverrides) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# category thresholds")
		keys := make([]string, 0, len(st.CategoryOverrides))
		for k := range st.CategoryOverrides {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%-18s %.2f\n", k+":", st.CategoryOverrides[k])
		}
	}
	return nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Truncate truncates s to maxLen and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
