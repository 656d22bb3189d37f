package keyword

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/fuda/internal/models"
	"github.com/hyperjump/fuda/internal/vocab"
)

const indexBatchSize = 1000

// tagDoc is the indexed form of a tag. Text holds the surface form so
// "cat ears" and "ears" both reach cat_ears.
type tagDoc struct {
	Name     string `json:"name"`
	Text     string `json:"text"`
	Category string `json:"category"`
}

// BleveIndex implements TagIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex creates or opens a Bleve index at path.
// If you change the index mapping in code, remove the index directory to force a re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// NewMemBleveIndex creates an index that lives only in memory.
func NewMemBleveIndex() (*BleveIndex, error) {
	index, err := bleve.NewMemOnly(newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) keeps "ears" and "ear" distinct.
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("text", textFieldMapping)
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("name", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("category", keywordFieldMapping)
	im.AddDocumentMapping("tag", docMapping)
	im.DefaultType = "tag"
	im.DefaultMapping = docMapping
	return im
}

// IndexTags indexes tags in batches keyed by name.
func (b *BleveIndex) IndexTags(ctx context.Context, tags []*models.Tag) error {
	batch := b.index.NewBatch()
	for _, tag := range tags {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := tagDoc{Name: tag.Name, Text: vocab.SurfaceForm(tag.Name), Category: tag.Category}
		if err := batch.Index(tag.Name, doc); err != nil {
			return fmt.Errorf("failed to batch tag %q: %w", tag.Name, err)
		}
		if batch.Size() >= indexBatchSize {
			if err := b.index.Batch(batch); err != nil {
				return fmt.Errorf("failed to index batch: %w", err)
			}
			batch.Reset()
		}
	}
	if batch.Size() > 0 {
		if err := b.index.Batch(batch); err != nil {
			return fmt.Errorf("failed to index batch: %w", err)
		}
	}
	return nil
}

// Search finds tags whose surface form matches query. Exact names rank
// highest, then phrase matches, then all-term matches; the last term also
// matches as a prefix so partially typed queries work. Tags matching only
// some of the query terms are penalized by (matched/total)^2.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error) {
	fuzzyEnabled := false
	fuzziness := 1
	category := ""
	if opts != nil {
		fuzzyEnabled = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
		category = opts.Category
	}

	terms := tokenizeQuery(query)
	if len(terms) == 0 || limit <= 0 {
		return []*Result{}, nil
	}
	text := strings.Join(terms, " ")

	exact := bleve.NewTermQuery(strings.Join(terms, "_"))
	exact.SetField("name")
	exact.SetBoost(5)

	phrase := bleve.NewMatchPhraseQuery(text)
	phrase.SetField("text")
	phrase.SetBoost(3)

	all := bleve.NewMatchQuery(text)
	all.SetField("text")
	all.SetOperator(blevequery.MatchQueryOperatorAnd)
	all.SetBoost(2)

	prefix := bleve.NewPrefixQuery(terms[len(terms)-1])
	prefix.SetField("text")

	queries := []blevequery.Query{exact, phrase, all, prefix}
	if fuzzyEnabled {
		queries = append(queries, b.buildFuzzyQuery(terms, fuzziness))
	} else {
		someTerms := bleve.NewMatchQuery(text)
		someTerms.SetField("text")
		queries = append(queries, someTerms)
	}

	var q blevequery.Query = bleve.NewDisjunctionQuery(queries...)
	if category != "" {
		cq := bleve.NewTermQuery(category)
		cq.SetField("category")
		q = bleve.NewConjunctionQuery(q, cq)
	}

	reqSize := limit * 2
	if reqSize < 50 {
		reqSize = 50
	}
	req := bleve.NewSearchRequest(q)
	req.Size = reqSize
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}

	coverage := map[string]int{}
	if len(terms) > 1 {
		coverage = b.calculateTermCoverage(ctx, terms, reqSize, fuzzyEnabled, fuzziness)
	}

	out := make([]*Result, 0, len(results.Hits))
	for _, hit := range results.Hits {
		score := hit.Score
		if len(terms) > 1 {
			matched := coverage[hit.ID]
			if matched == 0 {
				matched = 1
			}
			c := float64(matched) / float64(len(terms))
			score *= c * c
		}
		out = append(out, &Result{Tag: hit.ID, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// tokenizeQuery lowercases the query's surface form and splits it into terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(vocab.SurfaceForm(query)))
}

// buildFuzzyQuery creates a disjunction of FuzzyQueries on the text field, one per term.
func (b *BleveIndex) buildFuzzyQuery(terms []string, fuzziness int) blevequery.Query {
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField("text")
		queries = append(queries, fq)
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// calculateTermCoverage counts how many query terms each tag matches.
func (b *BleveIndex) calculateTermCoverage(ctx context.Context, terms []string, reqSize int, fuzzyEnabled bool, fuzziness int) map[string]int {
	coverage := make(map[string]int)
	for i, term := range terms {
		var q blevequery.Query
		switch {
		case i == len(terms)-1:
			pq := bleve.NewPrefixQuery(term)
			pq.SetField("text")
			q = pq
		case fuzzyEnabled:
			fq := bleve.NewFuzzyQuery(term)
			fq.SetFuzziness(fuzziness)
			fq.SetField("text")
			q = fq
		default:
			mq := bleve.NewMatchQuery(term)
			mq.SetField("text")
			q = mq
		}
		req := bleve.NewSearchRequest(q)
		req.Size = reqSize
		results, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			continue
		}
		for _, hit := range results.Hits {
			coverage[hit.ID]++
		}
	}
	return coverage
}

// Delete removes a tag from the index.
func (b *BleveIndex) Delete(ctx context.Context, name string) error {
	return b.index.Delete(name)
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// DocCount returns the total number of tags in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// TermFrequencies returns every word of the text field with the number of
// tags containing it.
func (b *BleveIndex) TermFrequencies() (map[string]int, error) {
	dict, err := b.index.FieldDict("text")
	if err != nil {
		return nil, fmt.Errorf("failed to open term dictionary: %w", err)
	}
	defer dict.Close()

	freqs := make(map[string]int)
	for {
		entry, err := dict.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to read term dictionary: %w", err)
		}
		if entry == nil {
			break
		}
		freqs[entry.Term] = int(entry.Count)
	}
	return freqs, nil
}
