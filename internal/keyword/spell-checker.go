package keyword

import (
	"sort"
	"strings"
	"sync"
)

// Suggestion represents a spelling suggestion with its score.
type Suggestion struct {
	Term      string  // The suggested term
	Distance  int     // Edit distance from the original term
	Frequency int     // Number of tags containing the term
	Score     float64 // Combined score for ranking
}

// SpellCheckResult contains the result of spell checking a query.
type SpellCheckResult struct {
	OriginalQuery   string
	CorrectedQuery  string
	Suggestions     []Suggestion
	HasCorrections  bool
	MisspelledTerms []string
}

// SpellChecker suggests vocabulary words for misspelled query terms.
type SpellChecker struct {
	dictionary     TermDictionary
	maxDistance    int
	minFreq        int
	maxSuggestions int

	mu    sync.RWMutex
	freqs map[string]int
	valid bool
}

// SpellCheckerOption is a functional option for configuring SpellChecker.
type SpellCheckerOption func(*SpellChecker)

// WithMaxDistance sets the maximum edit distance for suggestions.
func WithMaxDistance(d int) SpellCheckerOption {
	return func(s *SpellChecker) {
		if d > 0 {
			s.maxDistance = d
		}
	}
}

// WithMinFrequency ignores words used by fewer tags than f.
func WithMinFrequency(f int) SpellCheckerOption {
	return func(s *SpellChecker) {
		if f >= 0 {
			s.minFreq = f
		}
	}
}

// WithMaxSuggestions sets the maximum number of suggestions to return per term.
func WithMaxSuggestions(n int) SpellCheckerOption {
	return func(s *SpellChecker) {
		if n > 0 {
			s.maxSuggestions = n
		}
	}
}

// NewSpellChecker creates a new SpellChecker with the given dictionary.
func NewSpellChecker(dict TermDictionary, opts ...SpellCheckerOption) *SpellChecker {
	s := &SpellChecker{
		dictionary:     dict,
		maxDistance:    2,
		minFreq:        1,
		maxSuggestions: 5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh reloads the word list from the dictionary.
func (s *SpellChecker) Refresh() error {
	freqs, err := s.dictionary.TermFrequencies()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.freqs = freqs
	s.valid = true
	s.mu.Unlock()
	return nil
}

// Invalidate forces a reload on next use. Call after the index changes.
func (s *SpellChecker) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

func (s *SpellChecker) words() (map[string]int, error) {
	s.mu.RLock()
	freqs, valid := s.freqs, s.valid
	s.mu.RUnlock()
	if valid {
		return freqs, nil
	}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.freqs, nil
}

// Check checks every query term and builds a corrected query from the best suggestions.
func (s *SpellChecker) Check(query string) (*SpellCheckResult, error) {
	freqs, err := s.words()
	if err != nil {
		return nil, err
	}

	terms := tokenizeQuery(query)
	result := &SpellCheckResult{
		OriginalQuery:   query,
		Suggestions:     make([]Suggestion, 0),
		MisspelledTerms: make([]string, 0),
	}
	corrected := make([]string, 0, len(terms))
	for _, term := range terms {
		if _, ok := freqs[term]; ok {
			corrected = append(corrected, term)
			continue
		}
		suggestions := s.suggest(freqs, term)
		if len(suggestions) == 0 {
			corrected = append(corrected, term)
			continue
		}
		result.HasCorrections = true
		result.MisspelledTerms = append(result.MisspelledTerms, term)
		result.Suggestions = append(result.Suggestions, suggestions...)
		corrected = append(corrected, suggestions[0].Term)
	}
	result.CorrectedQuery = strings.Join(corrected, " ")
	return result, nil
}

// Suggest returns spelling suggestions for a single term.
func (s *SpellChecker) Suggest(term string) []Suggestion {
	freqs, err := s.words()
	if err != nil {
		return nil
	}
	return s.suggest(freqs, strings.ToLower(term))
}

func (s *SpellChecker) suggest(freqs map[string]int, term string) []Suggestion {
	termLen := len([]rune(term))
	suggestions := make([]Suggestion, 0)
	for word, freq := range freqs {
		if word == term || freq < s.minFreq {
			continue
		}
		lenDiff := len([]rune(word)) - termLen
		if lenDiff < 0 {
			lenDiff = -lenDiff
		}
		if lenDiff > s.maxDistance {
			continue
		}
		distance := EditDistance(term, word)
		if distance > s.maxDistance {
			continue
		}
		suggestions = append(suggestions, Suggestion{
			Term:      word,
			Distance:  distance,
			Frequency: freq,
			Score:     float64(freq) / float64(distance+1),
		})
	}
	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Score != suggestions[j].Score {
			return suggestions[i].Score > suggestions[j].Score
		}
		return suggestions[i].Term < suggestions[j].Term
	})
	if len(suggestions) > s.maxSuggestions {
		suggestions = suggestions[:s.maxSuggestions]
	}
	return suggestions
}

// TopSuggestions returns the corrected query when any term was misspelled,
// or nothing.
func (s *SpellChecker) TopSuggestions(query string) []string {
	result, err := s.Check(query)
	if err != nil || !result.HasCorrections {
		return nil
	}
	return []string{result.CorrectedQuery}
}
