// Package llm turns a natural-language image query into candidate tags
// using an OpenAI-compatible chat model.
package llm

import (
	"context"
	"strings"
)

// Candidates are the model's proposals. Each group is one concept; its
// entries are alternative spellings ordered by the model's preference.
type Candidates struct {
	Positive [][]string `json:"positive"`
	Negative [][]string `json:"negative"`
}

// Empty reports whether no candidate was proposed.
func (c *Candidates) Empty() bool {
	return len(c.Positive) == 0 && len(c.Negative) == 0
}

// Options selects the endpoint, model and credential for one extraction.
// Empty fields fall back to the extractor's defaults.
type Options struct {
	Endpoint string
	Model    string
	APIKey   string
}

// merge fills empty fields of o from defaults.
func (o Options) merge(defaults Options) Options {
	if o.Endpoint == "" {
		o.Endpoint = defaults.Endpoint
	}
	if o.Model == "" {
		o.Model = defaults.Model
	}
	if o.APIKey == "" {
		o.APIKey = defaults.APIKey
	}
	return o
}

// Extractor proposes candidate tags for a query.
type Extractor interface {
	Extract(ctx context.Context, query string, opts Options) (*Candidates, error)
}

func cleanGroups(groups [][]string) [][]string {
	out := make([][]string, 0, len(groups))
	for _, g := range groups {
		clean := make([]string, 0, len(g))
		for _, c := range g {
			if c = strings.TrimSpace(c); c != "" {
				clean = append(clean, c)
			}
		}
		if len(clean) > 0 {
			out = append(out, clean)
		}
	}
	return out
}
