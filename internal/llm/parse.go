package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

type rawCandidates struct {
	Positive []json.RawMessage `json:"positive"`
	Negative []json.RawMessage `json:"negative"`
}

// ParseCandidates decodes a model reply. It accepts groups
// (`[["a","b"],["c"]]`), a flat list (`["a","c"]`, one candidate per group)
// or a mix, optionally wrapped in a Markdown code fence or surrounding prose.
func ParseCandidates(reply string) (*Candidates, error) {
	body := extractJSONObject(reply)
	if body == "" {
		return nil, fmt.Errorf("no JSON object in reply: %q", truncate(reply, 200))
	}
	var raw rawCandidates
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	pos, err := decodeGroups(raw.Positive)
	if err != nil {
		return nil, fmt.Errorf("positive: %w", err)
	}
	neg, err := decodeGroups(raw.Negative)
	if err != nil {
		return nil, fmt.Errorf("negative: %w", err)
	}
	return &Candidates{Positive: cleanGroups(pos), Negative: cleanGroups(neg)}, nil
}

func decodeGroups(items []json.RawMessage) ([][]string, error) {
	groups := make([][]string, 0, len(items))
	for _, item := range items {
		var single string
		if err := json.Unmarshal(item, &single); err == nil {
			groups = append(groups, []string{single})
			continue
		}
		var group []string
		if err := json.Unmarshal(item, &group); err != nil {
			return nil, fmt.Errorf("entry %s is neither a string nor a list of strings", truncate(string(item), 80))
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func extractJSONObject(reply string) string {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
