// Package vocab holds the immutable tag vocabulary used by the classifier and
// the matcher, and reads the vocabulary file formats fuda accepts.
package vocab

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	ferrors "github.com/hyperjump/fuda/internal/errors"
)

// Vocabulary maps model output indices to tags and tags to categories.
// It is never mutated after construction and is safe for concurrent use.
type Vocabulary struct {
	idxToTag      []string
	tagToCategory map[string]Category
}

// New builds a Vocabulary of size total. Indices in [0,total) missing from
// idxToTag resolve to a placeholder name. Tags without a category are general.
func New(idxToTag map[int]string, tagToCategory map[string]string, total int) *Vocabulary {
	if total <= 0 {
		for idx := range idxToTag {
			if idx+1 > total {
				total = idx + 1
			}
		}
	}
	v := &Vocabulary{
		idxToTag:      make([]string, total),
		tagToCategory: make(map[string]Category, len(tagToCategory)),
	}
	for idx, tag := range idxToTag {
		if idx >= 0 && idx < total {
			v.idxToTag[idx] = tag
		}
	}
	for tag, label := range tagToCategory {
		v.tagToCategory[tag] = ParseCategory(label)
	}
	return v
}

// FromEntries builds a Vocabulary whose indices follow entry order.
func FromEntries(entries []Entry) *Vocabulary {
	idx := make(map[int]string, len(entries))
	cats := make(map[string]string, len(entries))
	for i, e := range entries {
		idx[i] = e.Name
		cats[e.Name] = string(e.Category)
	}
	return New(idx, cats, len(entries))
}

// Size returns the number of model outputs the vocabulary covers.
func (v *Vocabulary) Size() int { return len(v.idxToTag) }

// Tag returns the tag at idx, or "unknown-<idx>" when the index has no entry.
func (v *Vocabulary) Tag(idx int) string {
	if idx >= 0 && idx < len(v.idxToTag) && v.idxToTag[idx] != "" {
		return v.idxToTag[idx]
	}
	return "unknown-" + strconv.Itoa(idx)
}

// At returns the tag and category for a model output index. Indices without
// an entry get a placeholder name in CategoryOther.
func (v *Vocabulary) At(idx int) (string, Category) {
	if idx >= 0 && idx < len(v.idxToTag) && v.idxToTag[idx] != "" {
		tag := v.idxToTag[idx]
		return tag, v.Category(tag)
	}
	return v.Tag(idx), CategoryOther
}

// Category returns the category of tag, defaulting to general.
func (v *Vocabulary) Category(tag string) Category {
	if c, ok := v.tagToCategory[tag]; ok {
		return c
	}
	return CategoryGeneral
}

// Tags returns every known tag in index order.
func (v *Vocabulary) Tags() []string {
	out := make([]string, 0, len(v.idxToTag))
	for _, t := range v.idxToTag {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Entries returns every known tag with its category in index order.
func (v *Vocabulary) Entries() []Entry {
	out := make([]Entry, 0, len(v.idxToTag))
	for _, t := range v.idxToTag {
		if t != "" {
			out = append(out, Entry{Name: t, Category: v.Category(t)})
		}
	}
	return out
}

// metadata covers both document shapes: the nested dataset_info.tag_mapping
// layout and the older flat layout.
type metadata struct {
	DatasetInfo *struct {
		TagMapping struct {
			IdxToTag      map[string]string `json:"idx_to_tag"`
			TagToCategory map[string]string `json:"tag_to_category"`
		} `json:"tag_mapping"`
		TotalTags int `json:"total_tags"`
	} `json:"dataset_info"`
	IdxToTag      map[string]string `json:"idx_to_tag"`
	TagToCategory map[string]string `json:"tag_to_category"`
	TotalTags     int               `json:"total_tags"`
}

// ParseMetadata decodes a model metadata document.
func ParseMetadata(data []byte) (*Vocabulary, error) {
	const op = "vocab.ParseMetadata"
	var m metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ferrors.Configuration(op, "invalid metadata json", err)
	}

	idxToTag, tagToCategory, total := m.IdxToTag, m.TagToCategory, m.TotalTags
	if m.DatasetInfo != nil && len(m.DatasetInfo.TagMapping.IdxToTag) > 0 {
		idxToTag = m.DatasetInfo.TagMapping.IdxToTag
		tagToCategory = m.DatasetInfo.TagMapping.TagToCategory
		total = m.DatasetInfo.TotalTags
	}
	if len(idxToTag) == 0 {
		return nil, ferrors.Configuration(op, "metadata has no idx_to_tag mapping", nil)
	}
	if total == 0 {
		total = len(idxToTag)
	}

	indexed := make(map[int]string, len(idxToTag))
	for key, tag := range idxToTag {
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, ferrors.Configuration(op, fmt.Sprintf("idx_to_tag key %q is not an integer", key), err)
		}
		indexed[idx] = tag
	}
	return New(indexed, tagToCategory, total), nil
}

// LoadMetadata reads and parses the metadata document at path.
func LoadMetadata(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ferrors.NotFound("vocab.LoadMetadata", "metadata file not found: "+path, err)
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	return ParseMetadata(data)
}
