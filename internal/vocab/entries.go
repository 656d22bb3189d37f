package vocab

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	ferrors "github.com/hyperjump/fuda/internal/errors"
)

// Entry is one vocabulary tag as read from a vocabulary file.
type Entry struct {
	Name      string
	Category  Category
	PostCount int64
}

// LoadEntries reads a vocabulary file. The format follows the extension:
// .json is model metadata, .csv is a booru tag export
// (name,category,post_count[,aliases]), anything else is one tag per line.
// Duplicate names keep their first occurrence.
func LoadEntries(path string) ([]Entry, error) {
	const op = "vocab.LoadEntries"
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ferrors.NotFound(op, "vocabulary file not found: "+path, err)
		}
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer f.Close()

	var entries []Entry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read vocabulary: %w", err)
		}
		v, err := ParseMetadata(data)
		if err != nil {
			return nil, err
		}
		entries = v.Entries()
	case ".csv":
		entries, err = ReadCSV(f)
	default:
		entries, err = ReadList(f)
	}
	if err != nil {
		return nil, err
	}
	return dedupe(entries), nil
}

// ReadList reads one tag per line. Blank lines and lines starting with # are skipped.
func ReadList(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, Entry{Name: line, Category: CategoryGeneral})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tag list: %w", err)
	}
	return entries, nil
}

// ReadCSV reads a booru tag export. A header row is detected and skipped.
func ReadCSV(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var entries []Entry
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ferrors.Configuration("vocab.ReadCSV", fmt.Sprintf("line %d", line), err)
		}
		if len(rec) == 0 {
			continue
		}
		name := strings.TrimSpace(rec[0])
		if name == "" || (line == 1 && strings.EqualFold(name, "name")) {
			continue
		}
		e := Entry{Name: name, Category: CategoryGeneral}
		if len(rec) > 1 {
			e.Category = ParseCategory(rec[1])
		}
		if len(rec) > 2 {
			if n, err := strconv.ParseInt(strings.TrimSpace(rec[2]), 10, 64); err == nil {
				e.PostCount = n
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func dedupe(entries []Entry) []Entry {
	seen := make(map[string]struct{}, len(entries))
	out := entries[:0]
	for _, e := range entries {
		if _, ok := seen[e.Name]; ok {
			continue
		}
		seen[e.Name] = struct{}{}
		out = append(out, e)
	}
	return out
}
