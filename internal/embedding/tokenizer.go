package embedding

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Tokenizer produces token IDs for BERT-style models (input_ids, attention_mask, token_type_ids).
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

const maxWordChars = 100

// WordPieceTokenizer implements BERT basic + WordPiece tokenization against a
// vocab.txt file (one token per line, line number is the id).
type WordPieceTokenizer struct {
	vocab     map[string]int64
	lowercase bool
	unkID     int64
	clsID     int64
	sepID     int64
	padID     int64
}

// LoadWordPiece reads vocab.txt from path.
func LoadWordPiece(path string, lowercase bool) (*WordPieceTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tokenizer vocab: %w", err)
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tokens = append(tokens, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tokenizer vocab: %w", err)
	}
	return NewWordPiece(tokens, lowercase)
}

// NewWordPiece builds a tokenizer from an ordered token list.
func NewWordPiece(tokens []string, lowercase bool) (*WordPieceTokenizer, error) {
	vocab := make(map[string]int64, len(tokens))
	for i, tok := range tokens {
		if _, ok := vocab[tok]; !ok {
			vocab[tok] = int64(i)
		}
	}
	t := &WordPieceTokenizer{vocab: vocab, lowercase: lowercase}
	for name, dst := range map[string]*int64{"[UNK]": &t.unkID, "[CLS]": &t.clsID, "[SEP]": &t.sepID, "[PAD]": &t.padID} {
		id, ok := vocab[name]
		if !ok {
			return nil, fmt.Errorf("tokenizer vocab is missing %s", name)
		}
		*dst = id
	}
	return t, nil
}

// Tokenize returns [CLS] pieces... [SEP] padded to maxTokens.
func (t *WordPieceTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens < 2 {
		maxTokens = 2
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)
	for i := range inputIDs {
		inputIDs[i] = t.padID
	}

	inputIDs[0] = t.clsID
	attentionMask[0] = 1
	pos := 1
	for _, word := range t.basicTokenize(text) {
		for _, id := range t.wordPiece(word) {
			if pos >= maxTokens-1 {
				break
			}
			inputIDs[pos] = id
			attentionMask[pos] = 1
			pos++
		}
	}
	inputIDs[pos] = t.sepID
	attentionMask[pos] = 1
	return inputIDs, attentionMask, tokenTypeIDs
}

var stripAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func (t *WordPieceTokenizer) basicTokenize(text string) []string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || (unicode.IsControl(r) && !unicode.IsSpace(r)):
			continue
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case isCJK(r):
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}

	var out []string
	for _, word := range strings.Fields(b.String()) {
		if t.lowercase {
			word = strings.ToLower(word)
			if s, _, err := transform.String(stripAccents, word); err == nil {
				word = s
			}
		}
		out = append(out, splitPunct(word)...)
	}
	return out
}

func (t *WordPieceTokenizer) wordPiece(word string) []int64 {
	chars := []rune(word)
	if len(chars) > maxWordChars {
		return []int64{t.unkID}
	}
	var ids []int64
	for start := 0; start < len(chars); {
		end := len(chars)
		var id int64 = -1
		for start < end {
			sub := string(chars[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if v, ok := t.vocab[sub]; ok {
				id = v
				break
			}
			end--
		}
		if id < 0 {
			return []int64{t.unkID}
		}
		ids = append(ids, id)
		start = end
	}
	return ids
}

func splitPunct(word string) []string {
	var out []string
	var cur []rune
	for _, r := range word {
		if isPunct(r) {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = cur[:0]
			}
			out = append(out, string(r))
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

func isPunct(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
