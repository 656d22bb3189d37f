package embedding

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "cat", "ears", "school", "uniform", "##s", "ear", "(", ")", "猫", "耳", "cafe", "blue", "arch", "##ive",
}

func newTestTokenizer(t *testing.T) *WordPieceTokenizer {
	t.Helper()
	tok, err := NewWordPiece(testVocab, true)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestWordPiece_Tokenize(t *testing.T) {
	tok := newTestTokenizer(t)
	ids, attn, types := tok.Tokenize("Cat ears", 8)
	want := []int64{2, 4, 5, 3, 0, 0, 0, 0}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
	if attn[3] != 1 || attn[4] != 0 {
		t.Errorf("attention mask = %v", attn)
	}
	if len(types) != 8 || types[1] != 0 {
		t.Errorf("token types = %v", types)
	}
}

func TestWordPiece_SubwordsPunctAndCJK(t *testing.T) {
	tok := newTestTokenizer(t)
	ids, _, _ := tok.Tokenize("ear(s) 猫耳 blue_archive café", 16)
	// [CLS] ear ( [UNK] ) 猫 耳 blue [UNK] arch ##ive cafe [SEP] [PAD]...
	want := []int64{2, 9, 10, 1, 11, 12, 13, 15, 1, 16, 17, 14, 3, 0, 0, 0}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestWordPiece_ContinuationPieces(t *testing.T) {
	tok := newTestTokenizer(t)
	if got := tok.wordPiece("archive"); len(got) != 2 || got[0] != 16 || got[1] != 17 {
		t.Errorf("wordPiece(archive) = %v", got)
	}
	if got := tok.wordPiece("ears"); len(got) != 1 || got[0] != 5 {
		t.Errorf("wordPiece(ears) = %v", got)
	}
	if got := tok.wordPiece("zzz"); len(got) != 1 || got[0] != 1 {
		t.Errorf("unknown word should be [UNK], got %v", got)
	}
}

func TestWordPiece_Truncates(t *testing.T) {
	tok := newTestTokenizer(t)
	ids, attn, _ := tok.Tokenize(strings.Repeat("cat ", 20), 5)
	if len(ids) != 5 || ids[4] != 3 || attn[4] != 1 {
		t.Errorf("truncated ids = %v mask = %v", ids, attn)
	}
}

func TestLoadWordPiece(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	if err := os.WriteFile(path, []byte(strings.Join(testVocab, "\n")+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	tok, err := LoadWordPiece(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if tok.clsID != 2 || tok.sepID != 3 {
		t.Errorf("special ids: cls=%d sep=%d", tok.clsID, tok.sepID)
	}
	if _, err := NewWordPiece([]string{"a", "b"}, true); err == nil {
		t.Error("expected error for vocab without special tokens")
	}
}
