package keyword

import "testing"

func TestEditDistance(t *testing.T) {
	tests := []struct {
		name     string
		a        string
		b        string
		expected int
	}{
		{"identical empty", "", "", 0},
		{"identical word", "hair", "hair", 0},
		{"identical unicode", "猫耳", "猫耳", 0},

		{"empty a", "", "miku", 4},
		{"empty b", "miku", "", 4},

		{"one substitution", "cat", "bat", 1},
		{"one insertion", "ear", "ears", 1},
		{"one deletion", "ears", "ear", 1},
		{"kitten to sitting", "kitten", "sitting", 3},

		{"common typo", "uniform", "unifrom", 1},
		{"missing letter", "twintails", "twintals", 1},
		{"transposition ab-ba", "ab", "ba", 1},
		{"transposition in word", "hatsnue", "hatsune", 1},

		{"case difference", "Miku", "miku", 1},
		{"unicode substitution", "café", "cafe", 1},
		{"unrelated", "sword", "skirt", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EditDistance(tt.a, tt.b); got != tt.expected {
				t.Errorf("EditDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.expected)
			}
			if got := EditDistance(tt.b, tt.a); got != tt.expected {
				t.Errorf("EditDistance(%q, %q) = %d, want %d (symmetry)", tt.b, tt.a, got, tt.expected)
			}
		})
	}
}
