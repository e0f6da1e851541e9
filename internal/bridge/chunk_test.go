package bridge

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"empty", "", 100, nil},
		{"fits", "hello", 100, []string{"hello"}},
		{"exact limit", "abcde", 5, []string{"abcde"}},
		{"no limit", strings.Repeat("x", 500), 0, []string{strings.Repeat("x", 500)}},
		{"hard split", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"newline preferred", "line one\nline two\nrest", 12, []string{"line one\n", "line two\n", "rest"}},
		{"newline too early ignored", "ab\n" + strings.Repeat("c", 9), 10, []string{"ab\n" + strings.Repeat("c", 7), "cc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitText(tt.text, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d chunks %q, want %d %q", len(got), got, len(tt.want), tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitText_NeverTearsRunes(t *testing.T) {
	// 3-byte CJK runes and a 4-byte emoji; byte limits that do not land
	// on rune boundaries force the cut to back off.
	text := strings.Repeat("你好世界🌍", 20)
	for _, limit := range []int{5, 7, 10, 16} {
		chunks := SplitText(text, limit)
		for i, c := range chunks {
			if !utf8.ValidString(c) {
				t.Errorf("limit %d: chunk %d tears a rune: %q", limit, i, c)
			}
			if len(c) > limit {
				t.Errorf("limit %d: chunk %d has %d bytes", limit, i, len(c))
			}
		}
		if strings.Join(chunks, "") != text {
			t.Errorf("limit %d: rejoined text differs from input", limit)
		}
	}
}

func TestSplitText_Rejoins(t *testing.T) {
	text := strings.Repeat("some words here\nand a newline\n", 200)
	for _, limit := range []int{10, 100, 1000, 4000} {
		chunks := SplitText(text, limit)
		if strings.Join(chunks, "") != text {
			t.Errorf("limit %d: rejoined text differs from input", limit)
		}
		for i, c := range chunks {
			if len(c) > limit {
				t.Errorf("limit %d: chunk %d has %d bytes", limit, i, len(c))
			}
			if c == "" {
				t.Errorf("limit %d: empty chunk at %d", limit, i)
			}
		}
	}
}
