package bridge

import (
	"strings"
	"unicode/utf8"
)

// SplitText splits text into protocol-sized chunks of at most limit
// bytes. The cut prefers the last newline past half the limit so lines
// survive intact where possible, and otherwise backs off to a rune
// boundary so multi-byte characters are never torn. Concatenating the
// chunks reproduces the input exactly. A non-positive limit yields the
// whole text as one chunk.
func SplitText(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= limit {
			chunks = append(chunks, text)
			break
		}
		cutAt := limit
		if idx := strings.LastIndex(text[:limit], "\n"); idx > limit/2 {
			cutAt = idx + 1
		} else {
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
			if cutAt == 0 {
				cutAt = limit
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}
