// SPDX-License-Identifier: MIT

package retitle

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NoLower keeps acronyms the model emitted ("GPU Memory Primer").
var titleCaser = cases.Title(language.English, cases.NoLower)

// Sanitize normalizes raw model output into an index-safe title:
// first non-empty line only, quote and list markers stripped,
// disallowed runes dropped, capped to maxWords words and maxChars
// runes, Title Case enforced. Empty output means the caller should
// keep the old title.
func Sanitize(raw string, maxWords, maxChars int) string {
	line := firstLine(raw)
	line = strings.Trim(line, "\"'`“”‘’ \t")
	line = strings.TrimLeft(line, "-*#• \t")
	line = strings.TrimRight(line, ".!?,;: \t")

	var b strings.Builder
	for _, r := range line {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '\'' || r == '&':
			b.WriteRune(r)
		}
	}

	words := strings.Fields(b.String())
	if maxWords > 0 && len(words) > maxWords {
		words = words[:maxWords]
	}
	title := titleCaser.String(strings.Join(words, " "))

	if maxChars > 0 && utf8.RuneCountInString(title) > maxChars {
		title = truncateWords(title, maxChars)
	}
	return strings.TrimSpace(title)
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}

// truncateWords cuts at the last word boundary inside the rune
// budget, falling back to a hard cut for one giant word.
func truncateWords(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	cut := string(runes[:maxRunes])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ")
}
