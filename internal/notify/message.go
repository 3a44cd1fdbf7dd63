package notify

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// fillerWords are dropped from spoken scripts; they cost call time without adding meaning.
var fillerWords = map[string]bool{
	"um":        true,
	"uh":        true,
	"basically": true,
	"actually":  true,
	"literally": true,
	"just":      true,
	"really":    true,
	"very":      true,
	"kindly":    true,
	"please":    true,
}

// TrimFillers removes filler words and collapses whitespace.
func TrimFillers(msg string) string {
	words := strings.Fields(msg)
	kept := words[:0]
	for _, w := range words {
		bare := strings.ToLower(strings.TrimFunc(w, unicode.IsPunct))
		if fillerWords[bare] {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// WordCeiling is the number of words that can be spoken in maxCallSeconds
// at wordsPerMinute: floor(wpm / 60 * seconds).
func WordCeiling(wordsPerMinute, maxCallSeconds int) int {
	if wordsPerMinute <= 0 || maxCallSeconds <= 0 {
		return 0
	}
	return wordsPerMinute * maxCallSeconds / 60
}

// CallScript shapes msg for a voice call: fillers trimmed, then truncated to
// the word ceiling. A zero ceiling leaves the length unbounded.
func CallScript(msg string, wordsPerMinute, maxCallSeconds int) string {
	trimmed := TrimFillers(msg)
	limit := WordCeiling(wordsPerMinute, maxCallSeconds)
	if limit == 0 {
		return trimmed
	}
	words := strings.Fields(trimmed)
	if len(words) <= limit {
		return trimmed
	}
	return strings.Join(words[:limit], " ")
}

// TruncateRunes cuts msg to at most max runes.
func TruncateRunes(msg string, max int) string {
	if max <= 0 || utf8.RuneCountInString(msg) <= max {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:max])
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
