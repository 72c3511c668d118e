package transcript

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DuplicateThreshold is the similarity above which a sentence is considered
// a repeat of the one before it.
const DuplicateThreshold = 0.92

var sentenceNoise = regexp.MustCompile(`[\s,.;:]+`)

// Dedupe drops sentences that repeat their immediate predecessor, either
// exactly or with a similarity above DuplicateThreshold once whitespace and
// punctuation are collapsed and case folded. Kept sentences are joined with
// newlines and retain their original spelling.
func Dedupe(text string) string {
	s := strings.TrimSpace(text)
	if s == "" {
		return s
	}

	lower := cases.Lower(language.Und)
	var kept []string
	lastNorm := ""
	for _, sentence := range SplitSentences(s) {
		t := strings.TrimSpace(sentence)
		if t == "" {
			continue
		}
		norm := lower.String(strings.TrimSpace(sentenceNoise.ReplaceAllString(t, " ")))
		if lastNorm != "" {
			if norm == lastNorm || Ratio(norm, lastNorm) > DuplicateThreshold {
				continue
			}
		}
		kept = append(kept, t)
		lastNorm = norm
	}
	return strings.Join(kept, "\n")
}

// SplitSentences cuts text at whitespace runs that follow '.', '!' or '?'.
// The terminator stays with its sentence and the whitespace is dropped.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !unicode.IsSpace(runes[i]) || i == 0 {
			continue
		}
		switch runes[i-1] {
		case '.', '!', '?':
		default:
			continue
		}
		end := i
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}
		out = append(out, string(runes[start:end]))
		start = i
		i--
	}
	return append(out, string(runes[start:]))
}
