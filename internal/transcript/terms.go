package transcript

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"
)

var termTokens = regexp.MustCompile(`[\p{L}\p{N}_]+|[^\p{L}\p{N}_\s]+|\s+`)

const minTermTokenLen = 4

// TermCorrector snaps near-miss spellings of known medical vocabulary to
// the canonical term.
type TermCorrector struct {
	terms  []string
	cutoff float64
}

func NewTermCorrector(terms []string, cutoff float64) *TermCorrector {
	return &TermCorrector{terms: terms, cutoff: cutoff}
}

// LoadTerms reads one term per line. Blank lines and lines starting with
// '#' are skipped. An empty path yields an empty list.
func LoadTerms(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open terms file: %w", err)
	}
	defer f.Close()

	var terms []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		if t := strings.TrimSpace(line); t != "" {
			terms = append(terms, t)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read terms file: %w", err)
	}
	return terms, nil
}

func (c *TermCorrector) Len() int {
	if c == nil {
		return 0
	}
	return len(c.terms)
}

// Correct rewrites each alphabetic word of at least four letters to the
// most similar term when the similarity reaches the cutoff. It returns the
// corrected text and the number of replacements.
func (c *TermCorrector) Correct(text string) (string, int) {
	if c.Len() == 0 || text == "" {
		return text, 0
	}
	var b strings.Builder
	b.Grow(len(text))
	replaced := 0
	for _, tok := range termTokens.FindAllString(text, -1) {
		if !isAlpha(tok) || len([]rune(tok)) < minTermTokenLen {
			b.WriteString(tok)
			continue
		}
		best, score := "", 0.0
		for _, term := range c.terms {
			if r := Ratio(term, tok); r >= c.cutoff && r > score {
				best, score = term, r
			}
		}
		if best == "" {
			b.WriteString(tok)
			continue
		}
		b.WriteString(matchCase(tok, best))
		replaced++
	}
	return b.String(), replaced
}

func isAlpha(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// matchCase carries the casing pattern of src over to cand.
func matchCase(src, cand string) string {
	switch {
	case strings.ToUpper(src) == src && strings.ToLower(src) != src:
		return strings.ToUpper(cand)
	case isTitle(src):
		r := []rune(cand)
		return strings.ToUpper(string(r[:1])) + string(r[1:])
	case strings.ToLower(src) == src:
		return strings.ToLower(cand)
	}
	return cand
}

func isTitle(s string) bool {
	r := []rune(s)
	if len(r) == 0 || !unicode.IsUpper(r[0]) {
		return false
	}
	for _, c := range r[1:] {
		if unicode.IsUpper(c) {
			return false
		}
	}
	return true
}
