package llm

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-ego/gse"
	"github.com/go-ego/gse/hmm/pos"
)

// allowedPOS is the part-of-speech allow-list for keyword extraction:
// nouns, proper names, verbs, adjectives, English tokens, idioms and
// fixed phrases.
var allowedPOS = map[string]bool{
	"n":   true,
	"nr":  true,
	"ns":  true,
	"nt":  true,
	"nz":  true,
	"v":   true,
	"vn":  true,
	"a":   true,
	"an":  true,
	"eng": true,
	"i":   true,
	"l":   true,
}

// KeywordExtractor segments Chinese and English text and keeps tokens whose
// part of speech is in the allow-list. Numeric tokens are discarded.
type KeywordExtractor struct {
	posSeg pos.Segmenter
}

// NewKeywordExtractor loads the default dictionary.
func NewKeywordExtractor() (*KeywordExtractor, error) {
	var seg gse.Segmenter
	if err := seg.LoadDict(); err != nil {
		return nil, fmt.Errorf("load segmenter dict: %w", err)
	}
	k := &KeywordExtractor{}
	k.posSeg.WithGse(seg)
	return k, nil
}

// Extract returns the deduplicated keyword tokens of text, in first-seen
// order. Used to build tscontent for fulltext indexing.
func (k *KeywordExtractor) Extract(text string) []string {
	segments := k.posSeg.Cut(text, true)

	keywords := make([]string, 0, len(segments))
	seen := make(map[string]bool, len(segments))
	for _, s := range segments {
		token := strings.TrimSpace(s.Text)
		if utf8.RuneCountInString(token) < 2 {
			continue
		}
		if !allowedPOS[s.Pos] {
			continue
		}
		if IsNumeric(token) {
			continue
		}
		if seen[token] {
			continue
		}
		seen[token] = true
		keywords = append(keywords, token)
	}
	return keywords
}

// ExtractWithOriginal extracts keywords and appends the full input string as
// one extra keyword. Used for user queries.
func (k *KeywordExtractor) ExtractWithOriginal(text string) []string {
	keywords := k.Extract(text)
	for _, existing := range keywords {
		if existing == text {
			return keywords
		}
	}
	return append(keywords, text)
}

// IsNumeric reports whether s parses as a number.
func IsNumeric(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}
