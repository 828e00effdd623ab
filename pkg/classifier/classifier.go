package classifier

import (
	"crypto/sha256"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/versemarket/keeperd/pkg/types"
)

// synonyms collapses spelling variants before tokenization. Applied to
// whole tokens only.
var synonyms = map[string]string{
	"btc":   "bitcoin",
	"eth":   "ethereum",
	"above": ">",
	"below": "<",
	"usd":   "$",
}

// stopWords are dropped from the canonical token set.
var stopWords = map[string]bool{
	"the":  true,
	"will": true,
	"be":   true,
	"at":   true,
	"in":   true,
	"on":   true,
	"by":   true,
}

// sameVerseMaxDistance is the exclusive Levenshtein bound under which
// two normalized questions count as the same verse.
const sameVerseMaxDistance = 5

// clean lowercases the question and strips every rune that is not a
// lowercase letter, a digit, whitespace, or a synonym output rune.
// Keeping >, < and $ makes classification stable under re-normalization:
// classify(Normalize(q)) == classify(q).
func clean(question string) string {
	var b strings.Builder
	b.Grow(len(question))
	for _, r := range strings.ToLower(question) {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '>' || r == '<' || r == '$':
			b.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			b.WriteRune(' ')
		}
	}
	return b.String()
}

// tokens splits the cleaned question and applies the synonym map.
func tokens(question string) []string {
	fields := strings.Fields(clean(question))
	for i, tok := range fields {
		if s, ok := synonyms[tok]; ok {
			fields[i] = s
		}
	}
	return fields
}

// Normalize returns the synonym-mapped form of the question with tokens
// joined by single spaces. This is the form SameVerse compares.
func Normalize(question string) string {
	return strings.Join(tokens(question), " ")
}

// Canonical returns the fully canonicalized key the verse id is derived
// from: normalized tokens minus stop-words, sorted, joined by "_".
func Canonical(question string) string {
	toks := tokens(question)
	kept := toks[:0]
	for _, tok := range toks {
		if !stopWords[tok] {
			kept = append(kept, tok)
		}
	}
	sort.Strings(kept)
	return strings.Join(kept, "_")
}

// Classify derives the 128-bit verse id for a market question: the
// first 16 bytes of the SHA-256 digest of the canonical key. Equal
// canonical keys always yield equal ids.
func Classify(question string) types.VerseID {
	sum := sha256.Sum256([]byte(Canonical(question)))
	var id types.VerseID
	copy(id[:], sum[:16])
	return id
}

// SameVerse reports whether two questions are near-duplicates: the
// Levenshtein distance of their normalized forms is below the bound.
func SameVerse(q1, q2 string) bool {
	return levenshtein.ComputeDistance(Normalize(q1), Normalize(q2)) < sameVerseMaxDistance
}
