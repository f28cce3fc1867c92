// Package phonetic matches whole transcript phrases against a list of known
// phrases using Double Metaphone phonetic encoding combined with Jaro-Winkler
// string similarity.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word of the input and of each known phrase. If any code from the
//     input overlaps with any code from a phrase, the phrase becomes a
//     phonetic candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the phrase with the
//     highest whole-string Jaro-Winkler similarity (case-insensitive) is
//     selected, provided its score exceeds the configurable phonetic
//     threshold. When no phonetic candidate clears the bar, a secondary pass
//     tests pure Jaro-Winkler similarity against all phrases using a higher
//     fuzzy threshold (default 0.85).
//
// Ranking is deliberately whole-phrase: an input that shares one similar word
// with a known phrase must not match on that word alone, so per-token scores
// gate candidacy but never rank. This keeps the matcher usable as a drop
// filter, where a false positive silently discards a caller's utterance.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched phrase to be accepted. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate clears the phonetic threshold and the matcher falls back
// to pure string similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is a phonetic phrase matcher. All methods are safe for concurrent
// use; the Matcher is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match attempts to find the phrase from phrases that is most similar to
// input as a whole.
//
// Return values:
//
//	matched    — the best-matching phrase from phrases, in its original casing.
//	confidence — similarity score in [0.0, 1.0] where 1.0 is a perfect match.
//	ok         — true when a sufficiently similar phrase was found.
//
// When ok is false, matched equals input unchanged and confidence is 0.
func (m *Matcher) Match(input string, phrases []string) (matched string, confidence float64, ok bool) {
	if len(phrases) == 0 || strings.TrimSpace(input) == "" {
		return input, 0, false
	}

	inputLower := strings.ToLower(strings.TrimSpace(input))
	inputTokens := strings.Fields(inputLower)
	inputCodes := codesForTokens(inputTokens)

	type candidate struct {
		phrase   string
		score    float64
		phonetic bool
	}

	var best candidate

	for _, phrase := range phrases {
		phraseLower := strings.ToLower(strings.TrimSpace(phrase))
		if phraseLower == "" {
			continue
		}
		phraseTokens := strings.Fields(phraseLower)

		phraseCodes := codesForTokens(phraseTokens)
		phoneticMatch := codesOverlap(inputCodes, phraseCodes)

		score := phraseSimilarity(inputLower, phraseLower, inputTokens, phraseTokens)

		if phoneticMatch {
			if score >= m.phoneticThreshold {
				if !best.phonetic || score > best.score {
					best = candidate{phrase: phrase, score: score, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if score >= m.fuzzyThreshold && score > best.score {
				best = candidate{phrase: phrase, score: score, phonetic: false}
			}
		}
	}

	if best.phrase != "" {
		return best.phrase, best.score, true
	}
	return input, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or contains
// no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set.
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// phraseSimilarity computes the whole-phrase Jaro-Winkler similarity between
// the input and a phrase using two comparisons and taking the higher score:
//
//  1. Full-string comparison ("thanks for watching" vs "thank you for watching").
//  2. Space-stripped comparison, which tolerates word-boundary drift in the
//     transcript ("good bye" vs "goodbye").
//
// longTolerance is passed as false to use standard Jaro-Winkler scoring.
func phraseSimilarity(inputFull, phraseFull string, inputTokens, phraseTokens []string) float64 {
	score := matchr.JaroWinkler(inputFull, phraseFull, false)

	if len(inputTokens) > 1 || len(phraseTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(phraseTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	return score
}
