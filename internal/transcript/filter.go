// Package transcript filters final STT transcripts before they reach the
// dialog context.
//
// Streaming STT models emit stock phrases on silence, music, or line noise
// ("thank you for watching", "subscribe to my channel") and sub-syllable
// fragments that carry no intent. The [Filter] drops both classes:
//
//  1. Blacklist: finals containing a configured hallucination phrase, or
//     phonetically close to one ([phonetic.Matcher] over Double Metaphone +
//     Jaro-Winkler), are discarded.
//
//  2. Minimum length: finals shorter than a minimum rune count are discarded.
//
// A dropped final counts as an empty utterance upstream: the turn simply
// never happened. Each [Verdict] records which rule fired so callers can log
// an audit trail.
package transcript

import (
	"strings"
	"unicode/utf8"

	"github.com/vocero-ai/vocero/internal/transcript/phonetic"
)

// defaultMinChars is the minimum rune count for a final to be kept.
const defaultMinChars = 2

// Drop reasons recorded on a [Verdict].
const (
	// DropBlacklist means the final contained a blacklisted phrase verbatim.
	DropBlacklist = "blacklist"

	// DropBlacklistPhonetic means the final was phonetically close to a
	// blacklisted phrase.
	DropBlacklistPhonetic = "blacklist_phonetic"

	// DropTooShort means the final was below the minimum rune count.
	DropTooShort = "too_short"
)

// Matcher resolves a whole phrase to the most similar entry of a phrase list.
// Implementations must be safe for concurrent use.
type Matcher interface {
	// Match returns the best-matching phrase, a similarity score in
	// [0.0, 1.0], and whether a sufficiently similar phrase was found. When
	// ok is false, matched equals input unchanged and confidence is 0.
	Match(input string, phrases []string) (matched string, confidence float64, ok bool)
}

// Verdict is the outcome of checking one final transcript.
type Verdict struct {
	// Text is the original transcript text, unchanged.
	Text string

	// Drop reports whether the final must be discarded.
	Drop bool

	// Reason is one of the Drop* constants when Drop is true, empty otherwise.
	Reason string

	// Matched is the blacklist entry that fired, for blacklist drops.
	Matched string

	// Confidence is the phonetic similarity score for phonetic drops.
	Confidence float64
}

// Option is a functional option for configuring a [Filter].
type Option func(*Filter)

// WithMinChars sets the minimum rune count below which finals are dropped.
// Default: 2.
func WithMinChars(n int) Option {
	return func(f *Filter) {
		f.minChars = n
	}
}

// WithMatcher replaces the phonetic blacklist matcher. Pass nil to disable
// the phonetic stage and keep only verbatim blacklist matching.
func WithMatcher(m Matcher) Option {
	return func(f *Filter) {
		f.matcher = m
	}
}

// Filter drops hallucinated or too-short STT finals. It is read-only after
// construction and safe for concurrent use.
type Filter struct {
	minChars  int
	blacklist []string // normalized: lowercase, single-spaced
	original  []string // as configured, for Verdict.Matched
	matcher   Matcher
}

// New returns a [Filter] with the given hallucination blacklist. Blank
// entries are ignored. By default the phonetic stage uses a
// [phonetic.Matcher] at its standard thresholds; whole-phrase drops need
// stronger evidence than word-level matching, so the phonetic default is
// already conservative.
func New(blacklist []string, opts ...Option) *Filter {
	f := &Filter{
		minChars: defaultMinChars,
		matcher:  phonetic.New(),
	}
	for _, entry := range blacklist {
		norm := normalize(entry)
		if norm == "" {
			continue
		}
		f.blacklist = append(f.blacklist, norm)
		f.original = append(f.original, strings.TrimSpace(entry))
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Check classifies one final transcript. Blacklist rules run before the
// length rule, so a blacklisted short phrase reports the blacklist reason.
func (f *Filter) Check(text string) Verdict {
	v := Verdict{Text: text}
	norm := normalize(text)

	// Stage 1: verbatim blacklist containment.
	for i, entry := range f.blacklist {
		if strings.Contains(norm, entry) {
			v.Drop = true
			v.Reason = DropBlacklist
			v.Matched = f.original[i]
			return v
		}
	}

	// Stage 2: phonetic blacklist similarity on the whole final.
	if f.matcher != nil && len(f.original) > 0 && norm != "" {
		if matched, conf, ok := f.matcher.Match(norm, f.original); ok {
			v.Drop = true
			v.Reason = DropBlacklistPhonetic
			v.Matched = matched
			v.Confidence = conf
			return v
		}
	}

	// Stage 3: minimum length.
	if utf8.RuneCountInString(norm) < f.minChars {
		v.Drop = true
		v.Reason = DropTooShort
		return v
	}

	return v
}

// normalize lowercases and collapses all whitespace runs to single spaces.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
