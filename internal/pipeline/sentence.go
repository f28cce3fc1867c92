package pipeline

import "strings"

// MaxSentenceChars is the forced flush threshold for sentence accumulation: a
// span with no boundary is cut here so synthesis never waits on a runaway
// clause.
const MaxSentenceChars = 250

// firstSentenceBoundary returns the index one past the first sentence
// terminator in s, or -1 when s holds no complete sentence yet. A terminator
// counts only when immediately followed by whitespace; a trailing terminator
// stays pending because the next chunk may continue the token ("3." of
// "3.14").
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i + 1
			}
		}
	}
	return -1
}

// nextSentence splits the leading complete sentence off s. ok is false when s
// holds no boundary yet and is still under the forced-flush threshold; the
// caller keeps buffering. A maxChars ≤ 0 selects MaxSentenceChars.
func nextSentence(s string, maxChars int) (sentence, rest string, ok bool) {
	if maxChars <= 0 {
		maxChars = MaxSentenceChars
	}
	if b := firstSentenceBoundary(s); b >= 0 && b <= maxChars {
		return strings.TrimSpace(s[:b]), strings.TrimLeft(s[b:], " \n\r\t"), true
	}
	if len(s) < maxChars {
		return "", s, false
	}
	// No boundary within the threshold: cut at the last space before it, hard
	// at the threshold when the span has none.
	cut := strings.LastIndexByte(s[:maxChars], ' ')
	if cut <= 0 {
		cut = maxChars
	}
	return strings.TrimSpace(s[:cut]), strings.TrimLeft(s[cut:], " \n\r\t"), true
}

// SplitSentences splits text exactly the way the synthesis stage does while
// streaming: boundary-delimited sentences with a forced cut at maxChars, plus
// the trailing remainder flushed as the final sentence. The conversation
// context uses it so truncation after a barge-in lands on the same boundaries
// as the audio that actually played.
func SplitSentences(text string, maxChars int) []string {
	var out []string
	rest := text
	for {
		s, r, ok := nextSentence(rest, maxChars)
		if !ok {
			break
		}
		if s != "" {
			out = append(out, s)
		}
		rest = r
	}
	if tail := strings.TrimSpace(rest); tail != "" {
		out = append(out, tail)
	}
	return out
}
