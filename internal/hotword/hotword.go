// Package hotword corrects speech-to-text mishearings of names the companion
// must get right in conversation: friend display names, world names, avatar
// names. General-purpose transcription models reliably mangle these, so the
// corrector phonetically aligns transcript tokens against a configured list.
//
// Matching runs in two stages per candidate phrase:
//
//  1. Double Metaphone codes are computed for the phrase and the hotword; a
//     shared code makes the hotword a phonetic candidate, accepted when its
//     Jaro-Winkler similarity clears the phonetic threshold (default 0.70).
//  2. Without phonetic overlap, a pure Jaro-Winkler pass applies with a
//     stricter fuzzy threshold (default 0.85).
//
// The corrector slides n-gram windows over the transcript, preferring the
// longest window that matches, which handles both multi-word hotwords and
// spacing splits like "kara sumi" for "Karasumi". Merging several transcript
// tokens is aggressive, so multi-token windows always face the stricter fuzzy
// threshold.
package hotword

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched hotword to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic overlap exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// Corrector replaces misheard hotword phrases in transcripts with their
// canonical spelling. Read-only after construction, safe for concurrent use.
type Corrector struct {
	words             []string
	maxWindow         int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Corrector for the given hotword list. Blank entries are
// dropped; the canonical spelling is whatever casing the list carries.
func New(words []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		maxWindow:         1,
	}
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		c.words = append(c.words, w)
		if n := len(strings.Fields(w)); n > c.maxWindow {
			c.maxWindow = n
		}
	}
	if len(c.words) > 0 && c.maxWindow < 2 {
		// Two-token windows catch a single hotword misheard as two words.
		c.maxWindow = 2
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct rewrites misheard hotwords in text and returns the corrected text
// plus the number of replacements made. Longest-window matches win, so a
// two-word hotword takes precedence over a partial single-word match at the
// same position. Trailing punctuation on the final token of a window is
// preserved.
func (c *Corrector) Correct(text string) (string, int) {
	if len(c.words) == 0 {
		return text, 0
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, 0
	}

	var out []string
	replaced := 0

	i := 0
	for i < len(tokens) {
		matched := false
		for win := min(c.maxWindow, len(tokens)-i); win >= 1; win-- {
			phrase := strings.Join(tokens[i:i+win], " ")
			core, trail := splitTrailingPunct(phrase)
			hw, ok := c.match(core)
			if !ok {
				continue
			}
			out = append(out, strings.Fields(hw+trail)...)
			if !strings.EqualFold(core, hw) {
				replaced++
			}
			i += win
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	return strings.Join(out, " "), replaced
}

// match finds the best hotword for phrase, if any clears its threshold.
// The relaxed phonetic threshold applies only to single-token phrases;
// multi-token windows must clear the fuzzy threshold even with phonetic
// overlap, otherwise a hotword's neighbour words would get swallowed.
func (c *Corrector) match(phrase string) (string, bool) {
	in := strings.ToLower(strings.TrimSpace(phrase))
	if in == "" {
		return "", false
	}
	inTokens := strings.Fields(in)
	multi := len(inTokens) > 1

	var inCodes map[string]struct{}
	if !multi {
		inCodes = metaphoneCodes(inTokens)
	}

	var (
		bestWord     string
		bestScore    float64
		bestPhonetic bool
	)

	for _, w := range c.words {
		wl := strings.ToLower(w)
		wTokens := strings.Fields(wl)

		score := similarity(inTokens, wTokens, in, wl)
		phonetic := !multi && codesOverlap(inCodes, metaphoneCodes(wTokens))

		switch {
		case phonetic && score >= c.phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				bestWord, bestScore, bestPhonetic = w, score, true
			}
		case !phonetic && !bestPhonetic && score >= c.fuzzyThreshold:
			if score > bestScore {
				bestWord, bestScore = w, score
			}
		}
	}

	return bestWord, bestWord != ""
}

// similarity is the higher of two Jaro-Winkler comparisons: the full strings
// and the space-stripped strings (handles "kara sumi" vs "karasumi").
func similarity(inTokens, wTokens []string, inFull, wFull string) float64 {
	score := matchr.JaroWinkler(inFull, wFull, false)

	if len(inTokens) > 1 || len(wTokens) > 1 {
		a := strings.Join(inTokens, "")
		b := strings.Join(wTokens, "")
		if s := matchr.JaroWinkler(a, b, false); s > score {
			score = s
		}
	}
	return score
}

// metaphoneCodes returns the union of Double Metaphone codes for the tokens.
func metaphoneCodes(tokens []string) map[string]struct{} {
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

func codesOverlap(a, b map[string]struct{}) bool {
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

// splitTrailingPunct separates trailing sentence punctuation from a phrase so
// "karasumi?" can match and keep its question mark.
func splitTrailingPunct(phrase string) (core, trail string) {
	core = strings.TrimRight(phrase, ".,!?;:")
	return core, phrase[len(core):]
}
