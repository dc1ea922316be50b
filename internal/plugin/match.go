package plugin

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// MatcherOption is a functional option for configuring a [Matcher].
type MatcherOption func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched tool to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher resolves spoken plugin invocations to registered tool names.
//
// Tool names are machine identifiers ("set_timer"), but the model transcribes
// what the user said ("set a timer"), so exact lookup fails on real speech.
// The matcher proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word of the utterance and of each tool name. A code overlap makes
//     the tool a phonetic candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates the highest-scoring
//     tool wins, provided its score exceeds the phonetic threshold. Without
//     any phonetic candidate, a pure Jaro-Winkler pass against all tools
//     applies the stricter fuzzy threshold.
//
// All methods are safe for concurrent use — the Matcher is read-only after
// construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewMatcher returns a new [Matcher] configured with the supplied options.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match finds the tool most similar to the spoken phrase. It compares
// against tool names with underscores expanded to spaces, so "set a timer"
// can resolve to "set_timer".
//
// When matched is false, name is empty and confidence is 0.
func (m *Matcher) Match(phrase string, tools []Tool) (name string, confidence float64, matched bool) {
	if len(tools) == 0 || strings.TrimSpace(phrase) == "" {
		return "", 0, false
	}

	phraseLower := strings.ToLower(strings.TrimSpace(phrase))
	phraseTokens := strings.Fields(phraseLower)
	phraseCodes := codesForTokens(phraseTokens)

	type candidate struct {
		name     string
		score    float64
		phonetic bool
	}

	var best candidate

	for _, tool := range tools {
		spoken := strings.ToLower(strings.ReplaceAll(tool.Name, "_", " "))
		if spoken == "" {
			continue
		}
		toolTokens := strings.Fields(spoken)

		toolCodes := codesForTokens(toolTokens)
		phoneticMatch := codesOverlap(phraseCodes, toolCodes)

		jwScore := bestJWScore(phraseTokens, toolTokens, phraseLower, spoken)

		if phoneticMatch {
			if jwScore >= m.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{name: tool.Name, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= m.fuzzyThreshold && jwScore > best.score {
				best = candidate{name: tool.Name, score: jwScore, phonetic: false}
			}
		}
	}

	if best.name != "" {
		return best.name, best.score, true
	}
	return "", 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
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

// bestJWScore computes the highest Jaro-Winkler similarity between the
// utterance and the tool name using three strategies:
//
//  1. Full-string comparison ("set a timer" vs "set timer").
//  2. Space-stripped comparison ("setatimer" vs "settimer").
//  3. Best pairwise token comparison, for when one spoken word corresponds
//     to one name segment.
func bestJWScore(phraseTokens, toolTokens []string, phraseFull, toolFull string) float64 {
	score := matchr.JaroWinkler(phraseFull, toolFull, false)

	if len(phraseTokens) > 1 || len(toolTokens) > 1 {
		concat1 := strings.Join(phraseTokens, "")
		concat2 := strings.Join(toolTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, pt := range phraseTokens {
		for _, tt := range toolTokens {
			if s := matchr.JaroWinkler(pt, tt, false); s > score {
				score = s
			}
		}
	}

	return score
}
