// Package gate implements the attention gate: a deterministic, side-effect
// free pre-filter that rejects conversational noise before a memory ever
// reaches the graph store (spec §4.1). Both PassesUserGate and
// PassesAssistantGate are pure functions — no I/O, no shared state.
package gate

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"brain2-memory/internal/config"
)

// Gate evaluates the attention gate's two profiles against a fixed
// configuration of length/word-count thresholds.
type Gate struct {
	cfg config.GateConfig
}

// New creates a Gate from the given configuration.
func New(cfg config.GateConfig) *Gate {
	return &Gate{cfg: cfg}
}

// PassesUserGate reports whether a raw user utterance should be stored.
// It rejects anything too short, too long, too sparse in words, carrying
// injected markers, matching a noise pattern, or emoji-heavy.
func (g *Gate) PassesUserGate(text string) bool {
	trimmed := strings.TrimSpace(text)

	if len(trimmed) < g.cfg.UserMinLength || len(trimmed) > g.cfg.UserMaxLength {
		return false
	}
	if wordCount(trimmed) < g.cfg.UserMinWords {
		return false
	}
	if strings.Contains(trimmed, "<relevant-memories>") || strings.Contains(trimmed, "<core-memory-refresh>") {
		return false
	}
	if matchesAny(trimmed, noisePatterns) {
		return false
	}
	if emojiCount(trimmed) > g.cfg.MaxEmoji {
		return false
	}

	return true
}

// PassesAssistantGate reports whether a raw assistant utterance should be
// stored. It is strictly stronger than the user gate: a tighter length cap,
// a higher minimum word count, rejection of code-heavy messages and tool
// markers, and rejection of narration/self-talk/open-proposal patterns.
func (g *Gate) PassesAssistantGate(text string) bool {
	trimmed := strings.TrimSpace(text)

	if len(trimmed) < g.cfg.UserMinLength || len(trimmed) > g.cfg.AssistantMaxLength {
		return false
	}
	if wordCount(trimmed) < g.cfg.AssistantMinWords {
		return false
	}
	if strings.Contains(trimmed, "<relevant-memories>") || strings.Contains(trimmed, "<core-memory-refresh>") {
		return false
	}
	if matchesAny(trimmed, noisePatterns) {
		return false
	}
	if emojiCount(trimmed) > g.cfg.MaxEmoji {
		return false
	}
	if toolMarkerRegex.MatchString(trimmed) {
		return false
	}
	if fencedBlockRatio(trimmed) > g.cfg.FencedBlockRatio {
		return false
	}
	if matchesAny(trimmed, assistantNarrationPatterns) {
		return false
	}
	if matchesAny(trimmed, OpenProposalPatterns) {
		return false
	}

	return true
}

// wordCount counts whitespace-separated tokens.
func wordCount(text string) int {
	return len(strings.Fields(text))
}

// emojiCount counts runes falling in the standard emoji blocks.
func emojiCount(text string) int {
	count := 0
	for _, r := range text {
		if isEmoji(r) {
			count++
		}
	}
	return count
}

// isEmoji reports whether r falls within one of the standard emoji Unicode
// ranges (misc symbols, dingbats, supplemental symbols and pictographs,
// transport/map symbols, and emoticons).
func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // misc symbols & pictographs through symbols/extended-A
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols & dingbats
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators (flags)
		return true
	case r == 0x2764 || r == 0x2B50 || r == 0x2B55: // heart, star, circle
		return true
	case unicode.Is(unicode.Variation_Selector, r):
		return false
	}
	return false
}

// fencedBlockRatio returns the fraction of text's character length that
// falls inside triple-backtick fenced blocks.
func fencedBlockRatio(text string) float64 {
	total := utf8.RuneCountInString(text)
	if total == 0 {
		return 0
	}
	fenced := 0
	for _, match := range fencedBlockRegex.FindAllString(text, -1) {
		fenced += utf8.RuneCountInString(match)
	}
	return float64(fenced) / float64(total)
}
