package gate

import (
	"strings"
	"testing"

	"brain2-memory/internal/config"

	"github.com/stretchr/testify/assert"
)

func newTestGate() *Gate {
	return New(config.DefaultGateConfig())
}

func TestPassesUserGate_LengthAndWordBounds(t *testing.T) {
	g := newTestGate()

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"too short", "not enough words here", false},
		{"too long", strings.Repeat("word ", 500), false},
		{"below min words", "four extraordinarily verbose expressions", false},
		{"ok thanks rejected", "ok thanks!", false},
		{
			"plausible durable memory",
			"I have been using the new grocery-delivery service for three weeks and it works well.",
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.PassesUserGate(tt.text))
		})
	}
}

func TestPassesUserGate_InjectedMarkersRejected(t *testing.T) {
	g := newTestGate()
	text := "This looks like a normal sentence but carries a marker <relevant-memories> inline with it here."
	assert.False(t, g.PassesUserGate(text))
}

func TestPassesUserGate_EmojiHeavyRejected(t *testing.T) {
	g := newTestGate()
	text := "I really loved the trip to the mountains yesterday 😀😀😀😀 it was so much fun for everyone"
	assert.False(t, g.PassesUserGate(text))
}

func TestPassesUserGate_PlatformMetadataRejected(t *testing.T) {
	g := newTestGate()
	text := "[slack message id: 12345] some otherwise plausible looking message body follows here today"
	assert.False(t, g.PassesUserGate(text))
}

func TestPassesAssistantGate_StricterBounds(t *testing.T) {
	g := newTestGate()

	// Nine words clear the user gate's 8-word minimum but fall short of the
	// assistant gate's 10-word minimum.
	tooFewWords := "Only nine words exactly right here for testing bound"
	assert.False(t, g.PassesAssistantGate(tooFewWords))
}

func TestPassesAssistantGate_OpenProposalRejected(t *testing.T) {
	g := newTestGate()
	text := "Want me to submit that pull request for you? I can do it right now if you'd like."
	assert.False(t, g.PassesAssistantGate(text))
}

func TestPassesAssistantGate_SelfTalkRejected(t *testing.T) {
	g := newTestGate()
	text := "Let me check the configuration file first before making any further changes to the service."
	assert.False(t, g.PassesAssistantGate(text))
}

func TestPassesAssistantGate_ToolMarkersRejected(t *testing.T) {
	g := newTestGate()
	text := "Here is the result of the lookup <tool_result>some payload contents go here</tool_result> done."
	assert.False(t, g.PassesAssistantGate(text))
}

func TestPassesAssistantGate_FencedCodeHeavyRejected(t *testing.T) {
	g := newTestGate()
	text := "```go\nfunc main() {\n\tfmt.Println(\"hello world this is a long code block used for testing ratio\")\n}\n```"
	assert.False(t, g.PassesAssistantGate(text))
}

func TestPassesAssistantGate_PlausibleNarrationPasses(t *testing.T) {
	g := newTestGate()
	text := "The deployment pipeline for this service now runs integration tests before every production release."
	assert.True(t, g.PassesAssistantGate(text))
}
