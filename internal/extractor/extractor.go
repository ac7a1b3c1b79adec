// Package extractor provides the LLM-judged enrichment pipeline: entity and
// relationship extraction, importance rating, semantic-duplicate testing,
// and conflict resolution (spec §4.3). Every operation keeps the fixed
// system prompt strictly separate from user-supplied text — never
// concatenated into the instructions — to prevent prompt injection.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"brain2-memory/internal/engerrors"
	"brain2-memory/internal/llmclient"
)

// ChatClient is the subset of llmclient.Client the extractor depends on,
// narrowed for testability.
type ChatClient interface {
	Chat(ctx context.Context, messages []llmclient.Message) (*string, error)
	ChatStream(ctx context.Context, messages []llmclient.Message, abort <-chan struct{}) (*string, error)
}

// Config is the shared configuration every extractor operation consults.
type Config struct {
	Enabled    bool
	Model      string
	Endpoint   string
	MaxRetries int
}

// Extractor implements the four LLM-judged operations spec §4.3 names.
type Extractor struct {
	cfg    Config
	client ChatClient
}

// New creates an Extractor backed by the given chat client.
func New(cfg Config, client ChatClient) *Extractor {
	return &Extractor{cfg: cfg, client: client}
}

// Enabled reports whether extraction is turned on, letting a caller
// distinguish "disabled" from a permanent failure without inspecting the
// ExtractEntities return shape.
func (e *Extractor) Enabled() bool {
	return e.cfg.Enabled
}

const extractionSystemPrompt = `You are a memory extraction engine. Given a piece of text, extract a category, named entities, relationships between entities, and topical tags.

Respond with ONLY a JSON object of this exact shape, no commentary:
{
  "category": "preference"|"fact"|"decision"|"entity"|"other",
  "entities": [{"name": string, "type": "person"|"organization"|"location"|"event"|"concept", "aliases": [string], "description": string}],
  "relationships": [{"source": string, "target": string, "type": "WORKS_AT"|"LIVES_AT"|"KNOWS"|"MARRIED_TO"|"PREFERS"|"DECIDED"|"RELATED_TO", "confidence": number}],
  "tags": [{"name": string, "category": string}]
}

If nothing is extractable, return empty arrays for entities, relationships, and tags.`

// ExtractEntities asks the LLM to extract entities, relationships, and tags
// from text, returning a validated Result. The bool return is "transient":
// true means the caller should retry later.
//
// Return semantics:
//   - disabled config: (nil, false)
//   - transient LLM failure: (nil, true)
//   - permanent failure (including malformed JSON): (nil, false)
//   - success: (validated result, false)
func (e *Extractor) ExtractEntities(ctx context.Context, text string, abort <-chan struct{}) (*Result, bool) {
	if !e.cfg.Enabled {
		return nil, false
	}

	messages := []llmclient.Message{
		{Role: "system", Content: extractionSystemPrompt},
		{Role: "user", Content: text},
	}

	response, err := e.client.ChatStream(ctx, messages, abort)
	if err != nil {
		if engerrors.IsTransient(err) {
			return nil, true
		}
		return nil, false
	}
	if response == nil {
		return nil, false
	}

	var raw rawExtraction
	if jsonErr := json.Unmarshal([]byte(cleanJSON(*response)), &raw); jsonErr != nil {
		// JSON parse failure is permanent (spec §4.3).
		return nil, false
	}

	result := validate(raw)
	return &result, false
}

const importanceRubricPrompt = `Rate the importance of the following memory on a scale of 1-10 for a personal assistant's long-term memory:
1-2: noise or filler, no lasting value
3-4: ephemeral session state, won't matter tomorrow
5-6: mildly useful context
7-8: a preference or a key decision
9: an identity fact (who the person is, fundamental relationships)
10: safety-critical information

Open-ended proposals and questions directed back at the user are always rated 3 or lower.

Respond with ONLY the integer score, nothing else.`

// RateImportance asks the LLM to rate a memory's importance on a 1-10
// scale, returning clamp(score/10, 0.1, 1.0). Returns 0.5 on any failure
// path or when extraction is disabled (spec §4.3, §6).
func (e *Extractor) RateImportance(ctx context.Context, text string) float64 {
	if !e.cfg.Enabled {
		return 0.5
	}

	messages := []llmclient.Message{
		{Role: "system", Content: importanceRubricPrompt},
		{Role: "user", Content: text},
	}

	response, err := e.client.Chat(ctx, messages)
	if err != nil || response == nil {
		return 0.5
	}

	var score float64
	if _, scanErr := fmt.Sscanf(strings.TrimSpace(*response), "%f", &score); scanErr != nil {
		return 0.5
	}

	return clampImportance(score / 10)
}

func clampImportance(v float64) float64 {
	if v < 0.1 {
		return 0.1
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}

const semanticDuplicateThreshold = 0.80

const duplicateVerdictPrompt = `You are judging whether two memories describe the same underlying fact, preference, or decision (a duplicate), or are meaningfully distinct (unique).

Respond with ONLY a JSON object: {"verdict": "duplicate"} or {"verdict": "unique"}.`

type verdictResponse struct {
	Verdict string `json:"verdict"`
}

// IsSemanticDuplicate asks whether newText duplicates existingText. If
// vectorSim is provided and below the fast-path threshold (0.80), the LLM
// is never called and the answer is false. Any LLM failure fails open
// (returns false, allowing storage) per spec §4.3.
func (e *Extractor) IsSemanticDuplicate(ctx context.Context, newText, existingText string, vectorSim *float64, abort <-chan struct{}) bool {
	if vectorSim != nil && *vectorSim < semanticDuplicateThreshold {
		return false
	}
	if !e.cfg.Enabled {
		return false
	}

	prompt := fmt.Sprintf("Memory A:\n%s\n\nMemory B:\n%s", newText, existingText)
	messages := []llmclient.Message{
		{Role: "system", Content: duplicateVerdictPrompt},
		{Role: "user", Content: prompt},
	}

	response, err := e.client.ChatStream(ctx, messages, abort)
	if err != nil || response == nil {
		return false
	}

	var verdict verdictResponse
	if jsonErr := json.Unmarshal([]byte(cleanJSON(*response)), &verdict); jsonErr != nil {
		return false
	}

	return verdict.Verdict == "duplicate"
}

// ConflictVerdict is the outcome of conflict resolution between two
// memories: keep A, keep B, keep both, or skip (leave both untouched).
type ConflictVerdict string

const (
	ConflictKeepA ConflictVerdict = "a"
	ConflictKeepB ConflictVerdict = "b"
	ConflictBoth  ConflictVerdict = "both"
	ConflictSkip  ConflictVerdict = "skip"
)

const conflictResolutionPrompt = `You are resolving a potential contradiction between two stored memories about the same person. Decide which one should be kept.

Respond with ONLY a JSON object: {"keep": "a"} or {"keep": "b"} or {"keep": "both"} or {"keep": "skip"}.
Use "both" if they are not actually contradictory (e.g. a preference that legitimately changed over time and both entries still carry value).
Use "skip" if you are not confident either way.`

type conflictResponse struct {
	Keep string `json:"keep"`
}

// ResolveConflict asks the LLM which of two potentially contradictory
// memories to keep. Any failure returns ConflictSkip (spec §4.3).
func (e *Extractor) ResolveConflict(ctx context.Context, textA, textB string, abort <-chan struct{}) ConflictVerdict {
	if !e.cfg.Enabled {
		return ConflictSkip
	}

	prompt := fmt.Sprintf("Memory A:\n%s\n\nMemory B:\n%s", textA, textB)
	messages := []llmclient.Message{
		{Role: "system", Content: conflictResolutionPrompt},
		{Role: "user", Content: prompt},
	}

	response, err := e.client.ChatStream(ctx, messages, abort)
	if err != nil || response == nil {
		return ConflictSkip
	}

	var parsed conflictResponse
	if jsonErr := json.Unmarshal([]byte(cleanJSON(*response)), &parsed); jsonErr != nil {
		return ConflictSkip
	}

	switch ConflictVerdict(parsed.Keep) {
	case ConflictKeepA, ConflictKeepB, ConflictBoth, ConflictSkip:
		return ConflictVerdict(parsed.Keep)
	default:
		return ConflictSkip
	}
}

// cleanJSON strips markdown code-fence wrapping an LLM sometimes adds
// around its JSON output, mirroring
// brain2-backend/internal/service/llm.Service's response cleanup.
func cleanJSON(response string) string {
	response = strings.TrimSpace(response)
	if strings.HasPrefix(response, "```json") {
		response = strings.TrimPrefix(response, "```json")
		response = strings.TrimSuffix(response, "```")
	} else if strings.HasPrefix(response, "```") {
		response = strings.TrimPrefix(response, "```")
		response = strings.TrimSuffix(response, "```")
	}
	return strings.TrimSpace(response)
}
