// Package graphstore defines the persistence contract the extractor,
// background extraction, and sleep cycle all depend on, plus two
// implementations: an in-memory store for tests and single-process use, and
// a DynamoDB adjacency-list store for production.
package graphstore

import (
	"context"

	"brain2-memory/internal/memory"
)

// InsertOptions carries the optional fields NewMemory otherwise defaults.
type InsertOptions struct {
	AgentID    string
	UserPinned bool
}

// DuplicateCluster is a connected component of memories whose pairwise
// cosine similarity meets the clustering threshold (spec §4.4).
type DuplicateCluster struct {
	MemoryIDs   []string
	Texts       []string
	Importances []float64
	// Similarities maps PairKey(i,j) -> cosine similarity, populated only
	// when the caller asked for withScores.
	Similarities map[string]float64
}

// PairKey returns the canonical unordered key for a pair of memory ids, used
// to index DuplicateCluster.Similarities and to track which pairs have
// already been adjudicated within a sleep-cycle phase.
func PairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

// ConflictPair is a candidate pair for LLM conflict adjudication.
type ConflictPair struct {
	MemoryA string
	MemoryB string
	TextA   string
	TextB   string
}

// MergeResult is the outcome of merging a duplicate cluster into one
// survivor.
type MergeResult struct {
	KeptID       string
	DeletedCount int
}

// EffectiveScoreRow is one row of the store-wide effective-score snapshot
// Phase 2 takes.
type EffectiveScoreRow struct {
	ID             string
	Text           string
	Category       memory.Category
	EffectiveScore float64
	RetrievalCount int
	AgeDays        float64
}

// DecayOptions parametrizes the decay formula (spec §4.4): H =
// baseHalfLifeDays * (1 + (importance-0.5) * importanceMultiplier), with an
// optional per-category override via DecayCurves.
type DecayOptions struct {
	RetentionThreshold   float64
	BaseHalfLifeDays     float64
	ImportanceMultiplier float64
	DecayCurves          map[memory.Category]memory.DecayCurve
	AgentID              string
}

// PendingExtraction is one row of the background-extraction work queue.
type PendingExtraction struct {
	ID                string
	Text              string
	ExtractionRetries int
}

// Store is the graph-database-backed persistence contract named in §4.4.
// Implementations MUST make BatchEntityOperations atomic: it is the only
// multi-entity write the engine relies on for consistency.
type Store interface {
	InsertMemory(ctx context.Context, text string, embedding []float32, opts InsertOptions) (string, error)

	UpdateExtractionStatus(ctx context.Context, id string, status memory.ExtractionStatus, incrementRetries bool) error

	// BatchEntityOperations atomically MERGEs entities by (name, type),
	// creates MENTIONS edges, MERGEs inter-entity relationships, MERGEs
	// tags, creates TAGGED edges, optionally sets the memory's category,
	// and sets extractionStatus=complete.
	BatchEntityOperations(ctx context.Context, memoryID string, entities []memory.Entity, relationships []memory.EntityRelationship, tags []memory.Tag, category *memory.Category) error

	FindDuplicateClusters(ctx context.Context, threshold float64, agentID string, withScores bool) ([]DuplicateCluster, error)

	MergeMemoryCluster(ctx context.Context, ids []string, importances []float64) (MergeResult, error)

	FindConflictingMemories(ctx context.Context, agentID string) ([]ConflictPair, error)

	InvalidateMemory(ctx context.Context, id string) error

	CalculateAllEffectiveScores(ctx context.Context, agentID string) ([]EffectiveScoreRow, error)

	PromoteToCore(ctx context.Context, ids []string) (int, error)

	FindDecayedMemories(ctx context.Context, opts DecayOptions) ([]string, error)

	PruneMemories(ctx context.Context, ids []string) (int, error)

	FindOrphanEntities(ctx context.Context) ([]string, error)
	DeleteEntities(ctx context.Context, ids []string) (int, error)

	FindOrphanTags(ctx context.Context) ([]string, error)
	DeleteTags(ctx context.Context, ids []string) (int, error)

	ListPendingExtractions(ctx context.Context, limit int, agentID string) ([]PendingExtraction, error)
	CountByExtractionStatus(ctx context.Context, agentID string) (map[memory.ExtractionStatus]int, error)

	// FindMemoriesMatching returns the ids of non-core, non-pinned
	// memories whose text satisfies the given matches predicate (Phase 7
	// noise cleanup passes a predicate built from the shared gate pattern
	// table rather than duplicating it at the store layer).
	FindMemoriesMatching(ctx context.Context, matches func(text string) bool, agentID string) ([]string, error)
}
