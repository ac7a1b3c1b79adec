// Package background runs entity/relationship/tag extraction for a single
// memory as a fire-and-forget task, layering a caller-owned retry budget
// over the extractor's own transient/permanent error classification
// (spec §4.5). It never returns an error to its caller — every outcome is
// logged and reflected back into the graph store's extractionStatus field.
package background

import (
	"context"

	"brain2-memory/internal/engerrors"
	"brain2-memory/internal/extractor"
	"brain2-memory/internal/graphstore"
	"brain2-memory/internal/memory"

	"go.uber.org/zap"
)

// Runner owns the extractor and store a background extraction task needs.
type Runner struct {
	store   graphstore.Store
	extract *extractor.Extractor
	logger  *zap.Logger
}

// New creates a Runner.
func New(store graphstore.Store, extract *extractor.Extractor, logger *zap.Logger) *Runner {
	return &Runner{store: store, extract: extract, logger: logger}
}

// Result is what RunBackgroundExtraction reports to anything that wants to
// observe completion (the sleep cycle's Phase 4 does; a fire-and-forget
// ingest caller does not).
type Result struct {
	MemoryID string
	Success  bool
}

// Run executes the background-extraction steps spec §4.5 names for one
// memory. It is safe to call with currentRetries taken from the store's
// last known value; it is idempotent with respect to updateExtractionStatus
// (monotonic) and batchEntityOperations (atomic), so a duplicate concurrent
// run is at worst wasted work, never corruption.
func (r *Runner) Run(ctx context.Context, memoryID, text string, currentRetries int, abort <-chan struct{}) Result {
	log := r.logger.With(zap.String("memory_id", memoryID))

	if !r.extract.Enabled() {
		if err := r.store.UpdateExtractionStatus(ctx, memoryID, memory.ExtractionSkipped, false); err != nil {
			log.Error("failed to mark extraction skipped", zap.Error(err))
			return Result{MemoryID: memoryID, Success: false}
		}
		return Result{MemoryID: memoryID, Success: true}
	}

	result, transient := r.extract.ExtractEntities(ctx, text, abort)

	switch {
	case result == nil && transient:
		newRetries := currentRetries + 1
		if newRetries >= memory.MaxExtractionRetries {
			if err := r.store.UpdateExtractionStatus(ctx, memoryID, memory.ExtractionFailed, true); err != nil {
				log.Error("failed to mark extraction failed after retry budget exhausted", zap.Error(err))
			}
			log.Warn("extraction retry budget exhausted", zap.Int("retries", newRetries))
			return Result{MemoryID: memoryID, Success: false}
		}
		if err := r.store.UpdateExtractionStatus(ctx, memoryID, memory.ExtractionPending, true); err != nil {
			log.Error("failed to record extraction retry", zap.Error(err))
		}
		return Result{MemoryID: memoryID, Success: false}

	case result == nil:
		if err := r.store.UpdateExtractionStatus(ctx, memoryID, memory.ExtractionFailed, false); err != nil {
			log.Error("failed to mark extraction failed", zap.Error(err))
		}
		return Result{MemoryID: memoryID, Success: false}
	}

	if result.IsEmpty() {
		if err := r.store.UpdateExtractionStatus(ctx, memoryID, memory.ExtractionComplete, false); err != nil {
			log.Error("failed to mark empty extraction complete", zap.Error(err))
			return Result{MemoryID: memoryID, Success: false}
		}
		return Result{MemoryID: memoryID, Success: true}
	}

	var category *memory.Category
	if result.HasCategory {
		category = &result.Category
	}

	err := r.store.BatchEntityOperations(ctx, memoryID, result.Entities, result.Relationships, result.Tags, category)
	if err != nil {
		if engerrors.IsTransient(err) && currentRetries+1 < memory.MaxExtractionRetries {
			if updateErr := r.store.UpdateExtractionStatus(ctx, memoryID, memory.ExtractionPending, true); updateErr != nil {
				log.Error("failed to record extraction retry after transient graph write failure", zap.Error(updateErr))
			}
			return Result{MemoryID: memoryID, Success: false}
		}
		if updateErr := r.store.UpdateExtractionStatus(ctx, memoryID, memory.ExtractionFailed, true); updateErr != nil {
			log.Error("failed to mark extraction failed after graph write error", zap.Error(updateErr))
		}
		log.Error("graph write failed during extraction", zap.Error(err))
		return Result{MemoryID: memoryID, Success: false}
	}

	return Result{MemoryID: memoryID, Success: true}
}

// Spawn runs Run on its own goroutine and is the fire-and-forget entry point
// ingest callers use: no result is observable, every outcome is logged.
func (r *Runner) Spawn(ctx context.Context, memoryID, text string, currentRetries int, abort <-chan struct{}) {
	go func() {
		res := r.Run(ctx, memoryID, text, currentRetries, abort)
		if !res.Success {
			r.logger.Debug("background extraction did not complete this attempt", zap.String("memory_id", memoryID))
		}
	}()
}
