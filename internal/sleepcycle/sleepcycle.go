// Package sleepcycle implements the seven-phase memory consolidator
// (spec §4.6): combined vector/semantic deduplication, conflict detection,
// Pareto scoring, core promotion, entity-extraction catch-up, decay and
// pruning, orphan cleanup, and noise-pattern cleanup. Every phase checks
// the abort signal on entry and at least once per batch; partial progress
// is kept, never rolled back.
package sleepcycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"brain2-memory/internal/background"
	"brain2-memory/internal/config"
	"brain2-memory/internal/extractor"
	"brain2-memory/internal/gate"
	"brain2-memory/internal/graphstore"
	"brain2-memory/internal/memory"
	"brain2-memory/internal/metrics"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ProgressReporter receives synchronous start/finish notifications for each
// phase, the way a caller watching a long-running consolidation would want
// to surface progress to an operator dashboard.
type ProgressReporter interface {
	PhaseStarted(number int, title string)
	PhaseFinished(number int, title string, durationMs int64)
}

// NopProgress is a ProgressReporter that does nothing, used when a caller
// has no progress UI to drive.
type NopProgress struct{}

func (NopProgress) PhaseStarted(number int, title string)                    {}
func (NopProgress) PhaseFinished(number int, title string, durationMs int64) {}

// PhaseCounts is the per-phase result the spec's SleepCycleResult aggregates.
type PhaseCounts struct {
	VectorMerged       int
	SemanticInvalidated int
	ConflictsResolved  int
	TotalScored        int
	ParetoThreshold    float64
	Promoted           int
	ExtractionAttempted int
	ExtractionSucceeded int
	Decayed            int
	Pruned             int
	OrphanEntities     int
	OrphanTags         int
	NoiseDeleted       int
}

// Result is what Cycle.Run returns.
type Result struct {
	Counts     PhaseCounts
	DurationMs int64
	Aborted    bool
	Errors     error
}

// Cycle orchestrates the seven phases against a Store and an Extractor.
type Cycle struct {
	store    graphstore.Store
	extract  *extractor.Extractor
	runner   *background.Runner
	logger   *zap.Logger
	metrics  *metrics.Collector
	progress ProgressReporter
	events   *EventPublisher

	// phase2Rows carries Phase 2's effective-score snapshot into Phase 3,
	// which the spec says must reuse it rather than re-querying (known
	// staleness is accepted since promotion is one-way).
	phase2Rows []graphstore.EffectiveScoreRow
}

// New creates a Cycle. progress and events may be nil: progress defaults to
// NopProgress, and a nil events publisher simply means completion is not
// announced anywhere.
func New(store graphstore.Store, extract *extractor.Extractor, logger *zap.Logger, m *metrics.Collector, progress ProgressReporter, events *EventPublisher) *Cycle {
	if progress == nil {
		progress = NopProgress{}
	}
	return &Cycle{
		store:    store,
		extract:  extract,
		runner:   background.New(store, extract, logger),
		logger:   logger,
		metrics:  m,
		progress: progress,
		events:   events,
	}
}

// isAborted is a non-blocking check of the abort channel.
func isAborted(abort <-chan struct{}) bool {
	if abort == nil {
		return false
	}
	select {
	case <-abort:
		return true
	default:
		return false
	}
}

// Run executes all seven phases in strict sequence, short-circuiting as
// soon as abort fires. Errors from individual phases are aggregated, not
// fatal: a phase that partially fails still lets later phases run, per the
// "no rollback" cancellation model.
func (c *Cycle) Run(ctx context.Context, opts config.SleepCycleOptions, abort <-chan struct{}) Result {
	start := time.Now()
	var counts PhaseCounts
	var errs error

	phases := []struct {
		number int
		title  string
		run    func() error
	}{
		{1, "Vector + Semantic Deduplication", func() error { return c.phase1(ctx, opts, abort, &counts) }},
		{1, "Conflict Detection", func() error { return c.phase1c(ctx, opts, abort, &counts) }},
		{2, "Pareto Scoring", func() error { return c.phase2(ctx, opts, &counts) }},
		{3, "Core Promotion", func() error { return c.phase3(ctx, opts, &counts) }},
		{4, "Entity Extraction Catch-up", func() error { return c.phase4(ctx, opts, abort, &counts) }},
		{5, "Decay & Pruning", func() error { return c.phase5(ctx, opts, &counts) }},
		{6, "Orphan Cleanup", func() error { return c.phase6(ctx, &counts) }},
		{7, "Noise Pattern Cleanup", func() error { return c.phase7(ctx, opts, &counts) }},
	}

	aborted := false
	for _, p := range phases {
		if isAborted(abort) {
			aborted = true
			break
		}
		c.progress.PhaseStarted(p.number, p.title)
		phaseStart := time.Now()
		if err := p.run(); err != nil {
			errs = multierr.Append(errs, err)
		}
		elapsed := time.Since(phaseStart)
		if c.metrics != nil {
			c.metrics.SleepCyclePhaseDuration.WithLabelValues(p.title).Observe(elapsed.Seconds())
		}
		c.progress.PhaseFinished(p.number, p.title, elapsed.Milliseconds())
	}

	if c.metrics != nil {
		c.metrics.SleepCyclesRun.Inc()
		if aborted {
			c.metrics.SleepCyclesAborted.Inc()
		}
	}

	result := Result{
		Counts:     counts,
		DurationMs: time.Since(start).Milliseconds(),
		Aborted:    aborted,
		Errors:     errs,
	}

	if c.events != nil {
		c.events.PublishCompleted(ctx, CompletedEvent{
			Counts: counts, DurationMs: result.DurationMs, Aborted: aborted, AgentID: opts.AgentID,
		})
	}

	return result
}

// phase1 runs Phase 1a (vector merge of high-similarity clusters) and
// Phase 1b (LLM semantic dedup across medium-similarity pairs).
func (c *Cycle) phase1(ctx context.Context, opts config.SleepCycleOptions, abort <-chan struct{}, counts *PhaseCounts) error {
	clusters, err := c.store.FindDuplicateClusters(ctx, opts.DedupClusterThreshold, opts.AgentID, true)
	if err != nil {
		return err
	}

	var highSim, mediumSim []graphstore.DuplicateCluster
	for _, cl := range clusters {
		if clusterHasHighSim(cl, opts.DedupThreshold) {
			highSim = append(highSim, cl)
		} else {
			mediumSim = append(mediumSim, cl)
		}
	}

	// Phase 1a — vector merge.
	var mergeErrs error
	for _, cl := range highSim {
		if isAborted(abort) {
			return mergeErrs
		}
		if _, err := c.store.MergeMemoryCluster(ctx, cl.MemoryIDs, cl.Importances); err != nil {
			mergeErrs = multierr.Append(mergeErrs, err)
			continue
		}
		counts.VectorMerged += len(cl.MemoryIDs) - 1
	}

	if opts.SkipSemanticDedup {
		return mergeErrs
	}

	// Phase 1b — semantic dedup over all unordered pairs in medium-sim
	// clusters, capped and truncated by similarity when oversized.
	pairs := enumeratePairs(mediumSim)
	if len(pairs) > opts.MaxSemanticDedupPairs {
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].similarity > pairs[j].similarity })
		pairs = pairs[:opts.MaxSemanticDedupPairs]
	}

	invalidated := make(map[string]bool)
	var invalidatedMu sync.Mutex
	for batchStart := 0; batchStart < len(pairs); batchStart += opts.LLMConcurrency {
		if isAborted(abort) {
			return mergeErrs
		}
		batchEnd := batchStart + opts.LLMConcurrency
		if batchEnd > len(pairs) {
			batchEnd = len(pairs)
		}
		batch := pairs[batchStart:batchEnd]

		type verdict struct {
			pair        dedupPair
			isDuplicate bool
		}
		results := make(chan verdict, len(batch))
		for _, pair := range batch {
			go func(p dedupPair) {
				invalidatedMu.Lock()
				alreadyGone := invalidated[p.idA] || invalidated[p.idB]
				invalidatedMu.Unlock()
				if alreadyGone {
					results <- verdict{pair: p, isDuplicate: false}
					return
				}
				sim := p.similarity
				isDup := c.extract.IsSemanticDuplicate(ctx, p.textA, p.textB, &sim, abort)
				results <- verdict{pair: p, isDuplicate: isDup}
			}(pair)
		}
		for range batch {
			v := <-results
			if !v.isDuplicate {
				continue
			}
			invalidatedMu.Lock()
			alreadyGone := invalidated[v.pair.idA] || invalidated[v.pair.idB]
			invalidatedMu.Unlock()
			if alreadyGone {
				continue
			}
			loserID := v.pair.idB
			if v.pair.importanceA < v.pair.importanceB {
				loserID = v.pair.idA
			}
			if err := c.store.InvalidateMemory(ctx, loserID); err != nil {
				mergeErrs = multierr.Append(mergeErrs, err)
				continue
			}
			invalidatedMu.Lock()
			invalidated[loserID] = true
			invalidatedMu.Unlock()
			counts.SemanticInvalidated++
		}
	}

	return mergeErrs
}

type dedupPair struct {
	idA, idB               string
	textA, textB           string
	importanceA, importanceB float64
	similarity             float64
}

func enumeratePairs(clusters []graphstore.DuplicateCluster) []dedupPair {
	var pairs []dedupPair
	for _, cl := range clusters {
		for i := 0; i < len(cl.MemoryIDs); i++ {
			for j := i + 1; j < len(cl.MemoryIDs); j++ {
				sim := cl.Similarities[graphstore.PairKey(cl.MemoryIDs[i], cl.MemoryIDs[j])]
				pairs = append(pairs, dedupPair{
					idA: cl.MemoryIDs[i], idB: cl.MemoryIDs[j],
					textA: cl.Texts[i], textB: cl.Texts[j],
					importanceA: cl.Importances[i], importanceB: cl.Importances[j],
					similarity: sim,
				})
			}
		}
	}
	return pairs
}

func clusterHasHighSim(cl graphstore.DuplicateCluster, dedupThreshold float64) bool {
	for _, sim := range cl.Similarities {
		if sim >= dedupThreshold {
			return true
		}
	}
	return false
}

// phase1c resolves candidate conflicting-memory pairs via the LLM, batched
// by llmConcurrency.
func (c *Cycle) phase1c(ctx context.Context, opts config.SleepCycleOptions, abort <-chan struct{}, counts *PhaseCounts) error {
	if opts.SkipSemanticDedup {
		return nil
	}

	pairs, err := c.store.FindConflictingMemories(ctx, opts.AgentID)
	if err != nil {
		return err
	}

	var errs error
	for batchStart := 0; batchStart < len(pairs); batchStart += opts.LLMConcurrency {
		if isAborted(abort) {
			return errs
		}
		batchEnd := batchStart + opts.LLMConcurrency
		if batchEnd > len(pairs) {
			batchEnd = len(pairs)
		}
		batch := pairs[batchStart:batchEnd]

		type outcome struct {
			pair    graphstore.ConflictPair
			verdict extractor.ConflictVerdict
		}
		results := make(chan outcome, len(batch))
		for _, pair := range batch {
			go func(p graphstore.ConflictPair) {
				v := c.extract.ResolveConflict(ctx, p.TextA, p.TextB, abort)
				results <- outcome{pair: p, verdict: v}
			}(pair)
		}
		for range batch {
			o := <-results
			var loserID string
			switch o.verdict {
			case extractor.ConflictKeepA:
				loserID = o.pair.MemoryB
			case extractor.ConflictKeepB:
				loserID = o.pair.MemoryA
			default:
				continue
			}
			if err := c.store.InvalidateMemory(ctx, loserID); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			counts.ConflictsResolved++
		}
	}
	return errs
}

// phase2 takes a single whole-store snapshot of effective scores and
// records the pareto-percentile threshold for Phase 3 to consult.
func (c *Cycle) phase2(ctx context.Context, opts config.SleepCycleOptions, counts *PhaseCounts) error {
	rows, err := c.store.CalculateAllEffectiveScores(ctx, opts.AgentID)
	if err != nil {
		return err
	}
	counts.TotalScored = len(rows)

	scores := make([]float64, len(rows))
	for i, row := range rows {
		scores[i] = row.EffectiveScore
	}
	counts.ParetoThreshold = memory.ParetoThreshold(scores, opts.ParetoPercentile)
	c.phase2Rows = rows
	return nil
}

// phase3 promotes non-core memories whose Phase 2 effective score clears
// the pareto threshold and whose age clears the minimum promotion age. It
// is a no-op unless SkipPromotion is explicitly disabled.
func (c *Cycle) phase3(ctx context.Context, opts config.SleepCycleOptions, counts *PhaseCounts) error {
	if opts.SkipPromotion {
		return nil
	}

	var toPromote []string
	for _, row := range c.phase2Rows {
		if row.Category == memory.CategoryCore {
			continue
		}
		if row.EffectiveScore < counts.ParetoThreshold {
			continue
		}
		if row.AgeDays < float64(opts.PromotionMinAgeDays) {
			continue
		}
		toPromote = append(toPromote, row.ID)
	}

	promoted, err := c.store.PromoteToCore(ctx, toPromote)
	counts.Promoted = promoted
	return err
}

// phase4 pages through pending extractions, running background extraction
// on each page in llmConcurrency-wide chunks, sleeping extractionDelayMs
// between pages with abort-aware wake-up.
func (c *Cycle) phase4(ctx context.Context, opts config.SleepCycleOptions, abort <-chan struct{}, counts *PhaseCounts) error {
	for {
		if isAborted(abort) {
			return nil
		}
		page, err := c.store.ListPendingExtractions(ctx, opts.ExtractionBatchSize, opts.AgentID)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		for batchStart := 0; batchStart < len(page); batchStart += opts.LLMConcurrency {
			if isAborted(abort) {
				return nil
			}
			batchEnd := batchStart + opts.LLMConcurrency
			if batchEnd > len(page) {
				batchEnd = len(page)
			}
			batch := page[batchStart:batchEnd]

			results := make(chan background.Result, len(batch))
			for _, item := range batch {
				go func(p graphstore.PendingExtraction) {
					results <- c.runner.Run(ctx, p.ID, p.Text, p.ExtractionRetries, abort)
				}(item)
			}
			for range batch {
				r := <-results
				counts.ExtractionAttempted++
				if r.Success {
					counts.ExtractionSucceeded++
				}
			}
		}

		if len(page) < opts.ExtractionBatchSize {
			return nil
		}

		select {
		case <-time.After(opts.ExtractionDelayMs):
		case <-abort:
			return nil
		}
	}
}

// phase5 finds decayed memories and prunes them, after extraction catch-up
// has had a chance to enrich them (spec §4.6).
func (c *Cycle) phase5(ctx context.Context, opts config.SleepCycleOptions, counts *PhaseCounts) error {
	ids, err := c.store.FindDecayedMemories(ctx, graphstore.DecayOptions{
		RetentionThreshold:   opts.RetentionThreshold,
		BaseHalfLifeDays:     opts.BaseHalfLifeDays,
		ImportanceMultiplier: opts.ImportanceMultiplier,
		AgentID:              opts.AgentID,
	})
	if err != nil {
		return err
	}
	counts.Decayed = len(ids)

	pruned, err := c.store.PruneMemories(ctx, ids)
	counts.Pruned = pruned
	return err
}

// phase6 deletes entities and tags left with no incoming edges.
func (c *Cycle) phase6(ctx context.Context, counts *PhaseCounts) error {
	var errs error

	orphanEntities, err := c.store.FindOrphanEntities(ctx)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else if n, err := c.store.DeleteEntities(ctx, orphanEntities); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		counts.OrphanEntities = n
	}

	orphanTags, err := c.store.FindOrphanTags(ctx)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else if n, err := c.store.DeleteTags(ctx, orphanTags); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		counts.OrphanTags = n
	}

	return errs
}

// phase7 hard-deletes memories matching the dangerous open-proposal
// patterns the attention gate also enforces at ingest, excluding core and
// user-pinned memories.
func (c *Cycle) phase7(ctx context.Context, opts config.SleepCycleOptions, counts *PhaseCounts) error {
	matches := func(text string) bool {
		for _, p := range gate.OpenProposalPatterns {
			if p.MatchString(text) {
				return true
			}
		}
		return false
	}

	ids, err := c.store.FindMemoriesMatching(ctx, matches, opts.AgentID)
	if err != nil {
		return err
	}

	pruned, err := c.store.PruneMemories(ctx, ids)
	counts.NoiseDeleted = pruned
	return err
}
