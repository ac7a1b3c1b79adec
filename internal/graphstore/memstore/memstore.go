// Package memstore is an in-memory graphstore.Store implementation,
// following the same sync.RWMutex-guarded map style as
// brain2-backend/internal/repository/mocks.MockRepository. It backs the
// engine's own tests and is suitable for single-process deployments that
// don't need DynamoDB.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"brain2-memory/internal/engerrors"
	"brain2-memory/internal/graphstore"
	"brain2-memory/internal/memory"

	"github.com/google/uuid"
)

type entityKey struct {
	name string
	typ  memory.EntityType
}

// Store is an in-memory graphstore.Store.
type Store struct {
	mu sync.RWMutex

	memories map[string]*memory.Memory

	entities     map[string]*memory.Entity
	entityByKey  map[entityKey]string
	mentions     map[string]map[string]struct{} // entityID -> memoryIDs
	memEntities  map[string]map[string]struct{} // memoryID -> entityIDs

	tags        map[string]*memory.Tag
	tagByName   map[string]string
	tagged      map[string]map[string]struct{} // tagID -> memoryIDs
	memTags     map[string]map[string]struct{} // memoryID -> tagIDs

	relationships []memory.EntityRelationship

	now func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		memories:    make(map[string]*memory.Memory),
		entities:    make(map[string]*memory.Entity),
		entityByKey: make(map[entityKey]string),
		mentions:    make(map[string]map[string]struct{}),
		memEntities: make(map[string]map[string]struct{}),
		tags:        make(map[string]*memory.Tag),
		tagByName:   make(map[string]string),
		tagged:      make(map[string]map[string]struct{}),
		memTags:     make(map[string]map[string]struct{}),
		now:         time.Now,
	}
}

func (s *Store) InsertMemory(ctx context.Context, text string, embedding []float32, opts graphstore.InsertOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := memory.NewMemory(text, embedding, opts.AgentID)
	m.UserPinned = opts.UserPinned
	s.memories[m.ID] = &m
	return m.ID, nil
}

func (s *Store) UpdateExtractionStatus(ctx context.Context, id string, status memory.ExtractionStatus, incrementRetries bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok {
		return engerrors.NewNotFound("memory not found: " + id)
	}
	m.ExtractionStatus = status
	if incrementRetries {
		m.ExtractionRetries++
	}
	return nil
}

func (s *Store) BatchEntityOperations(ctx context.Context, memoryID string, entities []memory.Entity, relationships []memory.EntityRelationship, tags []memory.Tag, category *memory.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[memoryID]
	if !ok {
		return engerrors.NewNotFound("memory not found: " + memoryID)
	}

	nameToID := make(map[string]string, len(entities))
	for _, e := range entities {
		key := entityKey{name: e.Name, typ: e.Type}
		id, exists := s.entityByKey[key]
		if !exists {
			id = uuid.New().String()
			stored := e
			stored.ID = id
			s.entities[id] = &stored
			s.entityByKey[key] = id
		} else {
			s.entities[id].Aliases = mergeAliases(s.entities[id].Aliases, e.Aliases)
			if s.entities[id].Description == "" {
				s.entities[id].Description = e.Description
			}
		}
		nameToID[e.Name] = id
		s.addMention(id, memoryID)
	}

	for _, r := range relationships {
		srcID, srcOK := nameToID[r.SourceName]
		tgtID, tgtOK := nameToID[r.TargetName]
		if !srcOK || !tgtOK {
			continue
		}
		s.upsertRelationship(srcID, tgtID, r.Type, r.Confidence)
	}

	for _, t := range tags {
		id, exists := s.tagByName[t.Name]
		if !exists {
			id = uuid.New().String()
			stored := t
			stored.ID = id
			s.tags[id] = &stored
			s.tagByName[t.Name] = id
		}
		s.addTagged(id, memoryID)
	}

	if category != nil {
		m.Category = *category
	}
	m.ExtractionStatus = memory.ExtractionComplete
	return nil
}

func (s *Store) addMention(entityID, memoryID string) {
	if s.mentions[entityID] == nil {
		s.mentions[entityID] = make(map[string]struct{})
	}
	s.mentions[entityID][memoryID] = struct{}{}
	if s.memEntities[memoryID] == nil {
		s.memEntities[memoryID] = make(map[string]struct{})
	}
	s.memEntities[memoryID][entityID] = struct{}{}
}

func (s *Store) addTagged(tagID, memoryID string) {
	if s.tagged[tagID] == nil {
		s.tagged[tagID] = make(map[string]struct{})
	}
	s.tagged[tagID][memoryID] = struct{}{}
	if s.memTags[memoryID] == nil {
		s.memTags[memoryID] = make(map[string]struct{})
	}
	s.memTags[memoryID][tagID] = struct{}{}
}

func (s *Store) upsertRelationship(sourceID, targetID string, relType memory.RelationType, confidence float64) {
	for i, r := range s.relationships {
		if r.SourceName == sourceID && r.TargetName == targetID && r.Type == relType {
			s.relationships[i].Confidence = confidence
			return
		}
	}
	s.relationships = append(s.relationships, memory.EntityRelationship{
		SourceName: sourceID, TargetName: targetID, Type: relType, Confidence: confidence,
	})
}

func mergeAliases(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		seen[a] = struct{}{}
	}
	for _, a := range incoming {
		if _, ok := seen[a]; !ok {
			existing = append(existing, a)
			seen[a] = struct{}{}
		}
	}
	return existing
}

func (s *Store) FindDuplicateClusters(ctx context.Context, threshold float64, agentID string, withScores bool) ([]graphstore.DuplicateCluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, m := range s.memories {
		if m.Invalidated {
			continue
		}
		if agentID != "" && m.AgentID != agentID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	embeddingOf := func(id string) []float32 { return s.memories[id].Embedding }
	textOf := func(id string) string { return s.memories[id].Text }
	importanceOf := func(id string) float64 { return s.memories[id].Importance }

	clusters := graphstore.BuildDuplicateClusters(ids, embeddingOf, textOf, importanceOf, threshold, withScores)
	return clusters, nil
}

func (s *Store) MergeMemoryCluster(ctx context.Context, ids []string, importances []float64) (graphstore.MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) == 0 {
		return graphstore.MergeResult{}, engerrors.NewValidation("cannot merge an empty cluster")
	}

	totalRetrieval := 0
	candidates := make([]graphstore.Survivor, 0, len(ids))
	present := make([]string, 0, len(ids))
	for _, id := range ids {
		m, ok := s.memories[id]
		if !ok {
			continue
		}
		totalRetrieval += m.RetrievalCount
		present = append(present, id)
		candidates = append(candidates, graphstore.Survivor{
			ID: id, Importance: m.Importance, RetrievalCount: m.RetrievalCount, CreatedAtUnix: m.CreatedAt.UnixNano(),
		})
	}
	if len(candidates) == 0 {
		return graphstore.MergeResult{}, engerrors.NewNotFound("no surviving memory in cluster")
	}

	keptID := present[graphstore.PickSurvivor(candidates)]
	kept := s.memories[keptID]

	deleted := 0
	for _, id := range ids {
		if id == keptID {
			continue
		}
		m, ok := s.memories[id]
		if !ok {
			continue
		}
		s.migrateEdges(id, keptID)
		m.Invalidated = true
		deleted++
	}

	kept.RetrievalCount = totalRetrieval
	maxImportance := kept.Importance
	for _, imp := range importances {
		if imp > maxImportance {
			maxImportance = imp
		}
	}
	kept.Importance = maxImportance

	return graphstore.MergeResult{KeptID: keptID, DeletedCount: deleted}, nil
}

func (s *Store) migrateEdges(fromID, toID string) {
	for entityID, members := range s.mentions {
		if _, ok := members[fromID]; ok {
			delete(members, fromID)
			members[toID] = struct{}{}
		}
		_ = entityID
	}
	if ents, ok := s.memEntities[fromID]; ok {
		if s.memEntities[toID] == nil {
			s.memEntities[toID] = make(map[string]struct{})
		}
		for entityID := range ents {
			s.memEntities[toID][entityID] = struct{}{}
		}
		delete(s.memEntities, fromID)
	}

	for tagID, members := range s.tagged {
		if _, ok := members[fromID]; ok {
			delete(members, fromID)
			members[toID] = struct{}{}
		}
		_ = tagID
	}
	if tags, ok := s.memTags[fromID]; ok {
		if s.memTags[toID] == nil {
			s.memTags[toID] = make(map[string]struct{})
		}
		for tagID := range tags {
			s.memTags[toID][tagID] = struct{}{}
		}
		delete(s.memTags, fromID)
	}
}

func (s *Store) FindConflictingMemories(ctx context.Context, agentID string) ([]graphstore.ConflictPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, m := range s.memories {
		if m.Invalidated {
			continue
		}
		if agentID != "" && m.AgentID != agentID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	const conflictBandLow, conflictBandHigh = 0.4, 0.8
	var pairs []graphstore.ConflictPair
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := s.memories[ids[i]], s.memories[ids[j]]
			sim := memory.CosineSimilarity(a.Embedding, b.Embedding)
			if sim >= conflictBandLow && sim < conflictBandHigh {
				pairs = append(pairs, graphstore.ConflictPair{
					MemoryA: ids[i], MemoryB: ids[j], TextA: a.Text, TextB: b.Text,
				})
			}
		}
	}
	return pairs, nil
}

func (s *Store) InvalidateMemory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok {
		return engerrors.NewNotFound("memory not found: " + id)
	}
	m.Invalidated = true
	return nil
}

func (s *Store) CalculateAllEffectiveScores(ctx context.Context, agentID string) ([]graphstore.EffectiveScoreRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var rows []graphstore.EffectiveScoreRow
	for _, m := range s.memories {
		if m.Invalidated {
			continue
		}
		if agentID != "" && m.AgentID != agentID {
			continue
		}
		daysSinceAccess := now.Sub(m.LastAccessedAt).Hours() / 24
		score := memory.EffectiveScore(m.Importance, m.RetrievalCount, daysSinceAccess)
		rows = append(rows, graphstore.EffectiveScoreRow{
			ID:             m.ID,
			Text:           m.Text,
			Category:       m.Category,
			EffectiveScore: score,
			RetrievalCount: m.RetrievalCount,
			AgeDays:        m.AgeDays(now),
		})
	}
	return rows, nil
}

func (s *Store) PromoteToCore(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range ids {
		m, ok := s.memories[id]
		if !ok || m.Category == memory.CategoryCore {
			continue
		}
		m.Category = memory.CategoryCore
		count++
	}
	return count, nil
}

func (s *Store) FindDecayedMemories(ctx context.Context, opts graphstore.DecayOptions) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var ids []string
	for id, m := range s.memories {
		if m.Invalidated || m.UserPinned || m.Category == memory.CategoryCore {
			continue
		}
		if opts.AgentID != "" && m.AgentID != opts.AgentID {
			continue
		}
		ageDays := m.AgeDays(now)
		if memory.IsDecayed(*m, ageDays, opts.RetentionThreshold, opts.BaseHalfLifeDays, opts.ImportanceMultiplier, opts.DecayCurves) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) PruneMemories(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range ids {
		m, ok := s.memories[id]
		if !ok || m.Category == memory.CategoryCore || m.UserPinned {
			continue
		}
		delete(s.memories, id)
		delete(s.memEntities, id)
		delete(s.memTags, id)
		for entityID, members := range s.mentions {
			delete(members, id)
			_ = entityID
		}
		for tagID, members := range s.tagged {
			delete(members, id)
			_ = tagID
		}
		count++
	}
	return count, nil
}

func (s *Store) FindOrphanEntities(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id := range s.entities {
		if len(s.mentions[id]) == 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) DeleteEntities(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range ids {
		e, ok := s.entities[id]
		if !ok {
			continue
		}
		delete(s.entities, id)
		delete(s.entityByKey, entityKey{name: e.Name, typ: e.Type})
		delete(s.mentions, id)
		count++
	}
	return count, nil
}

func (s *Store) FindOrphanTags(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id := range s.tags {
		if len(s.tagged[id]) == 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) DeleteTags(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range ids {
		t, ok := s.tags[id]
		if !ok {
			continue
		}
		delete(s.tags, id)
		delete(s.tagByName, t.Name)
		delete(s.tagged, id)
		count++
	}
	return count, nil
}

func (s *Store) ListPendingExtractions(ctx context.Context, limit int, agentID string) ([]graphstore.PendingExtraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, m := range s.memories {
		if m.ExtractionStatus != memory.ExtractionPending || m.Invalidated {
			continue
		}
		if agentID != "" && m.AgentID != agentID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	rows := make([]graphstore.PendingExtraction, 0, len(ids))
	for _, id := range ids {
		m := s.memories[id]
		rows = append(rows, graphstore.PendingExtraction{ID: id, Text: m.Text, ExtractionRetries: m.ExtractionRetries})
	}
	return rows, nil
}

func (s *Store) CountByExtractionStatus(ctx context.Context, agentID string) (map[memory.ExtractionStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[memory.ExtractionStatus]int)
	for _, m := range s.memories {
		if agentID != "" && m.AgentID != agentID {
			continue
		}
		counts[m.ExtractionStatus]++
	}
	return counts, nil
}

func (s *Store) FindMemoriesMatching(ctx context.Context, matches func(text string) bool, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, m := range s.memories {
		if m.Category == memory.CategoryCore || m.UserPinned {
			continue
		}
		if agentID != "" && m.AgentID != agentID {
			continue
		}
		if matches(m.Text) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Get returns the memory for id, primarily for test assertions.
func (s *Store) Get(id string) (memory.Memory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[id]
	if !ok {
		return memory.Memory{}, false
	}
	return *m, true
}

// SetForTest overwrites the stored memory for id, letting tests set up
// ages, importances, and categories that InsertMemory's defaults don't.
func (s *Store) SetForTest(id string, m memory.Memory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[id] = &m
}
