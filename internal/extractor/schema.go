package extractor

import "brain2-memory/internal/memory"

// rawEntity/rawRelationship/rawTag/rawExtraction mirror the exact JSON
// contract spec §6 asks the LLM for. Raw* types carry an explicit
// "was this field present" flag for Confidence via a pointer, since the
// JSON zero value and "absent" are indistinguishable otherwise.
type rawEntity struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Aliases     []string `json:"aliases"`
	Description string   `json:"description"`
}

type rawRelationship struct {
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Type       string   `json:"type"`
	Confidence *float64 `json:"confidence"`
}

type rawTag struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

type rawExtraction struct {
	Category      string            `json:"category"`
	Entities      []rawEntity       `json:"entities"`
	Relationships []rawRelationship `json:"relationships"`
	Tags          []rawTag          `json:"tags"`
}

// Result is the validated, sanitised extraction output: a category (unset
// if the LLM produced an unknown value), entities, relationships, and tags.
type Result struct {
	Category      memory.Category
	HasCategory   bool
	Entities      []memory.Entity
	Relationships []memory.EntityRelationship
	Tags          []memory.Tag
}

// IsEmpty reports whether the extraction produced no artefacts at all —
// spec §4.5 step 6 treats this as a valid "nothing to extract" result that
// still completes extraction without any graph writes.
func (r Result) IsEmpty() bool {
	return len(r.Entities) == 0 && len(r.Relationships) == 0 && len(r.Tags) == 0
}

// validate sanitises a raw LLM extraction into a Result, enforcing the
// rules spec §4.3 and the invariants in §8 require:
//   - unknown entity types collapse to concept
//   - unknown categories become unset
//   - unknown relationship types drop the whole relationship
//   - names/aliases are lowercased and trimmed; empty names drop the record
//   - confidence is clamped to [0,1] with default 0.7
func validate(raw rawExtraction) Result {
	result := Result{}

	if memory.IsValidCategory(raw.Category) {
		result.Category = memory.Category(raw.Category)
		result.HasCategory = true
	}

	for _, e := range raw.Entities {
		name := memory.NormalizeEntityName(e.Name)
		if name == "" {
			continue
		}
		entityType := memory.EntityConcept
		if memory.IsValidEntityType(e.Type) {
			entityType = memory.EntityType(e.Type)
		}
		aliases := make([]string, 0, len(e.Aliases))
		for _, a := range e.Aliases {
			normalized := memory.NormalizeEntityName(a)
			if normalized != "" {
				aliases = append(aliases, normalized)
			}
		}
		result.Entities = append(result.Entities, memory.Entity{
			Name:        name,
			Type:        entityType,
			Aliases:     aliases,
			Description: e.Description,
		})
	}

	for _, r := range raw.Relationships {
		if !memory.IsValidRelationType(r.Type) {
			continue
		}
		source := memory.NormalizeEntityName(r.Source)
		target := memory.NormalizeEntityName(r.Target)
		if source == "" || target == "" {
			continue
		}
		confidence := 0.7
		if r.Confidence != nil {
			confidence = memory.ClampConfidence(*r.Confidence, true)
		}
		result.Relationships = append(result.Relationships, memory.EntityRelationship{
			SourceName: source,
			TargetName: target,
			Type:       memory.RelationType(r.Type),
			Confidence: confidence,
		})
	}

	for _, t := range raw.Tags {
		name := memory.NormalizeTagName(t.Name)
		if name == "" {
			continue
		}
		category := t.Category
		if category == "" {
			category = memory.DefaultTagCategory
		}
		result.Tags = append(result.Tags, memory.Tag{Name: name, Category: category})
	}

	return result
}
