package models

import "time"

// SkillEmbedding is a vector-indexed record of a loadable skill, used by
// the skill loader (SPEC_FULL.md DOMAIN STACK / skill_semantic_threshold
// config key) to select which skills are relevant to a task via the
// embedding provider contract (SPEC_FULL.md §6). This is the one RAG-like
// concern the spec actually names; conversation memory itself (messages,
// todos, compaction) lives in internal/agent.Memory and is never
// vector-indexed.
type SkillEmbedding struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Summary   string    `json:"summary"`
	Embedding []float32 `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SkillSearchRequest selects skills relevant to the given query text.
type SkillSearchRequest struct {
	Query     string  `json:"query"`
	Limit     int     `json:"limit"`
	Threshold float32 `json:"threshold"` // minimum cosine similarity, 0-1
}

// SkillSearchResult pairs a skill with its similarity score.
type SkillSearchResult struct {
	Skill *SkillEmbedding `json:"skill"`
	Score float32         `json:"score"`
}
