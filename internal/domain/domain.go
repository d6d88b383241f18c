package domain

// Story lifecycle statuses. Complete and skipped are terminal; blocked is
// only cleared by an explicit human reset.
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusBlocked  = "blocked"
	StatusComplete = "complete"
	StatusSkipped  = "skipped"
)

// PRD phases. Foundation stories gate everything built on top of them.
const (
	PhaseFoundation   = "foundation"
	PhaseRefactoring  = "refactoring"
	PhaseCrossCutting = "cross-cutting"
	PhaseIntegrations = "integrations"
)

type PRD struct {
	ID        string   `json:"id"`
	Domain    string   `json:"domain"`
	Name      string   `json:"name"`
	Phase     string   `json:"phase" enum:"foundation,refactoring,cross-cutting,integrations"`
	Priority  int      `json:"priority"`
	DependsOn []string `json:"depends_on,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type Story struct {
	ID                  string   `json:"id"`
	PRDID               string   `json:"prd_id"`
	Position            int      `json:"position"`
	Title               string   `json:"title"`
	AcceptanceCriteria  []string `json:"acceptance_criteria,omitempty"`
	Status              string   `json:"status" enum:"pending,active,blocked,complete,skipped"`
	Dependencies        []string `json:"dependencies,omitempty"`
	EstimatedIterations int      `json:"estimated_iterations"`
	IterationsUsed      int      `json:"iterations_used"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	UpdatedAt           string   `json:"updated_at" format:"date-time"`
	CompletedAt         *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Attempt outcomes.
const (
	AttemptPassed    = "passed"
	AttemptFailed    = "failed"
	AttemptCancelled = "cancelled"
)

// Attempt is one bounded verification attempt against a story. Rows are
// append-only; consecutive failure signatures drive stuck detection.
type Attempt struct {
	ID          string `json:"id"`
	StoryID     string `json:"story_id"`
	Number      int    `json:"number"`
	Alternative bool   `json:"alternative"`
	Outcome     string `json:"outcome" enum:"passed,failed,cancelled"`
	Signature   string `json:"signature,omitempty"`
	Detail      string `json:"detail,omitempty"`
	TS          string `json:"ts" format:"date-time"`
}

// Blocker records a story that exhausted the stuck protocol and now needs
// human intervention.
type Blocker struct {
	ID                string   `json:"id"`
	Domain            string   `json:"domain"`
	StoryID           string   `json:"story_id"`
	Reason            string   `json:"reason"`
	AttemptedRemedies []string `json:"attempted_remedies"`
	Escalated         bool     `json:"escalated"`
	EscalatedAt       *string  `json:"escalated_at,omitempty" format:"date-time"`
	TS                string   `json:"ts" format:"date-time"`
}

// Progress is the live header of a domain's progress record. The pointer
// fields are the only part of the record rewritten in place; everything
// else (notes, blockers, attempts) is append-only.
type Progress struct {
	Domain       string `json:"domain"`
	Started      string `json:"started" format:"date-time"`
	LastUpdated  string `json:"last_updated" format:"date-time"`
	CurrentStage string `json:"current_stage,omitempty"`
	CurrentStory string `json:"current_story,omitempty"`
}

type ProgressNote struct {
	ID     int64  `json:"id"`
	Domain string `json:"domain"`
	TS     string `json:"ts" format:"date-time"`
	Note   string `json:"note"`
}

// Substage tracks per-story stage sub-status for CRUD-shaped stories
// (schema/server/route/components/polish).
type Substage struct {
	StoryID string `json:"story_id"`
	Stage   string `json:"stage"`
	Status  string `json:"status"`
	TS      string `json:"ts" format:"date-time"`
}

// Signal is an at-most-once completion marker for a story, PRD, or domain.
type Signal struct {
	EntityKind string `json:"entity_kind" enum:"story,prd,domain"`
	EntityID   string `json:"entity_id"`
	TS         string `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Domain     string `json:"domain,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Terminal reports whether a status permits no further coordinator-driven
// transitions.
func Terminal(status string) bool {
	return status == StatusComplete || status == StatusSkipped
}
