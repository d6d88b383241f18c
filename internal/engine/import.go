package engine

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"storyline/internal/domain"
	"storyline/internal/events"
)

// prdNamespace seeds deterministic ids so re-importing the same PRD file
// produces the same identifiers.
var prdNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// PRDDocument is the on-disk PRD format accepted by import.
type PRDDocument struct {
	ID        string          `yaml:"id"`
	Domain    string          `yaml:"domain"`
	Name      string          `yaml:"name"`
	Phase     string          `yaml:"phase"`
	Priority  int             `yaml:"priority"`
	DependsOn []string        `yaml:"depends_on"`
	Stories   []StoryDocument `yaml:"stories"`
}

type StoryDocument struct {
	ID                  string   `yaml:"id"`
	Title               string   `yaml:"title"`
	AcceptanceCriteria  []string `yaml:"acceptance_criteria"`
	Dependencies        []string `yaml:"dependencies"`
	EstimatedIterations int      `yaml:"estimated_iterations"`
}

func validPhase(p string) bool {
	switch p {
	case domain.PhaseFoundation, domain.PhaseRefactoring, domain.PhaseCrossCutting, domain.PhaseIntegrations:
		return true
	}
	return false
}

// ImportPRD registers a PRD and its stories. Stories keep their
// declaration order as position; missing story ids are derived
// deterministically from the PRD id and position.
func (e *Engine) ImportPRD(doc PRDDocument, actorID string) (domain.PRD, []domain.Story, error) {
	if doc.ID == "" {
		return domain.PRD{}, nil, fmt.Errorf("import: prd id is required")
	}
	if doc.Name == "" {
		return domain.PRD{}, nil, fmt.Errorf("import: prd name is required")
	}
	if !validPhase(doc.Phase) {
		return domain.PRD{}, nil, fmt.Errorf("import: unknown phase %q", doc.Phase)
	}
	if len(doc.Stories) == 0 {
		return domain.PRD{}, nil, fmt.Errorf("import: prd %s has no stories", doc.ID)
	}
	dom := doc.Domain
	if dom == "" {
		dom = e.Cfg.Domain
	}
	now := e.now()
	p := domain.PRD{
		ID:        doc.ID,
		Domain:    dom,
		Name:      doc.Name,
		Phase:     doc.Phase,
		Priority:  doc.Priority,
		DependsOn: doc.DependsOn,
		CreatedAt: now,
	}
	var stories []domain.Story
	for i, sd := range doc.Stories {
		id := sd.ID
		if id == "" {
			id = uuid.NewSHA1(prdNamespace, []byte(fmt.Sprintf("%s/%d", doc.ID, i+1))).String()
		}
		est := sd.EstimatedIterations
		if est <= 0 {
			est = e.Cfg.Stuck.DefaultEstimate
		}
		stories = append(stories, domain.Story{
			ID:                  id,
			PRDID:               doc.ID,
			Position:            i + 1,
			Title:               sd.Title,
			AcceptanceCriteria:  sd.AcceptanceCriteria,
			Status:              domain.StatusPending,
			Dependencies:        sd.Dependencies,
			EstimatedIterations: est,
			CreatedAt:           now,
			UpdatedAt:           now,
		})
	}
	err := e.inTx(func(tx *sql.Tx) error {
		if err := e.Repo.InsertPRD(tx, p); err != nil {
			return err
		}
		for _, s := range stories {
			if err := e.Repo.InsertStory(tx, s); err != nil {
				return err
			}
		}
		for _, s := range stories {
			if err := e.Repo.InsertStoryDeps(tx, s.ID, s.Dependencies); err != nil {
				return err
			}
		}
		if err := e.Repo.TouchProgress(tx, dom, now, p.Phase, ""); err != nil {
			return err
		}
		return e.Events.Append(tx, events.TypePRDImported, dom, "prd", p.ID, actorID,
			events.Payload{"stories": len(stories), "phase": p.Phase})
	})
	if err != nil {
		return domain.PRD{}, nil, err
	}
	return p, stories, nil
}

// ImportPRDFile reads a YAML PRD document from disk and imports it.
func (e *Engine) ImportPRDFile(path, actorID string) (domain.PRD, []domain.Story, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.PRD{}, nil, fmt.Errorf("read prd file: %w", err)
	}
	var doc PRDDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return domain.PRD{}, nil, fmt.Errorf("parse prd file: %w", err)
	}
	return e.ImportPRD(doc, actorID)
}
