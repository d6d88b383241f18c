package server

import (
	"storyline/internal/domain"
	"storyline/internal/engine"
)

type importPRDInput struct {
	Body struct {
		ID        string   `json:"id"`
		Domain    string   `json:"domain,omitempty"`
		Name      string   `json:"name"`
		Phase     string   `json:"phase" enum:"foundation,refactoring,cross-cutting,integrations"`
		Priority  int      `json:"priority,omitempty"`
		DependsOn []string `json:"depends_on,omitempty"`
		Stories   []struct {
			ID                  string   `json:"id,omitempty"`
			Title               string   `json:"title"`
			AcceptanceCriteria  []string `json:"acceptance_criteria,omitempty"`
			Dependencies        []string `json:"dependencies,omitempty"`
			EstimatedIterations int      `json:"estimated_iterations,omitempty"`
		} `json:"stories"`
	}
}

type importPRDOutput struct {
	Body struct {
		PRD     domain.PRD     `json:"prd"`
		Stories []domain.Story `json:"stories"`
	}
}

type listPRDsInput struct {
	Domain string `query:"domain"`
}

type listPRDsOutput struct {
	Body struct {
		PRDs []domain.PRD `json:"prds"`
	}
}

type listStoriesInput struct {
	PRDID  string `query:"prd_id"`
	Status string `query:"status"`
}

type listStoriesOutput struct {
	Body struct {
		Stories []domain.Story `json:"stories"`
	}
}

type storyInput struct {
	ID string `path:"id"`
}

type storyOutput struct {
	Body struct {
		Story    domain.Story     `json:"story"`
		Attempts []domain.Attempt `json:"attempts,omitempty"`
	}
}

type nextStoryInput struct {
	Body struct {
		Domain string `json:"domain,omitempty"`
	}
}

type nextStoryOutput struct {
	Body engine.Selection
}

type recordAttemptInput struct {
	ID   string `path:"id"`
	Body struct {
		Passed bool   `json:"passed"`
		Output string `json:"output,omitempty"`
	}
}

type recordAttemptOutput struct {
	Body engine.AttemptOutcome
}

type resetStoryInput struct {
	ID   string `path:"id"`
	Body struct {
		Note string `json:"note,omitempty"`
	}
}

type skipStoryInput struct {
	ID   string `path:"id"`
	Body struct {
		Reason string `json:"reason,omitempty"`
	}
}

type storyOnlyOutput struct {
	Body struct {
		Story domain.Story `json:"story"`
	}
}

type substageInput struct {
	ID   string `path:"id"`
	Body struct {
		Stage  string `json:"stage"`
		Status string `json:"status"`
	}
}

type substageOutput struct {
	Body struct {
		Substages []domain.Substage `json:"substages"`
	}
}

type progressInput struct {
	Domain string `path:"domain"`
	Limit  int    `query:"limit"`
}

type progressOutput struct {
	Body struct {
		Progress domain.Progress       `json:"progress"`
		Notes    []domain.ProgressNote `json:"notes,omitempty"`
	}
}

type listBlockersInput struct {
	Domain string `query:"domain"`
}

type listBlockersOutput struct {
	Body struct {
		Blockers []domain.Blocker `json:"blockers"`
	}
}

type listEventsInput struct {
	Domain string `query:"domain"`
	After  int64  `query:"after"`
	Limit  int    `query:"limit"`
}

type listEventsOutput struct {
	Body struct {
		Events []domain.Event `json:"events"`
		Cursor int64          `json:"cursor"`
	}
}

type listSignalsOutput struct {
	Body struct {
		Signals []domain.Signal `json:"signals"`
	}
}

type domainConfigInput struct {
	Domain string `path:"domain"`
}

type domainConfigOutput struct {
	Body struct {
		Domain     string `json:"domain"`
		ConfigYAML string `json:"config_yaml"`
	}
}

type createKeyInput struct {
	Body struct {
		ActorID string `json:"actor_id"`
		Name    string `json:"name,omitempty"`
	}
}

type createKeyOutput struct {
	Body struct {
		Key domain.APIKey `json:"key"`
		// Secret is returned exactly once at creation.
		Secret string `json:"secret"`
	}
}
