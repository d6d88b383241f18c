// Package server exposes the coordinator over HTTP with a typed REST API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"storyline/internal/config"
	"storyline/internal/engine"
	"storyline/internal/repo"
	"storyline/internal/verify"
)

type Server struct {
	cfg    config.Config
	db     *sql.DB
	repo   repo.Repo
	engine *engine.Engine
	log    *zap.Logger
	router *chi.Mux
}

// New builds the HTTP server around an engine. Every /v0 route requires
// authentication.
func New(eng *engine.Engine, cfg config.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		db:     eng.DB,
		repo:   eng.Repo,
		engine: eng,
		log:    log,
		router: chi.NewMux(),
	}
	s.router.Use(s.logMiddleware)
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		api := humachi.New(r, huma.DefaultConfig("Storyline API", "0.1.0"))
		s.register(api)
	})
	return s
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) Handler() http.Handler { return s.router }

// errorEnvelope is the wire shape of every API error.
type errorEnvelope struct {
	status  int
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func (e *errorEnvelope) Error() string  { return e.Message }
func (e *errorEnvelope) GetStatus() int { return e.status }

func codeFor(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

func init() {
	huma.NewError = func(status int, message string, errs ...error) huma.StatusError {
		env := &errorEnvelope{status: status, Code: codeFor(status), Message: message}
		for _, err := range errs {
			if err != nil {
				env.Details = append(env.Details, err.Error())
			}
		}
		return env
	}
}

// mapErr converts engine and repo errors into API status errors.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return huma.Error404NotFound("not found", err)
	case errors.Is(err, engine.ErrInvalidTransition):
		return huma.Error409Conflict("invalid transition", err)
	case errors.Is(err, engine.ErrCyclicDependency):
		return huma.Error422UnprocessableEntity("cyclic dependency", err)
	case errors.Is(err, engine.ErrEmptyDomain):
		return huma.Error404NotFound("unknown domain", err)
	default:
		return huma.Error500InternalServerError("internal error", err)
	}
}

func actorID(ctx context.Context) string {
	if a, ok := ActorFrom(ctx); ok {
		return a.ID
	}
	return ""
}

func (s *Server) register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "import-prd",
		Method:      http.MethodPost,
		Path:        "/v0/prds",
		Summary:     "Import a PRD and its stories",
	}, func(ctx context.Context, in *importPRDInput) (*importPRDOutput, error) {
		doc := engine.PRDDocument{
			ID:        in.Body.ID,
			Domain:    in.Body.Domain,
			Name:      in.Body.Name,
			Phase:     in.Body.Phase,
			Priority:  in.Body.Priority,
			DependsOn: in.Body.DependsOn,
		}
		for _, sd := range in.Body.Stories {
			doc.Stories = append(doc.Stories, engine.StoryDocument{
				ID:                  sd.ID,
				Title:               sd.Title,
				AcceptanceCriteria:  sd.AcceptanceCriteria,
				Dependencies:        sd.Dependencies,
				EstimatedIterations: sd.EstimatedIterations,
			})
		}
		p, stories, err := s.engine.ImportPRD(doc, actorID(ctx))
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) || errors.Is(err, engine.ErrCyclicDependency) {
				return nil, mapErr(err)
			}
			return nil, huma.Error422UnprocessableEntity("import failed", err)
		}
		out := &importPRDOutput{}
		out.Body.PRD = p
		out.Body.Stories = stories
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-prds",
		Method:      http.MethodGet,
		Path:        "/v0/prds",
		Summary:     "List the PRDs of a domain",
	}, func(ctx context.Context, in *listPRDsInput) (*listPRDsOutput, error) {
		dom := in.Domain
		if dom == "" {
			dom = s.cfg.Domain
		}
		prds, err := s.repo.ListPRDs(s.db, dom)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &listPRDsOutput{}
		out.Body.PRDs = prds
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/v0/stories",
		Summary:     "List stories",
	}, func(ctx context.Context, in *listStoriesInput) (*listStoriesOutput, error) {
		stories, err := s.repo.ListStories(s.db, repo.StoryFilters{PRDID: in.PRDID, Status: in.Status})
		if err != nil {
			return nil, mapErr(err)
		}
		out := &listStoriesOutput{}
		out.Body.Stories = stories
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-story",
		Method:      http.MethodGet,
		Path:        "/v0/stories/{id}",
		Summary:     "Get a story with its attempt history",
	}, func(ctx context.Context, in *storyInput) (*storyOutput, error) {
		story, err := s.repo.GetStory(s.db, in.ID)
		if err != nil {
			return nil, mapErr(err)
		}
		attempts, err := s.repo.ListAttempts(s.db, in.ID)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &storyOutput{}
		out.Body.Story = story
		out.Body.Attempts = attempts
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-story",
		Method:      http.MethodPost,
		Path:        "/v0/next",
		Summary:     "Select the next story for a domain",
	}, func(ctx context.Context, in *nextStoryInput) (*nextStoryOutput, error) {
		dom := in.Body.Domain
		if dom == "" {
			dom = s.cfg.Domain
		}
		sel, err := s.engine.SelectNextStory(dom)
		if err != nil {
			return nil, mapErr(err)
		}
		return &nextStoryOutput{Body: sel}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-attempt",
		Method:      http.MethodPost,
		Path:        "/v0/stories/{id}/attempts",
		Summary:     "Record the result of an externally executed attempt",
	}, func(ctx context.Context, in *recordAttemptInput) (*recordAttemptOutput, error) {
		passed, output := in.Body.Passed, in.Body.Output
		v := verify.Func(func(context.Context, string, string, bool) (verify.Result, error) {
			return verify.Result{Passed: passed, Output: output}, nil
		})
		out, err := s.engine.AttemptStory(ctx, in.ID, v)
		if err != nil {
			return nil, mapErr(err)
		}
		return &recordAttemptOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-story",
		Method:      http.MethodPost,
		Path:        "/v0/stories/{id}/reset",
		Summary:     "Return a blocked story to pending with counters cleared",
	}, func(ctx context.Context, in *resetStoryInput) (*storyOnlyOutput, error) {
		story, err := s.engine.ResetStory(in.ID, actorID(ctx), in.Body.Note)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &storyOnlyOutput{}
		out.Body.Story = story
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-story",
		Method:      http.MethodPost,
		Path:        "/v0/stories/{id}/skip",
		Summary:     "Skip a story",
	}, func(ctx context.Context, in *skipStoryInput) (*storyOnlyOutput, error) {
		story, err := s.engine.SkipStory(in.ID, actorID(ctx), in.Body.Reason)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &storyOnlyOutput{}
		out.Body.Story = story
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-substage",
		Method:      http.MethodPost,
		Path:        "/v0/stories/{id}/substages",
		Summary:     "Record sub-stage status for a story",
	}, func(ctx context.Context, in *substageInput) (*substageOutput, error) {
		if err := s.engine.SetSubstage(in.ID, in.Body.Stage, in.Body.Status); err != nil {
			return nil, mapErr(err)
		}
		subs, err := s.repo.ListSubstages(s.db, in.ID)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &substageOutput{}
		out.Body.Substages = subs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/v0/progress/{domain}",
		Summary:     "Get a domain's progress record",
	}, func(ctx context.Context, in *progressInput) (*progressOutput, error) {
		p, err := s.repo.GetProgress(s.db, in.Domain)
		if err != nil {
			return nil, mapErr(err)
		}
		notes, err := s.repo.ListProgressNotes(s.db, in.Domain, in.Limit)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &progressOutput{}
		out.Body.Progress = p
		out.Body.Notes = notes
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-blockers",
		Method:      http.MethodGet,
		Path:        "/v0/blockers",
		Summary:     "List a domain's blockers",
	}, func(ctx context.Context, in *listBlockersInput) (*listBlockersOutput, error) {
		dom := in.Domain
		if dom == "" {
			dom = s.cfg.Domain
		}
		blockers, err := s.repo.ListBlockers(s.db, dom)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &listBlockersOutput{}
		out.Body.Blockers = blockers
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/v0/events",
		Summary:     "Page through the event log",
	}, func(ctx context.Context, in *listEventsInput) (*listEventsOutput, error) {
		evs, cursor, err := s.repo.ListEvents(s.db, in.Domain, in.After, in.Limit)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &listEventsOutput{}
		out.Body.Events = evs
		out.Body.Cursor = cursor
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/v0/signals",
		Summary:     "List completion signals",
	}, func(ctx context.Context, in *struct{}) (*listSignalsOutput, error) {
		signals, err := s.repo.ListSignals(s.db)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &listSignalsOutput{}
		out.Body.Signals = signals
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-domain-config",
		Method:      http.MethodGet,
		Path:        "/v0/config/{domain}",
		Summary:     "Read a domain's effective configuration",
	}, func(ctx context.Context, in *domainConfigInput) (*domainConfigOutput, error) {
		raw, err := s.repo.GetDomainConfig(s.db, in.Domain)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &domainConfigOutput{}
		out.Body.Domain = in.Domain
		out.Body.ConfigYAML = raw
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-api-key",
		Method:      http.MethodPost,
		Path:        "/v0/apikeys",
		Summary:     "Create an API key",
	}, func(ctx context.Context, in *createKeyInput) (*createKeyOutput, error) {
		actor, _ := ActorFrom(ctx)
		if !actor.Can("admin") {
			return nil, huma.Error403Forbidden("admin permission required")
		}
		if in.Body.ActorID == "" {
			return nil, huma.Error422UnprocessableEntity("actor_id is required")
		}
		key, secret, err := s.repo.CreateAPIKey(s.db, in.Body.ActorID, in.Body.Name,
			repo.NowRFC3339(s.engine.Now()))
		if err != nil {
			return nil, mapErr(err)
		}
		out := &createKeyOutput{}
		out.Body.Key = key
		out.Body.Secret = secret
		return out, nil
	})
}
