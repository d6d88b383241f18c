// Package engine implements the story execution coordinator: selection,
// bounded attempts, stuck handling, and completion signalling for one
// domain at a time.
package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storyline/internal/config"
	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/repo"
	"storyline/internal/signature"
)

// ErrCyclicDependency is returned when the dependency graph of a domain
// contains a cycle. No selection happens until the graph is fixed.
var ErrCyclicDependency = errors.New("cyclic dependency")

// ErrInvalidTransition is returned for a status change the lifecycle
// does not permit.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrEmptyDomain is returned when selection is asked about a domain
// that has no stories. An unknown or typo'd domain must not look
// complete.
var ErrEmptyDomain = errors.New("domain has no stories")

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Cfg        config.Config
	Normalizer signature.Normalizer
	Now        func() time.Time
}

func New(conn *sql.DB, cfg config.Config) (*Engine, error) {
	norm, err := signature.ByName(cfg.Stuck.Normalizer)
	if err != nil {
		return nil, err
	}
	now := func() time.Time { return time.Now().UTC() }
	return &Engine{
		DB:         conn,
		Repo:       repo.Repo{DB: conn},
		Events:     events.Writer{Now: now},
		Cfg:        cfg,
		Normalizer: norm,
		Now:        now,
	}, nil
}

func (e *Engine) now() string { return repo.NowRFC3339(e.Now()) }

// inTx runs fn inside a transaction, rolling back on error.
func (e *Engine) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ensureStoryTransition validates a requested status change against the
// lifecycle. Terminal states and blocked never transition automatically.
func ensureStoryTransition(from, to string) error {
	ok := false
	switch from {
	case domain.StatusPending:
		ok = to == domain.StatusActive || to == domain.StatusSkipped
	case domain.StatusActive:
		ok = to == domain.StatusComplete || to == domain.StatusBlocked ||
			to == domain.StatusPending || to == domain.StatusSkipped
	case domain.StatusBlocked:
		// Only the explicit human reset or skip leaves blocked.
		ok = to == domain.StatusPending || to == domain.StatusSkipped
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// SkipStory marks a story skipped. Skipped satisfies dependents the same
// way complete does.
func (e *Engine) SkipStory(storyID, actorID, reason string) (domain.Story, error) {
	var out domain.Story
	err := e.inTx(func(tx *sql.Tx) error {
		s, err := e.Repo.GetStory(tx, storyID)
		if err != nil {
			return err
		}
		if err := ensureStoryTransition(s.Status, domain.StatusSkipped); err != nil {
			return err
		}
		now := e.now()
		if err := e.Repo.SetStoryStatus(tx, storyID, domain.StatusSkipped, now); err != nil {
			return err
		}
		p, err := e.Repo.GetPRD(tx, s.PRDID)
		if err != nil {
			return err
		}
		if err := e.Events.Append(tx, events.TypeStorySkipped, p.Domain, "story", storyID, actorID,
			events.Payload{"reason": reason}); err != nil {
			return err
		}
		s.Status = domain.StatusSkipped
		s.UpdatedAt = now
		out = s
		return e.settleCompletion(tx, p, actorID)
	})
	return out, err
}

// ResetStory returns a blocked story to pending with its iteration count
// and attempt history cleared. This is the only path out of blocked back
// into the selectable pool.
func (e *Engine) ResetStory(storyID, actorID, note string) (domain.Story, error) {
	var out domain.Story
	err := e.inTx(func(tx *sql.Tx) error {
		s, err := e.Repo.GetStory(tx, storyID)
		if err != nil {
			return err
		}
		if err := ensureStoryTransition(s.Status, domain.StatusPending); err != nil {
			return err
		}
		now := e.now()
		if err := e.Repo.ResetStory(tx, storyID, now); err != nil {
			return err
		}
		p, err := e.Repo.GetPRD(tx, s.PRDID)
		if err != nil {
			return err
		}
		if note != "" {
			if err := e.Repo.AppendProgressNote(tx, p.Domain, now, "reset "+storyID+": "+note); err != nil {
				return err
			}
		}
		if err := e.Events.Append(tx, events.TypeStoryReset, p.Domain, "story", storyID, actorID,
			events.Payload{"note": note}); err != nil {
			return err
		}
		s.Status = domain.StatusPending
		s.IterationsUsed = 0
		s.UpdatedAt = now
		out = s
		return nil
	})
	return out, err
}

// settleCompletion emits the at-most-once PRD and domain completion
// signals once every story under them is terminal.
func (e *Engine) settleCompletion(tx *sql.Tx, p domain.PRD, actorID string) error {
	stories, err := e.Repo.ListStories(tx, repo.StoryFilters{PRDID: p.ID})
	if err != nil {
		return err
	}
	for _, s := range stories {
		if !domain.Terminal(s.Status) {
			return nil
		}
	}
	now := e.now()
	created, err := e.Repo.SignalOnce(tx, "prd", p.ID, now)
	if err != nil {
		return err
	}
	if created {
		if err := e.Events.Append(tx, events.TypePRDComplete, p.Domain, "prd", p.ID, actorID, nil); err != nil {
			return err
		}
	}
	all, err := e.Repo.DomainStories(tx, p.Domain)
	if err != nil {
		return err
	}
	for _, s := range all {
		if !domain.Terminal(s.Status) {
			return nil
		}
	}
	created, err = e.Repo.SignalOnce(tx, "domain", p.Domain, now)
	if err != nil {
		return err
	}
	if created {
		if err := e.Events.Append(tx, events.TypeDomainComplete, p.Domain, "domain", p.Domain, actorID, nil); err != nil {
			return err
		}
	}
	return nil
}
