package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/verify"
)

// AttemptOutcome describes what one attempt did and what the caller
// should do next.
type AttemptOutcome struct {
	Attempt domain.Attempt `json:"attempt"`
	Story   domain.Story   `json:"story"`
	// TryAlternative is set when the story just hit the stuck condition
	// and one alternative-approach attempt is still available.
	TryAlternative bool `json:"try_alternative,omitempty"`
	// Blocked is set when the stuck protocol exhausted its options and
	// the story was parked for human attention.
	Blocked bool            `json:"blocked,omitempty"`
	Blocker *domain.Blocker `json:"blocker,omitempty"`
	// HaltDomain is set when a foundation story blocked; everything
	// downstream depends on it, so the run loop must stop.
	HaltDomain bool `json:"halt_domain,omitempty"`
}

// iterationAllowance is the budget before the stuck condition triggers
// on count alone.
func (e *Engine) iterationAllowance(s domain.Story) int {
	if s.EstimatedIterations > 0 {
		return s.EstimatedIterations
	}
	return e.Cfg.Stuck.DefaultEstimate
}

// alternativeAllowance is the hard iteration ceiling for offering the
// alternative attempt. Foundation stories get the extended allowance.
func (e *Engine) alternativeAllowance(s domain.Story, p domain.PRD) int {
	base := e.iterationAllowance(s)
	if p.Phase == domain.PhaseFoundation {
		return base * e.Cfg.Stuck.FoundationMultiplier
	}
	return base + 1
}

// repeatedTail counts the run of trailing failed attempts sharing one
// signature. A pass or a cancel breaks the run.
func repeatedTail(attempts []domain.Attempt) int {
	if len(attempts) == 0 {
		return 0
	}
	last := attempts[len(attempts)-1]
	if last.Outcome != domain.AttemptFailed || last.Signature == "" {
		return 0
	}
	n := 0
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if a.Outcome != domain.AttemptFailed || a.Signature != last.Signature {
			break
		}
		n++
	}
	return n
}

func alternativeTried(attempts []domain.Attempt) bool {
	for _, a := range attempts {
		if a.Alternative {
			return true
		}
	}
	return false
}

// stuckNow reports the stuck condition: the same failure repeated up to
// the threshold, or the iteration budget spent.
func (e *Engine) stuckNow(s domain.Story, attempts []domain.Attempt) bool {
	if repeatedTail(attempts) >= e.Cfg.Stuck.RepeatThreshold {
		return true
	}
	return s.IterationsUsed >= e.iterationAllowance(s)
}

// distinctFailedSignatures lists each failed signature once, in first
// occurrence order, for the blocker's attempted-remedies record.
func distinctFailedSignatures(attempts []domain.Attempt) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range attempts {
		if a.Outcome != domain.AttemptFailed || a.Signature == "" || seen[a.Signature] {
			continue
		}
		seen[a.Signature] = true
		out = append(out, a.Signature)
	}
	return out
}

// AttemptStory runs one bounded attempt at a story: mark it active, run
// the verifier, record the outcome, and apply the stuck protocol to
// failures. Cancellation still consumes an iteration. The verifier runs
// outside any transaction.
func (e *Engine) AttemptStory(ctx context.Context, storyID string, v verify.Verifier) (AttemptOutcome, error) {
	var (
		story       domain.Story
		prd         domain.PRD
		prior       []domain.Attempt
		alternative bool
	)
	err := e.inTx(func(tx *sql.Tx) error {
		var err error
		story, err = e.Repo.GetStory(tx, storyID)
		if err != nil {
			return err
		}
		if story.Status == domain.StatusSkipped || story.Status == domain.StatusBlocked {
			return fmt.Errorf("%w: cannot attempt %s story", ErrInvalidTransition, story.Status)
		}
		if story.Status == domain.StatusComplete {
			return nil
		}
		prd, err = e.Repo.GetPRD(tx, story.PRDID)
		if err != nil {
			return err
		}
		prior, err = e.Repo.ListAttempts(tx, storyID)
		if err != nil {
			return err
		}
		// Stuck with the alternative still unspent: this attempt is it.
		alternative = e.stuckNow(story, prior) &&
			!alternativeTried(prior) &&
			story.IterationsUsed < e.alternativeAllowance(story, prd)
		now := e.now()
		if story.Status == domain.StatusPending {
			if err := ensureStoryTransition(story.Status, domain.StatusActive); err != nil {
				return err
			}
			if err := e.Repo.SetStoryStatus(tx, storyID, domain.StatusActive, now); err != nil {
				return err
			}
			if err := e.Events.Append(tx, events.TypeStoryStarted, prd.Domain, "story", storyID, e.Cfg.Actor, nil); err != nil {
				return err
			}
		}
		if err := e.Repo.TouchProgress(tx, prd.Domain, now, prd.Phase, storyID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return AttemptOutcome{}, err
	}
	// Re-attempting a completed story is a no-op: no iteration spent, no
	// second completion signal.
	if story.Status == domain.StatusComplete {
		return AttemptOutcome{
			Story:   story,
			Attempt: domain.Attempt{StoryID: storyID, Outcome: domain.AttemptPassed},
		}, nil
	}

	res, verr := v.Verify(ctx, storyID, story.PRDID, alternative)

	outcome := domain.AttemptFailed
	detail := res.Output
	switch {
	case ctx.Err() != nil:
		outcome = domain.AttemptCancelled
		detail = ctx.Err().Error()
	case verr != nil:
		// Verifier infrastructure failure, not a story failure. The
		// iteration was still spent starting it.
		outcome = domain.AttemptCancelled
		detail = verr.Error()
	case res.Passed:
		outcome = domain.AttemptPassed
	}

	var out AttemptOutcome
	err = e.inTx(func(tx *sql.Tx) error {
		now := e.now()
		if err := e.Repo.IncrementIterations(tx, storyID, now); err != nil {
			return err
		}
		att := domain.Attempt{
			ID:          uuid.NewString(),
			StoryID:     storyID,
			Number:      len(prior) + 1,
			Alternative: alternative,
			Outcome:     outcome,
			Detail:      detail,
			TS:          now,
		}
		if outcome == domain.AttemptFailed {
			att.Signature = e.Normalizer.Normalize(res.Output)
		}
		if err := e.Repo.InsertAttempt(tx, att); err != nil {
			return err
		}
		if err := e.Events.Append(tx, events.TypeAttemptLogged, prd.Domain, "story", storyID, e.Cfg.Actor,
			events.Payload{"number": att.Number, "outcome": outcome, "alternative": alternative}); err != nil {
			return err
		}
		story.IterationsUsed++
		out.Attempt = att

		switch outcome {
		case domain.AttemptPassed:
			if err := e.Repo.CompleteStory(tx, storyID, now); err != nil {
				return err
			}
			if _, err := e.Repo.SignalOnce(tx, "story", storyID, now); err != nil {
				return err
			}
			if err := e.Events.Append(tx, events.TypeStoryComplete, prd.Domain, "story", storyID, e.Cfg.Actor, nil); err != nil {
				return err
			}
			if err := e.Repo.AppendProgressNote(tx, prd.Domain, now,
				fmt.Sprintf("completed %s after %d iteration(s)", storyID, story.IterationsUsed)); err != nil {
				return err
			}
			story.Status = domain.StatusComplete
			story.CompletedAt = &now
			out.Story = story
			return e.settleCompletion(tx, prd, e.Cfg.Actor)

		case domain.AttemptCancelled:
			// Back to pending so the next selection can pick it up
			// cleanly. The iteration stays spent.
			if err := e.Repo.SetStoryStatus(tx, storyID, domain.StatusPending, now); err != nil {
				return err
			}
			story.Status = domain.StatusPending
			out.Story = story
			return nil
		}

		// Failure path: re-evaluate the stuck condition with this
		// attempt included. A failed alternative is always terminal for
		// the protocol, whatever its signature.
		history := append(prior, att)
		if !e.stuckNow(story, history) && !att.Alternative {
			out.Story = story
			return nil
		}
		if err := e.Events.Append(tx, events.TypeStoryStuck, prd.Domain, "story", storyID, e.Cfg.Actor,
			events.Payload{"signature": att.Signature, "iterations_used": story.IterationsUsed}); err != nil {
			return err
		}
		if !alternativeTried(history) && story.IterationsUsed < e.alternativeAllowance(story, prd) {
			out.Story = story
			out.TryAlternative = true
			return nil
		}

		// Alternative spent or allowance gone: park the story.
		if err := ensureStoryTransition(domain.StatusActive, domain.StatusBlocked); err != nil {
			return err
		}
		if err := e.Repo.SetStoryStatus(tx, storyID, domain.StatusBlocked, now); err != nil {
			return err
		}
		remedies := distinctFailedSignatures(history)
		if alternativeTried(history) {
			remedies = append(remedies, "alternative approach")
		}
		// Exhausting the stuck protocol always escalates to a human;
		// only the halt decision is phase-dependent.
		b := domain.Blocker{
			ID:                uuid.NewString(),
			Domain:            prd.Domain,
			StoryID:           storyID,
			Reason:            fmt.Sprintf("stuck after %d iteration(s): %s", story.IterationsUsed, att.Signature),
			AttemptedRemedies: remedies,
			Escalated:         true,
			EscalatedAt:       &now,
			TS:                now,
		}
		if err := e.Repo.InsertBlocker(tx, b); err != nil {
			return err
		}
		if err := e.Events.Append(tx, events.TypeStoryBlocked, prd.Domain, "story", storyID, e.Cfg.Actor,
			events.Payload{"reason": b.Reason, "escalated": b.Escalated}); err != nil {
			return err
		}
		if err := e.Repo.AppendProgressNote(tx, prd.Domain, now, "blocked "+storyID+": "+b.Reason); err != nil {
			return err
		}
		story.Status = domain.StatusBlocked
		out.Story = story
		out.Blocked = true
		out.Blocker = &b
		out.HaltDomain = prd.Phase == domain.PhaseFoundation
		return nil
	})
	if err != nil {
		return AttemptOutcome{}, err
	}
	return out, nil
}

// SetSubstage records per-stage sub-status for a story under execution.
func (e *Engine) SetSubstage(storyID, stage, status string) error {
	return e.inTx(func(tx *sql.Tx) error {
		if _, err := e.Repo.GetStory(tx, storyID); err != nil {
			return err
		}
		return e.Repo.UpsertSubstage(tx, domain.Substage{
			StoryID: storyID,
			Stage:   stage,
			Status:  status,
			TS:      e.now(),
		})
	})
}
