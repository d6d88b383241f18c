// Package runner drives the coordinator loop for one domain: select a
// story, attempt it, repeat until the domain completes, deadlocks, or a
// foundation story blocks.
package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"storyline/internal/engine"
	"storyline/internal/verify"
)

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// Run loop outcomes.
const (
	OutcomeAllComplete = "all_complete"
	OutcomeDeadlock    = "deadlock"
	OutcomeHalted      = "halted"
	OutcomeCancelled   = "cancelled"
)

type Runner struct {
	Engine   *engine.Engine
	Verifier verify.Verifier
	Log      *zap.Logger
	// Pause between attempts. Zero means no pause.
	Pause time.Duration
	// MaxAttempts bounds one Run call as a safety net. Zero means
	// unbounded.
	MaxAttempts int
}

// Result summarizes a finished run.
type Result struct {
	Outcome  string
	Attempts int
	// Blocked and Unreachable carry the deadlock detail when Outcome is
	// deadlock.
	Blocked     []string
	Unreachable []string
	// HaltedOn names the blocked foundation story when Outcome is halted.
	HaltedOn string
}

const leaseTTL = 10 * time.Minute

// Run executes the loop until a terminal outcome or context cancellation.
// The domain's single-writer lease is held for the whole run.
func (r *Runner) Run(ctx context.Context, dom string) (Result, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("domain", dom))

	holder := fmt.Sprintf("%s-%d", hostname(), os.Getpid())
	eng := r.Engine
	if err := eng.Repo.AcquireLease(eng.DB, dom, holder, eng.Now(), leaseTTL); err != nil {
		return Result{}, err
	}
	defer eng.Repo.ReleaseLease(eng.DB, dom, holder)

	var res Result
	for {
		// Extend the lease every iteration; a crashed run expires out.
		if err := eng.Repo.AcquireLease(eng.DB, dom, holder, eng.Now(), leaseTTL); err != nil {
			return res, err
		}
		if ctx.Err() != nil {
			res.Outcome = OutcomeCancelled
			return res, nil
		}
		if r.MaxAttempts > 0 && res.Attempts >= r.MaxAttempts {
			log.Warn("attempt cap reached", zap.Int("attempts", res.Attempts))
			res.Outcome = OutcomeCancelled
			return res, nil
		}

		sel, err := r.Engine.SelectNextStory(dom)
		if err != nil {
			return res, err
		}
		if sel.FoundationBlocked != "" {
			log.Error("foundation story blocked, halting domain",
				zap.String("story", sel.FoundationBlocked))
			res.Outcome = OutcomeHalted
			res.HaltedOn = sel.FoundationBlocked
			return res, nil
		}
		switch sel.Kind {
		case engine.AllComplete:
			log.Info("domain complete", zap.Int("attempts", res.Attempts))
			res.Outcome = OutcomeAllComplete
			return res, nil
		case engine.Deadlock:
			log.Error("deadlock: incomplete stories remain but none selectable",
				zap.Strings("blocked", sel.Blocked),
				zap.Strings("unreachable", sel.Unreachable))
			res.Outcome = OutcomeDeadlock
			res.Blocked = sel.Blocked
			res.Unreachable = sel.Unreachable
			return res, nil
		}

		story := sel.Story
		log.Info("attempting story",
			zap.String("story", story.ID),
			zap.String("title", story.Title),
			zap.Int("iterations_used", story.IterationsUsed),
			zap.Int("estimated", story.EstimatedIterations))

		out, err := r.Engine.AttemptStory(ctx, story.ID, r.Verifier)
		if err != nil {
			return res, err
		}
		res.Attempts++

		switch {
		case out.Attempt.Outcome == "passed":
			log.Info("story complete", zap.String("story", story.ID),
				zap.Int("iterations", out.Story.IterationsUsed))
		case out.HaltDomain:
			log.Error("foundation story blocked, halting domain",
				zap.String("story", story.ID),
				zap.String("reason", out.Blocker.Reason))
			res.Outcome = OutcomeHalted
			res.HaltedOn = story.ID
			return res, nil
		case out.Blocked:
			log.Warn("story blocked, continuing with unrelated work",
				zap.String("story", story.ID),
				zap.String("reason", out.Blocker.Reason))
		case out.TryAlternative:
			log.Warn("story stuck, trying an alternative approach",
				zap.String("story", story.ID),
				zap.String("signature", out.Attempt.Signature))
		case out.Attempt.Outcome == "cancelled":
			log.Info("attempt cancelled", zap.String("story", story.ID))
		default:
			log.Info("attempt failed", zap.String("story", story.ID),
				zap.String("signature", out.Attempt.Signature))
		}

		if r.Pause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(r.Pause):
			}
		}
	}
}
