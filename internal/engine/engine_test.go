package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/migrate"
	"storyline/internal/verify"
)

func newTestEnv(t *testing.T) *engine.Engine {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Up(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	now := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	eng.Now = now
	eng.Events.Now = now
	return eng
}

func importPRD(t *testing.T, e *engine.Engine, doc engine.PRDDocument) {
	t.Helper()
	if _, _, err := e.ImportPRD(doc, "test"); err != nil {
		t.Fatalf("import prd %s: %v", doc.ID, err)
	}
}

func story(id, title string, deps ...string) engine.StoryDocument {
	return engine.StoryDocument{ID: id, Title: title, Dependencies: deps}
}

func passVerifier() verify.Verifier {
	return verify.Func(func(context.Context, string, string, bool) (verify.Result, error) {
		return verify.Result{Passed: true}, nil
	})
}

func failVerifier(output string) verify.Verifier {
	return verify.Func(func(context.Context, string, string, bool) (verify.Result, error) {
		return verify.Result{Passed: false, Output: output}, nil
	})
}

func mustSelect(t *testing.T, e *engine.Engine) engine.Selection {
	t.Helper()
	sel, err := e.SelectNextStory("default")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	return sel
}

func mustAttempt(t *testing.T, e *engine.Engine, id string, v verify.Verifier) engine.AttemptOutcome {
	t.Helper()
	out, err := e.AttemptStory(context.Background(), id, v)
	if err != nil {
		t.Fatalf("attempt %s: %v", id, err)
	}
	return out
}

func TestSelectionOrder(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "later", Name: "Later", Phase: domain.PhaseIntegrations, Priority: 2,
		Stories: []engine.StoryDocument{story("l1", "low priority first story")},
	})
	importPRD(t, e, engine.PRDDocument{
		ID: "first", Name: "First", Phase: domain.PhaseFoundation, Priority: 1,
		Stories: []engine.StoryDocument{
			story("f1", "declared first"),
			story("f2", "declared second"),
		},
	})

	sel := mustSelect(t, e)
	if sel.Kind != engine.StoryFound {
		t.Fatalf("kind = %s, want story_found", sel.Kind)
	}
	if sel.Story.ID != "f1" {
		t.Fatalf("selected %s, want f1 (priority then declaration order)", sel.Story.ID)
	}

	mustAttempt(t, e, "f1", passVerifier())
	if sel := mustSelect(t, e); sel.Story.ID != "f2" {
		t.Fatalf("selected %s, want f2", sel.Story.ID)
	}
}

func TestSelectionHonorsDependencies(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseFoundation,
		Stories: []engine.StoryDocument{
			story("a", "base"),
			story("b", "needs a", "a"),
		},
	})
	if sel := mustSelect(t, e); sel.Story.ID != "a" {
		t.Fatalf("selected %s, want a", sel.Story.ID)
	}
	mustAttempt(t, e, "a", passVerifier())
	if sel := mustSelect(t, e); sel.Story.ID != "b" {
		t.Fatalf("selected %s, want b after a completed", sel.Story.ID)
	}
}

func TestSkippedSatisfiesDependents(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{
			story("a", "base"),
			story("b", "needs a", "a"),
		},
	})
	if _, err := e.SkipStory("a", "human", "out of scope"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if sel := mustSelect(t, e); sel.Story.ID != "b" {
		t.Fatalf("selected %s, want b after a skipped", sel.Story.ID)
	}
}

func TestPRDGating(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "base", Name: "Base", Phase: domain.PhaseFoundation, Priority: 1,
		Stories: []engine.StoryDocument{story("b1", "groundwork")},
	})
	importPRD(t, e, engine.PRDDocument{
		ID: "feat", Name: "Feature", Phase: domain.PhaseIntegrations, Priority: 2,
		DependsOn: []string{"base"},
		Stories:   []engine.StoryDocument{story("x1", "feature work")},
	})
	if sel := mustSelect(t, e); sel.Story.ID != "b1" {
		t.Fatalf("selected %s, want b1", sel.Story.ID)
	}
	mustAttempt(t, e, "b1", passVerifier())
	if sel := mustSelect(t, e); sel.Story.ID != "x1" {
		t.Fatalf("selected %s, want x1 once base prd finished", sel.Story.ID)
	}
}

func TestCycleDetectionFailsFast(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseFoundation,
		Stories: []engine.StoryDocument{
			story("a", "depends on b", "b"),
			story("b", "depends on a", "a"),
		},
	})
	_, err := e.SelectNextStory("default")
	if !errors.Is(err, engine.ErrCyclicDependency) {
		t.Fatalf("err = %v, want ErrCyclicDependency", err)
	}
}

func TestStuckAfterRepeatedSignature(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{story("s", "flaky build")},
	})
	fail := failVerifier("compile error in widget")

	for i := 1; i <= 2; i++ {
		out := mustAttempt(t, e, "s", fail)
		if out.TryAlternative || out.Blocked {
			t.Fatalf("attempt %d: premature stuck handling: %+v", i, out)
		}
	}
	out := mustAttempt(t, e, "s", fail)
	if !out.TryAlternative {
		t.Fatalf("third identical failure should offer the alternative, got %+v", out)
	}
	if out.Blocked {
		t.Fatal("story should not block while the alternative is unspent")
	}

	out = mustAttempt(t, e, "s", failVerifier("different error entirely"))
	if !out.Attempt.Alternative {
		t.Fatal("fourth attempt should be the alternative")
	}
	if !out.Blocked {
		t.Fatal("failed alternative must block the story")
	}
	if out.Blocker == nil {
		t.Fatal("blocked outcome must carry the blocker")
	}
	found := false
	for _, r := range out.Blocker.AttemptedRemedies {
		if r == "alternative approach" {
			found = true
		}
	}
	if !found {
		t.Fatalf("remedies %v missing the alternative approach", out.Blocker.AttemptedRemedies)
	}
	if !out.Blocker.Escalated || out.Blocker.EscalatedAt == nil {
		t.Fatal("exhausting the stuck protocol must escalate the blocker")
	}
	if out.HaltDomain {
		t.Fatal("a blocked non-foundation story must not halt the domain")
	}
	if out.Story.Status != domain.StatusBlocked {
		t.Fatalf("status = %s, want blocked", out.Story.Status)
	}
}

func TestVariedSignaturesDoNotTriggerRepeatStuck(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{
			{ID: "s", Title: "wandering failure", EstimatedIterations: 10},
		},
	})
	outputs := []string{"type mismatch", "missing import", "nil deref", "type mismatch"}
	for i, o := range outputs {
		out := mustAttempt(t, e, "s", failVerifier(o))
		if out.TryAlternative || out.Blocked {
			t.Fatalf("attempt %d with varied signatures should not be stuck: %+v", i+1, out)
		}
	}
}

func TestBudgetExhaustion(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{
			{ID: "s", Title: "tight budget", EstimatedIterations: 1},
		},
	})
	out := mustAttempt(t, e, "s", failVerifier("first failure"))
	if !out.TryAlternative {
		t.Fatalf("budget spent should offer the alternative, got %+v", out)
	}
	out = mustAttempt(t, e, "s", failVerifier("second failure"))
	if !out.Attempt.Alternative || !out.Blocked {
		t.Fatalf("failed alternative after exhausted budget must block, got %+v", out)
	}
}

func TestFoundationEscalationAndHalt(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "core", Name: "Core", Phase: domain.PhaseFoundation,
		Stories: []engine.StoryDocument{
			{ID: "s", Title: "load bearing", EstimatedIterations: 1},
			{ID: "z", Title: "unrelated", EstimatedIterations: 1},
		},
	})
	// Budget 1 with multiplier 2: iterations 1 < 2 leaves the
	// alternative on the table.
	out := mustAttempt(t, e, "s", failVerifier("boom"))
	if !out.TryAlternative {
		t.Fatalf("foundation story should get the extended alternative, got %+v", out)
	}
	out = mustAttempt(t, e, "s", failVerifier("still boom"))
	if !out.Blocked {
		t.Fatalf("want blocked, got %+v", out)
	}
	if !out.Blocker.Escalated || out.Blocker.EscalatedAt == nil {
		t.Fatal("foundation blocker must escalate")
	}
	if !out.HaltDomain {
		t.Fatal("blocked foundation story must halt the domain")
	}
	sel := mustSelect(t, e)
	if sel.FoundationBlocked != "s" {
		t.Fatalf("selection should flag the blocked foundation story, got %+v", sel)
	}
}

func TestCancelledAttemptConsumesIteration(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{story("s", "interrupted")},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := e.AttemptStory(ctx, "s", passVerifier())
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if out.Attempt.Outcome != domain.AttemptCancelled {
		t.Fatalf("outcome = %s, want cancelled", out.Attempt.Outcome)
	}
	s, err := e.Repo.GetStory(e.DB, "s")
	if err != nil {
		t.Fatalf("get story: %v", err)
	}
	if s.IterationsUsed != 1 {
		t.Fatalf("iterations_used = %d, want 1 (cancelled still counts)", s.IterationsUsed)
	}
	if s.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending after cancel", s.Status)
	}
}

func TestCompletionSignalsAtMostOnce(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{story("s", "only story")},
	})
	mustAttempt(t, e, "s", passVerifier())

	for _, kind := range []struct{ kind, id string }{
		{"story", "s"}, {"prd", "p"}, {"domain", "default"},
	} {
		ok, err := e.Repo.HasSignal(e.DB, kind.kind, kind.id)
		if err != nil {
			t.Fatalf("has signal: %v", err)
		}
		if !ok {
			t.Fatalf("missing %s signal for %s", kind.kind, kind.id)
		}
	}

	// Re-running selection on the finished domain must not duplicate
	// the domain completion event.
	mustSelect(t, e)
	mustSelect(t, e)
	evs, _, err := e.Repo.ListEvents(e.DB, "default", 0, 500)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	n := 0
	for _, ev := range evs {
		if ev.Type == "domain.complete" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("domain.complete emitted %d times, want 1", n)
	}
}

func TestCompletedStoryAttemptIsNoOp(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{story("s", "done once")},
	})
	mustAttempt(t, e, "s", passVerifier())
	out := mustAttempt(t, e, "s", passVerifier())
	if out.Attempt.Outcome != domain.AttemptPassed {
		t.Fatalf("re-attempt outcome = %s, want passed", out.Attempt.Outcome)
	}
	s, err := e.Repo.GetStory(e.DB, "s")
	if err != nil {
		t.Fatal(err)
	}
	if s.IterationsUsed != 1 {
		t.Fatalf("iterations_used = %d, want 1 (no-op must not spend an iteration)", s.IterationsUsed)
	}
	evs, _, err := e.Repo.ListEvents(e.DB, "default", 0, 500)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, ev := range evs {
		if ev.Type == "story.complete" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("story.complete emitted %d times, want 1", n)
	}
}

func TestResetClearsCountersAndHistory(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{
			{ID: "s", Title: "stuck story", EstimatedIterations: 1},
		},
	})
	mustAttempt(t, e, "s", failVerifier("broken"))
	out := mustAttempt(t, e, "s", failVerifier("broken again"))
	if !out.Blocked {
		t.Fatalf("setup: story should be blocked, got %+v", out)
	}

	s, err := e.ResetStory("s", "human", "fixed the environment")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.Status != domain.StatusPending || s.IterationsUsed != 0 {
		t.Fatalf("after reset status=%s iterations=%d, want pending/0", s.Status, s.IterationsUsed)
	}
	attempts, err := e.Repo.ListAttempts(e.DB, "s")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 0 {
		t.Fatalf("attempt history should be cleared, got %d rows", len(attempts))
	}
}

func TestResetRequiresBlocked(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{story("s", "healthy story")},
	})
	_, err := e.ResetStory("s", "human", "")
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestDeadlockVersusAllComplete(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{
			{ID: "a", Title: "will block", EstimatedIterations: 1},
			story("b", "gated on a", "a"),
		},
	})
	mustAttempt(t, e, "a", failVerifier("no good"))
	mustAttempt(t, e, "a", failVerifier("alt no good"))

	sel := mustSelect(t, e)
	if sel.Kind != engine.Deadlock {
		t.Fatalf("kind = %s, want deadlock", sel.Kind)
	}
	if len(sel.Blocked) != 1 || sel.Blocked[0] != "a" {
		t.Fatalf("blocked = %v, want [a]", sel.Blocked)
	}
	if len(sel.Unreachable) != 1 || sel.Unreachable[0] != "b" {
		t.Fatalf("unreachable = %v, want [b]", sel.Unreachable)
	}

	// Human intervention clears the deadlock.
	if _, err := e.ResetStory("a", "human", ""); err != nil {
		t.Fatalf("reset: %v", err)
	}
	mustAttempt(t, e, "a", passVerifier())
	mustAttempt(t, e, "b", passVerifier())
	if sel := mustSelect(t, e); sel.Kind != engine.AllComplete {
		t.Fatalf("kind = %s, want all_complete", sel.Kind)
	}
}

func TestSelectionOnEmptyDomainErrors(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{story("s", "only story")},
	})

	// A misspelled domain has no stories; it must error rather than
	// look complete, and must leave no completion signal behind.
	_, err := e.SelectNextStory("defualt")
	if !errors.Is(err, engine.ErrEmptyDomain) {
		t.Fatalf("err = %v, want ErrEmptyDomain", err)
	}
	ok, err := e.Repo.HasSignal(e.DB, "domain", "defualt")
	if err != nil {
		t.Fatalf("has signal: %v", err)
	}
	if ok {
		t.Fatal("selection must not write a completion signal")
	}
}

func TestBlockedStoryDoesNotStopUnrelatedWork(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{
			{ID: "a", Title: "will block", EstimatedIterations: 1},
			story("b", "independent"),
		},
	})
	mustAttempt(t, e, "a", failVerifier("broken"))
	mustAttempt(t, e, "a", failVerifier("alt broken"))
	sel := mustSelect(t, e)
	if sel.Kind != engine.StoryFound || sel.Story.ID != "b" {
		t.Fatalf("blocked non-foundation story must not stop b, got %+v", sel)
	}
}

func TestAttemptOnBlockedStoryRejected(t *testing.T) {
	e := newTestEnv(t)
	importPRD(t, e, engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{
			{ID: "s", Title: "will block", EstimatedIterations: 1},
		},
	})
	mustAttempt(t, e, "s", failVerifier("x"))
	mustAttempt(t, e, "s", failVerifier("y"))
	_, err := e.AttemptStory(context.Background(), "s", passVerifier())
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}
