package runner_test

import (
	"context"
	"path/filepath"
	"testing"

	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/migrate"
	"storyline/internal/runner"
	"storyline/internal/verify"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Up(conn); err != nil {
		t.Fatal(err)
	}
	eng, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func TestRunToCompletion(t *testing.T) {
	eng := newEngine(t)
	_, _, err := eng.ImportPRD(engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{
			{ID: "a", Title: "first"},
			{ID: "b", Title: "second", Dependencies: []string{"a"}},
			{ID: "c", Title: "third"},
		},
	}, "test")
	if err != nil {
		t.Fatal(err)
	}
	r := &runner.Runner{
		Engine: eng,
		Verifier: verify.Func(func(context.Context, string, string, bool) (verify.Result, error) {
			return verify.Result{Passed: true}, nil
		}),
	}
	res, err := r.Run(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != runner.OutcomeAllComplete {
		t.Fatalf("outcome = %s, want all_complete", res.Outcome)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
}

func TestRunHaltsOnBlockedFoundation(t *testing.T) {
	eng := newEngine(t)
	_, _, err := eng.ImportPRD(engine.PRDDocument{
		ID: "core", Name: "Core", Phase: domain.PhaseFoundation,
		Stories: []engine.StoryDocument{
			{ID: "a", Title: "doomed", EstimatedIterations: 1},
			{ID: "b", Title: "never reached"},
		},
	}, "test")
	if err != nil {
		t.Fatal(err)
	}
	r := &runner.Runner{
		Engine: eng,
		Verifier: verify.Func(func(_ context.Context, storyID, _ string, _ bool) (verify.Result, error) {
			if storyID == "a" {
				return verify.Result{Passed: false, Output: "hopeless"}, nil
			}
			return verify.Result{Passed: true}, nil
		}),
		MaxAttempts: 20,
	}
	res, err := r.Run(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != runner.OutcomeHalted {
		t.Fatalf("outcome = %s, want halted", res.Outcome)
	}
	if res.HaltedOn != "a" {
		t.Fatalf("halted on %s, want a", res.HaltedOn)
	}
	s, err := eng.Repo.GetStory(eng.DB, "b")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != domain.StatusPending {
		t.Fatalf("b status = %s, want untouched pending", s.Status)
	}
}

func TestRunReportsDeadlock(t *testing.T) {
	eng := newEngine(t)
	_, _, err := eng.ImportPRD(engine.PRDDocument{
		ID: "p", Name: "P", Phase: domain.PhaseRefactoring,
		Stories: []engine.StoryDocument{
			{ID: "a", Title: "doomed", EstimatedIterations: 1},
			{ID: "b", Title: "gated", Dependencies: []string{"a"}},
		},
	}, "test")
	if err != nil {
		t.Fatal(err)
	}
	r := &runner.Runner{
		Engine: eng,
		Verifier: verify.Func(func(context.Context, string, string, bool) (verify.Result, error) {
			return verify.Result{Passed: false, Output: "nope"}, nil
		}),
		MaxAttempts: 20,
	}
	res, err := r.Run(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != runner.OutcomeDeadlock {
		t.Fatalf("outcome = %s, want deadlock", res.Outcome)
	}
	if len(res.Blocked) != 1 || res.Blocked[0] != "a" {
		t.Fatalf("blocked = %v, want [a]", res.Blocked)
	}
}
