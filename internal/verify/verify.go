// Package verify runs the per-attempt verification step for a story.
package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Result is the outcome of one verification run.
type Result struct {
	Passed bool
	// Output is the raw combined output, fed to the signature
	// normalizer on failure.
	Output string
}

// Verifier checks whether a story's acceptance criteria hold right now.
type Verifier interface {
	Verify(ctx context.Context, storyID, prdID string, alternative bool) (Result, error)
}

// Func adapts a function to a Verifier.
type Func func(ctx context.Context, storyID, prdID string, alternative bool) (Result, error)

func (f Func) Verify(ctx context.Context, storyID, prdID string, alternative bool) (Result, error) {
	return f(ctx, storyID, prdID, alternative)
}

// Command runs a shell command per attempt. Exit 0 passes; non-zero
// fails with the combined output as failure detail. The story under test
// is passed through the environment.
type Command struct {
	Command string
	Timeout time.Duration
}

func (c Command) Verify(ctx context.Context, storyID, prdID string, alternative bool) (Result, error) {
	if c.Command == "" {
		return Result{}, errors.New("verify: no command configured")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.Env = append(os.Environ(),
		"STORYLINE_STORY="+storyID,
		"STORYLINE_PRD="+prdID,
		fmt.Sprintf("STORYLINE_ALTERNATIVE=%t", alternative),
	)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return Result{Passed: true, Output: string(out)}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || ctx.Err() != nil {
		detail := string(out)
		if ctx.Err() != nil {
			detail = "verification timed out\n" + detail
		}
		return Result{Passed: false, Output: detail}, nil
	}
	return Result{}, fmt.Errorf("verify: run command: %w", err)
}
