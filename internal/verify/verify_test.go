package verify

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCommandPass(t *testing.T) {
	v := Command{Command: "true"}
	res, err := v.Verify(context.Background(), "s1", "p1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed {
		t.Fatal("exit 0 should pass")
	}
}

func TestCommandFailCapturesOutput(t *testing.T) {
	v := Command{Command: "echo broken; exit 1"}
	res, err := v.Verify(context.Background(), "s1", "p1", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed {
		t.Fatal("exit 1 should fail")
	}
	if !strings.Contains(res.Output, "broken") {
		t.Fatalf("output %q missing command output", res.Output)
	}
}

func TestCommandEnvironment(t *testing.T) {
	v := Command{Command: `test "$STORYLINE_STORY" = s1 && test "$STORYLINE_ALTERNATIVE" = true`}
	res, err := v.Verify(context.Background(), "s1", "p1", true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed {
		t.Fatal("story environment variables not set")
	}
}

func TestCommandTimeout(t *testing.T) {
	v := Command{Command: "sleep 5", Timeout: 50 * time.Millisecond}
	res, err := v.Verify(context.Background(), "s1", "p1", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed {
		t.Fatal("timed out command should fail")
	}
	if !strings.Contains(res.Output, "timed out") {
		t.Fatalf("output %q should note the timeout", res.Output)
	}
}

func TestCommandMissing(t *testing.T) {
	v := Command{}
	if _, err := v.Verify(context.Background(), "s1", "p1", false); err == nil {
		t.Fatal("empty command must error")
	}
}
