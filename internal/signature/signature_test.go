package signature

import "testing"

func TestCollapseStripsVolatileParts(t *testing.T) {
	a := Collapse.Normalize("panic at /home/u1/src/main.go:42 addr=0xdeadbeef\n  goroutine 7")
	b := Collapse.Normalize("panic at /home/u2/work/main.go:97 addr=0x1234\n  goroutine 12")
	if a != b {
		t.Fatalf("collapsed signatures differ:\n%q\n%q", a, b)
	}
}

func TestCollapseKeepsDistinctFailuresApart(t *testing.T) {
	a := Collapse.Normalize("undefined symbol frobnicate")
	b := Collapse.Normalize("type mismatch in widget")
	if a == b {
		t.Fatal("distinct failures collapsed to the same signature")
	}
}

func TestCollapseTruncates(t *testing.T) {
	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'x'
	}
	if got := Collapse.Normalize(string(long)); len(got) > 512 {
		t.Fatalf("signature length %d exceeds cap", len(got))
	}
}

func TestExact(t *testing.T) {
	if got := Exact.Normalize("  error 42  "); got != "error 42" {
		t.Fatalf("got %q", got)
	}
}

func TestByName(t *testing.T) {
	if _, err := ByName("collapse"); err != nil {
		t.Fatal(err)
	}
	if _, err := ByName("exact"); err != nil {
		t.Fatal(err)
	}
	if _, err := ByName("bogus"); err == nil {
		t.Fatal("expected error for unknown normalizer")
	}
}
