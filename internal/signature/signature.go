// Package signature normalizes raw verification failure output into
// comparable signatures. Two failures with the same signature count as
// the same failure for stuck detection.
package signature

import (
	"fmt"
	"regexp"
	"strings"
)

// Normalizer maps raw failure output to a stable signature.
type Normalizer interface {
	Normalize(raw string) string
}

// Func adapts a plain function to a Normalizer.
type Func func(raw string) string

func (f Func) Normalize(raw string) string { return f(raw) }

// Exact trims surrounding whitespace and nothing else.
var Exact Normalizer = Func(strings.TrimSpace)

var (
	hexRe  = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	numRe  = regexp.MustCompile(`\b\d+\b`)
	pathRe = regexp.MustCompile(`(/[\w.\-]+)+`)
	wsRe   = regexp.MustCompile(`\s+`)
)

// Collapse strips the volatile parts of failure output so signatures
// survive across runs: addresses, line numbers, absolute paths, and
// whitespace runs.
var Collapse Normalizer = Func(func(raw string) string {
	s := strings.TrimSpace(raw)
	s = hexRe.ReplaceAllString(s, "0xN")
	s = pathRe.ReplaceAllString(s, "/P")
	s = numRe.ReplaceAllString(s, "N")
	s = wsRe.ReplaceAllString(s, " ")
	const max = 512
	if len(s) > max {
		s = s[:max]
	}
	return s
})

// ByName resolves a configured normalizer name.
func ByName(name string) (Normalizer, error) {
	switch name {
	case "exact":
		return Exact, nil
	case "collapse", "":
		return Collapse, nil
	default:
		return nil, fmt.Errorf("unknown normalizer %q", name)
	}
}
