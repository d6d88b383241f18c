package engine

import (
	"database/sql"
	"fmt"
	"sort"

	"storyline/internal/domain"
)

// Selection outcomes.
const (
	StoryFound  = "story_found"
	AllComplete = "all_complete"
	Deadlock    = "deadlock"
)

// Selection is the result of asking the coordinator what to work on next.
type Selection struct {
	Kind  string       `json:"kind" enum:"story_found,all_complete,deadlock"`
	Story domain.Story `json:"story,omitempty"`
	// Blocked lists blocked story ids when Kind is deadlock.
	Blocked []string `json:"blocked,omitempty"`
	// Unreachable lists pending story ids whose dependency chain can no
	// longer complete, when Kind is deadlock.
	Unreachable []string `json:"unreachable,omitempty"`
	// FoundationBlocked is set when a foundation-phase story is blocked;
	// callers should halt the domain rather than work around it.
	FoundationBlocked string `json:"foundation_blocked,omitempty"`
}

// ValidateGraph checks the story and PRD dependency graphs of a domain
// for cycles and dangling references. Selection refuses to run on an
// invalid graph.
func (e *Engine) ValidateGraph(dom string) error {
	var stories []domain.Story
	var prds []domain.PRD
	err := e.inTx(func(tx *sql.Tx) error {
		var err error
		if stories, err = e.Repo.DomainStories(tx, dom); err != nil {
			return err
		}
		prds, err = e.Repo.ListPRDs(tx, dom)
		return err
	})
	if err != nil {
		return err
	}
	storyDeps := make(map[string][]string, len(stories))
	known := make(map[string]bool, len(stories))
	for _, s := range stories {
		known[s.ID] = true
	}
	for _, s := range stories {
		for _, dep := range s.Dependencies {
			if !known[dep] {
				return fmt.Errorf("story %s depends on unknown story %s", s.ID, dep)
			}
		}
		storyDeps[s.ID] = s.Dependencies
	}
	if cycle := findCycle(storyDeps); cycle != nil {
		return fmt.Errorf("%w: stories %v", ErrCyclicDependency, cycle)
	}
	prdDeps := make(map[string][]string, len(prds))
	for _, p := range prds {
		prdDeps[p.ID] = p.DependsOn
	}
	if cycle := findCycle(prdDeps); cycle != nil {
		return fmt.Errorf("%w: prds %v", ErrCyclicDependency, cycle)
	}
	return nil
}

// findCycle runs an iterative three-color DFS over the dependency map and
// returns one cycle's members, or nil. Keys are visited in sorted order
// so the reported cycle is stable.
func findCycle(deps map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))
	var stack []string

	keys := make([]string, 0, len(deps))
	for k := range deps {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var cycle []string
	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		stack = append(stack, n)
		for _, m := range deps[n] {
			switch color[m] {
			case gray:
				// Unwind the stack back to m for the cycle members.
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append([]string{stack[i]}, cycle...)
					if stack[i] == m {
						break
					}
				}
				return true
			case white:
				if visit(m) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}
	for _, k := range keys {
		if color[k] == white && visit(k) {
			return cycle
		}
	}
	return nil
}

// SelectNextStory returns the next story to work on for a domain, or a
// terminal classification when none is selectable. Order is PRD priority
// ascending, then PRD creation order, then story declaration order. An
// in-flight active story is always returned first. Selection is
// read-only; asking about a domain with no stories at all is an error
// rather than an AllComplete.
func (e *Engine) SelectNextStory(dom string) (Selection, error) {
	if err := e.ValidateGraph(dom); err != nil {
		return Selection{}, err
	}
	var sel Selection
	err := e.inTx(func(tx *sql.Tx) error {
		stories, err := e.Repo.DomainStories(tx, dom)
		if err != nil {
			return err
		}
		if len(stories) == 0 {
			return fmt.Errorf("%w: %s", ErrEmptyDomain, dom)
		}
		prds, err := e.Repo.ListPRDs(tx, dom)
		if err != nil {
			return err
		}
		byID := make(map[string]domain.Story, len(stories))
		for _, s := range stories {
			byID[s.ID] = s
		}
		prdByID := make(map[string]domain.PRD, len(prds))
		for _, p := range prds {
			prdByID[p.ID] = p
		}
		prdDone := make(map[string]bool, len(prds))
		for _, p := range prds {
			done := true
			for _, s := range stories {
				if s.PRDID == p.ID && !domain.Terminal(s.Status) {
					done = false
					break
				}
			}
			prdDone[p.ID] = done
		}

		prdReady := func(p domain.PRD) bool {
			for _, dep := range p.DependsOn {
				if !prdDone[dep] {
					return false
				}
			}
			return true
		}
		depsSatisfied := func(s domain.Story) bool {
			for _, dep := range s.Dependencies {
				if !domain.Terminal(byID[dep].Status) {
					return false
				}
			}
			return true
		}

		for _, s := range stories {
			if s.Status == domain.StatusBlocked && prdByID[s.PRDID].Phase == domain.PhaseFoundation {
				sel.FoundationBlocked = s.ID
			}
		}

		// Resume a crashed or abandoned attempt before starting new work.
		for _, s := range stories {
			if s.Status == domain.StatusActive {
				sel.Kind = StoryFound
				sel.Story = s
				return nil
			}
		}

		for _, s := range stories {
			if s.Status != domain.StatusPending {
				continue
			}
			if !prdReady(prdByID[s.PRDID]) {
				continue
			}
			if !depsSatisfied(s) {
				continue
			}
			sel.Kind = StoryFound
			sel.Story = s
			return nil
		}

		// Nothing selectable. All terminal means done; otherwise the
		// remaining stories are gated on work that cannot finish.
		allDone := true
		for _, s := range stories {
			if !domain.Terminal(s.Status) {
				allDone = false
			}
			if s.Status == domain.StatusBlocked {
				sel.Blocked = append(sel.Blocked, s.ID)
			}
			if s.Status == domain.StatusPending {
				sel.Unreachable = append(sel.Unreachable, s.ID)
			}
		}
		if allDone {
			sel.Kind = AllComplete
			return nil
		}
		sel.Kind = Deadlock
		return nil
	})
	if err != nil {
		return Selection{}, err
	}
	return sel, nil
}
