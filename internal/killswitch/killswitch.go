// Package killswitch evaluates operator-controlled switches against a context of
// string fields. A switch holds a list of conditions; a condition maps context
// fields to glob patterns.
package killswitch

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/gobwas/glob"
)

const (
	SymbolicateLPQNever  = "store.symbolicate-event-lpq-never"
	SymbolicateLPQAlways = "store.symbolicate-event-lpq-always"
	LoadShedSymbolicate  = "store.load-shed-symbolicate-event-projects"
	LoadShedProcess      = "store.load-shed-process-event-projects"
)

// Context is the set of fields a switch is evaluated against, e.g. project_id.
type Context map[string]string

// Config is the raw switch configuration: switch name to conditions.
type Config map[string][]map[string]string

type condition map[string]glob.Glob

type snapshot struct {
	switches map[string][]condition
}

// Evaluator answers Matches against the current snapshot. Snapshots are replaced
// atomically, so readers never see a partially applied config.
type Evaluator struct {
	current atomic.Pointer[snapshot]
}

func NewEvaluator() *Evaluator {
	e := &Evaluator{}
	e.current.Store(&snapshot{})
	return e
}

// Apply compiles cfg and swaps it in. On error the previous snapshot stays active.
func (e *Evaluator) Apply(cfg Config) error {
	s, err := compile(cfg)
	if err != nil {
		return err
	}
	e.current.Store(s)
	return nil
}

// Matches reports whether any condition of the named switch matches ctx. All
// fields of a condition must match. A field missing from ctx never matches.
func (e *Evaluator) Matches(name string, ctx Context) bool {
	for _, cond := range e.current.Load().switches[name] {
		if cond.matches(ctx) {
			return true
		}
	}
	return false
}

// Names lists the switches of the active snapshot.
func (e *Evaluator) Names() []string {
	s := e.current.Load()
	names := make([]string, 0, len(s.switches))
	for name := range s.switches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c condition) matches(ctx Context) bool {
	for field, pattern := range c {
		value, ok := ctx[field]
		if !ok || !pattern.Match(value) {
			return false
		}
	}
	return true
}

func compile(cfg Config) (*snapshot, error) {
	s := &snapshot{switches: make(map[string][]condition, len(cfg))}
	for name, conds := range cfg {
		compiled := make([]condition, 0, len(conds))
		for i, raw := range conds {
			cond := make(condition, len(raw))
			for field, pattern := range raw {
				g, err := glob.Compile(pattern)
				if err != nil {
					return nil, fmt.Errorf("switch %s condition %d field %s: %w", name, i, field, err)
				}
				cond[field] = g
			}
			compiled = append(compiled, cond)
		}
		s.switches[name] = compiled
	}
	return s, nil
}
