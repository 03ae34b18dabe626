// Package counters enumerates hardware performance events and packs them
// into sampling groups the PMU can count simultaneously.
package counters

import (
	"fmt"
	"strings"

	"github.com/dshills/autoperf/internal/fault"
)

// ID names a PMU event, e.g. "PAPI_L1_DCM".
type ID string

// Safe is the id with every character that is unsafe in a path component
// replaced by '_'.
func (id ID) Safe() string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, string(id))
}

// Group is a set of counters sampled during one workload execution.
type Group []ID

// Schedule is an immutable ordered list of disjoint groups covering the
// configured counter set.
type Schedule struct {
	budget int
	ids    []ID
	groups []Group
}

// Load packs ids in input order into ceil(len(ids)/budget) groups, each
// holding at most budget counters.
func Load(ids []ID, budget int) (*Schedule, error) {
	if budget < 1 {
		return nil, fmt.Errorf("%w: hardware counter budget must be >= 1, got %d", fault.ErrInvalidConfig, budget)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: counter set is empty", fault.ErrInvalidConfig)
	}

	seen := make(map[ID]bool, len(ids))
	safe := make(map[string]ID, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(string(id)) == "" {
			return nil, fmt.Errorf("%w: empty counter id", fault.ErrInvalidConfig)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate counter %q", fault.ErrInvalidConfig, id)
		}
		seen[id] = true
		if other, ok := safe[id.Safe()]; ok {
			return nil, fmt.Errorf("%w: counters %q and %q would share the file name %q",
				fault.ErrInvalidConfig, other, id, id.Safe())
		}
		safe[id.Safe()] = id
	}

	s := &Schedule{budget: budget, ids: append([]ID(nil), ids...)}
	for start := 0; start < len(s.ids); start += budget {
		end := min(start+budget, len(s.ids))
		s.groups = append(s.groups, Group(s.ids[start:end:end]))
	}
	return s, nil
}

// Groups returns a copy of the sampling groups in execution order.
func (s *Schedule) Groups() []Group {
	out := make([]Group, len(s.groups))
	for i, g := range s.groups {
		out[i] = append(Group(nil), g...)
	}
	return out
}

// Counters returns a copy of every scheduled counter in input order.
func (s *Schedule) Counters() []ID {
	return append([]ID(nil), s.ids...)
}

// Len reports the number of scheduled counters.
func (s *Schedule) Len() int { return len(s.ids) }

// Budget reports the per-group counter limit.
func (s *Schedule) Budget() int { return s.budget }

// Strings returns the counter ids as plain strings.
func (s *Schedule) Strings() []string {
	out := make([]string, len(s.ids))
	for i, id := range s.ids {
		out[i] = string(id)
	}
	return out
}

// Join renders a group as a comma-separated list for the profiler environment.
func (g Group) Join() string {
	parts := make([]string, len(g))
	for i, id := range g {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}
