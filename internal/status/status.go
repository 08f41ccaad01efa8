package status

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Definition describes one lifecycle status.
// A nil AllowedTransitions means the list was never configured; an empty
// list marks the status as terminal.
type Definition struct {
	Order              int      `json:"order" yaml:"order"`
	Color              string   `json:"color,omitempty" yaml:"color"`
	Description        string   `json:"description,omitempty" yaml:"description"`
	AllowedTransitions []string `json:"allowedTransitions" yaml:"allowed_transitions"`
	TriggersAutoTicket bool     `json:"triggerAutoTicket,omitempty" yaml:"triggers_auto_ticket"`
}

// FallbackPolicy decides what happens to statuses without a transition list.
type FallbackPolicy string

const (
	// FallbackNone rejects tables with unconfigured non-terminal statuses.
	FallbackNone FallbackPolicy = "none"
	// FallbackSequential offers the next two statuses by order, then the terminal.
	FallbackSequential FallbackPolicy = "sequential"
)

const fallbackWidth = 2

var ErrInvalidTable = errors.New("invalid status table")

// Table is an immutable, validated set of status definitions.
type Table struct {
	defs     map[string]Definition
	names    []string
	terminal string
	fallback FallbackPolicy
}

// New validates defs and builds a Table.
func New(defs map[string]Definition, fallback FallbackPolicy) (*Table, error) {
	if fallback == "" {
		fallback = FallbackNone
	}
	if fallback != FallbackNone && fallback != FallbackSequential {
		return nil, fmt.Errorf("%w: unknown fallback policy %q", ErrInvalidTable, fallback)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no statuses defined", ErrInvalidTable)
	}
	t := &Table{defs: make(map[string]Definition, len(defs)), fallback: fallback}
	orders := make(map[int]string, len(defs))
	for name, d := range defs {
		if name == "" {
			return nil, fmt.Errorf("%w: empty status name", ErrInvalidTable)
		}
		if d.Order <= 0 {
			return nil, fmt.Errorf("%w: status %s has non-positive order %d", ErrInvalidTable, name, d.Order)
		}
		if other, ok := orders[d.Order]; ok {
			return nil, fmt.Errorf("%w: statuses %s and %s share order %d", ErrInvalidTable, other, name, d.Order)
		}
		orders[d.Order] = name
		if d.AllowedTransitions != nil {
			d.AllowedTransitions = append([]string{}, d.AllowedTransitions...)
		}
		t.defs[name] = d
		t.names = append(t.names, name)
	}
	sort.Slice(t.names, func(i, j int) bool { return t.defs[t.names[i]].Order < t.defs[t.names[j]].Order })
	t.terminal = t.names[len(t.names)-1]

	for _, name := range t.names {
		d := t.defs[name]
		for _, target := range d.AllowedTransitions {
			td, ok := t.defs[target]
			if !ok {
				return nil, fmt.Errorf("%w: %s allows unknown status %s", ErrInvalidTable, name, target)
			}
			if td.Order <= d.Order {
				return nil, fmt.Errorf("%w: %s -> %s does not move forward", ErrInvalidTable, name, target)
			}
		}
		if name == t.terminal {
			if len(d.AllowedTransitions) > 0 {
				return nil, fmt.Errorf("%w: highest status %s must be terminal", ErrInvalidTable, name)
			}
			continue
		}
		if d.AllowedTransitions == nil {
			if fallback == FallbackNone {
				return nil, fmt.Errorf("%w: %s has no allowed transitions configured", ErrInvalidTable, name)
			}
			continue
		}
		if len(d.AllowedTransitions) == 0 {
			return nil, fmt.Errorf("%w: %s is terminal but %s is the highest status", ErrInvalidTable, name, t.terminal)
		}
	}
	return t, nil
}

// AllowedTransitions lists the statuses reachable from current.
func (t *Table) AllowedTransitions(current string) []string {
	d, known := t.defs[current]
	if known && d.AllowedTransitions != nil {
		return append([]string{}, d.AllowedTransitions...)
	}
	if t.fallback != FallbackSequential {
		return nil
	}
	order := 1
	if known {
		order = d.Order
	}
	var out []string
	for _, name := range t.names {
		if t.defs[name].Order > order {
			out = append(out, name)
			if len(out) == fallbackWidth {
				break
			}
		}
	}
	// Only an unknown status in a single-status table gets here.
	if len(out) == 0 && current != t.terminal {
		out = []string{t.terminal}
	}
	return out
}

// CanTransition reports whether target is reachable from current.
func (t *Table) CanTransition(current, target string) bool {
	if target == "" {
		return false
	}
	for _, s := range t.AllowedTransitions(current) {
		if s == target {
			return true
		}
	}
	return false
}

func (t *Table) Has(name string) bool {
	_, ok := t.defs[name]
	return ok
}

func (t *Table) Definition(name string) (Definition, bool) {
	d, ok := t.defs[name]
	return d, ok
}

func (t *Table) Order(name string) (int, bool) {
	d, ok := t.defs[name]
	return d.Order, ok
}

func (t *Table) MaxOrder() int {
	return t.defs[t.terminal].Order
}

// Initial is the status with the lowest order.
func (t *Table) Initial() string {
	return t.names[0]
}

func (t *Table) Terminal() string {
	return t.terminal
}

func (t *Table) IsTerminal(name string) bool {
	return name == t.terminal
}

func (t *Table) TriggersAutoTicket(name string) bool {
	return t.defs[name].TriggersAutoTicket
}

// Progress is round(order/maxOrder*100). Unknown statuses count as order 1.
func (t *Table) Progress(name string) int {
	order, ok := t.Order(name)
	if !ok {
		order = 1
	}
	return int(math.Round(float64(order) / float64(t.MaxOrder()) * 100))
}

// Names returns statuses in ascending order.
func (t *Table) Names() []string {
	return append([]string{}, t.names...)
}

// Definitions returns a copy of the underlying definitions.
func (t *Table) Definitions() map[string]Definition {
	out := make(map[string]Definition, len(t.defs))
	for name, d := range t.defs {
		if d.AllowedTransitions != nil {
			d.AllowedTransitions = append([]string{}, d.AllowedTransitions...)
		}
		out[name] = d
	}
	return out
}

func (t *Table) Fallback() FallbackPolicy {
	return t.fallback
}
