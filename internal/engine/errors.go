package engine

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError rejects an operation before anything is written.
type ValidationError struct {
	Status string
	Reason string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Status != "" {
		fmt.Fprintf(&b, "cannot transition to %q", e.Status)
		if e.Reason != "" {
			b.WriteString(": ")
		}
	}
	b.WriteString(e.Reason)
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+e.Fields[k])
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("(" + strings.Join(parts, "; ") + ")")
	}
	return b.String()
}

// PersistenceError wraps a failed store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *PersistenceError) Unwrap() error { return e.Err }

// SideEffectError describes a failed auto-ticket job. It is logged and
// recorded on the ticket, never returned from a status change.
type SideEffectError struct {
	TicketID  string
	ProjectID string
	Err       error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("auto ticket %s for project %s: %v", e.TicketID, e.ProjectID, e.Err)
}

func (e *SideEffectError) Unwrap() error { return e.Err }
