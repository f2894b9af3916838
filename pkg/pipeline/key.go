package pipeline

import (
	"fmt"
	"strings"
)

// KeySeparator joins the components of a composite key. Persisted item file
// names use the joined form, so downstream resolvers can re-derive the key
// without re-deriving business logic.
const KeySeparator = "__"

// BuildKey joins the component values of a composite key in declared order.
// It returns ok=false when any component is empty, in which case the key is
// invalid and the row must be treated as unmatched, never as an error.
func BuildKey(parts ...string) (string, bool) {
	for _, p := range parts {
		if p == "" {
			return "", false
		}
	}
	return strings.Join(parts, KeySeparator), true
}

// DefaultKeyFields is the canonical two-field key used as the per-row
// fallback lookup when a declared composite key misses.
var DefaultKeyFields = []string{"decision_id", "language"}

// ItemKey builds a row's composite item key from the job's declared key
// fields, resolving each through the job's alias chains. Rows whose key
// cannot be built get a sequence-derived placeholder so every item stays
// individually addressable.
func ItemKey(job *JobDefinition, row Record, seq int) string {
	parts := make([]string, 0, len(job.KeyFields))
	for _, f := range job.KeyFields {
		parts = append(parts, row.FirstString(job.Aliases(f)...))
	}
	if key, ok := BuildKey(parts...); ok {
		return key
	}
	return fmt.Sprintf("item-%06d", seq)
}
