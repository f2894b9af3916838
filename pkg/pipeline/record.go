// Package pipeline defines the core data model shared by the extraction
// pipeline engine: rows, work items, job definitions, dependency links and
// per-item execution results.
package pipeline

// Record is one loosely structured row of source data. Enrichment attaches
// dependency payloads under their alias; the record otherwise carries the
// fields of the originating store row.
type Record map[string]any

// missingDependenciesField holds per-row dependency diagnostics. The leading
// underscores keep it out of the way of normal field iteration.
const missingDependenciesField = "__missingDependencies"

// Dependency-miss reasons recorded on rows during enrichment.
const (
	ReasonDependencyUnavailable = "dependency_unavailable"
	ReasonRecordNotFound        = "record_not_found"
	ReasonInvalidJoinKey        = "invalid_join_key"
	ReasonFallbackKeyUsed       = "fallback_key_used"
)

// MissingDependency describes a dependency that could not be attached (or was
// attached through the fallback key) for one row.
type MissingDependency struct {
	Alias  string `json:"alias"`
	JobID  string `json:"jobId"`
	Reason string `json:"reason"`
	Key    string `json:"key,omitempty"`
}

// Clone returns a shallow copy of the record. Dependency enrichment always
// operates on a clone so the caller's row is never mutated.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// GetString returns the field as a string, or "" when the field is absent,
// nil or not a string.
func (r Record) GetString(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// FirstString resolves a logical field through an ordered list of candidate
// field names, returning the first non-empty value. This backs the
// bilingual/legacy field fallbacks (for example language, language_metadata,
// proceduralLanguage).
func (r Record) FirstString(fields ...string) string {
	for _, f := range fields {
		if s := r.GetString(f); s != "" {
			return s
		}
	}
	return ""
}

// AddMissingDependency appends a dependency diagnostic to the row.
func (r Record) AddMissingDependency(md MissingDependency) {
	existing := r.MissingDependencies()
	r[missingDependenciesField] = append(existing, md)
}

// MissingDependencies returns the dependency diagnostics recorded on the row.
func (r Record) MissingDependencies() []MissingDependency {
	v, ok := r[missingDependenciesField]
	if !ok {
		return nil
	}
	mds, _ := v.([]MissingDependency)
	return mds
}
