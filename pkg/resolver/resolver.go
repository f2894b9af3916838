// Package resolver preloads and indexes the persisted output of a job's
// upstream dependencies, then enriches each row with one field per
// dependency alias before the row is dispatched for processing.
package resolver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	loomerrors "github.com/caselens/loom/pkg/errors"
	"github.com/caselens/loom/pkg/pipeline"
	"github.com/caselens/loom/pkg/transform"
)

// Loader supplies an upstream job's persisted extraction records.
type Loader interface {
	LoadLatestExtracted(jobID string) ([]pipeline.Record, error)
}

// DependencyIndex maps composite-key strings to upstream records. Built once
// per run; read-only afterwards, so workers share it without locking.
type DependencyIndex struct {
	jobID string

	// records is keyed by the declared composite key.
	records map[string]pipeline.Record

	// fallback is keyed by the canonical default key, used when an upstream
	// record lacks the declared join fields but is present under the
	// canonical key.
	fallback map[string]pipeline.Record
}

// Len returns the number of records indexed under the declared key.
func (idx *DependencyIndex) Len() int {
	return len(idx.records)
}

// Lookup returns the record under the declared composite key.
func (idx *DependencyIndex) Lookup(key string) (pipeline.Record, bool) {
	rec, ok := idx.records[key]
	return rec, ok
}

// LookupFallback returns the record under the canonical default key.
func (idx *DependencyIndex) LookupFallback(key string) (pipeline.Record, bool) {
	rec, ok := idx.fallback[key]
	return rec, ok
}

// Resolver enriches rows for one job. Preload must complete before Enrich is
// called; after Preload the resolver is read-only and safe for concurrent
// use by all workers.
type Resolver struct {
	job        *pipeline.JobDefinition
	loader     Loader
	transforms *transform.Registry
	logger     *zap.Logger

	indexes     map[string]*DependencyIndex // by alias
	unavailable map[string]bool             // alias -> optional preload failed
}

// New creates a resolver for the job's declared dependencies.
func New(job *pipeline.JobDefinition, loader Loader, transforms *transform.Registry, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if transforms == nil {
		transforms = transform.NewRegistry()
	}
	return &Resolver{
		job:         job,
		loader:      loader,
		transforms:  transforms,
		logger:      logger,
		indexes:     make(map[string]*DependencyIndex),
		unavailable: make(map[string]bool),
	}
}

// Preload loads and indexes every configured dependency's persisted output
// once. A required dependency whose output cannot be loaded at all aborts
// the run; an optional one gets an empty index and is flagged unavailable so
// every row records the miss.
func (r *Resolver) Preload(ctx context.Context) error {
	for _, dep := range r.job.Dependencies {
		if err := ctx.Err(); err != nil {
			return err
		}

		records, err := r.loader.LoadLatestExtracted(dep.JobID)
		if err != nil {
			if dep.Required {
				return loomerrors.NewError("DEPENDENCY_UNAVAILABLE",
					fmt.Sprintf("required dependency %q (job %s) has no persisted output", dep.Alias, dep.JobID),
					loomerrors.ErrDependencyUnavailable)
			}
			r.logger.Warn("Optional dependency unavailable, continuing with empty index",
				zap.String("alias", dep.Alias),
				zap.String("dependency_job", dep.JobID),
				zap.Error(err))
			r.indexes[dep.Alias] = &DependencyIndex{jobID: dep.JobID}
			r.unavailable[dep.Alias] = true
			continue
		}

		r.indexes[dep.Alias] = r.buildIndex(dep, records)
		r.logger.Info("Preloaded dependency",
			zap.String("alias", dep.Alias),
			zap.String("dependency_job", dep.JobID),
			zap.Int("records", len(records)),
			zap.Int("indexed", r.indexes[dep.Alias].Len()))
	}
	return nil
}

// buildIndex indexes upstream records under the declared composite key and
// the canonical default key. Records whose declared key is invalid are still
// reachable through the fallback index.
func (r *Resolver) buildIndex(dep pipeline.DependencyLink, records []pipeline.Record) *DependencyIndex {
	idx := &DependencyIndex{
		jobID:    dep.JobID,
		records:  make(map[string]pipeline.Record, len(records)),
		fallback: make(map[string]pipeline.Record, len(records)),
	}

	for _, rec := range records {
		if key, ok := r.depKey(dep, rec); ok {
			idx.records[key] = rec
		}
		if key, ok := r.fieldsKey(rec, pipeline.DefaultKeyFields); ok {
			idx.fallback[key] = rec
		}
	}
	return idx
}

// Enrich returns a copy of the row with one field per dependency alias
// attached. Misses never fail enrichment; they attach nil and record a
// diagnostic on the row.
func (r *Resolver) Enrich(row pipeline.Record) (pipeline.Record, error) {
	enriched := row.Clone()

	for _, dep := range r.job.Dependencies {
		idx, ok := r.indexes[dep.Alias]
		if !ok {
			return nil, fmt.Errorf("dependency %q not preloaded; call Preload first", dep.Alias)
		}

		if r.unavailable[dep.Alias] {
			enriched[dep.Alias] = nil
			enriched.AddMissingDependency(pipeline.MissingDependency{
				Alias:  dep.Alias,
				JobID:  dep.JobID,
				Reason: pipeline.ReasonDependencyUnavailable,
			})
			continue
		}

		key, keyOK := r.rowKey(dep, enriched)
		if keyOK {
			if rec, found := idx.Lookup(key); found {
				if err := r.attach(dep, enriched, rec); err != nil {
					return nil, err
				}
				continue
			}
		}

		// Declared key missed (or was invalid): try the canonical default
		// key before giving up. Fallback hits are recorded so silent
		// mismatches stay auditable.
		if fbKey, fbOK := r.fieldsKey(enriched, pipeline.DefaultKeyFields); fbOK {
			if rec, found := idx.LookupFallback(fbKey); found {
				if err := r.attach(dep, enriched, rec); err != nil {
					return nil, err
				}
				enriched.AddMissingDependency(pipeline.MissingDependency{
					Alias:  dep.Alias,
					JobID:  dep.JobID,
					Reason: pipeline.ReasonFallbackKeyUsed,
					Key:    fbKey,
				})
				continue
			}
		}

		reason := pipeline.ReasonRecordNotFound
		if !keyOK {
			reason = pipeline.ReasonInvalidJoinKey
		}
		enriched[dep.Alias] = nil
		enriched.AddMissingDependency(pipeline.MissingDependency{
			Alias:  dep.Alias,
			JobID:  dep.JobID,
			Reason: reason,
			Key:    key,
		})
	}

	return enriched, nil
}

// attach applies the dependency's transform strategy and sets the alias.
func (r *Resolver) attach(dep pipeline.DependencyLink, row pipeline.Record, rec pipeline.Record) error {
	value, err := r.transforms.Apply(dep.Transform, rec)
	if err != nil {
		return fmt.Errorf("transform %q for dependency %q failed: %w", dep.Transform, dep.Alias, err)
	}
	row[dep.Alias] = value
	return nil
}

// MissingRequired returns the first required dependency recorded as missing
// on the row, letting the caller decide to skip it.
func (r *Resolver) MissingRequired(row pipeline.Record) *pipeline.MissingDependency {
	required := make(map[string]bool, len(r.job.Dependencies))
	for _, dep := range r.job.Dependencies {
		if dep.Required {
			required[dep.Alias] = true
		}
	}
	for _, md := range row.MissingDependencies() {
		if md.Reason == pipeline.ReasonFallbackKeyUsed {
			continue
		}
		if required[md.Alias] {
			found := md
			return &found
		}
	}
	return nil
}

// rowKey builds the row-side composite key for a dependency, resolving each
// field through the job's alias chains in declared order.
func (r *Resolver) rowKey(dep pipeline.DependencyLink, row pipeline.Record) (string, bool) {
	parts := make([]string, 0, len(dep.JoinFields))
	for _, pair := range dep.JoinFields {
		parts = append(parts, row.FirstString(r.job.Aliases(pair.RowField)...))
	}
	return pipeline.BuildKey(parts...)
}

// depKey builds the dependency-side composite key for an upstream record.
func (r *Resolver) depKey(dep pipeline.DependencyLink, rec pipeline.Record) (string, bool) {
	parts := make([]string, 0, len(dep.JoinFields))
	for _, pair := range dep.JoinFields {
		parts = append(parts, rec.FirstString(r.job.Aliases(pair.DepField)...))
	}
	return pipeline.BuildKey(parts...)
}

// fieldsKey builds a key from the given fields of a record, with alias
// resolution.
func (r *Resolver) fieldsKey(rec pipeline.Record, fields []string) (string, bool) {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, rec.FirstString(r.job.Aliases(f)...))
	}
	return pipeline.BuildKey(parts...)
}
