package resolver

import (
	"context"
	"errors"
	"testing"

	loomerrors "github.com/caselens/loom/pkg/errors"
	"github.com/caselens/loom/pkg/pipeline"
)

// stubLoader serves canned upstream records per job id.
type stubLoader struct {
	records map[string][]pipeline.Record
}

func (s *stubLoader) LoadLatestExtracted(jobID string) ([]pipeline.Record, error) {
	recs, ok := s.records[jobID]
	if !ok {
		return nil, errors.New("no persisted runs for job " + jobID)
	}
	return recs, nil
}

func testJob(deps ...pipeline.DependencyLink) *pipeline.JobDefinition {
	return &pipeline.JobDefinition{
		ID:        "provisions",
		KeyFields: []string{"decision_id", "language"},
		FieldAliases: map[string][]string{
			"language": {"language", "language_metadata", "proceduralLanguage"},
		},
		Source: pipeline.StaticSource(nil),
		Process: func(_ context.Context, _ *pipeline.WorkItem) (any, *pipeline.TokenUsage, error) {
			return nil, nil, nil
		},
		Dependencies: deps,
	}
}

func metaDep(required bool) pipeline.DependencyLink {
	return pipeline.DependencyLink{
		Alias: "meta",
		JobID: "metadata",
		JoinFields: []pipeline.FieldPair{
			{RowField: "decision_id", DepField: "decision_id"},
			{RowField: "language", DepField: "language"},
		},
		Required: required,
	}
}

func TestEnrichAttachesByDeclaredKey(t *testing.T) {
	loader := &stubLoader{records: map[string][]pipeline.Record{
		"metadata": {{"decision_id": "d-1", "language": "fr", "court": "Cass."}},
	}}

	r := New(testJob(metaDep(true)), loader, nil, nil)
	if err := r.Preload(context.Background()); err != nil {
		t.Fatalf("preload failed: %v", err)
	}

	row, err := r.Enrich(pipeline.Record{"decision_id": "d-1", "language": "fr"})
	if err != nil {
		t.Fatalf("enrich failed: %v", err)
	}

	attached, ok := row["meta"].(pipeline.Record)
	if !ok || attached.GetString("court") != "Cass." {
		t.Fatalf("dependency not attached: %+v", row["meta"])
	}
	if len(row.MissingDependencies()) != 0 {
		t.Fatalf("unexpected diagnostics: %+v", row.MissingDependencies())
	}
}

func TestEnrichUsesAliasChainOnRowSide(t *testing.T) {
	loader := &stubLoader{records: map[string][]pipeline.Record{
		"metadata": {{"decision_id": "d-1", "language": "nl", "court": "RvS"}},
	}}

	r := New(testJob(metaDep(true)), loader, nil, nil)
	if err := r.Preload(context.Background()); err != nil {
		t.Fatalf("preload failed: %v", err)
	}

	// Row stores language under a legacy field name.
	row, err := r.Enrich(pipeline.Record{"decision_id": "d-1", "proceduralLanguage": "nl"})
	if err != nil {
		t.Fatalf("enrich failed: %v", err)
	}
	if row["meta"] == nil {
		t.Fatalf("alias chain lookup failed: %+v", row)
	}
}

func TestEnrichInvalidJoinKeyIsUnmatchedNotError(t *testing.T) {
	loader := &stubLoader{records: map[string][]pipeline.Record{
		"metadata": {{"decision_id": "d-1", "language": "fr"}},
	}}

	r := New(testJob(metaDep(false)), loader, nil, nil)
	if err := r.Preload(context.Background()); err != nil {
		t.Fatalf("preload failed: %v", err)
	}

	// Language missing entirely: the declared key (and the fallback key)
	// cannot be built.
	row, err := r.Enrich(pipeline.Record{"decision_id": "d-1"})
	if err != nil {
		t.Fatalf("invalid key must not be an error: %v", err)
	}
	if row["meta"] != nil {
		t.Fatalf("unmatched dependency must attach nil")
	}

	mds := row.MissingDependencies()
	if len(mds) != 1 || mds[0].Reason != pipeline.ReasonInvalidJoinKey {
		t.Fatalf("expected invalid_join_key diagnostic, got %+v", mds)
	}
}

func TestEnrichFallsBackToDefaultKey(t *testing.T) {
	dep := pipeline.DependencyLink{
		Alias: "meta",
		JobID: "metadata",
		JoinFields: []pipeline.FieldPair{
			// The declared join uses a field the upstream records lack, so
			// the declared index stays empty.
			{RowField: "registry_number", DepField: "registry_number"},
		},
	}
	loader := &stubLoader{records: map[string][]pipeline.Record{
		"metadata": {{"decision_id": "d-1", "language": "fr", "court": "Cass."}},
	}}

	r := New(testJob(dep), loader, nil, nil)
	if err := r.Preload(context.Background()); err != nil {
		t.Fatalf("preload failed: %v", err)
	}

	row, err := r.Enrich(pipeline.Record{
		"registry_number": "R.123",
		"decision_id":     "d-1",
		"language":        "fr",
	})
	if err != nil {
		t.Fatalf("enrich failed: %v", err)
	}
	if row["meta"] == nil {
		t.Fatalf("fallback key lookup failed")
	}

	mds := row.MissingDependencies()
	if len(mds) != 1 || mds[0].Reason != pipeline.ReasonFallbackKeyUsed {
		t.Fatalf("fallback hit must be recorded, got %+v", mds)
	}
}

func TestPreloadRequiredUnavailableAborts(t *testing.T) {
	r := New(testJob(metaDep(true)), &stubLoader{records: map[string][]pipeline.Record{}}, nil, nil)
	err := r.Preload(context.Background())
	if !errors.Is(err, loomerrors.ErrDependencyUnavailable) {
		t.Fatalf("err = %v, want dependency unavailable", err)
	}
}

func TestPreloadOptionalUnavailableContinues(t *testing.T) {
	r := New(testJob(metaDep(false)), &stubLoader{records: map[string][]pipeline.Record{}}, nil, nil)
	if err := r.Preload(context.Background()); err != nil {
		t.Fatalf("optional dependency must not abort preload: %v", err)
	}

	row, err := r.Enrich(pipeline.Record{"decision_id": "d-1", "language": "fr"})
	if err != nil {
		t.Fatalf("enrich failed: %v", err)
	}
	mds := row.MissingDependencies()
	if len(mds) != 1 || mds[0].Reason != pipeline.ReasonDependencyUnavailable {
		t.Fatalf("expected dependency_unavailable diagnostic, got %+v", mds)
	}
}

func TestMissingRequiredSkipsFallbackHits(t *testing.T) {
	r := New(testJob(metaDep(true)), &stubLoader{records: map[string][]pipeline.Record{"metadata": {}}}, nil, nil)

	row := pipeline.Record{"decision_id": "d-1"}
	row.AddMissingDependency(pipeline.MissingDependency{
		Alias: "meta", JobID: "metadata", Reason: pipeline.ReasonFallbackKeyUsed,
	})
	if r.MissingRequired(row) != nil {
		t.Fatalf("fallback hits are attachments, not misses")
	}

	row.AddMissingDependency(pipeline.MissingDependency{
		Alias: "meta", JobID: "metadata", Reason: pipeline.ReasonRecordNotFound,
	})
	miss := r.MissingRequired(row)
	if miss == nil || miss.Reason != pipeline.ReasonRecordNotFound {
		t.Fatalf("expected required miss, got %+v", miss)
	}
}

func TestEnrichDoesNotMutateInput(t *testing.T) {
	loader := &stubLoader{records: map[string][]pipeline.Record{
		"metadata": {{"decision_id": "d-1", "language": "fr"}},
	}}
	r := New(testJob(metaDep(false)), loader, nil, nil)
	if err := r.Preload(context.Background()); err != nil {
		t.Fatalf("preload failed: %v", err)
	}

	original := pipeline.Record{"decision_id": "d-1", "language": "fr"}
	if _, err := r.Enrich(original); err != nil {
		t.Fatalf("enrich failed: %v", err)
	}
	if _, ok := original["meta"]; ok {
		t.Fatalf("enrich mutated the caller's row")
	}
}
