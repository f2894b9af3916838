package results

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeItemFile(t *testing.T, dir, name string, doc map[string]any) {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestScanProvisionCounts(t *testing.T) {
	dir := t.TempDir()

	writeItemFile(t, dir, "d-1__fr.json", map[string]any{
		"data": map[string]any{
			"decision_id":     "d-1",
			"citedProvisions": []any{"a", "b", "c"},
		},
	})
	// Bare payload without the "data" wrapper is accepted too.
	writeItemFile(t, dir, "d-2__nl.json", map[string]any{
		"decision_id":     "d-2",
		"citedProvisions": []any{"a"},
	})
	writeItemFile(t, dir, "d-3__de.json", map[string]any{
		"decision_id": "d-3",
	})
	if err := os.WriteFile(filepath.Join(dir, "corrupt.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	report, err := ScanProvisionCounts(dir, 2)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if report.Decisions != 3 {
		t.Fatalf("decisions = %d, want 3 (corrupt file skipped)", report.Decisions)
	}
	if report.TotalProvisions != 4 {
		t.Fatalf("total = %d, want 4", report.TotalProvisions)
	}
	if len(report.Top) != 2 || report.Top[0].DecisionID != "d-1" {
		t.Fatalf("unexpected top list: %+v", report.Top)
	}
}

func TestScanProvisionCountsEmptyDir(t *testing.T) {
	report, err := ScanProvisionCounts(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if report.Decisions != 0 || report.Average != 0 {
		t.Fatalf("empty scan must report zeros: %+v", report)
	}
}
