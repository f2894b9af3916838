package transform

import (
	"testing"

	"github.com/caselens/loom/pkg/pipeline"
)

func TestRegistryEmptyNameIsIdentity(t *testing.T) {
	r := NewRegistry()
	rec := pipeline.Record{"court": "Cass."}

	out, err := r.Apply("", rec)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if got, ok := out.(pipeline.Record); !ok || got.GetString("court") != "Cass." {
		t.Fatalf("identity must return the record unchanged, got %+v", out)
	}
}

func TestRegistryUnknownNameFails(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Apply("no-such-strategy", pipeline.Record{}); err == nil {
		t.Fatalf("unknown strategy must be an error")
	}
}

func TestPickFields(t *testing.T) {
	r := NewRegistry()
	r.Register(PickFields{StrategyName: "court-only", Fields: []string{"court", "chamber"}})

	out, err := r.Apply("court-only", pipeline.Record{
		"court":    "Cass.",
		"chamber":  "1re ch.",
		"fullText": "very long text",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	picked, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("unexpected output type %T", out)
	}
	if len(picked) != 2 || picked["court"] != "Cass." {
		t.Fatalf("unexpected picked fields: %+v", picked)
	}
}

func TestFirstOfArray(t *testing.T) {
	r := NewRegistry()
	r.Register(FirstOfArray{StrategyName: "first-summary", Field: "summaries"})

	out, err := r.Apply("first-summary", pipeline.Record{
		"summaries": []any{"short", "long"},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if out != "short" {
		t.Fatalf("expected first element, got %v", out)
	}

	out, err = r.Apply("first-summary", pipeline.Record{})
	if err != nil || out != nil {
		t.Fatalf("absent field must yield nil, got %v (%v)", out, err)
	}
}

func TestScriptStrategy(t *testing.T) {
	script, err := NewScript("uppercase-court", `
		function transform(record) {
			return { court: String(record.court || "").toUpperCase() };
		}
	`)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	out, err := script.Apply(pipeline.Record{"court": "cass."})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	result, ok := out.(map[string]any)
	if !ok || result["court"] != "CASS." {
		t.Fatalf("unexpected script output: %+v", out)
	}
}

func TestScriptCompileError(t *testing.T) {
	if _, err := NewScript("broken", "function transform( {"); err == nil {
		t.Fatalf("syntax error must fail at definition time")
	}
}

func TestScriptMissingTransformFunction(t *testing.T) {
	script, err := NewScript("no-fn", `var x = 1;`)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if _, err := script.Apply(pipeline.Record{}); err == nil {
		t.Fatalf("script without transform(record) must fail")
	}
}
