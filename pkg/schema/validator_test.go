package schema

import (
	"context"
	"errors"
	"testing"
	"time"

	loomerrors "github.com/caselens/loom/pkg/errors"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func decisionSchema() *Schema {
	return &Schema{
		Name: "decision-summary",
		Type: TypeObject,
		Properties: map[string]*Property{
			"decision_id": {
				Type:     TypeString,
				Required: true,
				Validation: &ValidationRules{
					MinLength: intPtr(1),
					Pattern:   `^ECLI:`,
				},
			},
			"language": {
				Type:     TypeString,
				Required: true,
				Validation: &ValidationRules{
					Enum: []string{"fr", "nl", "de"},
				},
			},
			"citedProvisions": {
				Type: TypeArray,
				Validation: &ValidationRules{
					MaxItems:    intPtr(3),
					UniqueItems: true,
				},
				Items: &Property{
					Type: TypeObject,
					Properties: map[string]*Property{
						"article": {Type: TypeString, Required: true},
						"weight":  {Type: TypeNumber, Validation: &ValidationRules{Minimum: floatPtr(0)}},
					},
				},
			},
		},
	}
}

func TestValidateAcceptsConformingCandidate(t *testing.T) {
	compiled, err := Compile(decisionSchema())
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	candidate := map[string]any{
		"decision_id": "ECLI:BE:2024:123",
		"language":    "fr",
		"citedProvisions": []any{
			map[string]any{"article": "art. 1382", "weight": float64(2)},
		},
	}

	result, err := compiled.Validate(context.Background(), candidate)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid, got errors: %+v", result.Errors)
	}
}

func TestValidateCollectsViolations(t *testing.T) {
	compiled, err := Compile(decisionSchema())
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	candidate := map[string]any{
		"decision_id": "not-an-ecli",
		"language":    "en",
		"citedProvisions": []any{
			map[string]any{"weight": float64(-1)},
		},
	}

	result, err := compiled.Validate(context.Background(), candidate)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if result.Valid {
		t.Fatalf("expected invalid result")
	}

	codes := make(map[string]bool)
	for _, ve := range result.Errors {
		codes[ve.Code] = true
	}
	for _, want := range []string{"PATTERN_MISMATCH", "ENUM_MISMATCH", "REQUIRED", "MIN_VALUE"} {
		if !codes[want] {
			t.Fatalf("missing violation %s in %+v", want, result.Errors)
		}
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	compiled, err := Compile(decisionSchema())
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	result, err := compiled.Validate(context.Background(), map[string]any{
		"decision_id": 42,
		"language":    "fr",
	})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if result.Valid {
		t.Fatalf("expected type mismatch")
	}
	if result.Errors[0].Code != "TYPE_MISMATCH" {
		t.Fatalf("code = %s, want TYPE_MISMATCH", result.Errors[0].Code)
	}
}

func TestValidateStopsOnCancelledContext(t *testing.T) {
	compiled, err := Compile(decisionSchema())
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := compiled.Validate(ctx, map[string]any{"decision_id": "ECLI:X"}); err == nil {
		t.Fatalf("cancelled context must abort validation")
	}
}

func TestCompileRejectsBadPattern(t *testing.T) {
	_, err := Compile(&Schema{
		Name: "bad",
		Type: TypeObject,
		Properties: map[string]*Property{
			"field": {Type: TypeString, Validation: &ValidationRules{Pattern: "("}},
		},
	})
	if err == nil {
		t.Fatalf("malformed pattern must fail at compile time")
	}
}

func TestRegistryValidateTimeout(t *testing.T) {
	registry := NewRegistry(time.Nanosecond)
	if err := registry.Register("summaries", decisionSchema()); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// The nanosecond budget is spent before the walk reaches its first
	// property boundary.
	time.Sleep(time.Millisecond)

	_, err := registry.Validate(context.Background(), "summaries", map[string]any{"decision_id": "ECLI:X"})
	if !errors.Is(err, loomerrors.ErrValidationTimeout) {
		t.Fatalf("err = %v, want validation timeout", err)
	}
}

func TestRegistryMissingSchema(t *testing.T) {
	registry := NewRegistry(0)
	_, err := registry.Validate(context.Background(), "unknown", map[string]any{})
	if !errors.Is(err, loomerrors.ErrMissingSchema) {
		t.Fatalf("err = %v, want missing schema", err)
	}
	if registry.Has("unknown") {
		t.Fatalf("Has must be false for unregistered job")
	}
}

func TestFormatValidators(t *testing.T) {
	compiled, err := Compile(&Schema{
		Name: "formats",
		Type: TypeObject,
		Properties: map[string]*Property{
			"contact": {Type: TypeString, Validation: &ValidationRules{Format: "email"}},
			"ref":     {Type: TypeString, Validation: &ValidationRules{Format: "uuid"}},
			"decided": {Type: TypeString, Validation: &ValidationRules{Format: "date"}},
		},
	})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	result, err := compiled.Validate(context.Background(), map[string]any{
		"contact": "clerk@example.org",
		"ref":     "6d1f0e5a-76e4-4a6e-9f5a-5d6c1b2a3c4d",
		"decided": "2024-03-15",
	})
	if err != nil || !result.Valid {
		t.Fatalf("conforming formats rejected: %v %+v", err, result)
	}

	result, err = compiled.Validate(context.Background(), map[string]any{"contact": "not-an-email"})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if result.Valid || result.Errors[0].Code != "FORMAT_MISMATCH" {
		t.Fatalf("expected FORMAT_MISMATCH, got %+v", result)
	}
}
