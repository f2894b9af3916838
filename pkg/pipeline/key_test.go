package pipeline

import "testing"

func TestBuildKey(t *testing.T) {
	key, ok := BuildKey("ECLI:BE:2024:123", "fr")
	if !ok {
		t.Fatalf("expected valid key")
	}
	if key != "ECLI:BE:2024:123__fr" {
		t.Fatalf("unexpected key: %s", key)
	}
}

func TestBuildKeyEmptyComponentIsInvalid(t *testing.T) {
	if _, ok := BuildKey("ECLI:BE:2024:123", ""); ok {
		t.Fatalf("key with empty component must be invalid")
	}
	if _, ok := BuildKey("", "fr"); ok {
		t.Fatalf("key with empty first component must be invalid")
	}
	if _, ok := BuildKey(); ok {
		t.Fatalf("key with no components must be invalid")
	}
}

func TestItemKeyUsesAliasChains(t *testing.T) {
	job := &JobDefinition{
		ID:        "summaries",
		KeyFields: []string{"decision_id", "language"},
		FieldAliases: map[string][]string{
			"language": {"language", "language_metadata", "proceduralLanguage"},
		},
	}

	row := Record{"decision_id": "d-1", "proceduralLanguage": "nl"}
	if got := ItemKey(job, row, 0); got != "d-1__nl" {
		t.Fatalf("unexpected item key: %s", got)
	}
}

func TestItemKeyFallsBackToSequence(t *testing.T) {
	job := &JobDefinition{ID: "summaries", KeyFields: []string{"decision_id", "language"}}

	row := Record{"decision_id": "d-1"}
	if got := ItemKey(job, row, 42); got != "item-000042" {
		t.Fatalf("unexpected placeholder key: %s", got)
	}
}
