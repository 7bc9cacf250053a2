package engine

import (
	"testing"

	"lattice-backend/internal/metadata"
)

func TestToRecordStripsAttributesColumn(t *testing.T) {
	entity := &metadata.Entity{Name: "document"}
	row := map[string]any{
		"id":         "d1",
		"name":       "Plan",
		"attributes": []any{"team-a", "team-b"},
	}

	rec := toRecord(entity, row)
	if rec.EntityType != "document" {
		t.Errorf("expected entity type document, got %s", rec.EntityType)
	}
	if len(rec.Tags) != 2 || rec.Tags[0] != "team-a" || rec.Tags[1] != "team-b" {
		t.Errorf("unexpected tags: %v", rec.Tags)
	}
	if _, ok := rec.Fields["attributes"]; ok {
		t.Error("attributes column must not appear among filterable fields")
	}
	if rec.Fields["name"] != "Plan" {
		t.Error("other columns should carry over")
	}
}

func TestParseTagsForms(t *testing.T) {
	if got := parseTags(nil); got != nil {
		t.Errorf("nil input: expected nil, got %v", got)
	}
	if got := parseTags([]string{"a"}); len(got) != 1 || got[0] != "a" {
		t.Errorf("[]string input: got %v", got)
	}
	if got := parseTags([]any{"a", 7, "b"}); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("[]any input should keep only strings, got %v", got)
	}
	if got := parseTags([]byte(`["a","b"]`)); len(got) != 2 {
		t.Errorf("[]byte input: got %v", got)
	}
	if got := parseTags(`["a"]`); len(got) != 1 || got[0] != "a" {
		t.Errorf("string input: got %v", got)
	}
	if got := parseTags(`not json`); got != nil {
		t.Errorf("invalid JSON: expected nil, got %v", got)
	}
	if got := parseTags(42); got != nil {
		t.Errorf("unsupported type: expected nil, got %v", got)
	}
}
