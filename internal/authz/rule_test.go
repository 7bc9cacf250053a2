package authz

import "testing"

type fakeSchema map[string][]string

func (s fakeSchema) HasField(entityType, field string) bool {
	for _, f := range s[entityType] {
		if f == field {
			return true
		}
	}
	return false
}

func TestParseRuleWildcard(t *testing.T) {
	r, err := ParseRule("*")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.EntityType != Wildcard || r.Action != Wildcard || r.Property != Wildcard {
		t.Errorf("expected full wildcard rule, got %+v", r)
	}
}

func TestParseRuleEntityAction(t *testing.T) {
	r, err := ParseRule("document:read")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.EntityType != "document" || r.Action != "read" || r.Property != Wildcard {
		t.Errorf("unexpected rule: %+v", r)
	}
}

func TestParseRuleProperty(t *testing.T) {
	r, err := ParseRule("document:update:title")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.EntityType != "document" || r.Action != "update" || r.Property != "title" {
		t.Errorf("unexpected rule: %+v", r)
	}
}

func TestParseRuleMalformed(t *testing.T) {
	bad := []string{"", "document", "document:", ":read", "document::title", "a:b:c:d"}
	for _, raw := range bad {
		if _, err := ParseRule(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestRuleMatch(t *testing.T) {
	r, _ := ParseRule("document:read")
	if !r.Match("document", "read") {
		t.Error("expected match")
	}
	if r.Match("document", "update") {
		t.Error("action should not match")
	}
	if r.Match("invoice", "read") {
		t.Error("entity type should not match")
	}

	wild, _ := ParseRule("*")
	if !wild.Match("anything", "whatever") {
		t.Error("wildcard should match everything")
	}
}

func TestRuleMatchProperty(t *testing.T) {
	schema := fakeSchema{"document": {"title", "body"}}

	r, _ := ParseRule("document:update:title")
	if !r.MatchProperty("document", "update", "title", schema) {
		t.Error("expected property match")
	}
	if r.MatchProperty("document", "update", "body", schema) {
		t.Error("other property should not match")
	}

	wild, _ := ParseRule("document:update")
	if !wild.MatchProperty("document", "update", "body", schema) {
		t.Error("property wildcard should match a declared field")
	}
}

func TestRuleMatchPropertyUnknownField(t *testing.T) {
	schema := fakeSchema{"document": {"title"}}

	wild, _ := ParseRule("*")
	if wild.MatchProperty("document", "read", "secret", schema) {
		t.Error("unknown property must never match, even against a wildcard")
	}
	if wild.MatchProperty("document", "read", "title", nil) {
		t.Error("nil schema must never match")
	}
}

func TestRuleString(t *testing.T) {
	for _, raw := range []string{"*", "document:read", "document:update:title"} {
		r, err := ParseRule(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got := r.String(); got != raw {
			t.Errorf("expected %q, got %q", raw, got)
		}
	}
}
