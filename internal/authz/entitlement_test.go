package authz

import "testing"

func mustEntitlement(t *testing.T, name string, appliesTo, rules []string) *Entitlement {
	t.Helper()
	e, err := NewEntitlement(name, "", "test", appliesTo, rules)
	if err != nil {
		t.Fatalf("entitlement %s: %v", name, err)
	}
	return e
}

func TestEntitlementEmptyRulesGrantNothing(t *testing.T) {
	e := mustEntitlement(t, "empty", nil, nil)
	if e.Test("document", "read") {
		t.Error("an entitlement with no rules must grant nothing")
	}
}

func TestEntitlementWildcardEntityGrantsEverything(t *testing.T) {
	e := mustEntitlement(t, "all", nil, []string{"*"})
	for _, action := range []string{ActionRead, ActionUpdate, ActionDelete, "custom"} {
		if !e.Test("document", action) {
			t.Errorf("wildcard entitlement should grant %s", action)
		}
	}

	// A wildcard entity type inside any rule short-circuits the whole list.
	mixed := mustEntitlement(t, "mixed", nil, []string{"invoice:read", "*:read"})
	if !mixed.Test("document", "delete") {
		t.Error("a wildcard-entity rule makes the entitlement fully permissive")
	}
}

func TestEntitlementAppliesTo(t *testing.T) {
	e := mustEntitlement(t, "scoped", []string{"invoice"}, []string{"*"})
	if e.Test("document", "read") {
		t.Error("entitlement must not cover types outside applies_to")
	}
	if !e.Test("invoice", "read") {
		t.Error("entitlement should cover its applies_to type")
	}
}

func TestEntitlementRuleMatching(t *testing.T) {
	e := mustEntitlement(t, "reader", nil, []string{"document:read", "invoice:read"})
	if !e.Test("document", "read") {
		t.Error("expected read grant on document")
	}
	if e.Test("document", "update") {
		t.Error("update must not be granted")
	}
	if e.Test("contract", "read") {
		t.Error("unlisted entity type must not be granted")
	}
}

func TestEntitlementTestProperty(t *testing.T) {
	schema := fakeSchema{"document": {"title", "body"}}
	e := mustEntitlement(t, "titles", nil, []string{"document:read:title"})

	if !e.TestProperty("document", "read", "title", schema) {
		t.Error("expected property grant")
	}
	if e.TestProperty("document", "read", "body", schema) {
		t.Error("ungranted property must be denied")
	}

	all := mustEntitlement(t, "all", nil, []string{"*"})
	if all.TestProperty("document", "read", "ghost", schema) {
		t.Error("unknown property must be denied even by a permissive entitlement")
	}
}

func TestEntitlementCanGrantCreate(t *testing.T) {
	creator := mustEntitlement(t, "creator", nil, []string{"document:create"})
	if !creator.CanGrantCreate("document") {
		t.Error("expected create grant")
	}
	if creator.CanGrantCreate("invoice") {
		t.Error("create must be scoped to the listed entity type")
	}

	reader := mustEntitlement(t, "reader", nil, []string{"document:read"})
	if reader.CanGrantCreate("document") {
		t.Error("read rule must not grant create")
	}
}

func TestNewEntitlementRejectsMalformedRule(t *testing.T) {
	if _, err := NewEntitlement("bad", "", "test", nil, []string{"document:read", "oops"}); err == nil {
		t.Fatal("expected error for malformed rule")
	}
}

func TestLoadEntitlementDropsMalformedRules(t *testing.T) {
	e := LoadEntitlement("id-1", "mixed", "", "test", nil, []string{"document:read", "broken::rule"})
	if !e.Test("document", "read") {
		t.Error("valid rule should survive the load")
	}
	if e.Test("document", "update") {
		t.Error("dropped rule must not widen the grant")
	}
	if e.permissive {
		t.Error("a dropped rule must never degrade into a wildcard")
	}
}
