package authz

import (
	"testing"

	"lattice-backend/internal/metadata"
)

func TestBlockExceptClause(t *testing.T) {
	o := NewOverrides()
	o.RegisterBlock(ActionDelete, "document", func(*Request) bool { return true }).
		Except(func(req *Request) bool {
			return req.Record != nil && req.Record.Fields["draft"] == true
		})

	published := &Request{EntityType: "document", Action: ActionDelete,
		Record: &Record{Fields: map[string]any{"draft": false}}}
	if !o.BlockMatches(published) {
		t.Error("block should match a published document")
	}

	draft := &Request{EntityType: "document", Action: ActionDelete,
		Record: &Record{Fields: map[string]any{"draft": true}}}
	if o.BlockMatches(draft) {
		t.Error("except clause should exempt drafts from the block")
	}
}

func TestBypassExceptClause(t *testing.T) {
	o := NewOverrides()
	o.RegisterBypass(ActionRead, "document", func(*Request) bool { return true }).
		Except(func(req *Request) bool {
			return req.Record != nil && req.Record.hasTag("restricted")
		})

	open := &Request{EntityType: "document", Action: ActionRead, Record: &Record{}}
	if !o.BypassMatches(open) {
		t.Error("bypass should match an unrestricted document")
	}

	restricted := &Request{EntityType: "document", Action: ActionRead,
		Record: &Record{Tags: []string{"restricted"}}}
	if o.BypassMatches(restricted) {
		t.Error("except clause should carve restricted records out of the bypass")
	}
}

func TestOverrideWildcardKeys(t *testing.T) {
	o := NewOverrides()
	o.RegisterBlock(Wildcard, "document", func(*Request) bool { return true })
	o.RegisterBlock(ActionDelete, Wildcard, func(*Request) bool { return true })

	if !o.BlockMatches(&Request{EntityType: "document", Action: "archive"}) {
		t.Error("wildcard-action block should cover every action on the type")
	}
	if !o.BlockMatches(&Request{EntityType: "invoice", Action: ActionDelete}) {
		t.Error("wildcard-entity block should cover every type for the action")
	}
	if o.BlockMatches(&Request{EntityType: "invoice", Action: "read"}) {
		t.Error("neither block covers invoice reads")
	}
}

func TestAccountBlockRequiresAccount(t *testing.T) {
	o := NewOverrides()
	o.RegisterAccountBlock(Wildcard, Wildcard, func(a *metadata.AccountContext) bool {
		return !a.Active
	})

	anonymous := &Request{EntityType: "document", Action: "read"}
	if o.BlockMatches(anonymous) {
		t.Error("account blocks must not fire without an account")
	}

	suspended := &Request{EntityType: "document", Action: "read",
		Account: &metadata.AccountContext{ID: "a1", Active: false}}
	if !o.BlockMatches(suspended) {
		t.Error("account block should fire for the suspended account")
	}
}

func TestRegisterAccountBypass(t *testing.T) {
	o := NewOverrides()
	o.RegisterAccountBypass(func(a *metadata.AccountContext) bool {
		return a.HasRole("auditor")
	})

	auditor := &Request{EntityType: "document", Action: "read",
		Account: &metadata.AccountContext{ID: "a1", Roles: []string{"auditor"}, Active: true}}
	if !o.BypassMatches(auditor) {
		t.Error("account bypass should match by role")
	}

	other := &Request{EntityType: "document", Action: "read",
		Account: &metadata.AccountContext{ID: "a2", Active: true}}
	if o.BypassMatches(other) {
		t.Error("account bypass must not match other accounts")
	}
}

func TestExprPredicate(t *testing.T) {
	pred, err := ExprPredicate(`record.owner_id == account.id`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	owner := &Request{
		Account: &metadata.AccountContext{ID: "a1", Active: true},
		Record:  &Record{Fields: map[string]any{"owner_id": "a1"}},
	}
	if !pred(owner) {
		t.Error("owner should match")
	}

	stranger := &Request{
		Account: &metadata.AccountContext{ID: "a2", Active: true},
		Record:  &Record{Fields: map[string]any{"owner_id": "a1"}},
	}
	if pred(stranger) {
		t.Error("non-owner must not match")
	}
}

func TestExprAccountPredicateSuspension(t *testing.T) {
	pred, err := ExprAccountPredicate(`!account.active`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !pred(&metadata.AccountContext{ID: "a1", Active: false}) {
		t.Error("inactive account should match the suspension expression")
	}
	if pred(&metadata.AccountContext{ID: "a1", Active: true}) {
		t.Error("active account must not match")
	}
}

func TestExprPredicateCompileError(t *testing.T) {
	if _, err := ExprPredicate(`account.id ==`); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := ExprAccountPredicate(`"not a bool"`); err == nil {
		t.Fatal("expected a boolean-typed expression")
	}
}
