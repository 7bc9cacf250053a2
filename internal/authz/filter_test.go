package authz

import (
	"context"
	"errors"
	"sync"
	"testing"
)

var errTest = errors.New("storage down")

func documentSchema() fakeSchema {
	return fakeSchema{"document": {"id", "name", "description", "secret"}}
}

func filterFixture(t *testing.T) (*fakeStore, *Authorizer) {
	t.Helper()
	s := newFakeStore()
	s.addEntitlement(t, "ent-view", "viewer", nil, []string{
		"document:read:name",
		"document:read:description",
	})
	s.accountRulesets["acct-1"] = []Ruleset{
		{ID: "rs-1", AccountID: "acct-1", EntitlementID: "ent-view", TargetAttribute: "team-a"},
	}
	return s, newTestAuthorizer(s, documentSchema())
}

func TestFilterBatchKeepsOnlyGrantedProperties(t *testing.T) {
	_, az := filterFixture(t)

	records := []Record{{
		EntityType: "document",
		Tags:       []string{"team-a"},
		Fields:     map[string]any{"id": "d1", "name": "Plan", "description": "Q3", "secret": "x"},
	}}
	out, err := az.FilterBatch(context.Background(), testAccount("acct-1"), records, ActionRead)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}

	got := out[0]
	if got["name"] != "Plan" || got["description"] != "Q3" {
		t.Errorf("granted properties should survive, got %v", got)
	}
	if _, ok := got["id"]; ok {
		t.Error("ungranted property must be omitted, not included")
	}
	if _, ok := got["secret"]; ok {
		t.Error("ungranted property must be omitted")
	}
	if len(got) != 2 {
		t.Errorf("expected exactly 2 fields, got %d", len(got))
	}
}

func TestFilterBatchTagMismatchYieldsEmpty(t *testing.T) {
	_, az := filterFixture(t)

	records := []Record{{
		EntityType: "document",
		Tags:       []string{"team-b"},
		Fields:     map[string]any{"name": "Plan"},
	}}
	out, err := az.FilterBatch(context.Background(), testAccount("acct-1"), records, ActionRead)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(out[0]) != 0 {
		t.Errorf("no applicable grant means an empty field map, got %v", out[0])
	}
}

func TestFilterBatchAdminSeesEverything(t *testing.T) {
	s, az := filterFixture(t)

	records := []Record{{
		EntityType: "document",
		Tags:       []string{"team-a"},
		Fields:     map[string]any{"id": "d1", "name": "Plan", "secret": "x"},
	}}
	out, err := az.FilterBatch(context.Background(), testAccount("acct-1", "admin"), records, ActionRead)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(out[0]) != 3 {
		t.Errorf("administrator gets the full field map, got %v", out[0])
	}
	if calls := s.rolesOfCalls.Load(); calls != 0 {
		t.Errorf("administrator filtering must not resolve grants, got %d calls", calls)
	}
}

func TestFilterBatchUnknownPropertyOmitted(t *testing.T) {
	s := newFakeStore()
	s.addEntitlement(t, "ent-all", "everything", nil, []string{"*"})
	s.accountRulesets["acct-1"] = []Ruleset{
		{ID: "rs-1", AccountID: "acct-1", EntitlementID: "ent-all", TargetAttribute: "team-a"},
	}
	az := newTestAuthorizer(s, fakeSchema{"document": {"name"}})

	records := []Record{{
		EntityType: "document",
		Tags:       []string{"team-a"},
		Fields:     map[string]any{"name": "Plan", "ghost": "boo"},
	}}
	out, err := az.FilterBatch(context.Background(), testAccount("acct-1"), records, ActionRead)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if _, ok := out[0]["ghost"]; ok {
		t.Error("a field absent from the schema must be omitted even under a permissive grant")
	}
	if out[0]["name"] != "Plan" {
		t.Error("declared field should survive")
	}
}

func TestFilterPipeResolvesOnce(t *testing.T) {
	s, az := filterFixture(t)

	pipe := az.FilterPipe(context.Background(), testAccount("acct-1"), ActionRead)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := Record{
				EntityType: "document",
				Tags:       []string{"team-a"},
				Fields:     map[string]any{"name": "Plan", "secret": "x"},
			}
			out, err := pipe(rec)
			if err != nil {
				t.Errorf("pipe: %v", err)
				return
			}
			if out["name"] != "Plan" {
				t.Errorf("expected name to survive, got %v", out)
			}
			if _, ok := out["secret"]; ok {
				t.Errorf("secret must be filtered, got %v", out)
			}
		}()
	}
	wg.Wait()

	if calls := s.rolesOfCalls.Load(); calls != 1 {
		t.Errorf("pipe must resolve grants exactly once, got %d calls", calls)
	}
}

func TestFilterPipeAdminSkipsResolution(t *testing.T) {
	s, az := filterFixture(t)

	pipe := az.FilterPipe(context.Background(), testAccount("acct-1", "admin"), ActionRead)
	rec := Record{
		EntityType: "document",
		Tags:       []string{"team-a"},
		Fields:     map[string]any{"name": "Plan", "secret": "x"},
	}
	out, err := pipe(rec)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("administrator pipe returns the full field map, got %v", out)
	}
	if calls := s.rolesOfCalls.Load(); calls != 0 {
		t.Errorf("administrator pipe must not touch storage, got %d calls", calls)
	}
}

func TestFilterPipePropagatesResolutionError(t *testing.T) {
	s := newFakeStore()
	s.rolesOfErr = errTest
	az := newTestAuthorizer(s, documentSchema())

	pipe := az.FilterPipe(context.Background(), testAccount("acct-1"), ActionRead)
	if _, err := pipe(Record{EntityType: "document"}); err == nil {
		t.Fatal("resolution failure must surface as an error, not a filtered record")
	}
}
