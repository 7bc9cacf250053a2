package authz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeStore is an in-memory authz.Store shared by the package tests.
type fakeStore struct {
	mu sync.Mutex

	roles           map[string][]Role    // accountID -> roles
	roleRulesets    map[string][]Ruleset // roleID -> rulesets
	accountRulesets map[string][]Ruleset // accountID -> rulesets
	entitlements    map[string]*Entitlement

	saved        []*Entitlement
	savedNames   [][]string
	saveNamesErr error

	rolesOfCalls  atomic.Int64
	rolesOfDelay  time.Duration
	rolesOfErr    error
	saveEntitlErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roles:           map[string][]Role{},
		roleRulesets:    map[string][]Ruleset{},
		accountRulesets: map[string][]Ruleset{},
		entitlements:    map[string]*Entitlement{},
	}
}

func (s *fakeStore) RolesOf(ctx context.Context, accountID string) ([]Role, error) {
	s.rolesOfCalls.Add(1)
	if s.rolesOfDelay > 0 {
		time.Sleep(s.rolesOfDelay)
	}
	if s.rolesOfErr != nil {
		return nil, s.rolesOfErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roles[accountID], nil
}

func (s *fakeStore) RoleRulesets(ctx context.Context, roleIDs []string) ([]Ruleset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Ruleset
	for _, id := range roleIDs {
		out = append(out, s.roleRulesets[id]...)
	}
	return out, nil
}

func (s *fakeStore) AccountRulesets(ctx context.Context, accountID string) ([]Ruleset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountRulesets[accountID], nil
}

func (s *fakeStore) Entitlements(ctx context.Context, ids []string) (map[string]*Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Entitlement)
	for _, id := range ids {
		if e, ok := s.entitlements[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

func (s *fakeStore) SaveEntitlement(ctx context.Context, e *Entitlement) error {
	if s.saveEntitlErr != nil {
		return s.saveEntitlErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = "ent-" + e.Name
	}
	s.entitlements[e.ID] = e
	s.saved = append(s.saved, e)
	return nil
}

func (s *fakeStore) SaveEntitlementNames(ctx context.Context, names []string) error {
	if s.saveNamesErr != nil {
		return s.saveNamesErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedNames = append(s.savedNames, names)
	return nil
}

// addEntitlement registers an entitlement directly in the fake's storage.
func (s *fakeStore) addEntitlement(t *testing.T, id, name string, appliesTo, rules []string) *Entitlement {
	t.Helper()
	e, err := NewEntitlement(name, "", "test", appliesTo, rules)
	if err != nil {
		t.Fatalf("entitlement %s: %v", name, err)
	}
	e.ID = id
	s.mu.Lock()
	s.entitlements[id] = e
	s.mu.Unlock()
	return e
}

func TestResolveUnionsRoleAndDirectRulesets(t *testing.T) {
	s := newFakeStore()
	s.addEntitlement(t, "ent-read", "reader", nil, []string{"document:read"})
	s.addEntitlement(t, "ent-edit", "editor", nil, []string{"document:update"})

	s.roles["acct-1"] = []Role{{ID: "role-1", Name: "staff"}}
	s.roleRulesets["role-1"] = []Ruleset{
		{ID: "rs-1", RoleID: "role-1", EntitlementID: "ent-read", TargetAttribute: "team-a"},
	}
	s.accountRulesets["acct-1"] = []Ruleset{
		{ID: "rs-2", AccountID: "acct-1", EntitlementID: "ent-edit", TargetAttribute: "team-a"},
	}

	gs, err := NewResolver(s).Resolve(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(gs.grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(gs.grants))
	}

	rec := Record{EntityType: "document", Tags: []string{"team-a"}}
	if !gs.canDo(rec, "read") || !gs.canDo(rec, "update") {
		t.Error("expected both role and direct grants to apply")
	}
}

func TestResolveDropsDanglingEntitlementReference(t *testing.T) {
	s := newFakeStore()
	s.addEntitlement(t, "ent-read", "reader", nil, []string{"document:read"})
	s.accountRulesets["acct-1"] = []Ruleset{
		{ID: "rs-1", AccountID: "acct-1", EntitlementID: "ent-read", TargetAttribute: "team-a"},
		{ID: "rs-2", AccountID: "acct-1", EntitlementID: "ent-missing", TargetAttribute: "team-a"},
	}

	gs, err := NewResolver(s).Resolve(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(gs.grants) != 1 {
		t.Fatalf("dangling reference should be dropped, got %d grants", len(gs.grants))
	}

	rec := Record{EntityType: "document", Tags: []string{"team-a"}}
	if !gs.canDo(rec, "read") {
		t.Error("the intact grant must still apply")
	}
}

func TestResolveStorageErrorPropagates(t *testing.T) {
	s := newFakeStore()
	s.rolesOfErr = errors.New("connection refused")

	if _, err := NewResolver(s).Resolve(context.Background(), "acct-1"); err == nil {
		t.Fatal("storage error must propagate, not become a denial")
	}
}

func TestResolveDeduplicatesConcurrentCalls(t *testing.T) {
	s := newFakeStore()
	s.rolesOfDelay = 50 * time.Millisecond
	resolver := NewResolver(s)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := resolver.Resolve(context.Background(), "acct-1"); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := s.rolesOfCalls.Load(); calls != 1 {
		t.Errorf("expected 1 storage round-trip for concurrent resolutions, got %d", calls)
	}
}

func TestResolveRoles(t *testing.T) {
	s := newFakeStore()
	s.addEntitlement(t, "ent-read", "reader", nil, []string{"document:read"})
	s.roleRulesets["role-1"] = []Ruleset{
		{ID: "rs-1", RoleID: "role-1", EntitlementID: "ent-read", TargetAttribute: "team-a"},
	}

	gs, err := NewResolver(s).ResolveRoles(context.Background(), []string{"role-1"})
	if err != nil {
		t.Fatalf("resolve roles: %v", err)
	}

	rec := Record{EntityType: "document", Tags: []string{"team-a"}}
	if !gs.canDo(rec, "read") {
		t.Error("role ruleset should grant read")
	}
	if gs.canDo(Record{EntityType: "document", Tags: []string{"team-b"}}, "read") {
		t.Error("grant must not reach records missing the target attribute")
	}
}

func TestGrantSetTagScoping(t *testing.T) {
	s := newFakeStore()
	s.addEntitlement(t, "ent-all", "everything", nil, []string{"*"})
	s.accountRulesets["acct-1"] = []Ruleset{
		{ID: "rs-1", AccountID: "acct-1", EntitlementID: "ent-all", TargetAttribute: "team-a"},
	}

	gs, err := NewResolver(s).Resolve(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if !gs.canDo(Record{EntityType: "document", Tags: []string{"team-a", "extra"}}, "delete") {
		t.Error("record carrying the target attribute should be covered")
	}
	if gs.canDo(Record{EntityType: "document", Tags: nil}, "read") {
		t.Error("untagged record must not be covered by an attribute-scoped grant")
	}
}
