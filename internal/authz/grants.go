package authz

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/singleflight"
)

// Role groups permissions for convenient bulk grant.
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Ruleset binds one entitlement to one target attribute, for either a role
// or a directly named account. A ruleset only applies to records carrying
// its target attribute.
type Ruleset struct {
	ID              string `json:"id"`
	RoleID          string `json:"role_id,omitempty"`
	AccountID       string `json:"account_id,omitempty"`
	EntitlementID   string `json:"entitlement_id"`
	TargetAttribute string `json:"target_attribute"`
}

// Store is the narrow storage interface the authorization core consumes.
// All reads may be issued concurrently for independent accounts.
type Store interface {
	// RolesOf returns every role the account is a member of.
	RolesOf(ctx context.Context, accountID string) ([]Role, error)

	// RoleRulesets returns every ruleset granted to any of the roles.
	RoleRulesets(ctx context.Context, roleIDs []string) ([]Ruleset, error)

	// AccountRulesets returns every ruleset granted directly to the account.
	AccountRulesets(ctx context.Context, accountID string) ([]Ruleset, error)

	// Entitlements resolves entitlements by id. Ids with no matching row
	// are simply absent from the result, not an error.
	Entitlements(ctx context.Context, ids []string) (map[string]*Entitlement, error)

	// SaveEntitlement upserts an entitlement by name, fully replacing any
	// prior definition.
	SaveEntitlement(ctx context.Context, e *Entitlement) error

	// SaveEntitlementNames persists the derived artifact listing every
	// registered entitlement name.
	SaveEntitlementNames(ctx context.Context, names []string) error
}

// Record is the authorization view of an entity instance: its type, its
// attribute tag set, and its field values. The engine never inspects record
// content beyond these.
type Record struct {
	EntityType string
	Tags       []string
	Fields     map[string]any
}

func (rec Record) hasTag(tag string) bool {
	for _, t := range rec.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Grant pairs a ruleset with its resolved entitlement.
type Grant struct {
	Ruleset     Ruleset
	Entitlement *Entitlement
}

// GrantSet is an immutable snapshot of an account's (or role set's)
// effective grants. Resolving one is the most expensive operation in the
// core, so batch entry points resolve once and share the snapshot across
// every record they touch.
type GrantSet struct {
	grants []Grant
}

// canDo reports whether any grant permits the action on the record.
func (gs *GrantSet) canDo(rec Record, action string) bool {
	for _, g := range gs.grants {
		if rec.hasTag(g.Ruleset.TargetAttribute) && g.Entitlement.Test(rec.EntityType, action) {
			return true
		}
	}
	return false
}

// coversCreate reports whether the grants cover creating a record of the
// entity type with the given attribute tags. Every tag must be covered by
// at least one create-granting ruleset; a record cannot be created with a
// scope the creator cannot grant. A record with no tags still needs at
// least one create-granting entitlement for the type.
func (gs *GrantSet) coversCreate(entityType string, tags []string) bool {
	if len(tags) == 0 {
		for _, g := range gs.grants {
			if g.Entitlement.CanGrantCreate(entityType) {
				return true
			}
		}
		return false
	}
	for _, tag := range tags {
		covered := false
		for _, g := range gs.grants {
			if g.Ruleset.TargetAttribute == tag && g.Entitlement.CanGrantCreate(entityType) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// applicable returns the grants whose target attribute is present on the
// record and whose entitlement covers the action for the record's type.
func (gs *GrantSet) applicable(rec Record, action string) []Grant {
	var out []Grant
	for _, g := range gs.grants {
		if rec.hasTag(g.Ruleset.TargetAttribute) && g.Entitlement.Test(rec.EntityType, action) {
			out = append(out, g)
		}
	}
	return out
}

// Resolver turns an account into its effective grant set. Concurrent
// resolutions for the same account collapse into a single storage
// round-trip; late arrivals wait on the in-flight one.
type Resolver struct {
	store Store
	group singleflight.Group
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the account's grant snapshot: every ruleset reachable
// through role membership plus every ruleset granted directly, each paired
// with its entitlement. Rulesets pointing at a missing entitlement grant
// nothing and are dropped with a warning.
func (r *Resolver) Resolve(ctx context.Context, accountID string) (*GrantSet, error) {
	v, err, _ := r.group.Do(accountID, func() (any, error) {
		return r.resolve(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*GrantSet), nil
}

func (r *Resolver) resolve(ctx context.Context, accountID string) (*GrantSet, error) {
	roles, err := r.store.RolesOf(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resolve roles for account %s: %w", accountID, err)
	}

	var rulesets []Ruleset
	if len(roles) > 0 {
		roleIDs := make([]string, len(roles))
		for i, role := range roles {
			roleIDs[i] = role.ID
		}
		rulesets, err = r.store.RoleRulesets(ctx, roleIDs)
		if err != nil {
			return nil, fmt.Errorf("resolve role rulesets for account %s: %w", accountID, err)
		}
	}

	direct, err := r.store.AccountRulesets(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resolve account rulesets for account %s: %w", accountID, err)
	}
	rulesets = append(rulesets, direct...)

	return r.pair(ctx, rulesets)
}

// ResolveRoles builds a grant set from role rulesets alone, without any
// account indirection. Used to preview a role's effective access.
func (r *Resolver) ResolveRoles(ctx context.Context, roleIDs []string) (*GrantSet, error) {
	if len(roleIDs) == 0 {
		return &GrantSet{}, nil
	}
	rulesets, err := r.store.RoleRulesets(ctx, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve rulesets for roles: %w", err)
	}
	return r.pair(ctx, rulesets)
}

func (r *Resolver) pair(ctx context.Context, rulesets []Ruleset) (*GrantSet, error) {
	if len(rulesets) == 0 {
		return &GrantSet{}, nil
	}

	ids := make([]string, 0, len(rulesets))
	seen := make(map[string]bool, len(rulesets))
	for _, rs := range rulesets {
		if !seen[rs.EntitlementID] {
			seen[rs.EntitlementID] = true
			ids = append(ids, rs.EntitlementID)
		}
	}

	entitlements, err := r.store.Entitlements(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve entitlements: %w", err)
	}

	gs := &GrantSet{grants: make([]Grant, 0, len(rulesets))}
	for _, rs := range rulesets {
		ent := entitlements[rs.EntitlementID]
		if ent == nil {
			log.Printf("WARN: ruleset %s references missing entitlement %s; grants nothing", rs.ID, rs.EntitlementID)
			continue
		}
		gs.grants = append(gs.grants, Grant{Ruleset: rs, Entitlement: ent})
	}
	return gs, nil
}
