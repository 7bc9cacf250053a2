package authz

import (
	"context"

	"lattice-backend/internal/metadata"
)

type decision int

const (
	decisionContinue decision = iota
	decisionAllow
	decisionDeny
)

// Authorizer answers point authorization questions over the resolved grant
// model. It is stateless request-scoped logic; all state lives in the store
// behind the resolver and in the override registry.
type Authorizer struct {
	resolver  *Resolver
	overrides *Overrides
	schema    Schema
}

func NewAuthorizer(resolver *Resolver, overrides *Overrides, schema Schema) *Authorizer {
	return &Authorizer{resolver: resolver, overrides: overrides, schema: schema}
}

// Overrides exposes the override registry so callers can register blocks
// and bypasses against the same instance the evaluator consults.
func (a *Authorizer) Overrides() *Overrides {
	return a.overrides
}

// decide runs the override pipeline shared by every entry point, enforcing
// the precedence order structurally: block match denies, an administrator
// is allowed, a bypass match allows, anything else falls through to ruleset
// evaluation.
func (a *Authorizer) decide(req *Request) decision {
	if a.overrides.BlockMatches(req) {
		return decisionDeny
	}
	if req.Account != nil && req.Account.IsAdmin() {
		return decisionAllow
	}
	if a.overrides.BypassMatches(req) {
		return decisionAllow
	}
	return decisionContinue
}

// CanCreate reports whether the account may create a record of the entity
// type carrying the given attribute tags. Every tag must be covered by a
// create-granting ruleset.
func (a *Authorizer) CanCreate(ctx context.Context, account *metadata.AccountContext, entityType string, tags []string) (bool, error) {
	req := &Request{Account: account, EntityType: entityType, Action: ActionCreate}
	switch a.decide(req) {
	case decisionDeny:
		return false, nil
	case decisionAllow:
		return true, nil
	}

	gs, err := a.resolver.Resolve(ctx, account.ID)
	if err != nil {
		return false, err
	}
	return gs.coversCreate(entityType, tags), nil
}

// AccountCanDo answers, for each record, whether the account may perform
// the action on it. The account's grants are resolved at most once for the
// whole batch, and only if some record actually falls through to ruleset
// evaluation.
func (a *Authorizer) AccountCanDo(ctx context.Context, account *metadata.AccountContext, records []Record, action string) ([]bool, error) {
	out := make([]bool, len(records))
	var gs *GrantSet

	for i := range records {
		rec := records[i]
		req := &Request{Account: account, EntityType: rec.EntityType, Action: action, Record: &rec}
		switch a.decide(req) {
		case decisionDeny:
			continue
		case decisionAllow:
			out[i] = true
			continue
		}

		if gs == nil {
			resolved, err := a.resolver.Resolve(ctx, account.ID)
			if err != nil {
				return nil, err
			}
			gs = resolved
		}
		out[i] = gs.canDo(rec, action)
	}
	return out, nil
}

// RolesCanDo answers the same question as AccountCanDo but for a set of
// roles directly, previewing the access the roles' rulesets grant without
// any concrete account. Admin and account overrides do not apply; action
// blocks and bypasses still do.
func (a *Authorizer) RolesCanDo(ctx context.Context, roleIDs []string, records []Record, action string) ([]bool, error) {
	out := make([]bool, len(records))
	var gs *GrantSet

	for i := range records {
		rec := records[i]
		req := &Request{EntityType: rec.EntityType, Action: action, Record: &rec}
		switch a.decide(req) {
		case decisionDeny:
			continue
		case decisionAllow:
			out[i] = true
			continue
		}

		if gs == nil {
			resolved, err := a.resolver.ResolveRoles(ctx, roleIDs)
			if err != nil {
				return nil, err
			}
			gs = resolved
		}
		out[i] = gs.canDo(rec, action)
	}
	return out, nil
}
