package authz

import (
	"context"
	"sync"

	"lattice-backend/internal/metadata"
)

// FilterBatch reduces each record to the fields the account's grants permit
// for the read-class action. Denied fields are omitted from the result map,
// not nulled, so callers can distinguish "denied" from "empty value".
// Administrators and bypass matches get the full field map unchanged.
func (a *Authorizer) FilterBatch(ctx context.Context, account *metadata.AccountContext, records []Record, action string) ([]map[string]any, error) {
	out := make([]map[string]any, len(records))
	admin := account != nil && account.IsAdmin()
	var gs *GrantSet

	for i := range records {
		rec := records[i]
		req := &Request{Account: account, EntityType: rec.EntityType, Action: action, Record: &rec}
		if admin || a.overrides.BypassMatches(req) {
			out[i] = copyFields(rec.Fields)
			continue
		}

		if gs == nil {
			resolved, err := a.resolver.Resolve(ctx, account.ID)
			if err != nil {
				return nil, err
			}
			gs = resolved
		}
		out[i] = a.filterOne(gs, rec, action)
	}
	return out, nil
}

// FilterPipe returns a reusable per-record filter for the account and
// action, for streaming fan-out where a per-record grant resolution would
// be an N+1 cost. The grant set is resolved once, in the background; the
// first records to arrive wait on that single in-flight resolution. An
// administrator account is memoized as such and skips all joins.
func (a *Authorizer) FilterPipe(ctx context.Context, account *metadata.AccountContext, action string) func(Record) (map[string]any, error) {
	type resolution struct {
		admin bool
		gs    *GrantSet
		err   error
	}

	ch := make(chan resolution, 1)
	go func() {
		if account != nil && account.IsAdmin() {
			ch <- resolution{admin: true}
			return
		}
		gs, err := a.resolver.Resolve(ctx, account.ID)
		ch <- resolution{gs: gs, err: err}
	}()

	var once sync.Once
	var res resolution
	return func(rec Record) (map[string]any, error) {
		once.Do(func() { res = <-ch })
		if res.err != nil {
			return nil, res.err
		}
		if res.admin {
			return copyFields(rec.Fields), nil
		}
		req := &Request{Account: account, EntityType: rec.EntityType, Action: action, Record: &rec}
		if a.overrides.BypassMatches(req) {
			return copyFields(rec.Fields), nil
		}
		return a.filterOne(res.gs, rec, action), nil
	}
}

// filterOne applies the property-level test to every field of one record.
func (a *Authorizer) filterOne(gs *GrantSet, rec Record, action string) map[string]any {
	filtered := make(map[string]any)
	grants := gs.applicable(rec, action)
	if len(grants) == 0 {
		return filtered
	}

	for field, value := range rec.Fields {
		for _, g := range grants {
			if g.Entitlement.TestProperty(rec.EntityType, action, field, a.schema) {
				filtered[field] = value
				break
			}
		}
	}
	return filtered
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
