package store

import (
	"context"
	"encoding/json"
	"fmt"

	"lattice-backend/internal/authz"
)

// AuthzStore implements authz.Store, the narrow storage interface the
// authorization core consumes.
type AuthzStore struct {
	pool poolQuerier
}

// poolQuerier is what AuthzStore needs from the pool; kept as an interface
// so tests can substitute a transaction.
type poolQuerier = Querier

func NewAuthzStore(s *Store) *AuthzStore {
	return &AuthzStore{pool: s.Pool}
}

func (a *AuthzStore) RolesOf(ctx context.Context, accountID string) ([]authz.Role, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT r.id, r.name, r.description
		 FROM _roles r
		 JOIN _role_members m ON m.role_id = r.id
		 WHERE m.account_id = $1
		 ORDER BY r.name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query roles of account: %w", err)
	}
	defer rows.Close()

	var roles []authz.Role
	for rows.Next() {
		var r authz.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description); err != nil {
			return nil, fmt.Errorf("scan role row: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (a *AuthzStore) RoleRulesets(ctx context.Context, roleIDs []string) ([]authz.Ruleset, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := a.pool.Query(ctx,
		`SELECT id, role_id, entitlement_id, target_attribute
		 FROM _role_rulesets WHERE role_id = ANY($1::uuid[])`, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("query role rulesets: %w", err)
	}
	defer rows.Close()

	var rulesets []authz.Ruleset
	for rows.Next() {
		var rs authz.Ruleset
		if err := rows.Scan(&rs.ID, &rs.RoleID, &rs.EntitlementID, &rs.TargetAttribute); err != nil {
			return nil, fmt.Errorf("scan role ruleset row: %w", err)
		}
		rulesets = append(rulesets, rs)
	}
	return rulesets, rows.Err()
}

func (a *AuthzStore) AccountRulesets(ctx context.Context, accountID string) ([]authz.Ruleset, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT id, account_id, entitlement_id, target_attribute
		 FROM _account_rulesets WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query account rulesets: %w", err)
	}
	defer rows.Close()

	var rulesets []authz.Ruleset
	for rows.Next() {
		var rs authz.Ruleset
		if err := rows.Scan(&rs.ID, &rs.AccountID, &rs.EntitlementID, &rs.TargetAttribute); err != nil {
			return nil, fmt.Errorf("scan account ruleset row: %w", err)
		}
		rulesets = append(rulesets, rs)
	}
	return rulesets, rows.Err()
}

func (a *AuthzStore) Entitlements(ctx context.Context, ids []string) (map[string]*authz.Entitlement, error) {
	if len(ids) == 0 {
		return map[string]*authz.Entitlement{}, nil
	}
	rows, err := a.pool.Query(ctx,
		`SELECT id, name, description, group_name, applies_to, rules
		 FROM _entitlements WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("query entitlements: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*authz.Entitlement, len(ids))
	for rows.Next() {
		var id, name, description, group string
		var appliesJSON, rulesJSON []byte
		if err := rows.Scan(&id, &name, &description, &group, &appliesJSON, &rulesJSON); err != nil {
			return nil, fmt.Errorf("scan entitlement row: %w", err)
		}

		var appliesTo, rawRules []string
		if err := json.Unmarshal(appliesJSON, &appliesTo); err != nil {
			return nil, fmt.Errorf("decode applies_to for entitlement %s: %w", name, err)
		}
		if err := json.Unmarshal(rulesJSON, &rawRules); err != nil {
			return nil, fmt.Errorf("decode rules for entitlement %s: %w", name, err)
		}

		out[id] = authz.LoadEntitlement(id, name, description, group, appliesTo, rawRules)
	}
	return out, rows.Err()
}

func (a *AuthzStore) SaveEntitlement(ctx context.Context, e *authz.Entitlement) error {
	appliesJSON, err := json.Marshal(emptyIfNil(e.AppliesTo))
	if err != nil {
		return fmt.Errorf("encode applies_to: %w", err)
	}
	rulesJSON, err := json.Marshal(emptyIfNil(e.RawRules))
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}

	// Full replace by name: a re-registration discards the prior rules.
	err = a.pool.QueryRow(ctx,
		`INSERT INTO _entitlements (name, description, group_name, applies_to, rules)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE SET
		   description = EXCLUDED.description,
		   group_name  = EXCLUDED.group_name,
		   applies_to  = EXCLUDED.applies_to,
		   rules       = EXCLUDED.rules,
		   updated_at  = NOW()
		 RETURNING id`,
		e.Name, e.Description, e.Group, appliesJSON, rulesJSON,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("upsert entitlement %s: %w", e.Name, err)
	}
	return nil
}

func (a *AuthzStore) SaveEntitlementNames(ctx context.Context, names []string) error {
	content, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encode entitlement names: %w", err)
	}
	_, err = a.pool.Exec(ctx,
		`INSERT INTO _artifacts (name, content) VALUES ('entitlement_names', $1)
		 ON CONFLICT (name) DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()`,
		content)
	if err != nil {
		return fmt.Errorf("upsert entitlement names artifact: %w", err)
	}
	return nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
