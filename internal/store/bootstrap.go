package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"

	"lattice-backend/internal/metadata"
)

const systemTablesSQL = `
CREATE TABLE IF NOT EXISTS _entities (
    name        TEXT PRIMARY KEY,
    table_name  TEXT NOT NULL UNIQUE,
    definition  JSONB NOT NULL,
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _accounts (
    id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    active        BOOLEAN DEFAULT true,
    created_at    TIMESTAMPTZ DEFAULT NOW(),
    updated_at    TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    account_id UUID NOT NULL REFERENCES _accounts(id) ON DELETE CASCADE,
    token      UUID NOT NULL UNIQUE DEFAULT gen_random_uuid(),
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_token ON _refresh_tokens(token);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON _refresh_tokens(expires_at);

CREATE TABLE IF NOT EXISTS _roles (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _role_members (
    role_id    UUID NOT NULL REFERENCES _roles(id) ON DELETE CASCADE,
    account_id UUID NOT NULL REFERENCES _accounts(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    PRIMARY KEY (role_id, account_id)
);
CREATE INDEX IF NOT EXISTS idx_role_members_account ON _role_members(account_id);

CREATE TABLE IF NOT EXISTS _entitlements (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    group_name  TEXT NOT NULL DEFAULT '',
    applies_to  JSONB NOT NULL DEFAULT '[]',
    rules       JSONB NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
);

-- No foreign key on entitlement_id: a ruleset pointing at a missing
-- entitlement grants nothing, it does not block unrelated requests.
CREATE TABLE IF NOT EXISTS _role_rulesets (
    id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    role_id          UUID NOT NULL REFERENCES _roles(id) ON DELETE CASCADE,
    entitlement_id   UUID NOT NULL,
    target_attribute TEXT NOT NULL,
    created_at       TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_role_rulesets_role ON _role_rulesets(role_id);

CREATE TABLE IF NOT EXISTS _account_rulesets (
    id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    account_id       UUID NOT NULL REFERENCES _accounts(id) ON DELETE CASCADE,
    entitlement_id   UUID NOT NULL,
    target_attribute TEXT NOT NULL,
    created_at       TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_account_rulesets_account ON _account_rulesets(account_id);

CREATE TABLE IF NOT EXISTS _artifacts (
    name       TEXT PRIMARY KEY,
    content    JSONB NOT NULL,
    updated_at TIMESTAMPTZ DEFAULT NOW()
);
`

// Bootstrap provisions all system tables, seeds the admin account and
// publishes the built-in entity schemas. After it returns, entitlement
// storage is ready and the catalog's readiness signal may be fired.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, systemTablesSQL); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	if err := s.seedAdminAccount(ctx); err != nil {
		return fmt.Errorf("seed admin account: %w", err)
	}
	if err := s.seedSystemEntities(ctx); err != nil {
		return fmt.Errorf("seed system entities: %w", err)
	}
	return nil
}

func (s *Store) seedAdminAccount(ctx context.Context) error {
	var count int
	if err := s.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM _accounts").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	var accountID string
	err = s.Pool.QueryRow(ctx,
		`INSERT INTO _accounts (email, password_hash) VALUES ($1, $2) RETURNING id`,
		"admin@localhost", string(hashBytes),
	).Scan(&accountID)
	if err != nil {
		return err
	}

	var roleID string
	err = s.Pool.QueryRow(ctx,
		`INSERT INTO _roles (name, description) VALUES ('admin', 'Administrators')
		 ON CONFLICT (name) DO UPDATE SET updated_at = NOW() RETURNING id`,
	).Scan(&roleID)
	if err != nil {
		return err
	}

	if _, err := s.Pool.Exec(ctx,
		`INSERT INTO _role_members (role_id, account_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		roleID, accountID,
	); err != nil {
		return err
	}

	log.Println("WARN: default admin account created (admin@localhost / changeme); change the password immediately")
	return nil
}

// SystemEntities returns the built-in schemas for the authorization model
// itself. They are exposed read-only through the generic API; every mutation
// path is blocked and forced through the dedicated admin operations.
func SystemEntities() []*metadata.Entity {
	uuidPK := metadata.PrimaryKey{Field: "id", Type: "uuid", Generated: true}
	return []*metadata.Entity{
		{
			Name: "role", Table: "_roles", PrimaryKey: uuidPK, System: true,
			Fields: []metadata.Field{
				{Name: "id", Type: "uuid"},
				{Name: "name", Type: "string", Required: true, Unique: true},
				{Name: "description", Type: "string"},
			},
		},
		{
			Name: "roleMembership", Table: "_role_members", System: true,
			PrimaryKey: metadata.PrimaryKey{Field: "role_id", Type: "uuid"},
			Fields: []metadata.Field{
				{Name: "role_id", Type: "uuid", Required: true},
				{Name: "account_id", Type: "uuid", Required: true},
			},
		},
		{
			Name: "entitlement", Table: "_entitlements", PrimaryKey: uuidPK, System: true,
			Fields: []metadata.Field{
				{Name: "id", Type: "uuid"},
				{Name: "name", Type: "string", Required: true, Unique: true},
				{Name: "description", Type: "string"},
				{Name: "group_name", Type: "string"},
				{Name: "applies_to", Type: "json"},
				{Name: "rules", Type: "json"},
			},
		},
		{
			Name: "roleRuleset", Table: "_role_rulesets", PrimaryKey: uuidPK, System: true,
			Fields: []metadata.Field{
				{Name: "id", Type: "uuid"},
				{Name: "role_id", Type: "uuid", Required: true},
				{Name: "entitlement_id", Type: "uuid", Required: true},
				{Name: "target_attribute", Type: "string", Required: true},
			},
		},
		{
			Name: "accountRuleset", Table: "_account_rulesets", PrimaryKey: uuidPK, System: true,
			Fields: []metadata.Field{
				{Name: "id", Type: "uuid"},
				{Name: "account_id", Type: "uuid", Required: true},
				{Name: "entitlement_id", Type: "uuid", Required: true},
				{Name: "target_attribute", Type: "string", Required: true},
			},
		},
	}
}

func (s *Store) seedSystemEntities(ctx context.Context) error {
	for _, entity := range SystemEntities() {
		defJSON, err := json.Marshal(entity)
		if err != nil {
			return fmt.Errorf("marshal system entity %s: %w", entity.Name, err)
		}
		if _, err := s.Pool.Exec(ctx,
			`INSERT INTO _entities (name, table_name, definition) VALUES ($1, $2, $3)
			 ON CONFLICT (name) DO UPDATE SET definition = EXCLUDED.definition, updated_at = NOW()`,
			entity.Name, entity.Table, defJSON,
		); err != nil {
			return fmt.Errorf("seed system entity %s: %w", entity.Name, err)
		}
	}
	return nil
}
