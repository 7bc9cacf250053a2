package admin

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"lattice-backend/internal/authz"
	"lattice-backend/internal/engine"
	"lattice-backend/internal/metadata"
	"lattice-backend/internal/store"
)

// Handler serves the dedicated administrative operations. The generic API
// blocks every mutation of the authorization model's own entity types;
// these endpoints are the only way to change roles, memberships and grants.
type Handler struct {
	store      *store.Store
	registry   *metadata.Registry
	migrator   *store.Migrator
	catalog    *authz.Catalog
	authorizer *authz.Authorizer
}

func NewHandler(s *store.Store, reg *metadata.Registry, mig *store.Migrator, cat *authz.Catalog, az *authz.Authorizer) *Handler {
	return &Handler{store: s, registry: reg, migrator: mig, catalog: cat, authorizer: az}
}

func RegisterRoutes(app *fiber.App, h *Handler, authMW, adminMW fiber.Handler) {
	admin := app.Group("/api/_admin", authMW, adminMW)

	admin.Get("/entities", h.ListEntities)
	admin.Get("/entities/:name", h.GetEntity)
	admin.Post("/entities", h.CreateEntity)
	admin.Put("/entities/:name", h.UpdateEntity)
	admin.Delete("/entities/:name", h.DeleteEntity)

	admin.Get("/roles", h.ListRoles)
	admin.Post("/roles", h.CreateRole)
	admin.Delete("/roles/:id", h.DeleteRole)
	admin.Post("/roles/:id/members", h.AddMember)
	admin.Delete("/roles/:id/members/:accountId", h.RemoveMember)
	admin.Post("/roles/:id/rulesets", h.GrantRoleRuleset)
	admin.Delete("/roles/:id/rulesets/:rulesetId", h.RevokeRoleRuleset)
	admin.Post("/roles/:id/preview", h.PreviewRoleAccess)

	admin.Post("/accounts/:id/rulesets", h.GrantAccountRuleset)
	admin.Delete("/accounts/:id/rulesets/:rulesetId", h.RevokeAccountRuleset)
	admin.Delete("/accounts/:id", h.DeleteAccount)

	admin.Get("/entitlements", h.ListEntitlements)
	admin.Get("/entitlements/names", h.ListEntitlementNames)
}

// --- Entity schema endpoints ---

func (h *Handler) ListEntities(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.Context(), h.store.Pool,
		"SELECT name, table_name, definition, created_at, updated_at FROM _entities ORDER BY name")
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

func (h *Handler) GetEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	row, err := store.QueryRow(c.Context(), h.store.Pool,
		"SELECT name, table_name, definition, created_at, updated_at FROM _entities WHERE name = $1", name)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Entity not found: " + name}})
	}
	return c.JSON(fiber.Map{"data": row})
}

func (h *Handler) CreateEntity(c *fiber.Ctx) error {
	var entity metadata.Entity
	if err := c.BodyParser(&entity); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": fiber.Map{"code": "INVALID_PAYLOAD", "message": "Invalid JSON body"}})
	}

	if err := validateEntity(&entity); err != nil {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": err.Error()}})
	}

	if existing := h.registry.GetEntity(entity.Name); existing != nil {
		return c.Status(409).JSON(fiber.Map{"error": fiber.Map{"code": "CONFLICT", "message": "Entity already exists: " + entity.Name}})
	}

	defJSON, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}

	_, err = store.Exec(c.Context(), h.store.Pool,
		"INSERT INTO _entities (name, table_name, definition) VALUES ($1, $2, $3)",
		entity.Name, entity.Table, defJSON)
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}

	if err := h.migrator.Migrate(c.Context(), &entity); err != nil {
		return fmt.Errorf("migrate entity %s: %w", entity.Name, err)
	}

	if err := metadata.Reload(c.Context(), h.store.Pool, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	return c.Status(201).JSON(fiber.Map{"data": entity})
}

func (h *Handler) UpdateEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	existing := h.registry.GetEntity(name)
	if existing == nil {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Entity not found: " + name}})
	}
	if existing.System {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": "System entity schemas are immutable"}})
	}

	var entity metadata.Entity
	if err := c.BodyParser(&entity); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": fiber.Map{"code": "INVALID_PAYLOAD", "message": "Invalid JSON body"}})
	}
	entity.Name = name // ensure name matches URL

	if err := validateEntity(&entity); err != nil {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": err.Error()}})
	}

	defJSON, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}

	_, err = store.Exec(c.Context(), h.store.Pool,
		"UPDATE _entities SET table_name = $1, definition = $2, updated_at = NOW() WHERE name = $3",
		entity.Table, defJSON, name)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}

	if err := h.migrator.Migrate(c.Context(), &entity); err != nil {
		return fmt.Errorf("migrate entity %s: %w", entity.Name, err)
	}

	if err := metadata.Reload(c.Context(), h.store.Pool, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	return c.JSON(fiber.Map{"data": entity})
}

func (h *Handler) DeleteEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	existing := h.registry.GetEntity(name)
	if existing == nil {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Entity not found: " + name}})
	}
	if existing.System {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": "System entities cannot be deleted"}})
	}

	_, err := store.Exec(c.Context(), h.store.Pool,
		"DELETE FROM _entities WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("delete entity %s: %w", name, err)
	}

	if err := metadata.Reload(c.Context(), h.store.Pool, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"name": name, "deleted": true}})
}

// --- Role endpoints ---

func (h *Handler) ListRoles(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.Context(), h.store.Pool,
		"SELECT id, name, description, created_at, updated_at FROM _roles ORDER BY name")
	if err != nil {
		return fmt.Errorf("list roles: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

func (h *Handler) CreateRole(c *fiber.Ctx) error {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": fiber.Map{"code": "INVALID_PAYLOAD", "message": "Invalid JSON body"}})
	}
	if body.Name == "" {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": "Role name is required"}})
	}

	row, err := store.QueryRow(c.Context(), h.store.Pool,
		"INSERT INTO _roles (name, description) VALUES ($1, $2) RETURNING id, name, description",
		body.Name, body.Description)
	if err != nil {
		if errors.Is(store.MapError(err), store.ErrUniqueViolation) {
			return c.Status(409).JSON(fiber.Map{"error": fiber.Map{"code": "CONFLICT", "message": "Role already exists: " + body.Name}})
		}
		return fmt.Errorf("create role %s: %w", body.Name, err)
	}

	return c.Status(201).JSON(fiber.Map{"data": row})
}

func (h *Handler) DeleteRole(c *fiber.Ctx) error {
	id := c.Params("id")

	// Memberships and rulesets cascade with the role row.
	affected, err := store.Exec(c.Context(), h.store.Pool,
		"DELETE FROM _roles WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete role %s: %w", id, err)
	}
	if affected == 0 {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Role not found: " + id}})
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

func (h *Handler) AddMember(c *fiber.Ctx) error {
	roleID := c.Params("id")
	var body struct {
		AccountID string `json:"account_id"`
	}
	if err := c.BodyParser(&body); err != nil || body.AccountID == "" {
		return c.Status(400).JSON(fiber.Map{"error": fiber.Map{"code": "INVALID_PAYLOAD", "message": "account_id is required"}})
	}

	_, err := store.Exec(c.Context(), h.store.Pool,
		"INSERT INTO _role_members (role_id, account_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		roleID, body.AccountID)
	if err != nil {
		return fmt.Errorf("add member %s to role %s: %w", body.AccountID, roleID, err)
	}
	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{"role_id": roleID, "account_id": body.AccountID}})
}

func (h *Handler) RemoveMember(c *fiber.Ctx) error {
	roleID := c.Params("id")
	accountID := c.Params("accountId")

	affected, err := store.Exec(c.Context(), h.store.Pool,
		"DELETE FROM _role_members WHERE role_id = $1 AND account_id = $2", roleID, accountID)
	if err != nil {
		return fmt.Errorf("remove member %s from role %s: %w", accountID, roleID, err)
	}
	if affected == 0 {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Membership not found"}})
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"role_id": roleID, "account_id": accountID, "removed": true}})
}

// --- Ruleset endpoints ---

type rulesetBody struct {
	Entitlement     string `json:"entitlement"`
	TargetAttribute string `json:"target_attribute"`
}

func (h *Handler) GrantRoleRuleset(c *fiber.Ctx) error {
	roleID := c.Params("id")
	body, entitlementID, err := h.parseRulesetBody(c)
	if err != nil {
		return err
	}

	row, qerr := store.QueryRow(c.Context(), h.store.Pool,
		`INSERT INTO _role_rulesets (role_id, entitlement_id, target_attribute)
		 VALUES ($1, $2, $3) RETURNING id, role_id, entitlement_id, target_attribute`,
		roleID, entitlementID, body.TargetAttribute)
	if qerr != nil {
		return fmt.Errorf("grant ruleset to role %s: %w", roleID, qerr)
	}
	return c.Status(201).JSON(fiber.Map{"data": row})
}

func (h *Handler) RevokeRoleRuleset(c *fiber.Ctx) error {
	roleID := c.Params("id")
	rulesetID := c.Params("rulesetId")

	affected, err := store.Exec(c.Context(), h.store.Pool,
		"DELETE FROM _role_rulesets WHERE id = $1 AND role_id = $2", rulesetID, roleID)
	if err != nil {
		return fmt.Errorf("revoke ruleset %s from role %s: %w", rulesetID, roleID, err)
	}
	if affected == 0 {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Ruleset not found: " + rulesetID}})
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": rulesetID, "revoked": true}})
}

func (h *Handler) GrantAccountRuleset(c *fiber.Ctx) error {
	accountID := c.Params("id")
	body, entitlementID, err := h.parseRulesetBody(c)
	if err != nil {
		return err
	}

	row, qerr := store.QueryRow(c.Context(), h.store.Pool,
		`INSERT INTO _account_rulesets (account_id, entitlement_id, target_attribute)
		 VALUES ($1, $2, $3) RETURNING id, account_id, entitlement_id, target_attribute`,
		accountID, entitlementID, body.TargetAttribute)
	if qerr != nil {
		return fmt.Errorf("grant ruleset to account %s: %w", accountID, qerr)
	}
	return c.Status(201).JSON(fiber.Map{"data": row})
}

func (h *Handler) RevokeAccountRuleset(c *fiber.Ctx) error {
	accountID := c.Params("id")
	rulesetID := c.Params("rulesetId")

	affected, err := store.Exec(c.Context(), h.store.Pool,
		"DELETE FROM _account_rulesets WHERE id = $1 AND account_id = $2", rulesetID, accountID)
	if err != nil {
		return fmt.Errorf("revoke ruleset %s from account %s: %w", rulesetID, accountID, err)
	}
	if affected == 0 {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Ruleset not found: " + rulesetID}})
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": rulesetID, "revoked": true}})
}

// parseRulesetBody reads a grant request and resolves its entitlement name
// to the stored id. Granting an unknown entitlement is rejected outright
// rather than persisted as a dangling reference.
func (h *Handler) parseRulesetBody(c *fiber.Ctx) (*rulesetBody, string, error) {
	var body rulesetBody
	if err := c.BodyParser(&body); err != nil {
		return nil, "", engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if body.Entitlement == "" || body.TargetAttribute == "" {
		return nil, "", engine.NewAppError("VALIDATION_FAILED", 422, "entitlement and target_attribute are required")
	}

	row, err := store.QueryRow(c.Context(), h.store.Pool,
		"SELECT id FROM _entitlements WHERE name = $1", body.Entitlement)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", engine.NewAppError("VALIDATION_FAILED", 422, "Unknown entitlement: "+body.Entitlement)
		}
		return nil, "", fmt.Errorf("look up entitlement %s: %w", body.Entitlement, err)
	}
	id, _ := row["id"].(string)
	return &body, id, nil
}

// --- Account endpoints ---

func (h *Handler) DeleteAccount(c *fiber.Ctx) error {
	id := c.Params("id")

	// Memberships, direct rulesets and refresh tokens cascade.
	affected, err := store.Exec(c.Context(), h.store.Pool,
		"DELETE FROM _accounts WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	if affected == 0 {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Account not found: " + id}})
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

// --- Entitlement endpoints ---

func (h *Handler) ListEntitlements(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.Context(), h.store.Pool,
		"SELECT id, name, description, group_name, applies_to, rules, updated_at FROM _entitlements ORDER BY name")
	if err != nil {
		return fmt.Errorf("list entitlements: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

// ListEntitlementNames returns the catalog's registered names, the same
// union persisted to the names artifact.
func (h *Handler) ListEntitlementNames(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.catalog.Names()})
}

// --- Access preview ---

type previewRecord struct {
	EntityType string   `json:"entity_type"`
	Attributes []string `json:"attributes"`
}

// PreviewRoleAccess answers what a role's rulesets would permit, without
// any concrete account. Useful for auditing a role before assigning it.
func (h *Handler) PreviewRoleAccess(c *fiber.Ctx) error {
	roleID := c.Params("id")
	var body struct {
		Action  string          `json:"action"`
		Records []previewRecord `json:"records"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": fiber.Map{"code": "INVALID_PAYLOAD", "message": "Invalid JSON body"}})
	}
	if body.Action == "" || len(body.Records) == 0 {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": "action and records are required"}})
	}

	records := make([]authz.Record, len(body.Records))
	for i, r := range body.Records {
		records[i] = authz.Record{EntityType: r.EntityType, Tags: r.Attributes}
	}

	allowed, err := h.authorizer.RolesCanDo(c.Context(), []string{roleID}, records, body.Action)
	if err != nil {
		return fmt.Errorf("preview role %s: %w", roleID, err)
	}
	return c.JSON(fiber.Map{"data": allowed})
}

// --- Validation ---

func validateEntity(e *metadata.Entity) error {
	if e.Name == "" {
		return fmt.Errorf("entity name is required")
	}
	if e.Table == "" {
		return fmt.Errorf("table name is required")
	}
	if len(e.Fields) == 0 {
		return fmt.Errorf("entity must have at least one field")
	}
	if e.PrimaryKey.Field == "" {
		return fmt.Errorf("primary key field is required")
	}
	if !e.HasField(e.PrimaryKey.Field) {
		return fmt.Errorf("primary key field %s not found in fields", e.PrimaryKey.Field)
	}
	if e.System {
		return fmt.Errorf("system flag is reserved for built-in entities")
	}
	return nil
}
