package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"lattice-backend/internal/authz"
	"lattice-backend/internal/metadata"
	"lattice-backend/internal/store"
)

// Handler serves the generic CRUD API over dynamic entities. Every decision
// about who may do what goes through the authorizer; the handler itself
// never inspects grants.
type Handler struct {
	store      *store.Store
	registry   *metadata.Registry
	authorizer *authz.Authorizer
}

func NewHandler(s *store.Store, reg *metadata.Registry, az *authz.Authorizer) *Handler {
	return &Handler{store: s, registry: reg, authorizer: az}
}

// List handles GET /api/:entity
func (h *Handler) List(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	account, err := requireAccount(c)
	if err != nil {
		return err
	}

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	perPage := c.QueryInt("per_page", 50)
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	sql := fmt.Sprintf("SELECT * FROM %s", entity.Table)
	if entity.SoftDelete {
		sql += " WHERE deleted_at IS NULL"
	}
	sql += fmt.Sprintf(" ORDER BY %s LIMIT %d OFFSET %d", entity.PrimaryKey.Field, perPage, (page-1)*perPage)

	rows, err := store.QueryRows(c.Context(), h.store.Pool, sql)
	if err != nil {
		return fmt.Errorf("list %s: %w", entity.Name, err)
	}

	records := make([]authz.Record, len(rows))
	for i, row := range rows {
		records[i] = toRecord(entity, row)
	}

	allowed, err := h.authorizer.AccountCanDo(c.Context(), account, records, authz.ActionRead)
	if err != nil {
		return fmt.Errorf("authorize list %s: %w", entity.Name, err)
	}

	// One filter pipe for the whole page: grants resolve once no matter
	// how many rows stream through.
	pipe := h.authorizer.FilterPipe(c.Context(), account, authz.ActionRead)

	data := make([]map[string]any, 0, len(records))
	for i, rec := range records {
		if !allowed[i] {
			continue
		}
		filtered, err := pipe(rec)
		if err != nil {
			return fmt.Errorf("filter %s: %w", entity.Name, err)
		}
		data = append(data, filtered)
	}

	return c.JSON(fiber.Map{
		"data": data,
		"meta": fiber.Map{"page": page, "per_page": perPage},
	})
}

// GetByID handles GET /api/:entity/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	account, err := requireAccount(c)
	if err != nil {
		return err
	}
	id := c.Params("id")

	row, err := h.fetchRecord(c.Context(), entity, id, false)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError(entity.Name, id))
		}
		return fmt.Errorf("get %s/%s: %w", entity.Name, id, err)
	}

	rec := toRecord(entity, row)
	allowed, err := h.authorizer.AccountCanDo(c.Context(), account, []authz.Record{rec}, authz.ActionRead)
	if err != nil {
		return fmt.Errorf("authorize get %s/%s: %w", entity.Name, id, err)
	}
	if !allowed[0] {
		return respondError(c, NotPermittedError(account.ID, authz.ActionRead, entity.Name))
	}

	filtered, err := h.authorizer.FilterBatch(c.Context(), account, []authz.Record{rec}, authz.ActionRead)
	if err != nil {
		return fmt.Errorf("filter %s/%s: %w", entity.Name, id, err)
	}
	return c.JSON(fiber.Map{"data": filtered[0]})
}

// Create handles POST /api/:entity
func (h *Handler) Create(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	account, err := requireAccount(c)
	if err != nil {
		return err
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	tags := parseTags(body[metadata.AttributesField])
	ok, err := h.authorizer.CanCreate(c.Context(), account, entity.Name, tags)
	if err != nil {
		return fmt.Errorf("authorize create %s: %w", entity.Name, err)
	}
	if !ok {
		return respondError(c, NotPermittedError(account.ID, authz.ActionCreate, entity.Name))
	}

	record, err := h.insertRecord(c.Context(), entity, body, tags)
	if err != nil {
		if errors.Is(store.MapError(err), store.ErrUniqueViolation) {
			return respondError(c, ConflictError("A record with this value already exists"))
		}
		return fmt.Errorf("create %s: %w", entity.Name, err)
	}
	return c.Status(201).JSON(fiber.Map{"data": record})
}

// Update handles PUT /api/:entity/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	account, err := requireAccount(c)
	if err != nil {
		return err
	}
	id := c.Params("id")

	current, err := h.fetchRecord(c.Context(), entity, id, false)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError(entity.Name, id))
		}
		return fmt.Errorf("fetch %s/%s: %w", entity.Name, id, err)
	}

	if err := h.authorizeOne(c, account, entity, current, authz.ActionUpdate); err != nil {
		return err
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	record, err := h.updateRecord(c.Context(), entity, id, body)
	if err != nil {
		if errors.Is(store.MapError(err), store.ErrUniqueViolation) {
			return respondError(c, ConflictError("A record with this value already exists"))
		}
		return fmt.Errorf("update %s/%s: %w", entity.Name, id, err)
	}
	return c.JSON(fiber.Map{"data": record})
}

// Delete handles DELETE /api/:entity/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	account, err := requireAccount(c)
	if err != nil {
		return err
	}
	id := c.Params("id")

	current, err := h.fetchRecord(c.Context(), entity, id, false)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError(entity.Name, id))
		}
		return fmt.Errorf("fetch %s/%s: %w", entity.Name, id, err)
	}

	if err := h.authorizeOne(c, account, entity, current, authz.ActionDelete); err != nil {
		return err
	}

	var sql string
	if entity.SoftDelete {
		sql = fmt.Sprintf("UPDATE %s SET deleted_at = NOW() WHERE %s = $1 AND deleted_at IS NULL",
			entity.Table, entity.PrimaryKey.Field)
	} else {
		sql = fmt.Sprintf("DELETE FROM %s WHERE %s = $1", entity.Table, entity.PrimaryKey.Field)
	}

	affected, err := store.Exec(c.Context(), h.store.Pool, sql, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", entity.Name, id, err)
	}
	if affected == 0 {
		return respondError(c, NotFoundError(entity.Name, id))
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

// Archive handles POST /api/:entity/:id/archive
func (h *Handler) Archive(c *fiber.Ctx) error {
	return h.setArchived(c, authz.ActionArchive)
}

// Restore handles POST /api/:entity/:id/restore
func (h *Handler) Restore(c *fiber.Ctx) error {
	return h.setArchived(c, authz.ActionRestore)
}

func (h *Handler) setArchived(c *fiber.Ctx, action string) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	if !entity.SoftDelete {
		return respondError(c, NewAppError("NOT_ARCHIVABLE", 422,
			fmt.Sprintf("Entity %s does not support archive", entity.Name)))
	}
	account, err := requireAccount(c)
	if err != nil {
		return err
	}
	id := c.Params("id")

	// Restore must see archived rows.
	current, err := h.fetchRecord(c.Context(), entity, id, action == authz.ActionRestore)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError(entity.Name, id))
		}
		return fmt.Errorf("fetch %s/%s: %w", entity.Name, id, err)
	}

	if err := h.authorizeOne(c, account, entity, current, action); err != nil {
		return err
	}

	var sql string
	if action == authz.ActionArchive {
		sql = fmt.Sprintf("UPDATE %s SET deleted_at = NOW() WHERE %s = $1 AND deleted_at IS NULL",
			entity.Table, entity.PrimaryKey.Field)
	} else {
		sql = fmt.Sprintf("UPDATE %s SET deleted_at = NULL WHERE %s = $1 AND deleted_at IS NOT NULL",
			entity.Table, entity.PrimaryKey.Field)
	}

	affected, err := store.Exec(c.Context(), h.store.Pool, sql, id)
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w", action, entity.Name, id, err)
	}
	if affected == 0 {
		return respondError(c, NotFoundError(entity.Name, id))
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

// authorizeOne runs the full decision pipeline for a single record and
// converts a denial into the generic not-permitted response.
func (h *Handler) authorizeOne(c *fiber.Ctx, account *metadata.AccountContext, entity *metadata.Entity, row map[string]any, action string) error {
	rec := toRecord(entity, row)
	allowed, err := h.authorizer.AccountCanDo(c.Context(), account, []authz.Record{rec}, action)
	if err != nil {
		return fmt.Errorf("authorize %s %s: %w", action, entity.Name, err)
	}
	if !allowed[0] {
		return respondError(c, NotPermittedError(account.ID, action, entity.Name))
	}
	return nil
}

func (h *Handler) fetchRecord(ctx context.Context, entity *metadata.Entity, id string, includeArchived bool) (map[string]any, error) {
	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", entity.Table, entity.PrimaryKey.Field)
	if entity.SoftDelete && !includeArchived {
		sql += " AND deleted_at IS NULL"
	}
	return store.QueryRow(ctx, h.store.Pool, sql, id)
}

func (h *Handler) insertRecord(ctx context.Context, entity *metadata.Entity, body map[string]any, tags []string) (map[string]any, error) {
	var cols []string
	var placeholders []string
	var params []any

	for _, f := range entity.WritableFields() {
		v, ok := body[f.Name]
		if !ok {
			continue
		}
		params = append(params, v)
		cols = append(cols, f.Name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(params)))
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	if tags == nil {
		tagsJSON = []byte("[]")
	}
	params = append(params, tagsJSON)
	cols = append(cols, metadata.AttributesField)
	placeholders = append(placeholders, fmt.Sprintf("$%d", len(params)))

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		entity.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return store.QueryRow(ctx, h.store.Pool, sql, params...)
}

func (h *Handler) updateRecord(ctx context.Context, entity *metadata.Entity, id string, body map[string]any) (map[string]any, error) {
	var sets []string
	var params []any

	for _, f := range entity.UpdatableFields() {
		v, ok := body[f.Name]
		if !ok {
			continue
		}
		params = append(params, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", f.Name, len(params)))
	}
	if raw, ok := body[metadata.AttributesField]; ok {
		tagsJSON, err := json.Marshal(parseTags(raw))
		if err != nil {
			return nil, fmt.Errorf("encode attributes: %w", err)
		}
		params = append(params, tagsJSON)
		sets = append(sets, fmt.Sprintf("%s = $%d", metadata.AttributesField, len(params)))
	}
	if len(sets) == 0 {
		return h.fetchRecord(ctx, entity, id, false)
	}

	params = append(params, id)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d RETURNING *",
		entity.Table, strings.Join(sets, ", "), entity.PrimaryKey.Field, len(params))
	row, err := store.QueryRow(ctx, h.store.Pool, sql, params...)
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (h *Handler) resolveEntity(c *fiber.Ctx) (*metadata.Entity, error) {
	name := c.Params("entity")
	entity := h.registry.GetEntity(name)
	if entity == nil {
		return nil, UnknownEntityError(name)
	}
	return entity, nil
}

func getAccount(c *fiber.Ctx) *metadata.AccountContext {
	account, _ := c.Locals("account").(*metadata.AccountContext)
	return account
}

// requireAccount returns the authenticated account or an unauthorized
// error; the generic API is never reachable anonymously.
func requireAccount(c *fiber.Ctx) (*metadata.AccountContext, error) {
	account := getAccount(c)
	if account == nil {
		return nil, UnauthorizedError("Authentication required")
	}
	return account, nil
}

func respondError(c *fiber.Ctx, appErr *AppError) error {
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
}
