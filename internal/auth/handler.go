package auth

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"lattice-backend/internal/engine"
	"lattice-backend/internal/store"
)

// Handler serves the authentication endpoints.
type Handler struct {
	store     *store.Store
	jwtSecret string
}

func NewHandler(s *store.Store, jwtSecret string) *Handler {
	return &Handler{store: s, jwtSecret: jwtSecret}
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return engine.UnauthorizedError("Email and password are required")
	}

	ctx := c.Context()

	account, err := store.QueryRow(ctx, h.store.Pool,
		"SELECT id, email, password_hash, active FROM _accounts WHERE email = $1", body.Email)
	if err != nil {
		return engine.UnauthorizedError("Invalid email or password")
	}

	active, _ := account["active"].(bool)
	if !active {
		return engine.UnauthorizedError("Account is disabled")
	}

	passwordHash, _ := account["password_hash"].(string)
	if !CheckPassword(body.Password, passwordHash) {
		return engine.UnauthorizedError("Invalid email or password")
	}

	accountID, _ := account["id"].(string)
	roles, err := h.roleNames(ctx, accountID)
	if err != nil {
		return engine.NewAppError("INTERNAL_ERROR", 500, "Failed to load roles")
	}

	pair, err := h.generateTokenPair(ctx, accountID, roles, active)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": pair})
}

// Refresh handles POST /api/auth/refresh.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	ctx := c.Context()

	row, err := store.QueryRow(ctx, h.store.Pool,
		`SELECT rt.id, rt.account_id, rt.expires_at, a.active
		 FROM _refresh_tokens rt
		 JOIN _accounts a ON a.id = rt.account_id
		 WHERE rt.token = $1`, body.RefreshToken)
	if err != nil {
		return engine.UnauthorizedError("Invalid refresh token")
	}

	expiresAt, _ := row["expires_at"].(time.Time)
	if time.Now().After(expiresAt) {
		_, _ = store.Exec(ctx, h.store.Pool,
			"DELETE FROM _refresh_tokens WHERE token = $1", body.RefreshToken)
		return engine.UnauthorizedError("Refresh token expired")
	}

	active, _ := row["active"].(bool)
	if !active {
		return engine.UnauthorizedError("Account is disabled")
	}

	// Rotation: the used refresh token is single-use.
	tokenID, _ := row["id"].(string)
	_, _ = store.Exec(ctx, h.store.Pool,
		"DELETE FROM _refresh_tokens WHERE id = $1", tokenID)

	accountID, _ := row["account_id"].(string)
	roles, err := h.roleNames(ctx, accountID)
	if err != nil {
		return engine.NewAppError("INTERNAL_ERROR", 500, "Failed to load roles")
	}

	pair, err := h.generateTokenPair(ctx, accountID, roles, active)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": pair})
}

// Logout handles POST /api/auth/logout.
func (h *Handler) Logout(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	_, _ = store.Exec(c.Context(), h.store.Pool,
		"DELETE FROM _refresh_tokens WHERE token = $1", body.RefreshToken)

	return c.JSON(fiber.Map{"message": "Logged out"})
}

// Me handles GET /api/auth/me.
func (h *Handler) Me(c *fiber.Ctx) error {
	account := GetAccount(c)
	if account == nil {
		return engine.UnauthorizedError("Missing auth token")
	}

	row, err := store.QueryRow(c.Context(), h.store.Pool,
		"SELECT id, email, active, created_at FROM _accounts WHERE id = $1", account.ID)
	if err != nil {
		return engine.UnauthorizedError("Account no longer exists")
	}
	row["roles"] = account.Roles

	return c.JSON(fiber.Map{"data": row})
}

// RegisterRoutes registers auth routes on the given Fiber app. Login,
// refresh and logout are reachable without a token; me requires one.
func RegisterRoutes(app *fiber.App, h *Handler, authMW fiber.Handler) {
	grp := app.Group("/api/auth")
	grp.Post("/login", h.Login)
	grp.Post("/refresh", h.Refresh)
	grp.Post("/logout", h.Logout)
	grp.Get("/me", authMW, h.Me)
}

// --- helpers ---

func (h *Handler) roleNames(ctx context.Context, accountID string) ([]string, error) {
	rows, err := store.QueryRows(ctx, h.store.Pool,
		`SELECT r.name FROM _roles r
		 JOIN _role_members m ON m.role_id = r.id
		 WHERE m.account_id = $1
		 ORDER BY r.name`, accountID)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if name, ok := row["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

func (h *Handler) generateTokenPair(ctx context.Context, accountID string, roles []string, active bool) (*TokenPair, error) {
	accessToken, err := GenerateAccessToken(accountID, roles, active, h.jwtSecret)
	if err != nil {
		return nil, engine.NewAppError("INTERNAL_ERROR", 500, "Failed to generate access token")
	}

	refreshToken := GenerateRefreshToken()
	expiresAt := time.Now().Add(RefreshTokenTTL)

	_, err = store.Exec(ctx, h.store.Pool,
		`INSERT INTO _refresh_tokens (account_id, token, expires_at) VALUES ($1, $2, $3)`,
		accountID, refreshToken, expiresAt)
	if err != nil {
		return nil, engine.NewAppError("INTERNAL_ERROR", 500, "Failed to store refresh token")
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}
