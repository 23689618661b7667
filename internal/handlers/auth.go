package handlers

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/example/esimstore/internal/config"
	"github.com/example/esimstore/internal/utils"
)

// AuthHandler exchanges the configured admin secret for a bearer token.
type AuthHandler struct {
	cfg *config.Config
}

// NewAuthHandler constructs AuthHandler.
func NewAuthHandler(cfg *config.Config) *AuthHandler {
	return &AuthHandler{cfg: cfg}
}

type loginRequest struct {
	Secret string `json:"secret"`
}

// Login validates the admin secret and issues a JWT.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if h.cfg.AdminSecret == "" {
		return fiber.NewError(fiber.StatusForbidden, "admin access is not configured")
	}

	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.cfg.AdminSecret)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
	}

	token, err := utils.GenerateToken(h.cfg.JWTSecret, "admin", h.cfg.TokenExpires)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"token":   token,
	})
}
