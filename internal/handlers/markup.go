package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/example/esimstore/internal/models"
	"github.com/example/esimstore/internal/services"
)

// MarkupHandler manages the pricing markup settings.
type MarkupHandler struct {
	db      *gorm.DB
	pricing *services.PricingService
}

// NewMarkupHandler constructs MarkupHandler.
func NewMarkupHandler(db *gorm.DB, pricing *services.PricingService) *MarkupHandler {
	return &MarkupHandler{db: db, pricing: pricing}
}

// Get returns the markup settings and country surcharges.
func (h *MarkupHandler) Get(c *fiber.Ctx) error {
	var settings models.MarkupSettings
	if err := h.db.First(&settings).Error; err != nil {
		return err
	}

	var countries []models.CountryMarkup
	if err := h.db.Order("country_code asc").Find(&countries).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success":   true,
		"settings":  settings,
		"countries": countries,
	})
}

type markupUpdateRequest struct {
	BaseMarkup   *float64 `json:"base_markup"`
	StarsMarkup  *float64 `json:"stars_markup"`
	CardMarkup   *float64 `json:"card_markup"`
	CryptoMarkup *float64 `json:"crypto_markup"`
}

// Update mutates the markup multipliers.
func (h *MarkupHandler) Update(c *fiber.Ctx) error {
	var req markupUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	updates := map[string]any{}
	for field, v := range map[string]*float64{
		"base_markup":   req.BaseMarkup,
		"stars_markup":  req.StarsMarkup,
		"card_markup":   req.CardMarkup,
		"crypto_markup": req.CryptoMarkup,
	} {
		if v == nil {
			continue
		}
		if *v <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "markup multipliers must be positive")
		}
		updates[field] = *v
	}
	if len(updates) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "no fields to update")
	}

	var settings models.MarkupSettings
	if err := h.db.First(&settings).Error; err != nil {
		return err
	}

	if err := h.db.Model(&settings).Updates(updates).Error; err != nil {
		return err
	}

	h.pricing.Invalidate()
	return h.Get(c)
}

type countryMarkupRequest struct {
	Percent float64 `json:"percent"`
}

// UpsertCountry sets the surcharge percentage for one country.
func (h *MarkupHandler) UpsertCountry(c *fiber.Ctx) error {
	code := strings.ToUpper(strings.TrimSpace(c.Params("code")))
	if code == "" {
		return fiber.NewError(fiber.StatusBadRequest, "country code is required")
	}

	var req countryMarkupRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	var markup models.CountryMarkup
	err := h.db.Where("country_code = ?", code).First(&markup).Error
	switch {
	case err == nil:
		if err := h.db.Model(&markup).Update("percent", req.Percent).Error; err != nil {
			return err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		markup = models.CountryMarkup{CountryCode: code, Percent: req.Percent}
		if err := h.db.Create(&markup).Error; err != nil {
			return err
		}
	default:
		return err
	}

	h.pricing.Invalidate()
	return c.JSON(fiber.Map{"success": true, "data": markup})
}

// DeleteCountry removes a country surcharge.
func (h *MarkupHandler) DeleteCountry(c *fiber.Ctx) error {
	code := strings.ToUpper(strings.TrimSpace(c.Params("code")))
	if code == "" {
		return fiber.NewError(fiber.StatusBadRequest, "country code is required")
	}

	if err := h.db.Where("country_code = ?", code).Delete(&models.CountryMarkup{}).Error; err != nil {
		return err
	}

	h.pricing.Invalidate()
	return c.JSON(fiber.Map{"success": true})
}
