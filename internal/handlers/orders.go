package handlers

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/esimstore/internal/services"
	"github.com/example/esimstore/internal/store"
	"github.com/example/esimstore/internal/utils"
)

// OrderHandler exposes order listing, the timeout sweeper and manual
// remediation.
type OrderHandler struct {
	orders      *store.OrderRepository
	fulfillment *services.FulfillmentService
}

// NewOrderHandler constructs OrderHandler.
func NewOrderHandler(orders *store.OrderRepository, fulfillment *services.FulfillmentService) *OrderHandler {
	return &OrderHandler{orders: orders, fulfillment: fulfillment}
}

// List returns orders across all users, optionally filtered by status and
// payment method.
func (h *OrderHandler) List(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)

	orders, total, err := h.orders.List(c.Context(), c.Query("status"), c.Query("payment_method"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    orders,
		"pagination": fiber.Map{
			"current_page":   pg.Page,
			"items_per_page": pg.Limit,
			"total_items":    total,
		},
	})
}

// ListByUser returns one user's orders.
func (h *OrderHandler) ListByUser(c *fiber.Ctx) error {
	userID := c.Params("userID")
	if userID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "user id is required")
	}

	pg := utils.ParsePagination(c)
	orders, total, err := h.orders.ListByUser(c.Context(), userID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    orders,
		"pagination": fiber.Map{
			"current_page":   pg.Page,
			"items_per_page": pg.Limit,
			"total_items":    total,
		},
	})
}

// Sweep runs one timeout pass: expired on_hold orders are canceled and
// held orders lacking a deadline get one backfilled. Invoked by external
// cron.
func (h *OrderHandler) Sweep(c *fiber.Ctx) error {
	result, err := h.orders.Sweep(c.Context(), time.Now())
	if err != nil {
		return err
	}

	log.Printf("[Sweeper] canceled=%d backfilled=%d", result.Canceled, result.Backfilled)
	return c.JSON(fiber.Map{
		"success": true,
		"data":    result,
	})
}

// RetryFulfillment re-runs provisioning for a paid order stuck on hold.
func (h *OrderHandler) RetryFulfillment(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid order id")
	}

	result, err := h.fulfillment.Refulfill(c.Context(), id)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"result":  string(result),
	})
}
