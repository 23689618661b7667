package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/esimstore/internal/models"
)

// ErrOrderNotFound is returned when no order matches the lookup.
var ErrOrderNotFound = errors.New("order not found")

// lockForUpdate adds a row lock on dialects that support it. SQLite
// serializes writers itself and rejects FOR UPDATE.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// Assignment carries the installation payload merged into an order at
// completion time.
type Assignment struct {
	ICCID          string
	MatchingID     string
	SMDPAddress    string
	ActivationCode string
	QRCodeURL      string
}

// Empty reports whether no installation data was resolved at all.
func (a Assignment) Empty() bool {
	return a.ICCID == "" && a.MatchingID == "" && a.SMDPAddress == "" && a.ActivationCode == ""
}

// OrderRepository persists orders. All webhook-driven mutations go through
// row-locked transactions so concurrent redeliveries cannot double-complete
// an order.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository constructs OrderRepository.
func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts a new order. A placeholder reference is assigned when the
// caller did not set one.
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	if order.OrderReference == "" {
		if order.ID == uuid.Nil {
			order.ID = uuid.New()
		}
		order.OrderReference = models.PendingReferencePrefix + order.ID.String()
	}
	if order.Status == "" {
		order.Status = models.OrderStatusOnHold
	}
	if order.PaymentStatus == "" {
		order.PaymentStatus = models.PaymentStatusPending
	}
	return r.db.WithContext(ctx).Create(order).Error
}

// FindByID locates an order by primary key.
func (r *OrderRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).First(&order, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// FindBySession locates an order by its gateway payment session id.
func (r *OrderRepository) FindBySession(ctx context.Context, sessionID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Where("payment_session_id = ?", sessionID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// FindByReference locates an order by its order reference, resolving the
// pending_<id> placeholder convention to the underlying order id.
func (r *OrderRepository) FindByReference(ctx context.Context, ref string) (*models.Order, error) {
	if models.IsPendingReference(ref) {
		raw := strings.TrimPrefix(ref, models.PendingReferencePrefix)
		if id, err := uuid.Parse(raw); err == nil {
			var order models.Order
			err := r.db.WithContext(ctx).First(&order, "id = ?", id).Error
			if err == nil {
				return &order, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}
	}

	var order models.Order
	err := r.db.WithContext(ctx).
		Where("order_reference = ?", ref).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// ListByUser returns a user's orders, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Order, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Order{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []models.Order
	if err := query.Order("created_at desc").Limit(limit).Offset(offset).Find(&orders).Error; err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// List returns orders across all users, optionally filtered by status and
// payment method.
func (r *OrderRepository) List(ctx context.Context, status, method string, limit, offset int) ([]models.Order, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Order{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if method != "" {
		query = query.Where("payment_method = ?", method)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []models.Order
	if err := query.Order("created_at desc").Limit(limit).Offset(offset).Find(&orders).Error; err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// MarkAwaitingFulfillment records a confirmed payment whose provisioning
// could not be completed. The order stays on_hold for manual reconciliation;
// the payment is never rolled back.
func (r *OrderRepository) MarkAwaitingFulfillment(ctx context.Context, id uuid.UUID, provisionErr error) error {
	updates := map[string]any{
		"payment_confirmed": true,
		"payment_status":    models.PaymentStatusSucceeded,
		"esim_issued":       false,
		"status":            models.OrderStatusOnHold,
	}
	if provisionErr != nil {
		updates["fulfillment_error"] = truncateError(provisionErr)
	}
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// CompleteOutcome reports what the completion attempt did.
type CompleteOutcome int

const (
	// OutcomeCompleted means this caller performed the on_hold -> completed
	// transition.
	OutcomeCompleted CompleteOutcome = iota
	// OutcomeAlreadyCompleted means another delivery completed the order
	// first; the call was a no-op.
	OutcomeAlreadyCompleted
	// OutcomeHeld means the payment was recorded but the order stayed
	// on_hold because no installation data was available.
	OutcomeHeld
)

// Complete swaps the placeholder reference for the provider reference,
// merges assignment data and promotes the order. Exactly one caller per
// order observes OutcomeCompleted; replays find the completed row under the
// row lock and no-op.
func (r *OrderRepository) Complete(ctx context.Context, id uuid.UUID, providerRef string, asg Assignment, issued bool) (CompleteOutcome, error) {
	outcome := OutcomeHeld

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := lockForUpdate(tx).
			First(&order, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return err
		}

		if order.Status == models.OrderStatusCompleted {
			outcome = OutcomeAlreadyCompleted
			return nil
		}

		updates := map[string]any{
			"payment_confirmed": true,
			"payment_status":    models.PaymentStatusSucceeded,
		}
		if providerRef != "" {
			updates["order_reference"] = providerRef
		}
		if asg.ICCID != "" {
			updates["iccid"] = asg.ICCID
		}
		if asg.MatchingID != "" {
			updates["matching_id"] = asg.MatchingID
		}
		if asg.SMDPAddress != "" {
			updates["smdp_address"] = asg.SMDPAddress
		}
		if asg.ActivationCode != "" {
			updates["activation_code"] = asg.ActivationCode
		}
		if asg.QRCodeURL != "" {
			updates["qr_code_url"] = asg.QRCodeURL
		}

		// A paid order without installation data must stay on_hold; it is
		// never silently completed.
		if issued || asg.ICCID != "" || asg.ActivationCode != "" {
			now := time.Now()
			updates["status"] = models.OrderStatusCompleted
			updates["esim_issued"] = true
			updates["completed_at"] = &now
			updates["fulfillment_error"] = ""
			// A late payment may land after the sweeper canceled the
			// order; promotion supersedes the timeout verdict.
			updates["canceled_reason"] = ""
			outcome = OutcomeCompleted
		}

		return tx.Model(&models.Order{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

// CancelBySession transitions the order for a payment session to canceled
// unless it already resolved.
func (r *OrderRepository) CancelBySession(ctx context.Context, sessionID, reason string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := lockForUpdate(tx).
			Where("payment_session_id = ?", sessionID).
			First(&order).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return err
		}

		if order.Status != models.OrderStatusOnHold || order.PaymentConfirmed {
			return nil
		}

		return tx.Model(&models.Order{}).
			Where("id = ?", order.ID).
			Updates(map[string]any{
				"status":          models.OrderStatusCanceled,
				"canceled_reason": reason,
				"payment_status":  models.PaymentStatusExpired,
			}).Error
	})
}

// SweepResult summarizes one timeout sweep pass.
type SweepResult struct {
	Canceled   int `json:"canceled"`
	Backfilled int `json:"backfilled"`
}

// Sweep cancels on_hold orders whose deadline passed and backfills a
// deadline onto on_hold orders that lack one, so every held order
// eventually carries an enforceable expiry.
func (r *OrderRepository) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	var held []models.Order
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.OrderStatusOnHold).
		Find(&held).Error; err != nil {
		return result, err
	}

	for _, order := range held {
		if order.ExpiresAt == nil {
			deadline := order.CreatedAt.Add(models.HoldWindow(order.PaymentMethod))
			if err := r.db.WithContext(ctx).
				Model(&models.Order{}).
				Where("id = ?", order.ID).
				Update("expires_at", &deadline).Error; err != nil {
				return result, err
			}
			result.Backfilled++
			continue
		}

		if !order.ExpiresAt.Before(now) || order.PaymentConfirmed {
			continue
		}

		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var current models.Order
			if err := lockForUpdate(tx).
				First(&current, "id = ?", order.ID).Error; err != nil {
				return err
			}
			if current.Status != models.OrderStatusOnHold || current.PaymentConfirmed {
				return nil
			}
			if err := tx.Model(&models.Order{}).
				Where("id = ?", current.ID).
				Updates(map[string]any{
					"status":          models.OrderStatusCanceled,
					"canceled_reason": models.CancelReasonTimeout,
					"payment_status":  models.PaymentStatusExpired,
				}).Error; err != nil {
				return err
			}
			result.Canceled++
			return nil
		})
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

func truncateError(err error) string {
	const maxLen = 1024
	msg := err.Error()
	if len(msg) <= maxLen {
		return msg
	}
	return msg[:maxLen]
}
