package models

import (
	"strings"
	"time"
)

// Order statuses.
const (
	OrderStatusOnHold    = "on_hold"
	OrderStatusCompleted = "completed"
	OrderStatusFailed    = "failed"
	OrderStatusCanceled  = "canceled"
)

// Payment methods.
const (
	PaymentMethodStars  = "stars"
	PaymentMethodCard   = "card"
	PaymentMethodCrypto = "crypto"
)

// Payment statuses.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusExpired   = "expired"
)

// CancelReasonTimeout marks orders canceled by the timeout sweeper.
const CancelReasonTimeout = "timeout"

// PendingReferencePrefix prefixes the placeholder order reference used
// before the provisioning provider has issued a real one.
const PendingReferencePrefix = "pending_"

// Order is the central entity: one purchase of an eSIM bundle, tracked from
// payment-intent creation through provisioning and delivery.
type Order struct {
	BaseModel
	UserID string `gorm:"index" json:"user_id"`
	ChatID int64  `json:"chat_id"`

	// OrderReference is provider-issued once provisioning succeeds; before
	// that it holds a pending_<id> placeholder.
	OrderReference string `gorm:"index" json:"order_reference"`

	Status           string `gorm:"index" json:"status"`
	PaymentMethod    string `json:"payment_method"`
	PaymentSessionID string `gorm:"uniqueIndex" json:"payment_session_id"`
	PaymentStatus    string `json:"payment_status"`
	PaymentConfirmed bool   `json:"payment_confirmed"`
	EsimIssued       bool   `json:"esim_issued"`

	CostPrice  float64 `json:"cost_price"`
	FinalPrice float64 `json:"final_price"`
	Currency   string  `json:"currency"`

	BundleID string `json:"bundle_id"`
	PlanName string `json:"plan_name"`
	Country  string `json:"country"`

	// DeviceID is set when the purchase tops up an already-issued eSIM
	// instead of issuing a new one.
	DeviceID string `json:"device_id"`

	ICCID          string `gorm:"column:iccid" json:"iccid"`
	MatchingID     string `json:"matching_id"`
	SMDPAddress    string `json:"smdp_address"`
	ActivationCode string `json:"activation_code"`
	QRCodeURL      string `json:"qr_code_url"`

	ExpiresAt        *time.Time `json:"expires_at"`
	FailedReason     string     `json:"failed_reason"`
	CanceledReason   string     `json:"canceled_reason"`
	FulfillmentError string     `json:"fulfillment_error"`
	CompletedAt      *time.Time `json:"completed_at"`
}

// ExtendMode reports whether the order tops up an existing eSIM.
func (o *Order) ExtendMode() bool {
	return o.DeviceID != ""
}

// HasAssignment reports whether installation data was resolved.
func (o *Order) HasAssignment() bool {
	return o.ICCID != "" || o.ActivationCode != ""
}

// IsPendingReference reports whether an order reference is the synthetic
// placeholder written before provisioning succeeded.
func IsPendingReference(ref string) bool {
	return strings.HasPrefix(ref, PendingReferencePrefix)
}

// HoldWindow returns the default on-hold lifetime for a payment method,
// used to backfill expires_at on orders that lack one.
func HoldWindow(method string) time.Duration {
	switch method {
	case PaymentMethodCard:
		return 24 * time.Hour
	case PaymentMethodCrypto:
		return time.Hour
	default:
		return time.Hour
	}
}
