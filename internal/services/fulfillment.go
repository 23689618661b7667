package services

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/example/esimstore/internal/idempotency"
	"github.com/example/esimstore/internal/models"
	"github.com/example/esimstore/internal/store"
)

// Result codes reported by the orchestrator. Webhooks are answered
// successfully regardless; these drive logging and responses bodies.
type Result string

const (
	ResultFulfilled            Result = "fulfilled"
	ResultProvisioningDeferred Result = "provisioning_deferred"
	ResultDuplicate            Result = "duplicate"
	ResultOrderNotFound        Result = "order_not_found"
	ResultAlreadyCompleted     Result = "already_completed"
)

// PaymentEvent is a confirmed payment handed to the orchestrator by a
// gateway webhook handler.
type PaymentEvent struct {
	Method    string
	SessionID string
	// ChargeID is the provider's charge identifier used for dedup; it is
	// stable across webhook redeliveries.
	ChargeID string

	UserID string
	ChatID int64

	BundleID string
	PlanName string
	Country  string
	// DeviceID switches the flow into top-up mode against that eSIM.
	DeviceID string

	CostPrice  float64
	FinalPrice float64
	Currency   string
}

// Provisioner is the subset of the upstream client the orchestrator needs.
type Provisioner interface {
	CreateOrder(ctx context.Context, bundleID, deviceID string) (*ProvisionResult, error)
	GetAssignments(ctx context.Context, orderRef string) (*Assignment, error)
}

// Notifier delivers user-facing chat messages.
type Notifier interface {
	SendMessage(chatID int64, text string) error
	SendPhoto(chatID int64, photoURL, caption string) error
	NotifyPaymentSuccess(p PaymentSuccessNotification) error
	NotifyManualReview(orderRef, sessionID, reason string) error
}

// FulfillmentService turns a confirmed payment into a provisioned eSIM,
// exactly once, degrading to a manual-review hold when the upstream
// provider fails. Money received and eSIM delivered are decoupled: once the
// payment is confirmed, no error here surfaces back to the gateway.
type FulfillmentService struct {
	orders      *store.OrderRepository
	provisioner Provisioner
	notifier    Notifier
	dedup       idempotency.Store

	retryDelays  []time.Duration
	pollDelay    time.Duration
	pollAttempts int
}

// NewFulfillmentService constructs FulfillmentService.
func NewFulfillmentService(orders *store.OrderRepository, provisioner Provisioner, notifier Notifier, dedup idempotency.Store) *FulfillmentService {
	return &FulfillmentService{
		orders:       orders,
		provisioner:  provisioner,
		notifier:     notifier,
		dedup:        dedup,
		retryDelays:  []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
		pollDelay:    3 * time.Second,
		pollAttempts: 3,
	}
}

// ProcessPayment runs the full pipeline: dedup gate, order lookup (or
// synthesis for the chat-native gateway), provisioning with retry,
// assignment resolution, persisted completion, user notification.
func (s *FulfillmentService) ProcessPayment(ctx context.Context, ev PaymentEvent) (Result, error) {
	seen, err := s.dedup.Seen(ctx, idempotency.Key(ev.Method, ev.ChargeID))
	if err != nil {
		// Dedup is best-effort; the completion gate still protects us.
		log.Printf("[Fulfillment] dedup check failed for %s: %v", ev.ChargeID, err)
	} else if seen {
		log.Printf("[Fulfillment] duplicate payment %s, skipping", ev.ChargeID)
		return ResultDuplicate, nil
	}

	order, err := s.locateOrder(ctx, ev)
	if err != nil {
		if err == store.ErrOrderNotFound {
			log.Printf("[Fulfillment] order not found for session %s", ev.SessionID)
			return ResultOrderNotFound, nil
		}
		return "", err
	}

	if order.Status == models.OrderStatusCompleted {
		log.Printf("[Fulfillment] order %s already completed, skipping", order.OrderReference)
		return ResultAlreadyCompleted, nil
	}

	return s.fulfill(ctx, order, ev)
}

// Refulfill re-runs provisioning for a paid order stuck on hold. It backs
// the manual remediation endpoint and bypasses the dedup gate.
func (s *FulfillmentService) Refulfill(ctx context.Context, orderID uuid.UUID) (Result, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if err == store.ErrOrderNotFound {
			return ResultOrderNotFound, nil
		}
		return "", err
	}

	if order.Status == models.OrderStatusCompleted {
		return ResultAlreadyCompleted, nil
	}
	if !order.PaymentConfirmed {
		return "", fmt.Errorf("order %s has no confirmed payment", order.OrderReference)
	}

	return s.fulfill(ctx, order, PaymentEvent{
		Method:     order.PaymentMethod,
		SessionID:  order.PaymentSessionID,
		ChargeID:   order.PaymentSessionID,
		UserID:     order.UserID,
		ChatID:     order.ChatID,
		BundleID:   order.BundleID,
		PlanName:   order.PlanName,
		Country:    order.Country,
		DeviceID:   order.DeviceID,
		CostPrice:  order.CostPrice,
		FinalPrice: order.FinalPrice,
		Currency:   order.Currency,
	})
}

func (s *FulfillmentService) fulfill(ctx context.Context, order *models.Order, ev PaymentEvent) (Result, error) {
	res, provErr := s.provisionWithRetry(ctx, ev)
	if provErr != nil {
		return s.deferFulfillment(ctx, order, ev, provErr)
	}

	asg := s.resolveAssignment(ctx, res)

	outcome, err := s.orders.Complete(ctx, order.ID, res.OrderReference, asg, res.Issued)
	if err != nil {
		log.Printf("[Fulfillment] completing order %s failed: %v", order.OrderReference, err)
		return s.deferFulfillment(ctx, order, ev, err)
	}

	switch outcome {
	case store.OutcomeAlreadyCompleted:
		log.Printf("[Fulfillment] order %s already completed by another delivery", order.OrderReference)
		return ResultAlreadyCompleted, nil
	case store.OutcomeHeld:
		// Paid but unprovisioned: the order stays on_hold, never silently
		// completed.
		if err := s.orders.MarkAwaitingFulfillment(ctx, order.ID, fmt.Errorf("assignment not ready for order %s", res.OrderReference)); err != nil {
			log.Printf("[Fulfillment] marking order %s awaiting fulfillment failed: %v", order.OrderReference, err)
		}
		s.notifyDelay(ev)
		return ResultProvisioningDeferred, nil
	}

	s.notifySuccess(ev, asg)

	go func() {
		if err := s.notifier.NotifyPaymentSuccess(PaymentSuccessNotification{
			OrderReference: res.OrderReference,
			PaymentMethod:  ev.Method,
			Amount:         ev.FinalPrice,
			Currency:       ev.Currency,
			Country:        ev.Country,
			PlanName:       ev.PlanName,
		}); err != nil {
			log.Printf("[Fulfillment] admin payment notification failed: %v", err)
		}
	}()

	return ResultFulfilled, nil
}

// locateOrder finds the pending order for the event. The chat-native
// gateway carries the whole order details in its payload instead of a
// pre-created pending order, so one is synthesized at settlement time.
func (s *FulfillmentService) locateOrder(ctx context.Context, ev PaymentEvent) (*models.Order, error) {
	order, err := s.orders.FindBySession(ctx, ev.SessionID)
	if err == nil {
		return order, nil
	}
	if err != store.ErrOrderNotFound {
		return nil, err
	}

	if ev.Method != models.PaymentMethodStars {
		return nil, store.ErrOrderNotFound
	}

	expires := time.Now().Add(models.HoldWindow(models.PaymentMethodStars))
	order = &models.Order{
		UserID:           ev.UserID,
		ChatID:           ev.ChatID,
		Status:           models.OrderStatusOnHold,
		PaymentMethod:    models.PaymentMethodStars,
		PaymentSessionID: ev.SessionID,
		PaymentStatus:    models.PaymentStatusSucceeded,
		PaymentConfirmed: true,
		CostPrice:        ev.CostPrice,
		FinalPrice:       ev.FinalPrice,
		Currency:         ev.Currency,
		BundleID:         ev.BundleID,
		PlanName:         ev.PlanName,
		Country:          ev.Country,
		DeviceID:         ev.DeviceID,
		ExpiresAt:        &expires,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// provisionWithRetry calls the upstream order creation, retrying up to
// len(retryDelays) times with increasing backoff.
func (s *FulfillmentService) provisionWithRetry(ctx context.Context, ev PaymentEvent) (*ProvisionResult, error) {
	var lastErr error
	for attempt := 0; attempt <= len(s.retryDelays); attempt++ {
		if attempt > 0 {
			time.Sleep(s.retryDelays[attempt-1])
		}

		res, err := s.provisioner.CreateOrder(ctx, ev.BundleID, ev.DeviceID)
		if err == nil {
			return res, nil
		}
		lastErr = err
		log.Printf("[Fulfillment] provisioning attempt %d for session %s failed: %v", attempt+1, ev.SessionID, err)
	}
	return nil, lastErr
}

// resolveAssignment extracts installation data from the provisioning
// response, polling the assignments endpoint when it is not ready yet and
// synthesizing the activation code when the provider omitted it.
func (s *FulfillmentService) resolveAssignment(ctx context.Context, res *ProvisionResult) store.Assignment {
	var asg Assignment
	if res.Assignment != nil {
		asg = *res.Assignment
	}

	if asg.Empty() {
		for attempt := 0; attempt < s.pollAttempts; attempt++ {
			if attempt > 0 {
				time.Sleep(s.pollDelay)
			}
			polled, err := s.provisioner.GetAssignments(ctx, res.OrderReference)
			if err != nil {
				log.Printf("[Fulfillment] assignment poll %d for %s failed: %v", attempt+1, res.OrderReference, err)
				continue
			}
			if polled != nil && !polled.Empty() {
				asg = *polled
				break
			}
		}
		// Fall back to whatever the original response contained.
		if asg.Empty() && res.Assignment != nil {
			asg = *res.Assignment
		}
	}

	if asg.ActivationCode == "" && asg.MatchingID != "" && asg.SMDPAddress != "" {
		asg.ActivationCode = SynthesizeActivationCode(asg.SMDPAddress, asg.MatchingID)
	}

	out := store.Assignment{
		ICCID:          asg.ICCID,
		MatchingID:     asg.MatchingID,
		SMDPAddress:    asg.SMDPAddress,
		ActivationCode: asg.ActivationCode,
	}
	if out.ActivationCode != "" {
		out.QRCodeURL = QRCodeURL(out.ActivationCode)
	}
	return out
}

func (s *FulfillmentService) deferFulfillment(ctx context.Context, order *models.Order, ev PaymentEvent, cause error) (Result, error) {
	if err := s.orders.MarkAwaitingFulfillment(ctx, order.ID, cause); err != nil {
		log.Printf("[Fulfillment] marking order %s awaiting fulfillment failed: %v", order.OrderReference, err)
	}

	s.notifyDelay(ev)

	go func() {
		if err := s.notifier.NotifyManualReview(order.OrderReference, ev.SessionID, cause.Error()); err != nil {
			log.Printf("[Fulfillment] admin manual-review notification failed: %v", err)
		}
	}()

	return ResultProvisioningDeferred, nil
}

func (s *FulfillmentService) notifyDelay(ev PaymentEvent) {
	if ev.ChatID == 0 {
		return
	}
	text := fmt.Sprintf(`<b>✅ Payment received</b>
Your payment of %s for <b>%s</b> is confirmed.

⏳ The eSIM could not be issued right away. Our team is on it and you will receive your eSIM shortly — no action needed.`,
		FormatPrice(ev.FinalPrice, ev.Currency), ev.PlanName)
	if err := s.notifier.SendMessage(ev.ChatID, text); err != nil {
		log.Printf("[Fulfillment] delay notification failed: %v", err)
	}
}

func (s *FulfillmentService) notifySuccess(ev PaymentEvent, asg store.Assignment) {
	if ev.ChatID == 0 {
		return
	}

	var text string
	if ev.DeviceID != "" {
		text = fmt.Sprintf(`<b>🔄 eSIM topped up!</b>
<b>%s</b> has been added to your eSIM <code>%s</code>.
The extra data is active now.`, ev.PlanName, ev.DeviceID)
	} else {
		text = fmt.Sprintf(`<b>🎉 Your eSIM is ready!</b>
<b>Plan:</b> %s (%s)`, ev.PlanName, ev.Country)
		if asg.ICCID != "" {
			text += fmt.Sprintf("\n<b>ICCID:</b> <code>%s</code>", asg.ICCID)
		}
		text += "\n\nScan the QR code in the next message to install it."
	}

	if err := s.notifier.SendMessage(ev.ChatID, text); err != nil {
		log.Printf("[Fulfillment] success notification failed: %v", err)
	}

	// The QR follow-up must never block or fail the status message.
	if ev.DeviceID == "" && asg.QRCodeURL != "" {
		go func() {
			caption := fmt.Sprintf("Activation code:\n<code>%s</code>", asg.ActivationCode)
			if err := s.notifier.SendPhoto(ev.ChatID, asg.QRCodeURL, caption); err != nil {
				log.Printf("[Fulfillment] QR delivery failed: %v", err)
			}
		}()
	}
}

// SynthesizeActivationCode builds the standard LPA activation string from a
// SM-DP+ address and matching id: LPA:<version>$<address>$<matching_id>.
func SynthesizeActivationCode(smdpAddress, matchingID string) string {
	return fmt.Sprintf("LPA:1$%s$%s", smdpAddress, matchingID)
}

// QRCodeURL returns an image URL rendering the activation code as a QR code.
func QRCodeURL(activationCode string) string {
	return "https://api.qrserver.com/v1/create-qr-code/?size=300x300&data=" + url.QueryEscape(activationCode)
}
