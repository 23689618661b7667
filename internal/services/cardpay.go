package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// signatureTolerance bounds how old a card webhook signature may be.
const signatureTolerance = 5 * time.Minute

// Card webhook event types.
const (
	CardEventCheckoutCompleted = "checkout.session.completed"
	CardEventCheckoutExpired   = "checkout.session.expired"
)

// ErrInvalidSignature is returned when a webhook signature does not verify.
var ErrInvalidSignature = errors.New("invalid signature")

// CheckoutSession is a hosted card checkout created at the provider.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CardEvent is a webhook event from the card provider.
type CardEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string            `json:"id"`
			PaymentStatus string            `json:"payment_status"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// CardCheckoutService talks to the hosted card checkout provider and
// verifies its webhook signatures.
type CardCheckoutService struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	client        *http.Client
}

// NewCardCheckoutService constructs CardCheckoutService.
func NewCardCheckoutService(baseURL, secretKey, webhookSecret string) *CardCheckoutService {
	return &CardCheckoutService{
		baseURL:       strings.TrimRight(baseURL, "/"),
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		client:        &http.Client{Timeout: 15 * time.Second},
	}
}

// CheckoutParams configures a hosted checkout session. Metadata must use
// compact keys: the provider caps metadata size.
type CheckoutParams struct {
	Amount     float64
	Currency   string
	Name       string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// CreateSession creates a hosted checkout session and returns its id and URL.
func (s *CardCheckoutService) CreateSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	payload := map[string]any{
		"amount":      int64(math.Round(Round2(params.Amount) * 100)),
		"currency":    strings.ToLower(params.Currency),
		"name":        params.Name,
		"success_url": params.SuccessURL,
		"cancel_url":  params.CancelURL,
		"metadata":    params.Metadata,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal checkout payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/checkout/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create checkout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.secretKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute checkout request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read checkout response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("checkout session creation failed: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var session CheckoutSession
	if err := json.Unmarshal(respBody, &session); err != nil {
		return nil, fmt.Errorf("unmarshal checkout response: %w", err)
	}
	if session.ID == "" || session.URL == "" {
		return nil, errors.New("checkout session response missing id or url")
	}

	return &session, nil
}

// VerifySignature checks the webhook signature header against the raw
// (unparsed) request body. The header carries `t=<unix>,v1=<hex hmac>`;
// the signed message is `<t>.<body>`.
func (s *CardCheckoutService) VerifySignature(rawBody []byte, header string) error {
	var timestamp, signature string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signature = kv[1]
		}
	}
	if timestamp == "" || signature == "" {
		return ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := time.Since(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignPayload produces a valid signature header for a payload.
func (s *CardCheckoutService) SignPayload(rawBody []byte, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}
