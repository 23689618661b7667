package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// TelegramService talks to the Telegram Bot API: user notifications, admin
// alerts and the payments surface (invoice links, pre-checkout answers).
type TelegramService struct {
	apiBase     string
	botToken    string
	adminChatID string
	client      *http.Client
}

// NewTelegramService creates a new TelegramService. apiBase is normally
// https://api.telegram.org; it is configurable for local Bot API servers.
func NewTelegramService(apiBase, botToken, adminChatID string) *TelegramService {
	return &TelegramService{
		apiBase:     strings.TrimRight(apiBase, "/"),
		botToken:    botToken,
		adminChatID: adminChatID,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *TelegramService) call(method string, payload any, out any) error {
	if s.botToken == "" {
		log.Println("[Telegram] Bot token not configured")
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/%s", s.apiBase, s.botToken, method)

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[Telegram] %s failed: %v", method, err)
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Printf("[Telegram] %s unexpected status: %d", method, resp.StatusCode)
		return fmt.Errorf("telegram %s returned status %d: %s", method, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("telegram %s response: %w", method, err)
		}
	}

	return nil
}

// SendMessage sends an HTML-formatted message to the chat.
func (s *TelegramService) SendMessage(chatID int64, text string) error {
	return s.call("sendMessage", map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}, nil)
}

// SendPhoto sends an image (by URL) with a caption to the chat.
func (s *TelegramService) SendPhoto(chatID int64, photoURL, caption string) error {
	return s.call("sendPhoto", map[string]any{
		"chat_id":    chatID,
		"photo":      photoURL,
		"caption":    caption,
		"parse_mode": "HTML",
	}, nil)
}

// AnswerPreCheckoutQuery answers a pre_checkout_query within the platform
// deadline. errorMessage is shown to the user when ok is false.
func (s *TelegramService) AnswerPreCheckoutQuery(queryID string, ok bool, errorMessage string) error {
	payload := map[string]any{
		"pre_checkout_query_id": queryID,
		"ok":                    ok,
	}
	if !ok && errorMessage != "" {
		payload["error_message"] = errorMessage
	}
	return s.call("answerPreCheckoutQuery", payload, nil)
}

// CreateInvoiceLink creates a Telegram Stars (XTR) invoice link carrying the
// opaque payload that comes back in successful_payment.
func (s *TelegramService) CreateInvoiceLink(title, description, payload string, starsAmount int) (string, error) {
	var out struct {
		OK     bool   `json:"ok"`
		Result string `json:"result"`
	}
	err := s.call("createInvoiceLink", map[string]any{
		"title":       title,
		"description": description,
		"payload":     payload,
		"currency":    "XTR",
		"prices": []map[string]any{
			{"label": title, "amount": starsAmount},
		},
	}, &out)
	if err != nil {
		return "", err
	}
	if !out.OK || out.Result == "" {
		return "", fmt.Errorf("telegram createInvoiceLink: empty result")
	}
	return out.Result, nil
}

// SendToAdmin sends a message to the admin chat.
func (s *TelegramService) SendToAdmin(text string) error {
	if s.adminChatID == "" {
		log.Println("[Telegram] Admin chat ID not configured")
		return nil
	}
	return s.call("sendMessage", map[string]any{
		"chat_id":    s.adminChatID,
		"text":       text,
		"parse_mode": "HTML",
	}, nil)
}

// PaymentSuccessNotification contains payment success data for the admin chat.
type PaymentSuccessNotification struct {
	OrderReference string
	PaymentMethod  string
	Amount         float64
	Currency       string
	Country        string
	PlanName       string
}

// NotifyPaymentSuccess alerts the admin chat about a successful payment.
func (s *TelegramService) NotifyPaymentSuccess(p PaymentSuccessNotification) error {
	if s.adminChatID == "" {
		return nil
	}

	message := fmt.Sprintf(`<b>✅ PAYMENT RECEIVED</b>
<b>📋 Order:</b> %s
<b>🌍 Plan:</b> %s (%s)
<b>💰 Amount:</b> %s
<b>💳 Method:</b> %s`,
		p.OrderReference,
		p.PlanName,
		p.Country,
		FormatPrice(p.Amount, p.Currency),
		p.PaymentMethod,
	)

	return s.SendToAdmin(strings.TrimSpace(message))
}

// NotifyManualReview alerts the admin chat about a paid order whose
// provisioning failed and needs manual fulfillment.
func (s *TelegramService) NotifyManualReview(orderRef, sessionID, reason string) error {
	if s.adminChatID == "" {
		return nil
	}

	message := fmt.Sprintf(`<b>⚠️ MANUAL FULFILLMENT NEEDED</b>
<b>📋 Order:</b> %s
<b>💳 Session:</b> %s
<b>❗ Reason:</b> %s`,
		orderRef,
		sessionID,
		reason,
	)

	return s.SendToAdmin(strings.TrimSpace(message))
}

// FormatPrice formats an amount with two decimals and a currency code.
func FormatPrice(amount float64, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("%.2f %s", amount, currency)
}
