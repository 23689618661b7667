package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Crypto invoice final success statuses: exact payment and overpayment.
const (
	CryptoStatusPaid     = "paid"
	CryptoStatusPaidOver = "paid_over"
)

// CryptoInvoice is a hosted crypto invoice created at the provider.
type CryptoInvoice struct {
	UUID string `json:"uuid"`
	URL  string `json:"url"`
}

// CryptoWebhook is the provider's payment notification payload.
type CryptoWebhook struct {
	UUID    string `json:"uuid"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	IsFinal bool   `json:"is_final"`
	Amount  string `json:"amount"`
	Sign    string `json:"sign"`
}

// CryptoInvoiceService talks to the crypto invoicing provider and verifies
// its webhook signatures.
type CryptoInvoiceService struct {
	baseURL    string
	merchantID string
	apiKey     string
	client     *http.Client
}

// NewCryptoInvoiceService constructs CryptoInvoiceService.
func NewCryptoInvoiceService(baseURL, merchantID, apiKey string) *CryptoInvoiceService {
	return &CryptoInvoiceService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		merchantID: merchantID,
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

// InvoiceParams configures a hosted crypto invoice.
type InvoiceParams struct {
	Amount      float64
	Currency    string
	OrderID     string
	CallbackURL string
	ReturnURL   string
	// ToCurrency/Network optionally pin the settlement currency and chain.
	ToCurrency string
	Network    string
}

// CreateInvoice creates a hosted invoice and returns its uuid and URL.
func (s *CryptoInvoiceService) CreateInvoice(ctx context.Context, params InvoiceParams) (*CryptoInvoice, error) {
	payload := map[string]any{
		"amount":       strconv.FormatFloat(Round2(params.Amount), 'f', 2, 64),
		"currency":     params.Currency,
		"order_id":     params.OrderID,
		"url_callback": params.CallbackURL,
		"url_return":   params.ReturnURL,
	}
	if params.ToCurrency != "" {
		payload["to_currency"] = params.ToCurrency
	}
	if params.Network != "" {
		payload["network"] = params.Network
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal invoice payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/payment", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create invoice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("merchant", s.merchantID)
	req.Header.Set("sign", s.signBody(body))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute invoice request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read invoice response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("invoice creation failed: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		Result CryptoInvoice `json:"result"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal invoice response: %w", err)
	}
	if out.Result.UUID == "" || out.Result.URL == "" {
		return nil, errors.New("invoice response missing uuid or url")
	}

	return &out.Result, nil
}

// VerifyWebhookSign validates the `sign` field of a webhook body:
// md5(base64(body without the sign member) + apiKey). The provider hashes
// its own serialization of the body, so the sign member is spliced out of
// the raw bytes; re-encoding the parsed document would reorder keys and
// normalize numbers, breaking the hash.
func (s *CryptoInvoiceService) VerifyWebhookSign(rawBody []byte) error {
	body, sign, err := splitSignMember(rawBody)
	if err != nil {
		return fmt.Errorf("parse webhook body: %w", err)
	}
	if sign == "" {
		return ErrInvalidSignature
	}

	if !hmac.Equal([]byte(s.signBody(body)), []byte(sign)) {
		return ErrInvalidSignature
	}
	return nil
}

// splitSignMember removes the top-level "sign" member from a JSON object
// and returns the remaining bytes unchanged plus the sign value. The sign
// value is empty when the body carries no sign member.
func splitSignMember(raw []byte) ([]byte, string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, "", err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, "", errors.New("webhook body is not a JSON object")
	}

	prevEnd := dec.InputOffset()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, "", err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, "", errors.New("webhook body has a non-string key")
		}

		if key != "sign" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, "", err
			}
			prevEnd = dec.InputOffset()
			continue
		}

		var sign string
		if err := dec.Decode(&sign); err != nil {
			return nil, "", err
		}

		rest := raw[dec.InputOffset():]
		if bytes.HasSuffix(bytes.TrimRight(raw[:prevEnd], " \t\r\n"), []byte("{")) {
			// sign was the first member: the separating comma follows it.
			rest = bytes.TrimLeft(rest, " \t\r\n")
			rest = bytes.TrimPrefix(rest, []byte(","))
		}
		body := append(append([]byte(nil), raw[:prevEnd]...), rest...)
		return body, sign, nil
	}

	return raw, "", nil
}

// SignWebhookPayload computes the sign value for a payload map.
func (s *CryptoInvoiceService) SignWebhookPayload(payload map[string]any) (string, error) {
	clean := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "sign" {
			continue
		}
		clean[k] = v
	}
	return s.signPayload(clean)
}

func (s *CryptoInvoiceService) signPayload(payload map[string]any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal webhook payload: %w", err)
	}
	return s.signBody(encoded), nil
}

func (s *CryptoInvoiceService) signBody(body []byte) string {
	b64 := base64.StdEncoding.EncodeToString(body)
	sum := md5.Sum([]byte(b64 + s.apiKey))
	return hex.EncodeToString(sum[:])
}

// IsFinalSuccess reports whether a webhook status is an accepted terminal
// success.
func IsFinalSuccess(status string) bool {
	return status == CryptoStatusPaid || status == CryptoStatusPaidOver
}
