package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const tokenRefreshLeeway = 30 * time.Second

// Assignment is the provider's installation payload for a provisioned eSIM.
type Assignment struct {
	ICCID          string `json:"iccid"`
	MatchingID     string `json:"matching_id"`
	SMDPAddress    string `json:"smdp_address"`
	ActivationCode string `json:"activation_code"`
}

// Empty reports whether the payload carries no installation data.
func (a Assignment) Empty() bool {
	return a.ICCID == "" && a.MatchingID == "" && a.SMDPAddress == "" && a.ActivationCode == ""
}

// ProvisionResult is the upstream response to an order creation call.
type ProvisionResult struct {
	OrderReference string      `json:"order_reference"`
	Status         string      `json:"status"`
	Issued         bool        `json:"issued"`
	Assignment     *Assignment `json:"assignment"`
}

// OrderStatus is the upstream view of an existing order.
type OrderStatus struct {
	Status   string  `json:"status"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// ProvisioningService talks to the upstream eSIM catalog/order API. The
// access token is cached behind a mutex and refreshed transparently;
// requests failing with 401 are retried once with a fresh token.
type ProvisioningService struct {
	baseURL string
	authURL string
	secret  string
	client  *http.Client

	mu          sync.RWMutex
	token       string
	tokenExpiry time.Time
}

// NewProvisioningService constructs ProvisioningService.
func NewProvisioningService(baseURL, authURL, secret string) *ProvisioningService {
	return &ProvisioningService{
		baseURL: strings.TrimRight(baseURL, "/"),
		authURL: strings.TrimRight(authURL, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type provisioningAuthResponse struct {
	Data struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	} `json:"data"`
}

// Token returns a cached access token, fetching a new one if needed.
func (s *ProvisioningService) Token(ctx context.Context) (string, error) {
	return s.getToken(ctx, false)
}

func (s *ProvisioningService) getToken(ctx context.Context, force bool) (string, error) {
	if !force {
		s.mu.RLock()
		token := s.currentTokenLocked()
		s.mu.RUnlock()
		if token != "" {
			return token, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check again in case another goroutine refreshed while we waited.
	if !force {
		if token := s.currentTokenLocked(); token != "" {
			return token, nil
		}
	}

	if s.secret == "" {
		return "", errors.New("ESIM_API_SECRET_KEY is not configured")
	}

	payload, err := json.Marshal(map[string]string{"secret_token": s.secret})
	if err != nil {
		return "", fmt.Errorf("marshal auth payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.authURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("provisioning auth failed: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var authResp provisioningAuthResponse
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return "", fmt.Errorf("unmarshal auth response: %w", err)
	}

	if authResp.Data.AccessToken == "" {
		return "", errors.New("provisioning auth response missing access_token")
	}

	s.token = authResp.Data.AccessToken
	if authResp.Data.ExpiresIn > 0 {
		s.tokenExpiry = time.Now().Add(time.Duration(authResp.Data.ExpiresIn) * time.Second)
	} else {
		s.tokenExpiry = time.Now().Add(5 * time.Minute)
	}

	return s.token, nil
}

func (s *ProvisioningService) currentTokenLocked() string {
	if s.token == "" {
		return ""
	}
	if s.tokenExpiry.IsZero() {
		return s.token
	}
	if time.Now().Add(tokenRefreshLeeway).After(s.tokenExpiry) {
		return ""
	}
	return s.token
}

func (s *ProvisioningService) do(ctx context.Context, method, path string, body, out any) (int, error) {
	build := func(token string) (*http.Request, error) {
		var bodyReader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("marshal request body: %w", err)
			}
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+"/"+strings.TrimLeft(path, "/"), bodyReader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	}

	run := func(token string) (int, []byte, error) {
		req, err := build(token)
		if err != nil {
			return 0, nil, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return 0, nil, fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
		}
		return resp.StatusCode, respBody, nil
	}

	token, err := s.Token(ctx)
	if err != nil {
		return 0, err
	}

	status, respBody, err := run(token)
	if err != nil {
		return status, err
	}

	if status == http.StatusUnauthorized {
		// Token likely expired; refresh and retry once.
		token, err = s.getToken(ctx, true)
		if err != nil {
			return status, err
		}
		status, respBody, err = run(token)
		if err != nil {
			return status, err
		}
	}

	if status < 200 || status >= 300 {
		return status, fmt.Errorf("provisioning %s %s: status %d, body: %s", method, path, status, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return status, fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return status, nil
}

type createOrderRequest struct {
	BundleID string `json:"bundle_id"`
	ICCID    string `json:"iccid,omitempty"`
}

// CreateOrder places an order for the bundle. A nonempty deviceID switches
// the provider into top-up mode against that eSIM instead of issuing a new
// profile. Assignment data in the response may lag order creation.
func (s *ProvisioningService) CreateOrder(ctx context.Context, bundleID, deviceID string) (*ProvisionResult, error) {
	var out struct {
		Data ProvisionResult `json:"data"`
	}
	_, err := s.do(ctx, http.MethodPost, "/orders", createOrderRequest{BundleID: bundleID, ICCID: deviceID}, &out)
	if err != nil {
		return nil, err
	}
	if out.Data.OrderReference == "" {
		return nil, errors.New("provisioning order response missing order_reference")
	}
	return &out.Data, nil
}

// GetOrderStatus fetches the upstream state of an order.
func (s *ProvisioningService) GetOrderStatus(ctx context.Context, orderRef string) (*OrderStatus, error) {
	var out struct {
		Data OrderStatus `json:"data"`
	}
	_, err := s.do(ctx, http.MethodGet, "/orders/"+orderRef, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// GetAssignments fetches installation data for an order once the provider
// has it ready.
func (s *ProvisioningService) GetAssignments(ctx context.Context, orderRef string) (*Assignment, error) {
	var out struct {
		Data Assignment `json:"data"`
	}
	_, err := s.do(ctx, http.MethodGet, "/orders/"+orderRef+"/assignments", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out.Data, nil
}
