// Package xendit talks to the Xendit Invoice API and verifies its callbacks.
package xendit

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pelajarin/billing/pkg/billing"
)

const (
	DefaultBaseURL = "https://api.xendit.co"

	invoicesPath = "/v2/invoices"
)

// Config holds the credentials and endpoint for one Invoice API client.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client

	// InvoiceDuration is how long a created invoice stays payable.
	InvoiceDuration time.Duration
}

// Client creates hosted invoices. It implements billing.InvoiceCreator.
type Client struct {
	apiKey          string
	baseURL         string
	httpClient      *http.Client
	invoiceDuration time.Duration
	breaker         *gobreaker.CircuitBreaker[billing.ProviderInvoice]
}

// NewClient wires a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("xendit: api key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	invoiceDuration := cfg.InvoiceDuration
	if invoiceDuration <= 0 {
		invoiceDuration = 24 * time.Hour
	}
	return &Client{
		apiKey:          cfg.APIKey,
		baseURL:         baseURL,
		httpClient:      httpClient,
		invoiceDuration: invoiceDuration,
		breaker: gobreaker.NewCircuitBreaker[billing.ProviderInvoice](gobreaker.Settings{
			Name:    "xendit-invoice",
			Timeout: 30 * time.Second,
		}),
	}, nil
}

type invoiceRequest struct {
	ExternalID      string `json:"external_id"`
	Amount          int64  `json:"amount"`
	Description     string `json:"description"`
	InvoiceDuration int64  `json:"invoice_duration"`
}

type invoiceResponse struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	InvoiceURL string    `json:"invoice_url"`
	ExpiryDate time.Time `json:"expiry_date"`
}

// CreateInvoice creates a hosted invoice. The purchase id is handed to the
// provider as external_id; the provider's own invoice id comes back as the
// reference later callbacks are matched on.
func (client *Client) CreateInvoice(ctx context.Context, request billing.InvoiceRequest) (billing.ProviderInvoice, error) {
	payload := invoiceRequest{
		ExternalID:      request.PurchaseID,
		Amount:          request.AmountIDR,
		Description:     fmt.Sprintf("Plan purchase: %s", request.PlanName),
		InvoiceDuration: int64(client.invoiceDuration.Seconds()),
	}
	return client.breaker.Execute(func() (billing.ProviderInvoice, error) {
		body, err := json.Marshal(payload)
		if err != nil {
			return billing.ProviderInvoice{}, err
		}
		httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+invoicesPath, bytes.NewReader(body))
		if err != nil {
			return billing.ProviderInvoice{}, err
		}
		httpRequest.Header.Set("Content-Type", "application/json")
		httpRequest.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(client.apiKey+":")))

		httpResponse, err := client.httpClient.Do(httpRequest)
		if err != nil {
			return billing.ProviderInvoice{}, err
		}
		defer httpResponse.Body.Close()

		if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
			raw, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))
			return billing.ProviderInvoice{}, fmt.Errorf("xendit: create invoice failed with status %d: %s", httpResponse.StatusCode, raw)
		}

		var decoded invoiceResponse
		if err := json.NewDecoder(httpResponse.Body).Decode(&decoded); err != nil {
			return billing.ProviderInvoice{}, fmt.Errorf("xendit: decode invoice response: %w", err)
		}
		expiresAt := decoded.ExpiryDate
		return billing.ProviderInvoice{
			Reference:  decoded.ID,
			PaymentURL: decoded.InvoiceURL,
			ExpiresAt:  &expiresAt,
		}, nil
	})
}

// InvoiceCallback is the payload Xendit posts when an invoice changes state.
type InvoiceCallback struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
	PaidAmount int64  `json:"paid_amount"`
	PaidAt     string `json:"paid_at"`
}

// VerifyCallbackToken compares the x-callback-token header against the
// configured shared secret in constant time.
func VerifyCallbackToken(headerToken string, configuredToken string) bool {
	if configuredToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(headerToken), []byte(configuredToken)) == 1
}
