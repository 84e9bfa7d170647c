// Package midtrans talks to the Midtrans Snap API and verifies its payment
// notifications.
package midtrans

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pelajarin/billing/pkg/billing"
)

const (
	SandboxBaseURL    = "https://app.sandbox.midtrans.com"
	ProductionBaseURL = "https://app.midtrans.com"

	snapTransactionsPath = "/snap/v1/transactions"
)

// Config holds the credentials and endpoint for one Snap client.
type Config struct {
	ServerKey  string
	BaseURL    string
	HTTPClient *http.Client
}

// Client creates Snap transactions. It implements billing.InvoiceCreator.
// The circuit breaker keeps a flapping provider from stalling every checkout.
type Client struct {
	serverKey  string
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[billing.ProviderInvoice]
	nowFn      func() time.Time
}

// NewClient wires a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ServerKey == "" {
		return nil, fmt.Errorf("midtrans: server key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = SandboxBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		serverKey:  cfg.ServerKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		breaker: gobreaker.NewCircuitBreaker[billing.ProviderInvoice](gobreaker.Settings{
			Name:    "midtrans-snap",
			Timeout: 30 * time.Second,
		}),
		nowFn: func() time.Time { return time.Now().UTC() },
	}, nil
}

type snapRequest struct {
	TransactionDetails snapTransactionDetails `json:"transaction_details"`
	ItemDetails        []snapItemDetail       `json:"item_details,omitempty"`
}

type snapTransactionDetails struct {
	OrderID     string `json:"order_id"`
	GrossAmount int64  `json:"gross_amount"`
}

type snapItemDetail struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

type snapResponse struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// CreateInvoice creates a Snap transaction. The generated order id follows
// the PURCHASE-{purchaseID}-{timestamp} convention the webhook reconciler
// parses back.
func (client *Client) CreateInvoice(ctx context.Context, request billing.InvoiceRequest) (billing.ProviderInvoice, error) {
	orderID := fmt.Sprintf("PURCHASE-%s-%d", request.PurchaseID, client.nowFn().Unix())
	payload := snapRequest{
		TransactionDetails: snapTransactionDetails{
			OrderID:     orderID,
			GrossAmount: request.AmountIDR,
		},
		ItemDetails: []snapItemDetail{{
			ID:       request.PurchaseID,
			Name:     request.PlanName,
			Price:    request.AmountIDR,
			Quantity: 1,
		}},
	}
	return client.breaker.Execute(func() (billing.ProviderInvoice, error) {
		body, err := json.Marshal(payload)
		if err != nil {
			return billing.ProviderInvoice{}, err
		}
		httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+snapTransactionsPath, bytes.NewReader(body))
		if err != nil {
			return billing.ProviderInvoice{}, err
		}
		httpRequest.Header.Set("Content-Type", "application/json")
		httpRequest.Header.Set("Accept", "application/json")
		httpRequest.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(client.serverKey+":")))

		httpResponse, err := client.httpClient.Do(httpRequest)
		if err != nil {
			return billing.ProviderInvoice{}, err
		}
		defer httpResponse.Body.Close()

		if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
			raw, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))
			return billing.ProviderInvoice{}, fmt.Errorf("midtrans: snap transaction failed with status %d: %s", httpResponse.StatusCode, raw)
		}

		var decoded snapResponse
		if err := json.NewDecoder(httpResponse.Body).Decode(&decoded); err != nil {
			return billing.ProviderInvoice{}, fmt.Errorf("midtrans: decode snap response: %w", err)
		}
		return billing.ProviderInvoice{
			Reference:  orderID,
			PaymentURL: decoded.RedirectURL,
		}, nil
	})
}

// Notification is the payment notification Midtrans posts to the webhook.
type Notification struct {
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	PaymentType       string `json:"payment_type"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
}

// VerifySignature checks the notification's SHA-512 signature:
// sha512(order_id + status_code + gross_amount + server_key).
func VerifySignature(notification Notification, serverKey string) bool {
	sum := sha512.Sum512([]byte(notification.OrderID + notification.StatusCode + notification.GrossAmount + serverKey))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(notification.SignatureKey)) == 1
}
