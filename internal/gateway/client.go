// Package gateway предоставляет клиент для внешнего платёжного шлюза.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTimeout ограничивает время одного обращения к шлюзу.
const DefaultTimeout = 10 * time.Second

var (
	// ErrNotConfigured возвращается, если не заданы адрес или ключи шлюза.
	ErrNotConfigured = errors.New("payment gateway not configured")
	// ErrUnavailable возвращается при сетевой ошибке, таймауте или ответе 5xx.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrOrderNotFound возвращается, если шлюз не знает заказ.
	ErrOrderNotFound = errors.New("gateway order not found")
)

// Статусы заказа на стороне шлюза.
const (
	OrderStatusCreated   = "created"
	OrderStatusAttempted = "attempted"
	OrderStatusPaid      = "paid"
	OrderStatusExpired   = "expired"
)

// Статусы платежа на стороне шлюза.
const (
	PaymentStatusCaptured = "captured"
	PaymentStatusFailed   = "failed"
	PaymentStatusRefunded = "refunded"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *retryablehttp.Client
}

// Order описывает заказ, созданный в шлюзе.
type Order struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Status   string            `json:"status"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// OrderPayment описывает платёж в составе заказа.
type OrderPayment struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

// OrderState описывает состояние заказа и его платежей.
type OrderState struct {
	Order
	Payments []OrderPayment `json:"payments"`
}

// CapturedPayment возвращает первый успешно проведённый платёж заказа.
func (s *OrderState) CapturedPayment() (OrderPayment, bool) {
	for _, p := range s.Payments {
		if p.Status == PaymentStatusCaptured {
			return p, true
		}
	}
	return OrderPayment{}, false
}

type createOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// NewClient создаёт клиент шлюза. Пустой адрес или ключи не приводят к ошибке
// здесь: она возвращается при первом обращении.
func NewClient(baseURL, keyID, keySecret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = 2
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = time.Second
	hc.HTTPClient.Timeout = timeout
	hc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		keyID:      keyID,
		keySecret:  keySecret,
		httpClient: hc,
	}
}

// Configured сообщает, заданы ли адрес и ключи шлюза.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.keyID != "" && c.keySecret != ""
}

func (c *Client) endpoint(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// CreateOrder создаёт заказ на сумму amountMinor в минимальных единицах валюты.
// Receipt служит ключом идемпотентности на стороне шлюза.
func (c *Client) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string, notes map[string]string) (*Order, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(createOrderRequest{
		Amount:   amountMinor,
		Currency: currency,
		Receipt:  receipt,
		Notes:    notes,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/orders"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var order Order
	if err := c.do(req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// FetchOrder запрашивает состояние заказа и список его платежей.
func (c *Client) FetchOrder(ctx context.Context, orderID string) (*OrderState, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/v1/orders/"+orderID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var state OrderState
	if err := c.do(req, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) do(req *retryablehttp.Request, out any) error {
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrOrderNotFound
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// VerifySignature проверяет подпись callback-запроса: HMAC-SHA256 от
// "order_id|payment_id" на общем секрете в шестнадцатеричном виде.
func (c *Client) VerifySignature(orderID, paymentID, signature string) (bool, error) {
	if !c.Configured() {
		return false, ErrNotConfigured
	}
	expected := Sign(c.keySecret, orderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))), nil
}

// Sign вычисляет подпись, которую шлюз передаёт в callback.
func Sign(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}
