package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestCreateOrder_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/orders" {
			t.Fatalf("path = %s, want /v1/orders", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			t.Fatalf("unexpected basic auth %q:%q", user, pass)
		}

		var req createOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Amount != 6000 || req.Currency != "INR" || req.Receipt != "rcpt-1" {
			t.Fatalf("unexpected request: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Order{
			ID:       "order_1",
			Amount:   req.Amount,
			Currency: req.Currency,
			Receipt:  req.Receipt,
			Status:   OrderStatusCreated,
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "key", "secret", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	order, err := client.CreateOrder(ctx, 6000, "INR", "rcpt-1", map[string]string{"due_id": "1"})
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}
	if order.ID != "order_1" || order.Status != OrderStatusCreated {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestFetchOrder_CapturedPayment(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders/order_1" {
			t.Fatalf("path = %s, want /v1/orders/order_1", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"order_1","amount":6000,"currency":"INR","status":"paid",
			"payments":[{"id":"pay_0","amount":6000,"status":"failed"},{"id":"pay_1","amount":6000,"status":"captured"}]}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "key", "secret", time.Second)

	state, err := client.FetchOrder(context.Background(), "order_1")
	if err != nil {
		t.Fatalf("FetchOrder error: %v", err)
	}
	if state.Status != OrderStatusPaid {
		t.Fatalf("status = %s, want paid", state.Status)
	}
	p, ok := state.CapturedPayment()
	if !ok || p.ID != "pay_1" {
		t.Fatalf("unexpected captured payment: %+v, %v", p, ok)
	}
}

func TestFetchOrder_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "key", "secret", time.Second)

	_, err := client.FetchOrder(context.Background(), "missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestFetchOrder_ServerErrorIsUnavailable(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "key", "secret", time.Second)
	client.httpClient.RetryWaitMin = time.Millisecond
	client.httpClient.RetryWaitMax = time.Millisecond

	_, err := client.FetchOrder(context.Background(), "order_1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestCreateOrder_TimeoutIsUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "key", "secret", 20*time.Millisecond)
	client.httpClient.RetryMax = 0

	_, err := client.CreateOrder(context.Background(), 100, "INR", "rcpt", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestNotConfigured(t *testing.T) {
	client := NewClient("", "", "", 0)

	if _, err := client.CreateOrder(context.Background(), 100, "INR", "r", nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("CreateOrder: expected ErrNotConfigured, got %v", err)
	}
	if _, err := client.FetchOrder(context.Background(), "o"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("FetchOrder: expected ErrNotConfigured, got %v", err)
	}
	if _, err := client.VerifySignature("o", "p", "s"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("VerifySignature: expected ErrNotConfigured, got %v", err)
	}

	var nilClient *Client
	if nilClient.Configured() {
		t.Fatalf("nil client must not be configured")
	}
}

func TestVerifySignature(t *testing.T) {
	client := NewClient("gateway:9000", "key", "secret", 0)
	good := Sign("secret", "order_1", "pay_1")

	tests := []struct {
		name      string
		paymentID string
		signature string
		want      bool
	}{
		{name: "valid", paymentID: "pay_1", signature: good, want: true},
		{name: "uppercase hex", paymentID: "pay_1", signature: strings.ToUpper(good), want: true},
		{name: "other payment", paymentID: "pay_2", signature: good, want: false},
		{name: "garbage", paymentID: "pay_1", signature: "deadbeef", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.VerifySignature("order_1", tt.paymentID, tt.signature)
			if err != nil {
				t.Fatalf("VerifySignature error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("VerifySignature = %v, want %v", got, tt.want)
			}
		})
	}
}
