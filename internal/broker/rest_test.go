package broker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quantrail/controlplane/internal/domain"
)

func testOrder() *domain.Order {
	return &domain.Order{
		OrderID:    "order-1",
		Symbol:     "SPY",
		Side:       domain.OrderSideBuy,
		Quantity:   10,
		LimitPrice: 9000,
	}
}

func TestPlaceOrder_Success(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Write([]byte(`{"broker_order_id":"bk-42"}`))
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "api-key", time.Second)
	id, err := c.PlaceOrder(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if id != "bk-42" {
		t.Fatalf("broker order ID = %q, want bk-42", id)
	}
	if gotAuth != "Bearer api-key" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	// The client order ID rides along for broker-side dedup.
	if !strings.Contains(gotBody, `"client_order_id":"order-1"`) {
		t.Fatalf("body missing client_order_id: %s", gotBody)
	}
}

func TestPlaceOrder_Throttled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "", time.Second)
	_, err := c.PlaceOrder(context.Background(), testOrder())
	if !IsThrottle(err) {
		t.Fatalf("expected throttle classification, got %v", err)
	}
	var te *ThrottleError
	if !errors.As(err, &te) || te.RetryAfter != 3*time.Second {
		t.Fatalf("RetryAfter = %v, want 3s", te.RetryAfter)
	}
}

func TestPlaceOrder_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte("limit price off market"))
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "", time.Second)
	_, err := c.PlaceOrder(context.Background(), testOrder())
	if !IsRejection(err) {
		t.Fatalf("expected rejection classification, got %v", err)
	}
	if IsThrottle(err) {
		t.Fatalf("a rejection must not classify as throttling")
	}
}

func TestPlaceOrder_TimeoutIsAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "", 20*time.Millisecond)
	_, err := c.PlaceOrder(context.Background(), testOrder())
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("timeout should classify as ambiguous, got %v", err)
	}
}

func TestListTrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"broker_order_id":"bk-1","symbol":"SPY","quantity":100,"price":90.25,"executed_at":"2026-08-21T15:04:05Z"}]`))
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "", time.Second)
	trades, err := c.ListTrades(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if trades[0].Price != 9025 {
		t.Fatalf("Price = %d cents, want 9025", trades[0].Price)
	}
	if trades[0].ExecutedAt.IsZero() {
		t.Fatalf("ExecutedAt not parsed")
	}
}

func TestGetMarketStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"open":false,"at":"2026-08-21T15:04:05Z"}`))
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "", time.Second)
	status, err := c.GetMarketStatus(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Open {
		t.Fatalf("Open = true, want false")
	}
	if status.At.Year() != 2026 {
		t.Fatalf("At not parsed: %v", status.At)
	}
}
