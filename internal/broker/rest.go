package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quantrail/controlplane/internal/domain"
)

// RESTClient talks to the broker's REST API. Responses are classified into
// the error taxonomy the control plane branches on: 429 → ThrottleError,
// 4xx → RejectionError, timeout → ErrAmbiguous.
type RESTClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewRESTClient creates a client for the broker API at baseURL.
func NewRESTClient(baseURL, apiKey string, timeout time.Duration) *RESTClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type placeOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      int64  `json:"quantity"`
	LimitPrice    *int64 `json:"limit_price,omitempty"`
}

type placeOrderResponse struct {
	BrokerOrderID string `json:"broker_order_id"`
}

type marketStatusResponse struct {
	Open bool   `json:"open"`
	At   string `json:"at"`
}

type brokerTradeRecord struct {
	BrokerOrderID string  `json:"broker_order_id"`
	Symbol        string  `json:"symbol"`
	Quantity      int64   `json:"quantity"`
	Price         float64 `json:"price"`
	ExecutedAt    string  `json:"executed_at"`
}

// PlaceOrder submits the order and returns the broker's order ID. The
// client order ID is sent so a retried placement is deduplicated broker-side.
func (c *RESTClient) PlaceOrder(ctx context.Context, order *domain.Order) (string, error) {
	body := placeOrderRequest{
		ClientOrderID: order.OrderID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Quantity:      order.Quantity,
	}
	if order.LimitPrice > 0 {
		p := order.LimitPrice
		body.LimitPrice = &p
	}

	var out placeOrderResponse
	if err := c.do(ctx, http.MethodPost, "/v1/orders", body, &out); err != nil {
		return "", err
	}
	if out.BrokerOrderID == "" {
		return "", fmt.Errorf("broker: empty broker_order_id in response")
	}
	return out.BrokerOrderID, nil
}

// CancelOrder requests cancellation of a live order.
func (c *RESTClient) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/orders/"+brokerOrderID, nil, nil)
}

// GetMarketStatus fetches the broker's open/closed flag.
func (c *RESTClient) GetMarketStatus(ctx context.Context) (domain.MarketStatus, error) {
	var out marketStatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/market/status", nil, &out); err != nil {
		return domain.MarketStatus{}, err
	}
	status := domain.MarketStatus{Open: out.Open, At: time.Now()}
	if t, err := time.Parse(time.RFC3339, out.At); err == nil {
		status.At = t
	}
	return status, nil
}

// ListTrades fetches broker-reported executions since the given time, for
// reconciliation input.
func (c *RESTClient) ListTrades(ctx context.Context, since time.Time) ([]domain.BrokerTrade, error) {
	path := "/v1/trades?since=" + since.UTC().Format(time.RFC3339)
	var out []brokerTradeRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	trades := make([]domain.BrokerTrade, 0, len(out))
	for _, r := range out {
		cents, err := domain.DollarsToCents(r.Price)
		if err != nil {
			return nil, fmt.Errorf("broker: bad trade price %v: %w", r.Price, err)
		}
		executedAt, err := time.Parse(time.RFC3339, r.ExecutedAt)
		if err != nil {
			return nil, fmt.Errorf("broker: bad executed_at %q: %w", r.ExecutedAt, err)
		}
		trades = append(trades, domain.BrokerTrade{
			BrokerOrderID: r.BrokerOrderID,
			Symbol:        r.Symbol,
			Quantity:      r.Quantity,
			Price:         cents,
			ExecutedAt:    executedAt,
		})
	}
	return trades, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		// A timed-out write call has an unknown outcome on the broker's
		// side. Assume still live and let reconciliation settle it.
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: %s %s: %v", ErrAmbiguous, method, path, err)
		}
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode/100 == 2:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ThrottleError{RetryAfter: parseRetryAfter(resp)}
	case resp.StatusCode/100 == 4:
		return &RejectionError{
			Code:    strconv.Itoa(resp.StatusCode),
			Message: readErrorBody(resp.Body),
		}
	default:
		return fmt.Errorf("broker: %s %s: status %d: %s", method, path, resp.StatusCode, readErrorBody(resp.Body))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return strings.TrimSpace(string(b))
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
