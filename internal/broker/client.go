package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantrail/controlplane/internal/domain"
)

// Client is the boundary to the opaque broker/exchange service. The control
// plane never assumes a write call succeeded idempotently: every placement
// or cancel is either safe to retry or followed by a reconciliation check.
type Client interface {
	PlaceOrder(ctx context.Context, order *domain.Order) (brokerOrderID string, err error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetMarketStatus(ctx context.Context) (domain.MarketStatus, error)
	ListTrades(ctx context.Context, since time.Time) ([]domain.BrokerTrade, error)
}

// ErrAmbiguous marks a call whose outcome is unknown after a timeout.
// Ambiguous outcomes are treated as "assume still live", never as success
// or failure, and queued for reconciliation.
var ErrAmbiguous = errors.New("broker: outcome ambiguous")

// ThrottleError is returned when the broker asked us to slow down. It is
// transient: the rate limiter backs off and retries, and it only surfaces
// to a caller once retries are exhausted.
type ThrottleError struct {
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("broker: throttled (retry after %s)", e.RetryAfter)
}

// RejectionError is a permanent refusal (bad price, insufficient margin on
// the broker's side). It surfaces immediately and is never retried.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("broker: rejected (%s): %s", e.Code, e.Message)
}

// IsThrottle reports whether err is a throttling-classified failure.
func IsThrottle(err error) bool {
	var te *ThrottleError
	return errors.As(err, &te)
}

// IsRejection reports whether err is a permanent broker rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
