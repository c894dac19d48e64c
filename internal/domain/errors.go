package domain

import "errors"

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrOrderNotFound       = errors.New("order_not_found")
	ErrOrderNotCancellable = errors.New("order_not_cancellable")
	ErrTradingHalted       = errors.New("trading_halted")
	ErrSymbolCooldown      = errors.New("symbol_cooldown")
	ErrIntentBlocked       = errors.New("intent_blocked")
	ErrCapitalExhausted    = errors.New("capital_exhausted")
	ErrPositionNotFound    = errors.New("position_not_found")
	ErrInconsistentFill    = errors.New("inconsistent_fill")
	ErrCancelUnconfirmed   = errors.New("cancel_unconfirmed")
	ErrRateLimitExhausted  = errors.New("rate_limit_exhausted")
	ErrInvalidCredential   = errors.New("invalid_credential")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrManualResetRequired = errors.New("manual_reset_required")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// FatalError wraps a failure that must halt the admission path, such as the
// breaker state failing to persist. Fail closed: when the gate cannot be
// durably written, trading must not be allowed.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Op + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }
