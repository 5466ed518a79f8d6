package ports

import (
	"errors"
	"fmt"
)

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these so the engine can
// classify them without knowing the transport.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Validation
	ErrValidation         = errors.New("validation failed")
	ErrInsufficientMargin = errors.New("insufficient margin")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrNetwork              = errors.New("network error")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrRejectedByExchange   = errors.New("request rejected by exchange")

	// State
	ErrStaleWrite          = errors.New("stale write: record changed since it was read")
	ErrInvalidTransition   = errors.New("invalid order state transition")
	ErrInvariantViolation  = errors.New("order quantity invariant violated")
	ErrManualIntervention  = errors.New("manual intervention required")
	ErrRetriesExhausted    = errors.New("retries exhausted")
	ErrDuplicateEntry      = errors.New("database record already exists")
	ErrDBConnection        = errors.New("database connection error")
	ErrPositionHalted      = errors.New("position halted pending manual intervention")
	ErrPendingLimitReached = errors.New("pending order limit reached")
)

// RejectReason is a machine-readable cause attached to a ValidationError.
type RejectReason string

const (
	ReasonInvalidInput       RejectReason = "INVALID_INPUT"
	ReasonQuantityBelowMin   RejectReason = "QUANTITY_BELOW_MINIMUM"
	ReasonQuantityAboveMax   RejectReason = "QUANTITY_ABOVE_MAXIMUM"
	ReasonInsufficientMargin RejectReason = "INSUFFICIENT_MARGIN"
	ReasonPriceDeviation     RejectReason = "PRICE_DEVIATION"
	ReasonStopLossDistance   RejectReason = "STOP_LOSS_DISTANCE"
	ReasonHighVolatility     RejectReason = "HIGH_VOLATILITY"
	ReasonLowVolume          RejectReason = "LOW_VOLUME"
	ReasonThinOrderBook      RejectReason = "THIN_ORDER_BOOK"
	ReasonDailyLossLimit     RejectReason = "DAILY_LOSS_LIMIT"
	ReasonDailyTradeLimit    RejectReason = "DAILY_TRADE_LIMIT"
	ReasonPositionOpen       RejectReason = "POSITION_OPEN"
)

// ValidationError reports why an input was refused. It matches ErrValidation,
// and ErrInsufficientMargin when the reason is margin.
type ValidationError struct {
	Reason RejectReason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Reason, e.Detail)
}

// Is lets errors.Is match the sentinel family.
func (e *ValidationError) Is(target error) bool {
	if target == ErrValidation {
		return true
	}
	return target == ErrInsufficientMargin && e.Reason == ReasonInsufficientMargin
}

// Reject builds a ValidationError.
func Reject(reason RejectReason, format string, args ...interface{}) error {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the rejection reason, or "" if err is not a validation error.
func ReasonOf(err error) RejectReason {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}

var transientErrors = []error{
	ErrNetwork, ErrConnectionFailed, ErrTimeout, ErrRateLimited, ErrExchangeUnavailable,
}

var permanentErrors = []error{
	ErrRejectedByExchange, ErrInvalidRequest, ErrInsufficientFunds, ErrInvalidAPIKeys,
	ErrAuthenticationFailed, ErrOrderPlacementFailed, ErrValidation,
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, t := range transientErrors {
		if errors.Is(err, t) {
			return !IsPermanent(err)
		}
	}
	return false
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	for _, p := range permanentErrors {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}
