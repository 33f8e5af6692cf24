// Package exchange provides venue adapters and the simulated trading
// engine, plus the error classification shared by both.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/driftline/perpsweep/core"

	"github.com/adshao/go-binance/v2/common"
)

// ---------------------
// Venue Error Codes
// ---------------------

// Binance futures API error codes the engine reacts to. Anything not
// listed here is treated as transient and retried.
const (
	// CodeSideRule is returned when a conditional trigger sits on the
	// wrong side of the current price ("Order would immediately trigger")
	CodeSideRule int64 = -2021

	// CodeQuantityPrecision is returned for a quantity with too many decimals
	CodeQuantityPrecision int64 = -1111

	// CodeQuantityInvalid is returned for a zero or negative quantity
	CodeQuantityInvalid int64 = -4003

	// CodePriceTickSize is returned for a price off the tick grid
	CodePriceTickSize int64 = -4014

	// CodeMarginInsufficient is returned when the account cannot cover
	// the initial margin for the order
	CodeMarginInsufficient int64 = -2019

	// CodeMinNotional is returned for an order below the notional floor
	CodeMinNotional int64 = -4164

	// CodeReduceOnlyReject is returned when a reduce-only order finds
	// no position to reduce
	CodeReduceOnlyReject int64 = -2022

	// CodeUnknownOrder is returned when cancelling an order the venue
	// no longer knows about
	CodeUnknownOrder int64 = -2011

	// CodeTimestampDrift is returned when the request timestamp is
	// outside the recv window
	CodeTimestampDrift int64 = -1021

	// CodeTooManyRequests is the rate limit rejection
	CodeTooManyRequests int64 = -1003

	// CodeServerBusy and CodeTimeout are internal venue failures that
	// resolve on retry
	CodeServerBusy int64 = -1001
	CodeTimeout    int64 = -1007
)

// ---------------------
// Order Errors
// ---------------------

// OrderError carries the pair and size context of a failed order
type OrderError struct {
	Err       error
	Pair      string
	Contracts float64
}

// Error implements the error interface for OrderError
func (e *OrderError) Error() string {
	return fmt.Sprintf("order error: %v, pair: %s, contracts: %f", e.Err, e.Pair, e.Contracts)
}

// Unwrap exposes the underlying error for classification
func (e *OrderError) Unwrap() error {
	return e.Err
}

// ---------------------
// Error Classification
// ---------------------

// VenueCode extracts the venue API error code, if err carries one
func VenueCode(err error) (int64, bool) {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return 0, false
}

// IsSideRule reports whether err is the venue rejection for a
// conditional trigger on the wrong side of the current price. This is
// the only validation error the order router may repair by itself.
func IsSideRule(err error) bool {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeSideRule ||
		strings.Contains(apiErr.Message, "would immediately trigger")
}

// IsUnknownOrder reports whether err means the venue no longer knows
// the order, e.g. it already triggered or was cancelled elsewhere
func IsUnknownOrder(err error) bool {
	code, ok := VenueCode(err)
	return ok && code == CodeUnknownOrder
}

// ClassifyVenueErr wraps a venue client error with the engine error
// kind that drives retry and abort decisions. Context cancellation is
// passed through untouched so callers can distinguish shutdown from
// venue trouble. Codes without an explicit mapping count as transient:
// a bounded retry of a genuinely invalid request just fails again,
// while mislabeling a recoverable error as fatal drops a protection.
func ClassifyVenueErr(pair string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	code, ok := VenueCode(err)
	if !ok {
		// Network level failure, no venue response
		return core.NewTradeError(core.ErrTransientIO, pair, err)
	}

	switch code {
	case CodeSideRule, CodeQuantityPrecision, CodeQuantityInvalid,
		CodePriceTickSize, CodeMarginInsufficient, CodeMinNotional:
		return core.NewTradeError(core.ErrVenueValidation, pair, err)
	case CodeReduceOnlyReject:
		return core.NewTradeError(core.ErrInsufficientPosition, pair, err)
	case CodeUnknownOrder:
		return core.NewTradeError(core.ErrStaleState, pair, err)
	case CodeTimestampDrift, CodeTooManyRequests, CodeServerBusy, CodeTimeout:
		return core.NewTradeError(core.ErrTransientIO, pair, err)
	}

	return core.NewTradeError(core.ErrTransientIO, pair, err)
}
