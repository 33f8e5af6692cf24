package core

import (
	"errors"
	"fmt"
)

// ErrorKind partitions failures by how the engine reacts to them:
// transient errors are retried, validation errors fail fast, fatal
// configuration errors abort startup.
type ErrorKind string

const (
	ErrTransientIO          ErrorKind = "transient_io"
	ErrVenueValidation      ErrorKind = "venue_validation"
	ErrInsufficientPosition ErrorKind = "insufficient_position"
	ErrLiquidationGuard     ErrorKind = "liquidation_guard_failed"
	ErrUnprotectedFill      ErrorKind = "unprotected_fill"
	ErrStaleState           ErrorKind = "stale_state"
	ErrFatalConfig          ErrorKind = "fatal_config"
)

var (
	ErrInvalidPair       = errors.New("invalid pair")
	ErrInsufficientData  = errors.New("insufficient candle history")
	ErrSymbolMetaMissing = errors.New("symbol metadata missing")
)

// TradeError attaches a failure kind and pair context to a cause
type TradeError struct {
	Kind ErrorKind
	Pair string
	Err  error
}

func (e *TradeError) Error() string {
	if e.Pair == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Pair, e.Kind, e.Err)
}

func (e *TradeError) Unwrap() error { return e.Err }

// NewTradeError wraps a cause with its failure kind
func NewTradeError(kind ErrorKind, pair string, err error) *TradeError {
	return &TradeError{Kind: kind, Pair: pair, Err: err}
}

// KindOf extracts the failure kind from an error chain. Errors without
// a classification are treated as transient, the safe default for I/O.
func KindOf(err error) ErrorKind {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrTransientIO
}

// IsKind reports whether the error chain carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	var te *TradeError
	return errors.As(err, &te) && te.Kind == kind
}
