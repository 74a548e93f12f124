package apperrors

import (
	"errors"
	"fmt"
)

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Kind classifies a cycle failure
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindMarketData     Kind = "market_data"
	KindInvalidInput   Kind = "invalid_input"
	KindOrderExecution Kind = "order_execution"
)

// Kind sentinels, matched through errors.Is against any *Error of the same kind
var (
	ErrConfiguration  = &Error{Kind: KindConfiguration}
	ErrMarketData     = &Error{Kind: KindMarketData}
	ErrInvalidInput   = &Error{Kind: KindInvalidInput}
	ErrOrderExecution = &Error{Kind: KindOrderExecution}
)

// ErrProtectiveOrderFailed marks a filled primary order whose take-profit or
// stop-loss could not be placed. The position is open without full protection.
var ErrProtectiveOrderFailed = errors.New("protective order failed")

// Error is a typed failure carrying the stage it happened in and its cause
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Stage != "" && e.Err != nil:
		return fmt.Sprintf("%s error at %s: %v", e.Kind, e.Stage, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	case e.Stage != "":
		return fmt.Sprintf("%s error at %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels (no stage, no cause) by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Stage == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in the chain
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func Configuration(stage string, err error) error {
	return &Error{Kind: KindConfiguration, Stage: stage, Err: err}
}

func MarketData(stage string, err error) error {
	return &Error{Kind: KindMarketData, Stage: stage, Err: err}
}

func InvalidInput(stage string, err error) error {
	return &Error{Kind: KindInvalidInput, Stage: stage, Err: err}
}

func OrderExecution(stage string, err error) error {
	return &Error{Kind: KindOrderExecution, Stage: stage, Err: err}
}
