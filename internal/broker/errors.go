package broker

import (
	"errors"
	"fmt"
)

// ErrorCode is the fixed taxonomy broker error codes map onto.
type ErrorCode string

const (
	CodeAuthorizationRequired ErrorCode = "AUTHORIZATION_REQUIRED"
	CodeInvalidToken          ErrorCode = "INVALID_TOKEN"
	CodeMarketClosed          ErrorCode = "MARKET_CLOSED"
	CodeInsufficientBalance   ErrorCode = "INSUFFICIENT_BALANCE"
	CodeUnknown               ErrorCode = "UNKNOWN"
)

// Sentinel errors for connection lifecycle failures.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotConnected     = errors.New("not connected")
	ErrRequestTimeout   = errors.New("request timeout")
	ErrCircuitOpen      = errors.New("circuit breaker open")
	ErrMissingAppID     = errors.New("broker app_id is required")
)

// APIError is a business error returned by the broker. The original broker
// code and message are retained for logs; Code is the mapped taxonomy value.
type APIError struct {
	Code       ErrorCode
	BrokerCode string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker error %s (%s): %s", e.Code, e.BrokerCode, e.Message)
}

// mapErrorCode translates a raw broker error code into the fixed taxonomy.
// Unmapped codes become UNKNOWN but keep the original message.
func mapErrorCode(brokerCode string) ErrorCode {
	switch brokerCode {
	case "AuthorizationRequired":
		return CodeAuthorizationRequired
	case "InvalidToken":
		return CodeInvalidToken
	case "MarketIsClosed", "MarketClosed":
		return CodeMarketClosed
	case "InsufficientBalance":
		return CodeInsufficientBalance
	default:
		return CodeUnknown
	}
}

// newAPIError builds an APIError from a raw broker error frame.
func newAPIError(brokerCode, message string) *APIError {
	return &APIError{
		Code:       mapErrorCode(brokerCode),
		BrokerCode: brokerCode,
		Message:    message,
	}
}
