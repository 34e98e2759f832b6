// Package errors defines the failure taxonomy shared by the chain client, the scanner and the
// pinning pipeline. Every error carries a Kind; sentinels match any error of the same kind
// through errors.Is.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure by how callers must react to it
type Kind string

const (
	// KindConnectionLost means the remote query node disconnected; callers reconnect
	KindConnectionLost Kind = "connection_lost"
	// KindConnectionExhausted means the reconnect budget ran out; fatal to the operation
	KindConnectionExhausted Kind = "connection_exhausted"
	// KindTransientQuery means one request failed without a disconnect; retried briefly
	KindTransientQuery Kind = "transient_query"
	// KindTerminalEnumeration signals "no transaction at this position"
	KindTerminalEnumeration Kind = "terminal_enumeration"
	// KindInsufficientPayment is a content-level validation failure
	KindInsufficientPayment Kind = "insufficient_payment"
	// KindInvalidContentReference is a content-level validation failure
	KindInvalidContentReference Kind = "invalid_content_reference"
	// KindStatePersistence means a cursor or document write failed
	KindStatePersistence Kind = "state_persistence"
	// KindNotFound means a keyed record does not exist
	KindNotFound Kind = "not_found"
)

// CategorizedError is an error with a kind, a stable code and optional details
type CategorizedError struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CategorizedError of the same kind
func (e *CategorizedError) Is(target error) bool {
	t, ok := target.(*CategorizedError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons
var (
	ErrConnectionLost          = &CategorizedError{Kind: KindConnectionLost, Code: "CONNECTION_LOST", Message: "connection lost"}
	ErrConnectionExhausted     = &CategorizedError{Kind: KindConnectionExhausted, Code: "CONNECTION_EXHAUSTED", Message: "connection attempts exhausted"}
	ErrTransientQuery          = &CategorizedError{Kind: KindTransientQuery, Code: "TRANSIENT_QUERY", Message: "query failed"}
	ErrTerminalEnumeration     = &CategorizedError{Kind: KindTerminalEnumeration, Code: "NO_TRANSACTION", Message: "no transaction at position"}
	ErrInsufficientPayment     = &CategorizedError{Kind: KindInsufficientPayment, Code: "INSUFFICIENT_PAYMENT", Message: "insufficient payment"}
	ErrInvalidContentReference = &CategorizedError{Kind: KindInvalidContentReference, Code: "INVALID_CONTENT_REFERENCE", Message: "invalid content reference"}
	ErrStatePersistence        = &CategorizedError{Kind: KindStatePersistence, Code: "STATE_PERSISTENCE", Message: "state persistence failed"}
	ErrNotFound                = &CategorizedError{Kind: KindNotFound, Code: "NOT_FOUND", Message: "not found"}
)

// NewConnectionLostError wraps a transport failure
func NewConnectionLostError(cause error) *CategorizedError {
	return &CategorizedError{
		Kind:    KindConnectionLost,
		Code:    "CONNECTION_LOST",
		Message: "connection to query node lost",
		Cause:   cause,
	}
}

// NewConnectionExhaustedError reports that connect gave up after attempts tries
func NewConnectionExhaustedError(url string, attempts int, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:    KindConnectionExhausted,
		Code:    "CONNECTION_EXHAUSTED",
		Message: fmt.Sprintf("could not connect to %s after %d attempts", url, attempts),
		Cause:   cause,
		Details: map[string]interface{}{
			"url":      url,
			"attempts": attempts,
		},
	}
}

// NewTransientQueryError wraps a failed request; code and message come from the remote node
func NewTransientQueryError(method string, code int, message string) *CategorizedError {
	return &CategorizedError{
		Kind:    KindTransientQuery,
		Code:    "TRANSIENT_QUERY",
		Message: fmt.Sprintf("%s failed: %s", method, message),
		Details: map[string]interface{}{
			"method":        method,
			"remoteCode":    code,
			"remoteMessage": message,
		},
	}
}

// NewTerminalEnumerationError marks the end of a block's transactions
func NewTerminalEnumerationError(height int64, position int) *CategorizedError {
	return &CategorizedError{
		Kind:    KindTerminalEnumeration,
		Code:    "NO_TRANSACTION",
		Message: fmt.Sprintf("no transaction at position %d in block %d", position, height),
		Details: map[string]interface{}{
			"height":   height,
			"position": position,
		},
	}
}

// NewInsufficientPaymentError reports a payment below the expected fee
func NewInsufficientPaymentError(cid string, paid, expected string) *CategorizedError {
	return &CategorizedError{
		Kind:    KindInsufficientPayment,
		Code:    "INSUFFICIENT_PAYMENT",
		Message: fmt.Sprintf("payment %s for %s is below the expected fee %s", paid, cid, expected),
		Details: map[string]interface{}{
			"cid":      cid,
			"paid":     paid,
			"expected": expected,
		},
	}
}

// NewInvalidContentReferenceError reports an unusable content reference
func NewInvalidContentReferenceError(ref string, reason string) *CategorizedError {
	return &CategorizedError{
		Kind:    KindInvalidContentReference,
		Code:    "INVALID_CONTENT_REFERENCE",
		Message: fmt.Sprintf("invalid content reference %q: %s", ref, reason),
		Details: map[string]interface{}{
			"reference": ref,
			"reason":    reason,
		},
	}
}

// NewStatePersistenceError wraps a failed durable write
func NewStatePersistenceError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:    KindStatePersistence,
		Code:    "STATE_PERSISTENCE",
		Message: fmt.Sprintf("failed to persist %s", operation),
		Cause:   cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Kind:    KindNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// KindOf returns the kind of the first CategorizedError in err's chain, or "" if none
func KindOf(err error) Kind {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Kind
	}
	return ""
}

// IsConnectivity reports whether err means the query node is unreachable
func IsConnectivity(err error) bool {
	switch KindOf(err) {
	case KindConnectionLost, KindConnectionExhausted:
		return true
	}
	return false
}

// RemoteMessage returns the node's error text carried by a transient query error
func RemoteMessage(err error) string {
	var catErr *CategorizedError
	if !stderrors.As(err, &catErr) || catErr.Details == nil {
		return ""
	}
	msg, _ := catErr.Details["remoteMessage"].(string)
	return msg
}

// IsContentFault reports whether err is about the requested content itself rather than
// the store serving it
func IsContentFault(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindInvalidContentReference:
		return true
	}
	return false
}

// IsNotFound reports whether err is a not found error
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}
