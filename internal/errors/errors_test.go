package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorizedError_IsMatchesByKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		want     bool
	}{
		{"connection lost", NewConnectionLostError(stderrors.New("eof")), ErrConnectionLost, true},
		{"wrapped exhausted", fmt.Errorf("scan: %w", NewConnectionExhaustedError("ws://x", 3, nil)), ErrConnectionExhausted, true},
		{"terminal", NewTerminalEnumerationError(10, 4), ErrTerminalEnumeration, true},
		{"payment is not content ref", NewInsufficientPaymentError("bafy", "0.1", "0.2"), ErrInvalidContentReference, false},
		{"plain error", stderrors.New("x"), ErrTransientQuery, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stderrors.Is(tt.err, tt.sentinel); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCategorizedError_UnwrapKeepsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := NewStatePersistenceError("scan cursor", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, KindStatePersistence, KindOf(fmt.Errorf("wrap: %w", err)))
}

func TestIsConnectivity(t *testing.T) {
	assert.True(t, IsConnectivity(NewConnectionLostError(nil)))
	assert.True(t, IsConnectivity(fmt.Errorf("x: %w", ErrConnectionExhausted)))
	assert.False(t, IsConnectivity(NewTransientQueryError("blockchain.transaction.get", 2, "busy")))
	assert.False(t, IsConnectivity(nil))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NewNotFoundError("pinning metadata", "bafy")))
	assert.False(t, IsNotFound(stderrors.New("nope")))
}
