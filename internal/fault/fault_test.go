package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeWrongExecutor, "claim bound to %s", "exec-1").WithClaim(7)
	wrapped := fmt.Errorf("execute: %w", err)

	assert.True(t, errors.Is(wrapped, ErrWrongExecutor))
	assert.False(t, errors.Is(wrapped, ErrClaimNotActive))
	assert.Equal(t, CodeWrongExecutor, CodeOf(wrapped))
}

func TestErrorMessageIncludesContext(t *testing.T) {
	err := New(CodeInsufficientFunds, "debit exceeds balance").
		WithClaim(3).
		WithAccount("provider-1").
		WithDetail("requested", "50").
		WithDetail("available", "10")

	assert.Equal(t,
		"INSUFFICIENT_FUNDS: debit exceeds balance (claim=3, account=provider-1, available=10, requested=50)",
		err.Error())
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := errors.New("revert")
	err := Wrap(CodeActionExecutionFailed, cause, "action %s", "transfer")

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "revert")
}

func TestFatal(t *testing.T) {
	err := New(CodeInsufficientFunds, "escrow short").AsFatal()
	assert.True(t, IsFatal(fmt.Errorf("settle: %w", err)))
	assert.False(t, IsFatal(New(CodeInsufficientFunds, "user debit")))
	assert.False(t, IsFatal(errors.New("plain")))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}
