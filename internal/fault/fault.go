// Package fault defines the error kinds shared by the claim ledger components.
//
// Every rejected operation surfaces a *Error carrying a Code. Admissibility
// outcomes (NOT_WHITELISTED, WRONG_EXECUTOR, CONDITION_NOT_MET, ...) are
// expected results callers branch on. Errors marked Fatal indicate a broken
// ledger invariant and must be logged, never swallowed.
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code categorizes ledger and lifecycle errors.
type Code string

const (
	CodeNotWhitelisted            Code = "NOT_WHITELISTED"
	CodeInvalidEstimate           Code = "INVALID_ESTIMATE"
	CodeInsufficientProviderFunds Code = "INSUFFICIENT_PROVIDER_FUNDS"
	CodeInsufficientFunds         Code = "INSUFFICIENT_FUNDS"
	CodeUnauthorized              Code = "UNAUTHORIZED"
	CodeInvalidState              Code = "INVALID_STATE"
	CodeClaimNotActive            Code = "CLAIM_NOT_ACTIVE"
	CodeWrongExecutor             Code = "WRONG_EXECUTOR"
	CodeExecutorUnderstaked       Code = "EXECUTOR_UNDERSTAKED"
	CodeConditionNotMet           Code = "CONDITION_NOT_MET"
	CodeActionExecutionFailed     Code = "ACTION_EXECUTION_FAILED"
	CodeInsufficientStake         Code = "INSUFFICIENT_STAKE"

	// CodeNotFound indicates a lookup by id found nothing.
	CodeNotFound Code = "NOT_FOUND"

	// CodeUnknownPlugin indicates a condition or action reference with no
	// registered implementation.
	CodeUnknownPlugin Code = "UNKNOWN_PLUGIN"

	// CodeInvalidArgument indicates malformed input (zero amount, empty id).
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)

// Sentinels for errors.Is matching. Matching compares codes only.
var (
	ErrNotWhitelisted            = &Error{Code: CodeNotWhitelisted}
	ErrInvalidEstimate           = &Error{Code: CodeInvalidEstimate}
	ErrInsufficientProviderFunds = &Error{Code: CodeInsufficientProviderFunds}
	ErrInsufficientFunds         = &Error{Code: CodeInsufficientFunds}
	ErrUnauthorized              = &Error{Code: CodeUnauthorized}
	ErrInvalidState              = &Error{Code: CodeInvalidState}
	ErrClaimNotActive            = &Error{Code: CodeClaimNotActive}
	ErrWrongExecutor             = &Error{Code: CodeWrongExecutor}
	ErrExecutorUnderstaked       = &Error{Code: CodeExecutorUnderstaked}
	ErrConditionNotMet           = &Error{Code: CodeConditionNotMet}
	ErrActionExecutionFailed     = &Error{Code: CodeActionExecutionFailed}
	ErrInsufficientStake         = &Error{Code: CodeInsufficientStake}
	ErrNotFound                  = &Error{Code: CodeNotFound}
	ErrUnknownPlugin             = &Error{Code: CodeUnknownPlugin}
	ErrInvalidArgument           = &Error{Code: CodeInvalidArgument}
)

// Error is a structured ledger error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// ClaimID identifies the affected claim, zero if none.
	ClaimID uint64

	// Account identifies the affected account, empty if none.
	Account string

	// Details contains additional context.
	Details map[string]string

	// Fatal marks an invariant violation (e.g. a settlement debit that
	// should have been pre-validated).
	Fatal bool

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	var ctx []string
	if e.ClaimID != 0 {
		ctx = append(ctx, fmt.Sprintf("claim=%d", e.ClaimID))
	}
	if e.Account != "" {
		ctx = append(ctx, "account="+e.Account)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ctx = append(ctx, k+"="+e.Details[k])
		}
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithClaim sets the affected claim and returns e.
func (e *Error) WithClaim(id uint64) *Error {
	e.ClaimID = id
	return e
}

// WithAccount sets the affected account and returns e.
func (e *Error) WithAccount(account string) *Error {
	e.Account = account
	return e
}

// WithDetail adds a detail entry and returns e.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// AsFatal marks e as an invariant violation and returns it.
func (e *Error) AsFatal() *Error {
	e.Fatal = true
	return e
}

// CodeOf extracts the code from err. Returns "" if err carries no *Error.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsFatal reports whether err carries an invariant violation.
func IsFatal(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Fatal
	}
	return false
}
