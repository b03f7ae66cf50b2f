package billing

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a billing failure for callers that branch on it.
type ErrorKind string

const (
	KindNone                    ErrorKind = ""
	KindInsufficientBalance     ErrorKind = "insufficient_balance"
	KindInsufficientPoolBalance ErrorKind = "insufficient_pool_balance"
	KindMonthlyLimitExceeded    ErrorKind = "monthly_limit_exceeded"
	KindUserDeactivated         ErrorKind = "user_deactivated"
	KindNotInitialized          ErrorKind = "not_initialized"
	KindModelAccessDenied       ErrorKind = "model_access_denied"
	KindDuplicateWebhookEvent   ErrorKind = "duplicate_webhook_event"
	KindLockAcquisitionTimeout  ErrorKind = "lock_acquisition_timeout"
	KindGuardAlreadyProcessed   ErrorKind = "guard_already_processed"
	KindRefundTargetNotFound    ErrorKind = "refund_target_not_found"
	KindInvalidRequest          ErrorKind = "invalid_request"
	KindSystemError             ErrorKind = "system_error"
)

// Sentinel errors, matched with errors.Is against *Error values.
var (
	ErrInsufficientBalance     = errors.New("insufficient credit balance")
	ErrInsufficientPoolBalance = errors.New("insufficient enterprise pool balance")
	ErrMonthlyLimitExceeded    = errors.New("monthly spending limit exceeded")
	ErrUserDeactivated         = errors.New("user is deactivated")
	ErrNotInitialized          = errors.New("enterprise billing not initialized")
	ErrModelAccessDenied       = errors.New("model not available on current plan")
	ErrLockTimeout             = errors.New("lock acquisition timed out")
	ErrRefundTargetNotFound    = errors.New("refund target purchase not found")
	ErrInvalidAmount           = errors.New("amount must be positive")
)

var kindSentinels = map[ErrorKind]error{
	KindInsufficientBalance:     ErrInsufficientBalance,
	KindInsufficientPoolBalance: ErrInsufficientPoolBalance,
	KindMonthlyLimitExceeded:    ErrMonthlyLimitExceeded,
	KindUserDeactivated:         ErrUserDeactivated,
	KindNotInitialized:          ErrNotInitialized,
	KindModelAccessDenied:       ErrModelAccessDenied,
	KindLockAcquisitionTimeout:  ErrLockTimeout,
	KindRefundTargetNotFound:    ErrRefundTargetNotFound,
	KindInvalidRequest:          ErrInvalidAmount,
}

// Error is a typed billing failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrInsufficientBalance) match on kind even when the
// wrapped cause carries more detail.
func (e *Error) Is(target error) bool {
	if s, ok := kindSentinels[e.Kind]; ok {
		return s == target
	}
	return false
}

func newError(op string, kind ErrorKind, err error) *Error {
	if err == nil {
		err = kindSentinels[kind]
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind of err; unknown errors are system errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindSystemError
}
