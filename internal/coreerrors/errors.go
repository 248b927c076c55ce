// Package coreerrors implements the error taxonomy of spec §7:
// validation, capacity, storage, invariant-violation, and lock-poisoning.
// Modeled on abdoElHodaky/tradSys's pkg/errors — a typed code plus a
// structured error carrying severity and an optional cause, instead of ad
// hoc fmt.Errorf strings.
package coreerrors

import (
	"fmt"
	"time"
)

// Code identifies the kind of failure.
type Code string

const (
	// Validation — malformed request, unknown id, duplicate id.
	CodeDuplicateOrder Code = "DUPLICATE_ORDER"
	CodeInvalidOrder   Code = "INVALID_ORDER"
	CodeOrderNotFound  Code = "ORDER_NOT_FOUND"
	CodeUserExists     Code = "USER_EXISTS"
	CodeUserNotFound   Code = "USER_NOT_FOUND"
	CodeInsufficient   Code = "INSUFFICIENT_BALANCE"

	// Capacity — ingress channel full. The sender awaits room; CodeChannelFull
	// is returned only when the sender's context ends before room frees up.
	CodeChannelFull Code = "CHANNEL_FULL"
	CodeChannelShut Code = "CHANNEL_CLOSED"

	// Storage — external store unreachable or rejected the write.
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeStorageRejected    Code = "STORAGE_REJECTED"

	// Invariant violation — fatal, task-aborting.
	CodeBalanceUnderflow  Code = "BALANCE_UNDERFLOW"
	CodeMissingUser       Code = "MISSING_USER"
	CodeHeightRegression  Code = "HEIGHT_REGRESSION"
	CodeChainMismatch     Code = "CHAIN_MISMATCH"
	CodeMempoolCorruption Code = "MEMPOOL_CORRUPTION"

	// Lock poisoning — a writer panicked mid-update.
	CodeLockPoisoned Code = "LOCK_POISONED"
)

// Severity classifies how the caller should respond.
type Severity string

const (
	SeverityRecoverable Severity = "recoverable" // 4xx to caller
	SeverityTransient   Severity = "transient"   // 5xx to caller, retry internally
	SeverityFatal       Severity = "fatal"       // task aborts, supervisor restarts
)

var severityByCode = map[Code]Severity{
	CodeDuplicateOrder:     SeverityRecoverable,
	CodeInvalidOrder:       SeverityRecoverable,
	CodeOrderNotFound:      SeverityRecoverable,
	CodeUserExists:         SeverityRecoverable,
	CodeUserNotFound:       SeverityRecoverable,
	CodeInsufficient:       SeverityRecoverable,
	CodeChannelFull:        SeverityTransient,
	CodeChannelShut:        SeverityTransient,
	CodeStorageUnavailable: SeverityTransient,
	CodeStorageRejected:    SeverityTransient,
	CodeBalanceUnderflow:   SeverityFatal,
	CodeMissingUser:        SeverityFatal,
	CodeHeightRegression:   SeverityFatal,
	CodeChainMismatch:      SeverityFatal,
	CodeMempoolCorruption:  SeverityFatal,
	CodeLockPoisoned:       SeverityFatal,
}

// CoreError is the structured error type returned across package
// boundaries in this module.
type CoreError struct {
	Code      Code
	Message   string
	Severity  Severity
	Cause     error
	Timestamp time.Time
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Code, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Severity, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// IsFatal reports whether the error should abort the owning task.
func (e *CoreError) IsFatal() bool { return e.Severity == SeverityFatal }

// New creates a CoreError, deriving severity from the code.
func New(code Code, message string) *CoreError {
	return &CoreError{
		Code:      code,
		Message:   message,
		Severity:  severityFor(code),
		Timestamp: time.Now(),
	}
}

// Newf creates a CoreError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *CoreError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new CoreError.
func Wrap(code Code, cause error, message string) *CoreError {
	e := New(code, message)
	e.Cause = cause
	return e
}

func severityFor(code Code) Severity {
	if s, ok := severityByCode[code]; ok {
		return s
	}
	return SeverityFatal
}
