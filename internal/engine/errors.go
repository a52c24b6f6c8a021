package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/ledgersync/internal/ir"
)

var (
	// ErrEndOfCatchup is returned by NextCatchupEvent once the catch-up
	// sequence is exhausted.
	ErrEndOfCatchup = errors.New("end of catch-up")

	// ErrCatchupPending is returned by NextLiveEvent while catch-up events
	// remain undrained.
	ErrCatchupPending = errors.New("catch-up not drained")

	// ErrReleased is returned by a Listener after Release.
	ErrReleased = errors.New("listener released")

	// ErrManagerClosed is returned once the Manager has shut down.
	ErrManagerClosed = errors.New("event manager closed")

	// ErrSlowConsumer is the cause attached to a subscription that fell too
	// far behind its account.
	ErrSlowConsumer = errors.New("subscriber backlog exceeded")
)

// SyncError is a terminal failure scoped to one account or subscription.
//
// A Listener that surfaces a SyncError is finished; the caller must Listen
// again. The engine never re-subscribes on its own.
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Account is the affected watched account.
	Account ir.AccountKey

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes terminal failures.
type ErrorCode string

const (
	// ErrCodeRetryExhausted indicates a historical query failed on every attempt.
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// ErrCodeCursorStore indicates the cursor could not be read or written.
	ErrCodeCursorStore ErrorCode = "CURSOR_STORE"

	// ErrCodeSlowConsumer indicates the subscription's backlog overflowed.
	ErrCodeSlowConsumer ErrorCode = "SLOW_CONSUMER"

	// ErrCodeLiveUnavailable indicates the live stream could not be
	// re-established within the reconnect limit.
	ErrCodeLiveUnavailable ErrorCode = "LIVE_UNAVAILABLE"

	// ErrCodeShutdown indicates the Manager closed.
	ErrCodeShutdown ErrorCode = "SHUTDOWN"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Account != "" {
		msg += fmt.Sprintf(" (account=%s)", e.Account)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsRetryExhausted reports whether err is a retry-exhausted failure.
// Uses errors.As to handle wrapped errors.
func IsRetryExhausted(err error) bool { return hasCode(err, ErrCodeRetryExhausted) }

// IsCursorStoreError reports whether err is a cursor store failure.
func IsCursorStoreError(err error) bool { return hasCode(err, ErrCodeCursorStore) }

// IsSlowConsumer reports whether err ended a subscription for falling behind.
func IsSlowConsumer(err error) bool { return hasCode(err, ErrCodeSlowConsumer) }

// IsLiveUnavailable reports whether err is a live reconnect failure.
func IsLiveUnavailable(err error) bool { return hasCode(err, ErrCodeLiveUnavailable) }

// IsShutdown reports whether err was caused by the Manager closing.
func IsShutdown(err error) bool { return hasCode(err, ErrCodeShutdown) }

func newRetryExhaustedError(account ir.AccountKey, attempts int, cause error) *SyncError {
	return &SyncError{
		Code:    ErrCodeRetryExhausted,
		Account: account,
		Message: fmt.Sprintf("historical query failed after %d attempts", attempts),
		Err:     cause,
	}
}

func newCursorStoreError(account ir.AccountKey, op string, cause error) *SyncError {
	return &SyncError{
		Code:    ErrCodeCursorStore,
		Account: account,
		Message: op + " failed",
		Err:     cause,
	}
}

func newSlowConsumerError(account ir.AccountKey, limit int) *SyncError {
	return &SyncError{
		Code:    ErrCodeSlowConsumer,
		Account: account,
		Message: fmt.Sprintf("subscription fell more than %d envelopes behind", limit),
		Err:     ErrSlowConsumer,
	}
}

func newLiveUnavailableError(account ir.AccountKey, attempts int, cause error) *SyncError {
	return &SyncError{
		Code:    ErrCodeLiveUnavailable,
		Account: account,
		Message: fmt.Sprintf("live stream unavailable after %d attempts", attempts),
		Err:     cause,
	}
}

func newShutdownError() *SyncError {
	return &SyncError{
		Code:    ErrCodeShutdown,
		Message: "manager shut down",
		Err:     ErrManagerClosed,
	}
}
