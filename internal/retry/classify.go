// Package retry turns fallible storage operations into bounded retry loops
// with exponential backoff. It classifies errors into retry dispositions,
// computes jittered delays, and drives the attempt loop for every mutating
// store call.
package retry

import (
	"context"
	"errors"
	"strings"
)

// Disposition is the retry decision for a classified error.
type Disposition int

const (
	// Transient errors are temporary; the operation is retried.
	Transient Disposition = iota
	// NonRetryable errors are permanent; the operation fails fast.
	NonRetryable
	// Unknown errors are treated like Transient.
	Unknown
)

func (d Disposition) String() string {
	switch d {
	case Transient:
		return "transient"
	case NonRetryable:
		return "non-retryable"
	default:
		return "unknown"
	}
}

// Sentinel errors reported by storage backends so the classifier does not
// depend on driver error types. Backends map their native errors onto these.
var (
	// ErrStorageFull marks quota or disk-space exhaustion.
	ErrStorageFull = errors.New("storage full")
	// ErrStoreClosed marks a store that is shut down or unavailable.
	ErrStoreClosed = errors.New("store closed")
)

// nonRetryableFragments match driver-level errors that no amount of retrying
// will fix: the device is out of space or the store is gone.
var nonRetryableFragments = []string{
	"database or disk is full",
	"sqlite_full",
	"quota exceeded",
	"disk full",
	"no space left",
	"database is closed",
	"sql: database is closed",
}

// transientFragments match contention and timeout errors that typically clear
// on their own.
var transientFragments = []string{
	"database is locked",
	"sqlite_busy",
	"busy",
	"timeout",
	"timed out",
	"deadline exceeded",
	"aborted",
	"connection reset",
	"bad connection",
	"serialization failure",
}

// Classify maps an error to its retry disposition. Quota and store-closed
// conditions are NonRetryable; aborts, timeouts, and lock contention are
// Transient; anything unrecognized is Unknown and retried like Transient.
func Classify(err error) Disposition {
	if err == nil {
		return Unknown
	}
	if errors.Is(err, ErrStorageFull) || errors.Is(err, ErrStoreClosed) {
		return NonRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range nonRetryableFragments {
		if strings.Contains(msg, frag) {
			return NonRetryable
		}
	}
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return Transient
		}
	}
	return Unknown
}

// UserMessage maps an error to an end-user-safe string. It never includes the
// underlying error text, which may contain paths or driver internals.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStorageFull):
		return "storage is full — free up space and try again"
	case errors.Is(err, ErrStoreClosed):
		return "storage is unavailable — restart the app"
	}

	switch Classify(err) {
	case NonRetryable:
		return "storage is unavailable — restart the app"
	default:
		return "saving failed after repeated attempts — try again"
	}
}
