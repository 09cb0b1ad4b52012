package utils

import (
	"errors"
	"fmt"
	"time"
)

var ErrorRecordNotFound = errors.New("record not found")

// UpstreamErrorKind is the typed failure class a ChannelClient reports.
type UpstreamErrorKind string

const (
	UpstreamRateLimited UpstreamErrorKind = "rate_limited"
	UpstreamAuthFailed  UpstreamErrorKind = "auth_failed"
	UpstreamTransient   UpstreamErrorKind = "transient"
	UpstreamPermanent   UpstreamErrorKind = "permanent"
)

// TransientUpstreamError is retryable: timeouts, rate limits, 5xx.
type TransientUpstreamError struct {
	Kind       UpstreamErrorKind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientUpstreamError) Error() string {
	return fmt.Sprintf("transient upstream error (%s) during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TransientUpstreamError) Unwrap() error { return e.Err }

// PermanentUpstreamError is never retried: auth failure, malformed response schema.
type PermanentUpstreamError struct {
	Kind UpstreamErrorKind
	Op   string
	Err  error
}

func (e *PermanentUpstreamError) Error() string {
	return fmt.Sprintf("permanent upstream error (%s) during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *PermanentUpstreamError) Unwrap() error { return e.Err }

// PermanentBatchError marks a batch skipped after exhausting retries or failing non-retryably.
type PermanentBatchError struct {
	BatchIndex int
	Size       int
	Attempts   int
	Err        error
}

func (e *PermanentBatchError) Error() string {
	return fmt.Sprintf("batch %d (%d records) failed after %d attempt(s): %v", e.BatchIndex, e.Size, e.Attempts, e.Err)
}

func (e *PermanentBatchError) Unwrap() error { return e.Err }

// InvalidIdentifierError is returned for ids that are empty or not alphanumeric after trimming.
type InvalidIdentifierError struct {
	Raw    string
	Source string
	Reason string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid identifier %q from %s: %s", e.Raw, e.Source, e.Reason)
}

// ConcurrentSyncError is returned when another run already holds the channel lock.
type ConcurrentSyncError struct {
	Channel string
}

func (e *ConcurrentSyncError) Error() string {
	return fmt.Sprintf("sync already running for channel %s", e.Channel)
}

// InvariantViolationError reports a conflicting write that was rejected.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Invariant, e.Detail)
}

func IsTransientUpstream(err error) bool {
	var t *TransientUpstreamError
	return errors.As(err, &t)
}

func IsPermanentUpstream(err error) bool {
	var p *PermanentUpstreamError
	return errors.As(err, &p)
}

func IsConcurrentSync(err error) bool {
	var c *ConcurrentSyncError
	return errors.As(err, &c)
}
