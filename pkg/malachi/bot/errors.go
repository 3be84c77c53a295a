// Package bot – errors.go defines the outcome taxonomy for the message
// pipeline. Rejections and policy skips are normal outcomes, not failures;
// remote errors carry a transient/fatal classification that drives the
// dispatcher's retry policy.
package bot

import (
	"errors"
	"fmt"
)

// Normal (non-error) pipeline outcomes.
var (
	// ErrAdmissionRejected means the rate limiter declined the message.
	// No reply is sent and nothing is logged at error level.
	ErrAdmissionRejected = errors.New("admission rejected by rate limiter")

	// ErrPolicyIgnored means the response policy decided not to reply.
	ErrPolicyIgnored = errors.New("message ignored by response policy")

	// ErrRemoteUnavailable is surfaced after a transient remote failure
	// exhausts its retry budget.
	ErrRemoteUnavailable = errors.New("remote completion service unavailable")
)

// RemoteError classifies a failure from the completion or knowledge remote.
type RemoteError struct {
	// Op describes the failed call (e.g. "chat completion").
	Op string

	// Transient marks errors worth retrying (5xx, 429, timeouts).
	// Fatal errors (auth, malformed request) surface immediately.
	Transient bool

	Err error
}

func (e *RemoteError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("remote %s error: %s: %v", kind, e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable remote failure.
func IsTransient(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Transient
}
