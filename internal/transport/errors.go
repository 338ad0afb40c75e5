package transport

import (
	"context"
	"errors"
	"fmt"
)

// DeliveryError classifies a failed fetch or send.
//
// Transient failures (timeout, rate limit, flaky network) may succeed on a
// later attempt; permanent ones (closed DMs, unknown target) never will.
type DeliveryError struct {
	Permanent bool
	Reason    string
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s delivery failure: %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %s", kind, e.Reason)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func Transient(reason string, err error) *DeliveryError {
	return &DeliveryError{Reason: reason, Err: err}
}

func Permanent(reason string, err error) *DeliveryError {
	return &DeliveryError{Permanent: true, Reason: reason, Err: err}
}

// IsPermanent reports whether err is classified as unretryable.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// Classify maps an arbitrary dispatch error into the taxonomy. Already
// classified errors pass through; context deadlines count as transient
// (the send timed out, a later tick may succeed).
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("send timed out", err)
	}
	return Transient("send failed", err)
}
