package clob

import (
	"errors"
	"fmt"
)

var (
	// ErrPermanentRejection marks a 4xx answer. The order must not be resent.
	ErrPermanentRejection = errors.New("order rejected by exchange")
	// ErrRetriesExhausted means every attempt hit a transient failure. The
	// exchange may or may not have accepted the order.
	ErrRetriesExhausted  = errors.New("order submission retries exhausted")
	ErrMalformedResponse = errors.New("malformed exchange response")
	// ErrDuplicateSubmission is returned when a local order id was already
	// handed to Submit once in this process.
	ErrDuplicateSubmission = errors.New("order already submitted")
)

// RejectionError carries the exchange's reason for a permanent rejection.
type RejectionError struct {
	Status  int
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("exchange rejected order (HTTP %d): %s", e.Status, e.Message)
}

func (e *RejectionError) Unwrap() error {
	return ErrPermanentRejection
}
