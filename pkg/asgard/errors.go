package asgard

import (
	"errors"
	"fmt"
)

// ErrASGNotFound is returned when an operation that requires an existing
// ASG targets one that doesn't exist (spec §4.4 remote-call error
// policy: "Auto Scaling Group does not exist."). Never retried.
var ErrASGNotFound = errors.New("Auto Scaling Group does not exist.")

// UnexpectedStatusError wraps any response to a state-changing call
// other than the expected 302 redirect. Never retried.
type UnexpectedStatusError struct {
	Operation string
	Code      int
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("Unexpected status while %s: %d", e.Operation, e.Code)
}
