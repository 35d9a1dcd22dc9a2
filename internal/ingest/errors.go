package ingest

import (
	"errors"
	"fmt"
)

// ErrNonRetryable marks failures that no amount of redelivery fixes. Workers
// dead-letter such tasks right away.
var ErrNonRetryable = errors.New("non-retryable")

// ErrRetryProcessing is returned by a plugin processor that wants the process
// stage to run again later, e.g. while a needed file is still being uploaded.
var ErrRetryProcessing = errors.New("retry processing")

// ContractViolationError reports a collaborator breaking an invariant of the
// pipeline, such as a plugin moving an event to another project.
type ContractViolationError struct {
	Stage   Stage
	Message string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("contract violation in %s: %s", e.Stage, e.Message)
}

func (e *ContractViolationError) Unwrap() error {
	return ErrNonRetryable
}

// IsRetryable reports whether a failed task may be delivered again.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrNonRetryable)
}
