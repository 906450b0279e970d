package consumer

import (
	"fmt"
	"time"
)

// TimeoutError reports a handler that did not return within HandleTimeout.
// The handler keeps running with a cancelled context; its result is ignored.
type TimeoutError struct {
	MessageID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("consumer: batch handler timed out after %s", e.Timeout)
	}
	return fmt.Sprintf("consumer: handler for %s timed out after %s", e.MessageID, e.Timeout)
}

// ProcessingError wraps any other handler failure, including a panic.
type ProcessingError struct {
	MessageID string
	Err       error
}

func (e *ProcessingError) Error() string {
	if e.MessageID == "" {
		return "consumer: batch handler failed: " + e.Err.Error()
	}
	return "consumer: handler for " + e.MessageID + " failed: " + e.Err.Error()
}

func (e *ProcessingError) Unwrap() error { return e.Err }
