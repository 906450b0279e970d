package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Handle identifies the one mutable notification message of a work item.
//
// MessageID is empty before the first publish; Publish then creates a message
// and returns a Handle carrying the identifiers assigned by the remote side.
type Handle struct {
	Channel   string
	ThreadID  int
	MessageID string
}

// Created reports whether a message already exists for this handle.
func (h Handle) Created() bool { return strings.TrimSpace(h.MessageID) != "" }

func (h Handle) String() string {
	s := h.Channel
	if h.ThreadID != 0 {
		s += "/" + strconv.Itoa(h.ThreadID)
	}
	if h.Created() {
		s += "#" + h.MessageID
	}
	return s
}

// Content is a rendered notification.
type Content struct {
	Text           string
	ParseMode      string
	DisablePreview bool
}

// Sink posts or updates a channel message.
//
// Publish with an empty MessageID creates; otherwise it updates that message
// and returns the same handle.
type Sink interface {
	Publish(ctx context.Context, h Handle, c Content) (Handle, error)
}

// RemoteApplicationError is a failure reported inside a response that the
// transport itself delivered successfully.
type RemoteApplicationError struct {
	Service     string
	Code        int
	Description string
	// RetryAfter is the remote hint in seconds, 0 if absent.
	RetryAfter int
}

func (e *RemoteApplicationError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code=%d)", e.Service, e.Description, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Service, e.Description)
}

// IsRemoteApplicationError reports whether err wraps a *RemoteApplicationError.
func IsRemoteApplicationError(err error) bool {
	var rae *RemoteApplicationError
	return errors.As(err, &rae)
}
