// Package queue is the Work-Item Store contract.
//
// A message in the store means "admitted, not yet being worked". The consumer
// deletes it once a handler has taken responsibility for the payload; from
// then on durability is the drain path's job, which sends a fresh copy back.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Envelope is one received message.
type Envelope struct {
	ID           string
	Receipt      string
	Body         []byte
	ReceiveCount int
	SentAt       time.Time
}

type ReceiveOptions struct {
	MaxMessages       int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// Store is a durable queue with visibility timeouts.
//
// Receive blocks up to WaitTime and returns 0..MaxMessages envelopes; each
// receipt stays valid until the message is received again. A received
// message is hidden for VisibilityTimeout unless deleted or released.
type Store interface {
	Receive(ctx context.Context, opts ReceiveOptions) ([]Envelope, error)
	Delete(ctx context.Context, receipt string) error
	ChangeVisibility(ctx context.Context, receipt string, timeout time.Duration) error
	Send(ctx context.Context, body []byte) (id string, err error)
}

// Release makes a received message immediately visible again.
func Release(ctx context.Context, s Store, receipt string) error {
	return s.ChangeVisibility(ctx, receipt, 0)
}

// ErrReceiptNotFound is returned for a receipt that no longer names an
// in-flight message (deleted, re-received, or never issued).
var ErrReceiptNotFound = errors.New("queue: receipt not found")

// StoreError is a transport or authorization failure from a store backend.
type StoreError struct {
	Op        string
	Code      string
	Retryable bool
	Err       error
}

func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString("queue ")
	b.WriteString(e.Op)
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StoreError) Unwrap() error { return e.Err }

// authCodes are the codes a backend uses for credential or endpoint trouble.
var authCodes = map[string]struct{}{
	"403":                  {},
	"AccessDenied":         {},
	"CredentialsError":     {},
	"UnknownEndpoint":      {},
	"InvalidClientTokenId": {},
	"ExpiredToken":         {},
	"SQLITE_READONLY":      {},
	"SQLITE_AUTH":          {},
	"SQLITE_CANTOPEN":      {},
	"SQLITE_PERM":          {},
}

// Auth reports whether the error is an authentication-class failure.
func (e *StoreError) Auth() bool {
	_, ok := authCodes[e.Code]
	return ok
}

// IsAuthError reports whether err wraps an authentication-class StoreError.
func IsAuthError(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Auth()
}

// IsRetryable reports whether err wraps a retryable StoreError.
func IsRetryable(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Retryable
}

// Wrap converts err into a *StoreError for op unless it already is one.
func Wrap(op, code string, retryable bool, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Code: code, Retryable: retryable, Err: err}
}

// Validate bounds-checks receive options.
func (o ReceiveOptions) Validate() error {
	if o.MaxMessages < 1 || o.MaxMessages > 10 {
		return fmt.Errorf("max messages must be within 1..10, got %d", o.MaxMessages)
	}
	if o.WaitTime < 0 || o.WaitTime > 20*time.Second {
		return fmt.Errorf("wait time must be within 0..20s, got %s", o.WaitTime)
	}
	if o.VisibilityTimeout < 0 {
		return fmt.Errorf("visibility timeout must not be negative")
	}
	return nil
}
