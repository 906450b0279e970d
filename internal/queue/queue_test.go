package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStoreErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err       error
		auth      bool
		retryable bool
	}{
		{&StoreError{Op: "receive", Code: "403"}, true, false},
		{&StoreError{Op: "receive", Code: "CredentialsError"}, true, false},
		{&StoreError{Op: "receive", Code: "UnknownEndpoint"}, true, false},
		{fmt.Errorf("wrapped: %w", &StoreError{Op: "delete", Code: "SQLITE_BUSY", Retryable: true}), false, true},
		{errors.New("plain"), false, false},
	}
	for i, tc := range cases {
		if got := IsAuthError(tc.err); got != tc.auth {
			t.Fatalf("case %d: IsAuthError = %v, want %v", i, got, tc.auth)
		}
		if got := IsRetryable(tc.err); got != tc.retryable {
			t.Fatalf("case %d: IsRetryable = %v, want %v", i, got, tc.retryable)
		}
	}
}

func TestWrapKeepsExistingStoreError(t *testing.T) {
	t.Parallel()

	orig := &StoreError{Op: "send", Code: "403"}
	if got := Wrap("receive", "x", true, orig); got != error(orig) {
		t.Fatalf("Wrap = %v, want original", got)
	}
	if Wrap("receive", "x", true, nil) != nil {
		t.Fatal("Wrap(nil) != nil")
	}
}

func TestReceiveOptionsValidate(t *testing.T) {
	t.Parallel()

	bad := []ReceiveOptions{
		{MaxMessages: 0},
		{MaxMessages: 11},
		{MaxMessages: 1, WaitTime: 21 * time.Second},
		{MaxMessages: 1, VisibilityTimeout: -time.Second},
	}
	for _, o := range bad {
		if o.Validate() == nil {
			t.Fatalf("Validate(%+v) = nil, want error", o)
		}
	}
	if err := (ReceiveOptions{MaxMessages: 10, WaitTime: 20 * time.Second}).Validate(); err != nil {
		t.Fatalf("Validate(max bounds) = %v", err)
	}
}

func TestMemoryStoreVisibilityLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryStore()
	if _, err := m.Send(ctx, []byte("a")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	opts := ReceiveOptions{MaxMessages: 10, VisibilityTimeout: time.Hour}
	got, err := m.Receive(ctx, opts)
	if err != nil || len(got) != 1 {
		t.Fatalf("Receive = %v, %v; want one envelope", got, err)
	}
	if again, _ := m.Receive(ctx, opts); len(again) != 0 {
		t.Fatalf("in-flight message received again: %v", again)
	}

	if err := Release(ctx, m, got[0].Receipt); err != nil {
		t.Fatalf("Release: %v", err)
	}
	re, err := m.Receive(ctx, opts)
	if err != nil || len(re) != 1 {
		t.Fatalf("Receive after release = %v, %v", re, err)
	}
	if re[0].ReceiveCount != 2 {
		t.Fatalf("ReceiveCount = %d, want 2", re[0].ReceiveCount)
	}
	if err := m.Delete(ctx, got[0].Receipt); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("Delete(stale receipt) = %v, want ErrReceiptNotFound", err)
	}
	if err := m.Delete(ctx, re[0].Receipt); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d, want 0", m.Len())
	}
}

func TestMemoryStoreLongPollWakesOnSend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryStore()
	done := make(chan []Envelope, 1)
	go func() {
		got, _ := m.Receive(ctx, ReceiveOptions{MaxMessages: 1, WaitTime: 5 * time.Second, VisibilityTimeout: time.Minute})
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := m.Send(ctx, []byte("late")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-done:
		if len(got) != 1 || string(got[0].Body) != "late" {
			t.Fatalf("Receive = %v, want the late message", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("long poll did not wake on send")
	}
}

func TestMemoryStoreReceiveHonorsCancel(t *testing.T) {
	t.Parallel()

	m := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Receive(ctx, ReceiveOptions{MaxMessages: 1, WaitTime: 10 * time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Receive = %v, want context.Canceled", err)
	}
}

func TestMemoryStoreBatchOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryStore()
	for _, b := range []string{"1", "2", "3"} {
		_, _ = m.Send(ctx, []byte(b))
	}
	got, err := m.Receive(ctx, ReceiveOptions{MaxMessages: 2, VisibilityTimeout: time.Minute})
	if err != nil || len(got) != 2 {
		t.Fatalf("Receive = %v, %v", got, err)
	}
	if string(got[0].Body) != "1" || string(got[1].Body) != "2" {
		t.Fatalf("order = %s,%s; want 1,2", got[0].Body, got[1].Body)
	}
}
