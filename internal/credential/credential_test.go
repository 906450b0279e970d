package credential

import (
	"context"
	"errors"
	"testing"

	"github.com/99designs/keyring"
)

func TestStaticResolve(t *testing.T) {
	t.Setenv("RUNRELAY_TEST_GH_TOKEN", "from-env")

	s := Static{"plain": "tok", "indirect": "env:RUNRELAY_TEST_GH_TOKEN", "empty": "env:RUNRELAY_TEST_UNSET"}
	ctx := context.Background()

	if v, err := s.Resolve(ctx, "plain"); err != nil || v != "tok" {
		t.Fatalf("Resolve(plain) = %q, %v", v, err)
	}
	if v, err := s.Resolve(ctx, "indirect"); err != nil || v != "from-env" {
		t.Fatalf("Resolve(indirect) = %q, %v", v, err)
	}
	if _, err := s.Resolve(ctx, "empty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve(empty env) = %v, want ErrNotFound", err)
	}
	if _, err := s.Resolve(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve(missing) = %v, want ErrNotFound", err)
	}
}

func TestKeyringResolve(t *testing.T) {
	t.Parallel()

	k := NewKeyring(keyring.NewArrayKeyring(nil))
	if err := k.set("acme-gh", "secret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := k.Resolve(context.Background(), "acme-gh"); err != nil || v != "secret" {
		t.Fatalf("Resolve = %q, %v", v, err)
	}
	if _, err := k.Resolve(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve(missing) = %v, want ErrNotFound", err)
	}
}

func TestChainFallsThroughNotFound(t *testing.T) {
	t.Parallel()

	c := Chain{Static{"a": "1"}, Static{"b": "2"}}
	if v, err := c.Resolve(context.Background(), "b"); err != nil || v != "2" {
		t.Fatalf("Resolve(b) = %q, %v", v, err)
	}
	if _, err := c.Resolve(context.Background(), "c"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve(c) = %v, want ErrNotFound", err)
	}
}
