// Package credential resolves the credential references carried by work
// items into secrets.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
)

// ErrNotFound means no secret exists for a reference.
var ErrNotFound = errors.New("credential not found")

// Resolver turns a reference into a secret.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Static resolves from a fixed map. Values of the form "env:NAME" are read
// from the environment at resolve time.
type Static map[string]string

func (s Static) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	if name, isEnv := strings.CutPrefix(v, "env:"); isEnv {
		v = os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("%w: %q (env %s is empty)", ErrNotFound, ref, name)
		}
	}
	return v, nil
}

// KeyringConfig selects the system keyring.
type KeyringConfig struct {
	Service  string
	Backends []string // empty = keyring's default order
	FileDir  string
	// FilePassword unlocks the file backend; empty disables that backend.
	FilePassword string
}

// Keyring resolves references as keys in the system keyring.
type Keyring struct {
	ring keyring.Keyring
}

func OpenKeyring(cfg KeyringConfig) (*Keyring, error) {
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = "runrelay"
	}
	kc := keyring.Config{
		ServiceName:              service,
		FileDir:                  cfg.FileDir,
		KeychainTrustApplication: true,
	}
	for _, b := range cfg.Backends {
		kc.AllowedBackends = append(kc.AllowedBackends, keyring.BackendType(strings.TrimSpace(b)))
	}
	if cfg.FilePassword != "" {
		kc.FilePasswordFunc = keyring.FixedStringPrompt(cfg.FilePassword)
	}
	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

// NewKeyring wraps an already opened keyring.
func NewKeyring(ring keyring.Keyring) *Keyring { return &Keyring{ring: ring} }

func (k *Keyring) Resolve(_ context.Context, ref string) (string, error) {
	item, err := k.ring.Get(ref)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", ref, err)
	}
	return string(item.Data), nil
}

// set stores a secret under ref.
func (k *Keyring) set(ref, secret string) error {
	if err := k.ring.Set(keyring.Item{Key: ref, Data: []byte(secret), Label: "runrelay " + ref}); err != nil {
		return fmt.Errorf("setting credential %q: %w", ref, err)
	}
	return nil
}

// Chain tries each resolver in order and returns the first hit.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, ref string) (string, error) {
	var lastErr error = fmt.Errorf("%w: %q", ErrNotFound, ref)
	for _, r := range c {
		v, err := r.Resolve(ctx, ref)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}
