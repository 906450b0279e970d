package github

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"runrelay/internal/credential"
)

// Factory hands out one Client per credential reference.
type Factory struct {
	cfg        Config
	resolver   credential.Resolver
	defaultRef string

	mu      sync.Mutex
	clients map[string]*Client
}

// NewFactory returns a factory. defaultRef is used for items without a
// reference; if it is empty too, such items poll anonymously.
func NewFactory(cfg Config, resolver credential.Resolver, defaultRef string) *Factory {
	return &Factory{
		cfg:        cfg,
		resolver:   resolver,
		defaultRef: strings.TrimSpace(defaultRef),
		clients:    map[string]*Client{},
	}
}

func (f *Factory) For(ctx context.Context, ref string) (*Client, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = f.defaultRef
	}

	f.mu.Lock()
	c, ok := f.clients[ref]
	f.mu.Unlock()
	if ok {
		return c, nil
	}

	token := ""
	if ref != "" {
		if f.resolver == nil {
			return nil, fmt.Errorf("credential %q: no resolver configured", ref)
		}
		var err error
		token, err = f.resolver.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
	}
	c, err := New(f.cfg, token)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.clients[ref]; ok {
		return existing, nil
	}
	f.clients[ref] = c
	return c, nil
}

// MinRateRemaining is the lowest known remaining quota across clients, or -1.
func (f *Factory) MinRateRemaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	lowest := -1
	for _, c := range f.clients {
		if r := c.RateRemaining(); r >= 0 && (lowest < 0 || r < lowest) {
			lowest = r
		}
	}
	return lowest
}
