package store

import (
	"fmt"
	"sync"
)

// Provider hands out the one store shared by a feature area. The store is
// built on first use and rebuilt after Dispose.
type Provider struct {
	build func() (*Store, error)

	mu    sync.Mutex
	store *Store
}

// NewProvider returns a provider that builds its store with build.
func NewProvider(build func() (*Store, error)) *Provider {
	return &Provider{build: build}
}

// Init builds the store if it does not exist yet.
func (p *Provider) Init() error {
	_, err := p.Get()
	return err
}

// Get returns the shared store, building it if needed.
func (p *Provider) Get() (*Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store != nil {
		return p.store, nil
	}
	if p.build == nil {
		return nil, fmt.Errorf("store provider has no build function")
	}
	s, err := p.build()
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}
	p.store = s
	return s, nil
}

// Dispose closes the current store. The next Get builds a fresh one.
func (p *Provider) Dispose() {
	p.mu.Lock()
	s := p.store
	p.store = nil
	p.mu.Unlock()
	if s != nil {
		s.Close()
	}
}
