package walletgate

import (
	"context"
	"sync"

	"github.com/KyberNetwork/logger"
)

// providerFactory builds a provider instance from its config.
type providerFactory func(ProviderConfig) (Provider, error)

// Registry holds the single provider slot: one config and at most one
// live instance built from it. Instances are created lazily and reused
// until the config changes or the instance is cleared, so every consumer
// observes the same wallet connection.
type Registry struct {
	mu    sync.Mutex
	cfg   *ProviderConfig
	inst  Provider
	build providerFactory
}

func newRegistry(build providerFactory) *Registry {
	return &Registry{build: build}
}

// SetConfig validates and installs a provider config. A live instance
// built from the previous config is closed; the next Provider call builds
// fresh from the new config.
func (r *Registry) SetConfig(cfg ProviderConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inst != nil {
		logger.WithFields(logger.Fields{
			"old_kind": r.cfg.Kind.String(),
			"new_kind": cfg.Kind.String(),
		}).Debug("provider config replaced, closing live instance")
		r.closeInstanceLocked()
	}
	r.cfg = &cfg
	return nil
}

// Config returns the installed config, if any.
func (r *Registry) Config() (ProviderConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg == nil {
		return ProviderConfig{}, false
	}
	return *r.cfg, true
}

// Provider returns the live instance, building one from the installed
// config when none exists.
func (r *Registry) Provider() (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg == nil {
		return nil, typedErrf(ErrNoProviderConfigured, nil, "set a provider config first")
	}
	if r.inst != nil {
		return r.inst, nil
	}

	inst, err := r.build(*r.cfg)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logger.Fields{
		"kind": r.cfg.Kind.String(),
	}).Debug("built provider instance")
	r.inst = inst
	return inst, nil
}

// ClearInstance closes and drops the live instance but keeps the config,
// so the next Provider call reconnects fresh.
func (r *Registry) ClearInstance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeInstanceLocked()
}

// Clear closes the live instance and forgets the config.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeInstanceLocked()
	r.cfg = nil
}

func (r *Registry) closeInstanceLocked() {
	if r.inst == nil {
		return
	}
	if err := r.inst.Close(); err != nil {
		logger.WithFields(logger.Fields{"error": err}).Warn("provider close failed")
	}
	r.inst = nil
}

// WithProvider runs fn against the live (or newly built) provider
// instance.
func (r *Registry) WithProvider(ctx context.Context, fn func(ctx context.Context, p Provider) error) error {
	p, err := r.Provider()
	if err != nil {
		return err
	}
	return fn(ctx, p)
}
