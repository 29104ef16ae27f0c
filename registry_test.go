package walletgate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider is a minimal Provider for registry tests. Only Kind and
// Close matter here; everything else returns capability errors.
type stubProvider struct {
	mu         sync.Mutex
	kind       ProviderKind
	closeCalls int
	closeErr   error
}

func (p *stubProvider) Kind() ProviderKind { return p.kind }

func (p *stubProvider) Connect(ctx context.Context) (common.Address, error) {
	return testAddr1, nil
}

func (p *stubProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	return p.closeErr
}

func (p *stubProvider) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

func (p *stubProvider) Address() common.Address { return testAddr1 }

func (p *stubProvider) NetworkID(ctx context.Context) (uint64, error) {
	return testChainID, nil
}

func (p *stubProvider) SwitchNetwork(ctx context.Context, chainIDHex string) error {
	return nil
}

func (p *stubProvider) Sign(ctx context.Context, message []byte) ([]byte, error) {
	return nil, ErrSignerUnavailable
}

func (p *stubProvider) Signer() (Signer, error) {
	return nil, ErrSignerUnavailable
}

func (p *stubProvider) Contract(ctx context.Context, address common.Address, contractABI abi.ABI, withSigner bool) (*Contract, error) {
	return nil, ErrUnsupportedOperation
}

func (p *stubProvider) SubscribeEvent(ctx context.Context, query ethereum.FilterQuery, sink chan<- types.Log) (ethereum.Subscription, error) {
	return nil, ErrUnsupportedOperation
}

func (p *stubProvider) OnAccountChange(cb AccountChangeFunc) func() {
	return func() {}
}

var _ Provider = (*stubProvider)(nil)

type registrySetup struct {
	Registry *Registry

	mu     sync.Mutex
	builds int
	last   *stubProvider
	err    error
}

func newRegistrySetup() *registrySetup {
	s := &registrySetup{}
	s.Registry = newRegistry(func(cfg ProviderConfig) (Provider, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.builds++
		if s.err != nil {
			return nil, s.err
		}
		s.last = &stubProvider{kind: cfg.Kind}
		return s.last, nil
	})
	return s
}

func (s *registrySetup) buildCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builds
}

func TestRegistry_ProviderWithoutConfig(t *testing.T) {
	s := newRegistrySetup()

	_, err := s.Registry.Provider()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoProviderConfigured)
	assert.Contains(t, err.Error(), "set a provider config first")

	err = s.Registry.WithProvider(context.Background(), func(ctx context.Context, p Provider) error {
		t.Fatal("fn must not run without a config")
		return nil
	})
	assert.ErrorIs(t, err, ErrNoProviderConfigured)

	_, ok := s.Registry.Config()
	assert.False(t, ok)
}

func TestRegistry_BuildsLazilyAndReuses(t *testing.T) {
	s := newRegistrySetup()

	require.NoError(t, s.Registry.SetConfig(ProviderConfig{Kind: ProviderBrowser}))
	assert.Equal(t, 0, s.buildCount(), "SetConfig must not build an instance")

	first, err := s.Registry.Provider()
	require.NoError(t, err)
	second, err := s.Registry.Provider()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, s.buildCount())

	cfg, ok := s.Registry.Config()
	require.True(t, ok)
	assert.Equal(t, ProviderBrowser, cfg.Kind)
}

func TestRegistry_InvalidConfigLeavesStateUntouched(t *testing.T) {
	s := newRegistrySetup()

	require.NoError(t, s.Registry.SetConfig(ProviderConfig{Kind: ProviderBrowser}))
	inst, err := s.Registry.Provider()
	require.NoError(t, err)

	err = s.Registry.SetConfig(ProviderConfig{Kind: ProviderKey})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg, ok := s.Registry.Config()
	require.True(t, ok)
	assert.Equal(t, ProviderBrowser, cfg.Kind, "rejected config must not replace the installed one")

	again, err := s.Registry.Provider()
	require.NoError(t, err)
	assert.Same(t, inst, again, "rejected config must not disturb the live instance")
	assert.Equal(t, 0, s.last.closeCount())
}

func TestRegistry_ReplacingConfigClosesInstance(t *testing.T) {
	s := newRegistrySetup()

	require.NoError(t, s.Registry.SetConfig(ProviderConfig{Kind: ProviderBrowser}))
	_, err := s.Registry.Provider()
	require.NoError(t, err)
	old := s.last

	require.NoError(t, s.Registry.SetConfig(ProviderConfig{Kind: ProviderReadOnly}))
	assert.Equal(t, 1, old.closeCount())

	next, err := s.Registry.Provider()
	require.NoError(t, err)
	assert.Equal(t, ProviderReadOnly, next.Kind())
	assert.Equal(t, 2, s.buildCount())
}

func TestRegistry_ReplacingConfigToleratesCloseError(t *testing.T) {
	s := newRegistrySetup()

	require.NoError(t, s.Registry.SetConfig(ProviderConfig{Kind: ProviderBrowser}))
	_, err := s.Registry.Provider()
	require.NoError(t, err)
	s.last.closeErr = errors.New("already gone")

	require.NoError(t, s.Registry.SetConfig(ProviderConfig{Kind: ProviderBrowser}))

	_, err = s.Registry.Provider()
	assert.NoError(t, err)
}

func TestRegistry_ClearInstanceKeepsConfig(t *testing.T) {
	s := newRegistrySetup()

	require.NoError(t, s.Registry.SetConfig(ProviderConfig{Kind: ProviderBrowser}))
	_, err := s.Registry.Provider()
	require.NoError(t, err)
	old := s.last

	s.Registry.ClearInstance()
	assert.Equal(t, 1, old.closeCount())

	_, ok := s.Registry.Config()
	assert.True(t, ok)

	_, err = s.Registry.Provider()
	require.NoError(t, err)
	assert.Equal(t, 2, s.buildCount(), "next Provider call rebuilds from the kept config")
}

func TestRegistry_ClearDropsConfigAndInstance(t *testing.T) {
	s := newRegistrySetup()

	require.NoError(t, s.Registry.SetConfig(ProviderConfig{Kind: ProviderBrowser}))
	_, err := s.Registry.Provider()
	require.NoError(t, err)
	old := s.last

	s.Registry.Clear()
	assert.Equal(t, 1, old.closeCount())

	_, ok := s.Registry.Config()
	assert.False(t, ok)

	_, err = s.Registry.Provider()
	assert.ErrorIs(t, err, ErrNoProviderConfigured)
}

func TestRegistry_ClearWithoutInstance(t *testing.T) {
	s := newRegistrySetup()

	// Both must be safe on an empty registry.
	s.Registry.ClearInstance()
	s.Registry.Clear()
}

func TestRegistry_BuildErrorNotCached(t *testing.T) {
	s := newRegistrySetup()
	s.err = errors.New("transport offline")

	require.NoError(t, s.Registry.SetConfig(ProviderConfig{Kind: ProviderBrowser}))

	_, err := s.Registry.Provider()
	require.ErrorContains(t, err, "transport offline")

	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()

	inst, err := s.Registry.Provider()
	require.NoError(t, err)
	assert.NotNil(t, inst)
	assert.Equal(t, 2, s.buildCount(), "a failed build must be retried, not cached")
}

func TestRegistry_WithProvider(t *testing.T) {
	s := newRegistrySetup()

	require.NoError(t, s.Registry.SetConfig(ProviderConfig{Kind: ProviderBrowser}))

	var seen Provider
	err := s.Registry.WithProvider(context.Background(), func(ctx context.Context, p Provider) error {
		seen = p
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, Provider(s.last), seen)

	wantErr := errors.New("fn failed")
	err = s.Registry.WithProvider(context.Background(), func(ctx context.Context, p Provider) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}
