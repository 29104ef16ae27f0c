package walletgate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/KyberNetwork/logger"

	"github.com/zkforge/walletgate/idempotency"
	"github.com/zkforge/walletgate/internal/nonce"
)

// Gateway manages
//  1. the active wallet provider: exactly one provider config is installed
//     at a time and its instance is built lazily on first use.
//  2. shared RPC backends per chain. Backends are dialed lazily and guarded
//     by per-chain circuit breakers so a dead node doesn't get hammered.
//  3. the reconciled connection state machine: L1 account, derived L2
//     account and deposit progress, kept consistent with the wallet.
//  4. session, deposit and idempotency persistence.
//  5. default configuration that every operation inherits.
type Gateway struct {
	// Lock for defaults access (protects the defaults struct)
	defaultsMu sync.RWMutex

	// Default configuration inherited by every operation
	defaults GatewayDefaults

	cfg Config

	// networks maps chainID to its RPC endpoint. Populated from the main
	// config plus WithNetwork options; immutable after NewGateway.
	networks map[uint64]NetworkConfig

	registry *Registry

	// transport carries wallet JSON-RPC for the browser and session
	// providers. Nil when only read-only or key providers are used.
	transport WalletTransport

	// Backend-level locks (keyed by chainID)
	backendLocks sync.Map // map[uint64]*sync.Mutex

	// backends stores the shared backend per chain that ever served a
	// request through this gateway. ChainID is the key.
	backends sync.Map // map[uint64]EthBackend

	// Circuit breakers for each chain (keyed by chainID)
	breakers sync.Map // map[uint64]*circuitbreaker.CircuitBreaker

	// Factory for dialing backends (injectable for testing)
	backendFactory EthBackendFactory

	// Nonce tracker for managing wallet nonces across chains
	nonces *nonce.Tracker

	sessionStore SessionStore
	depositStore DepositStore
	idemStore    idempotency.Store

	rollup *RollupClient

	connMu sync.Mutex
	conn   *Connection

	closed atomic.Bool
}

// NewGateway creates a gateway for the given deployment configuration.
func NewGateway(cfg Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	gw := &Gateway{
		cfg:      cfg,
		defaults: DefaultGatewayDefaults(),
		networks: map[uint64]NetworkConfig{
			cfg.ChainID: {ChainID: cfg.ChainID, RPCURL: cfg.RPCURL},
		},
		nonces: nonce.NewTracker(),
	}

	for _, opt := range opts {
		opt(gw)
	}

	// Fill in defaults for anything options didn't provide
	if gw.backendFactory == nil {
		gw.backendFactory = DefaultEthBackendFactory
	}
	if gw.sessionStore == nil {
		gw.sessionStore = NewMemorySessionStore()
	}
	if gw.depositStore == nil {
		gw.depositStore = NewMemoryDepositStore()
	}
	if gw.idemStore == nil {
		gw.idemStore = idempotency.NewInMemoryStore(DefaultIdempotencyTTL)
	}
	if gw.rollup == nil && cfg.RollupURL != "" {
		rc, err := NewRollupClient(cfg.RollupURL)
		if err != nil {
			return nil, err
		}
		gw.rollup = rc
	}

	gw.registry = newRegistry(func(pc ProviderConfig) (Provider, error) {
		return newProvider(pc, gw)
	})

	return gw, nil
}

// Defaults returns the current default configuration
func (gw *Gateway) Defaults() GatewayDefaults {
	gw.defaultsMu.RLock()
	defer gw.defaultsMu.RUnlock()
	return gw.defaults
}

// SetDefaults updates the default configuration
func (gw *Gateway) SetDefaults(defaults GatewayDefaults) {
	gw.defaultsMu.Lock()
	defer gw.defaultsMu.Unlock()
	gw.defaults = defaults
}

// Config returns the deployment configuration the gateway was built with.
func (gw *Gateway) Config() Config {
	return gw.cfg
}

// IdempotencyStore returns the configured idempotency store
func (gw *Gateway) IdempotencyStore() idempotency.Store {
	return gw.idemStore
}

// SessionStore returns the configured session store
func (gw *Gateway) SessionStore() SessionStore {
	return gw.sessionStore
}

// DepositStore returns the configured deposit store
func (gw *Gateway) DepositStore() DepositStore {
	return gw.depositStore
}

// Rollup returns the rollup REST client, or nil when no rollup URL was
// configured.
func (gw *Gateway) Rollup() *RollupClient {
	return gw.rollup
}

// SetProviderConfig installs cfg as the active provider. A previously built
// instance is torn down; the next operation builds a fresh one.
func (gw *Gateway) SetProviderConfig(cfg ProviderConfig) error {
	if gw.closed.Load() {
		return typedErrf(ErrProviderClosed, nil, "gateway is closed")
	}
	return gw.registry.SetConfig(cfg)
}

// ProviderConfig returns the active provider config, if any.
func (gw *Gateway) ProviderConfig() (ProviderConfig, bool) {
	return gw.registry.Config()
}

// Provider returns the active provider instance, building it on first use.
func (gw *Gateway) Provider() (Provider, error) {
	if gw.closed.Load() {
		return nil, typedErrf(ErrProviderClosed, nil, "gateway is closed")
	}
	return gw.registry.Provider()
}

// WithProvider runs fn against the active provider instance.
func (gw *Gateway) WithProvider(ctx context.Context, fn func(context.Context, Provider) error) error {
	if gw.closed.Load() {
		return typedErrf(ErrProviderClosed, nil, "gateway is closed")
	}
	return gw.registry.WithProvider(ctx, fn)
}

// ClearProviderInstance tears down the built provider instance but keeps
// its config, so the next operation reconnects from scratch.
func (gw *Gateway) ClearProviderInstance() {
	gw.registry.ClearInstance()
}

// ClearProvider tears down the instance and removes the config.
func (gw *Gateway) ClearProvider() {
	gw.registry.Clear()
}

// Connection returns the gateway's connection state machine, creating it on
// first use. The same instance is returned for the gateway's lifetime.
func (gw *Gateway) Connection() *Connection {
	gw.connMu.Lock()
	defer gw.connMu.Unlock()
	if gw.conn == nil {
		gw.conn = newConnection(gw)
	}
	return gw.conn
}

// Close tears down the connection watcher, the provider instance and every
// shared backend. The gateway cannot be reused afterwards.
func (gw *Gateway) Close() error {
	if !gw.closed.CompareAndSwap(false, true) {
		return nil
	}

	gw.connMu.Lock()
	conn := gw.conn
	gw.connMu.Unlock()
	if conn != nil {
		conn.shutdown()
	}

	gw.registry.Clear()

	gw.backends.Range(func(key, value interface{}) bool {
		value.(EthBackend).Close()
		gw.backends.Delete(key)
		return true
	})

	var err error
	if gw.transport != nil {
		if cerr := gw.transport.Close(); cerr != nil {
			logger.WithFields(logger.Fields{
				"error": cerr,
			}).Warn("closing wallet transport failed")
			err = cerr
		}
	}
	return err
}

// providerHost gives providers access to shared gateway services without
// exposing the whole Gateway surface.

func (gw *Gateway) network(chainID uint64) (NetworkConfig, bool) {
	nc, ok := gw.networks[chainID]
	return nc, ok
}

func (gw *Gateway) dialPrivate(ctx context.Context, rpcURL string) (EthBackend, error) {
	return gw.backendFactory(ctx, rpcURL)
}

func (gw *Gateway) walletTransport() WalletTransport {
	return gw.transport
}

func (gw *Gateway) sessions() SessionStore {
	return gw.sessionStore
}

func (gw *Gateway) nonceTracker() *nonce.Tracker {
	return gw.nonces
}

func (gw *Gateway) gatewayDefaults() GatewayDefaults {
	return gw.Defaults()
}

func (gw *Gateway) primaryChainID() uint64 {
	return gw.cfg.ChainID
}

var _ providerHost = (*Gateway)(nil)
