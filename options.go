package walletgate

import (
	"time"

	"github.com/zkforge/walletgate/idempotency"
)

// Option is a function that configures a Gateway
type Option func(*Gateway)

// WithDefaults sets all default configuration at once
func WithDefaults(defaults GatewayDefaults) Option {
	return func(gw *Gateway) {
		gw.defaults = defaults
	}
}

// WithTransport sets the wallet transport the browser and session
// providers talk through.
//
// A transport is required before either of those provider kinds can
// connect; read-only and key providers never use it. The gateway takes
// ownership and closes the transport on Close.
//
// The bundled WSBridge is an http.Handler, so a typical setup mounts it
// and hands it to the gateway:
//
//	bridge := walletgate.NewWSBridge()
//	mux.Handle("/wallet", bridge)
//	gw, err := walletgate.NewGateway(cfg, walletgate.WithTransport(bridge))
func WithTransport(t WalletTransport) Option {
	return func(gw *Gateway) {
		gw.transport = t
	}
}

// WithEthBackendFactory sets a custom backend factory for testing or
// alternative implementations
func WithEthBackendFactory(factory EthBackendFactory) Option {
	return func(gw *Gateway) {
		gw.backendFactory = factory
	}
}

// WithSessionStore sets a custom session store for persisting wallet
// sessions across restarts
func WithSessionStore(store SessionStore) Option {
	return func(gw *Gateway) {
		gw.sessionStore = store
	}
}

// WithDepositStore sets a custom deposit store for tracking in-flight
// deposits. This enables crash recovery for broadcasted deposits.
func WithDepositStore(store DepositStore) Option {
	return func(gw *Gateway) {
		gw.depositStore = store
	}
}

// WithIdempotencyStore sets a custom idempotency store
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(gw *Gateway) {
		gw.idemStore = store
	}
}

// WithDefaultIdempotencyStore sets up an in-memory idempotency store with
// the given TTL
func WithDefaultIdempotencyStore(ttl time.Duration) Option {
	return func(gw *Gateway) {
		gw.idemStore = idempotency.NewInMemoryStore(ttl)
	}
}

// WithRollupClient replaces the rollup client built from Config.RollupURL
func WithRollupClient(rc *RollupClient) Option {
	return func(gw *Gateway) {
		gw.rollup = rc
	}
}

// WithNetwork registers an additional chain endpoint. Key providers can
// switch to registered chains; the shared backend for a chain dials its
// registered endpoint.
func WithNetwork(nc NetworkConfig) Option {
	return func(gw *Gateway) {
		if nc.ChainID != 0 {
			gw.networks[nc.ChainID] = nc
		}
	}
}

// WithStrictNetworkSwitch makes deposits abort when the wallet refuses to
// switch to the configured chain, instead of proceeding on the wallet's
// current chain.
func WithStrictNetworkSwitch() Option {
	return func(gw *Gateway) {
		gw.defaults.StrictNetworkSwitch = true
	}
}

// WithDebounceInterval sets how long wallet account events are coalesced
// before reconciliation
func WithDebounceInterval(d time.Duration) Option {
	return func(gw *Gateway) {
		gw.defaults.DebounceInterval = d
	}
}

// WithSessionTTL sets how long established wallet sessions stay valid
func WithSessionTTL(ttl time.Duration) Option {
	return func(gw *Gateway) {
		gw.defaults.SessionTTL = ttl
	}
}

// WithConnectTimeout sets the default timeout for wallet connect prompts
func WithConnectTimeout(d time.Duration) Option {
	return func(gw *Gateway) {
		gw.defaults.ConnectTimeout = d
	}
}

// WithSignTimeout sets the default timeout for wallet signature prompts
func WithSignTimeout(d time.Duration) Option {
	return func(gw *Gateway) {
		gw.defaults.SignTimeout = d
	}
}

// WithSwitchTimeout sets the default timeout for network switch prompts
func WithSwitchTimeout(d time.Duration) Option {
	return func(gw *Gateway) {
		gw.defaults.SwitchTimeout = d
	}
}

// WithCallTimeout sets the default timeout for read-only chain calls
func WithCallTimeout(d time.Duration) Option {
	return func(gw *Gateway) {
		gw.defaults.CallTimeout = d
	}
}

// WithReceiptTimeout sets how long submitted transactions are awaited
func WithReceiptTimeout(d time.Duration) Option {
	return func(gw *Gateway) {
		gw.defaults.ReceiptTimeout = d
	}
}
