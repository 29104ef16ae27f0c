package walletgate

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/zkforge/walletgate/internal/nonce"
)

// ProviderKind selects which wallet connectivity variant a provider
// config describes.
type ProviderKind int

const (
	// ProviderBrowser drives an injected browser wallet over the wallet
	// transport. Interactive; supports connect, sign and network switch.
	ProviderBrowser ProviderKind = iota

	// ProviderSession drives a managed wallet whose pairing survives
	// restarts until its session expires.
	ProviderSession

	// ProviderReadOnly talks straight to an RPC node. No accounts, no
	// signing; chain reads only.
	ProviderReadOnly

	// ProviderKey signs locally with a raw private key and broadcasts
	// through an RPC node. Non-interactive; for bots and tests.
	ProviderKey
)

func (k ProviderKind) String() string {
	switch k {
	case ProviderBrowser:
		return "browser"
	case ProviderSession:
		return "session"
	case ProviderReadOnly:
		return "readonly"
	case ProviderKey:
		return "key"
	default:
		return "unknown"
	}
}

// ProviderConfig describes how to build one provider instance. Which
// fields matter depends on Kind.
type ProviderConfig struct {
	Kind ProviderKind

	// ChainID the provider should start on. Zero means the gateway's
	// primary network.
	ChainID uint64

	// RPCURL, when set for readonly and key providers, dials a dedicated
	// backend instead of the gateway's shared one. The provider then owns
	// and closes that backend.
	RPCURL string

	// PrivateKey is the hex-encoded secp256k1 key for ProviderKey.
	PrivateKey string

	// ProjectID identifies the app to the managed-wallet service for
	// ProviderSession. Falls back to the gateway config's project id.
	ProjectID string
}

func (c ProviderConfig) validate() error {
	switch c.Kind {
	case ProviderBrowser, ProviderSession, ProviderReadOnly:
		if c.PrivateKey != "" {
			return typedErrf(ErrInvalidConfig, nil, "%s provider does not take a private key", c.Kind)
		}
	case ProviderKey:
		if c.PrivateKey == "" {
			return typedErrf(ErrInvalidConfig, nil, "key provider requires a private key")
		}
	default:
		return typedErrf(ErrInvalidConfig, nil, "unknown provider kind %d", int(c.Kind))
	}
	if c.RPCURL != "" {
		if err := validateHTTPURL("provider rpc url", c.RPCURL); err != nil {
			return err
		}
	}
	return nil
}

// Signer signs EIP-191 personal messages for one address.
type Signer interface {
	Address() common.Address
	SignText(ctx context.Context, message []byte) ([]byte, error)
}

// Provider is the unified capability surface over all wallet variants.
// Operations a variant cannot perform return ErrUnsupportedOperation (or
// ErrSignerUnavailable for signing) instead of being absent, so callers
// dispatch on errors rather than on concrete types.
type Provider interface {
	Kind() ProviderKind

	// Connect establishes the wallet link and returns the active account.
	Connect(ctx context.Context) (common.Address, error)

	// Close releases instance resources. Connections owned by the
	// gateway or the host application stay open.
	Close() error

	// Address returns the account from the last successful Connect, or
	// the zero address.
	Address() common.Address

	// NetworkID returns the chain the provider currently operates on.
	NetworkID(ctx context.Context) (uint64, error)

	// SwitchNetwork asks the provider to move to the chain given as a
	// 0x-prefixed hex id.
	SwitchNetwork(ctx context.Context, chainIDHex string) error

	// Sign produces an EIP-191 personal signature over message.
	Sign(ctx context.Context, message []byte) ([]byte, error)

	// Signer returns a reusable signtext handle, or ErrSignerUnavailable.
	Signer() (Signer, error)

	// Contract binds a contract on the provider's current network, with a
	// submitter when withSigner is set.
	Contract(ctx context.Context, address common.Address, contractABI abi.ABI, withSigner bool) (*Contract, error)

	// SubscribeEvent streams logs matching query into sink.
	SubscribeEvent(ctx context.Context, query ethereum.FilterQuery, sink chan<- types.Log) (ethereum.Subscription, error)

	// OnAccountChange registers cb for wallet account changes. Static
	// variants accept the registration and never fire it. The returned
	// func unregisters.
	OnAccountChange(cb AccountChangeFunc) func()
}

// providerHost is the gateway-side surface providers build on.
type providerHost interface {
	Backend(ctx context.Context, chainID uint64) (EthBackend, error)
	network(chainID uint64) (NetworkConfig, bool)
	dialPrivate(ctx context.Context, rpcURL string) (EthBackend, error)
	walletTransport() WalletTransport
	sessions() SessionStore
	nonceTracker() *nonce.Tracker
	gatewayDefaults() GatewayDefaults
	primaryChainID() uint64
}

// newProvider dispatches a config to its variant constructor.
func newProvider(cfg ProviderConfig, host providerHost) (Provider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = host.primaryChainID()
	}

	switch cfg.Kind {
	case ProviderBrowser:
		return newBrowserProvider(cfg, host)
	case ProviderSession:
		return newSessionProvider(cfg, host)
	case ProviderReadOnly:
		return newReadOnlyProvider(cfg, host)
	case ProviderKey:
		return newKeyProvider(cfg, host)
	default:
		return nil, typedErrf(ErrInvalidConfig, nil, "unknown provider kind %d", int(cfg.Kind))
	}
}

// accountHub fans one account-change stream out to any number of
// registered callbacks.
type accountHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]AccountChangeFunc
}

func newAccountHub() *accountHub {
	return &accountHub{subs: make(map[int]AccountChangeFunc)}
}

func (h *accountHub) subscribe(cb AccountChangeFunc) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.subs[id] = cb
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// notify invokes callbacks outside the lock so a callback can
// unsubscribe itself.
func (h *accountHub) notify(accounts []common.Address) {
	h.mu.Lock()
	cbs := make([]AccountChangeFunc, 0, len(h.subs))
	for _, cb := range h.subs {
		cbs = append(cbs, cb)
	}
	h.mu.Unlock()

	for _, cb := range cbs {
		cb(accounts)
	}
}

// subscribeLogs subscribes sink to logs matching query, translating the
// HTTP-endpoint limitation into the typed taxonomy.
func subscribeLogs(ctx context.Context, backend EthBackend, query ethereum.FilterQuery, sink chan<- types.Log) (ethereum.Subscription, error) {
	sub, err := backend.SubscribeFilterLogs(ctx, query, sink)
	if err != nil {
		if errors.Is(err, rpc.ErrNotificationsUnsupported) {
			return nil, typedErrf(ErrUnsupportedOperation, err, "endpoint does not support subscriptions, use a websocket rpc url")
		}
		return nil, typedErr(ErrRPCUnavailable, err)
	}
	return sub, nil
}

// EIP-1193 provider error codes.
const (
	rpcCodeUserRejected       = 4001
	rpcCodeUnauthorized       = 4100
	rpcCodeUnsupportedMethod  = 4200
	rpcCodeDisconnected       = 4900
	rpcCodeChainDisconnected  = 4901
	rpcCodeChainNotConfigured = 4902
)

// mapRPCError lifts wallet-side RPC failures into the typed taxonomy.
// Unknown codes pass through unchanged.
func mapRPCError(err error) error {
	if err == nil {
		return nil
	}

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}

	switch rpcErr.Code {
	case rpcCodeUserRejected:
		return typedErr(ErrUserRejected, err)
	case rpcCodeUnauthorized, rpcCodeDisconnected, rpcCodeChainDisconnected:
		return typedErr(ErrNoAccountConnected, err)
	case rpcCodeUnsupportedMethod:
		return typedErr(ErrUnsupportedOperation, err)
	case rpcCodeChainNotConfigured:
		return typedErr(ErrNetworkNotConfigured, err)
	default:
		if isSessionExpiryMessage(rpcErr.Message) {
			return typedErr(ErrSessionExpired, err)
		}
		return err
	}
}

// isSessionExpiryMessage recognizes the expiry phrasings managed-wallet
// services put in otherwise generic error codes.
func isSessionExpiryMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "session expired") ||
		strings.Contains(msg, "session topic doesn't exist") ||
		strings.Contains(msg, "pairing expired")
}
