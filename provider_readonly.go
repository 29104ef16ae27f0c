package walletgate

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// readOnlyProvider serves chain reads without any account. Interactive
// operations report themselves unsupported so callers can distinguish
// "can't" from "failed".
type readOnlyProvider struct {
	host providerHost
	hub  *accountHub

	mu      sync.Mutex
	chainID uint64
	rpcURL  string
	private EthBackend // owned, only when rpcURL pins a dedicated endpoint
	closed  bool
}

func newReadOnlyProvider(cfg ProviderConfig, host providerHost) (Provider, error) {
	return &readOnlyProvider{
		host:    host,
		hub:     newAccountHub(),
		chainID: cfg.ChainID,
		rpcURL:  cfg.RPCURL,
	}, nil
}

var _ Provider = (*readOnlyProvider)(nil)

func (p *readOnlyProvider) Kind() ProviderKind { return ProviderReadOnly }

func (p *readOnlyProvider) Connect(ctx context.Context) (common.Address, error) {
	return common.Address{}, typedErrf(ErrUnsupportedOperation, nil, "readonly provider has no accounts to connect")
}

func (p *readOnlyProvider) Address() common.Address { return common.Address{} }

func (p *readOnlyProvider) backend(ctx context.Context) (EthBackend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, typedErrf(ErrProviderClosed, nil, "readonly provider is closed")
	}
	if p.rpcURL == "" {
		return p.host.Backend(ctx, p.chainID)
	}
	if p.private != nil {
		return p.private, nil
	}

	backend, err := p.host.dialPrivate(ctx, p.rpcURL)
	if err != nil {
		return nil, err
	}
	remote, err := backend.ChainID(ctx)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("couldn't verify chain of %s: %w", p.rpcURL, err)
	}
	if remote.Uint64() != p.chainID {
		backend.Close()
		return nil, typedErrf(ErrNetworkMismatch, nil, "chain id mismatch: expected %d, got %d", p.chainID, remote.Uint64())
	}
	p.private = backend
	return backend, nil
}

func (p *readOnlyProvider) NetworkID(ctx context.Context) (uint64, error) {
	backend, err := p.backend(ctx)
	if err != nil {
		return 0, err
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return 0, typedErr(ErrRPCUnavailable, err)
	}
	return chainID.Uint64(), nil
}

func (p *readOnlyProvider) SwitchNetwork(ctx context.Context, chainIDHex string) error {
	return typedErrf(ErrUnsupportedOperation, nil, "readonly provider is pinned to chain %d", p.chainID)
}

func (p *readOnlyProvider) Sign(ctx context.Context, message []byte) ([]byte, error) {
	return nil, typedErrf(ErrUnsupportedOperation, nil, "readonly provider cannot sign")
}

func (p *readOnlyProvider) Signer() (Signer, error) {
	return nil, typedErrf(ErrSignerUnavailable, nil, "readonly provider has no signer")
}

func (p *readOnlyProvider) Contract(ctx context.Context, address common.Address, contractABI abi.ABI, withSigner bool) (*Contract, error) {
	if withSigner {
		return nil, typedErrf(ErrSignerUnavailable, nil, "readonly provider cannot bind a signing contract")
	}
	backend, err := p.backend(ctx)
	if err != nil {
		return nil, err
	}
	return NewContract(address, contractABI, backend, nil), nil
}

func (p *readOnlyProvider) SubscribeEvent(ctx context.Context, query ethereum.FilterQuery, sink chan<- types.Log) (ethereum.Subscription, error) {
	backend, err := p.backend(ctx)
	if err != nil {
		return nil, err
	}
	return subscribeLogs(ctx, backend, query, sink)
}

// OnAccountChange accepts the registration for interface uniformity; a
// readonly provider never has account changes to report.
func (p *readOnlyProvider) OnAccountChange(cb AccountChangeFunc) func() {
	return p.hub.subscribe(cb)
}

func (p *readOnlyProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.private != nil {
		p.private.Close()
		p.private = nil
	}
	return nil
}
