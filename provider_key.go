package walletgate

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// keyProvider signs locally with a raw secp256k1 key and broadcasts its
// own transactions. Everything interactive resolves instantly, which
// makes it the variant of choice for bots and integration tests.
type keyProvider struct {
	host providerHost
	hub  *accountHub
	key  *ecdsa.PrivateKey
	addr common.Address

	mu      sync.Mutex
	chainID uint64
	rpcURL  string
	private EthBackend // owned, only when rpcURL pins a dedicated endpoint
	closed  bool
}

// newKeyProvider parses the key up front so a malformed config fails at
// build time, not on first use.
func newKeyProvider(cfg ProviderConfig, host providerHost) (Provider, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, typedErrf(ErrInvalidConfig, err, "invalid private key")
	}

	return &keyProvider{
		host:    host,
		hub:     newAccountHub(),
		key:     key,
		addr:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: cfg.ChainID,
		rpcURL:  cfg.RPCURL,
	}, nil
}

var (
	_ Provider    = (*keyProvider)(nil)
	_ TxSubmitter = (*keyProvider)(nil)
)

func (p *keyProvider) Kind() ProviderKind { return ProviderKey }

// Connect is trivially satisfied: the account is derived from the key, no
// external wallet needs to agree.
func (p *keyProvider) Connect(ctx context.Context) (common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return common.Address{}, typedErrf(ErrProviderClosed, nil, "key provider is closed")
	}
	return p.addr, nil
}

func (p *keyProvider) Address() common.Address { return p.addr }

func (p *keyProvider) backend(ctx context.Context) (EthBackend, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, 0, typedErrf(ErrProviderClosed, nil, "key provider is closed")
	}
	chainID := p.chainID
	if p.rpcURL == "" {
		backend, err := p.host.Backend(ctx, chainID)
		return backend, chainID, err
	}
	if p.private != nil {
		return p.private, chainID, nil
	}

	backend, err := p.host.dialPrivate(ctx, p.rpcURL)
	if err != nil {
		return nil, 0, err
	}
	remote, err := backend.ChainID(ctx)
	if err != nil {
		backend.Close()
		return nil, 0, fmt.Errorf("couldn't verify chain of %s: %w", p.rpcURL, err)
	}
	if remote.Uint64() != chainID {
		backend.Close()
		return nil, 0, typedErrf(ErrNetworkMismatch, nil, "chain id mismatch: expected %d, got %d", chainID, remote.Uint64())
	}
	p.private = backend
	return backend, chainID, nil
}

func (p *keyProvider) NetworkID(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, typedErrf(ErrProviderClosed, nil, "key provider is closed")
	}
	return p.chainID, nil
}

// SwitchNetwork re-points the provider at another configured network.
// Unknown chains are a configuration gap, not something a key can fix, so
// they surface as ErrNetworkNotConfigured.
func (p *keyProvider) SwitchNetwork(ctx context.Context, chainIDHex string) error {
	target, err := hexutil.DecodeUint64(chainIDHex)
	if err != nil {
		return typedErrf(ErrInvalidConfig, err, "invalid chain id %q", chainIDHex)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return typedErrf(ErrProviderClosed, nil, "key provider is closed")
	}
	if target == p.chainID {
		return nil
	}
	if p.rpcURL != "" {
		return typedErrf(ErrNetworkNotConfigured, nil, "provider is pinned to %s serving chain %d", p.rpcURL, p.chainID)
	}
	if _, ok := p.host.network(target); !ok {
		return typedErrf(ErrNetworkNotConfigured, nil, "no rpc endpoint configured for chain %d", target)
	}

	logger.WithFields(logger.Fields{
		"from_chain": p.chainID,
		"to_chain":   target,
	}).Debug("key provider switching network")
	p.chainID = target
	return nil
}

// Sign produces an EIP-191 personal signature with the recovery byte in
// wallet convention (27/28), matching what browser wallets return.
func (p *keyProvider) Sign(ctx context.Context, message []byte) ([]byte, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, typedErrf(ErrProviderClosed, nil, "key provider is closed")
	}

	sig, err := crypto.Sign(accounts.TextHash(message), p.key)
	if err != nil {
		return nil, typedErr(ErrSignerUnavailable, err)
	}
	sig[64] += 27
	return sig, nil
}

func (p *keyProvider) Signer() (Signer, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, typedErrf(ErrProviderClosed, nil, "key provider is closed")
	}
	return &keySigner{p: p}, nil
}

func (p *keyProvider) Contract(ctx context.Context, address common.Address, contractABI abi.ABI, withSigner bool) (*Contract, error) {
	backend, _, err := p.backend(ctx)
	if err != nil {
		return nil, err
	}
	var submit TxSubmitter
	if withSigner {
		submit = p
	}
	return NewContract(address, contractABI, backend, submit), nil
}

func (p *keyProvider) SubscribeEvent(ctx context.Context, query ethereum.FilterQuery, sink chan<- types.Log) (ethereum.Subscription, error) {
	backend, _, err := p.backend(ctx)
	if err != nil {
		return nil, err
	}
	return subscribeLogs(ctx, backend, query, sink)
}

// OnAccountChange accepts the registration; a raw key never changes
// accounts, so the callback stays silent.
func (p *keyProvider) OnAccountChange(cb AccountChangeFunc) func() {
	return p.hub.subscribe(cb)
}

func (p *keyProvider) Close() error {
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

// From implements TxSubmitter.
func (p *keyProvider) From() common.Address { return p.addr }

// SubmitTx builds, signs and broadcasts a transaction. The nonce comes
// from the shared tracker so concurrent submissions from this wallet
// never collide; a nonce acquired for a build that then fails is released.
func (p *keyProvider) SubmitTx(ctx context.Context, to common.Address, value *big.Int, data []byte) (txHash common.Hash, err error) {
	backend, chainID, err := p.backend(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	tracker := p.host.nonceTracker()
	nonceValue, err := tracker.Acquire(ctx, p.addr.Hex(), chainID, func(ctx context.Context) (uint64, error) {
		return backend.PendingNonceAt(ctx, p.addr)
	})
	if err != nil {
		return common.Hash{}, typedErr(ErrRPCUnavailable, err)
	}

	// Release the nonce if anything below fails before broadcast.
	acquiredNonce := true
	defer func() {
		if err != nil && acquiredNonce {
			tracker.Release(p.addr.Hex(), chainID, nonceValue)
		}
	}()

	if value == nil {
		value = new(big.Int)
	}

	gasLimit, err := backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  p.addr,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("couldn't estimate gas, the tx is meant to revert or the node is failing: %w", err)
	}
	gasLimit += gasLimit / 5 // headroom against state drift between estimate and inclusion

	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, typedErr(ErrRPCUnavailable, err)
	}

	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainID))

	var tx *types.Transaction
	if head.BaseFee != nil {
		tipCap, tipErr := backend.SuggestGasTipCap(ctx)
		if tipErr != nil {
			return common.Hash{}, typedErr(ErrRPCUnavailable, tipErr)
		}
		// Double the base fee so the tx survives a few full blocks.
		feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tipCap)
		tx, err = types.SignNewTx(p.key, signer, &types.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(chainID),
			Nonce:     nonceValue,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      data,
		})
	} else {
		gasPrice, priceErr := backend.SuggestGasPrice(ctx)
		if priceErr != nil {
			return common.Hash{}, typedErr(ErrRPCUnavailable, priceErr)
		}
		tx, err = types.SignNewTx(p.key, signer, &types.LegacyTx{
			Nonce:    nonceValue,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}
	if err != nil {
		return common.Hash{}, fmt.Errorf("couldn't sign tx: %w", err)
	}

	if err = backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("couldn't broadcast tx: %w", err)
	}

	// Broadcast consumed the nonce; it must not be released anymore.
	acquiredNonce = false

	logger.WithFields(logger.Fields{
		"tx_hash":  tx.Hash().Hex(),
		"to":       to.Hex(),
		"nonce":    nonceValue,
		"chain_id": chainID,
	}).Debug("key provider broadcast tx")
	return tx.Hash(), nil
}

// keySigner is the reusable signing handle for a key provider.
type keySigner struct {
	p *keyProvider
}

func (s *keySigner) Address() common.Address { return s.p.addr }

func (s *keySigner) SignText(ctx context.Context, message []byte) ([]byte, error) {
	return s.p.Sign(ctx, message)
}
