package walletgate

import (
	"context"
	"sync"

	"github.com/KyberNetwork/logger"

	"github.com/zkforge/walletgate/internal/circuitbreaker"
)

// getBackendLock returns the dial lock for a chain, creating it if necessary
func (gw *Gateway) getBackendLock(chainID uint64) *sync.Mutex {
	lock, _ := gw.backendLocks.LoadOrStore(chainID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// getBreaker returns the circuit breaker for a chain, creating one if necessary
func (gw *Gateway) getBreaker(chainID uint64) *circuitbreaker.CircuitBreaker {
	cb, _ := gw.breakers.LoadOrStore(chainID, circuitbreaker.New(circuitbreaker.DefaultConfig()))
	return cb.(*circuitbreaker.CircuitBreaker)
}

func (gw *Gateway) getBackend(chainID uint64) EthBackend {
	if b, ok := gw.backends.Load(chainID); ok {
		return b.(EthBackend)
	}
	return nil
}

// Backend returns the shared backend for chainID, dialing it on first use.
// Returns an error if the chain has no configured endpoint, the endpoint
// reports a different chain, or the circuit breaker is open.
func (gw *Gateway) Backend(ctx context.Context, chainID uint64) (EthBackend, error) {
	if gw.closed.Load() {
		return nil, typedErrf(ErrProviderClosed, nil, "gateway is closed")
	}

	cb := gw.getBreaker(chainID)
	if !cb.Allow() {
		return nil, typedErrf(ErrRPCUnavailable, nil, "circuit breaker open for chain %d", chainID)
	}

	b := gw.getBackend(chainID)
	if b == nil {
		var err error
		b, err = gw.initBackend(ctx, chainID)
		if err != nil {
			cb.RecordFailure()
			return nil, err
		}
	}
	cb.RecordSuccess()
	return b, nil
}

// initBackend dials and verifies the backend for chainID under the chain's
// dial lock, so concurrent callers share one connection.
func (gw *Gateway) initBackend(ctx context.Context, chainID uint64) (EthBackend, error) {
	lock := gw.getBackendLock(chainID)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok := gw.backends.Load(chainID); ok {
		return existing.(EthBackend), nil
	}

	nc, ok := gw.network(chainID)
	if !ok {
		return nil, typedErrf(ErrNetworkNotConfigured, nil, "no rpc endpoint configured for chain %d", chainID)
	}

	b, err := gw.backendFactory(ctx, nc.RPCURL)
	if err != nil {
		return nil, typedErrf(ErrRPCUnavailable, err, "couldn't dial rpc endpoint for chain %d", chainID)
	}

	// The endpoint must actually serve the chain it is configured for.
	got, err := b.ChainID(ctx)
	if err != nil {
		b.Close()
		return nil, typedErrf(ErrRPCUnavailable, err, "couldn't verify chain id for chain %d", chainID)
	}
	if got.Uint64() != chainID {
		b.Close()
		return nil, typedErrf(ErrNetworkMismatch, nil, "chain id mismatch: expected %d, got %d", chainID, got.Uint64())
	}

	gw.backends.Store(chainID, b)

	logger.WithFields(logger.Fields{
		"chain_id": chainID,
	}).Debug("dialed shared rpc backend")

	return b, nil
}

// RecordBackendSuccess records a successful RPC operation for the chain's
// circuit breaker
func (gw *Gateway) RecordBackendSuccess(chainID uint64) {
	gw.getBreaker(chainID).RecordSuccess()
}

// RecordBackendFailure records a failed RPC operation for the chain's
// circuit breaker
func (gw *Gateway) RecordBackendFailure(chainID uint64) {
	gw.getBreaker(chainID).RecordFailure()
}

// CircuitBreakerStats returns the circuit breaker statistics for a chain
func (gw *Gateway) CircuitBreakerStats(chainID uint64) circuitbreaker.Stats {
	return gw.getBreaker(chainID).Stats()
}

// ResetCircuitBreaker resets the circuit breaker for a chain
func (gw *Gateway) ResetCircuitBreaker(chainID uint64) {
	gw.getBreaker(chainID).Reset()
}
