package walletgate

import (
	"context"

	"github.com/zkforge/walletgate/idempotency"
	"github.com/zkforge/walletgate/internal/circuitbreaker"
)

// Gate defines the interface for wallet gateway operations.
// This interface allows for easy mocking in tests and provides a stable API contract.
type Gate interface {
	// Configuration
	Config() Config
	Defaults() GatewayDefaults
	SetDefaults(defaults GatewayDefaults)

	// Provider Management
	SetProviderConfig(cfg ProviderConfig) error
	ProviderConfig() (ProviderConfig, bool)
	Provider() (Provider, error)
	WithProvider(ctx context.Context, fn func(context.Context, Provider) error) error
	ClearProviderInstance()
	ClearProvider()

	// Connection Lifecycle
	Connection() *Connection

	// Network Infrastructure
	Backend(ctx context.Context, chainID uint64) (EthBackend, error)
	RecordBackendSuccess(chainID uint64)
	RecordBackendFailure(chainID uint64)

	// Circuit Breaker
	CircuitBreakerStats(chainID uint64) circuitbreaker.Stats
	ResetCircuitBreaker(chainID uint64)

	// Persistence
	IdempotencyStore() idempotency.Store
	SessionStore() SessionStore
	DepositStore() DepositStore

	// Rollup Access
	Rollup() *RollupClient

	// Crash Recovery
	Recover(ctx context.Context) (*RecoveryResult, error)
	RecoverWithOptions(ctx context.Context, opts RecoveryOptions) (*RecoveryResult, error)

	// Shutdown
	Close() error
}

// Compile-time check that Gateway implements Gate
var _ Gate = (*Gateway)(nil)
