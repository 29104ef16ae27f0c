// deps.go defines minimal interfaces for external dependencies.
// This allows for easy mocking in tests and decouples the library from specific implementations.
package walletgate

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goccy/go-json"
)

// EthBackend is the node-side surface the SDK needs: everything a bound
// contract requires plus balance, receipt and identity lookups. A
// *ethclient.Client satisfies it directly.
type EthBackend interface {
	bind.ContractBackend

	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// EthBackendFactory dials an EthBackend for one RPC endpoint. The gateway
// calls it lazily, at most once per configured network, behind a circuit
// breaker.
type EthBackendFactory func(ctx context.Context, rpcURL string) (EthBackend, error)

// WalletTransport is the pipe to an external wallet application: a
// request/response channel speaking EIP-1193 method names plus a stream of
// unsolicited wallet notifications.
//
// Events is consumed by a single reader. The provider registry guarantees
// at most one live provider instance, so the transport never needs to fan
// out.
type WalletTransport interface {
	// Request performs one JSON-RPC style request and returns the raw
	// result. Wallet-side failures come back as *RPCError.
	Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)

	// Events yields accountsChanged, chainChanged and disconnect
	// notifications pushed by the wallet.
	Events() <-chan WalletEvent

	// Connected reports whether a wallet is currently attached.
	Connected() bool

	Close() error
}

// TxSubmitter abstracts how a state-changing contract call reaches the
// chain: a raw key signs and broadcasts locally, a wallet transport asks
// the wallet application to do it.
type TxSubmitter interface {
	From() common.Address
	SubmitTx(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error)
}
