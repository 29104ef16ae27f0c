// adapters.go binds the minimal interfaces defined in deps.go to their
// production implementations.
package walletgate

import (
	"context"

	"github.com/ethereum/go-ethereum/ethclient"
)

// *ethclient.Client covers the full EthBackend surface.
var _ EthBackend = (*ethclient.Client)(nil)

// DefaultEthBackendFactory dials the endpoint with go-ethereum's RPC
// client. Chain-ID verification happens in the gateway after dialing, so
// the factory stays a pure dial.
func DefaultEthBackendFactory(ctx context.Context, rpcURL string) (EthBackend, error) {
	return ethclient.DialContext(ctx, rpcURL)
}
