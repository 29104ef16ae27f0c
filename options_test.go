package walletgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkforge/walletgate/idempotency"
)

func TestWithDefaults_ReplacesAllDefaults(t *testing.T) {
	custom := GatewayDefaults{
		ConnectTimeout:       time.Second,
		SignTimeout:          2 * time.Second,
		SwitchTimeout:        3 * time.Second,
		CallTimeout:          4 * time.Second,
		ReceiptTimeout:       5 * time.Second,
		ReceiptCheckInterval: 6 * time.Second,
		SettleTimeout:        7 * time.Second,
		SettlePollInterval:   8 * time.Second,
		DebounceInterval:     9 * time.Second,
		SessionTTL:           10 * time.Second,
		StrictNetworkSwitch:  true,
	}

	gw, err := NewGateway(testConfig(), WithDefaults(custom))
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	assert.Equal(t, custom, gw.Defaults())
}

func TestTimeoutOptions(t *testing.T) {
	tests := []struct {
		name   string
		opt    Option
		mutate func(*GatewayDefaults)
	}{
		{"connect", WithConnectTimeout(time.Second), func(d *GatewayDefaults) { d.ConnectTimeout = time.Second }},
		{"sign", WithSignTimeout(time.Second), func(d *GatewayDefaults) { d.SignTimeout = time.Second }},
		{"switch", WithSwitchTimeout(time.Second), func(d *GatewayDefaults) { d.SwitchTimeout = time.Second }},
		{"call", WithCallTimeout(time.Second), func(d *GatewayDefaults) { d.CallTimeout = time.Second }},
		{"receipt", WithReceiptTimeout(time.Second), func(d *GatewayDefaults) { d.ReceiptTimeout = time.Second }},
		{"debounce", WithDebounceInterval(time.Second), func(d *GatewayDefaults) { d.DebounceInterval = time.Second }},
		{"session ttl", WithSessionTTL(time.Second), func(d *GatewayDefaults) { d.SessionTTL = time.Second }},
		{"strict switch", WithStrictNetworkSwitch(), func(d *GatewayDefaults) { d.StrictNetworkSwitch = true }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gw, err := NewGateway(testConfig(), tc.opt)
			require.NoError(t, err)
			t.Cleanup(func() { gw.Close() })

			want := DefaultGatewayDefaults()
			tc.mutate(&want)
			assert.Equal(t, want, gw.Defaults(), "exactly one knob moved")
		})
	}
}

func TestWithTransport_BrowserProviderNeedsOne(t *testing.T) {
	gw, err := NewGateway(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	require.NoError(t, gw.SetProviderConfig(ProviderConfig{Kind: ProviderBrowser}))
	_, err = gw.Provider()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWalletNotInstalled)
	assert.Contains(t, err.Error(), "no wallet transport configured")
}

func TestWithStores_InjectedStoresAreUsed(t *testing.T) {
	sessions := NewMemorySessionStore()
	deposits := NewMemoryDepositStore()
	idem := idempotency.NewInMemoryStore(time.Hour)

	gw, err := NewGateway(testConfig(),
		WithSessionStore(sessions),
		WithDepositStore(deposits),
		WithIdempotencyStore(idem),
	)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	assert.Same(t, sessions, gw.SessionStore())
	assert.Same(t, deposits, gw.DepositStore())
	assert.Same(t, idem, gw.IdempotencyStore())
}

func TestWithDefaultIdempotencyStore(t *testing.T) {
	gw, err := NewGateway(testConfig(), WithDefaultIdempotencyStore(time.Minute))
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	assert.IsType(t, &idempotency.InMemoryStore{}, gw.IdempotencyStore())
}

func TestWithNetwork_SkipsZeroChainID(t *testing.T) {
	gw, err := NewGateway(testConfig(), WithNetwork(NetworkConfig{RPCURL: "https://nowhere.example"}))
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	_, err = gw.Backend(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetworkNotConfigured)
}

func TestWithNetwork_OverridesConfiguredEndpoint(t *testing.T) {
	var dialed string
	backend := newMockBackend(testChainID)

	gw, err := NewGateway(testConfig(),
		WithNetwork(NetworkConfig{ChainID: testChainID, Name: "sepolia-alt", RPCURL: "https://alt.sepolia.example"}),
		WithEthBackendFactory(func(ctx context.Context, rpcURL string) (EthBackend, error) {
			dialed = rpcURL
			return backend, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	_, err = gw.Backend(context.Background(), testChainID)
	require.NoError(t, err)
	assert.Equal(t, "https://alt.sepolia.example", dialed)
}
