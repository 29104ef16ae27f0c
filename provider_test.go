package walletgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderKindString(t *testing.T) {
	assert.Equal(t, "browser", ProviderBrowser.String())
	assert.Equal(t, "session", ProviderSession.String())
	assert.Equal(t, "readonly", ProviderReadOnly.String())
	assert.Equal(t, "key", ProviderKey.String())
	assert.Equal(t, "unknown", ProviderKind(99).String())
}

func TestProviderConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		wantErr string
	}{
		{"browser ok", ProviderConfig{Kind: ProviderBrowser}, ""},
		{"session ok", ProviderConfig{Kind: ProviderSession}, ""},
		{"readonly ok", ProviderConfig{Kind: ProviderReadOnly}, ""},
		{"key ok", ProviderConfig{Kind: ProviderKey, PrivateKey: "ab"}, ""},
		{
			"browser with key",
			ProviderConfig{Kind: ProviderBrowser, PrivateKey: "ab"},
			"browser provider does not take a private key",
		},
		{
			"session with key",
			ProviderConfig{Kind: ProviderSession, PrivateKey: "ab"},
			"session provider does not take a private key",
		},
		{
			"readonly with key",
			ProviderConfig{Kind: ProviderReadOnly, PrivateKey: "ab"},
			"readonly provider does not take a private key",
		},
		{
			"key without key",
			ProviderConfig{Kind: ProviderKey},
			"key provider requires a private key",
		},
		{
			"unknown kind",
			ProviderConfig{Kind: ProviderKind(42)},
			"unknown provider kind 42",
		},
		{
			"bad rpc url scheme",
			ProviderConfig{Kind: ProviderReadOnly, RPCURL: "ftp://node.example"},
			"provider rpc url",
		},
		{
			"rpc url injection",
			ProviderConfig{Kind: ProviderReadOnly, RPCURL: "https://node.example/<x>"},
			"forbidden character",
		},
		{
			"good rpc url",
			ProviderConfig{Kind: ProviderReadOnly, RPCURL: "https://node.example"},
			"",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestMapRPCError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"user rejected", &RPCError{Code: 4001, Message: "User rejected the request"}, ErrUserRejected},
		{"unauthorized", &RPCError{Code: 4100, Message: "Unauthorized"}, ErrNoAccountConnected},
		{"disconnected", &RPCError{Code: 4900, Message: "Disconnected"}, ErrNoAccountConnected},
		{"chain disconnected", &RPCError{Code: 4901, Message: "Chain disconnected"}, ErrNoAccountConnected},
		{"unsupported method", &RPCError{Code: 4200, Message: "Unsupported method"}, ErrUnsupportedOperation},
		{"chain not added", &RPCError{Code: 4902, Message: "Unrecognized chain"}, ErrNetworkNotConfigured},
		{"session expired phrase", &RPCError{Code: -32000, Message: "Session expired, reconnect"}, ErrSessionExpired},
		{"missing topic phrase", &RPCError{Code: -32000, Message: "session topic doesn't exist"}, ErrSessionExpired},
		{"pairing expired phrase", &RPCError{Code: -32000, Message: "Pairing expired"}, ErrSessionExpired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := mapRPCError(tc.in)
			if tc.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tc.want)
			// The wallet's own error stays reachable for debugging.
			var rpcErr *RPCError
			assert.True(t, errors.As(got, &rpcErr))
		})
	}
}

func TestMapRPCError_Passthrough(t *testing.T) {
	plain := errors.New("connection reset")
	assert.Same(t, plain, mapRPCError(plain))

	unknown := &RPCError{Code: -32603, Message: "internal json-rpc error"}
	got := mapRPCError(unknown)
	assert.Equal(t, error(unknown), got, "unknown codes without expiry phrasing pass through unchanged")

	wrapped := fmt.Errorf("request failed: %w", &RPCError{Code: 4001, Message: "denied"})
	assert.ErrorIs(t, mapRPCError(wrapped), ErrUserRejected, "wrapped rpc errors still classify")
}

func TestIsSessionExpiryMessage(t *testing.T) {
	assert.True(t, isSessionExpiryMessage("Session expired"))
	assert.True(t, isSessionExpiryMessage("the SESSION TOPIC DOESN'T EXIST anymore"))
	assert.True(t, isSessionExpiryMessage("pairing expired 10 minutes ago"))
	assert.False(t, isSessionExpiryMessage("session settled"))
	assert.False(t, isSessionExpiryMessage(""))
}

// Building through the gateway exercises newProvider dispatch for every
// kind, including the default chain id fill-in.
func TestNewProvider_DispatchesByKind(t *testing.T) {
	s := newTestSetup(t)

	kinds := []struct {
		cfg  ProviderConfig
		want ProviderKind
	}{
		{ProviderConfig{Kind: ProviderBrowser}, ProviderBrowser},
		{ProviderConfig{Kind: ProviderSession}, ProviderSession},
		{ProviderConfig{Kind: ProviderReadOnly}, ProviderReadOnly},
		{ProviderConfig{Kind: ProviderKey, PrivateKey: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"}, ProviderKey},
	}

	for _, tc := range kinds {
		t.Run(tc.want.String(), func(t *testing.T) {
			require.NoError(t, s.GW.SetProviderConfig(tc.cfg))
			p, err := s.GW.Provider()
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.Kind())
		})
	}
}

func TestNewProvider_BadKeyRejected(t *testing.T) {
	s := newTestSetup(t)

	require.NoError(t, s.GW.SetProviderConfig(ProviderConfig{
		Kind:       ProviderKey,
		PrivateKey: "not-hex",
	}))
	_, err := s.GW.Provider()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAccountHub_NotifyAndUnsubscribe(t *testing.T) {
	hub := newAccountHub()

	var mu sync.Mutex
	var got [][]common.Address
	record := func(accounts []common.Address) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, accounts)
	}

	cancelA := hub.subscribe(record)
	cancelB := hub.subscribe(record)

	hub.notify([]common.Address{testAddr1})

	mu.Lock()
	require.Len(t, got, 2)
	mu.Unlock()

	cancelA()
	hub.notify([]common.Address{testAddr2})

	mu.Lock()
	assert.Len(t, got, 3)
	mu.Unlock()

	cancelB()
	cancelB() // double unsubscribe is harmless
	hub.notify(nil)

	mu.Lock()
	assert.Len(t, got, 3)
	mu.Unlock()
}

// A callback may unsubscribe itself while being notified.
func TestAccountHub_SelfUnsubscribe(t *testing.T) {
	hub := newAccountHub()

	fired := 0
	var cancel func()
	cancel = hub.subscribe(func(accounts []common.Address) {
		fired++
		cancel()
	})

	hub.notify([]common.Address{testAddr1})
	hub.notify([]common.Address{testAddr1})

	assert.Equal(t, 1, fired)
}

func TestProvider_ContextCancellation(t *testing.T) {
	s := newTestSetup(t)
	require.NoError(t, s.GW.SetProviderConfig(ProviderConfig{Kind: ProviderBrowser}))

	p, err := s.GW.Provider()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = p.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
