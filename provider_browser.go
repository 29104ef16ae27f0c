package walletgate

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goccy/go-json"
)

// transportCore implements the wallet-transport-backed operations shared
// by the browser and session providers: EIP-1193 requests out, wallet
// notifications in. The wallet is the single source of truth for accounts
// and chain; the caches here only mirror its last reports.
type transportCore struct {
	host      providerHost
	transport WalletTransport
	hub       *accountHub

	mu       sync.Mutex
	account  common.Address
	accounts []common.Address
	chainID  uint64
	closed   bool

	evStop    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func newTransportCore(host providerHost) (*transportCore, error) {
	transport := host.walletTransport()
	if transport == nil {
		return nil, typedErrf(ErrWalletNotInstalled, nil, "no wallet transport configured")
	}
	return &transportCore{
		host:      host,
		transport: transport,
		hub:       newAccountHub(),
		evStop:    make(chan struct{}),
	}, nil
}

// startEventLoop begins mirroring wallet notifications. Idempotent.
func (c *transportCore) startEventLoop() {
	c.startOnce.Do(func() {
		go c.eventLoop()
	})
}

func (c *transportCore) eventLoop() {
	events := c.transport.Events()
	for {
		select {
		case <-c.evStop:
			return
		case ev := <-events:
			c.handleEvent(ev)
		}
	}
}

func (c *transportCore) handleEvent(ev WalletEvent) {
	switch ev.Type {
	case EventAccountsChanged:
		c.mu.Lock()
		c.accounts = ev.Accounts
		if len(ev.Accounts) > 0 {
			c.account = ev.Accounts[0]
		} else {
			c.account = common.Address{}
		}
		c.mu.Unlock()

		logger.WithFields(logger.Fields{
			"accounts": len(ev.Accounts),
		}).Debug("wallet reported account change")
		c.hub.notify(ev.Accounts)

	case EventChainChanged:
		c.mu.Lock()
		c.chainID = ev.ChainID
		c.mu.Unlock()

		logger.WithFields(logger.Fields{
			"chain_id": ev.ChainID,
		}).Debug("wallet reported chain change")

	case EventDisconnect:
		c.mu.Lock()
		c.accounts = nil
		c.account = common.Address{}
		c.mu.Unlock()

		logger.Debug("wallet reported disconnect")
		c.hub.notify(nil)
	}
}

// connect asks the wallet for account access and caches the result.
func (c *transportCore) connect(ctx context.Context) (common.Address, error) {
	if err := c.checkOpen(); err != nil {
		return common.Address{}, err
	}

	raw, err := c.transport.Request(ctx, "eth_requestAccounts")
	if err != nil {
		return common.Address{}, mapRPCError(err)
	}

	accounts, err := parseAccountsResult(raw)
	if err != nil {
		return common.Address{}, err
	}
	if len(accounts) == 0 {
		return common.Address{}, typedErrf(ErrNoAccountConnected, nil, "wallet returned no accounts")
	}

	c.mu.Lock()
	c.accounts = accounts
	c.account = accounts[0]
	c.mu.Unlock()

	// The prompt's answer is only trusted if the wallet's live view
	// agrees. Some wallets resolve the prompt with an account they have
	// already rotated away from.
	live, err := c.quietAccounts(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if len(live) == 0 {
		return common.Address{}, typedErrf(ErrNoAccountConnected, nil, "wallet no longer reports a connected account")
	}
	if live[0] != accounts[0] {
		return common.Address{}, typedErrf(ErrNoAccountConnected, nil,
			"wallet reports %s connected but the prompt returned %s", live[0].Hex(), accounts[0].Hex())
	}

	return accounts[0], nil
}

// quietAccounts reads the wallet's exposed accounts without prompting the
// user, for session restore checks.
func (c *transportCore) quietAccounts(ctx context.Context) ([]common.Address, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	raw, err := c.transport.Request(ctx, "eth_accounts")
	if err != nil {
		return nil, mapRPCError(err)
	}
	accounts, err := parseAccountsResult(raw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.accounts = accounts
	if len(accounts) > 0 {
		c.account = accounts[0]
	} else {
		c.account = common.Address{}
	}
	c.mu.Unlock()
	return accounts, nil
}

func (c *transportCore) address() common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// networkID queries the wallet's live chain. The cache is refreshed as a
// side effect but never trusted in place of the wallet's answer.
func (c *transportCore) networkID(ctx context.Context) (uint64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	raw, err := c.transport.Request(ctx, "eth_chainId")
	if err != nil {
		return 0, mapRPCError(err)
	}

	chainID, err := parseChainIDResult(raw)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.chainID = chainID
	c.mu.Unlock()
	return chainID, nil
}

// switchNetwork asks the wallet to change chains and verifies that it
// actually did. Wallets which silently ignore the request get caught by
// the re-read.
func (c *transportCore) switchNetwork(ctx context.Context, chainIDHex string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	target, err := hexutil.DecodeUint64(chainIDHex)
	if err != nil {
		return typedErrf(ErrInvalidConfig, err, "invalid chain id %q", chainIDHex)
	}

	_, err = c.transport.Request(ctx, "wallet_switchEthereumChain", map[string]string{"chainId": chainIDHex})
	if err != nil {
		mapped := mapRPCError(err)
		switch {
		case IsUserRejection(mapped):
			return typedErrf(ErrNetworkSwitchRejected, mapped, "user rejected switching to chain %d", target)
		case IsSessionExpired(mapped):
			return mapped
		case ErrorCode(mapped) == CodeNetworkNotConfigured:
			return mapped
		default:
			return typedErrf(ErrNetworkSwitchRejected, mapped, "wallet did not switch to chain %d", target)
		}
	}

	live, err := c.networkID(ctx)
	if err != nil {
		return err
	}
	if live != target {
		return typedErrf(ErrNetworkSwitchRejected, nil, "wallet acknowledged the switch but stayed on chain %d", live)
	}
	return nil
}

// sign requests an EIP-191 personal signature from the wallet for the
// currently connected account.
func (c *transportCore) sign(ctx context.Context, message []byte) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	from := c.address()
	if from == (common.Address{}) {
		return nil, typedErrf(ErrNoAccountConnected, nil, "connect before signing")
	}

	raw, err := c.transport.Request(ctx, "personal_sign", hexutil.Encode(message), from.Hex())
	if err != nil {
		return nil, mapRPCError(err)
	}

	var sigHex string
	if err := json.Unmarshal(raw, &sigHex); err != nil {
		return nil, fmt.Errorf("malformed personal_sign result: %w", err)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return nil, fmt.Errorf("malformed signature %q: %w", sigHex, err)
	}
	return sig, nil
}

// currentChainID returns the cached chain, querying the wallet when the
// cache is cold.
func (c *transportCore) currentChainID(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != 0 {
		return cached, nil
	}
	return c.networkID(ctx)
}

func (c *transportCore) contract(ctx context.Context, address common.Address, contractABI abi.ABI, withSigner bool) (*Contract, error) {
	chainID, err := c.currentChainID(ctx)
	if err != nil {
		return nil, err
	}
	backend, err := c.host.Backend(ctx, chainID)
	if err != nil {
		return nil, err
	}

	var submit TxSubmitter
	if withSigner {
		if c.address() == (common.Address{}) {
			return nil, typedErrf(ErrNoAccountConnected, nil, "connect before binding a signing contract")
		}
		submit = &transportSubmitter{core: c}
	}
	return NewContract(address, contractABI, backend, submit), nil
}

func (c *transportCore) subscribeEvent(ctx context.Context, query ethereum.FilterQuery, sink chan<- types.Log) (ethereum.Subscription, error) {
	chainID, err := c.currentChainID(ctx)
	if err != nil {
		return nil, err
	}
	backend, err := c.host.Backend(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return subscribeLogs(ctx, backend, query, sink)
}

func (c *transportCore) onAccountChange(cb AccountChangeFunc) func() {
	return c.hub.subscribe(cb)
}

func (c *transportCore) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return typedErrf(ErrProviderClosed, nil, "provider is closed")
	}
	return nil
}

// close stops the event mirror and drops cached accounts. The transport
// itself belongs to the host application and stays open.
func (c *transportCore) close() error {
	c.stopOnce.Do(func() {
		close(c.evStop)
	})

	c.mu.Lock()
	c.closed = true
	c.accounts = nil
	c.account = common.Address{}
	c.mu.Unlock()
	return nil
}

// transportSubmitter routes state-changing calls through the wallet, which
// signs and broadcasts them itself.
type transportSubmitter struct {
	core *transportCore
}

var _ TxSubmitter = (*transportSubmitter)(nil)

func (s *transportSubmitter) From() common.Address {
	return s.core.address()
}

func (s *transportSubmitter) SubmitTx(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	from := s.core.address()
	if from == (common.Address{}) {
		return common.Hash{}, typedErrf(ErrNoAccountConnected, nil, "connect before sending transactions")
	}

	txParams := map[string]string{
		"from": from.Hex(),
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}
	if value != nil && value.Sign() > 0 {
		txParams["value"] = hexutil.EncodeBig(value)
	}

	raw, err := s.core.transport.Request(ctx, "eth_sendTransaction", txParams)
	if err != nil {
		return common.Hash{}, mapRPCError(err)
	}

	var hashHex string
	if err := json.Unmarshal(raw, &hashHex); err != nil {
		return common.Hash{}, fmt.Errorf("malformed eth_sendTransaction result: %w", err)
	}
	hash, err := hexutil.Decode(hashHex)
	if err != nil || len(hash) != common.HashLength {
		return common.Hash{}, fmt.Errorf("malformed tx hash %q", hashHex)
	}
	return common.BytesToHash(hash), nil
}

func parseAccountsResult(raw json.RawMessage) ([]common.Address, error) {
	var hexAccounts []string
	if err := json.Unmarshal(raw, &hexAccounts); err != nil {
		return nil, fmt.Errorf("malformed accounts result: %w", err)
	}
	accounts := make([]common.Address, 0, len(hexAccounts))
	for _, a := range hexAccounts {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("wallet returned malformed account %q", a)
		}
		accounts = append(accounts, common.HexToAddress(a))
	}
	return accounts, nil
}

func parseChainIDResult(raw json.RawMessage) (uint64, error) {
	var chainHex string
	if err := json.Unmarshal(raw, &chainHex); err != nil {
		return 0, fmt.Errorf("malformed eth_chainId result: %w", err)
	}
	chainID, err := hexutil.DecodeUint64(chainHex)
	if err != nil {
		return 0, fmt.Errorf("malformed chain id %q: %w", chainHex, err)
	}
	return chainID, nil
}

// browserProvider drives an injected browser wallet. Nearly everything is
// the transport core; the browser variant adds nothing beyond its kind.
type browserProvider struct {
	core *transportCore
}

func newBrowserProvider(cfg ProviderConfig, host providerHost) (Provider, error) {
	core, err := newTransportCore(host)
	if err != nil {
		return nil, err
	}
	core.startEventLoop()
	return &browserProvider{core: core}, nil
}

var _ Provider = (*browserProvider)(nil)

func (p *browserProvider) Kind() ProviderKind { return ProviderBrowser }

func (p *browserProvider) Connect(ctx context.Context) (common.Address, error) {
	return p.core.connect(ctx)
}

func (p *browserProvider) Address() common.Address { return p.core.address() }

func (p *browserProvider) NetworkID(ctx context.Context) (uint64, error) {
	return p.core.networkID(ctx)
}

func (p *browserProvider) SwitchNetwork(ctx context.Context, chainIDHex string) error {
	return p.core.switchNetwork(ctx, chainIDHex)
}

func (p *browserProvider) Sign(ctx context.Context, message []byte) ([]byte, error) {
	return p.core.sign(ctx, message)
}

func (p *browserProvider) Signer() (Signer, error) {
	from := p.core.address()
	if from == (common.Address{}) {
		return nil, typedErrf(ErrSignerUnavailable, nil, "connect before requesting a signer")
	}
	return &transportSigner{core: p.core}, nil
}

func (p *browserProvider) Contract(ctx context.Context, address common.Address, contractABI abi.ABI, withSigner bool) (*Contract, error) {
	return p.core.contract(ctx, address, contractABI, withSigner)
}

func (p *browserProvider) SubscribeEvent(ctx context.Context, query ethereum.FilterQuery, sink chan<- types.Log) (ethereum.Subscription, error) {
	return p.core.subscribeEvent(ctx, query, sink)
}

func (p *browserProvider) OnAccountChange(cb AccountChangeFunc) func() {
	return p.core.onAccountChange(cb)
}

func (p *browserProvider) Close() error {
	return p.core.close()
}

// transportSigner asks the wallet for each signature; the account is
// re-read per call so a wallet-side account change fails loudly instead
// of signing with the wrong key.
type transportSigner struct {
	core *transportCore
}

func (s *transportSigner) Address() common.Address {
	return s.core.address()
}

func (s *transportSigner) SignText(ctx context.Context, message []byte) ([]byte, error) {
	return s.core.sign(ctx, message)
}
