package walletgate

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
)

// ============================================================
// Mock Implementations
// ============================================================

// transportCall records one Request made against the mock transport.
type transportCall struct {
	Method string
	Params []interface{}
}

// mockTransport implements WalletTransport for testing. The default
// handlers emulate an EIP-1193 wallet holding one account on walletChainID,
// signing personal messages with walletKey. Set RequestFn to override
// behavior; call defaultHandle from inside the hook to fall through for
// methods the hook does not care about.
type mockTransport struct {
	mu sync.Mutex

	walletAccounts []common.Address
	walletChainID  uint64
	walletKey      *ecdsa.PrivateKey
	attached       bool
	closed         bool
	txCount        int

	// Function hooks - set these to customize behavior
	RequestFn func(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)

	// Call tracking for assertions
	RequestCalls []transportCall
	SentTxs      []map[string]string

	events chan WalletEvent
}

func newMockTransport(chainID uint64, key *ecdsa.PrivateKey) *mockTransport {
	m := &mockTransport{
		walletChainID: chainID,
		walletKey:     key,
		attached:      true,
		events:        make(chan WalletEvent, 16),
	}
	if key != nil {
		m.walletAccounts = []common.Address{crypto.PubkeyToAddress(key.PublicKey)}
	}
	return m
}

var _ WalletTransport = (*mockTransport)(nil)

func (m *mockTransport) Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	m.RequestCalls = append(m.RequestCalls, transportCall{Method: method, Params: params})
	fn := m.RequestFn
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if fn != nil {
		return fn(ctx, method, params...)
	}
	return m.defaultHandle(ctx, method, params...)
}

func (m *mockTransport) defaultHandle(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch method {
	case "eth_requestAccounts", "eth_accounts":
		hexAccounts := make([]string, 0, len(m.walletAccounts))
		for _, a := range m.walletAccounts {
			hexAccounts = append(hexAccounts, a.Hex())
		}
		return json.Marshal(hexAccounts)

	case "eth_chainId":
		return json.Marshal(hexutil.EncodeUint64(m.walletChainID))

	case "wallet_switchEthereumChain":
		req, ok := params[0].(map[string]string)
		if !ok {
			return nil, fmt.Errorf("unexpected switch params type %T", params[0])
		}
		target, err := hexutil.DecodeUint64(req["chainId"])
		if err != nil {
			return nil, fmt.Errorf("unexpected switch chain id %q: %w", req["chainId"], err)
		}
		m.walletChainID = target
		return json.Marshal(nil)

	case "personal_sign":
		if m.walletKey == nil {
			return nil, &RPCError{Code: rpcCodeUnauthorized, Message: "no account available for signing"}
		}
		msgHex, ok := params[0].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected personal_sign message type %T", params[0])
		}
		message, err := hexutil.Decode(msgHex)
		if err != nil {
			return nil, fmt.Errorf("unexpected personal_sign message %q: %w", msgHex, err)
		}
		sig, err := crypto.Sign(accounts.TextHash(message), m.walletKey)
		if err != nil {
			return nil, err
		}
		sig[crypto.RecoveryIDOffset] += 27
		return json.Marshal(hexutil.Encode(sig))

	case "eth_sendTransaction":
		txParams, ok := params[0].(map[string]string)
		if !ok {
			return nil, fmt.Errorf("unexpected sendTransaction params type %T", params[0])
		}
		m.txCount++
		m.SentTxs = append(m.SentTxs, txParams)
		hash := common.BigToHash(big.NewInt(int64(0x1000 + m.txCount)))
		return json.Marshal(hash.Hex())

	default:
		return nil, &RPCError{Code: rpcCodeUnsupportedMethod, Message: fmt.Sprintf("method %s not implemented", method)}
	}
}

func (m *mockTransport) Events() <-chan WalletEvent {
	return m.events
}

func (m *mockTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached && !m.closed
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// emit pushes a wallet notification exactly as the wallet side would.
func (m *mockTransport) emit(ev WalletEvent) {
	m.events <- ev
}

func (m *mockTransport) setWalletAccounts(addrs ...common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.walletAccounts = addrs
}

func (m *mockTransport) setWalletChainID(chainID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.walletChainID = chainID
}

func (m *mockTransport) setWalletKey(key *ecdsa.PrivateKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.walletKey = key
}

// calls returns every recorded request for one method, in order.
func (m *mockTransport) calls(method string) []transportCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []transportCall
	for _, c := range m.RequestCalls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockTransport) callCount(method string) int {
	return len(m.calls(method))
}

func (m *mockTransport) sentTxCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SentTxs)
}

// mockBackend implements EthBackend for testing. Contract reads dispatch on
// the call data's method selector against the built-in ABIs; everything
// else returns benign defaults. Set the Fn hooks to customize behavior.
type mockBackend struct {
	mu sync.Mutex

	chainID *big.Int

	// Token state served to balanceOf and allowance reads
	balances   map[common.Address]*big.Int
	allowances map[common.Address]*big.Int // keyed by owner

	receipts map[common.Hash]*types.Receipt

	// Function hooks - set these to customize behavior
	CallContractFn        func(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceiptFn  func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	EstimateGasFn         func(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransactionFn     func(ctx context.Context, tx *types.Transaction) error
	PendingNonceAtFn      func(ctx context.Context, account common.Address) (uint64, error)
	SubscribeFilterLogsFn func(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)

	// Call tracking for assertions
	CallContractCalls []ethereum.CallMsg
	ReceiptCalls      []common.Hash
	BroadcastTxs      []*types.Transaction
	CloseCalls        int
}

func newMockBackend(chainID uint64) *mockBackend {
	return &mockBackend{
		chainID:    new(big.Int).SetUint64(chainID),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]*big.Int),
		receipts:   make(map[common.Hash]*types.Receipt),
	}
}

var _ EthBackend = (*mockBackend)(nil)

func (m *mockBackend) setBalance(owner common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[owner] = new(big.Int).Set(amount)
}

func (m *mockBackend) setAllowance(owner common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[owner] = new(big.Int).Set(amount)
}

func (m *mockBackend) setReceipt(hash common.Hash, receipt *types.Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[hash] = receipt
}

func (m *mockBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.chainID), nil
}

func (m *mockBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(1_000_000_000_000_000_000), nil
}

func (m *mockBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	m.mu.Lock()
	m.CallContractCalls = append(m.CallContractCalls, call)
	fn := m.CallContractFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, call, blockNumber)
	}
	return m.defaultCall(call)
}

func (m *mockBackend) defaultCall(call ethereum.CallMsg) ([]byte, error) {
	if len(call.Data) < 4 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case bytes.Equal(call.Data[:4], erc20ABI.Methods["balanceOf"].ID):
		args, err := erc20ABI.Methods["balanceOf"].Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		owner := args[0].(common.Address)
		bal := m.balances[owner]
		if bal == nil {
			bal = new(big.Int)
		}
		return erc20ABI.Methods["balanceOf"].Outputs.Pack(bal)

	case bytes.Equal(call.Data[:4], erc20ABI.Methods["allowance"].ID):
		args, err := erc20ABI.Methods["allowance"].Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		owner := args[0].(common.Address)
		allowance := m.allowances[owner]
		if allowance == nil {
			allowance = new(big.Int)
		}
		return erc20ABI.Methods["allowance"].Outputs.Pack(allowance)

	case bytes.Equal(call.Data[:4], erc20ABI.Methods["decimals"].ID):
		return erc20ABI.Methods["decimals"].Outputs.Pack(uint8(6))

	default:
		// Simulations of state-changing calls succeed by default.
		return nil, nil
	}
}

func (m *mockBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	m.ReceiptCalls = append(m.ReceiptCalls, txHash)
	fn := m.TransactionReceiptFn
	seeded := m.receipts[txHash]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, txHash)
	}
	if seeded != nil {
		return seeded, nil
	}
	// Transactions mine instantly unless a test says otherwise.
	return newSuccessReceipt(txHash), nil
}

func (m *mockBackend) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (m *mockBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (m *mockBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{
		Number:  big.NewInt(12345678),
		BaseFee: big.NewInt(1_000_000_000),
	}, nil
}

func (m *mockBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	fn := m.PendingNonceAtFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, account)
	}
	return 0, nil
}

func (m *mockBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(20_000_000_000), nil
}

func (m *mockBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (m *mockBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	m.mu.Lock()
	fn := m.EstimateGasFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, call)
	}
	return 100_000, nil
}

func (m *mockBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	m.BroadcastTxs = append(m.BroadcastTxs, tx)
	fn := m.SendTransactionFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, tx)
	}
	return nil
}

func (m *mockBackend) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (m *mockBackend) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	m.mu.Lock()
	fn := m.SubscribeFilterLogsFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, query, ch)
	}
	return newFakeSubscription(), nil
}

func (m *mockBackend) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
}

func (m *mockBackend) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCalls
}

func (m *mockBackend) callContractCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CallContractCalls)
}

// fakeSubscription implements ethereum.Subscription for subscribe tests.
type fakeSubscription struct {
	errCh chan error
	once  sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{errCh: make(chan error)}
}

func (s *fakeSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.errCh) })
}

func (s *fakeSubscription) Err() <-chan error {
	return s.errCh
}

// ============================================================
// Test Fixtures
// ============================================================

var (
	testAddr1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testAddr2 = common.HexToAddress("0x2222222222222222222222222222222222222222")

	testDepositContract = common.HexToAddress("0xDdDDddDDDdddDdddDDddddDdDDdDdDdDDdDDdDDD")
	testTokenContract   = common.HexToAddress("0xCcccCCCcCccCCcCcccCCCCcCCcCCCCcCcccCcCCC")

	testKey1, _ = crypto.HexToECDSA("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	testKey2, _ = crypto.HexToECDSA("fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210")
)

const (
	testChainID  uint64 = 11155111
	testChainHex        = "0xaa36a7"
)

func keyAddr(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

func newTestReceipt(hash common.Hash, status uint64) *types.Receipt {
	return &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: big.NewInt(12345678),
		BlockHash:   common.HexToHash("0xabcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890"),
		GasUsed:     65000,
	}
}

func newSuccessReceipt(hash common.Hash) *types.Receipt {
	return newTestReceipt(hash, types.ReceiptStatusSuccessful)
}

func newFailedReceipt(hash common.Hash) *types.Receipt {
	return newTestReceipt(hash, types.ReceiptStatusFailed)
}

// ============================================================
// Test Helpers
// ============================================================

func testConfig() Config {
	return Config{
		AppName:         "walletgate-test",
		ChainID:         testChainID,
		RPCURL:          "https://rpc.sepolia.example",
		DepositContract: testDepositContract,
		TokenContract:   testTokenContract,
	}
}

// testSetup contains the gateway and the mocks behind it for a typical test
type testSetup struct {
	GW        *Gateway
	Transport *mockTransport
	Backend   *mockBackend
}

// newTestSetup creates a gateway wired to an in-memory wallet and chain.
// The mock wallet holds testKey1's account on the configured chain; extra
// options run after the mock wiring and may override it.
func newTestSetup(t *testing.T, opts ...Option) *testSetup {
	t.Helper()

	transport := newMockTransport(testChainID, testKey1)
	backend := newMockBackend(testChainID)

	all := append([]Option{
		WithTransport(transport),
		WithEthBackendFactory(func(ctx context.Context, rpcURL string) (EthBackend, error) {
			return backend, nil
		}),
	}, opts...)

	gw, err := NewGateway(testConfig(), all...)
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	t.Cleanup(func() { gw.Close() })

	return &testSetup{GW: gw, Transport: transport, Backend: backend}
}

// connectBrowser installs a browser provider and establishes the L1
// connection.
func (s *testSetup) connectBrowser(t *testing.T) *Connection {
	t.Helper()

	if err := s.GW.SetProviderConfig(ProviderConfig{Kind: ProviderBrowser}); err != nil {
		t.Fatalf("failed to set provider config: %v", err)
	}
	conn := s.GW.Connection()
	if _, err := conn.ConnectL1(context.Background()); err != nil {
		t.Fatalf("failed to connect L1: %v", err)
	}
	return conn
}

// connectL2 takes an L1-connected machine through rollup account
// derivation.
func (s *testSetup) connectL2(t *testing.T, conn *Connection) *L2AccountInfo {
	t.Helper()

	acc, err := conn.ConnectL2(context.Background())
	if err != nil {
		t.Fatalf("failed to connect L2: %v", err)
	}
	return acc
}

// unpackTopup decodes the calldata of a topup transaction sent through the
// mock transport.
func unpackTopup(t *testing.T, dataHex string) (tidx uint32, pid [2]uint64, amount *big.Int) {
	t.Helper()

	data, err := hexutil.Decode(dataHex)
	if err != nil {
		t.Fatalf("malformed tx data: %v", err)
	}
	method := depositProxyABI.Methods["topup"]
	if !bytes.Equal(data[:4], method.ID) {
		t.Fatalf("tx data is not a topup call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("failed to unpack topup args: %v", err)
	}
	return args[0].(uint32), [2]uint64{args[1].(uint64), args[2].(uint64)}, args[3].(*big.Int)
}

// unpackApprove decodes the calldata of an approve transaction sent through
// the mock transport.
func unpackApprove(t *testing.T, dataHex string) (spender common.Address, amount *big.Int) {
	t.Helper()

	data, err := hexutil.Decode(dataHex)
	if err != nil {
		t.Fatalf("malformed tx data: %v", err)
	}
	method := erc20ABI.Methods["approve"]
	if !bytes.Equal(data[:4], method.ID) {
		t.Fatalf("tx data is not an approve call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("failed to unpack approve args: %v", err)
	}
	return args[0].(common.Address), args[1].(*big.Int)
}
