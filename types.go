package walletgate

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Per-operation timeout defaults. Every wallet operation runs under an
// explicit deadline for its kind instead of ad hoc races; all of these can
// be overridden through GatewayDefaults.
const (
	DefaultConnectTimeout       = 30 * time.Second
	DefaultSignTimeout          = 90 * time.Second // includes the wallet popup wait
	DefaultSwitchTimeout        = 20 * time.Second
	DefaultCallTimeout          = 15 * time.Second
	DefaultReceiptTimeout       = 5 * time.Minute
	DefaultReceiptCheckInterval = 5 * time.Second

	// Session restore on page/process start may race the wallet side's own
	// reconnect. Connect polls for the transport to settle before giving up.
	DefaultSettleTimeout      = 5 * time.Second
	DefaultSettlePollInterval = 250 * time.Millisecond

	// The reconciliation watcher coalesces wallet events for this long
	// before comparing wallet state against the stored account record.
	DefaultDebounceInterval = 100 * time.Millisecond

	DefaultSessionTTL = 7 * 24 * time.Hour

	// How long deposit idempotency records are kept. Long enough to cover
	// any realistic client retry, short enough that keys can be reused
	// across days without manual cleanup.
	DefaultIdempotencyTTL = 24 * time.Hour
)

// GatewayDefaults holds configuration values inherited by every operation
// started through the gateway.
type GatewayDefaults struct {
	ConnectTimeout time.Duration
	SignTimeout    time.Duration
	SwitchTimeout  time.Duration
	CallTimeout    time.Duration

	ReceiptTimeout       time.Duration
	ReceiptCheckInterval time.Duration

	SettleTimeout      time.Duration
	SettlePollInterval time.Duration

	DebounceInterval time.Duration
	SessionTTL       time.Duration

	// StrictNetworkSwitch aborts a deposit when the pre-deposit network
	// switch is rejected. The default is the soft-fail policy: log, invoke
	// the hook and proceed on the wallet's current network.
	StrictNetworkSwitch bool
}

// DefaultGatewayDefaults returns the defaults applied by NewGateway before
// options run.
func DefaultGatewayDefaults() GatewayDefaults {
	return GatewayDefaults{
		ConnectTimeout:       DefaultConnectTimeout,
		SignTimeout:          DefaultSignTimeout,
		SwitchTimeout:        DefaultSwitchTimeout,
		CallTimeout:          DefaultCallTimeout,
		ReceiptTimeout:       DefaultReceiptTimeout,
		ReceiptCheckInterval: DefaultReceiptCheckInterval,
		SettleTimeout:        DefaultSettleTimeout,
		SettlePollInterval:   DefaultSettlePollInterval,
		DebounceInterval:     DefaultDebounceInterval,
		SessionTTL:           DefaultSessionTTL,
	}
}

// ConnState is the reconciled connection status exposed to the hosting
// application. Ready covers both the L1-only and the L1+L2 case; the two
// are distinguished by the presence of the L2 account in the snapshot.
type ConnState int

const (
	StateInitial ConnState = iota
	StateLoadingL1
	StateL1AccountError
	StateReady
	StateLoadingL2
	StateL2AccountError
	StateDeposit
)

func (s ConnState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateLoadingL1:
		return "loading_l1"
	case StateL1AccountError:
		return "l1_account_error"
	case StateReady:
		return "ready"
	case StateLoadingL2:
		return "loading_l2"
	case StateL2AccountError:
		return "l2_account_error"
	case StateDeposit:
		return "deposit"
	default:
		return "unknown"
	}
}

// L1AccountInfo reflects an unlocked, network-connected wallet account.
// It is valid only while the wallet itself still reports the same address;
// the reconciliation watcher invalidates it on divergence.
type L1AccountInfo struct {
	Address common.Address
	ChainID uint64
}

// ConnectionSnapshot is an immutable view of the connection state machine,
// delivered to subscribers on every transition.
type ConnectionSnapshot struct {
	State ConnState
	L1    *L1AccountInfo
	L2    *L2AccountInfo
	// Err is the typed error that drove the last transition into an error
	// state, nil otherwise. User rejections are never recorded here.
	Err error
}

// IsConnected reports whether an L1 account is currently valid.
func (s ConnectionSnapshot) IsConnected() bool {
	return s.L1 != nil
}

// IsL2Connected reports whether both layers are connected.
func (s ConnectionSnapshot) IsL2Connected() bool {
	return s.L1 != nil && s.L2 != nil
}

// WalletEventType enumerates the EIP-1193 notifications a transport can
// push to the SDK.
type WalletEventType string

const (
	EventAccountsChanged WalletEventType = "accountsChanged"
	EventChainChanged    WalletEventType = "chainChanged"
	EventDisconnect      WalletEventType = "disconnect"
)

// WalletEvent is a single notification from the wallet side.
type WalletEvent struct {
	Type     WalletEventType
	Accounts []common.Address // accountsChanged
	ChainID  uint64           // chainChanged
}

// AccountChangeFunc receives the wallet's current account list whenever it
// changes. An empty slice means the wallet disconnected.
type AccountChangeFunc func(accounts []common.Address)

// DepositParams describes one deposit attempt. Amount is in the token's
// base units; use ParseUnits to convert human-readable decimal input.
type DepositParams struct {
	TokenIndex uint64
	Amount     *big.Int

	// IdempotencyKey, when set and an idempotency store is configured,
	// makes retries of the same logical deposit return the recorded
	// outcome instead of submitting again.
	IdempotencyKey string

	Hooks *DepositHooks
}

// DepositHooks are observation points in the deposit pipeline. All fields
// are optional.
type DepositHooks struct {
	OnNetworkSwitchFailed func(err error)
	OnApproveSubmitted    func(txHash common.Hash)
	OnApproveMined        func(receipt *types.Receipt)
	OnSubmitted           func(txHash common.Hash)
	OnMined               func(receipt *types.Receipt)
}

func (h *DepositHooks) networkSwitchFailed(err error) {
	if h != nil && h.OnNetworkSwitchFailed != nil {
		h.OnNetworkSwitchFailed(err)
	}
}

func (h *DepositHooks) approveSubmitted(txHash common.Hash) {
	if h != nil && h.OnApproveSubmitted != nil {
		h.OnApproveSubmitted(txHash)
	}
}

func (h *DepositHooks) approveMined(receipt *types.Receipt) {
	if h != nil && h.OnApproveMined != nil {
		h.OnApproveMined(receipt)
	}
}

func (h *DepositHooks) submitted(txHash common.Hash) {
	if h != nil && h.OnSubmitted != nil {
		h.OnSubmitted(txHash)
	}
}

func (h *DepositHooks) mined(receipt *types.Receipt) {
	if h != nil && h.OnMined != nil {
		h.OnMined(receipt)
	}
}

// DepositReceipt is the serializable outcome of a confirmed deposit.
type DepositReceipt struct {
	Hash        common.Hash    `json:"hash"`
	BlockNumber uint64         `json:"block_number"`
	BlockHash   common.Hash    `json:"block_hash"`
	GasUsed     uint64         `json:"gas_used"`
	Status      uint64         `json:"status"`
	To          common.Address `json:"to"`
	From        common.Address `json:"from"`
}

// newDepositReceipt flattens a chain receipt into the serializable form.
// To and From come from the submitted call, not the receipt: chain
// receipts do not carry them.
func newDepositReceipt(r *types.Receipt, from, to common.Address) *DepositReceipt {
	dr := &DepositReceipt{
		Hash:    r.TxHash,
		GasUsed: r.GasUsed,
		Status:  r.Status,
		To:      to,
		From:    from,
	}
	if r.BlockNumber != nil {
		dr.BlockNumber = r.BlockNumber.Uint64()
	}
	dr.BlockHash = r.BlockHash
	return dr
}
