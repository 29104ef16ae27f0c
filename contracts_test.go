package walletgate

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submitCall struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// stubSubmitter records SubmitTx calls without signing anything.
type stubSubmitter struct {
	mu    sync.Mutex
	from  common.Address
	hash  common.Hash
	err   error
	calls []submitCall
}

func (s *stubSubmitter) From() common.Address {
	return s.from
}

func (s *stubSubmitter) SubmitTx(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, submitCall{To: to, Value: value, Data: data})
	if s.err != nil {
		return common.Hash{}, s.err
	}
	return s.hash, nil
}

func TestContract_CallBigInt(t *testing.T) {
	backend := newMockBackend(testChainID)
	backend.setBalance(testAddr1, big.NewInt(42))
	token := NewContract(testTokenContract, erc20ABI, backend, nil)

	balance, err := token.CallBigInt(context.Background(), "balanceOf", testAddr1)
	require.NoError(t, err)
	assert.Zero(t, balance.Cmp(big.NewInt(42)))
}

func TestContract_CallBigInt_RejectsOtherResultShapes(t *testing.T) {
	backend := newMockBackend(testChainID)
	token := NewContract(testTokenContract, erc20ABI, backend, nil)

	// decimals() returns a uint8, not a uint256.
	_, err := token.CallBigInt(context.Background(), "decimals")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decimals: result is uint8, not *big.Int")

	// topup() returns nothing at all.
	proxy := NewContract(testDepositContract, depositProxyABI, backend, nil)
	_, err = proxy.CallBigInt(context.Background(), "topup", uint32(0), uint64(0), uint64(0), big.NewInt(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topup: expected 1 result, got 0")
}

func TestContract_Pack(t *testing.T) {
	token := NewContract(testTokenContract, erc20ABI, newMockBackend(testChainID), nil)

	data, err := token.Pack("balanceOf", testAddr1)
	require.NoError(t, err)
	assert.Equal(t, erc20ABI.Methods["balanceOf"].ID, data[:4])

	_, err = token.Pack("transferFrom", testAddr1)
	assert.Error(t, err, "method outside the bound interface")
}

func TestContract_Transact_PacksAndSubmits(t *testing.T) {
	sub := &stubSubmitter{from: testAddr1, hash: common.BigToHash(big.NewInt(0x1001))}
	proxy := NewContract(testDepositContract, depositProxyABI, newMockBackend(testChainID), sub)

	hash, err := proxy.Transact(context.Background(), "topup", uint32(1), uint64(2), uint64(3), big.NewInt(4))
	require.NoError(t, err)
	assert.Equal(t, sub.hash, hash)

	require.Len(t, sub.calls, 1)
	call := sub.calls[0]
	assert.Equal(t, testDepositContract, call.To)
	assert.Nil(t, call.Value, "contract calls carry no ether")

	method := depositProxyABI.Methods["topup"]
	require.Equal(t, method.ID, call.Data[:4])
	args, err := method.Inputs.Unpack(call.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), args[0])
	assert.Equal(t, uint64(2), args[1])
	assert.Equal(t, uint64(3), args[2])
	assert.Zero(t, args[3].(*big.Int).Cmp(big.NewInt(4)))
}

func TestContract_Transact_WithoutSigner(t *testing.T) {
	token := NewContract(testTokenContract, erc20ABI, newMockBackend(testChainID), nil)

	_, err := token.Transact(context.Background(), "approve", testAddr2, big.NewInt(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignerUnavailable)
	assert.Contains(t, err.Error(), "contract "+testTokenContract.Hex()+" bound without a signer")
}

func TestContract_Transact_BadArgsFailBeforeSubmit(t *testing.T) {
	sub := &stubSubmitter{from: testAddr1}
	token := NewContract(testTokenContract, erc20ABI, newMockBackend(testChainID), sub)

	_, err := token.Transact(context.Background(), "approve", "not an address")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "couldn't pack approve call")
	assert.Empty(t, sub.calls)
}

func TestWaitMined_ImmediateReceipt(t *testing.T) {
	backend := newMockBackend(testChainID)
	hash := common.BigToHash(big.NewInt(0x1001))

	// An hour-long interval only passes if the first check is immediate.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	receipt, err := WaitMined(ctx, backend, hash, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, hash, receipt.TxHash)
	assert.Len(t, backend.ReceiptCalls, 1)
}

func TestWaitMined_PollsUntilFound(t *testing.T) {
	backend := newMockBackend(testChainID)
	hash := common.BigToHash(big.NewInt(0x1001))

	var polls int
	backend.TransactionReceiptFn = func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
		polls++
		if polls < 3 {
			return nil, ethereum.NotFound
		}
		return newSuccessReceipt(txHash), nil
	}

	receipt, err := WaitMined(context.Background(), backend, hash, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, hash, receipt.TxHash)
	assert.GreaterOrEqual(t, polls, 3)
}

func TestWaitMined_GivesUpAtDeadline(t *testing.T) {
	backend := newMockBackend(testChainID)
	hash := common.BigToHash(big.NewInt(0x1001))
	backend.TransactionReceiptFn = func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
		return nil, ethereum.NotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := WaitMined(ctx, backend, hash, 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "gave up waiting for "+hash.Hex())
}

func TestWaitMined_BackendErrorAborts(t *testing.T) {
	backend := newMockBackend(testChainID)
	hash := common.BigToHash(big.NewInt(0x1001))
	backend.TransactionReceiptFn = func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
		return nil, errors.New("rpc down")
	}

	_, err := WaitMined(context.Background(), backend, hash, 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "couldn't check receipt of "+hash.Hex())
	assert.Len(t, backend.ReceiptCalls, 1, "only a missing receipt keeps the poll alive")
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals uint8
		want     string
	}{
		{"1.5", 6, "1500000"},
		{"0.000001", 6, "1"},
		{"1000", 6, "1000000000"},
		{"1.234567", 6, "1234567"},
		{".5", 6, "500000"},
		{"7", 0, "7"},
		{"  42  ", 6, "42000000"},
		{"0", 6, "0"},
	}
	for _, tc := range tests {
		t.Run(tc.amount, func(t *testing.T) {
			got, err := ParseUnits(tc.amount, tc.decimals)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestParseUnits_RejectsMalformedAmounts(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals uint8
		want     string
	}{
		{"empty", "", 6, "empty amount"},
		{"blank", "   ", 6, "empty amount"},
		{"too precise", "1.2345678", 6, "has more than 6 fractional digits"},
		{"fraction on integer token", "0.5", 0, "has more than 0 fractional digits"},
		{"not a number", "abc", 6, "not a non-negative decimal"},
		{"negative", "-1", 6, "not a non-negative decimal"},
		{"negative fraction", "1.-5", 6, "not a non-negative decimal"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseUnits(tc.amount, tc.decimals)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   *big.Int
		decimals uint8
		want     string
	}{
		{"whole and fraction", big.NewInt(1_500_000), 6, "1.5"},
		{"smallest unit", big.NewInt(1), 6, "0.000001"},
		{"trailing zeros trimmed", big.NewInt(1_000_000), 6, "1"},
		{"zero", big.NewInt(0), 6, "0"},
		{"nil", nil, 6, "0"},
		{"integer token", big.NewInt(7), 0, "7"},
		{"negative", big.NewInt(-1_500_000), 6, "-1.5"},
		{"full precision", big.NewInt(1_234_567), 6, "1.234567"},
		{"large", big.NewInt(1_000_000_000_000), 6, "1000000"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatUnits(tc.amount, tc.decimals))
		})
	}
}
