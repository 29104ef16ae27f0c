package walletgate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Built-in ABI fragments for the two contracts every deployment has: the
// ERC-20 settlement token and the rollup's deposit proxy.
const (
	erc20ABIJSON = `[
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
	]`

	depositProxyABIJSON = `[
		{"name":"topup","type":"function","stateMutability":"nonpayable","inputs":[{"name":"tidx","type":"uint32"},{"name":"pid1","type":"uint64"},{"name":"pid2","type":"uint64"},{"name":"amount","type":"uint128"}],"outputs":[]}
	]`
)

var (
	erc20ABI        = mustParseABI(erc20ABIJSON)
	depositProxyABI = mustParseABI(depositProxyABIJSON)
)

func mustParseABI(jsonABI string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(jsonABI))
	if err != nil {
		panic(fmt.Sprintf("invalid built-in abi: %v", err))
	}
	return parsed
}

// Contract is a deployed contract bound to a backend for reads and,
// optionally, a submitter for state-changing calls.
type Contract struct {
	address     common.Address
	contractABI abi.ABI
	backend     EthBackend
	submit      TxSubmitter
	bound       *bind.BoundContract
}

// NewContract binds a contract. A nil submit yields a read-only binding
// whose Transact returns ErrSignerUnavailable.
func NewContract(address common.Address, contractABI abi.ABI, backend EthBackend, submit TxSubmitter) *Contract {
	return &Contract{
		address:     address,
		contractABI: contractABI,
		backend:     backend,
		submit:      submit,
		bound:       bind.NewBoundContract(address, contractABI, backend, backend, backend),
	}
}

func (c *Contract) Address() common.Address {
	return c.address
}

// ABI returns the parsed interface the contract was bound with.
func (c *Contract) ABI() abi.ABI {
	return c.contractABI
}

// Call performs a read-only method call at the latest block.
func (c *Contract) Call(ctx context.Context, out *[]interface{}, method string, args ...interface{}) error {
	return c.bound.Call(&bind.CallOpts{Context: ctx}, out, method, args...)
}

// CallBigInt is Call for the common single-uint256 result shape.
func (c *Contract) CallBigInt(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := c.Call(ctx, &out, method, args...); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: expected 1 result, got %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: result is %T, not *big.Int", method, out[0])
	}
	return v, nil
}

// Pack encodes a method call without sending it, for simulation.
func (c *Contract) Pack(method string, args ...interface{}) ([]byte, error) {
	return c.contractABI.Pack(method, args...)
}

// Transact packs and submits a state-changing call through the bound
// submitter and returns the transaction hash.
func (c *Contract) Transact(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	if c.submit == nil {
		return common.Hash{}, typedErrf(ErrSignerUnavailable, nil, "contract %s bound without a signer", c.address.Hex())
	}
	data, err := c.contractABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("couldn't pack %s call: %w", method, err)
	}
	return c.submit.SubmitTx(ctx, c.address, nil, data)
}

// WaitMined polls for the receipt of txHash until it lands or ctx expires.
// A not-yet-found transaction keeps polling; other backend errors abort.
func WaitMined(ctx context.Context, backend EthBackend, txHash common.Hash, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = DefaultReceiptCheckInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("couldn't check receipt of %s: %w", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up waiting for %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// ParseUnits converts a human-readable decimal amount into base units.
// Fractional digits beyond the token's precision are rejected, not
// silently truncated.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}

	intPart := amount
	fracPart := ""
	if i := strings.IndexByte(amount, '.'); i >= 0 {
		intPart, fracPart = amount[:i], amount[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > int(decimals) {
		return nil, fmt.Errorf("amount %q has more than %d fractional digits", amount, decimals)
	}

	whole, ok := new(big.Int).SetString(intPart, 10)
	if !ok || whole.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is not a non-negative decimal", amount)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	result := new(big.Int).Mul(whole, scale)

	if fracPart != "" {
		frac, ok := new(big.Int).SetString(fracPart, 10)
		if !ok || frac.Sign() < 0 {
			return nil, fmt.Errorf("amount %q is not a non-negative decimal", amount)
		}
		// Scale the fraction up to full precision before adding.
		pad := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(int(decimals)-len(fracPart))), nil)
		result.Add(result, frac.Mul(frac, pad))
	}

	return result, nil
}

// FormatUnits renders a base-unit amount as a decimal string, trimming
// trailing fractional zeros.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	if decimals == 0 {
		return amount.String()
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(new(big.Int).Abs(amount), scale, new(big.Int))

	sign := ""
	if amount.Sign() < 0 {
		sign = "-"
	}
	if frac.Sign() == 0 {
		return sign + whole.String()
	}

	fracStr := frac.String()
	for len(fracStr) < int(decimals) {
		fracStr = "0" + fracStr
	}
	fracStr = strings.TrimRight(fracStr, "0")
	return sign + whole.String() + "." + fracStr
}
