package walletgate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/zkforge/walletgate/idempotency"
)

// Deposit moves tokens from the connected L1 account into the rollup under
// the connected L2 account. The pipeline is:
//  1. validate the request. Nothing touches the network for a bad amount.
//  2. claim the idempotency key, if one is set. Retries of a finished
//     deposit observe the recorded outcome instead of submitting again.
//  3. make sure the wallet is on the configured chain. A rejected switch
//     is soft by default: the hook fires and the deposit proceeds on the
//     wallet's current chain. StrictNetworkSwitch aborts instead.
//  4. check balance, then allowance. When the allowance doesn't cover the
//     amount, approve the full token balance in a single transaction so
//     follow-up deposits skip the extra wallet prompt.
//  5. simulate the topup call and surface the decoded revert reason.
//  6. submit, track the pending deposit, wait for the receipt.
//
// The machine shows StateDeposit for the duration and returns to Ready
// unless the deposit tore the connection down (session expiry). A user
// rejecting a wallet prompt cancels silently: no error state, and the
// idempotency key is released for a clean retry.
func (c *Connection) Deposit(ctx context.Context, params DepositParams) (*DepositReceipt, error) {
	if c.gw.closed.Load() {
		return nil, typedErrf(ErrProviderClosed, nil, "gateway is closed")
	}

	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return nil, typedErrf(ErrDepositAmountInvalid, nil, "deposit amount must be positive")
	}
	if params.Amount.BitLen() > 128 {
		return nil, typedErrf(ErrDepositAmountInvalid, nil, "deposit amount exceeds uint128")
	}
	if params.TokenIndex > math.MaxUint32 {
		return nil, typedErrf(ErrDepositAmountInvalid, nil, "token index %d exceeds uint32", params.TokenIndex)
	}

	c.mu.Lock()
	st := c.state
	hasL1 := c.l1 != nil
	var l1 L1AccountInfo
	if hasL1 {
		l1 = *c.l1
	}
	l2 := c.l2
	c.mu.Unlock()

	if st == StateDeposit {
		return nil, fmt.Errorf("another deposit is in progress")
	}
	if st != StateReady || !hasL1 || l2 == nil {
		return nil, typedErrf(ErrNoAccountConnected, nil, "deposit requires a connected wallet and a derived rollup account (state %s)", st)
	}

	cfg := c.gw.Config()
	defaults := c.gw.Defaults()
	pid := l2.PID()
	from := l1.Address

	rec, replay, err := c.claimDeposit(params.IdempotencyKey, from, cfg.DepositContract)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		logger.WithFields(logger.Fields{
			"idempotency_key": params.IdempotencyKey,
			"tx_hash":         replay.Hash.Hex(),
		}).Info("deposit already completed, returning recorded receipt")
		return replay, nil
	}

	c.transition(func() {
		c.state = StateDeposit
		c.lastErr = nil
	})
	defer c.exitDeposit()

	p, err := c.gw.Provider()
	if err != nil {
		c.failDeposit(rec, err)
		return nil, err
	}

	depositChainID, err := c.ensureDepositNetwork(ctx, p, params.Hooks, defaults, cfg.ChainID)
	if err != nil {
		if IsSessionExpired(err) {
			c.releaseDeposit(rec)
			c.forceDisconnect(err)
			return nil, err
		}
		c.failDeposit(rec, err)
		return nil, err
	}

	token, err := p.Contract(ctx, cfg.TokenContract, erc20ABI, true)
	if err != nil {
		c.failDeposit(rec, err)
		return nil, err
	}
	proxy, err := p.Contract(ctx, cfg.DepositContract, depositProxyABI, true)
	if err != nil {
		c.failDeposit(rec, err)
		return nil, err
	}

	balance, err := c.callBigInt(ctx, token, defaults, "balanceOf", from)
	if err != nil {
		c.gw.RecordBackendFailure(depositChainID)
		c.failDeposit(rec, err)
		return nil, err
	}
	if balance.Cmp(params.Amount) < 0 {
		err = typedErrf(ErrInsufficientBalance, nil, "balance %s is below deposit amount %s", balance, params.Amount)
		c.failDeposit(rec, err)
		return nil, err
	}

	allowance, err := c.callBigInt(ctx, token, defaults, "allowance", from, cfg.DepositContract)
	if err != nil {
		c.gw.RecordBackendFailure(depositChainID)
		c.failDeposit(rec, err)
		return nil, err
	}

	if allowance.Cmp(params.Amount) < 0 {
		if err := c.approveFullBalance(ctx, token, params.Hooks, defaults, cfg.DepositContract, balance); err != nil {
			if IsSessionExpired(err) {
				c.releaseDeposit(rec)
				c.forceDisconnect(err)
				return nil, err
			}
			if IsUserRejection(err) {
				c.releaseDeposit(rec)
				return nil, err
			}
			c.failDeposit(rec, err)
			return nil, err
		}
	}

	// Simulate before asking the wallet to sign: a doomed deposit should
	// fail with a reason, not with a spent gas fee.
	callData, err := proxy.Pack("topup", uint32(params.TokenIndex), pid[0], pid[1], params.Amount)
	if err != nil {
		err = fmt.Errorf("couldn't pack topup call: %w", err)
		c.failDeposit(rec, err)
		return nil, err
	}
	if err := c.simulateDeposit(ctx, proxy, defaults, from, callData); err != nil {
		c.failDeposit(rec, err)
		return nil, err
	}

	txHash, err := proxy.Transact(ctx, "topup", uint32(params.TokenIndex), pid[0], pid[1], params.Amount)
	if err != nil {
		if IsSessionExpired(err) {
			c.releaseDeposit(rec)
			c.forceDisconnect(err)
			return nil, err
		}
		if IsUserRejection(err) {
			c.releaseDeposit(rec)
			return nil, err
		}
		c.failDeposit(rec, err)
		return nil, err
	}

	now := time.Now()
	pending := &PendingDeposit{
		Hash:       txHash,
		Wallet:     from,
		ChainID:    depositChainID,
		TokenIndex: params.TokenIndex,
		PID:        pid,
		Amount:     params.Amount,
		Status:     DepositStatusBroadcasted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.gw.depositStore.Save(ctx, pending); err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": txHash.Hex(),
			"error":   err,
		}).Warn("couldn't track pending deposit")
	}
	if rec != nil {
		rec.TxHash = txHash
		if err := c.gw.idemStore.Update(rec); err != nil {
			logger.WithFields(logger.Fields{
				"idempotency_key": rec.Key,
				"error":           err,
			}).Warn("couldn't record deposit hash on idempotency key")
		}
	}
	params.Hooks.submitted(txHash)

	logger.WithFields(logger.Fields{
		"tx_hash":     txHash.Hex(),
		"wallet":      from.Hex(),
		"chain_id":    depositChainID,
		"token_index": params.TokenIndex,
		"amount":      params.Amount.String(),
	}).Info("deposit submitted")

	rctx, cancel := context.WithTimeout(ctx, defaults.ReceiptTimeout)
	receipt, err := WaitMined(rctx, proxy.backend, txHash, defaults.ReceiptCheckInterval)
	cancel()
	if err != nil {
		// The tx may still mine. The record stays broadcasted and the
		// idempotency key stays pending; Recover picks it up later.
		c.gw.RecordBackendFailure(depositChainID)
		return nil, fmt.Errorf("deposit %s was submitted but its receipt did not arrive: %w", txHash.Hex(), err)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		err = typedErrf(ErrDepositReverted, nil, "deposit transaction %s reverted", txHash.Hex())
		if serr := c.gw.depositStore.UpdateStatus(ctx, txHash, DepositStatusReverted, receipt); serr != nil {
			logger.WithFields(logger.Fields{
				"tx_hash": txHash.Hex(),
				"error":   serr,
			}).Warn("couldn't mark deposit reverted")
		}
		c.failDeposit(rec, err)
		return nil, err
	}

	if serr := c.gw.depositStore.UpdateStatus(ctx, txHash, DepositStatusMined, receipt); serr != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": txHash.Hex(),
			"error":   serr,
		}).Warn("couldn't mark deposit mined")
	}
	if rec != nil {
		rec.Status = idempotency.StatusSucceeded
		rec.Receipt = receipt
		if err := c.gw.idemStore.Update(rec); err != nil {
			logger.WithFields(logger.Fields{
				"idempotency_key": rec.Key,
				"error":           err,
			}).Warn("couldn't record deposit success on idempotency key")
		}
	}
	params.Hooks.mined(receipt)

	logger.WithFields(logger.Fields{
		"tx_hash":  txHash.Hex(),
		"block":    receipt.BlockNumber,
		"gas_used": receipt.GasUsed,
	}).Info("deposit mined")

	return newDepositReceipt(receipt, from, cfg.DepositContract), nil
}

// exitDeposit returns the machine to Ready unless the deposit already
// forced a teardown.
func (c *Connection) exitDeposit() {
	c.mu.Lock()
	inDeposit := c.state == StateDeposit
	c.mu.Unlock()
	if inDeposit {
		c.transition(func() {
			c.state = StateReady
		})
	}
}

// claimDeposit claims the idempotency key. A replayed success returns its
// rebuilt receipt; a replayed failure returns the recorded error; an
// in-flight claim is an error. No key or no store disables idempotency.
func (c *Connection) claimDeposit(key string, from, to common.Address) (*idempotency.Record, *DepositReceipt, error) {
	store := c.gw.idemStore
	if key == "" || store == nil {
		return nil, nil, nil
	}

	rec, err := store.Create(key)
	if errors.Is(err, idempotency.ErrDuplicateKey) {
		switch rec.Status {
		case idempotency.StatusSucceeded:
			if rec.Receipt == nil {
				return nil, nil, fmt.Errorf("deposit %s already completed but no receipt was recorded", key)
			}
			return nil, newDepositReceipt(rec.Receipt, from, to), nil
		case idempotency.StatusPending:
			return nil, nil, fmt.Errorf("deposit %s is already in flight", key)
		default:
			if rec.Error != nil {
				return nil, nil, rec.Error
			}
			return nil, nil, fmt.Errorf("deposit %s previously failed", key)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't claim idempotency key %s: %w", key, err)
	}
	return rec, nil, nil
}

// releaseDeposit frees a claimed key after a cancellation, so the same key
// can retry cleanly.
func (c *Connection) releaseDeposit(rec *idempotency.Record) {
	if rec == nil {
		return
	}
	if err := c.gw.idemStore.Delete(rec.Key); err != nil {
		logger.WithFields(logger.Fields{
			"idempotency_key": rec.Key,
			"error":           err,
		}).Warn("couldn't release idempotency key")
	}
}

// failDeposit records cause on the claimed key. The machine itself stays
// recoverable; deposit failures do not enter an error state.
func (c *Connection) failDeposit(rec *idempotency.Record, cause error) {
	if rec == nil {
		return
	}
	rec.Status = idempotency.StatusFailed
	rec.Error = cause
	if err := c.gw.idemStore.Update(rec); err != nil {
		logger.WithFields(logger.Fields{
			"idempotency_key": rec.Key,
			"error":           err,
		}).Warn("couldn't record deposit failure on idempotency key")
	}
}

// ensureDepositNetwork asks the wallet to move to the configured chain
// when it is elsewhere. Refusals are soft by default: the hook fires, the
// deposit proceeds on the wallet's current chain. StrictNetworkSwitch
// turns a refusal into an abort. Returns the chain the deposit runs on.
func (c *Connection) ensureDepositNetwork(ctx context.Context, p Provider, hooks *DepositHooks, defaults GatewayDefaults, want uint64) (uint64, error) {
	nctx, cancel := context.WithTimeout(ctx, defaults.CallTimeout)
	chainID, err := p.NetworkID(nctx)
	cancel()
	if err != nil {
		return 0, err
	}
	if chainID == want {
		return chainID, nil
	}

	sctx, cancel := context.WithTimeout(ctx, defaults.SwitchTimeout)
	serr := p.SwitchNetwork(sctx, hexutil.EncodeUint64(want))
	cancel()
	if serr != nil {
		if IsSessionExpired(serr) {
			return 0, serr
		}
		hooks.networkSwitchFailed(serr)
		if defaults.StrictNetworkSwitch {
			return 0, serr
		}
		logger.WithFields(logger.Fields{
			"wallet_chain": chainID,
			"want_chain":   want,
			"error":        serr,
		}).Warn("network switch failed before deposit, proceeding on the wallet's chain")
		return chainID, nil
	}

	nctx, cancel = context.WithTimeout(ctx, defaults.CallTimeout)
	chainID, err = p.NetworkID(nctx)
	cancel()
	if err != nil {
		return 0, err
	}
	return chainID, nil
}

// approveFullBalance grants the deposit proxy the wallet's whole token
// balance and waits for the approval to mine.
func (c *Connection) approveFullBalance(ctx context.Context, token *Contract, hooks *DepositHooks, defaults GatewayDefaults, spender common.Address, balance *big.Int) error {
	txHash, err := token.Transact(ctx, "approve", spender, balance)
	if err != nil {
		return err
	}
	hooks.approveSubmitted(txHash)

	logger.WithFields(logger.Fields{
		"tx_hash": txHash.Hex(),
		"spender": spender.Hex(),
		"amount":  balance.String(),
	}).Info("token approval submitted")

	rctx, cancel := context.WithTimeout(ctx, defaults.ReceiptTimeout)
	receipt, err := WaitMined(rctx, token.backend, txHash, defaults.ReceiptCheckInterval)
	cancel()
	if err != nil {
		return fmt.Errorf("approval %s did not mine: %w", txHash.Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return typedErrf(ErrApproveReverted, nil, "approval transaction %s reverted", txHash.Hex())
	}
	hooks.approveMined(receipt)
	return nil
}

// simulateDeposit runs the topup call at the pending state and decodes the
// revert reason on failure.
func (c *Connection) simulateDeposit(ctx context.Context, proxy *Contract, defaults GatewayDefaults, from common.Address, callData []byte) error {
	to := proxy.Address()
	msg := ethereum.CallMsg{
		From: from,
		To:   &to,
		Data: callData,
	}

	cctx, cancel := context.WithTimeout(ctx, defaults.CallTimeout)
	_, err := proxy.backend.CallContract(cctx, msg, nil)
	cancel()
	if err == nil {
		return nil
	}

	reason := err.Error()
	if dec := newDepositErrorDecoder(); dec != nil {
		reason = dec.RevertReason(err)
	}
	return typedErrf(ErrDepositReverted, err, "deposit would revert: %s", reason)
}

// newDepositErrorDecoder builds a decoder over the ABIs a deposit touches.
func newDepositErrorDecoder() *ErrorDecoder {
	dec, err := NewErrorDecoder(erc20ABI, depositProxyABI)
	if err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Error("Failed to create error decoder. Ignore and continue")
		return nil
	}
	return dec
}

func (c *Connection) callBigInt(ctx context.Context, contract *Contract, defaults GatewayDefaults, method string, args ...interface{}) (*big.Int, error) {
	cctx, cancel := context.WithTimeout(ctx, defaults.CallTimeout)
	defer cancel()
	return contract.CallBigInt(cctx, method, args...)
}
