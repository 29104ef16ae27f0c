package walletgate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// RecoveryOptions tunes startup reconciliation.
type RecoveryOptions struct {
	// MaxConcurrentChecks caps parallel receipt lookups.
	MaxConcurrentChecks int

	// DropAfter marks a broadcasted deposit dropped when the chain does
	// not know its hash and the record is at least this old. Zero never
	// drops; unknown deposits stay broadcasted.
	DropAfter time.Duration

	OnDepositMined    func(dep *PendingDeposit, receipt *types.Receipt)
	OnDepositReverted func(dep *PendingDeposit, receipt *types.Receipt)
	OnDepositDropped  func(dep *PendingDeposit)
	OnSessionExpired  func(sess *WalletSession)
}

// DefaultRecoveryOptions returns the options Recover uses.
func DefaultRecoveryOptions() RecoveryOptions {
	return RecoveryOptions{
		MaxConcurrentChecks: 5,
		DropAfter:           24 * time.Hour,
	}
}

// RecoveryResult reports what recovery found and did.
type RecoveryResult struct {
	ExpiredSessions  int
	MinedDeposits    int
	RevertedDeposits int
	DroppedDeposits  int
	StillPending     int
	Errors           []error
}

// Recover runs RecoverWithOptions with DefaultRecoveryOptions.
func (gw *Gateway) Recover(ctx context.Context) (*RecoveryResult, error) {
	return gw.RecoverWithOptions(ctx, DefaultRecoveryOptions())
}

// RecoverWithOptions reconciles persisted state with the chain after a
// crash or restart.
//
//	Step 1: the persisted wallet session is deleted if it expired, so the
//	        next connect starts a fresh pairing instead of failing restore.
//	Step 2: broadcasted deposits are checked against the chain and moved
//	        to mined, reverted or dropped. Per-deposit failures land in
//	        Errors and do not stop the sweep.
//
// Call it once during application startup, before new operations.
func (gw *Gateway) RecoverWithOptions(ctx context.Context, opts RecoveryOptions) (*RecoveryResult, error) {
	result := &RecoveryResult{}

	if gw.sessionStore != nil {
		if err := gw.recoverSessions(ctx, opts, result); err != nil {
			return result, err
		}
	}

	if gw.depositStore != nil {
		if err := gw.recoverDeposits(ctx, opts, result); err != nil {
			return result, err
		}
	}

	return result, nil
}

// recoverSessions drops the active session when it expired while the
// process was down.
func (gw *Gateway) recoverSessions(ctx context.Context, opts RecoveryOptions, result *RecoveryResult) error {
	sess, err := gw.sessionStore.LoadActive(ctx)
	if err != nil {
		return err
	}
	if sess == nil || !sess.Expired(time.Now()) {
		return nil
	}

	if err := gw.sessionStore.Delete(ctx, sess.Topic); err != nil {
		result.Errors = append(result.Errors, err)
		return nil
	}
	result.ExpiredSessions++

	logger.WithFields(logger.Fields{
		"topic":      sess.Topic,
		"expired_at": sess.ExpiresAt,
	}).Info("removed expired wallet session")

	if opts.OnSessionExpired != nil {
		opts.OnSessionExpired(sess)
	}
	return nil
}

// recoverDeposits checks every broadcasted deposit against the chain,
// bounded by MaxConcurrentChecks.
func (gw *Gateway) recoverDeposits(ctx context.Context, opts RecoveryOptions, result *RecoveryResult) error {
	pending, err := gw.depositStore.ListAllPending(ctx)
	if err != nil {
		return err
	}

	maxConcurrent := opts.MaxConcurrentChecks
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	var ctxErr error
loop:
	for _, dep := range pending {
		select {
		case <-ctx.Done():
			ctxErr = ctx.Err()
			break loop
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(dep *PendingDeposit) {
			defer wg.Done()
			defer func() { <-sem }()
			gw.checkDeposit(ctx, dep, opts, result, &mu)
		}(dep)
	}

	wg.Wait()
	return ctxErr
}

func (gw *Gateway) checkDeposit(ctx context.Context, dep *PendingDeposit, opts RecoveryOptions, result *RecoveryResult, mu *sync.Mutex) {
	backend, err := gw.Backend(ctx, dep.ChainID)
	if err != nil {
		mu.Lock()
		result.Errors = append(result.Errors, err)
		mu.Unlock()
		return
	}

	receipt, err := backend.TransactionReceipt(ctx, dep.Hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			gw.handleUnknownDeposit(ctx, dep, opts, result, mu)
			return
		}
		gw.RecordBackendFailure(dep.ChainID)
		mu.Lock()
		result.Errors = append(result.Errors, err)
		mu.Unlock()
		return
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		_ = gw.depositStore.UpdateStatus(ctx, dep.Hash, DepositStatusMined, receipt)
		mu.Lock()
		result.MinedDeposits++
		mu.Unlock()
		if opts.OnDepositMined != nil {
			opts.OnDepositMined(dep, receipt)
		}
		return
	}

	_ = gw.depositStore.UpdateStatus(ctx, dep.Hash, DepositStatusReverted, receipt)
	mu.Lock()
	result.RevertedDeposits++
	mu.Unlock()
	if opts.OnDepositReverted != nil {
		opts.OnDepositReverted(dep, receipt)
	}
}

// handleUnknownDeposit decides between "still propagating" and "gone".
// Nodes forget dropped transactions, so age is the only usable signal.
func (gw *Gateway) handleUnknownDeposit(ctx context.Context, dep *PendingDeposit, opts RecoveryOptions, result *RecoveryResult, mu *sync.Mutex) {
	if opts.DropAfter > 0 && time.Since(dep.CreatedAt) >= opts.DropAfter {
		_ = gw.depositStore.UpdateStatus(ctx, dep.Hash, DepositStatusDropped, nil)
		mu.Lock()
		result.DroppedDeposits++
		mu.Unlock()

		logger.WithFields(logger.Fields{
			"tx_hash":    dep.Hash.Hex(),
			"wallet":     dep.Wallet.Hex(),
			"created_at": dep.CreatedAt,
		}).Info("dropped stale pending deposit")

		if opts.OnDepositDropped != nil {
			opts.OnDepositDropped(dep)
		}
		return
	}

	mu.Lock()
	result.StillPending++
	mu.Unlock()
}
