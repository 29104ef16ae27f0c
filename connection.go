package walletgate

import (
	"context"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// connSubscriberBuffer is the per-subscriber snapshot queue. Slow
// subscribers lose intermediate snapshots, never the machine itself.
const connSubscriberBuffer = 8

// Connection reconciles the gateway's view of the wallet with the wallet
// itself. The wallet is authoritative: whenever it reports a different
// account than the one recorded here, the recorded accounts are dropped
// and the machine returns to initial.
//
// All methods are safe for concurrent use. State transitions are fanned
// out to subscribers as immutable snapshots.
type Connection struct {
	gw *Gateway

	mu        sync.Mutex
	state     ConnState
	l1        *L1AccountInfo
	l2        *L2AccountInfo
	lastErr   error
	nextSubID int
	subs      map[int]chan ConnectionSnapshot
	watcher   *accountWatcher
}

func newConnection(gw *Gateway) *Connection {
	return &Connection{
		gw:    gw,
		state: StateInitial,
		subs:  make(map[int]chan ConnectionSnapshot),
	}
}

// Snapshot returns the current state of the machine.
func (c *Connection) Snapshot() ConnectionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// State returns the current machine state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether an L1 account is currently reconciled.
func (c *Connection) IsConnected() bool {
	return c.Snapshot().IsConnected()
}

// IsL2Connected reports whether both layers are connected.
func (c *Connection) IsL2Connected() bool {
	return c.Snapshot().IsL2Connected()
}

// Address returns the reconciled L1 account address.
func (c *Connection) Address() (common.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.l1 == nil {
		return common.Address{}, false
	}
	return c.l1.Address, true
}

// ChainID returns the chain the L1 account was reconciled on.
func (c *Connection) ChainID() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.l1 == nil {
		return 0, false
	}
	return c.l1.ChainID, true
}

// L1Account returns a copy of the reconciled L1 account record.
func (c *Connection) L1Account() (*L1AccountInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.l1 == nil {
		return nil, false
	}
	l1 := *c.l1
	return &l1, true
}

// L2Account returns the derived rollup account once L2 is connected.
func (c *Connection) L2Account() (*L2AccountInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l2, c.l2 != nil
}

// PlayerID returns the rollup player id words once L2 is connected.
func (c *Connection) PlayerID() ([2]uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.l2 == nil {
		return [2]uint64{}, false
	}
	return c.l2.PID(), true
}

// Subscribe registers a snapshot channel, primed with the current state.
// The returned func unregisters it.
func (c *Connection) Subscribe() (<-chan ConnectionSnapshot, func()) {
	ch := make(chan ConnectionSnapshot, connSubscriberBuffer)

	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = ch
	snap := c.snapshotLocked()
	c.mu.Unlock()

	ch <- snap

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// ConnectL1 establishes the wallet link and reconciles the L1 account.
// Safe to call from any state: a previously built provider instance is
// torn down first so a stale wallet handle cannot serve the new attempt.
//
// A user rejecting the wallet prompt is not an error state; the machine
// returns to initial and the rejection is only reported to the caller.
func (c *Connection) ConnectL1(ctx context.Context) (*L1AccountInfo, error) {
	if c.gw.closed.Load() {
		return nil, typedErrf(ErrProviderClosed, nil, "gateway is closed")
	}

	defaults := c.gw.Defaults()
	cfg := c.gw.Config()

	c.stopWatcher()
	c.gw.registry.ClearInstance()

	c.transition(func() {
		c.state = StateLoadingL1
		c.l1 = nil
		c.l2 = nil
		c.lastErr = nil
	})

	p, err := c.gw.Provider()
	if err != nil {
		c.failL1(err)
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, defaults.ConnectTimeout)
	addr, err := p.Connect(cctx)
	cancel()
	if err != nil {
		if IsSessionExpired(err) {
			c.forceDisconnect(err)
			return nil, err
		}
		if IsUserRejection(err) {
			c.transition(func() {
				c.state = StateInitial
				c.lastErr = nil
			})
			return nil, err
		}
		c.failL1(err)
		return nil, err
	}

	chainID, err := c.providerChainID(ctx, p, defaults)
	if err != nil {
		c.failL1(err)
		return nil, err
	}

	// The wallet must end up on the configured chain. Asking is mandatory;
	// the wallet staying put is an error state, not a preference.
	if chainID != cfg.ChainID {
		sctx, cancel := context.WithTimeout(ctx, defaults.SwitchTimeout)
		serr := p.SwitchNetwork(sctx, hexutil.EncodeUint64(cfg.ChainID))
		cancel()
		if serr != nil {
			if IsSessionExpired(serr) {
				c.forceDisconnect(serr)
				return nil, serr
			}
			c.failL1(serr)
			return nil, serr
		}

		chainID, err = c.providerChainID(ctx, p, defaults)
		if err != nil {
			c.failL1(err)
			return nil, err
		}
		if chainID != cfg.ChainID {
			err = typedErrf(ErrNetworkMismatch, nil, "wallet reports chain %d after switching to %d", chainID, cfg.ChainID)
			c.failL1(err)
			return nil, err
		}
	}

	l1 := &L1AccountInfo{Address: addr, ChainID: chainID}
	c.transition(func() {
		c.state = StateReady
		c.l1 = l1
		c.lastErr = nil
	})
	c.startWatcher(p, defaults.DebounceInterval)

	logger.WithFields(logger.Fields{
		"address":  addr.Hex(),
		"chain_id": chainID,
		"kind":     p.Kind().String(),
	}).Info("l1 account connected")

	result := *l1
	return &result, nil
}

// ConnectL2 derives the rollup account from a wallet signature over the
// application name. Requires an established L1 connection; retrying after
// a failed derivation is allowed.
func (c *Connection) ConnectL2(ctx context.Context) (*L2AccountInfo, error) {
	if c.gw.closed.Load() {
		return nil, typedErrf(ErrProviderClosed, nil, "gateway is closed")
	}

	c.mu.Lock()
	if c.l1 == nil || (c.state != StateReady && c.state != StateL2AccountError) {
		st := c.state
		c.mu.Unlock()
		return nil, typedErrf(ErrNoAccountConnected, nil, "connect the wallet before deriving the rollup account (state %s)", st)
	}
	l1 := *c.l1
	c.mu.Unlock()

	defaults := c.gw.Defaults()
	message := []byte(c.gw.Config().AppName)

	p, err := c.gw.Provider()
	if err != nil {
		c.failL2(err)
		return nil, err
	}

	c.transition(func() {
		c.state = StateLoadingL2
		c.lastErr = nil
	})

	sctx, cancel := context.WithTimeout(ctx, defaults.SignTimeout)
	sig, err := p.Sign(sctx, message)
	cancel()
	if err != nil {
		if IsSessionExpired(err) {
			c.forceDisconnect(err)
			return nil, err
		}
		if IsUserRejection(err) {
			c.transition(func() {
				c.state = StateReady
				c.lastErr = nil
			})
			return nil, err
		}
		c.failL2(err)
		return nil, err
	}

	// The signature must come from the reconciled account, not whatever
	// account the wallet happens to hold now.
	if err := verifyPersonalSignature(l1.Address, message, sig); err != nil {
		c.failL2(err)
		return nil, err
	}

	acc, err := DeriveL2Account(sig)
	if err != nil {
		c.failL2(err)
		return nil, err
	}

	c.transition(func() {
		c.state = StateReady
		c.l2 = acc
		c.lastErr = nil
	})

	pid := acc.PID()
	logger.WithFields(logger.Fields{
		"address": l1.Address.Hex(),
		"pid_1":   pid[0],
		"pid_2":   pid[1],
	}).Info("l2 account derived")

	return acc, nil
}

// Disconnect tears the connection down, forgets the persisted session and
// returns the machine to initial.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.stopWatcher()
	c.gw.registry.ClearInstance()
	c.deleteActiveSession(ctx)
	c.transition(func() {
		c.state = StateInitial
		c.l1 = nil
		c.l2 = nil
		c.lastErr = nil
	})
	logger.WithFields(logger.Fields{
		"kind": "user",
	}).Info("wallet disconnected")
	return nil
}

// forceDisconnect is Disconnect for failures the connection cannot
// survive, session expiry above all. The cause stays visible in the
// snapshot so the application can tell a forced teardown apart from a
// user-requested one.
func (c *Connection) forceDisconnect(cause error) {
	c.stopWatcher()
	c.gw.registry.ClearInstance()
	c.deleteActiveSession(context.Background())
	c.transition(func() {
		c.state = StateInitial
		c.l1 = nil
		c.l2 = nil
		c.lastErr = cause
	})
	logger.WithFields(logger.Fields{
		"error": cause,
	}).Warn("connection torn down")
}

// resetAccounts drops the reconciled accounts after the wallet reported a
// different account or none at all. The provider instance stays alive: the
// wallet link itself is healthy, it just no longer serves the account the
// machine reconciled against.
func (c *Connection) resetAccounts(reason string) {
	c.transition(func() {
		c.state = StateInitial
		c.l1 = nil
		c.l2 = nil
		c.lastErr = nil
	})
	logger.WithFields(logger.Fields{
		"reason": reason,
	}).Info("wallet account diverged, connection reset")
}

// shutdown stops background work without touching persisted state. Used by
// Gateway.Close.
func (c *Connection) shutdown() {
	c.stopWatcher()
}

func (c *Connection) providerChainID(ctx context.Context, p Provider, defaults GatewayDefaults) (uint64, error) {
	nctx, cancel := context.WithTimeout(ctx, defaults.CallTimeout)
	defer cancel()
	return p.NetworkID(nctx)
}

func (c *Connection) failL1(err error) {
	c.transition(func() {
		c.state = StateL1AccountError
		c.lastErr = err
	})
	logger.WithFields(logger.Fields{
		"error": err,
	}).Error("l1 connection failed")
}

func (c *Connection) failL2(err error) {
	c.transition(func() {
		c.state = StateL2AccountError
		c.lastErr = err
	})
	logger.WithFields(logger.Fields{
		"error": err,
	}).Error("l2 derivation failed")
}

func (c *Connection) deleteActiveSession(ctx context.Context) {
	store := c.gw.sessionStore
	if store == nil {
		return
	}
	sess, err := store.LoadActive(ctx)
	if err != nil || sess == nil {
		return
	}
	if err := store.Delete(ctx, sess.Topic); err != nil {
		logger.WithFields(logger.Fields{
			"topic": sess.Topic,
			"error": err,
		}).Warn("couldn't delete persisted session")
	}
}

func (c *Connection) startWatcher(p Provider, debounce time.Duration) {
	w := newAccountWatcher(c, p, debounce)
	c.mu.Lock()
	old := c.watcher
	c.watcher = w
	c.mu.Unlock()
	if old != nil {
		old.stop()
	}
	w.start()
}

func (c *Connection) stopWatcher() {
	c.mu.Lock()
	w := c.watcher
	c.watcher = nil
	c.mu.Unlock()
	if w != nil {
		w.stop()
	}
}

// transition applies fn under the lock, then fans the resulting snapshot
// out. Subscriber sends never block; a full subscriber loses the snapshot.
func (c *Connection) transition(fn func()) {
	c.mu.Lock()
	fn()
	snap := c.snapshotLocked()
	targets := make([]chan ConnectionSnapshot, 0, len(c.subs))
	for _, ch := range c.subs {
		targets = append(targets, ch)
	}
	c.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- snap:
		default:
			logger.WithFields(logger.Fields{
				"state": snap.State.String(),
			}).Warn("dropping connection snapshot for slow subscriber")
		}
	}

	logger.WithFields(logger.Fields{
		"state": snap.State.String(),
	}).Debug("connection state changed")
}

func (c *Connection) snapshotLocked() ConnectionSnapshot {
	snap := ConnectionSnapshot{
		State: c.state,
		L2:    c.l2,
		Err:   c.lastErr,
	}
	if c.l1 != nil {
		l1 := *c.l1
		snap.L1 = &l1
	}
	return snap
}

// verifyPersonalSignature checks that sig over message recovers signer.
// Wallets return V as 27/28 per the eth_sign convention; recovery wants
// 0/1.
func verifyPersonalSignature(signer common.Address, message, sig []byte) error {
	if len(sig) != crypto.SignatureLength {
		return typedErrf(ErrSignerUnavailable, nil, "unexpected signature length %d", len(sig))
	}
	norm := make([]byte, len(sig))
	copy(norm, sig)
	if norm[crypto.RecoveryIDOffset] >= 27 {
		norm[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), norm)
	if err != nil {
		return typedErrf(ErrSignerUnavailable, err, "couldn't recover the signing key")
	}
	if got := crypto.PubkeyToAddress(*pub); got != signer {
		return typedErrf(ErrNoAccountConnected, nil, "signature came from %s, expected %s", got.Hex(), signer.Hex())
	}
	return nil
}
