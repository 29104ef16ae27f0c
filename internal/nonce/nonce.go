// Package nonce coordinates transaction nonces for locally signing
// wallets. The chain only knows about broadcast transactions; this tracker
// also remembers nonces handed out to in-flight builds so concurrent
// submissions from one wallet never collide.
package nonce

import (
	"context"
	"fmt"
	"sync"
)

// FetchFunc asks the chain for the wallet's next usable nonce, typically
// backed by PendingNonceAt.
type FetchFunc func(ctx context.Context) (uint64, error)

type walletState struct {
	mu sync.Mutex

	// next is the lowest nonce not yet handed out. Valid only after the
	// first successful fetch.
	fetched bool
	next    uint64

	// reserved holds nonces handed out but not yet released or consumed.
	reserved map[uint64]struct{}
}

// Tracker hands out per-wallet, per-chain nonces. Safe for concurrent use;
// operations on different wallets never block each other.
type Tracker struct {
	mu      sync.Mutex
	wallets map[string]*walletState
}

func NewTracker() *Tracker {
	return &Tracker{
		wallets: make(map[string]*walletState),
	}
}

func trackerKey(wallet string, chainID uint64) string {
	return fmt.Sprintf("%s-%d", wallet, chainID)
}

func (t *Tracker) state(wallet string, chainID uint64) *walletState {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := trackerKey(wallet, chainID)
	ws, ok := t.wallets[key]
	if !ok {
		ws = &walletState{reserved: make(map[uint64]struct{})}
		t.wallets[key] = ws
	}
	return ws
}

// Acquire reserves the next nonce for the wallet. The remote view is
// consulted on first use and whenever it runs ahead of the local one; the
// local counter never moves backwards, so nonces already handed out are
// not reissued even if the node lags.
func (t *Tracker) Acquire(ctx context.Context, wallet string, chainID uint64, fetch FetchFunc) (uint64, error) {
	ws := t.state(wallet, chainID)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	remote, err := fetch(ctx)
	if err != nil {
		if !ws.fetched {
			return 0, fmt.Errorf("couldn't fetch nonce for %s on chain %d: %w", wallet, chainID, err)
		}
		// Remote unavailable but we have local state; keep going on it.
		remote = ws.next
	}

	if !ws.fetched || remote > ws.next {
		ws.next = remote
		ws.fetched = true
	}

	n := ws.next
	ws.reserved[n] = struct{}{}
	ws.next = n + 1
	return n, nil
}

// Release returns an unused nonce to the tracker, for builds that failed
// after acquiring. Only the topmost reservation can roll the counter back;
// gaps stay reserved until the surrounding submissions settle.
func (t *Tracker) Release(wallet string, chainID uint64, n uint64) {
	ws := t.state(wallet, chainID)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	delete(ws.reserved, n)
	if ws.fetched && n+1 == ws.next {
		ws.next = n
	}
}

// SetPending force-sets the next nonce, used by recovery when the chain
// view and local state have diverged. It never lowers the counter.
func (t *Tracker) SetPending(wallet string, chainID uint64, next uint64) {
	ws := t.state(wallet, chainID)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if !ws.fetched || next > ws.next {
		ws.next = next
		ws.fetched = true
	}
}

// Pending returns the next nonce the tracker would hand out, and whether
// the tracker has any state for the wallet yet.
func (t *Tracker) Pending(wallet string, chainID uint64) (uint64, bool) {
	ws := t.state(wallet, chainID)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	return ws.next, ws.fetched
}

// Reset forgets all state for the wallet on the given chain.
func (t *Tracker) Reset(wallet string, chainID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.wallets, trackerKey(wallet, chainID))
}
