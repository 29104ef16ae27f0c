package walletgate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// sessionProvider drives a managed wallet whose pairing persists across
// restarts. On connect it first tries to restore the stored session; a
// fresh pairing is only negotiated when no live session can be adopted.
// Expiry is checked locally before every wallet operation so a stale
// session fails fast with ErrSessionExpired instead of a remote error.
type sessionProvider struct {
	core      *transportCore
	store     SessionStore
	projectID string

	ttl          time.Duration
	settleWindow time.Duration
	settlePoll   time.Duration

	mu      sync.Mutex
	session *WalletSession
}

func newSessionProvider(cfg ProviderConfig, host providerHost) (Provider, error) {
	core, err := newTransportCore(host)
	if err != nil {
		return nil, err
	}

	defaults := host.gatewayDefaults()
	p := &sessionProvider{
		core:         core,
		store:        host.sessions(),
		projectID:    cfg.ProjectID,
		ttl:          defaults.SessionTTL,
		settleWindow: defaults.SettleTimeout,
		settlePoll:   defaults.SettlePollInterval,
	}
	if p.store == nil {
		p.store = NewMemorySessionStore()
	}
	core.startEventLoop()
	return p, nil
}

var _ Provider = (*sessionProvider)(nil)

func (p *sessionProvider) Kind() ProviderKind { return ProviderSession }

// Connect restores the persisted session when the wallet still agrees
// with it, otherwise negotiates a fresh pairing and persists it.
func (p *sessionProvider) Connect(ctx context.Context) (common.Address, error) {
	stored, err := p.store.LoadActive(ctx)
	if err != nil {
		logger.WithFields(logger.Fields{"error": err}).Warn("session store unavailable, connecting fresh")
	}

	if stored != nil {
		if stored.Expired(time.Now()) {
			logger.WithFields(logger.Fields{
				"topic": stored.Topic,
			}).Info("stored session expired, discarding")
			_ = p.store.Delete(ctx, stored.Topic)
		} else if addr, ok := p.tryRestore(ctx, stored); ok {
			p.mu.Lock()
			p.session = stored
			p.mu.Unlock()

			logger.WithFields(logger.Fields{
				"topic":   stored.Topic,
				"address": addr.Hex(),
			}).Info("restored wallet session")
			return addr, nil
		} else {
			// Wallet no longer honors the session; a fresh pairing will
			// replace the record.
			_ = p.store.Delete(ctx, stored.Topic)
		}
	}

	addr, err := p.core.connect(ctx)
	if err != nil {
		return common.Address{}, err
	}

	chainID, chainErr := p.core.networkID(ctx)
	if chainErr != nil {
		logger.WithFields(logger.Fields{"error": chainErr}).Warn("couldn't read chain for new session")
	}

	sess, err := newWalletSession(addr, chainID, p.ttl)
	if err != nil {
		return common.Address{}, err
	}
	if err := p.store.Save(ctx, sess); err != nil {
		logger.WithFields(logger.Fields{"error": err}).Warn("couldn't persist wallet session")
	}

	p.mu.Lock()
	p.session = sess
	p.mu.Unlock()

	logger.WithFields(logger.Fields{
		"topic":      sess.Topic,
		"address":    addr.Hex(),
		"project_id": p.projectID,
		"expires_at": sess.ExpiresAt,
	}).Info("established wallet session")
	return addr, nil
}

// tryRestore waits for the wallet side to settle after a restart, then
// checks that it still exposes the session's account.
func (p *sessionProvider) tryRestore(ctx context.Context, sess *WalletSession) (common.Address, bool) {
	deadline := time.Now().Add(p.settleWindow)

	for {
		if p.core.transport.Connected() {
			accounts, err := p.core.quietAccounts(ctx)
			if err == nil {
				if len(accounts) > 0 && accounts[0] == sess.Address {
					return accounts[0], true
				}
				// Wallet answered with different or no accounts; the
				// session is definitively gone.
				return common.Address{}, false
			}
		}

		if !time.Now().Before(deadline) {
			return common.Address{}, false
		}
		select {
		case <-ctx.Done():
			return common.Address{}, false
		case <-time.After(p.settlePoll):
		}
	}
}

// ensureSession fails fast when the local session has lapsed. The expired
// record is removed so the next connect starts clean.
func (p *sessionProvider) ensureSession(ctx context.Context) error {
	p.mu.Lock()
	sess := p.session
	p.mu.Unlock()

	if sess == nil {
		return nil
	}
	if sess.Expired(time.Now()) {
		_ = p.store.Delete(ctx, sess.Topic)
		p.mu.Lock()
		p.session = nil
		p.mu.Unlock()
		return typedErrf(ErrSessionExpired, nil, "session %s expired at %s", sess.Topic, sess.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func (p *sessionProvider) Address() common.Address { return p.core.address() }

func (p *sessionProvider) NetworkID(ctx context.Context) (uint64, error) {
	if err := p.ensureSession(ctx); err != nil {
		return 0, err
	}
	return p.core.networkID(ctx)
}

func (p *sessionProvider) SwitchNetwork(ctx context.Context, chainIDHex string) error {
	if err := p.ensureSession(ctx); err != nil {
		return err
	}
	return p.core.switchNetwork(ctx, chainIDHex)
}

func (p *sessionProvider) Sign(ctx context.Context, message []byte) ([]byte, error) {
	if err := p.ensureSession(ctx); err != nil {
		return nil, err
	}
	return p.core.sign(ctx, message)
}

func (p *sessionProvider) Signer() (Signer, error) {
	if err := p.ensureSession(context.Background()); err != nil {
		return nil, err
	}
	if p.core.address() == (common.Address{}) {
		return nil, typedErrf(ErrSignerUnavailable, nil, "connect before requesting a signer")
	}
	return &transportSigner{core: p.core}, nil
}

func (p *sessionProvider) Contract(ctx context.Context, address common.Address, contractABI abi.ABI, withSigner bool) (*Contract, error) {
	if err := p.ensureSession(ctx); err != nil {
		return nil, err
	}
	return p.core.contract(ctx, address, contractABI, withSigner)
}

func (p *sessionProvider) SubscribeEvent(ctx context.Context, query ethereum.FilterQuery, sink chan<- types.Log) (ethereum.Subscription, error) {
	if err := p.ensureSession(ctx); err != nil {
		return nil, err
	}
	return p.core.subscribeEvent(ctx, query, sink)
}

func (p *sessionProvider) OnAccountChange(cb AccountChangeFunc) func() {
	return p.core.onAccountChange(cb)
}

// Close releases the instance without deleting the persisted session, so
// a later instance can restore it. Only an explicit disconnect or expiry
// removes the record.
func (p *sessionProvider) Close() error {
	p.mu.Lock()
	p.session = nil
	p.mu.Unlock()
	return p.core.close()
}

// newWalletSession mints a session record with a random topic.
func newWalletSession(addr common.Address, chainID uint64, ttl time.Duration) (*WalletSession, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("couldn't generate session topic: %w", err)
	}

	now := time.Now()
	return &WalletSession{
		Topic:     hex.EncodeToString(raw[:]),
		Address:   addr,
		ChainID:   chainID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}
