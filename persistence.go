package walletgate

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// WalletSession is one managed-wallet pairing. Sessions are persisted so a
// process restart can resume the pairing without prompting the user, until
// ExpiresAt passes.
type WalletSession struct {
	// Topic uniquely identifies the pairing.
	Topic string

	// Address the wallet exposed when the session was established. A
	// restore is only valid while the wallet still reports this address.
	Address common.Address

	ChainID uint64

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session has lapsed as of now.
func (s *WalletSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionStore persists wallet sessions. At most one session is "active"
// at a time; saving a session makes it the active one.
type SessionStore interface {
	// Save persists the session and marks it active.
	Save(ctx context.Context, session *WalletSession) error

	// Load retrieves a session by topic. Returns (nil, nil) when absent.
	Load(ctx context.Context, topic string) (*WalletSession, error)

	// LoadActive retrieves the active session. Returns (nil, nil) when
	// there is none.
	LoadActive(ctx context.Context) (*WalletSession, error)

	// Delete removes a session. Deleting the active session clears the
	// active marker. Unknown topics are not an error.
	Delete(ctx context.Context, topic string) error
}

// PendingDepositStatus is the lifecycle state of a tracked deposit.
type PendingDepositStatus string

const (
	DepositStatusBroadcasted PendingDepositStatus = "broadcasted"
	DepositStatusMined       PendingDepositStatus = "mined"
	DepositStatusReverted    PendingDepositStatus = "reverted"
	DepositStatusDropped     PendingDepositStatus = "dropped"
)

// depositStatusPriority orders statuses by finality. A status never
// overwrites a more final one, so late duplicate updates cannot resurrect
// a settled deposit.
var depositStatusPriority = map[PendingDepositStatus]int{
	DepositStatusBroadcasted: 1,
	DepositStatusDropped:     2,
	DepositStatusReverted:    3,
	DepositStatusMined:       3,
}

// IsMoreFinalDepositStatus reports whether existing outranks candidate.
func IsMoreFinalDepositStatus(existing, candidate PendingDepositStatus) bool {
	return depositStatusPriority[existing] > depositStatusPriority[candidate]
}

// PendingDeposit tracks one deposit transaction from broadcast to
// settlement, surviving process restarts when backed by a durable store.
type PendingDeposit struct {
	Hash       common.Hash
	Wallet     common.Address
	ChainID    uint64
	TokenIndex uint64
	PID        [2]uint64
	Amount     *big.Int
	Status     PendingDepositStatus
	Receipt    *types.Receipt
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Metadata   map[string]string
}

// DepositStore persists deposit tracking records.
type DepositStore interface {
	// Save persists a deposit. An existing record with a more final
	// status is left untouched.
	Save(ctx context.Context, deposit *PendingDeposit) error

	// Get retrieves a deposit by hash. Returns (nil, nil) when absent.
	Get(ctx context.Context, hash common.Hash) (*PendingDeposit, error)

	// ListPending returns broadcasted deposits for one wallet and chain.
	ListPending(ctx context.Context, wallet common.Address, chainID uint64) ([]*PendingDeposit, error)

	// ListAllPending returns broadcasted deposits across all wallets.
	ListAllPending(ctx context.Context) ([]*PendingDeposit, error)

	// UpdateStatus moves a deposit to status and optionally records its
	// receipt. Updates that would lower finality are ignored; unknown
	// hashes are not an error.
	UpdateStatus(ctx context.Context, hash common.Hash, status PendingDepositStatus, receipt *types.Receipt) error

	// Delete removes a deposit record.
	Delete(ctx context.Context, hash common.Hash) error
}

// MemorySessionStore is the process-local SessionStore the gateway uses
// when no durable one is configured.
type MemorySessionStore struct {
	mu          sync.Mutex
	sessions    map[string]WalletSession
	activeTopic string
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]WalletSession)}
}

var _ SessionStore = (*MemorySessionStore)(nil)

func (s *MemorySessionStore) Save(ctx context.Context, session *WalletSession) error {
	if session == nil || session.Topic == "" {
		return fmt.Errorf("session must have a topic")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.Topic] = *session
	s.activeTopic = session.Topic
	return nil
}

func (s *MemorySessionStore) Load(ctx context.Context, topic string) (*WalletSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[topic]
	if !ok {
		return nil, nil
	}
	out := sess
	return &out, nil
}

func (s *MemorySessionStore) LoadActive(ctx context.Context) (*WalletSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeTopic == "" {
		return nil, nil
	}
	sess, ok := s.sessions[s.activeTopic]
	if !ok {
		s.activeTopic = ""
		return nil, nil
	}
	out := sess
	return &out, nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, topic)
	if s.activeTopic == topic {
		s.activeTopic = ""
	}
	return nil
}

// MemoryDepositStore is the process-local DepositStore default. It keeps
// the same finality guarantees as the redis-backed store, minus
// durability.
type MemoryDepositStore struct {
	mu       sync.Mutex
	deposits map[common.Hash]*PendingDeposit
}

func NewMemoryDepositStore() *MemoryDepositStore {
	return &MemoryDepositStore{deposits: make(map[common.Hash]*PendingDeposit)}
}

var _ DepositStore = (*MemoryDepositStore)(nil)

func copyDeposit(d *PendingDeposit) *PendingDeposit {
	out := *d
	if d.Amount != nil {
		out.Amount = new(big.Int).Set(d.Amount)
	}
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (s *MemoryDepositStore) Save(ctx context.Context, deposit *PendingDeposit) error {
	if deposit == nil {
		return fmt.Errorf("deposit cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.deposits[deposit.Hash]; ok {
		if IsMoreFinalDepositStatus(existing.Status, deposit.Status) {
			return nil
		}
	}
	s.deposits[deposit.Hash] = copyDeposit(deposit)
	return nil
}

func (s *MemoryDepositStore) Get(ctx context.Context, hash common.Hash) (*PendingDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[hash]
	if !ok {
		return nil, nil
	}
	return copyDeposit(d), nil
}

func (s *MemoryDepositStore) ListPending(ctx context.Context, wallet common.Address, chainID uint64) ([]*PendingDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PendingDeposit
	for _, d := range s.deposits {
		if d.Status == DepositStatusBroadcasted && d.Wallet == wallet && d.ChainID == chainID {
			out = append(out, copyDeposit(d))
		}
	}
	sortDepositsByCreation(out)
	return out, nil
}

func (s *MemoryDepositStore) ListAllPending(ctx context.Context) ([]*PendingDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PendingDeposit
	for _, d := range s.deposits {
		if d.Status == DepositStatusBroadcasted {
			out = append(out, copyDeposit(d))
		}
	}
	sortDepositsByCreation(out)
	return out, nil
}

func (s *MemoryDepositStore) UpdateStatus(ctx context.Context, hash common.Hash, status PendingDepositStatus, receipt *types.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[hash]
	if !ok {
		return nil
	}
	if IsMoreFinalDepositStatus(d.Status, status) {
		return nil
	}
	d.Status = status
	d.Receipt = receipt
	d.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryDepositStore) Delete(ctx context.Context, hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.deposits, hash)
	return nil
}

func sortDepositsByCreation(deposits []*PendingDeposit) {
	sort.Slice(deposits, func(i, j int) bool {
		return deposits[i].CreatedAt.Before(deposits[j].CreatedAt)
	})
}
