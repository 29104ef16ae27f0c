// Package idempotency provides duplicate-submission protection for deposit
// operations. Callers create a record under a caller-chosen key before
// submitting; retries of the same key observe the recorded outcome instead
// of submitting again.
package idempotency

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrKeyNotFound is returned when a record does not exist.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrDuplicateKey is returned by Create when the key already exists.
	// The existing record is returned alongside it.
	ErrDuplicateKey = errors.New("idempotency key already exists")
)

// Status is the lifecycle state of an idempotent operation.
type Status int

const (
	// StatusPending means the operation was claimed but has not finished.
	StatusPending Status = iota
	// StatusSucceeded means the operation completed and Receipt is set.
	StatusSucceeded
	// StatusFailed means the operation failed and Error records why.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Record tracks one idempotent operation.
type Record struct {
	Key    string
	Status Status

	// TxHash is set once the operation broadcast a transaction.
	TxHash common.Hash

	// Receipt is set for succeeded operations.
	Receipt *types.Receipt

	// Error is set for failed operations.
	Error error

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists idempotency records. Implementations must make Create
// atomic: exactly one caller wins a given key, all others receive the
// winner's record with ErrDuplicateKey.
type Store interface {
	// Get retrieves an existing record by key.
	Get(key string) (*Record, error)

	// Create atomically claims a key with a fresh pending record. If the
	// key already exists, the existing record is returned together with
	// ErrDuplicateKey.
	Create(key string) (*Record, error)

	// Update overwrites an existing record. ErrKeyNotFound if absent.
	Update(record *Record) error

	// Delete removes a record by key. Unknown keys are not an error.
	Delete(key string) error
}

type memoryEntry struct {
	record    Record
	expiresAt time.Time // zero means no expiry
}

// InMemoryStore is a process-local Store. Suitable for single-process
// deployments and tests; use the redis store when deposits can be retried
// from more than one process.
type InMemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewInMemoryStore creates an in-memory store. A positive ttl expires
// records that long after their last update; zero keeps them forever.
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	return &InMemoryStore{
		ttl:     ttl,
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (s *InMemoryStore) expiryFrom(t time.Time) time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return t.Add(s.ttl)
}

// live returns the entry for key if present and unexpired, deleting it
// lazily when expired. Caller must hold s.mu.
func (s *InMemoryStore) live(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *InMemoryStore) Get(key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil, ErrKeyNotFound
	}
	rec := e.record
	return &rec, nil
}

func (s *InMemoryStore) Create(key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.live(key); e != nil {
		rec := e.record
		return &rec, ErrDuplicateKey
	}

	now := s.now()
	e := &memoryEntry{
		record: Record{
			Key:       key,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		expiresAt: s.expiryFrom(now),
	}
	s.entries[key] = e

	rec := e.record
	return &rec, nil
}

func (s *InMemoryStore) Update(record *Record) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(record.Key) == nil {
		return ErrKeyNotFound
	}

	now := s.now()
	record.UpdatedAt = now
	s.entries[record.Key] = &memoryEntry{
		record:    *record,
		expiresAt: s.expiryFrom(now),
	}
	return nil
}

func (s *InMemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Cleanup removes all expired records and returns how many were dropped.
// The store also expires lazily on access; Cleanup only matters for
// long-lived stores with many abandoned keys.
func (s *InMemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl <= 0 {
		return 0
	}

	now := s.now()
	dropped := 0
	for key, e := range s.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.entries, key)
			dropped++
		}
	}
	return dropped
}

var _ Store = (*InMemoryStore)(nil)
