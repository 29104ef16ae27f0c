package redis

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/zkforge/walletgate"
)

// Key prefixes for deposit storage
const (
	depositKeyPrefix          = "walletgate:deposit:"          // deposit data by hash
	depositPendingSetKey      = "walletgate:deposit:pending"   // set of all pending deposit hashes
	depositWalletPendingKey   = "walletgate:deposit:wallet:"   // pending deposits by wallet:chainID
	depositTimestampSortedSet = "walletgate:deposit:timestamp" // sorted set by timestamp (created_at initially, updated to updated_at when skipped during cleanup)
)

// DepositStore provides Redis-based persistence for deposit tracking.
// It implements the walletgate.DepositStore interface.
//
// Note: Deposit records do not automatically expire. Use DeleteOlderThan
// for periodic cleanup of settled records.
type DepositStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// DepositStoreOption configures a DepositStore.
type DepositStoreOption func(*DepositStore)

// WithDepositStoreKeyPrefix sets a custom prefix for all Redis keys.
func WithDepositStoreKeyPrefix(prefix string) DepositStoreOption {
	return func(s *DepositStore) {
		s.keyPrefix = prefix
	}
}

// NewDepositStore creates a new Redis-based deposit store.
func NewDepositStore(client redis.UniversalClient, opts ...DepositStoreOption) *DepositStore {
	s := &DepositStore{
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// key returns the full Redis key with optional prefix.
func (s *DepositStore) key(parts ...string) string {
	key := strings.Join(parts, "")
	if s.keyPrefix != "" {
		return s.keyPrefix + ":" + key
	}
	return key
}

// pendingDepositData is the JSON-serializable form of PendingDeposit
type pendingDepositData struct {
	Hash        string            `json:"hash"`
	Wallet      string            `json:"wallet"`
	ChainID     uint64            `json:"chain_id"`
	TokenIndex  uint64            `json:"token_index"`
	PID1        uint64            `json:"pid_1"`
	PID2        uint64            `json:"pid_2"`
	Amount      string            `json:"amount,omitempty"` // Decimal string
	Status      string            `json:"status"`
	ReceiptJSON []byte            `json:"receipt_json,omitempty"`
	CreatedAt   int64             `json:"created_at"` // Nanoseconds
	UpdatedAt   int64             `json:"updated_at"` // Nanoseconds
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Save persists a deposit to Redis.
// Uses WATCH/MULTI/EXEC for optimistic locking to prevent race conditions
// with concurrent UpdateStatus calls; an existing record with a more final
// status is left untouched.
func (s *DepositStore) Save(ctx context.Context, dep *walletgate.PendingDeposit) error {
	if dep == nil {
		return fmt.Errorf("deposit cannot be nil")
	}

	hashKey := s.key(depositKeyPrefix, dep.Hash.Hex())
	walletKey := s.walletPendingKey(dep.Wallet, dep.ChainID)
	hashHex := dep.Hash.Hex()

	const maxRetries = 10
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		// Exponential backoff with jitter on retries
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			existingData, err := rtx.Get(ctx, hashKey).Bytes()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("failed to get existing deposit: %w", err)
			}

			// If the deposit exists, check whether the overwrite is allowed
			if err != redis.Nil {
				existing, parseErr := s.deserializePendingDeposit(existingData)
				if parseErr == nil {
					if walletgate.IsMoreFinalDepositStatus(existing.Status, dep.Status) {
						// Existing status is more final, skip update
						return nil
					}
				}
			}

			data, err := s.serializePendingDeposit(dep)
			if err != nil {
				return fmt.Errorf("failed to serialize deposit: %w", err)
			}

			// Execute atomically
			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				// Store deposit data
				pipe.Set(ctx, hashKey, data, 0)

				// Track in pending sets while the deposit is still in flight
				if dep.Status == walletgate.DepositStatusBroadcasted {
					pipe.SAdd(ctx, s.key(depositPendingSetKey), hashHex)
					pipe.SAdd(ctx, walletKey, hashHex)
				} else {
					pipe.SRem(ctx, s.key(depositPendingSetKey), hashHex)
					pipe.SRem(ctx, walletKey, hashHex)
				}

				// Add to sorted set for time-based cleanup
				pipe.ZAdd(ctx, s.key(depositTimestampSortedSet), redis.Z{
					Score:  float64(dep.CreatedAt.Unix()),
					Member: hashHex,
				})

				return nil
			})
			return err
		}, hashKey)

		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			// Optimistic lock failed, retry
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("failed to save deposit after %d retries: %w", maxRetries, lastErr)
}

// Get retrieves a deposit by hash.
func (s *DepositStore) Get(ctx context.Context, hash common.Hash) (*walletgate.PendingDeposit, error) {
	hashKey := s.key(depositKeyPrefix, hash.Hex())

	data, err := s.client.Get(ctx, hashKey).Bytes()
	if err == redis.Nil {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit: %w", err)
	}

	return s.deserializePendingDeposit(data)
}

// ListPending returns all broadcasted deposits for a wallet on a chain.
func (s *DepositStore) ListPending(ctx context.Context, wallet common.Address, chainID uint64) ([]*walletgate.PendingDeposit, error) {
	walletKey := s.walletPendingKey(wallet, chainID)

	hashes, err := s.client.SMembers(ctx, walletKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending deposit hashes: %w", err)
	}

	return s.getDepositsByHashes(ctx, hashes)
}

// ListAllPending returns all broadcasted deposits across all wallets/chains.
func (s *DepositStore) ListAllPending(ctx context.Context) ([]*walletgate.PendingDeposit, error) {
	hashes, err := s.client.SMembers(ctx, s.key(depositPendingSetKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get all pending deposit hashes: %w", err)
	}

	return s.getDepositsByHashes(ctx, hashes)
}

// UpdateStatus updates the status of a deposit and optionally sets the receipt.
// Uses WATCH/MULTI/EXEC for optimistic locking with exponential backoff.
// Updates that would lower finality are ignored; unknown hashes are not an error.
func (s *DepositStore) UpdateStatus(ctx context.Context, hash common.Hash, status walletgate.PendingDepositStatus, receipt *types.Receipt) error {
	hashKey := s.key(depositKeyPrefix, hash.Hex())
	hashHex := hash.Hex()

	const maxRetries = 10
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		// Exponential backoff with jitter on retries
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			// Get current value within the watch
			data, err := rtx.Get(ctx, hashKey).Bytes()
			if err == redis.Nil {
				return nil // Deposit not found, nothing to update
			}
			if err != nil {
				return fmt.Errorf("failed to get deposit: %w", err)
			}

			dep, err := s.deserializePendingDeposit(data)
			if err != nil {
				return fmt.Errorf("failed to deserialize deposit: %w", err)
			}

			// Don't downgrade to a less final status
			if walletgate.IsMoreFinalDepositStatus(dep.Status, status) {
				return nil
			}

			// Update fields
			dep.Status = status
			dep.Receipt = receipt
			dep.UpdatedAt = time.Now()

			newData, err := s.serializePendingDeposit(dep)
			if err != nil {
				return fmt.Errorf("failed to serialize deposit: %w", err)
			}

			// Execute transaction atomically
			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, hashKey, newData, 0)

				// Update pending sets based on new status
				walletKey := s.walletPendingKey(dep.Wallet, dep.ChainID)
				if status == walletgate.DepositStatusBroadcasted {
					pipe.SAdd(ctx, s.key(depositPendingSetKey), hashHex)
					pipe.SAdd(ctx, walletKey, hashHex)
				} else {
					pipe.SRem(ctx, s.key(depositPendingSetKey), hashHex)
					pipe.SRem(ctx, walletKey, hashHex)
				}

				return nil
			})
			return err
		}, hashKey)

		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			// Optimistic lock failed, retry
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("failed to update deposit status after %d retries: %w", maxRetries, lastErr)
}

// Delete removes a deposit record.
// Uses WATCH/MULTI/EXEC for atomic read-then-delete to prevent race conditions.
func (s *DepositStore) Delete(ctx context.Context, hash common.Hash) error {
	hashKey := s.key(depositKeyPrefix, hash.Hex())
	hashHex := hash.Hex()

	const maxRetries = 10
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		// Exponential backoff with jitter on retries
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			// Get the deposit within the watch to know which indexes to clean up
			data, err := rtx.Get(ctx, hashKey).Bytes()
			if err == redis.Nil {
				return nil // Already deleted, nothing to do
			}
			if err != nil {
				return fmt.Errorf("failed to get deposit: %w", err)
			}

			dep, err := s.deserializePendingDeposit(data)
			if err != nil {
				return fmt.Errorf("failed to deserialize deposit: %w", err)
			}

			walletKey := s.walletPendingKey(dep.Wallet, dep.ChainID)

			// Execute delete atomically
			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, hashKey)
				pipe.SRem(ctx, s.key(depositPendingSetKey), hashHex)
				pipe.SRem(ctx, walletKey, hashHex)
				pipe.ZRem(ctx, s.key(depositTimestampSortedSet), hashHex)
				return nil
			})
			return err
		}, hashKey)

		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			// Optimistic lock failed, retry
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("failed to delete deposit after %d retries: %w", maxRetries, lastErr)
}

// DeleteOlderThan removes deposits older than the given duration.
// Deposits that have been updated recently (within a grace period) are
// skipped to avoid race conditions with concurrent status updates.
func (s *DepositStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return s.DeleteOlderThanWithOptions(ctx, age, 1000, 5*time.Minute)
}

// DeleteOlderThanWithOptions removes deposits older than the given duration.
// Parameters:
//   - age: minimum age of deposits to delete (based on CreatedAt)
//   - batchSize: maximum number of deposits to process per batch (0 = unlimited)
//   - gracePeriod: skip deposits updated within this duration to avoid race conditions
func (s *DepositStore) DeleteOlderThanWithOptions(ctx context.Context, age time.Duration, batchSize int64, gracePeriod time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).Unix()
	graceTime := time.Now().Add(-gracePeriod)
	totalDeleted := 0

	for {
		// Get hashes of old deposits with batch limit
		rangeBy := &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff, 10),
		}
		if batchSize > 0 {
			rangeBy.Count = batchSize
		}

		hashes, err := s.client.ZRangeByScore(ctx, s.key(depositTimestampSortedSet), rangeBy).Result()
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to get old deposits: %w", err)
		}

		if len(hashes) == 0 {
			break
		}

		// Batch get all deposits to know which indexes to clean up
		keys := make([]string, len(hashes))
		for i, h := range hashes {
			keys[i] = s.key(depositKeyPrefix, h)
		}

		results, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to batch get deposits: %w", err)
		}

		// Build batch delete operations
		pipe := s.client.TxPipeline()
		deleted := 0
		skipped := 0
		var parseErrors []string

		for i, result := range results {
			hashHex := hashes[i]

			if result == nil {
				// Already deleted, just clean up indexes
				pipe.ZRem(ctx, s.key(depositTimestampSortedSet), hashHex)
				pipe.SRem(ctx, s.key(depositPendingSetKey), hashHex)
				deleted++
				continue
			}

			data, ok := result.(string)
			if !ok {
				parseErrors = append(parseErrors, fmt.Sprintf("hash %s: unexpected type %T", hashHex, result))
				continue
			}

			dep, err := s.deserializePendingDeposit([]byte(data))
			if err != nil {
				parseErrors = append(parseErrors, fmt.Sprintf("hash %s: %v", hashHex, err))
				// Still try to delete the corrupted data
				pipe.Del(ctx, s.key(depositKeyPrefix, hashHex))
				pipe.ZRem(ctx, s.key(depositTimestampSortedSet), hashHex)
				pipe.SRem(ctx, s.key(depositPendingSetKey), hashHex)
				deleted++
				continue
			}

			// Skip if the deposit was updated recently (within grace period)
			// This prevents race conditions with concurrent UpdateStatus calls
			if dep.UpdatedAt.After(graceTime) {
				skipped++
				// Re-score by updated timestamp so we don't keep checking it
				pipe.ZRem(ctx, s.key(depositTimestampSortedSet), hashHex)
				pipe.ZAdd(ctx, s.key(depositTimestampSortedSet), redis.Z{
					Score:  float64(dep.UpdatedAt.Unix()),
					Member: hashHex,
				})
				continue
			}

			// Queue all delete operations
			walletKey := s.walletPendingKey(dep.Wallet, dep.ChainID)

			pipe.Del(ctx, s.key(depositKeyPrefix, hashHex))
			pipe.SRem(ctx, s.key(depositPendingSetKey), hashHex)
			pipe.SRem(ctx, walletKey, hashHex)
			pipe.ZRem(ctx, s.key(depositTimestampSortedSet), hashHex)
			deleted++
		}

		// Execute batch delete
		_, err = pipe.Exec(ctx)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to execute batch delete: %w", err)
		}

		totalDeleted += deleted

		// Return partial results with error if there were parse failures
		if len(parseErrors) > 0 {
			return totalDeleted, fmt.Errorf("encountered %d errors during delete: %s",
				len(parseErrors), strings.Join(parseErrors, "; "))
		}

		// If we processed fewer than batch size, we're done
		if batchSize == 0 || int64(len(hashes)) < batchSize {
			break
		}

		// If we skipped all items in this batch, break to avoid infinite loop
		if skipped == len(hashes) {
			break
		}
	}

	return totalDeleted, nil
}

// Helper methods

func (s *DepositStore) walletPendingKey(wallet common.Address, chainID uint64) string {
	return s.key(depositWalletPendingKey, wallet.Hex(), ":", strconv.FormatUint(chainID, 10), ":pending")
}

func (s *DepositStore) getDepositsByHashes(ctx context.Context, hashes []string) ([]*walletgate.PendingDeposit, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	// Build keys
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = s.key(depositKeyPrefix, h)
	}

	// Batch get
	results, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get deposits: %w", err)
	}

	deposits := make([]*walletgate.PendingDeposit, 0, len(results))
	var deserializeErrors []string

	for i, result := range results {
		if result == nil {
			// Deposit was deleted, this is expected
			continue
		}

		data, ok := result.(string)
		if !ok {
			deserializeErrors = append(deserializeErrors, fmt.Sprintf("hash %s: unexpected type %T", hashes[i], result))
			continue
		}

		dep, err := s.deserializePendingDeposit([]byte(data))
		if err != nil {
			// Data corruption - track the error
			deserializeErrors = append(deserializeErrors, fmt.Sprintf("hash %s: %v", hashes[i], err))
			continue
		}
		deposits = append(deposits, dep)
	}

	// Return partial results with error if there were deserialization failures
	if len(deserializeErrors) > 0 {
		return deposits, fmt.Errorf("failed to deserialize %d deposits: %s", len(deserializeErrors), strings.Join(deserializeErrors, "; "))
	}

	return deposits, nil
}

func (s *DepositStore) serializePendingDeposit(dep *walletgate.PendingDeposit) ([]byte, error) {
	data := pendingDepositData{
		Hash:       dep.Hash.Hex(),
		Wallet:     dep.Wallet.Hex(),
		ChainID:    dep.ChainID,
		TokenIndex: dep.TokenIndex,
		PID1:       dep.PID[0],
		PID2:       dep.PID[1],
		Status:     string(dep.Status),
		CreatedAt:  timeToNanos(dep.CreatedAt),
		UpdatedAt:  timeToNanos(dep.UpdatedAt),
		Metadata:   dep.Metadata,
	}

	// Amounts exceed float64 precision, so serialize as a decimal string
	if dep.Amount != nil {
		data.Amount = dep.Amount.String()
	}

	// Serialize receipt as JSON
	if dep.Receipt != nil {
		receiptJSON, err := dep.Receipt.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal receipt: %w", err)
		}
		data.ReceiptJSON = receiptJSON
	}

	return json.Marshal(data)
}

func (s *DepositStore) deserializePendingDeposit(data []byte) (*walletgate.PendingDeposit, error) {
	var d pendingDepositData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending deposit: %w", err)
	}

	dep := &walletgate.PendingDeposit{
		Hash:       common.HexToHash(d.Hash),
		Wallet:     common.HexToAddress(d.Wallet),
		ChainID:    d.ChainID,
		TokenIndex: d.TokenIndex,
		PID:        [2]uint64{d.PID1, d.PID2},
		Status:     walletgate.PendingDepositStatus(d.Status),
		CreatedAt:  nanosToTime(d.CreatedAt),
		UpdatedAt:  nanosToTime(d.UpdatedAt),
		Metadata:   d.Metadata,
	}

	// Deserialize amount
	if d.Amount != "" {
		amount, ok := new(big.Int).SetString(d.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("invalid deposit amount %q", d.Amount)
		}
		dep.Amount = amount
	}

	// Deserialize receipt
	if len(d.ReceiptJSON) > 0 {
		receipt := new(types.Receipt)
		if err := receipt.UnmarshalJSON(d.ReceiptJSON); err != nil {
			return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
		}
		dep.Receipt = receipt
	}

	return dep, nil
}

// Verify DepositStore implements walletgate.DepositStore
var _ walletgate.DepositStore = (*DepositStore)(nil)
