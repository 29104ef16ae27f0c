// Package redis provides Redis-based implementations of walletgate persistence interfaces.
//
// This package enables crash-resilient wallet connectivity by persisting session and
// deposit state to Redis. It provides three separate store implementations:
//   - SessionStore: implements walletgate.SessionStore for wallet session restore
//   - DepositStore: implements walletgate.DepositStore for deposit tracking
//   - IdempotencyStore: implements idempotency.Store for preventing duplicate deposits
//
// # Basic Usage
//
//	import (
//	    "github.com/redis/go-redis/v9"
//	    "github.com/zkforge/walletgate"
//	    redisstore "github.com/zkforge/walletgate/persistence/redis"
//	)
//
//	// Create Redis client
//	client := redis.NewClient(&redis.Options{
//	    Addr: "localhost:6379",
//	})
//
//	// Create stores for sessions and deposits
//	sessionStore := redisstore.NewSessionStore(client)
//	depositStore := redisstore.NewDepositStore(client)
//
//	// Create a Gateway with persistence
//	gw, err := walletgate.NewGateway(cfg,
//	    walletgate.WithSessionStore(sessionStore),
//	    walletgate.WithDepositStore(depositStore),
//	)
//
// # Multi-Tenant Usage
//
// Use key prefixes to isolate data for different applications or environments:
//
//	prodSessions := redisstore.NewSessionStore(client, redisstore.WithSessionStoreKeyPrefix("prod"))
//	prodDeposits := redisstore.NewDepositStore(client, redisstore.WithDepositStoreKeyPrefix("prod"))
//
//	testSessions := redisstore.NewSessionStore(client, redisstore.WithSessionStoreKeyPrefix("test"))
//	testDeposits := redisstore.NewDepositStore(client, redisstore.WithDepositStoreKeyPrefix("test"))
//
// # Redis Key Structure
//
// SessionStore uses the following key patterns:
//
//   - walletgate:session:{topic} - Session data (JSON, TTL aligned with session expiry)
//   - walletgate:session:active - Topic of the active session
//
// DepositStore uses the following key patterns:
//
//   - walletgate:deposit:{hash} - Deposit data (JSON)
//   - walletgate:deposit:pending - Set of all in-flight deposit hashes
//   - walletgate:deposit:wallet:{wallet}:{chainID}:pending - Set of in-flight deposit hashes per wallet/chain
//   - walletgate:deposit:timestamp - Sorted set of deposit hashes by creation time
//
// IdempotencyStore uses the following key patterns:
//
//   - walletgate:idempotency:{key} - Record data (JSON, with TTL for automatic expiration)
//
// # Thread Safety
//
// All stores are thread-safe and can be used from multiple goroutines.
// Redis handles the underlying concurrency control.
//
// # Recovery
//
// On application restart, use the Gateway.Recover method to:
//
//  1. Remove wallet sessions whose expiry passed while the process was down
//  2. Check and update the status of broadcasted deposits against the chain
//
// # Cleanup
//
// Session keys expire on their own. Use DepositStore.DeleteOlderThan to
// periodically clean up old settled deposits:
//
//	deleted, err := depositStore.DeleteOlderThan(ctx, 7*24*time.Hour)
//
// # Idempotency Store
//
// The IdempotencyStore prevents duplicate deposit submissions by tracking
// idempotency keys. Typical usage:
//
//	// With TTL for automatic expiration
//	store := redisstore.NewIdempotencyStore(client, redisstore.WithIdempotencyStoreTTL(24*time.Hour))
//
//	// Create a record (returns ErrDuplicateKey if key exists)
//	record, err := store.Create(idempotencyKey)
//	if err == idempotency.ErrDuplicateKey {
//	    // Key already exists - check record.Status for current state
//	}
//
// # Supported Redis Configurations
//
// All stores work with:
//   - Standalone Redis
//   - Redis Sentinel
//   - Redis Cluster
//
// Simply pass the appropriate redis.UniversalClient implementation to the store constructors.
package redis
