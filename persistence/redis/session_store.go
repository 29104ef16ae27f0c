package redis

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/zkforge/walletgate"
)

// Key prefixes for session storage
const (
	sessionKeyPrefix = "walletgate:session:"       // session data by topic
	sessionActiveKey = "walletgate:session:active" // topic of the active session
)

// SessionStore provides Redis-based persistence for wallet sessions.
// It implements the walletgate.SessionStore interface.
//
// Session keys carry a Redis TTL aligned with the session expiry, so lapsed
// sessions disappear without explicit cleanup. The active-session pointer is
// a separate key and is validated on read.
type SessionStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// SessionStoreOption configures a SessionStore.
type SessionStoreOption func(*SessionStore)

// WithSessionStoreKeyPrefix sets a custom prefix for all Redis keys.
func WithSessionStoreKeyPrefix(prefix string) SessionStoreOption {
	return func(s *SessionStore) {
		s.keyPrefix = prefix
	}
}

// NewSessionStore creates a new Redis-based session store.
func NewSessionStore(client redis.UniversalClient, opts ...SessionStoreOption) *SessionStore {
	s := &SessionStore{
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// key returns the full Redis key with optional prefix.
func (s *SessionStore) key(parts ...string) string {
	key := strings.Join(parts, "")
	if s.keyPrefix != "" {
		return s.keyPrefix + ":" + key
	}
	return key
}

// walletSessionData is the JSON-serializable form of WalletSession
type walletSessionData struct {
	Topic     string `json:"topic"`
	Address   string `json:"address"`
	ChainID   uint64 `json:"chain_id"`
	CreatedAt int64  `json:"created_at"` // Nanoseconds
	ExpiresAt int64  `json:"expires_at"` // Nanoseconds
}

// Save persists the session and marks it active. The session key and the
// active pointer both expire at the session's ExpiresAt; a session with a
// zero ExpiresAt is stored without a TTL.
func (s *SessionStore) Save(ctx context.Context, session *walletgate.WalletSession) error {
	if session == nil || session.Topic == "" {
		return fmt.Errorf("session must have a topic")
	}

	var ttl time.Duration
	if !session.ExpiresAt.IsZero() {
		ttl = time.Until(session.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("session %s already expired at %s", session.Topic, session.ExpiresAt)
		}
	}

	data, err := s.serializeSession(session)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(session.Topic), data, ttl)
	pipe.Set(ctx, s.key(sessionActiveKey), session.Topic, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Load retrieves a session by topic.
func (s *SessionStore) Load(ctx context.Context, topic string) (*walletgate.WalletSession, error) {
	data, err := s.client.Get(ctx, s.sessionKey(topic)).Bytes()
	if err == redis.Nil {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return s.deserializeSession(data)
}

// LoadActive retrieves the active session. A pointer whose session Redis has
// already expired, or that was deleted by topic, is cleared on the way out.
func (s *SessionStore) LoadActive(ctx context.Context) (*walletgate.WalletSession, error) {
	topic, err := s.client.Get(ctx, s.key(sessionActiveKey)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session topic: %w", err)
	}

	sess, err := s.Load(ctx, topic)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		// Orphaned pointer, best-effort cleanup
		_ = s.client.Del(ctx, s.key(sessionActiveKey)).Err()
		return nil, nil
	}
	return sess, nil
}

// Delete removes a session. Deleting the active session clears the active
// marker. Uses WATCH/MULTI/EXEC so the marker check and the delete happen
// atomically, retrying with exponential backoff when the marker moves.
func (s *SessionStore) Delete(ctx context.Context, topic string) error {
	sessionKey := s.sessionKey(topic)
	activeKey := s.key(sessionActiveKey)

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
			activeTopic, err := rtx.Get(ctx, activeKey).Result()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("failed to get active session topic: %w", err)
			}

			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, sessionKey)
				if activeTopic == topic {
					pipe.Del(ctx, activeKey)
				}
				return nil
			})
			return err
		}, activeKey)

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

	return fmt.Errorf("failed to delete session after %d retries: %w", maxRetries, lastErr)
}

// Helper methods

func (s *SessionStore) sessionKey(topic string) string {
	return s.key(sessionKeyPrefix, topic)
}

func (s *SessionStore) serializeSession(session *walletgate.WalletSession) ([]byte, error) {
	data := walletSessionData{
		Topic:     session.Topic,
		Address:   session.Address.Hex(),
		ChainID:   session.ChainID,
		CreatedAt: timeToNanos(session.CreatedAt),
		ExpiresAt: timeToNanos(session.ExpiresAt),
	}
	return json.Marshal(data)
}

func (s *SessionStore) deserializeSession(data []byte) (*walletgate.WalletSession, error) {
	var d walletSessionData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &walletgate.WalletSession{
		Topic:     d.Topic,
		Address:   common.HexToAddress(d.Address),
		ChainID:   d.ChainID,
		CreatedAt: nanosToTime(d.CreatedAt),
		ExpiresAt: nanosToTime(d.ExpiresAt),
	}, nil
}

// timeToNanos maps the zero time to 0 so it survives the round trip; the
// zero time's UnixNano is outside the representable range.
func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Verify SessionStore implements walletgate.SessionStore
var _ walletgate.SessionStore = (*SessionStore)(nil)
