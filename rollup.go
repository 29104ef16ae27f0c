package walletgate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/goccy/go-json"
)

const (
	rollupConfigPath = "/config"
	rollupQueryPath  = "/query"
	rollupSendPath   = "/send"

	defaultRollupRetries = 3
)

// RollupClient talks to the rollup-side REST service: deployment config,
// per-player state queries and L2 transaction submission.
type RollupClient struct {
	baseURL string
	httpc   *http.Client
	retries int
}

// RollupOption configures a RollupClient.
type RollupOption func(*RollupClient)

// WithHTTPClient replaces the underlying HTTP client, e.g. to add custom
// transports or tighter timeouts.
func WithHTTPClient(c *http.Client) RollupOption {
	return func(r *RollupClient) {
		r.httpc = c
	}
}

// WithRollupRetries sets how many times idempotent queries are retried on
// transient failures. Submissions are never retried.
func WithRollupRetries(n int) RollupOption {
	return func(r *RollupClient) {
		r.retries = n
	}
}

// NewRollupClient creates a client for the service at baseURL.
func NewRollupClient(baseURL string, opts ...RollupOption) (*RollupClient, error) {
	if err := validateHTTPURL("rollup url", baseURL); err != nil {
		return nil, err
	}

	c := &RollupClient{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: DefaultCallTimeout},
		retries: defaultRollupRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// rollupEnvelope is the service's uniform response wrapper.
type rollupEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error,omitempty"`
}

// QueryConfig fetches the rollup deployment configuration.
func (c *RollupClient) QueryConfig(ctx context.Context) (json.RawMessage, error) {
	return c.doPost(ctx, rollupConfigPath, struct{}{}, true)
}

// QueryAccount fetches the rollup-side state for one player. The id words
// travel as decimal strings because the service's JSON layer cannot
// represent full 64-bit integers.
func (c *RollupClient) QueryAccount(ctx context.Context, pid [2]uint64) (json.RawMessage, error) {
	body := map[string]string{
		"pid1": strconv.FormatUint(pid[0], 10),
		"pid2": strconv.FormatUint(pid[1], 10),
	}
	return c.doPost(ctx, rollupQueryPath, body, true)
}

// SendTransaction submits a signed L2 transaction payload as-is. Not
// retried: the service dedupes by nonce, but a duplicate send after an
// ambiguous failure could still land twice.
func (c *RollupClient) SendTransaction(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return c.doPost(ctx, rollupSendPath, payload, false)
}

// doPost performs one POST with the uniform envelope handling. Idempotent
// requests retry on network errors and 5xx with exponential backoff plus
// jitter; 4xx and envelope-level failures are permanent.
func (c *RollupClient) doPost(ctx context.Context, path string, body interface{}, idempotent bool) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("couldn't marshal rollup request: %w", err)
	}

	attempts := 1
	if idempotent && c.retries > 0 {
		attempts += c.retries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			backoff := time.Duration(100<<uint(i-1)) * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
			logger.WithFields(logger.Fields{
				"path":    path,
				"attempt": i + 1,
				"error":   lastErr,
			}).Debug("retrying rollup request")
		}

		result, retryable, err := c.post(ctx, path, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, typedErrf(ErrRPCUnavailable, lastErr, "rollup %s failed after %d attempts", path, attempts)
}

func (c *RollupClient) post(ctx context.Context, path string, payload []byte) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("couldn't build rollup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("rollup %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, fmt.Errorf("rollup %s: couldn't read response: %w", path, err)
	}

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("rollup %s: status %d: %s", path, resp.StatusCode, raw)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("rollup %s: status %d: %s", path, resp.StatusCode, raw)
	}

	var env rollupEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("rollup %s: malformed response: %w", path, err)
	}
	if !env.Success {
		return nil, false, fmt.Errorf("rollup %s rejected the request: %s", path, env.Error)
	}
	return env.Result, false, nil
}
