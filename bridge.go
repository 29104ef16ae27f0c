package walletgate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	bridgeWriteWait  = 10 * time.Second
	bridgePongWait   = 60 * time.Second
	bridgePingPeriod = (bridgePongWait * 9) / 10
	bridgeReadLimit  = 1 << 20

	bridgeEventBuffer = 16
)

// RPCError is a wallet-side failure travelling over the bridge, shaped
// like a JSON-RPC error object. EIP-1193 user-facing codes (4001, 4100,
// 4900, ...) arrive through this type.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wallet rpc error %d: %s", e.Code, e.Message)
}

// bridgeEnvelope is the single frame type on the wire. Requests carry ID,
// Method and Params; responses carry ID and Result or Error; wallet
// notifications carry Method and Params without an ID.
type bridgeEnvelope struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// WSBridge is a WalletTransport backed by a WebSocket endpoint the wallet
// application dials into. Mount it on an HTTP mux and point the wallet
// side at it; at most one wallet connection is live at a time, a new
// connection displaces the old one.
type WSBridge struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	connGen uint64
	pending map[uint64]chan *bridgeEnvelope
	closed  bool

	nextID atomic.Uint64
	events chan WalletEvent
}

// WSBridgeOption configures a WSBridge.
type WSBridgeOption func(*WSBridge)

// WithCheckOrigin replaces the upgrade origin check. The default accepts
// any origin because the bridge is expected to sit behind the host
// application's own listener and auth.
func WithCheckOrigin(check func(r *http.Request) bool) WSBridgeOption {
	return func(b *WSBridge) {
		b.upgrader.CheckOrigin = check
	}
}

// NewWSBridge creates a bridge ready to be mounted as an http.Handler.
func NewWSBridge(opts ...WSBridgeOption) *WSBridge {
	b := &WSBridge{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pending: make(map[uint64]chan *bridgeEnvelope),
		events:  make(chan WalletEvent, bridgeEventBuffer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ WalletTransport = (*WSBridge)(nil)

// ServeHTTP upgrades the wallet connection. A connection arriving while
// another is live replaces it; the displaced connection's in-flight
// requests fail.
func (b *WSBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithFields(logger.Fields{"error": err}).Warn("bridge: websocket upgrade failed")
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	if b.conn != nil {
		logger.Info("bridge: new wallet connection displaces the previous one")
		b.conn.Close()
		b.failPendingLocked(fmt.Errorf("wallet connection replaced"))
	}
	b.conn = conn
	b.connGen++
	gen := b.connGen
	b.mu.Unlock()

	conn.SetReadLimit(bridgeReadLimit)
	conn.SetReadDeadline(time.Now().Add(bridgePongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(bridgePongWait))
		return nil
	})

	go b.pingLoop(conn, gen)
	go b.readPump(conn, gen)
}

// Connected reports whether a wallet connection is currently live.
func (b *WSBridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && !b.closed
}

// Events yields wallet notifications. The channel is never closed; stop
// consuming when the owning provider shuts down.
func (b *WSBridge) Events() <-chan WalletEvent {
	return b.events
}

// Request sends one method call to the wallet and waits for its response
// or ctx expiry. Wallet-side failures return as *RPCError.
func (b *WSBridge) Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	id := b.nextID.Add(1)

	env := &bridgeEnvelope{ID: &id, Method: method}
	if len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("couldn't marshal params of %s: %w", method, err)
		}
		env.Params = raw
	}

	ch := make(chan *bridgeEnvelope, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, typedErrf(ErrProviderClosed, nil, "bridge is closed")
	}
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return nil, typedErrf(ErrWalletNotInstalled, nil, "no wallet is connected to the bridge")
	}
	frame, err := json.Marshal(env)
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("couldn't marshal %s frame: %w", method, err)
	}
	b.pending[id] = ch
	conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	b.mu.Unlock()

	if err != nil {
		b.unregister(id)
		return nil, fmt.Errorf("couldn't send %s to wallet: %w", method, err)
	}

	select {
	case <-ctx.Done():
		b.unregister(id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Close shuts the bridge down. In-flight requests fail and future ones
// return ErrProviderClosed.
func (b *WSBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.failPendingLocked(typedErrf(ErrProviderClosed, nil, "bridge closed"))
	return nil
}

func (b *WSBridge) unregister(id uint64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// failPendingLocked fails every in-flight request. Caller must hold b.mu.
func (b *WSBridge) failPendingLocked(cause error) {
	for id, ch := range b.pending {
		ch <- &bridgeEnvelope{Error: &RPCError{Code: -32000, Message: cause.Error()}}
		delete(b.pending, id)
	}
}

func (b *WSBridge) pingLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(bridgePingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		b.mu.Lock()
		stale := b.closed || b.connGen != gen || b.conn != conn
		if !stale {
			conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				stale = true
			}
		}
		b.mu.Unlock()
		if stale {
			return
		}
	}
}

func (b *WSBridge) readPump(conn *websocket.Conn, gen uint64) {
	defer func() {
		conn.Close()

		b.mu.Lock()
		current := !b.closed && b.connGen == gen && b.conn == conn
		if current {
			b.conn = nil
			b.failPendingLocked(fmt.Errorf("wallet connection lost"))
		}
		b.mu.Unlock()

		// Only the live connection's loss counts as a wallet disconnect.
		if current {
			b.pushEvent(WalletEvent{Type: EventDisconnect})
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithFields(logger.Fields{"error": err}).Warn("bridge: wallet connection dropped")
			}
			return
		}

		var env bridgeEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			logger.WithFields(logger.Fields{"error": err}).Debug("bridge: discarding undecodable frame")
			continue
		}

		switch {
		case env.ID != nil && env.Method == "":
			b.dispatchResponse(&env)
		case env.ID == nil && env.Method != "":
			b.dispatchNotification(&env)
		default:
			logger.WithFields(logger.Fields{"method": env.Method}).Debug("bridge: ignoring malformed frame")
		}
	}
}

func (b *WSBridge) dispatchResponse(env *bridgeEnvelope) {
	b.mu.Lock()
	ch, ok := b.pending[*env.ID]
	if ok {
		delete(b.pending, *env.ID)
	}
	b.mu.Unlock()

	if !ok {
		logger.WithFields(logger.Fields{"id": *env.ID}).Debug("bridge: response for unknown request id")
		return
	}
	ch <- env
}

func (b *WSBridge) dispatchNotification(env *bridgeEnvelope) {
	ev, ok := parseWalletEvent(env.Method, env.Params)
	if !ok {
		logger.WithFields(logger.Fields{"method": env.Method}).Debug("bridge: unknown wallet notification")
		return
	}
	b.pushEvent(ev)
}

// pushEvent delivers without blocking; a stalled consumer drops the
// oldest-pending semantics in favor of keeping the read loop alive.
func (b *WSBridge) pushEvent(ev WalletEvent) {
	select {
	case b.events <- ev:
	default:
		logger.WithFields(logger.Fields{"type": ev.Type}).Warn("bridge: event buffer full, dropping wallet event")
	}
}

// parseWalletEvent converts a notification frame into a WalletEvent.
func parseWalletEvent(method string, params json.RawMessage) (WalletEvent, bool) {
	switch WalletEventType(method) {
	case EventAccountsChanged:
		var accounts []string
		if len(params) > 0 {
			if err := json.Unmarshal(params, &accounts); err != nil {
				logger.WithFields(logger.Fields{"error": err}).Warn("bridge: malformed accountsChanged payload")
				return WalletEvent{}, false
			}
		}
		ev := WalletEvent{Type: EventAccountsChanged}
		for _, a := range accounts {
			if !common.IsHexAddress(a) {
				logger.WithFields(logger.Fields{"value": a}).Warn("bridge: ignoring malformed account in accountsChanged")
				continue
			}
			ev.Accounts = append(ev.Accounts, common.HexToAddress(a))
		}
		return ev, true

	case EventChainChanged:
		var chainHex string
		if err := json.Unmarshal(params, &chainHex); err != nil {
			// Some wallet sides wrap the chain id in a one-element array.
			var arr []string
			if err := json.Unmarshal(params, &arr); err != nil || len(arr) == 0 {
				logger.WithFields(logger.Fields{"error": err}).Warn("bridge: malformed chainChanged payload")
				return WalletEvent{}, false
			}
			chainHex = arr[0]
		}
		chainID, err := hexutil.DecodeUint64(chainHex)
		if err != nil {
			logger.WithFields(logger.Fields{"value": chainHex}).Warn("bridge: malformed chain id in chainChanged")
			return WalletEvent{}, false
		}
		return WalletEvent{Type: EventChainChanged, ChainID: chainID}, true

	case EventDisconnect:
		return WalletEvent{Type: EventDisconnect}, true

	default:
		return WalletEvent{}, false
	}
}
