package walletgate

import (
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
)

// accountWatcher invalidates the reconciled connection when the wallet
// changes or drops its account. Events are debounced so a burst (extension
// reloads fire several in a row) produces a single reconciliation against
// the latest reported state.
type accountWatcher struct {
	conn     *Connection
	provider Provider
	debounce time.Duration

	events chan []common.Address

	stopOnce    sync.Once
	unsubscribe func()
	done        chan struct{}
	finished    chan struct{}
}

func newAccountWatcher(conn *Connection, p Provider, debounce time.Duration) *accountWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounceInterval
	}
	return &accountWatcher{
		conn:     conn,
		provider: p,
		debounce: debounce,
		events:   make(chan []common.Address, 16),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (w *accountWatcher) start() {
	w.unsubscribe = w.provider.OnAccountChange(w.push)
	go w.loop()
}

// stop unsubscribes and waits for the loop to exit. Idempotent.
func (w *accountWatcher) stop() {
	w.stopOnce.Do(func() {
		if w.unsubscribe != nil {
			w.unsubscribe()
		}
		close(w.done)
		<-w.finished
	})
}

// push forwards one event without ever blocking the provider's event
// goroutine. Losing an intermediate burst member is fine; reconciliation
// only acts on the latest state.
func (w *accountWatcher) push(accounts []common.Address) {
	select {
	case w.events <- accounts:
	default:
	}
}

func (w *accountWatcher) loop() {
	defer close(w.finished)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	var latest []common.Address
	pending := false

	for {
		select {
		case <-w.done:
			return
		case accounts := <-w.events:
			latest = accounts
			pending = true
			timer.Reset(w.debounce)
		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			w.reconcile(latest)
		}
	}
}

// reconcile compares the wallet's reported accounts against the recorded
// one. The wallet wins every disagreement.
func (w *accountWatcher) reconcile(accounts []common.Address) {
	recorded, ok := w.conn.Address()
	if !ok {
		return
	}

	if len(accounts) == 0 {
		w.conn.resetAccounts("wallet reports no accounts")
		return
	}
	if accounts[0] != recorded {
		logger.WithFields(logger.Fields{
			"recorded": recorded.Hex(),
			"wallet":   accounts[0].Hex(),
		}).Debug("wallet account differs from recorded account")
		w.conn.resetAccounts("wallet switched accounts")
	}
}
