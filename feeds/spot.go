// Package feeds implements the Spot Feed (spec.md §4.1): a single-writer,
// many-reader reference price for the underlying asset, fed over a
// websocket subscription with automatic reconnect (spec.md §6.1).
package feeds

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrNotReady is returned by Latest until the first price has been observed
// (spec.md §4.1).
var ErrNotReady = errors.New("spot feed: not ready")

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// pointUpdate is the single-point payload shape (spec.md §6.1).
type pointUpdate struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// dumpPoint is one element of a historical-dump payload.
type dumpPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// dumpUpdate is the historical-dump payload shape delivered on subscribe
// (spec.md §6.1).
type dumpUpdate struct {
	Symbol string      `json:"symbol"`
	Data   []dumpPoint `json:"data"`
}

// Feed streams a reference spot price for a single asset symbol. Start is
// single-writer; Latest/Ready may be called from any number of goroutines.
type Feed struct {
	wsURL  string
	symbol string

	mu         sync.RWMutex
	latest     decimal.Decimal
	haveLatest atomic.Bool
	strike     decimal.Decimal // first element of the initial dump, if any
	haveStrike bool

	running atomic.Bool
	stopCh  chan struct{}
}

// New returns a Feed that will stream wsURL for symbol once Start is called.
func New(wsURL, symbol string) *Feed {
	return &Feed{
		wsURL:  wsURL,
		symbol: symbol,
		stopCh: make(chan struct{}),
	}
}

// Latest returns the most recently observed price. Fails with ErrNotReady
// until the first message has arrived (spec.md §4.1).
func (f *Feed) Latest() (decimal.Decimal, error) {
	if !f.haveLatest.Load() {
		return decimal.Zero, ErrNotReady
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.latest, nil
}

// Ready reports whether Latest would currently succeed.
func (f *Feed) Ready() bool {
	return f.haveLatest.Load()
}

// StrikeReference returns the opening value of the initial historical dump,
// if one was seen, for use as an operator override of the discovered strike.
func (f *Feed) StrikeReference() (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.strike, f.haveStrike
}

// Start begins streaming in the background. It never blocks; connection and
// reconnection happen on an internal goroutine.
func (f *Feed) Start() {
	f.running.Store(true)
	go f.run()
}

// Close stops the feed: no further reconnects are attempted. An open
// connection is not interrupted here; it is closed once its pending read
// returns (next message or read error).
func (f *Feed) Close() {
	if f.running.CompareAndSwap(true, false) {
		close(f.stopCh)
	}
}

func (f *Feed) run() {
	delay := reconnectBaseDelay
	for f.running.Load() {
		conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
		if err != nil {
			log.Warn().Err(err).Str("symbol", f.symbol).Dur("retry_in", delay).Msg("spot feed: dial failed, backing off")
			if !f.sleep(delay) {
				return
			}
			delay = nextBackoff(delay)
			continue
		}

		log.Info().Str("symbol", f.symbol).Msg("🔌 spot feed connected")
		delay = reconnectBaseDelay
		f.readLoop(conn)
		conn.Close()

		if !f.running.Load() {
			return
		}
		log.Warn().Str("symbol", f.symbol).Msg("spot feed: disconnected, reconnecting")
		if !f.sleep(delay) {
			return
		}
		delay = nextBackoff(delay)
	}
}

func (f *Feed) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-f.stopCh:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return next
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	for f.running.Load() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f.handle(data)
	}
}

func (f *Feed) handle(data []byte) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}

	if _, isDump := probe["data"]; isDump {
		var dump dumpUpdate
		if err := json.Unmarshal(data, &dump); err != nil {
			return
		}
		f.applyDump(dump)
		return
	}

	var point pointUpdate
	if err := json.Unmarshal(data, &point); err != nil {
		return
	}
	f.applyPoint(point)
}

func (f *Feed) applyPoint(p pointUpdate) {
	if p.Symbol != "" && p.Symbol != f.symbol {
		return
	}
	if p.Value <= 0 {
		return
	}
	f.setLatest(decimal.NewFromFloat(p.Value))
}

func (f *Feed) applyDump(d dumpUpdate) {
	if d.Symbol != "" && d.Symbol != f.symbol {
		return
	}
	if len(d.Data) == 0 {
		return
	}

	first := d.Data[0]
	last := d.Data[len(d.Data)-1]

	if first.Value > 0 {
		f.mu.Lock()
		f.strike = decimal.NewFromFloat(first.Value)
		f.haveStrike = true
		f.mu.Unlock()
	}

	if last.Value > 0 {
		f.setLatest(decimal.NewFromFloat(last.Value))
	}
}

func (f *Feed) setLatest(v decimal.Decimal) {
	f.mu.Lock()
	f.latest = v
	f.mu.Unlock()
	f.haveLatest.Store(true)
}

// String satisfies fmt.Stringer for debug logging.
func (f *Feed) String() string {
	return fmt.Sprintf("Feed(%s)", f.symbol)
}
