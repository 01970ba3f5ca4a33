package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vulture/scalper/internal/book"
)

// bookWSURL is the venue's market-data websocket (spec.md §4.3: the Order
// Book Source is fed by a live book-update stream).
const (
	bookWSURL        = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	bookPingInterval = 30 * time.Second
)

// BookFeed subscribes to the venue's market websocket and pushes top-of-book
// updates into a book.Source, which the strategy core and paper-fill check
// read synchronously (spec.md §4.3).
type BookFeed struct {
	wsURL string
	sink  *book.Source

	mu        sync.Mutex
	conn      *websocket.Conn
	running   bool
	stopCh    chan struct{}
	tokenIDs  []string
}

// NewBookFeed returns a feed that writes updates into sink.
func NewBookFeed(sink *book.Source, tokenIDs ...string) *BookFeed {
	return &BookFeed{
		wsURL:    bookWSURL,
		sink:     sink,
		stopCh:   make(chan struct{}),
		tokenIDs: tokenIDs,
	}
}

// Subscribe replaces the set of token ids this feed subscribes to, for use
// after market rotation.
func (f *BookFeed) Subscribe(tokenIDs ...string) {
	f.mu.Lock()
	f.tokenIDs = tokenIDs
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return
	}
	msg := map[string]any{"type": "subscribe", "assets_ids": tokenIDs, "channel": "market"}
	if err := conn.WriteJSON(msg); err != nil {
		log.Warn().Err(err).Msg("book feed: resubscribe failed")
	}
}

// Start connects and begins processing in the background.
func (f *BookFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Msg("📖 book feed started")
}

// Close stops the feed and closes its connection.
func (f *BookFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
}

func (f *BookFeed) connectionLoop() {
	delay := reconnectBaseDelay
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Dur("retry_in", delay).Msg("book feed: connect failed")
			if !f.sleep(delay) {
				return
			}
			delay = nextBackoff(delay)
			continue
		}

		delay = reconnectBaseDelay
		f.readLoop()
		if !f.sleep(delay) {
			return
		}
	}
}

func (f *BookFeed) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-f.stopCh:
		return false
	}
}

func (f *BookFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	tokenIDs := f.tokenIDs
	f.mu.Unlock()

	log.Info().Msg("📖 book feed connected")

	if len(tokenIDs) > 0 {
		msg := map[string]any{"type": "subscribe", "assets_ids": tokenIDs, "channel": "market"}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}

	go f.pingLoop(conn)
	return nil
}

func (f *BookFeed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(bookPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *BookFeed) readLoop() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("book feed: read error")
			return
		}
		f.handle(message)
	}
}

// bookMessage is the venue's book/price-change event shape.
type bookMessage struct {
	EventType string          `json:"event_type"`
	Asset     string          `json:"asset_id"`
	Bids      [][]interface{} `json:"bids"`
	Asks      [][]interface{} `json:"asks"`
}

func (f *BookFeed) handle(data []byte) {
	var msgs []bookMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var single bookMessage
		if err := json.Unmarshal(data, &single); err != nil {
			return
		}
		msgs = []bookMessage{single}
	}

	for _, msg := range msgs {
		if msg.EventType != "book" || msg.Asset == "" {
			continue
		}
		bids := parseLevels(msg.Bids)
		asks := parseLevels(msg.Asks)
		f.sink.Update(msg.Asset, bids, asks)
	}
}

func parseLevels(raw [][]interface{}) []book.PriceLevel {
	out := make([]book.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price, ok1 := parseDecimal(entry[0])
		size, ok2 := parseDecimal(entry[1])
		if ok1 && ok2 && size.GreaterThan(decimal.Zero) {
			out = append(out, book.PriceLevel{Price: price, Size: size})
		}
	}
	return out
}

func parseDecimal(v interface{}) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case string:
		d, err := decimal.NewFromString(val)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(val), true
	default:
		return decimal.Zero, false
	}
}
