// Package book is the Order Book Source (spec.md §4.3): it holds the latest
// top-of-book snapshot per token id, fed by the venue's market-data
// websocket, and answers book(token_id) synchronously for the strategy and
// the paper-fill check.
package book

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vulture/scalper/types"
)

// ErrEmptyBook is returned by Get when both sides of the book are empty
// (spec.md §4.3).
var ErrEmptyBook = errors.New("book: both sides empty")

// PriceLevel is a single resting price/size pair.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

type tokenBook struct {
	bids []PriceLevel
	asks []PriceLevel
	asOf time.Time
}

// Source tracks top-of-book for every subscribed token id. Safe for
// concurrent use by the main tick and the stop-loss monitor (spec.md §5).
type Source struct {
	mu     sync.RWMutex
	tokens map[string]*tokenBook
}

// New returns an empty Source.
func New() *Source {
	return &Source{tokens: make(map[string]*tokenBook)}
}

// Update replaces the full bid/ask ladder for a token, as delivered by a
// websocket book snapshot or delta-applied-then-resent update.
func (s *Source) Update(tokenID string, bids, asks []PriceLevel) {
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenID] = &tokenBook{bids: bids, asks: asks, asOf: time.Now()}
}

// Get returns the current BookSnapshot for tokenID. Returns ErrEmptyBook when
// both sides are empty, including when the token has never been seen
// (spec.md §4.3).
func (s *Source) Get(tokenID string) (types.BookSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tb, ok := s.tokens[tokenID]
	if !ok {
		return types.BookSnapshot{}, ErrEmptyBook
	}

	snap := types.BookSnapshot{TokenID: tokenID, AsOf: tb.asOf}
	if len(tb.bids) > 0 {
		snap.BestBid = tb.bids[0].Price
		snap.BidSize = tb.bids[0].Size
	}
	if len(tb.asks) > 0 {
		snap.BestAsk = tb.asks[0].Price
		snap.AskSize = tb.asks[0].Size
	}

	if snap.BestBid.IsZero() && snap.BestAsk.IsZero() {
		return types.BookSnapshot{}, ErrEmptyBook
	}
	return snap, nil
}
