// Package execution is the Execution Gateway (spec.md §4.5): paper and live
// trading modes behind one contract, selected process-wide at startup. The
// gateway exclusively owns simulated cash, the per-token position map, and
// the live order set (spec.md §3 ownership summary).
package execution

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vulture/scalper/exec"
	"github.com/vulture/scalper/types"
)

var (
	// ErrInsufficientCash is returned by a BUY that would overdraw cash.
	ErrInsufficientCash = errors.New("execution: insufficient cash")
	// ErrInsufficientShares is returned by a SELL that would oversell a position.
	ErrInsufficientShares = errors.New("execution: insufficient shares")
	// ErrOrderNotFound is returned by Cancel for an unknown or already-terminal order.
	ErrOrderNotFound = errors.New("execution: order not found")
	// ErrEmptyBook is returned by ExecuteFAK when the relevant side has no quote.
	ErrEmptyBook = errors.New("execution: book side empty")
)

// Fill reports a single fill produced by a CheckFills pass or an immediate
// (FOK/FAK) execution, for the strategy to turn into a TradeRecord.
type Fill struct {
	OrderID   string
	TokenID   string
	Side      types.Side
	FillPrice decimal.Decimal
	Size      decimal.Decimal
	At        time.Time
}

// Gateway is the contract shared by paper and live execution (spec.md
// §4.5). Mode selection is process-wide; callers hold one concrete
// implementation for the lifetime of the process.
type Gateway interface {
	PlaceLimit(tokenID string, side types.Side, price, size decimal.Decimal, tif types.TimeInForce) (string, error)
	PlaceFOK(tokenID string, side types.Side, amount, price decimal.Decimal) (string, error)
	Cancel(orderID string) (bool, error)
	ExecuteFAK(tokenID string, side types.Side, price, size decimal.Decimal, book types.BookSnapshot) (bool, *Fill, error)
	IsFilled(orderID string) bool
	Position(tokenID string) (types.Position, bool)
	AllPositions() []types.Position
	Cash() decimal.Decimal
	OpenOrders() []types.Order
	ClearAll() error
	// CheckFills runs the paper-fill check for every open order against the
	// supplied book snapshots; it is a no-op in live mode since the venue
	// confirms fills itself. Called once per main tick, before
	// update_order_status and before any new entry is considered (spec.md §5).
	CheckFills(books map[string]types.BookSnapshot) []Fill
}

// ---------------------------------------------------------------------
// Paper gateway
// ---------------------------------------------------------------------

// Paper is the simulated execution gateway used when PAPER_TRADE=true
// (spec.md §4.5 "Paper mode invariants").
type Paper struct {
	mu sync.Mutex

	cash         decimal.Decimal
	positions    map[string]*types.Position // keyed by token id
	openOrders   map[string]*types.Order
	filledOrders map[string]*types.Order
	seq          uint64
}

// NewPaper returns a Paper gateway seeded with startingCash.
func NewPaper(startingCash decimal.Decimal) *Paper {
	return &Paper{
		cash:         startingCash,
		positions:    make(map[string]*types.Position),
		openOrders:   make(map[string]*types.Order),
		filledOrders: make(map[string]*types.Order),
	}
}

func (p *Paper) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), p.seq)
}

// PlaceLimit rests a GTC/GTD order in the open-order set; it is only filled
// by a later CheckFills pass.
func (p *Paper) PlaceLimit(tokenID string, side types.Side, price, size decimal.Decimal, tif types.TimeInForce) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID("LMT")
	p.openOrders[id] = &types.Order{
		ID:       id,
		TokenID:  tokenID,
		Side:     side,
		Price:    price,
		Size:     size,
		TIF:      tif,
		Status:   types.OrderPending,
		PlacedAt: time.Now(),
	}
	return id, nil
}

// PlaceFOK executes immediately against the caller-supplied reference
// price; amount is monetary for a BUY, shares for a SELL (spec.md §4.5,
// §6.3). On failure no state changes and the order is never recorded
// (spec.md §4.5: "on insufficient cash or position, it returns failure and
// performs no state change").
//
// FOK orders never enter the open-order set; a successful fill is recorded
// directly into the filled-order index (spec.md §4.5, invariant I3).
func (p *Paper) PlaceFOK(tokenID string, side types.Side, amount, price decimal.Decimal) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if price.LessThanOrEqual(decimal.Zero) || amount.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("execution: invalid FOK order price=%s amount=%s", price, amount)
	}

	var size decimal.Decimal
	switch side {
	case types.SideBuy:
		if p.cash.LessThan(amount) {
			return "", ErrInsufficientCash
		}
		size = amount.Div(price)
		p.cash = p.cash.Sub(amount)
		p.addShares(tokenID, size, price)
	case types.SideSell:
		size = amount
		pos, ok := p.positions[tokenID]
		if !ok || pos.Shares.LessThan(size) {
			return "", ErrInsufficientShares
		}
		p.cash = p.cash.Add(size.Mul(price))
		p.removeShares(tokenID, size)
	default:
		return "", fmt.Errorf("execution: unknown side %q", side)
	}

	id := p.nextID("FOK")
	p.filledOrders[id] = &types.Order{
		ID:       id,
		TokenID:  tokenID,
		Side:     side,
		Price:    price,
		Size:     size,
		TIF:      types.TIFFOK,
		Status:   types.OrderFilled,
		PlacedAt: time.Now(),
	}
	return id, nil
}

// Cancel marks an open order CANCELLED. Returns false if the order is
// unknown or already terminal.
func (p *Paper) Cancel(orderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.openOrders[orderID]
	if !ok {
		return false, nil
	}
	order.Status = types.OrderCancelled
	delete(p.openOrders, orderID)
	return true, nil
}

// ExecuteFAK is an immediate best-effort fill against the currently
// observed book, applying the same touch-fill rule as the limit-order
// fill check (spec.md §4.5). It never rests an order.
func (p *Paper) ExecuteFAK(tokenID string, side types.Side, price, size decimal.Decimal, book types.BookSnapshot) (bool, *Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	filled, fillPrice := fillCheck(side, price, book)
	if !filled {
		return false, nil, nil
	}

	id := p.nextID("FAK")
	switch side {
	case types.SideBuy:
		cost := fillPrice.Mul(size)
		if p.cash.LessThan(cost) {
			return false, nil, nil
		}
		p.cash = p.cash.Sub(cost)
		p.addShares(tokenID, size, fillPrice)
	case types.SideSell:
		pos, ok := p.positions[tokenID]
		if !ok || pos.Shares.LessThan(size) {
			return false, nil, ErrInsufficientShares
		}
		p.cash = p.cash.Add(fillPrice.Mul(size))
		p.removeShares(tokenID, size)
	default:
		return false, nil, fmt.Errorf("execution: unknown side %q", side)
	}

	p.filledOrders[id] = &types.Order{
		ID: id, TokenID: tokenID, Side: side, Price: fillPrice, Size: size,
		TIF: types.TIFFAK, Status: types.OrderFilled, PlacedAt: time.Now(),
	}
	return true, &Fill{OrderID: id, TokenID: tokenID, Side: side, FillPrice: fillPrice, Size: size, At: time.Now()}, nil
}

// IsFilled reports whether orderID has a terminal FILLED record.
func (p *Paper) IsFilled(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.filledOrders[orderID]
	return ok
}

// Position returns the current aggregate holding for tokenID. A token with
// zero shares is absent (invariant I2).
func (p *Paper) Position(tokenID string) (types.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[tokenID]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// AllPositions returns a snapshot of every held position.
func (p *Paper) AllPositions() []types.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out
}

// Cash returns the current simulated cash balance.
func (p *Paper) Cash() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

// OpenOrders returns a snapshot of every resting order.
func (p *Paper) OpenOrders() []types.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Order, 0, len(p.openOrders))
	for _, o := range p.openOrders {
		out = append(out, *o)
	}
	return out
}

// ClearAll wipes all local paper state used at market rotation (spec.md
// §4.7 "Market rotation" step 3). Cash is cumulative across the process
// lifetime and is deliberately not reset here.
func (p *Paper) ClearAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions = make(map[string]*types.Position)
	p.openOrders = make(map[string]*types.Order)
	p.filledOrders = make(map[string]*types.Order)
	return nil
}

// CheckFills applies the paper-fill rule to every open order against the
// supplied per-token book snapshots (spec.md §4.5): a BUY fills at
// min(best_ask, limit) iff best_ask>0 and best_ask<=limit; a SELL fills at
// max(best_bid, limit) iff best_bid>0 and best_bid>=limit. A zero side never
// fills. The repeat-safe guard purges any order already filled but still
// present in the open set without emitting a second fill (spec.md §4.5,
// invariant I3).
func (p *Paper) CheckFills(books map[string]types.BookSnapshot) []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()

	var fills []Fill
	for id, order := range p.openOrders {
		if _, alreadyFilled := p.filledOrders[id]; alreadyFilled {
			delete(p.openOrders, id)
			continue
		}

		book, ok := books[order.TokenID]
		if !ok {
			continue
		}

		filled, fillPrice := fillCheck(order.Side, order.Price, book)
		if !filled {
			continue
		}

		switch order.Side {
		case types.SideBuy:
			cost := fillPrice.Mul(order.Size)
			if p.cash.LessThan(cost) {
				continue
			}
			p.cash = p.cash.Sub(cost)
			p.addShares(order.TokenID, order.Size, fillPrice)
		case types.SideSell:
			pos, ok := p.positions[order.TokenID]
			if !ok || pos.Shares.LessThan(order.Size) {
				continue
			}
			p.cash = p.cash.Add(fillPrice.Mul(order.Size))
			p.removeShares(order.TokenID, order.Size)
		}

		order.Status = types.OrderFilled
		p.filledOrders[id] = order
		delete(p.openOrders, id)

		fills = append(fills, Fill{
			OrderID: id, TokenID: order.TokenID, Side: order.Side,
			FillPrice: fillPrice, Size: order.Size, At: time.Now(),
		})

		log.Debug().Str("order_id", id).Str("token", order.TokenID).
			Str("side", string(order.Side)).Str("fill_price", fillPrice.String()).
			Msg("paper fill")
	}
	return fills
}

// fillCheck implements the touch-fill rule shared by CheckFills and
// ExecuteFAK (spec.md §4.5).
func fillCheck(side types.Side, limit decimal.Decimal, book types.BookSnapshot) (filled bool, fillPrice decimal.Decimal) {
	switch side {
	case types.SideBuy:
		if book.BestAsk.GreaterThan(decimal.Zero) && book.BestAsk.LessThanOrEqual(limit) {
			return true, decimal.Min(book.BestAsk, limit)
		}
	case types.SideSell:
		if book.BestBid.GreaterThan(decimal.Zero) && book.BestBid.GreaterThanOrEqual(limit) {
			return true, decimal.Max(book.BestBid, limit)
		}
	}
	return false, decimal.Zero
}

func (p *Paper) addShares(tokenID string, size, price decimal.Decimal) {
	pos, ok := p.positions[tokenID]
	if !ok {
		p.positions[tokenID] = &types.Position{
			TokenID: tokenID, Shares: size, EntryPrice: price, EntryTime: time.Now(),
		}
		return
	}
	totalCost := pos.EntryPrice.Mul(pos.Shares).Add(price.Mul(size))
	pos.Shares = pos.Shares.Add(size)
	pos.EntryPrice = totalCost.Div(pos.Shares)
}

func (p *Paper) removeShares(tokenID string, size decimal.Decimal) {
	pos, ok := p.positions[tokenID]
	if !ok {
		return
	}
	pos.Shares = pos.Shares.Sub(size)
	if pos.Shares.LessThanOrEqual(decimal.Zero) {
		delete(p.positions, tokenID)
	}
}

// ---------------------------------------------------------------------
// Live gateway
// ---------------------------------------------------------------------

// Live submits real orders to the venue via exec.Client (spec.md §4.5 "Live
// mode"). Fills are confirmed by the venue, not simulated locally; CheckFills
// is a no-op here.
type Live struct {
	client *exec.Client

	mu         sync.Mutex
	openOrders map[string]*types.Order
	filled     map[string]*types.Order
}

// NewLive wraps an exec.Client as a Gateway.
func NewLive(client *exec.Client) *Live {
	return &Live{
		client:     client,
		openOrders: make(map[string]*types.Order),
		filled:     make(map[string]*types.Order),
	}
}

func (l *Live) PlaceLimit(tokenID string, side types.Side, price, size decimal.Decimal, tif types.TimeInForce) (string, error) {
	id, err := l.client.PlaceOrder(tokenID, side, tif, price, size, decimal.Zero)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	l.openOrders[id] = &types.Order{ID: id, TokenID: tokenID, Side: side, Price: price, Size: size, TIF: tif, Status: types.OrderPending, PlacedAt: time.Now()}
	l.mu.Unlock()
	return id, nil
}

func (l *Live) PlaceFOK(tokenID string, side types.Side, amount, price decimal.Decimal) (string, error) {
	id, err := l.client.PlaceOrder(tokenID, side, types.TIFFOK, price, decimal.Zero, amount)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	l.filled[id] = &types.Order{ID: id, TokenID: tokenID, Side: side, Price: price, TIF: types.TIFFOK, Status: types.OrderFilled, PlacedAt: time.Now()}
	l.mu.Unlock()
	return id, nil
}

func (l *Live) Cancel(orderID string) (bool, error) {
	if err := l.client.CancelOrder(orderID); err != nil {
		return false, err
	}
	l.mu.Lock()
	delete(l.openOrders, orderID)
	l.mu.Unlock()
	return true, nil
}

func (l *Live) ExecuteFAK(tokenID string, side types.Side, price, size decimal.Decimal, _ types.BookSnapshot) (bool, *Fill, error) {
	id, err := l.client.PlaceOrder(tokenID, side, types.TIFFAK, price, size, decimal.Zero)
	if err != nil {
		return false, nil, err
	}
	l.mu.Lock()
	l.filled[id] = &types.Order{ID: id, TokenID: tokenID, Side: side, Price: price, Size: size, TIF: types.TIFFAK, Status: types.OrderFilled, PlacedAt: time.Now()}
	l.mu.Unlock()
	return true, &Fill{OrderID: id, TokenID: tokenID, Side: side, FillPrice: price, Size: size, At: time.Now()}, nil
}

func (l *Live) IsFilled(orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.filled[orderID]
	return ok
}

// Position is not tracked locally in live mode; the venue is authoritative.
// Callers needing live positions should reconcile via OpenOrders/fills.
func (l *Live) Position(tokenID string) (types.Position, bool) {
	return types.Position{}, false
}

func (l *Live) AllPositions() []types.Position { return nil }

// Cash is not tracked locally in live mode.
func (l *Live) Cash() decimal.Decimal { return decimal.Zero }

func (l *Live) OpenOrders() []types.Order {
	orders, err := l.client.OpenOrders()
	if err != nil {
		log.Warn().Err(err).Msg("live gateway: failed to list open orders")
		l.mu.Lock()
		defer l.mu.Unlock()
		out := make([]types.Order, 0, len(l.openOrders))
		for _, o := range l.openOrders {
			out = append(out, *o)
		}
		return out
	}
	return orders
}

// ClearAll cancels every open order at the venue (spec.md §4.5).
func (l *Live) ClearAll() error {
	if err := l.client.CancelAll(); err != nil {
		return err
	}
	l.mu.Lock()
	l.openOrders = make(map[string]*types.Order)
	l.mu.Unlock()
	return nil
}

// CheckFills is a no-op in live mode: the venue confirms fills, it does not
// need a local touch-fill simulation.
func (l *Live) CheckFills(_ map[string]types.BookSnapshot) []Fill { return nil }

var _ Gateway = (*Paper)(nil)
var _ Gateway = (*Live)(nil)
