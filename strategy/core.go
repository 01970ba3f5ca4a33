// Package strategy is the Strategy Core (spec.md §4.6): entry gating, the
// paired-order lifecycle, stop-loss/breakeven management, hold-to-maturity,
// the session P&L lock, and the circuit breaker. It exclusively owns trade
// records, the active-position index, session state, circuit-breaker state,
// and the trading lock (spec.md §3 ownership summary).
package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vulture/scalper/execution"
	"github.com/vulture/scalper/internal/book"
	"github.com/vulture/scalper/internal/config"
	"github.com/vulture/scalper/quant"
	"github.com/vulture/scalper/types"
)

// position is the strategy-level record for one open token: entry terms and
// risk state the stop-loss monitor needs every tick. Share counts and cash
// live in the gateway, not here.
type position struct {
	tokenID            string
	tokenType          types.TokenType
	buyOrderID         string
	entryPrice         decimal.Decimal
	size               decimal.Decimal
	fixedStopDist      decimal.Decimal
	breakevenTriggered bool
	sellOrderID        string // resting GTC SELL, empty if none
	sellExitType       types.ExitType
}

// stats aggregates the counters exposed by GetStats (spec.md §4.6.8).
type stats struct {
	buysPlaced     int
	buysFilled     int
	sellsPlaced    int
	stopLossExits  int
	limitSellFills int
	cancelledSells int
}

// Core is the strategy state machine (spec.md §4.6).
type Core struct {
	cfg     *config.Config
	quant   *quant.Engine
	books   *book.Source
	gateway execution.Gateway

	tradingLock sync.Mutex
	monitorBusy sync.Mutex // re-entrancy guard for the stop-loss monitor (spec.md §4.7)

	mu               sync.Mutex
	active           map[string]*position // keyed by token id
	trades           []types.TradeRecord
	tradeSeq         uint64
	lastTradeInstant time.Time

	sessionPnL decimal.Decimal
	locked     bool
	lockReason types.LockReason

	// circuit breaker state (spec.md §4.6.5)
	breakerArmed   bool
	crashLow       decimal.Decimal
	crashToken     string
	lastStopLoss   time.Time
	stabilityCount int

	stats stats

	// price-history ring of UP/DOWN bids, updated every tick per §4.6.1;
	// retained for future feature use, not consulted by should_enter.
	bidHistoryUp   []decimal.Decimal
	bidHistoryDown []decimal.Decimal
}

const bidHistoryCapacity = 60

// New builds a Core wired to its collaborators.
func New(cfg *config.Config, quantEngine *quant.Engine, books *book.Source, gateway execution.Gateway) *Core {
	return &Core{
		cfg:     cfg,
		quant:   quantEngine,
		books:   books,
		gateway: gateway,
		active:  make(map[string]*position),
	}
}

// ObserveBidHistory records the latest UP/DOWN bids into the bounded
// telemetry ring (spec.md §4.6.1: "every tick the price-history ring is
// updated with the latest bids for UP and DOWN tokens, for future feature
// use").
func (c *Core) ObserveBidHistory(up, down decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bidHistoryUp = appendBounded(c.bidHistoryUp, up, bidHistoryCapacity)
	c.bidHistoryDown = appendBounded(c.bidHistoryDown, down, bidHistoryCapacity)
}

func appendBounded(ring []decimal.Decimal, v decimal.Decimal, cap int) []decimal.Decimal {
	ring = append(ring, v)
	if len(ring) > cap {
		ring = ring[len(ring)-cap:]
	}
	return ring
}

// rejection carries the gate name and optional detail, matching the tag
// vocabulary in spec.md §7.
type rejection struct {
	tag    string
	detail string
}

func (r rejection) Error() string {
	if r.detail == "" {
		return r.tag
	}
	return fmt.Sprintf("%s: %s", r.tag, r.detail)
}

// ShouldEnter runs the ordered entry gates (spec.md §4.6.1) and returns the
// candidate direction on success.
func (c *Core) ShouldEnter(market *types.Market, spot decimal.Decimal, now time.Time) (types.TokenType, bool, error) {
	c.mu.Lock()
	locked := c.locked
	breakerArmed := c.breakerArmed
	lastTrade := c.lastTradeInstant
	activeCount := len(c.active)
	c.mu.Unlock()

	// 1. Session lock.
	if locked {
		return "", false, rejection{tag: "SESSION LOCKED"}
	}

	direction := types.TokenDown
	tokenID := market.TokenIDDown
	if spot.GreaterThan(market.Strike) {
		direction = types.TokenUp
		tokenID = market.TokenIDUp
	}

	// 2. Hard price floor/ceiling on the candidate token's ask.
	snap, err := c.books.Get(tokenID)
	if err != nil {
		return "", false, rejection{tag: "MISSING BOOK", detail: err.Error()}
	}
	if snap.BestAsk.LessThan(c.cfg.MinEntryPrice) || snap.BestAsk.GreaterThan(c.cfg.MaxEntryPrice) {
		return "", false, rejection{tag: "REJECTED: floor/ceiling", detail: snap.BestAsk.String()}
	}

	// 3. Circuit breaker.
	if breakerArmed {
		remaining := c.circuitBreakerRemaining(now)
		return "", false, rejection{tag: "COOLDOWN", detail: remaining.String()}
	}

	// 4. Rate limit.
	if !lastTrade.IsZero() && now.Sub(lastTrade) < c.cfg.MinTradeInterval {
		return "", false, rejection{tag: "RATE LIMIT"}
	}

	// 5. No-pending-trade / cash check.
	if activeCount > 0 {
		return "", false, rejection{tag: "REJECTED: pending trade"}
	}
	if c.gateway.Cash().LessThan(c.cfg.MinOrderSize) {
		return "", false, rejection{tag: "REJECTED: insufficient cash"}
	}

	// 6. Time gate.
	if market.TimeRemaining(now) <= 150 {
		return "", false, rejection{tag: "REJECTED: time gate"}
	}

	return direction, true, nil
}

// SafeZone is the pre-execution short-circuit (spec.md §4.6.7): true iff
// either token's mid-price lies within the entry band.
func (c *Core) SafeZone(upBook, downBook types.BookSnapshot) bool {
	return inBand(upBook, c.cfg.MinEntryPrice, c.cfg.MaxEntryPrice) ||
		inBand(downBook, c.cfg.MinEntryPrice, c.cfg.MaxEntryPrice)
}

func inBand(b types.BookSnapshot, lo, hi decimal.Decimal) bool {
	if !b.HasBothSides() {
		return false
	}
	mid := b.BestBid.Add(b.BestAsk).Div(decimal.NewFromInt(2))
	return mid.GreaterThanOrEqual(lo) && mid.LessThanOrEqual(hi)
}

// Execute runs the execution sequence (spec.md §4.6.2) for the accepted
// direction.
func (c *Core) Execute(market *types.Market, direction types.TokenType, now time.Time) error {
	c.tradingLock.Lock()
	defer c.tradingLock.Unlock()

	c.mu.Lock()
	if len(c.active) > 0 {
		c.mu.Unlock()
		return rejection{tag: "REJECTED: pending trade"}
	}
	c.mu.Unlock()

	tokenID := market.TokenIDDown
	if direction == types.TokenUp {
		tokenID = market.TokenIDUp
	}

	snap, err := c.books.Get(tokenID)
	if err != nil {
		return rejection{tag: "MISSING BOOK", detail: err.Error()}
	}
	if snap.BestAsk.LessThanOrEqual(decimal.Zero) {
		return rejection{tag: "REJECTED: empty ask"}
	}
	if snap.BestAsk.Sub(snap.BestBid).GreaterThan(c.cfg.MaxAllowedSpread) {
		return rejection{tag: "REJECTED: spread", detail: snap.Spread().String()}
	}

	cash := c.gateway.Cash()
	amount := clampDecimal(cash.Mul(c.cfg.TradeSizePct), c.cfg.MinOrderSize, cash)
	if cash.LessThan(c.cfg.MinOrderSize) {
		return rejection{tag: "REJECTED: insufficient cash"}
	}

	price := snap.BestAsk.Round(4)
	size := amount.Div(price).Round(4)
	finalAmount := price.Mul(size)

	buyID, err := c.gateway.PlaceFOK(tokenID, types.SideBuy, finalAmount, price)
	if err != nil {
		log.Warn().Err(err).Str("token", tokenID).Msg("REJECTED: FOK buy failed")
		return nil
	}

	now2 := time.Now()
	c.mu.Lock()
	c.recordTrade(types.TradeRecord{
		OrderID: buyID, Slug: market.Slug, Side: types.SideBuy, TokenID: tokenID,
		TokenType: direction, Price: price, Size: size, Amount: finalAmount,
		Status: types.OrderFilled, Timestamp: now2,
	})
	c.stats.buysPlaced++
	c.stats.buysFilled++
	c.lastTradeInstant = now2

	pos := &position{
		tokenID: tokenID, tokenType: direction, buyOrderID: buyID,
		entryPrice: price, size: size,
		fixedStopDist: c.cfg.FixedStopLoss, breakevenTriggered: false,
	}
	c.active[tokenID] = pos
	c.mu.Unlock()

	log.Info().Str("token", tokenID).Str("price", price.String()).Str("size", size.String()).Msg("📥 entry filled")

	if price.LessThan(decimal.NewFromFloat(0.99)) {
		sellPrice := price.Add(c.cfg.FixedProfitTarget)
		cap := decimal.NewFromFloat(0.99)
		if sellPrice.GreaterThan(cap) {
			sellPrice = cap
		}
		sellID, err := c.gateway.PlaceLimit(tokenID, types.SideSell, sellPrice, size, types.TIFGTC)
		if err != nil {
			log.Warn().Err(err).Msg("failed to rest profit-take SELL")
		} else {
			c.mu.Lock()
			pos.sellOrderID = sellID
			pos.sellExitType = types.ExitLimit
			c.recordTrade(types.TradeRecord{
				OrderID: sellID, Slug: market.Slug, Side: types.SideSell, TokenID: tokenID,
				TokenType: direction, Price: sellPrice, Size: size, Amount: sellPrice.Mul(size),
				Status: types.OrderPending, PairedWith: buyID, ExitType: types.ExitLimit, Timestamp: time.Now(),
			})
			c.stats.sellsPlaced++
			c.mu.Unlock()
		}
	}

	return nil
}

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// recordTrade appends to the ledger; caller must hold c.mu.
func (c *Core) recordTrade(rec types.TradeRecord) {
	c.tradeSeq++
	if rec.OrderID == "" {
		rec.OrderID = fmt.Sprintf("TR_%d", c.tradeSeq)
	}
	c.trades = append(c.trades, rec)
}

// MonitorOnce runs the stop-loss/breakeven check for every active position
// (spec.md §4.6.3). Re-entrancy is guarded by monitorBusy; a call that finds
// the monitor already running returns immediately.
func (c *Core) MonitorOnce(market *types.Market, now time.Time) {
	if !c.monitorBusy.TryLock() {
		return
	}
	defer c.monitorBusy.Unlock()

	c.mu.Lock()
	tokens := make([]string, 0, len(c.active))
	for t := range c.active {
		tokens = append(tokens, t)
	}
	c.mu.Unlock()

	for _, tokenID := range tokens {
		c.monitorPosition(market, tokenID, now)
	}

	c.updateCircuitBreaker(now)
}

func (c *Core) monitorPosition(market *types.Market, tokenID string, now time.Time) {
	snap, err := c.books.Get(tokenID)
	if err != nil {
		return
	}
	bestBid := snap.BestBid
	if bestBid.LessThanOrEqual(decimal.Zero) {
		return
	}

	c.tradingLock.Lock()
	defer c.tradingLock.Unlock()

	c.mu.Lock()
	pos, ok := c.active[tokenID]
	c.mu.Unlock()
	if !ok {
		return
	}

	profit := bestBid.Sub(pos.entryPrice)

	c.mu.Lock()
	if !pos.breakevenTriggered && profit.GreaterThanOrEqual(c.cfg.BreakevenTrigger) {
		pos.breakevenTriggered = true
		pos.fixedStopDist = decimal.Zero
		log.Info().Str("token", tokenID).Msg("🛡️ BREAKEVEN TRIGGERED — stop moved to entry")
	}
	stopPrice := pos.entryPrice.Sub(pos.fixedStopDist)
	breakevenExit := pos.breakevenTriggered
	c.mu.Unlock()

	if bestBid.GreaterThan(decimal.Zero) && bestBid.LessThan(stopPrice) {
		c.triggerStopLoss(market, pos, bestBid, breakevenExit, now)
	}
}

// UpdateOrderStatus is the main tick's update_order_status(time_remaining)
// step (spec.md §4.7 step 5): it evaluates hold-to-maturity for every active
// position.
func (c *Core) UpdateOrderStatus(market *types.Market, now time.Time) {
	c.mu.Lock()
	tokens := make([]string, 0, len(c.active))
	for t := range c.active {
		tokens = append(tokens, t)
	}
	c.mu.Unlock()

	for _, tokenID := range tokens {
		snap, err := c.books.Get(tokenID)
		if err != nil || snap.BestBid.LessThanOrEqual(decimal.Zero) {
			continue
		}
		c.tradingLock.Lock()
		c.mu.Lock()
		pos, ok := c.active[tokenID]
		c.mu.Unlock()
		if ok {
			c.checkHoldToMaturity(market, pos, snap.BestBid, now)
		}
		c.tradingLock.Unlock()
	}
}

// triggerStopLoss implements spec.md §4.6.3 steps 1-6.
func (c *Core) triggerStopLoss(market *types.Market, pos *position, bestBid decimal.Decimal, breakevenExit bool, now time.Time) {
	c.mu.Lock()
	sellID := pos.sellOrderID
	c.mu.Unlock()

	if sellID != "" {
		if ok, _ := c.gateway.Cancel(sellID); ok {
			c.mu.Lock()
			c.markOrderCancelled(sellID)
			c.stats.cancelledSells++
			c.mu.Unlock()
		}
	}

	exitPrice := bestBid.Sub(decimal.NewFromFloat(0.02))
	floor := decimal.NewFromFloat(0.01)
	if exitPrice.LessThan(floor) {
		exitPrice = floor
	}

	ok, fill, err := c.gateway.ExecuteFAK(pos.tokenID, types.SideSell, exitPrice, pos.size, types.BookSnapshot{BestBid: bestBid})
	if err != nil || !ok {
		log.Warn().Err(err).Str("token", pos.tokenID).Msg("stop-loss FAK failed to fill")
		return
	}

	exitType := types.ExitStopLoss
	tag := "🚨 STOP LOSS TRIGGERED"
	if breakevenExit {
		exitType = types.ExitBreakeven
		tag = "🛡️ BREAKEVEN EXIT"
	}

	pnl := fill.FillPrice.Sub(pos.entryPrice).Mul(pos.size)

	c.mu.Lock()
	c.recordTrade(types.TradeRecord{
		OrderID: fill.OrderID, Slug: market.Slug, Side: types.SideSell, TokenID: pos.tokenID,
		TokenType: pos.tokenType, Price: fill.FillPrice, Size: pos.size, Amount: fill.FillPrice.Mul(pos.size),
		Status: types.OrderFilled, PairedWith: pos.buyOrderID, ExitType: exitType, Timestamp: now,
	})
	delete(c.active, pos.tokenID)
	c.stats.stopLossExits++
	c.applySessionPnL(pnl)
	c.mu.Unlock()

	log.Warn().Str("token", pos.tokenID).Str("exit_price", fill.FillPrice.String()).Str("pnl", pnl.String()).Msg(tag)

	if !breakevenExit {
		c.mu.Lock()
		c.breakerArmed = true
		c.crashLow = bestBid
		c.crashToken = pos.tokenID
		c.lastStopLoss = now
		c.stabilityCount = 0
		c.mu.Unlock()
	}
}

// checkHoldToMaturity implements spec.md §4.6.4.
func (c *Core) checkHoldToMaturity(market *types.Market, pos *position, bestBid decimal.Decimal, now time.Time) {
	if market.TimeRemaining(now) >= 45 {
		return
	}
	if bestBid.LessThanOrEqual(decimal.NewFromFloat(0.94)) {
		return
	}

	c.mu.Lock()
	sellID := pos.sellOrderID
	pending := sellID != "" && pos.sellExitType != types.ExitHoldToMaturity
	c.mu.Unlock()
	if !pending {
		return
	}

	if ok, _ := c.gateway.Cancel(sellID); ok {
		c.mu.Lock()
		c.markOrderCancelled(sellID)
		pos.sellExitType = types.ExitHoldToMaturity
		c.stats.cancelledSells++
		c.mu.Unlock()
		log.Info().Str("token", pos.tokenID).Msg("⏳ HOLD TO MATURITY")
	}
}

// markOrderCancelled updates the matching PENDING trade record's status;
// caller must hold c.mu.
func (c *Core) markOrderCancelled(orderID string) {
	for i := range c.trades {
		if c.trades[i].OrderID == orderID && c.trades[i].Status == types.OrderPending {
			c.trades[i].Status = types.OrderCancelled
			return
		}
	}
}

// applySessionPnL updates session P&L and evaluates the session lock
// (spec.md §4.6.6). Caller must hold c.mu.
func (c *Core) applySessionPnL(delta decimal.Decimal) {
	c.sessionPnL = c.sessionPnL.Add(delta)
	if c.locked {
		return
	}
	if c.sessionPnL.GreaterThanOrEqual(c.cfg.SessionProfitTarget) {
		c.locked = true
		c.lockReason = types.LockProfitTarget
		log.Warn().Str("session_pnl", c.sessionPnL.String()).Msg("🔒 SESSION LOCKED: profit target reached")
	} else if c.sessionPnL.LessThanOrEqual(c.cfg.SessionLossLimit.Neg()) {
		c.locked = true
		c.lockReason = types.LockLossLimit
		log.Warn().Str("session_pnl", c.sessionPnL.String()).Msg("🔒 SESSION LOCKED: loss limit reached")
	}
}

// updateCircuitBreaker advances the stability gate and releases the breaker
// once both gates are satisfied (spec.md §4.6.5).
func (c *Core) updateCircuitBreaker(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.breakerArmed {
		return
	}

	snap, err := c.books.Get(c.crashToken)
	if err == nil && snap.BestBid.GreaterThan(decimal.Zero) {
		if snap.BestBid.LessThanOrEqual(c.crashLow) {
			c.crashLow = snap.BestBid
			c.stabilityCount = 0
		} else {
			c.stabilityCount++
		}
	}

	timeGateOK := now.Sub(c.lastStopLoss) >= c.cfg.MinCooldown
	stabilityOK := c.stabilityCount >= c.cfg.StabilityTicksRequired

	if timeGateOK && stabilityOK {
		c.breakerArmed = false
		c.crashToken = ""
		c.stabilityCount = 0
		log.Info().Msg("✅ circuit breaker released")
	}
}

func (c *Core) circuitBreakerRemaining(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := now.Sub(c.lastStopLoss)
	remaining := c.cfg.MinCooldown - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsLocked reports whether the session is currently locked out of entries.
func (c *Core) IsLocked() (bool, types.LockReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked, c.lockReason
}

// ActivePositions returns a snapshot of currently-open strategy positions.
func (c *Core) ActivePositions() []types.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Position, 0, len(c.active))
	for _, p := range c.active {
		out = append(out, types.Position{
			TokenID: p.tokenID, TokenType: p.tokenType, Shares: p.size,
			EntryPrice: p.entryPrice, FixedStopDist: p.fixedStopDist,
			BreakevenTriggered: p.breakevenTriggered,
		})
	}
	return out
}

// TradeRecords returns a snapshot of every trade recorded this session.
func (c *Core) TradeRecords() []types.TradeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.TradeRecord, len(c.trades))
	copy(out, c.trades)
	return out
}

// Stats is the statistics snapshot exposed by GetStats (spec.md §4.6.8).
type Stats struct {
	TotalBuysPlaced int
	FilledBuys      int
	SellsPlaced     int
	StopLossExits   int
	LimitSellFills  int
	CancelledSells  int
	NakedPositions  int
	RealizedPnL     decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	NetPnL          decimal.Decimal
}

// GetStats computes the statistics snapshot (spec.md §4.6.8). Unrealized
// P&L marks each naked position to its current best bid, or 0 if
// unavailable.
func (c *Core) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	unrealized := decimal.Zero
	naked := 0
	for _, p := range c.active {
		naked++
		if snap, err := c.books.Get(p.tokenID); err == nil && snap.BestBid.GreaterThan(decimal.Zero) {
			unrealized = unrealized.Add(snap.BestBid.Sub(p.entryPrice).Mul(p.size))
		}
	}

	return Stats{
		TotalBuysPlaced: c.stats.buysPlaced,
		FilledBuys:      c.stats.buysFilled,
		SellsPlaced:     c.stats.sellsPlaced,
		StopLossExits:   c.stats.stopLossExits,
		LimitSellFills:  c.stats.limitSellFills,
		CancelledSells:  c.stats.cancelledSells,
		NakedPositions:  naked,
		RealizedPnL:     c.sessionPnL,
		UnrealizedPnL:   unrealized,
		NetPnL:          c.sessionPnL.Add(unrealized),
	}
}

// Reset clears all session-scoped state for market rotation (spec.md §4.7
// "Market rotation" step 4).
func (c *Core) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = make(map[string]*position)
	c.trades = nil
	c.tradeSeq = 0
	c.lastTradeInstant = time.Time{}
	c.sessionPnL = decimal.Zero
	c.locked = false
	c.lockReason = ""
	c.breakerArmed = false
	c.crashLow = decimal.Zero
	c.crashToken = ""
	c.lastStopLoss = time.Time{}
	c.stabilityCount = 0
	c.bidHistoryUp = nil
	c.bidHistoryDown = nil
}

// EmergencyExit attempts a FAK SELL of every active position at best_bid,
// falling back to 0.50 if the book is unavailable (spec.md §4.7 "Market
// rotation" step 1).
func (c *Core) EmergencyExit(market *types.Market) {
	c.mu.Lock()
	tokens := make([]*position, 0, len(c.active))
	for _, p := range c.active {
		tokens = append(tokens, p)
	}
	c.mu.Unlock()

	for _, pos := range tokens {
		price := decimal.NewFromFloat(0.50)
		if snap, err := c.books.Get(pos.tokenID); err == nil && snap.BestBid.GreaterThan(decimal.Zero) {
			price = snap.BestBid
		}
		ok, fill, err := c.gateway.ExecuteFAK(pos.tokenID, types.SideSell, price, pos.size, types.BookSnapshot{BestBid: price})
		if err != nil || !ok {
			log.Error().Err(err).Str("token", pos.tokenID).Msg("🆘 EMERGENCY EXIT failed")
			continue
		}
		log.Warn().Str("token", pos.tokenID).Str("price", fill.FillPrice.String()).Msg("🆘 EMERGENCY EXIT")
		c.mu.Lock()
		c.recordTrade(types.TradeRecord{
			OrderID: fill.OrderID, Slug: market.Slug, Side: types.SideSell, TokenID: pos.tokenID,
			TokenType: pos.tokenType, Price: fill.FillPrice, Size: pos.size, Amount: fill.FillPrice.Mul(pos.size),
			Status: types.OrderFilled, PairedWith: pos.buyOrderID, ExitType: types.ExitStopLoss, Timestamp: time.Now(),
		})
		c.applySessionPnL(fill.FillPrice.Sub(pos.entryPrice).Mul(pos.size))
		delete(c.active, pos.tokenID)
		c.mu.Unlock()
	}
}
