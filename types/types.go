// Package types holds the shared domain model for the scalper engine.
//
// Kept to data plus small pure helpers (validity, time remaining, spread,
// P&L at a mark) on purpose: every other package imports types but
// types imports nothing of the engine's own packages, avoiding the import
// cycles a richer object graph would invite (see DESIGN.md).
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TimeInForce is the closed taxonomy of order lifetimes the gateway accepts.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFGTD TimeInForce = "GTD"
	TIFFOK TimeInForce = "FOK"
	TIFFAK TimeInForce = "FAK"
)

// TokenType distinguishes the two complementary outcome tokens of a market.
type TokenType string

const (
	TokenUp   TokenType = "UP"
	TokenDown TokenType = "DOWN"
)

// OrderStatus is an order's position in its PENDING -> FILLED|CANCELLED
// lifecycle. Terminal states are never mutated once reached.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// ExitType classifies why a SELL record closed a position.
type ExitType string

const (
	ExitLimit          ExitType = "LIMIT"
	ExitStopLoss       ExitType = "STOP_LOSS"
	ExitHoldToMaturity ExitType = "HOLD_TO_MATURITY"
	ExitBreakeven      ExitType = "BREAKEVEN"
)

// LockReason names why a session stopped accepting new entries.
type LockReason string

const (
	LockProfitTarget LockReason = "PROFIT_TARGET"
	LockLossLimit    LockReason = "LOSS_LIMIT"
)

// Market is the immutable descriptor of one trading window (spec.md §3).
type Market struct {
	Slug        string
	TokenIDUp   string
	TokenIDDown string
	Strike      decimal.Decimal
	Start       time.Time
	End         time.Time
	Next        *Market
}

// Valid enforces the Market invariant: end > start, token ids non-empty and
// distinct.
func (m *Market) Valid() bool {
	if m == nil {
		return false
	}
	if !m.End.After(m.Start) {
		return false
	}
	if m.TokenIDUp == "" || m.TokenIDDown == "" || m.TokenIDUp == m.TokenIDDown {
		return false
	}
	return true
}

// TimeRemaining returns seconds until End, floored at zero.
func (m *Market) TimeRemaining(now time.Time) float64 {
	rem := m.End.Sub(now).Seconds()
	if rem < 0 {
		return 0
	}
	return rem
}

// IsExpiring reports whether fewer than thresholdSeconds remain.
func (m *Market) IsExpiring(now time.Time, thresholdSeconds float64) bool {
	return m.End.Sub(now).Seconds() < thresholdSeconds
}

// BookSnapshot is a per-token quote at an instant (spec.md §3).
//
// Zero values for BestAsk/BestBid denote an empty side; callers must treat
// zero as "never fills", not as a real price of zero.
type BookSnapshot struct {
	TokenID string
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	BidSize decimal.Decimal
	AskSize decimal.Decimal
	AsOf    time.Time
}

// Spread returns BestAsk - BestBid. Callers must only rely on this when both
// sides are populated; HasBothSides guards that.
func (b BookSnapshot) Spread() decimal.Decimal {
	return b.BestAsk.Sub(b.BestBid)
}

// HasBothSides reports whether both quote sides are present.
func (b BookSnapshot) HasBothSides() bool {
	return b.BestBid.GreaterThan(decimal.Zero) && b.BestAsk.GreaterThan(decimal.Zero)
}

// Order is a work item submitted to the execution gateway (spec.md §3).
type Order struct {
	ID       string
	TokenID  string
	Side     Side
	Price    decimal.Decimal
	Size     decimal.Decimal
	TIF      TimeInForce
	Status   OrderStatus
	PlacedAt time.Time
}

// TradeRecord is the ledger entry for every submitted order outcome
// (spec.md §3).
type TradeRecord struct {
	OrderID    string
	Slug       string
	Side       Side
	TokenID    string
	TokenType  TokenType
	Price      decimal.Decimal
	Size       decimal.Decimal
	Amount     decimal.Decimal
	Status     OrderStatus
	PairedWith string // order id of the BUY this SELL closes, empty for BUYs
	ExitType   ExitType
	Timestamp  time.Time
}

// Position is the aggregate holding for one token in paper mode
// (spec.md §3).
type Position struct {
	TokenID    string
	TokenType  TokenType
	Shares     decimal.Decimal
	EntryPrice decimal.Decimal
	EntryTime  time.Time

	// Per-position risk state carried by the strategy core, not the
	// gateway: fixed_stop_dist and breakeven_triggered travel with the
	// position because the stop-loss monitor needs them every tick.
	FixedStopDist      decimal.Decimal
	BreakevenTriggered bool
}

// PnL returns unrealized P&L at the given mark price.
func (p *Position) PnL(mark decimal.Decimal) decimal.Decimal {
	return mark.Sub(p.EntryPrice).Mul(p.Shares)
}

// TickRecord is a per-tick telemetry sample retained by the Session
// Reporter (SPEC_FULL.md §7, grounded on rust_bot's TickData).
type TickRecord struct {
	Timestamp   time.Time
	TickNumber  uint64
	Slug        string
	SpotPrice   decimal.Decimal
	StrikePrice decimal.Decimal
	FairValue   float64
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	Spread      decimal.Decimal
	MinutesLeft float64
	State       string
}
