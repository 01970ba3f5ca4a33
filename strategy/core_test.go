package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulture/scalper/execution"
	"github.com/vulture/scalper/internal/book"
	"github.com/vulture/scalper/internal/config"
	"github.com/vulture/scalper/quant"
	"github.com/vulture/scalper/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testConfig() *config.Config {
	return &config.Config{
		PaperTrade:             true,
		TickInterval:           500 * time.Millisecond,
		StopLossCheckInterval:  150 * time.Millisecond,
		MarketRotationThresh:   30 * time.Second,
		Bankroll:               d(20),
		TradeSizePct:           d(0.10),
		MinOrderSize:           d(1.00),
		MinEntryPrice:          d(0.65),
		MaxEntryPrice:          d(0.85),
		MaxAllowedSpread:       d(0.03),
		FixedProfitTarget:      d(0.02),
		FixedStopLoss:          d(0.04),
		BreakevenTrigger:       d(0.015),
		SessionProfitTarget:    d(0.50),
		SessionLossLimit:       d(0.40),
		StabilityTicksRequired: 15,
		MinCooldown:            15 * time.Second,
		MinTradeInterval:       5 * time.Second,
	}
}

func newTestCore(t *testing.T, cash decimal.Decimal) (*Core, *book.Source, execution.Gateway) {
	t.Helper()
	books := book.New()
	gw := execution.NewPaper(cash)
	c := New(testConfig(), quant.New(), books, gw)
	return c, books, gw
}

func testMarket() *types.Market {
	return &types.Market{
		Slug: "btc-updown-15m-test", TokenIDUp: "tok-up", TokenIDDown: "tok-down",
		Strike: d(50000), Start: time.Now().Add(-5 * time.Minute), End: time.Now().Add(10 * time.Minute),
	}
}

// I6: a locked session must reject every entry attempt regardless of gates.
func TestShouldEnter_SessionLockBlocksEntries(t *testing.T) {
	c, books, _ := newTestCore(t, d(20))
	m := testMarket()
	books.Update(m.TokenIDUp, []book.PriceLevel{{Price: d(0.69), Size: d(10)}}, []book.PriceLevel{{Price: d(0.70), Size: d(10)}})
	books.Update(m.TokenIDDown, []book.PriceLevel{{Price: d(0.29), Size: d(10)}}, []book.PriceLevel{{Price: d(0.30), Size: d(10)}})

	c.mu.Lock()
	c.locked = true
	c.lockReason = types.LockProfitTarget
	c.mu.Unlock()

	_, ok, err := c.ShouldEnter(m, d(50100), time.Now())
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION LOCKED")
}

// I7: an armed circuit breaker blocks entries until both its time gate and
// stability gate are satisfied.
func TestShouldEnter_CircuitBreakerBlocksEntries(t *testing.T) {
	c, books, _ := newTestCore(t, d(20))
	m := testMarket()
	books.Update(m.TokenIDUp, []book.PriceLevel{{Price: d(0.69), Size: d(10)}}, []book.PriceLevel{{Price: d(0.70), Size: d(10)}})

	c.mu.Lock()
	c.breakerArmed = true
	c.lastStopLoss = time.Now()
	c.mu.Unlock()

	_, ok, err := c.ShouldEnter(m, d(50100), time.Now())
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COOLDOWN")
}

func TestCircuitBreaker_ReleasesOnlyWhenBothGatesSatisfied(t *testing.T) {
	c, books, _ := newTestCore(t, d(20))
	m := testMarket()
	books.Update(m.TokenIDUp, []book.PriceLevel{{Price: d(0.51), Size: d(10)}}, []book.PriceLevel{{Price: d(0.52), Size: d(10)}})

	c.mu.Lock()
	c.breakerArmed = true
	c.crashToken = m.TokenIDUp
	c.crashLow = d(0.50)
	c.lastStopLoss = time.Now().Add(-20 * time.Second) // time gate satisfied
	c.stabilityCount = 0
	c.mu.Unlock()

	// Price holds above crash-low for fewer than StabilityTicksRequired ticks:
	// breaker must remain armed.
	for i := 0; i < 5; i++ {
		c.updateCircuitBreaker(time.Now())
	}
	c.mu.Lock()
	stillArmed := c.breakerArmed
	c.mu.Unlock()
	assert.True(t, stillArmed, "breaker must stay armed until stability gate satisfied")

	for i := 0; i < 15; i++ {
		c.updateCircuitBreaker(time.Now())
	}
	c.mu.Lock()
	released := !c.breakerArmed
	c.mu.Unlock()
	assert.True(t, released, "breaker must release once both gates are satisfied")
}

func TestCircuitBreaker_NewLowResetsStabilityCounter(t *testing.T) {
	c, books, _ := newTestCore(t, d(20))
	m := testMarket()

	c.mu.Lock()
	c.breakerArmed = true
	c.crashToken = m.TokenIDUp
	c.crashLow = d(0.50)
	c.lastStopLoss = time.Now().Add(-20 * time.Second)
	c.mu.Unlock()

	books.Update(m.TokenIDUp, []book.PriceLevel{{Price: d(0.51), Size: d(10)}}, []book.PriceLevel{{Price: d(0.52), Size: d(10)}})
	for i := 0; i < 10; i++ {
		c.updateCircuitBreaker(time.Now())
	}
	c.mu.Lock()
	assert.Equal(t, 10, c.stabilityCount)
	c.mu.Unlock()

	// A new low must reset the stability counter to zero.
	books.Update(m.TokenIDUp, []book.PriceLevel{{Price: d(0.40), Size: d(10)}}, []book.PriceLevel{{Price: d(0.41), Size: d(10)}})
	c.updateCircuitBreaker(time.Now())
	c.mu.Lock()
	assert.Equal(t, 0, c.stabilityCount)
	assert.True(t, c.crashLow.Equal(d(0.40)))
	c.mu.Unlock()
}

// I5: the naked position count in GetStats must match the active-position
// index size.
func TestGetStats_NakedPositionCount(t *testing.T) {
	c, books, _ := newTestCore(t, d(20))
	m := testMarket()
	books.Update(m.TokenIDUp, []book.PriceLevel{{Price: d(0.69), Size: d(10)}}, []book.PriceLevel{{Price: d(0.70), Size: d(10)}})

	direction, ok, err := c.ShouldEnter(m, d(50100), time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.TokenUp, direction)

	require.NoError(t, c.Execute(m, direction, time.Now()))

	stats := c.GetStats()
	assert.Equal(t, 1, stats.NakedPositions)
	assert.Equal(t, 1, stats.FilledBuys)
}

// I4: a stop-loss exit must be paired via PairedWith to the original BUY,
// and the active position must be removed once the exit fills.
func TestStopLoss_PairsWithEntryAndClearsPosition(t *testing.T) {
	c, books, _ := newTestCore(t, d(20))
	m := testMarket()
	books.Update(m.TokenIDUp, []book.PriceLevel{{Price: d(0.69), Size: d(10)}}, []book.PriceLevel{{Price: d(0.70), Size: d(10)}})

	direction, ok, err := c.ShouldEnter(m, d(50100), time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.Execute(m, direction, time.Now()))

	require.Len(t, c.ActivePositions(), 1)
	entryPrice := c.ActivePositions()[0].EntryPrice

	// Crash the bid below entry - fixed_stop_dist.
	crashed := entryPrice.Sub(d(0.10))
	books.Update(m.TokenIDUp, []book.PriceLevel{{Price: crashed, Size: d(10)}}, []book.PriceLevel{{Price: crashed.Add(d(0.01)), Size: d(10)}})

	c.MonitorOnce(m, time.Now())

	assert.Empty(t, c.ActivePositions(), "position must be cleared once the stop-loss exit fills")

	trades := c.TradeRecords()
	var buyID string
	var found bool
	for _, tr := range trades {
		if tr.Side == types.SideBuy {
			buyID = tr.OrderID
		}
	}
	for _, tr := range trades {
		if tr.Side == types.SideSell && tr.ExitType == types.ExitStopLoss {
			assert.Equal(t, buyID, tr.PairedWith)
			found = true
		}
	}
	assert.True(t, found, "expected a STOP_LOSS sell record paired with the entry buy")

	stats := c.GetStats()
	assert.Equal(t, 1, stats.StopLossExits)
}

func TestBreakeven_MovesStopToEntryAndTagsExit(t *testing.T) {
	c, books, _ := newTestCore(t, d(20))
	m := testMarket()
	books.Update(m.TokenIDUp, []book.PriceLevel{{Price: d(0.69), Size: d(10)}}, []book.PriceLevel{{Price: d(0.70), Size: d(10)}})

	direction, ok, err := c.ShouldEnter(m, d(50100), time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.Execute(m, direction, time.Now()))

	entryPrice := c.ActivePositions()[0].EntryPrice

	// Move price up enough to trigger breakeven, but not to fill the resting
	// profit-take SELL.
	risen := entryPrice.Add(d(0.016))
	books.Update(m.TokenIDUp, []book.PriceLevel{{Price: risen, Size: d(10)}}, []book.PriceLevel{{Price: risen.Add(d(0.005)), Size: d(10)}})
	c.MonitorOnce(m, time.Now())

	require.Len(t, c.ActivePositions(), 1)
	assert.True(t, c.ActivePositions()[0].BreakevenTriggered)

	// Now drop the bid just below entry price: with stop moved to entry, this
	// must trigger a BREAKEVEN exit, not a STOP_LOSS.
	books.Update(m.TokenIDUp, []book.PriceLevel{{Price: entryPrice.Sub(d(0.001)), Size: d(10)}}, []book.PriceLevel{{Price: entryPrice, Size: d(10)}})
	c.MonitorOnce(m, time.Now())

	assert.Empty(t, c.ActivePositions())
	trades := c.TradeRecords()
	var sawBreakeven bool
	for _, tr := range trades {
		if tr.ExitType == types.ExitBreakeven {
			sawBreakeven = true
		}
	}
	assert.True(t, sawBreakeven)

	// Breakeven exits must not arm the circuit breaker.
	c.mu.Lock()
	armed := c.breakerArmed
	c.mu.Unlock()
	assert.False(t, armed)
}

func TestSessionLock_LocksAtProfitTargetAndLossLimit(t *testing.T) {
	c, _, _ := newTestCore(t, d(20))

	c.mu.Lock()
	c.applySessionPnL(d(0.50))
	locked := c.locked
	reason := c.lockReason
	c.mu.Unlock()
	assert.True(t, locked)
	assert.Equal(t, types.LockProfitTarget, reason)

	c2, _, _ := newTestCore(t, d(20))
	c2.mu.Lock()
	c2.applySessionPnL(d(-0.40))
	locked2 := c2.locked
	reason2 := c2.lockReason
	c2.mu.Unlock()
	assert.True(t, locked2)
	assert.Equal(t, types.LockLossLimit, reason2)
}

func TestSafeZone_RequiresMidInBand(t *testing.T) {
	c, _, _ := newTestCore(t, d(20))
	inBandBook := types.BookSnapshot{BestBid: d(0.69), BestAsk: d(0.71)}
	outBook := types.BookSnapshot{BestBid: d(0.10), BestAsk: d(0.12)}

	assert.True(t, c.SafeZone(inBandBook, outBook))
	assert.False(t, c.SafeZone(outBook, outBook))
}
