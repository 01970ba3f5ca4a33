package report

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
	"github.com/vulture/scalper/strategy"
	"github.com/vulture/scalper/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestFinalize_ComputesWalletAndFinancialBlocks(t *testing.T) {
	cfg := &config.Config{
		Bankroll: d(20), TradeSizePct: d(0.10), MinOrderSize: d(1.00),
		MinEntryPrice: d(0.65), MaxEntryPrice: d(0.85), MaxAllowedSpread: d(0.03),
		FixedProfitTarget: d(0.02), FixedStopLoss: d(0.04), BreakevenTrigger: d(0.015),
		SessionProfitTarget: d(0.50), SessionLossLimit: d(0.40),
		StabilityTicksRequired: 15, MinCooldown: 15 * time.Second, MinTradeInterval: 5 * time.Second,
	}
	books := book.New()
	gw := execution.NewPaper(cfg.Bankroll)
	core := strategy.New(cfg, quant.New(), books, gw)

	m := &types.Market{
		Slug: "btc-updown-15m-test", TokenIDUp: "tok-up", TokenIDDown: "tok-down",
		Strike: d(50000), Start: time.Now().Add(-5 * time.Minute), End: time.Now().Add(10 * time.Minute),
	}
	books.Update(m.TokenIDUp, []book.PriceLevel{{Price: d(0.69), Size: d(10)}}, []book.PriceLevel{{Price: d(0.70), Size: d(10)}})

	direction, ok, err := core.ShouldEnter(m, d(50100), time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, core.Execute(m, direction, time.Now()))

	reporter := New("")
	reporter.StartSession(cfg.Bankroll, time.Now().Add(-1*time.Minute))
	reporter.RecordTick(types.TickRecord{Timestamp: time.Now(), SpotPrice: d(50100), StrikePrice: d(50000)})

	sess, err := reporter.Finalize(m.Slug, core, gw.Cash(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, m.Slug, sess.SessionInfo.Slug)
	assert.Equal(t, 1, sess.Statistics.ExecutedBuys)
	assert.Equal(t, 1, sess.Statistics.NakedPositions)
	assert.Len(t, sess.Trades, 2) // BUY fill + resting SELL record
	assert.True(t, gw.Cash().LessThan(cfg.Bankroll))
}

func TestRecordTick_BoundedBuffer(t *testing.T) {
	r := New("")
	for i := 0; i < tickBufferCapacity+10; i++ {
		r.RecordTick(types.TickRecord{Timestamp: time.Now()})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Len(t, r.ticks, tickBufferCapacity)
	assert.Equal(t, uint64(tickBufferCapacity+10), r.tickCount)
}
