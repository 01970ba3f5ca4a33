package execution

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulture/scalper/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestPaper_PlaceFOK_BuyDecrementsCashAndOpensPosition(t *testing.T) {
	p := NewPaper(d(20))

	id, err := p.PlaceFOK("tok-up", types.SideBuy, d(2), d(0.70))
	require.NoError(t, err)
	assert.True(t, p.IsFilled(id))

	assert.True(t, p.Cash().Equal(d(18)))
	pos, ok := p.Position("tok-up")
	require.True(t, ok)
	assert.True(t, pos.Shares.Equal(d(2).Div(d(0.70))))
}

func TestPaper_PlaceFOK_InsufficientCashNoStateChange(t *testing.T) {
	p := NewPaper(d(1))
	_, err := p.PlaceFOK("tok-up", types.SideBuy, d(5), d(0.70))
	assert.ErrorIs(t, err, ErrInsufficientCash)
	assert.True(t, p.Cash().Equal(d(1)))
	_, ok := p.Position("tok-up")
	assert.False(t, ok)
}

func TestPaper_FOK_NeverEntersOpenOrderSet(t *testing.T) {
	p := NewPaper(d(20))
	id, err := p.PlaceFOK("tok-up", types.SideBuy, d(2), d(0.70))
	require.NoError(t, err)

	assert.Empty(t, p.OpenOrders())
	assert.True(t, p.IsFilled(id))
}

func TestPaper_CheckFills_BuyFillsAtMinAskLimit(t *testing.T) {
	p := NewPaper(d(20))
	id, err := p.PlaceLimit("tok-up", types.SideBuy, d(0.75), d(2), types.TIFGTC)
	require.NoError(t, err)

	books := map[string]types.BookSnapshot{
		"tok-up": {TokenID: "tok-up", BestAsk: d(0.70), BestBid: d(0.69), AsOf: time.Now()},
	}
	fills := p.CheckFills(books)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].FillPrice.Equal(d(0.70)))
	assert.True(t, p.IsFilled(id))
	assert.True(t, p.Cash().Equal(d(20).Sub(d(0.70).Mul(d(2)))))
}

func TestPaper_CheckFills_ZeroAskNeverFills(t *testing.T) {
	p := NewPaper(d(20))
	_, err := p.PlaceLimit("tok-up", types.SideBuy, d(0.75), d(2), types.TIFGTC)
	require.NoError(t, err)

	books := map[string]types.BookSnapshot{
		"tok-up": {TokenID: "tok-up", BestAsk: decimal.Zero, BestBid: d(0.69)},
	}
	fills := p.CheckFills(books)
	assert.Empty(t, fills)
	assert.True(t, p.Cash().Equal(d(20)))
}

func TestPaper_CheckFills_SellFillsAtMaxBidLimit(t *testing.T) {
	p := NewPaper(d(20))
	_, err := p.PlaceFOK("tok-up", types.SideBuy, d(2), d(0.70))
	require.NoError(t, err)

	sellID, err := p.PlaceLimit("tok-up", types.SideSell, d(0.72), decimal.NewFromFloat(2).Div(d(0.70)), types.TIFGTC)
	require.NoError(t, err)

	books := map[string]types.BookSnapshot{
		"tok-up": {TokenID: "tok-up", BestBid: d(0.80), BestAsk: d(0.81)},
	}
	fills := p.CheckFills(books)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].FillPrice.Equal(d(0.80)))
	assert.True(t, p.IsFilled(sellID))

	_, hasPosition := p.Position("tok-up")
	assert.False(t, hasPosition, "fully sold position must be absent (I2)")
}

func TestPaper_CheckFills_RepeatSafeGuardNeverDoubleFills(t *testing.T) {
	p := NewPaper(d(20))
	id, err := p.PlaceLimit("tok-up", types.SideBuy, d(0.75), d(2), types.TIFGTC)
	require.NoError(t, err)

	books := map[string]types.BookSnapshot{
		"tok-up": {TokenID: "tok-up", BestAsk: d(0.70), BestBid: d(0.69)},
	}
	first := p.CheckFills(books)
	require.Len(t, first, 1)

	// Simulate the order reappearing in the open set (defensive scenario);
	// a second pass must purge it without emitting another fill.
	p.mu.Lock()
	p.openOrders[id] = &types.Order{ID: id, TokenID: "tok-up", Side: types.SideBuy, Price: d(0.75), Size: d(2), Status: types.OrderPending}
	p.mu.Unlock()

	second := p.CheckFills(books)
	assert.Empty(t, second)
	assert.Empty(t, p.OpenOrders())
}

func TestPaper_ExecuteFAK_ImmediateFill(t *testing.T) {
	p := NewPaper(d(20))
	_, err := p.PlaceFOK("tok-up", types.SideBuy, d(2), d(0.70))
	require.NoError(t, err)

	book := types.BookSnapshot{TokenID: "tok-up", BestBid: d(0.60)}
	ok, fill, err := p.ExecuteFAK("tok-up", types.SideSell, d(0.58), decimal.NewFromFloat(2).Div(d(0.70)), book)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, fill.FillPrice.Equal(d(0.60)))
}

func TestPaper_ClearAll_PreservesCashWipesOrdersAndPositions(t *testing.T) {
	p := NewPaper(d(20))
	_, err := p.PlaceFOK("tok-up", types.SideBuy, d(2), d(0.70))
	require.NoError(t, err)
	_, err = p.PlaceLimit("tok-up", types.SideSell, d(0.72), d(1), types.TIFGTC)
	require.NoError(t, err)

	require.NoError(t, p.ClearAll())

	assert.True(t, p.Cash().Equal(d(18)))
	assert.Empty(t, p.AllPositions())
	assert.Empty(t, p.OpenOrders())
}

func TestCashConservation_SequenceOfBuysAndSells(t *testing.T) {
	// (I1) cash = bankroll - sum(buy fill*size) + sum(sell fill*size)
	p := NewPaper(d(20))
	_, err := p.PlaceFOK("tok-up", types.SideBuy, d(2), d(0.70))
	require.NoError(t, err)

	size, _ := p.Position("tok-up")
	_, err = p.PlaceFOK("tok-up", types.SideSell, size.Shares, d(0.75))
	require.NoError(t, err)

	expected := d(20).Sub(d(2)).Add(size.Shares.Mul(d(0.75)))
	assert.True(t, p.Cash().Equal(expected))
}
