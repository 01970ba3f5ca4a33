// Package report is the Session Reporter (spec.md §4.6.8, §6.5): it
// finalizes a per-market session into the persisted JSON shape and retains a
// bounded buffer of tick-level telemetry (SPEC_FULL.md §7).
package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vulture/scalper/strategy"
	"github.com/vulture/scalper/types"
)

// tickBufferCapacity bounds the in-memory tick telemetry ring (SPEC_FULL.md
// §7, grounded on rust_bot's bounded TickData history).
const tickBufferCapacity = 500

type sessionBlock struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Duration string    `json:"duration"`
	Slug     string    `json:"slug"`
}

type walletBlock struct {
	Starting      string `json:"starting"`
	Ending        string `json:"ending"`
	NetChange     string `json:"net_change"`
	NetChangePct  string `json:"net_change_pct"`
	Profitable    bool   `json:"profitable"`
}

type exitsBlock struct {
	LimitSells  int `json:"limit_sells"`
	StopLosses  int `json:"stop_losses"`
	Cancelled   int `json:"cancelled"`
	Total       int `json:"total"`
}

type statisticsBlock struct {
	TotalBuys     int        `json:"total_buys"`
	ExecutedBuys  int        `json:"executed_buys"`
	Exits         exitsBlock `json:"exits"`
	NakedPositions int       `json:"naked_positions"`
	TotalTrades   int        `json:"total_trades"`
}

type financialBlock struct {
	Invested   string `json:"invested"`
	Proceeds   string `json:"proceeds"`
	Realized   string `json:"realized"`
	Unrealized string `json:"unrealized"`
	Net        string `json:"net"`
	ROI        string `json:"roi"`
}

type tradeJSON struct {
	ID         string `json:"id"`
	Timestamp  string `json:"timestamp"`
	Slug       string `json:"slug"`
	Side       string `json:"side"`
	TokenType  string `json:"token_type"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	Amount     string `json:"amount"`
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	PairedWith string `json:"paired_with"`
	ExitType   string `json:"exit_type"`
}

// Session is the persisted JSON shape for one market session (spec.md §6.5).
type Session struct {
	SessionInfo     sessionBlock    `json:"session"`
	Wallet          walletBlock     `json:"wallet"`
	Statistics      statisticsBlock `json:"statistics"`
	Financial       financialBlock  `json:"financial"`
	Trades          []tradeJSON     `json:"trades"`
	CompletedTrades []tradeJSON     `json:"completed_trades"`
	NakedPositions  []tradeJSON     `json:"naked_positions"`
}

// Reporter accumulates tick telemetry and finalizes session reports
// (spec.md C8).
type Reporter struct {
	outDir string

	mu        sync.Mutex
	ticks     []types.TickRecord
	tickCount uint64

	sessionStart  time.Time
	startingCash  decimal.Decimal
}

// New returns a Reporter that writes finalized sessions under outDir. With
// an empty outDir, Finalize builds the report but writes nothing to disk.
func New(outDir string) *Reporter {
	return &Reporter{outDir: outDir}
}

// StartSession marks the beginning of a new market session (spec.md §4.7
// "Market rotation" step 5).
func (r *Reporter) StartSession(startingCash decimal.Decimal, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionStart = now
	r.startingCash = startingCash
	r.ticks = nil
	r.tickCount = 0
}

// RecordTick appends a tick-level telemetry sample to the bounded buffer
// (spec.md §4.7 main tick step 8).
func (r *Reporter) RecordTick(rec types.TickRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickCount++
	rec.TickNumber = r.tickCount
	r.ticks = append(r.ticks, rec)
	if len(r.ticks) > tickBufferCapacity {
		r.ticks = r.ticks[len(r.ticks)-tickBufferCapacity:]
	}
}

// Finalize assembles the session report and writes it to disk (spec.md
// §4.7 "Market rotation" step 2, §6.5).
func (r *Reporter) Finalize(slug string, core *strategy.Core, endingCash decimal.Decimal, now time.Time) (*Session, error) {
	r.mu.Lock()
	start := r.sessionStart
	startingCash := r.startingCash
	r.mu.Unlock()

	stats := core.GetStats()
	trades := core.TradeRecords()

	tradesJSON := make([]tradeJSON, len(trades))
	var completed, naked []tradeJSON
	invested, proceeds := decimal.Zero, decimal.Zero
	buyByID := make(map[string]types.TradeRecord)

	for i, tr := range trades {
		tradesJSON[i] = toTradeJSON(tr)
		switch tr.Side {
		case types.SideBuy:
			invested = invested.Add(tr.Amount)
			buyByID[tr.OrderID] = tr
		case types.SideSell:
			if tr.Status != types.OrderFilled {
				continue
			}
			proceeds = proceeds.Add(tr.Amount)
			if buy, ok := buyByID[tr.PairedWith]; ok {
				completed = append(completed, toTradeJSON(buy), toTradeJSON(tr))
			}
		}
	}
	for _, pos := range core.ActivePositions() {
		naked = append(naked, tradeJSON{
			TokenType: string(pos.TokenType), Price: pos.EntryPrice.String(), Size: pos.Shares.String(),
		})
	}

	netChange := endingCash.Sub(startingCash)
	netChangePct := decimal.Zero
	if startingCash.GreaterThan(decimal.Zero) {
		netChangePct = netChange.Div(startingCash).Mul(decimal.NewFromInt(100))
	}
	roi := netChangePct

	sess := &Session{
		SessionInfo: sessionBlock{Start: start, End: now, Duration: now.Sub(start).String(), Slug: slug},
		Wallet: walletBlock{
			Starting: startingCash.String(), Ending: endingCash.String(),
			NetChange: netChange.String(), NetChangePct: netChangePct.StringFixed(2),
			Profitable: netChange.GreaterThan(decimal.Zero),
		},
		Statistics: statisticsBlock{
			TotalBuys: stats.TotalBuysPlaced, ExecutedBuys: stats.FilledBuys,
			Exits: exitsBlock{
				LimitSells: stats.LimitSellFills, StopLosses: stats.StopLossExits,
				Cancelled: stats.CancelledSells,
				Total:     stats.LimitSellFills + stats.StopLossExits,
			},
			NakedPositions: stats.NakedPositions,
			TotalTrades:    len(trades),
		},
		Financial: financialBlock{
			Invested: invested.String(), Proceeds: proceeds.String(),
			Realized: stats.RealizedPnL.String(), Unrealized: stats.UnrealizedPnL.String(),
			Net: stats.NetPnL.String(), ROI: roi.StringFixed(2),
		},
		Trades:          tradesJSON,
		CompletedTrades: completed,
		NakedPositions:  naked,
	}

	if err := r.write(sess, now); err != nil {
		return sess, err
	}
	return sess, nil
}

func toTradeJSON(tr types.TradeRecord) tradeJSON {
	return tradeJSON{
		ID: tr.OrderID, Timestamp: tr.Timestamp.Format(time.RFC3339), Slug: tr.Slug,
		Side: string(tr.Side), TokenType: string(tr.TokenType), Price: tr.Price.String(),
		Size: tr.Size.String(), Amount: tr.Amount.String(), OrderID: tr.OrderID,
		Status: string(tr.Status), PairedWith: tr.PairedWith, ExitType: string(tr.ExitType),
	}
}

func (r *Reporter) write(sess *Session, now time.Time) error {
	if r.outDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(r.outDir, "session_"+now.UTC().Format("20060102T150405Z")+".json")
	body, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(name, body, 0o644); err != nil {
		return err
	}
	log.Info().Str("path", name).Msg("📊 session report written")
	return nil
}

// WalletSummary logs the final wallet state at process shutdown (spec.md §5
// "Cancellation": "finalizes the report (including a wallet summary)").
func (r *Reporter) WalletSummary(startingCash, endingCash decimal.Decimal) {
	net := endingCash.Sub(startingCash)
	log.Info().
		Str("starting_cash", startingCash.String()).
		Str("ending_cash", endingCash.String()).
		Str("net_change", net.String()).
		Bool("profitable", net.GreaterThan(decimal.Zero)).
		Msg("👛 wallet summary")
}
