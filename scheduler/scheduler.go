// Package scheduler is the Tick Scheduler (spec.md §4.7, §5): a cooperative
// event loop running the main tick (500ms) and the stop-loss monitor
// (150ms) off one ticker each, dispatched from a single select loop so the
// two never run at the same time; the strategy core's trading lock and
// monitor re-entrancy guard serialize them as well.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vulture/scalper/execution"
	"github.com/vulture/scalper/internal/book"
	"github.com/vulture/scalper/internal/config"
	"github.com/vulture/scalper/internal/discovery"
	"github.com/vulture/scalper/feeds"
	"github.com/vulture/scalper/quant"
	"github.com/vulture/scalper/report"
	"github.com/vulture/scalper/strategy"
	"github.com/vulture/scalper/types"
)

// Scheduler wires every component together and drives the two periodic
// tasks (spec.md C7).
type Scheduler struct {
	cfg       *config.Config
	spot      *feeds.Feed
	books     *book.Source
	bookFeed  *feeds.BookFeed
	discovery *discovery.Discovery
	quant     *quant.Engine
	gateway   execution.Gateway
	core      *strategy.Core
	reporter  *report.Reporter

	currentSlug string
	market      *types.Market

	tickNum uint64
}

// New builds a Scheduler from its collaborators.
func New(cfg *config.Config, spot *feeds.Feed, books *book.Source, bookFeed *feeds.BookFeed, disc *discovery.Discovery, quantEngine *quant.Engine, gateway execution.Gateway, core *strategy.Core, reporter *report.Reporter) *Scheduler {
	return &Scheduler{
		cfg: cfg, spot: spot, books: books, bookFeed: bookFeed, discovery: disc,
		quant: quantEngine, gateway: gateway, core: core, reporter: reporter,
	}
}

// Run starts both periodic tasks and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	mainTicker := time.NewTicker(s.cfg.TickInterval)
	monitorTicker := time.NewTicker(s.cfg.StopLossCheckInterval)
	defer mainTicker.Stop()
	defer monitorTicker.Stop()

	log.Info().Msg("🏁 scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-mainTicker.C:
			s.safeMainTick(ctx)
		case <-monitorTicker.C:
			s.safeMonitorTick()
		}
	}
}

// safeMainTick wraps the main tick in a recover guard so a recoverable
// error never terminates the scheduler (spec.md §7 "Propagation").
func (s *Scheduler) safeMainTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("main tick recovered from panic")
		}
	}()
	s.mainTick(ctx)
}

func (s *Scheduler) safeMonitorTick() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("stop-loss monitor recovered from panic")
		}
	}()
	if s.market == nil {
		return
	}
	s.core.MonitorOnce(s.market, time.Now())
}

// mainTick runs the 8-step main tick sequence (spec.md §4.7).
func (s *Scheduler) mainTick(ctx context.Context) {
	now := time.Now()

	// (1) fetch/ensure active market; evaluate rotation first.
	market, err := s.discovery.ActiveMarket(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("discovery: active market probe failed, skipping tick")
		return
	}
	if market == nil {
		log.Debug().Msg("discovery: no active market, skipping tick")
		return
	}

	if s.needsRotation(market, now) {
		s.rotate(ctx, market, now)
	}
	if s.market == nil {
		return
	}
	market = s.market

	// (2) fetch latest spot.
	spot, err := s.spot.Latest()
	if err != nil {
		log.Debug().Err(err).Msg("spot feed not ready, skipping tick")
		return
	}
	s.quant.Observe(spot, now.UnixNano())

	// (3) fetch both books.
	upBook, upErr := s.books.Get(market.TokenIDUp)
	downBook, downErr := s.books.Get(market.TokenIDDown)
	s.core.ObserveBidHistory(upBook.BestBid, downBook.BestBid)

	// (4) run paper-fill check on both tokens.
	books := make(map[string]types.BookSnapshot)
	if upErr == nil {
		books[market.TokenIDUp] = upBook
	}
	if downErr == nil {
		books[market.TokenIDDown] = downBook
	}
	s.gateway.CheckFills(books)

	// (5) update_order_status(time_remaining): hold-to-maturity.
	s.core.UpdateOrderStatus(market, now)

	// (6) safe-zone filter.
	if upErr != nil || downErr != nil || !s.core.SafeZone(upBook, downBook) {
		s.recordTick(market, spot, now)
		return
	}

	// (7) should_enter -> execute_trade.
	direction, ok, err := s.core.ShouldEnter(market, spot, now)
	if err != nil {
		log.Debug().Err(err).Msg("entry gate rejected")
	} else if ok {
		if execErr := s.core.Execute(market, direction, now); execErr != nil {
			log.Warn().Err(execErr).Msg("execute_trade failed")
		}
	}

	// (8) record tick and stats.
	s.recordTick(market, spot, now)
}

func (s *Scheduler) recordTick(market *types.Market, spot decimal.Decimal, now time.Time) {
	s.tickNum++
	fv := s.quant.FairValue(types.TokenUp, market.Strike, spot, market.TimeRemaining(now))

	upBook, _ := s.books.Get(market.TokenIDUp)
	s.reporter.RecordTick(types.TickRecord{
		Timestamp: now, TickNumber: s.tickNum, Slug: market.Slug,
		SpotPrice: spot, StrikePrice: market.Strike, FairValue: fv,
		BestBid: upBook.BestBid, BestAsk: upBook.BestAsk, Spread: upBook.Spread(),
		MinutesLeft: market.TimeRemaining(now) / 60,
	})
}

// needsRotation implements spec.md §4.7 "Market rotation" trigger: slug
// change or imminent expiry.
func (s *Scheduler) needsRotation(market *types.Market, now time.Time) bool {
	if s.market == nil {
		return true
	}
	if market.Slug != s.currentSlug {
		return true
	}
	return s.market.IsExpiring(now, s.cfg.MarketRotationThresh.Seconds())
}

// rotate runs the 5-step market-rotation sequence (spec.md §4.7).
func (s *Scheduler) rotate(ctx context.Context, next *types.Market, now time.Time) {
	log.Info().Str("new_slug", next.Slug).Msg("🔄 MARKET ROTATION")

	if s.market != nil {
		// (1) emergency exit any open position.
		s.core.EmergencyExit(s.market)

		// (2) finalize the session report.
		endingCash := s.gateway.Cash()
		if _, err := s.reporter.Finalize(s.currentSlug, s.core, endingCash, now); err != nil {
			log.Error().Err(err).Msg("failed to finalize session report")
		}
	}

	// (3) clear_all.
	if err := s.gateway.ClearAll(); err != nil {
		log.Error().Err(err).Msg("clear_all failed during rotation")
	}

	// (4) reset strategy core.
	s.core.Reset()

	// (5) resolve strike and mark new session.
	strike, err := s.discovery.ResolveStrike(ctx, next)
	if err != nil {
		log.Warn().Err(err).Msg("strike resolution failed, deferring rotation")
		return
	}
	next.Strike = strike

	s.market = next
	s.currentSlug = next.Slug
	s.reporter.StartSession(s.gateway.Cash(), now)
	s.bookFeed.Subscribe(next.TokenIDUp, next.TokenIDDown)
}

func (s *Scheduler) shutdown() {
	log.Info().Msg("🛑 scheduler stopping")
	if s.market != nil {
		endingCash := s.gateway.Cash()
		if _, err := s.reporter.Finalize(s.currentSlug, s.core, endingCash, time.Now()); err != nil {
			log.Error().Err(err).Msg("failed to finalize session report on shutdown")
		}
		s.reporter.WalletSummary(s.cfg.Bankroll, endingCash)
	}
}
