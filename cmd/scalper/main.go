// Command scalper runs the binary-market scalping engine: it discovers the
// active 15-minute UP/DOWN window, streams spot and order-book data, and
// drives the strategy core through the tick scheduler (spec.md §1, §4.7).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vulture/scalper/exec"
	"github.com/vulture/scalper/execution"
	"github.com/vulture/scalper/feeds"
	"github.com/vulture/scalper/internal/book"
	"github.com/vulture/scalper/internal/config"
	"github.com/vulture/scalper/internal/discovery"
	"github.com/vulture/scalper/quant"
	"github.com/vulture/scalper/report"
	"github.com/vulture/scalper/scheduler"
	"github.com/vulture/scalper/strategy"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	cfg.PrintSummary()

	log.Info().Str("version", version).Msg("🧠 scalper starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("shutdown requested")
		cancel()
	}()

	asset := os.Getenv("TRADING_ASSET")
	if asset == "" {
		asset = "BTC"
	}
	spotWSURL := os.Getenv("SPOT_WS_URL")
	if spotWSURL == "" {
		spotWSURL = "wss://stream.binance.com:9443/ws/btcusdt@trade"
	}

	spot := feeds.New(spotWSURL, asset)
	spot.Start()
	defer spot.Close()

	books := book.New()
	bookFeed := feeds.NewBookFeed(books)
	bookFeed.Start()
	defer bookFeed.Close()

	disc := discovery.New(cfg.ClobBaseURL, asset)
	quantEngine := quant.New()

	var gateway execution.Gateway
	if cfg.PaperTrade {
		gateway = execution.NewPaper(cfg.Bankroll)
	} else {
		client, err := exec.NewClient(cfg.ClobBaseURL, cfg.SignerPrivateKey)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize execution client")
		}
		gateway = execution.NewLive(client)
	}

	core := strategy.New(cfg, quantEngine, books, gateway)
	reporter := report.New(os.Getenv("REPORT_DIR"))

	sched := scheduler.New(cfg, spot, books, bookFeed, disc, quantEngine, gateway, core, reporter)
	sched.Run(ctx)

	log.Info().Msg("👋 scalper exited")
}
