// Package config loads the engine's configuration from the environment
// (spec.md §6.4). Every key has a default, so the process can start with no
// required flags; validation failures abort the process before any task
// starts (spec.md §7 kind 5).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rs/zerolog/log"
)

// Config holds all runtime configuration for the engine.
type Config struct {
	// Mode
	PaperTrade bool

	// Scheduling
	TickInterval          time.Duration
	StopLossCheckInterval time.Duration
	MarketRotationThresh  time.Duration

	// Capital
	Bankroll     decimal.Decimal
	TradeSizePct decimal.Decimal
	MinOrderSize decimal.Decimal

	// Entry band
	MinEntryPrice   decimal.Decimal
	MaxEntryPrice   decimal.Decimal
	MaxAllowedSpread decimal.Decimal

	// Exit parameters
	FixedProfitTarget decimal.Decimal
	FixedStopLoss     decimal.Decimal
	BreakevenTrigger  decimal.Decimal

	// Session lock
	SessionProfitTarget decimal.Decimal
	SessionLossLimit    decimal.Decimal

	// Circuit breaker
	StabilityTicksRequired int
	MinCooldown            time.Duration
	MinTradeInterval        time.Duration

	// Live-mode credentials (§6.3); absent in paper mode.
	SignerPrivateKey string
	ClobBaseURL      string
}

// Load reads Config from the environment, falling back to the documented
// defaults (spec.md §6.4).
func Load() (*Config, error) {
	cfg := &Config{
		PaperTrade: getEnvBool("PAPER_TRADE", true),

		TickInterval:          getEnvMillis("TICK_INTERVAL", 500),
		StopLossCheckInterval: getEnvMillis("STOP_LOSS_CHECK_INTERVAL", 150),
		MarketRotationThresh:  getEnvSeconds("MARKET_ROTATION_THRESHOLD", 30),

		Bankroll:     getEnvDecimal("BANKROLL", decimal.NewFromFloat(20.00)),
		TradeSizePct: getEnvDecimal("TRADE_SIZE_PCT", decimal.NewFromFloat(0.10)),
		MinOrderSize: getEnvDecimal("MIN_ORDER_SIZE", decimal.NewFromFloat(1.00)),

		MinEntryPrice:    getEnvDecimal("MIN_ENTRY_PRICE", decimal.NewFromFloat(0.65)),
		MaxEntryPrice:    getEnvDecimal("MAX_ENTRY_PRICE", decimal.NewFromFloat(0.85)),
		MaxAllowedSpread: getEnvDecimal("MAX_ALLOWED_SPREAD", decimal.NewFromFloat(0.03)),

		FixedProfitTarget: getEnvDecimal("FIXED_PROFIT_TARGET", decimal.NewFromFloat(0.02)),
		FixedStopLoss:     getEnvDecimal("FIXED_STOP_LOSS", decimal.NewFromFloat(0.04)),
		BreakevenTrigger:  getEnvDecimal("BREAKEVEN_TRIGGER", decimal.NewFromFloat(0.015)),

		SessionProfitTarget: getEnvDecimal("SESSION_PROFIT_TARGET", decimal.NewFromFloat(0.50)),
		SessionLossLimit:    getEnvDecimal("SESSION_LOSS_LIMIT", decimal.NewFromFloat(0.40)),

		StabilityTicksRequired: getEnvInt("STABILITY_TICKS_REQUIRED", 15),
		MinCooldown:            getEnvMillis("MIN_COOLDOWN_MS", 15000),
		MinTradeInterval:       getEnvMillis("MIN_TRADE_INTERVAL_MS", 5000),

		SignerPrivateKey: os.Getenv("SIGNER_PRIVATE_KEY"),
		ClobBaseURL:      getEnv("CLOB_BASE_URL", "https://clob.polymarket.com"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Bankroll.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("BANKROLL must be positive, got %s", c.Bankroll)
	}
	if c.MinEntryPrice.GreaterThanOrEqual(c.MaxEntryPrice) {
		return fmt.Errorf("MIN_ENTRY_PRICE (%s) must be below MAX_ENTRY_PRICE (%s)", c.MinEntryPrice, c.MaxEntryPrice)
	}
	if c.TradeSizePct.LessThanOrEqual(decimal.Zero) || c.TradeSizePct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("TRADE_SIZE_PCT must be in (0, 1], got %s", c.TradeSizePct)
	}
	if c.MinOrderSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("MIN_ORDER_SIZE must be positive, got %s", c.MinOrderSize)
	}
	if !c.PaperTrade && c.SignerPrivateKey == "" {
		return fmt.Errorf("SIGNER_PRIVATE_KEY is required when PAPER_TRADE=false")
	}
	return nil
}

// PrintSummary logs the effective configuration once at startup, the way
// rust_bot's BotConfig::print_summary does (SPEC_FULL.md §7).
func (c *Config) PrintSummary() {
	mode := "LIVE"
	if c.PaperTrade {
		mode = "PAPER"
	}
	log.Info().
		Str("mode", mode).
		Dur("tick_interval", c.TickInterval).
		Dur("stop_loss_interval", c.StopLossCheckInterval).
		Dur("rotation_threshold", c.MarketRotationThresh).
		Str("bankroll", c.Bankroll.String()).
		Str("trade_size_pct", c.TradeSizePct.String()).
		Str("entry_band", fmt.Sprintf("[%s, %s]", c.MinEntryPrice, c.MaxEntryPrice)).
		Str("max_spread", c.MaxAllowedSpread.String()).
		Str("profit_target", c.FixedProfitTarget.String()).
		Str("stop_loss", c.FixedStopLoss.String()).
		Str("breakeven_trigger", c.BreakevenTrigger.String()).
		Str("session_profit_target", c.SessionProfitTarget.String()).
		Str("session_loss_limit", c.SessionLossLimit.String()).
		Int("stability_ticks", c.StabilityTicksRequired).
		Dur("cooldown", c.MinCooldown).
		Dur("min_trade_interval", c.MinTradeInterval).
		Msg("⚙️  configuration loaded")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultMillis int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return time.Duration(defaultMillis) * time.Millisecond
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return time.Duration(defaultSeconds) * time.Second
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
