// Package discovery implements Market Discovery (spec.md §4.2): it
// identifies the currently-active 15-minute market window by probing
// candidate boundaries in parallel, and resolves the strike price for a
// window through a separately-backed-off retry loop.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vulture/scalper/types"
)

// windowInterval is the fixed alignment period markets are bucketed into
// (spec.md §4.2: "windows align on a fixed interval (15 minutes)").
const windowInterval = 15 * time.Minute

// probeTimeout bounds each candidate HTTP probe (spec.md §5: "Market-probe
// HTTP calls use a 500 ms budget to keep rotation snappy").
const probeTimeout = 500 * time.Millisecond

// Backoff schedules for strike-price retries (spec.md §4.2): generic
// failures and rate-limit failures back off on distinct schedules, and
// neither terminates.
const (
	genericBackoffBase = 3 * time.Second
	genericBackoffCap  = 30 * time.Second
	rateLimitBackoffBase = 10 * time.Second
	rateLimitBackoffCap  = 60 * time.Second
)

// marketAPI is the subset of the venue's gamma-style REST API Discovery
// depends on (spec.md §6.2).
type marketAPI struct {
	baseURL string
	client  *http.Client
}

func newMarketAPI(baseURL string) *marketAPI {
	return &marketAPI{
		baseURL: baseURL,
		client:  &http.Client{Timeout: probeTimeout},
	}
}

type marketResponse struct {
	Slug            string `json:"slug"`
	ConditionID     string `json:"conditionId"`
	EventStartTime  string `json:"eventStartTime"`
	StartDate       string `json:"startDate"`
	EndDate         string `json:"endDate"`
	Active          bool   `json:"active"`
	AcceptingOrders bool   `json:"acceptingOrders"`
	Closed          bool   `json:"closed"`
	ClobTokenIds    string `json:"clobTokenIds"`
	Question        string `json:"question"`
}

// fetchMarket probes GET /markets?slug={slug} (spec.md §6.2).
func (a *marketAPI) fetchMarket(ctx context.Context, slug string) (*marketResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/markets?slug=%s", a.baseURL, slug), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: unexpected status %d for slug %s", resp.StatusCode, slug)
	}

	var out marketResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("discovery: decode market response: %w", err)
	}
	return &out, nil
}

// errRateLimited signals an HTTP 429 so the caller can select the
// rate-limit backoff schedule.
type errRateLimited struct{}

func (errRateLimited) Error() string { return "discovery: rate limited" }

// fetchStrike probes GET /crypto-price (spec.md §6.2).
func (a *marketAPI) fetchStrike(ctx context.Context, symbol string, eventStart, end time.Time) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/crypto-price?symbol=%s&eventStartTime=%s&variant=fifteen&endDate=%s",
		a.baseURL, symbol, eventStart.Format(time.RFC3339), end.Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return decimal.Zero, errRateLimited{}
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("discovery: strike endpoint status %d", resp.StatusCode)
	}

	var out struct {
		OpenPrice decimal.Decimal `json:"openPrice"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, fmt.Errorf("discovery: decode strike response: %w", err)
	}
	return out.OpenPrice, nil
}

// Discovery identifies and caches the active market window.
type Discovery struct {
	api    *marketAPI
	asset  string
	assetOverride decimal.Decimal

	mu          sync.RWMutex
	strikeCache map[string]decimal.Decimal
}

// New returns a Discovery for the given asset, talking to baseURL.
func New(baseURL, asset string) *Discovery {
	return &Discovery{
		api:         newMarketAPI(baseURL),
		asset:       strings.ToUpper(asset),
		strikeCache: make(map[string]decimal.Decimal),
	}
}

// SetStrikeOverride lets an operator supply a strike manually, bypassing the
// fetch loop (spec.md §4.2: "an optional operator override may supply one").
func (d *Discovery) SetStrikeOverride(strike decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assetOverride = strike
}

// ActiveMarket probes candidate end-time boundaries in parallel and returns
// the first qualifying candidate in probe order (spec.md §4.2). Returns nil
// if none qualify.
func (d *Discovery) ActiveMarket(ctx context.Context, now time.Time) (*types.Market, error) {
	candidates := candidateSlugs(d.asset, now)

	type probeResult struct {
		market *marketResponse
		err    error
	}
	results := make([]probeResult, len(candidates))

	var wg sync.WaitGroup
	for i, slug := range candidates {
		wg.Add(1)
		go func(i int, slug string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			m, err := d.api.fetchMarket(probeCtx, slug)
			results[i] = probeResult{market: m, err: err}
		}(i, slug)
	}
	wg.Wait()

	for i, r := range results {
		if r.err != nil {
			log.Debug().Err(r.err).Str("slug", candidates[i]).Msg("discovery: probe failed")
			continue
		}
		m := r.market
		if m == nil || m.Closed || !m.Active || !m.AcceptingOrders {
			continue
		}

		start, end, ok := parseWindow(m)
		if !ok {
			continue
		}
		if !(start.Compare(now) <= 0 && now.Before(end)) {
			continue
		}

		tokenUp, tokenDown, ok := parseTokenIDs(m.ClobTokenIds)
		if !ok {
			continue
		}

		market := &types.Market{
			Slug:        m.Slug,
			TokenIDUp:   tokenUp,
			TokenIDDown: tokenDown,
			Start:       start,
			End:         end,
		}
		return market, nil
	}

	return nil, nil
}

// ResolveStrike fetches and caches the strike price for a market's slug,
// retrying forever on failure with the schedule matching the failure kind
// (spec.md §4.2). It blocks until a strike is available, the override is
// set (checked before every attempt), or ctx is cancelled.
func (d *Discovery) ResolveStrike(ctx context.Context, market *types.Market) (decimal.Decimal, error) {
	d.mu.RLock()
	if !d.assetOverride.IsZero() {
		d.mu.RUnlock()
		return d.assetOverride, nil
	}
	if cached, ok := d.strikeCache[market.Slug]; ok {
		d.mu.RUnlock()
		return cached, nil
	}
	d.mu.RUnlock()

	delay := genericBackoffBase
	for {
		d.mu.RLock()
		override := d.assetOverride
		d.mu.RUnlock()
		if !override.IsZero() {
			return override, nil
		}

		strikeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		strike, err := d.api.fetchStrike(strikeCtx, d.asset, market.Start, market.End)
		cancel()

		if err == nil {
			d.mu.Lock()
			d.strikeCache[market.Slug] = strike
			d.mu.Unlock()
			return strike, nil
		}

		if ctx.Err() != nil {
			return decimal.Zero, ctx.Err()
		}

		base, cap := genericBackoffBase, genericBackoffCap
		if _, rateLimited := err.(errRateLimited); rateLimited {
			base, cap = rateLimitBackoffBase, rateLimitBackoffCap
			if delay < base {
				delay = base
			}
		}

		log.Warn().Err(err).Str("slug", market.Slug).Dur("retry_in", delay).Msg("discovery: strike fetch failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}

		delay *= 2
		if delay > cap {
			delay = cap
		}
	}
}

// candidateSlugs returns the four boundary candidates in probe order: next,
// current, previous, previous-1 (spec.md §4.2).
func candidateSlugs(asset string, now time.Time) []string {
	interval := int64(windowInterval.Seconds())
	nowTs := now.Unix()
	currentBoundary := (nowTs / interval) * interval

	boundaries := []int64{
		currentBoundary + interval, // next
		currentBoundary,            // current
		currentBoundary - interval, // prev
		currentBoundary - 2*interval, // prev-1
	}

	prefix := strings.ToLower(asset) + "-updown-15m"
	slugs := make([]string, len(boundaries))
	for i, b := range boundaries {
		slugs[i] = prefix + "-" + strconv.FormatInt(b, 10)
	}
	return slugs
}

func parseWindow(m *marketResponse) (start, end time.Time, ok bool) {
	startStr := m.EventStartTime
	if startStr == "" {
		startStr = m.StartDate
	}
	if startStr == "" || m.EndDate == "" {
		return time.Time{}, time.Time{}, false
	}
	s, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	e, err := time.Parse(time.RFC3339, m.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return s, e, true
}

// parseTokenIDs decodes the JSON-encoded clobTokenIds array where element[0]
// is UP and element[1] is DOWN (spec.md §6.2).
func parseTokenIDs(raw string) (up, down string, ok bool) {
	if raw == "" {
		return "", "", false
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil || len(ids) < 2 {
		return "", "", false
	}
	return ids[0], ids[1], true
}
