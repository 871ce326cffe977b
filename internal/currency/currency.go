package currency

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"tillsight/backend/internal/cache"
	"tillsight/backend/internal/store"
)

const rateCacheTTL = 5 * time.Minute

// Provider resolves per-currency multipliers to the reporting currency.
// A configured rate means target_amount = source_amount * rate. Currencies
// with no configured rate convert with 1.0; callers surface that through the
// rates_warning advisory instead of failing.
type Provider struct {
	repo   store.Repository
	cache  cache.ReportCache
	target string
}

func NewProvider(repo store.Repository, reportCache cache.ReportCache, target string) *Provider {
	if reportCache == nil {
		reportCache = cache.NoopReportCache{}
	}
	target = strings.ToUpper(strings.TrimSpace(target))
	if target == "" {
		target = "GBP"
	}
	return &Provider{repo: repo, cache: reportCache, target: target}
}

func (p *Provider) Target() string {
	return p.target
}

// RatesFor returns the multiplier for every requested currency plus whether
// any real rates are configured for the organization. The configured map is
// cached briefly since every report resolves it.
func (p *Provider) RatesFor(ctx context.Context, orgID string, currencies map[string]bool) (map[string]float64, bool, error) {
	configured, err := p.configuredRates(ctx, orgID)
	if err != nil {
		return nil, false, err
	}

	result := make(map[string]float64, len(currencies))
	for curr := range currencies {
		switch {
		case curr == p.target:
			result[curr] = 1.0
		default:
			rate, ok := configured[curr]
			if !ok {
				rate = 1.0
			}
			result[curr] = rate
		}
	}
	return result, len(configured) > 0, nil
}

func (p *Provider) configuredRates(ctx context.Context, orgID string) (map[string]float64, error) {
	key := "rates:" + orgID

	if payload, ok, err := p.cache.Get(ctx, key); err == nil && ok {
		var cached map[string]float64
		if err := json.Unmarshal(payload, &cached); err == nil {
			return cached, nil
		}
	}

	rows, err := p.repo.ListExchangeRates(ctx, orgID)
	if err != nil {
		return nil, err
	}

	configured := make(map[string]float64, len(rows))
	for _, row := range rows {
		if row.Rate > 0 {
			configured[row.FromCurrency] = row.Rate
		}
	}

	if payload, err := json.Marshal(configured); err == nil {
		if err := p.cache.Set(ctx, key, payload, rateCacheTTL); err != nil {
			log.Printf("[currency] WARN: failed to cache rates for org %s: %v", orgID, err)
		}
	}
	return configured, nil
}

// Invalidate drops the cached rate map after an admin edit.
func (p *Provider) Invalidate(ctx context.Context, orgID string) {
	if err := p.cache.Delete(ctx, "rates:"+orgID); err != nil {
		log.Printf("[currency] WARN: failed to invalidate rates for org %s: %v", orgID, err)
	}
}

// Convert applies a rate to a minor-unit amount, rounding half away from zero.
func Convert(amount int64, rate float64) int64 {
	return int64(math.Round(float64(amount) * rate))
}

// RoundRate trims a rate to six decimal places for audit output.
func RoundRate(rate float64) float64 {
	return math.Round(rate*1e6) / 1e6
}

// SortedCurrencies returns the map keys in stable order for audit arrays.
func SortedCurrencies(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
