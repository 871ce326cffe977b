package service

import (
	"context"

	"tillsight/backend/internal/currency"
	"tillsight/backend/internal/domain"
)

// lineItemPredicate selects the line items that count toward a report. A nil
// predicate means location mode: whole transactions count. Location mode and
// category mode share every piece of arithmetic below and differ only here.
type lineItemPredicate func(domain.LineItem) bool

func (fc *filterContext) predicate() lineItemPredicate {
	if fc.mode != "category" {
		return nil
	}
	set := fc.productSet
	return func(item domain.LineItem) bool {
		_, ok := set[item.CatalogObjectID]
		return ok
	}
}

// rowTotals is the per-currency accumulation every report reduces into.
// Amounts stay in their original currency until conversion; summing across
// currencies before converting is never allowed.
type rowTotals struct {
	SalesByCurrency    map[string]int64
	GrossByCurrency    map[string]int64
	TaxByCurrency      map[string]int64
	TipByCurrency      map[string]int64
	DiscountByCurrency map[string]int64
	TransactionCount   int64
	ItemCount          int64
}

func newRowTotals() *rowTotals {
	return &rowTotals{
		SalesByCurrency:    make(map[string]int64),
		GrossByCurrency:    make(map[string]int64),
		TaxByCurrency:      make(map[string]int64),
		TipByCurrency:      make(map[string]int64),
		DiscountByCurrency: make(map[string]int64),
	}
}

// reduceRows folds transactions into per-currency totals. With a predicate,
// a transaction counts once when any of its line items match and then
// contributes its whole collected amounts; only the item count is restricted
// to the matched items. Matched transactions are a subset of the window, so
// a product-scoped total can never exceed the unscoped total over the same
// rows. Per-item gross (which ignores transaction-level discounts) is used
// only for product-level stats, never for revenue totals.
func reduceRows(txs []domain.Transaction, match lineItemPredicate) *rowTotals {
	totals := newRowTotals()
	for _, tx := range txs {
		quantity := int64(0)
		matched := match == nil
		for _, item := range tx.LineItems {
			if match == nil || match(item) {
				matched = true
				quantity += item.Quantity
			}
		}
		if !matched {
			continue
		}
		totals.SalesByCurrency[tx.Currency] += tx.NetCents
		totals.GrossByCurrency[tx.Currency] += tx.GrossCents
		totals.TaxByCurrency[tx.Currency] += tx.TaxCents
		totals.TipByCurrency[tx.Currency] += tx.TipCents
		totals.DiscountByCurrency[tx.Currency] += tx.DiscountCents
		totals.TransactionCount++
		totals.ItemCount += quantity
	}
	return totals
}

// matchesTransaction reports whether any line item passes the predicate.
// With a nil predicate every transaction matches.
func matchesTransaction(tx domain.Transaction, match lineItemPredicate) bool {
	if match == nil {
		return true
	}
	for _, item := range tx.LineItems {
		if match(item) {
			return true
		}
	}
	return false
}

// convertTotals converts one per-currency map to the reporting currency,
// group by group, and emits the audit breakdown. The warning flag is set
// when the organization has no configured rates at all.
func (s *Service) convertTotals(ctx context.Context, orgID string, byCurrency map[string]int64) (int64, []domain.CurrencyBreakdown, bool, error) {
	currencies := make(map[string]bool, len(byCurrency))
	for curr := range byCurrency {
		currencies[curr] = true
	}

	rates, hasRates, err := s.rates.RatesFor(ctx, orgID, currencies)
	if err != nil {
		return 0, nil, false, err
	}

	var total int64
	breakdown := make([]domain.CurrencyBreakdown, 0, len(byCurrency))
	for _, curr := range currency.SortedCurrencies(currencies) {
		amount := byCurrency[curr]
		rate := rates[curr]
		converted := currency.Convert(amount, rate)
		total += converted
		breakdown = append(breakdown, domain.CurrencyBreakdown{
			Currency:        curr,
			Amount:          amount,
			ConvertedAmount: converted,
			Rate:            currency.RoundRate(rate),
		})
	}
	return total, breakdown, !hasRates, nil
}

// ratesForOrg fetches the rate map once for callers that convert many
// grouped buckets (per product, per location, per hour).
func (s *Service) ratesForOrg(ctx context.Context, orgID string, byCurrency map[string]bool) (map[string]float64, bool, error) {
	return s.rates.RatesFor(ctx, orgID, byCurrency)
}

func convertMap(byCurrency map[string]int64, rates map[string]float64) int64 {
	var total int64
	for curr, amount := range byCurrency {
		rate, ok := rates[curr]
		if !ok {
			rate = 1.0
		}
		total += currency.Convert(amount, rate)
	}
	return total
}

func currencySet(txs []domain.Transaction) map[string]bool {
	set := make(map[string]bool, 2)
	for _, tx := range txs {
		set[tx.Currency] = true
	}
	return set
}

// refundTotals accumulates ex-tax refund amounts per currency from the
// embedded return entries. A transaction with returns counts once.
func refundTotals(txs []domain.Transaction, match lineItemPredicate) (map[string]int64, int64) {
	byCurrency := make(map[string]int64)
	var count int64
	for _, tx := range txs {
		if len(tx.Returns) == 0 || !matchesTransaction(tx, match) {
			continue
		}
		count++
		for _, entry := range tx.Returns {
			byCurrency[tx.Currency] += entry.TotalCents - entry.TaxCents
		}
	}
	return byCurrency, count
}
