package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"tillsight/backend/internal/currency"
	"tillsight/backend/internal/domain"
	"tillsight/backend/internal/store"
)

const fastSummaryCacheTTL = 60 * time.Second

// reportScope is the fully resolved request every report starts from.
type reportScope struct {
	actor    domain.Actor
	fc       *filterContext
	start    time.Time
	end      time.Time
	currency string
	match    lineItemPredicate
}

func (rs *reportScope) startDate() string { return rs.start.Format("2006-01-02") }
func (rs *reportScope) endDate() string   { return rs.end.Format("2006-01-02") }

func (s *Service) prepare(ctx context.Context, req domain.ReportRequest) (*reportScope, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	req.OrgID = actor.OrgID

	fc, err := s.resolveFilter(ctx, actor, req)
	if err != nil {
		return nil, err
	}
	start, end, err := s.resolveDateRange(req)
	if err != nil {
		return nil, err
	}
	reporting, err := s.resolveCurrency(req.Currency)
	if err != nil {
		return nil, err
	}

	return &reportScope{
		actor:    actor,
		fc:       fc,
		start:    start,
		end:      end,
		currency: reporting,
		match:    fc.predicate(),
	}, nil
}

// loadTotals produces the shared per-currency totals. Location mode uses the
// database-grouped aggregation; category mode scans line items in memory.
func (s *Service) loadTotals(ctx context.Context, rs *reportScope) (*rowTotals, error) {
	if rs.fc.mode == "location" {
		aggs, err := s.repo.AggregateSalesByCurrency(ctx, rs.actor.OrgID, rs.fc.locationIDs, rs.start, rs.end)
		if err != nil {
			return nil, err
		}
		totals := newRowTotals()
		for _, agg := range aggs {
			totals.SalesByCurrency[agg.Currency] += agg.NetCents
			totals.GrossByCurrency[agg.Currency] += agg.GrossCents
			totals.TaxByCurrency[agg.Currency] += agg.TaxCents
			totals.TipByCurrency[agg.Currency] += agg.TipCents
			totals.DiscountByCurrency[agg.Currency] += agg.DiscountCents
			totals.TransactionCount += agg.TransactionCount
		}
		return totals, nil
	}

	txs, err := s.repo.ListTransactionsWindow(ctx, rs.actor.OrgID, rs.fc.locationIDs, rs.start, rs.end, true)
	if err != nil {
		return nil, err
	}
	return reduceRows(txs, rs.match), nil
}

func (s *Service) completedWindow(ctx context.Context, rs *reportScope) ([]domain.Transaction, error) {
	return s.repo.ListTransactionsWindow(ctx, rs.actor.OrgID, rs.fc.locationIDs, rs.start, rs.end, true)
}

func (s *Service) Aggregation(ctx context.Context, req domain.ReportRequest) (domain.AggregationResponse, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return domain.AggregationResponse{}, err
	}

	resp := domain.AggregationResponse{
		Currency:   rs.currency,
		ByCurrency: []domain.CurrencyBreakdown{},
		Mode:       rs.fc.mode,
		StartDate:  rs.startDate(),
		EndDate:    rs.endDate(),
	}
	if len(rs.fc.locationIDs) == 0 {
		return resp, nil
	}

	totals, err := s.loadTotals(ctx, rs)
	if err != nil {
		return domain.AggregationResponse{}, err
	}

	total, breakdown, warning, err := s.convertTotals(ctx, rs.actor.OrgID, totals.SalesByCurrency)
	if err != nil {
		return domain.AggregationResponse{}, err
	}

	grossCurrencies := make(map[string]bool, len(totals.GrossByCurrency))
	for curr := range totals.GrossByCurrency {
		grossCurrencies[curr] = true
	}
	rates, _, err := s.ratesForOrg(ctx, rs.actor.OrgID, grossCurrencies)
	if err != nil {
		return domain.AggregationResponse{}, err
	}

	resp.TotalSalesCents = total
	resp.GrossSalesCents = convertMap(totals.GrossByCurrency, rates)
	resp.TransactionCount = totals.TransactionCount
	resp.ByCurrency = breakdown
	resp.RatesWarning = warning
	if totals.TransactionCount > 0 {
		resp.AverageSaleCents = total / totals.TransactionCount
	}
	return resp, nil
}

func (s *Service) Summary(ctx context.Context, req domain.ReportRequest) (domain.SummaryResponse, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	resp := domain.SummaryResponse{
		Currency:   rs.currency,
		ByCurrency: []domain.CurrencyBreakdown{},
		Mode:       rs.fc.mode,
		StartDate:  rs.startDate(),
		EndDate:    rs.endDate(),
	}
	if len(rs.fc.locationIDs) == 0 {
		return resp, nil
	}

	txs, err := s.completedWindow(ctx, rs)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	totals := reduceRows(txs, rs.match)
	salesTotal, breakdown, warning, err := s.convertTotals(ctx, rs.actor.OrgID, totals.SalesByCurrency)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	refundsByCurrency, refundCount := refundTotals(txs, rs.match)
	refundCurrencies := make(map[string]bool, len(refundsByCurrency))
	for curr := range refundsByCurrency {
		refundCurrencies[curr] = true
	}
	rates, _, err := s.ratesForOrg(ctx, rs.actor.OrgID, refundCurrencies)
	if err != nil {
		return domain.SummaryResponse{}, err
	}
	refundTotal := convertMap(refundsByCurrency, rates)

	resp.TotalSalesCents = salesTotal
	resp.RefundCents = refundTotal
	resp.NetSalesCents = salesTotal - refundTotal
	resp.TransactionCount = totals.TransactionCount
	resp.RefundCount = refundCount
	resp.ByCurrency = breakdown
	resp.RatesWarning = warning
	return resp, nil
}

// FastSummary serves the dashboard header from pre-aggregated DailySummary
// rows. Category scope cannot use the rollup (product filtering is row
// granular), so it falls back to the line-item scan with the same shape.
func (s *Service) FastSummary(ctx context.Context, req domain.ReportRequest) (domain.FastSummaryResponse, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return domain.FastSummaryResponse{}, err
	}

	if rs.fc.mode == "category" {
		return s.fastSummaryFromRows(ctx, rs)
	}

	cacheKey := fmt.Sprintf("fastsum:%s:%s:%s:%s", rs.actor.OrgID, strings.Join(rs.fc.locationIDs, ","), rs.startDate(), rs.endDate())
	if payload, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
		var cached domain.FastSummaryResponse
		if err := json.Unmarshal(payload, &cached); err == nil {
			return cached, nil
		}
	}

	resp, err := s.fastSummaryFromRollup(ctx, rs)
	if err != nil {
		return domain.FastSummaryResponse{}, err
	}

	if payload, err := json.Marshal(resp); err == nil {
		if err := s.cache.Set(ctx, cacheKey, payload, fastSummaryCacheTTL); err != nil {
			log.Printf("[service] WARN: failed to cache fast summary: %v", err)
		}
	}
	return resp, nil
}

func (s *Service) fastSummaryFromRollup(ctx context.Context, rs *reportScope) (domain.FastSummaryResponse, error) {
	resp := newFastSummaryResponse(rs)
	if len(rs.fc.locationIDs) == 0 {
		return resp, nil
	}

	rows, err := s.repo.ListDailySummaries(ctx, rs.actor.OrgID, rs.fc.locationIDs, rs.start, rs.end)
	if err != nil {
		return domain.FastSummaryResponse{}, err
	}

	hourSales := make(map[int]int64)
	hourTx := make(map[int]int64)
	dates := make(map[string]bool)
	products := make(map[string]*domain.ProductStat)
	productCurrency := make(map[string]string)
	currencies := make(map[string]bool)

	for _, row := range rows {
		curr := row.Currency
		if curr == "" {
			curr = rs.currency
		}
		currencies[curr] = true
		dates[row.Date] = true

		resp.SalesByCurrency[curr] += row.TotalSalesCents
		resp.TaxByCurrency[curr] += row.TaxCents
		resp.DiscountByCurrency[curr] += row.DiscountCents
		resp.RefundByCurrency[curr] += row.RefundCents
		resp.TransactionCount += row.TransactionCount
		resp.ItemCount += row.ItemCount
		resp.RefundCount += row.RefundCount

		for hour, stats := range row.HourlyBreakdown {
			hourSales[hour] += stats.SalesCents
			hourTx[hour] += stats.Transactions
		}
		for _, product := range row.TopProducts {
			stat, ok := products[product.CatalogObjectID]
			if !ok {
				stat = &domain.ProductStat{CatalogObjectID: product.CatalogObjectID, Name: product.Name}
				products[product.CatalogObjectID] = stat
				productCurrency[product.CatalogObjectID] = curr
			}
			stat.Quantity += product.Quantity
			stat.RevenueCents += product.RevenueCents
		}
	}

	rates, hasRates, err := s.ratesForOrg(ctx, rs.actor.OrgID, currencies)
	if err != nil {
		return domain.FastSummaryResponse{}, err
	}
	resp.RatesWarning = !hasRates
	resp.TotalSalesCents = convertMap(resp.SalesByCurrency, rates)
	resp.TaxCents = convertMap(resp.TaxByCurrency, rates)
	resp.DiscountCents = convertMap(resp.DiscountByCurrency, rates)
	resp.RefundCents = convertMap(resp.RefundByCurrency, rates)

	grossByCurrency := make(map[string]int64)
	tipByCurrency := make(map[string]int64)
	for _, row := range rows {
		curr := row.Currency
		if curr == "" {
			curr = rs.currency
		}
		grossByCurrency[curr] += row.GrossSalesCents
		tipByCurrency[curr] += row.TipCents
	}
	resp.GrossSalesCents = convertMap(grossByCurrency, rates)
	resp.TipCents = convertMap(tipByCurrency, rates)

	resp.DaysCovered = len(dates)
	resp.HourlyAverages = hourlyAverages(hourSales, hourTx, len(dates))
	resp.TopProducts = mergeTopProducts(products, productCurrency, rates, 20)
	return resp, nil
}

func (s *Service) fastSummaryFromRows(ctx context.Context, rs *reportScope) (domain.FastSummaryResponse, error) {
	resp := newFastSummaryResponse(rs)
	if len(rs.fc.locationIDs) == 0 {
		return resp, nil
	}

	txs, err := s.completedWindow(ctx, rs)
	if err != nil {
		return domain.FastSummaryResponse{}, err
	}

	totals := reduceRows(txs, rs.match)
	refundsByCurrency, refundCount := refundTotals(txs, rs.match)

	hourSales := make(map[int]int64)
	hourTx := make(map[int]int64)
	dates := make(map[string]bool)
	products := make(map[string]*domain.ProductStat)
	productCurrency := make(map[string]string)

	for _, tx := range txs {
		if !matchesTransaction(tx, rs.match) {
			continue
		}
		dates[tx.ClosedAt.UTC().Format("2006-01-02")] = true
		hour := tx.ClosedAt.UTC().Hour()
		hourTx[hour]++
		for _, item := range tx.LineItems {
			if rs.match != nil && !rs.match(item) {
				continue
			}
			hourSales[hour] += item.GrossSalesCents
			stat, ok := products[item.CatalogObjectID]
			if !ok {
				stat = &domain.ProductStat{CatalogObjectID: item.CatalogObjectID, Name: item.ItemName}
				products[item.CatalogObjectID] = stat
				productCurrency[item.CatalogObjectID] = tx.Currency
			}
			stat.Quantity += item.Quantity
			stat.RevenueCents += item.GrossSalesCents
		}
	}

	currencies := currencySet(txs)
	rates, hasRates, err := s.ratesForOrg(ctx, rs.actor.OrgID, currencies)
	if err != nil {
		return domain.FastSummaryResponse{}, err
	}

	resp.SalesByCurrency = totals.SalesByCurrency
	resp.TaxByCurrency = totals.TaxByCurrency
	resp.DiscountByCurrency = totals.DiscountByCurrency
	resp.RefundByCurrency = refundsByCurrency
	resp.TotalSalesCents = convertMap(totals.SalesByCurrency, rates)
	resp.GrossSalesCents = convertMap(totals.GrossByCurrency, rates)
	resp.TaxCents = convertMap(totals.TaxByCurrency, rates)
	resp.TipCents = convertMap(totals.TipByCurrency, rates)
	resp.DiscountCents = convertMap(totals.DiscountByCurrency, rates)
	resp.RefundCents = convertMap(refundsByCurrency, rates)
	resp.TransactionCount = totals.TransactionCount
	resp.ItemCount = totals.ItemCount
	resp.RefundCount = refundCount
	resp.RatesWarning = !hasRates
	resp.DaysCovered = len(dates)
	resp.HourlyAverages = hourlyAverages(hourSales, hourTx, len(dates))
	resp.TopProducts = mergeTopProducts(products, productCurrency, rates, 20)
	return resp, nil
}

func newFastSummaryResponse(rs *reportScope) domain.FastSummaryResponse {
	return domain.FastSummaryResponse{
		Currency:           rs.currency,
		SalesByCurrency:    make(map[string]int64),
		TaxByCurrency:      make(map[string]int64),
		DiscountByCurrency: make(map[string]int64),
		RefundByCurrency:   make(map[string]int64),
		HourlyAverages:     []domain.HourlyAverage{},
		TopProducts:        []domain.ProductStat{},
		StartDate:          rs.startDate(),
		EndDate:            rs.endDate(),
	}
}

func hourlyAverages(hourSales map[int]int64, hourTx map[int]int64, days int) []domain.HourlyAverage {
	if days < 1 {
		days = 1
	}
	hours := make([]int, 0, len(hourTx))
	seen := make(map[int]bool)
	for hour := range hourSales {
		if !seen[hour] {
			seen[hour] = true
			hours = append(hours, hour)
		}
	}
	for hour := range hourTx {
		if !seen[hour] {
			seen[hour] = true
			hours = append(hours, hour)
		}
	}
	sort.Ints(hours)

	result := make([]domain.HourlyAverage, 0, len(hours))
	for _, hour := range hours {
		result = append(result, domain.HourlyAverage{
			Hour:                hour,
			AverageSalesCents:   hourSales[hour] / int64(days),
			AverageTransactions: math.Round(float64(hourTx[hour])/float64(days)*100) / 100,
		})
	}
	return result
}

func mergeTopProducts(products map[string]*domain.ProductStat, productCurrency map[string]string, rates map[string]float64, limit int) []domain.ProductStat {
	merged := make([]domain.ProductStat, 0, len(products))
	for id, stat := range products {
		rate, ok := rates[productCurrency[id]]
		if !ok {
			rate = 1.0
		}
		copied := *stat
		copied.RevenueCents = currency.Convert(stat.RevenueCents, rate)
		merged = append(merged, copied)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].RevenueCents != merged[j].RevenueCents {
			return merged[i].RevenueCents > merged[j].RevenueCents
		}
		return merged[i].CatalogObjectID < merged[j].CatalogObjectID
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func (s *Service) SalesByLocation(ctx context.Context, req domain.ReportRequest) ([]domain.LocationSales, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(rs.fc.locationIDs) == 0 {
		return []domain.LocationSales{}, nil
	}

	txs, err := s.completedWindow(ctx, rs)
	if err != nil {
		return nil, err
	}
	locations, err := s.repo.ListLocationsByOrg(ctx, rs.actor.OrgID)
	if err != nil {
		return nil, err
	}
	locationInfo := make(map[string]domain.Location, len(locations))
	for _, loc := range locations {
		locationInfo[loc.ID] = loc
	}

	type locAgg struct {
		raw        int64
		byCurrency map[string]int64
		count      int64
	}
	byLocation := make(map[string]*locAgg)
	for _, tx := range txs {
		revenue, matched := matchedRevenue(tx, rs.match)
		if !matched {
			continue
		}
		agg, ok := byLocation[tx.LocationID]
		if !ok {
			agg = &locAgg{byCurrency: make(map[string]int64)}
			byLocation[tx.LocationID] = agg
		}
		agg.raw += revenue
		agg.byCurrency[tx.Currency] += revenue
		agg.count++
	}

	rates, _, err := s.ratesForOrg(ctx, rs.actor.OrgID, currencySet(txs))
	if err != nil {
		return nil, err
	}

	result := make([]domain.LocationSales, 0, len(byLocation))
	for locationID, agg := range byLocation {
		info := locationInfo[locationID]
		result = append(result, domain.LocationSales{
			LocationID:       locationID,
			Name:             info.Name,
			Currency:         info.Currency,
			SalesCents:       agg.raw,
			ConvertedCents:   convertMap(agg.byCurrency, rates),
			TransactionCount: agg.count,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ConvertedCents > result[j].ConvertedCents })
	return result, nil
}

func (s *Service) TopProducts(ctx context.Context, req domain.ReportRequest, limit int) ([]domain.ProductStat, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > 200 {
		limit = 10
	}
	if len(rs.fc.locationIDs) == 0 {
		return []domain.ProductStat{}, nil
	}

	txs, err := s.completedWindow(ctx, rs)
	if err != nil {
		return nil, err
	}

	products := make(map[string]*domain.ProductStat)
	productCurrency := make(map[string]string)
	for _, tx := range txs {
		for _, item := range tx.LineItems {
			if rs.match != nil && !rs.match(item) {
				continue
			}
			stat, ok := products[item.CatalogObjectID]
			if !ok {
				stat = &domain.ProductStat{CatalogObjectID: item.CatalogObjectID, Name: item.ItemName}
				products[item.CatalogObjectID] = stat
				productCurrency[item.CatalogObjectID] = tx.Currency
			}
			stat.Quantity += item.Quantity
			stat.RevenueCents += item.GrossSalesCents
		}
	}

	rates, _, err := s.ratesForOrg(ctx, rs.actor.OrgID, currencySet(txs))
	if err != nil {
		return nil, err
	}
	return mergeTopProducts(products, productCurrency, rates, limit), nil
}

func (s *Service) CategoryBreakdown(ctx context.Context, req domain.ReportRequest) ([]domain.CategorySales, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(rs.fc.locationIDs) == 0 {
		return []domain.CategorySales{}, nil
	}

	categoryOf, _, err := s.catalogLookups(ctx, rs.actor.OrgID)
	if err != nil {
		return nil, err
	}

	txs, err := s.completedWindow(ctx, rs)
	if err != nil {
		return nil, err
	}

	type catAgg struct {
		byCurrency map[string]int64
		quantity   int64
	}
	byCategory := make(map[string]*catAgg)
	for _, tx := range txs {
		for _, item := range tx.LineItems {
			if rs.match != nil && !rs.match(item) {
				continue
			}
			name := categoryOf[item.CatalogObjectID]
			if name == "" {
				name = "Uncategorized"
			}
			agg, ok := byCategory[name]
			if !ok {
				agg = &catAgg{byCurrency: make(map[string]int64)}
				byCategory[name] = agg
			}
			agg.byCurrency[tx.Currency] += item.GrossSalesCents
			agg.quantity += item.Quantity
		}
	}

	rates, _, err := s.ratesForOrg(ctx, rs.actor.OrgID, currencySet(txs))
	if err != nil {
		return nil, err
	}

	result := make([]domain.CategorySales, 0, len(byCategory))
	for name, agg := range byCategory {
		result = append(result, domain.CategorySales{
			Category:     name,
			RevenueCents: convertMap(agg.byCurrency, rates),
			Quantity:     agg.quantity,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RevenueCents > result[j].RevenueCents })
	return result, nil
}

func (s *Service) ByArtist(ctx context.Context, req domain.ReportRequest) ([]domain.ArtistSales, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(rs.fc.locationIDs) == 0 {
		return []domain.ArtistSales{}, nil
	}

	_, artistOf, err := s.catalogLookups(ctx, rs.actor.OrgID)
	if err != nil {
		return nil, err
	}
	if len(artistOf) == 0 {
		return []domain.ArtistSales{}, nil
	}

	txs, err := s.completedWindow(ctx, rs)
	if err != nil {
		return nil, err
	}

	type artistAgg struct {
		byCurrency map[string]int64
		quantity   int64
		txSeen     map[string]bool
	}
	byArtist := make(map[string]*artistAgg)
	for _, tx := range txs {
		for _, item := range tx.LineItems {
			if rs.match != nil && !rs.match(item) {
				continue
			}
			artist := artistOf[item.CatalogObjectID]
			if artist == "" {
				continue
			}
			agg, ok := byArtist[artist]
			if !ok {
				agg = &artistAgg{byCurrency: make(map[string]int64), txSeen: make(map[string]bool)}
				byArtist[artist] = agg
			}
			agg.byCurrency[tx.Currency] += item.GrossSalesCents
			agg.quantity += item.Quantity
			agg.txSeen[tx.ID] = true
		}
	}

	rates, _, err := s.ratesForOrg(ctx, rs.actor.OrgID, currencySet(txs))
	if err != nil {
		return nil, err
	}

	result := make([]domain.ArtistSales, 0, len(byArtist))
	for artist, agg := range byArtist {
		result = append(result, domain.ArtistSales{
			ArtistName:       artist,
			RevenueCents:     convertMap(agg.byCurrency, rates),
			Quantity:         agg.quantity,
			TransactionCount: int64(len(agg.txSeen)),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RevenueCents > result[j].RevenueCents })
	return result, nil
}

func (s *Service) Hourly(ctx context.Context, req domain.ReportRequest) ([]domain.HourlyPoint, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(rs.fc.locationIDs) == 0 {
		return []domain.HourlyPoint{}, nil
	}

	txs, err := s.completedWindow(ctx, rs)
	if err != nil {
		return nil, err
	}

	hourSales := make(map[int]map[string]int64)
	hourTx := make(map[int]int64)
	for _, tx := range txs {
		revenue, matched := matchedRevenue(tx, rs.match)
		if !matched {
			continue
		}
		hour := tx.ClosedAt.UTC().Hour()
		if hourSales[hour] == nil {
			hourSales[hour] = make(map[string]int64)
		}
		hourSales[hour][tx.Currency] += revenue
		hourTx[hour]++
	}

	rates, _, err := s.ratesForOrg(ctx, rs.actor.OrgID, currencySet(txs))
	if err != nil {
		return nil, err
	}

	hours := make([]int, 0, len(hourTx))
	for hour := range hourTx {
		hours = append(hours, hour)
	}
	sort.Ints(hours)

	result := make([]domain.HourlyPoint, 0, len(hours))
	for _, hour := range hours {
		result = append(result, domain.HourlyPoint{
			Hour:         hour,
			SalesCents:   convertMap(hourSales[hour], rates),
			Transactions: hourTx[hour],
		})
	}
	return result, nil
}

func (s *Service) Basket(ctx context.Context, req domain.ReportRequest) (domain.BasketResponse, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return domain.BasketResponse{}, err
	}
	resp := domain.BasketResponse{Currency: rs.currency}
	if len(rs.fc.locationIDs) == 0 {
		return resp, nil
	}

	txs, err := s.completedWindow(ctx, rs)
	if err != nil {
		return domain.BasketResponse{}, err
	}

	totals := reduceRows(txs, rs.match)
	total, _, warning, err := s.convertTotals(ctx, rs.actor.OrgID, totals.SalesByCurrency)
	if err != nil {
		return domain.BasketResponse{}, err
	}

	resp.TransactionCount = totals.TransactionCount
	resp.ItemCount = totals.ItemCount
	resp.RatesWarning = warning
	if totals.TransactionCount > 0 {
		resp.AverageItemsPerTransaction = math.Round(float64(totals.ItemCount)/float64(totals.TransactionCount)*100) / 100
		resp.AverageBasketCents = total / totals.TransactionCount
	}
	return resp, nil
}

func (s *Service) Refunds(ctx context.Context, req domain.ReportRequest) (domain.RefundsResponse, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return domain.RefundsResponse{}, err
	}
	resp := domain.RefundsResponse{Currency: rs.currency, ByCurrency: []domain.CurrencyBreakdown{}}
	if len(rs.fc.locationIDs) == 0 {
		return resp, nil
	}

	txs, err := s.completedWindow(ctx, rs)
	if err != nil {
		return domain.RefundsResponse{}, err
	}

	totals := reduceRows(txs, rs.match)
	refundsByCurrency, refundCount := refundTotals(txs, rs.match)

	total, breakdown, warning, err := s.convertTotals(ctx, rs.actor.OrgID, refundsByCurrency)
	if err != nil {
		return domain.RefundsResponse{}, err
	}

	resp.RefundCount = refundCount
	resp.RefundCents = total
	resp.TransactionCount = totals.TransactionCount
	resp.ByCurrency = breakdown
	resp.RatesWarning = warning
	if totals.TransactionCount > 0 {
		resp.RefundRate = math.Round(float64(refundCount)/float64(totals.TransactionCount)*10000) / 10000
	}
	return resp, nil
}

func (s *Service) RefundsDaily(ctx context.Context, req domain.ReportRequest) ([]domain.DailyRefunds, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(rs.fc.locationIDs) == 0 {
		return []domain.DailyRefunds{}, nil
	}

	txs, err := s.completedWindow(ctx, rs)
	if err != nil {
		return nil, err
	}

	type dayAgg struct {
		byCurrency map[string]int64
		count      int64
	}
	byDay := make(map[string]*dayAgg)
	for _, tx := range txs {
		if len(tx.Returns) == 0 || !matchesTransaction(tx, rs.match) {
			continue
		}
		date := tx.ClosedAt.UTC().Format("2006-01-02")
		agg, ok := byDay[date]
		if !ok {
			agg = &dayAgg{byCurrency: make(map[string]int64)}
			byDay[date] = agg
		}
		agg.count++
		for _, entry := range tx.Returns {
			agg.byCurrency[tx.Currency] += entry.TotalCents - entry.TaxCents
		}
	}

	rates, _, err := s.ratesForOrg(ctx, rs.actor.OrgID, currencySet(txs))
	if err != nil {
		return nil, err
	}

	dates := make([]string, 0, len(byDay))
	for date := range byDay {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	result := make([]domain.DailyRefunds, 0, len(dates))
	for _, date := range dates {
		agg := byDay[date]
		result = append(result, domain.DailyRefunds{
			Date:        date,
			RefundCount: agg.count,
			RefundCents: convertMap(agg.byCurrency, rates),
		})
	}
	return result, nil
}

func (s *Service) TaxSummary(ctx context.Context, req domain.ReportRequest) (domain.MoneySummary, error) {
	return s.moneySummary(ctx, req, func(t *rowTotals) map[string]int64 { return t.TaxByCurrency })
}

func (s *Service) DiscountSummary(ctx context.Context, req domain.ReportRequest) (domain.MoneySummary, error) {
	return s.moneySummary(ctx, req, func(t *rowTotals) map[string]int64 { return t.DiscountByCurrency })
}

func (s *Service) TipsSummary(ctx context.Context, req domain.ReportRequest) (domain.MoneySummary, error) {
	return s.moneySummary(ctx, req, func(t *rowTotals) map[string]int64 { return t.TipByCurrency })
}

func (s *Service) moneySummary(ctx context.Context, req domain.ReportRequest, pick func(*rowTotals) map[string]int64) (domain.MoneySummary, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return domain.MoneySummary{}, err
	}
	resp := domain.MoneySummary{
		Currency:   rs.currency,
		ByCurrency: []domain.CurrencyBreakdown{},
		StartDate:  rs.startDate(),
		EndDate:    rs.endDate(),
	}
	if len(rs.fc.locationIDs) == 0 {
		return resp, nil
	}

	totals, err := s.loadTotals(ctx, rs)
	if err != nil {
		return domain.MoneySummary{}, err
	}

	total, breakdown, warning, err := s.convertTotals(ctx, rs.actor.OrgID, pick(totals))
	if err != nil {
		return domain.MoneySummary{}, err
	}
	resp.TotalCents = total
	resp.ByCurrency = breakdown
	resp.RatesWarning = warning
	return resp, nil
}

// ListTransactionsPage serves the raw listing. Location mode paginates in
// the database; category mode materializes the matched set and slices it in
// memory because product filtering cannot be pushed into SQL pagination.
func (s *Service) ListTransactionsPage(ctx context.Context, req domain.ReportRequest, page int, pageSize int, sortBy string, sortDesc bool) (domain.TransactionPage, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return domain.TransactionPage{}, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		return domain.TransactionPage{}, fmt.Errorf("%w: page_size must be between 1 and 200", store.ErrInvalidInput)
	}
	if len(rs.fc.locationIDs) == 0 {
		return domain.TransactionPage{Items: []domain.Transaction{}, Page: page, PageSize: pageSize}, nil
	}

	if rs.fc.mode == "location" {
		items, total, err := s.repo.ListTransactions(ctx, store.TransactionQuery{
			OrgID:       rs.actor.OrgID,
			LocationIDs: rs.fc.locationIDs,
			Start:       rs.start,
			End:         rs.end,
			SortBy:      sortBy,
			SortDesc:    sortDesc,
			Page:        page,
			PageSize:    pageSize,
		})
		if err != nil {
			return domain.TransactionPage{}, err
		}
		return domain.TransactionPage{Items: items, Page: page, PageSize: pageSize, Total: total}, nil
	}

	txs, err := s.repo.ListTransactionsWindow(ctx, rs.actor.OrgID, rs.fc.locationIDs, rs.start, rs.end, false)
	if err != nil {
		return domain.TransactionPage{}, err
	}
	matched := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if matchesTransaction(tx, rs.match) {
			matched = append(matched, tx)
		}
	}
	sortMatched(matched, sortBy, sortDesc)

	total := int64(len(matched))
	offset := (page - 1) * pageSize
	if offset >= len(matched) {
		return domain.TransactionPage{Items: []domain.Transaction{}, Page: page, PageSize: pageSize, Total: total}, nil
	}
	end := offset + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return domain.TransactionPage{Items: matched[offset:end], Page: page, PageSize: pageSize, Total: total}, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}

	tx, err := s.repo.GetTransactionByID(ctx, actor.OrgID, id)
	if err != nil {
		return nil, err
	}

	accessible, err := s.accessibleLocations(ctx, actor, resolveScope(actor))
	if err != nil {
		return nil, err
	}
	if !containsString(accessible, tx.LocationID) {
		return nil, store.ErrNotFound
	}
	return tx, nil
}

func matchedRevenue(tx domain.Transaction, match lineItemPredicate) (int64, bool) {
	if match == nil {
		return tx.NetCents, true
	}
	var revenue int64
	matched := false
	for _, item := range tx.LineItems {
		if match(item) {
			matched = true
			revenue += item.GrossSalesCents
		}
	}
	return revenue, matched
}

func sortMatched(txs []domain.Transaction, sortBy string, desc bool) {
	less := func(i, j int) bool { return txs[i].ClosedAt.Before(txs[j].ClosedAt) }
	switch sortBy {
	case "total_cents":
		less = func(i, j int) bool { return txs[i].TotalCents < txs[j].TotalCents }
	case "external_id":
		less = func(i, j int) bool { return txs[i].ExternalID < txs[j].ExternalID }
	}
	if desc {
		original := less
		less = func(i, j int) bool { return original(j, i) }
	}
	sort.SliceStable(txs, less)
}

// catalogLookups builds catalog object id -> category name and artist name
// maps across every account in the organization.
func (s *Service) catalogLookups(ctx context.Context, orgID string) (map[string]string, map[string]string, error) {
	accounts, err := s.repo.ListActiveAccounts(ctx)
	if err != nil {
		return nil, nil, err
	}

	categoryOf := make(map[string]string)
	artistOf := make(map[string]string)
	for _, account := range accounts {
		if account.OrgID != orgID {
			continue
		}
		memberships, err := s.repo.ListCatalogMemberships(ctx, account.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, member := range memberships {
			categoryOf[member.CatalogObjectID] = member.CategoryName
			if member.ArtistName != "" {
				artistOf[member.CatalogObjectID] = member.ArtistName
			}
		}
	}
	return categoryOf, artistOf, nil
}
