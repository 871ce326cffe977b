package summary

import (
	"context"
	"log"
	"sort"
	"time"

	"tillsight/backend/internal/domain"
	"tillsight/backend/internal/store"
)

const topProductLimit = 50

// Builder rebuilds the per-(location, date) summary rows from the
// transaction log. Summaries cover COMPLETED transactions only and are
// replaced wholesale for the requested location set.
type Builder struct {
	repo store.Repository
}

func New(repo store.Repository) *Builder {
	return &Builder{repo: repo}
}

// Rebuild recomputes every summary row for the locations and swaps them in
// atomically. Returns the number of rows written.
func (b *Builder) Rebuild(ctx context.Context, orgID string, locationIDs []string) (int, error) {
	if len(locationIDs) == 0 {
		return 0, nil
	}
	started := time.Now()

	buckets := make(map[string]*domain.DailySummary)
	bucket := func(locationID string, date string) *domain.DailySummary {
		key := locationID + "|" + date
		summary, ok := buckets[key]
		if !ok {
			summary = &domain.DailySummary{
				OrgID:           orgID,
				LocationID:      locationID,
				Date:            date,
				TenderBreakdown: make(map[string]domain.TenderStats),
				HourlyBreakdown: make(map[int]domain.HourlyStats),
			}
			buckets[key] = summary
		}
		return summary
	}

	// Stage 1: grouped money totals straight from the database.
	coreRows, err := b.repo.AggregateDailyCore(ctx, orgID, locationIDs)
	if err != nil {
		return 0, err
	}
	for _, row := range coreRows {
		summary := bucket(row.LocationID, row.Date)
		summary.TotalSalesCents = row.TotalSalesCents
		summary.GrossSalesCents = row.GrossSalesCents
		summary.TransactionCount = row.TransactionCount
		summary.TaxCents = row.TaxCents
		summary.TipCents = row.TipCents
		summary.DiscountCents = row.DiscountCents
		summary.Currency = row.Currency
	}

	// Stage 2: tender and hour-of-day breakdowns.
	tenderRows, err := b.repo.AggregateDailyTenders(ctx, orgID, locationIDs)
	if err != nil {
		return 0, err
	}
	for _, row := range tenderRows {
		summary := bucket(row.LocationID, row.Date)
		summary.TenderBreakdown[row.TenderType] = domain.TenderStats{
			Transactions: row.Transactions,
			TotalCents:   row.TotalCents,
		}
	}

	hourRows, err := b.repo.AggregateDailyHours(ctx, orgID, locationIDs)
	if err != nil {
		return 0, err
	}
	for _, row := range hourRows {
		summary := bucket(row.LocationID, row.Date)
		summary.HourlyBreakdown[row.Hour] = domain.HourlyStats{
			SalesCents:   row.SalesCents,
			Transactions: row.Transactions,
		}
	}

	// Stage 3: one pass over line items only, for item counts and the
	// top products by revenue per bucket.
	lineRows, err := b.repo.ListCompletedLineItems(ctx, orgID, locationIDs)
	if err != nil {
		return 0, err
	}
	productStats := make(map[string]map[string]*domain.ProductStat)
	for _, row := range lineRows {
		key := row.LocationID + "|" + row.Date
		summary := bucket(row.LocationID, row.Date)
		stats, ok := productStats[key]
		if !ok {
			stats = make(map[string]*domain.ProductStat)
			productStats[key] = stats
		}
		for _, item := range row.Items {
			summary.ItemCount += item.Quantity

			stat, ok := stats[item.CatalogObjectID]
			if !ok {
				stat = &domain.ProductStat{
					CatalogObjectID: item.CatalogObjectID,
					Name:            productName(item),
				}
				stats[item.CatalogObjectID] = stat
			}
			stat.Quantity += item.Quantity
			stat.RevenueCents += item.GrossSalesCents
		}
	}
	for key, stats := range productStats {
		summary := buckets[key]
		summary.TopProducts = topProducts(stats, topProductLimit)
	}

	// Stage 4: returns. Refund amount per entry is total minus tax; a
	// transaction counts once toward the refund count.
	returnRows, err := b.repo.ListReturnTransactions(ctx, orgID, locationIDs)
	if err != nil {
		return 0, err
	}
	for _, tx := range returnRows {
		summary := bucket(tx.LocationID, tx.ClosedAt.UTC().Format("2006-01-02"))
		summary.RefundCount++
		for _, entry := range tx.Returns {
			summary.RefundCents += entry.TotalCents - entry.TaxCents
		}
	}

	summaries := make([]domain.DailySummary, 0, len(buckets))
	for _, summary := range buckets {
		summaries = append(summaries, *summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].LocationID != summaries[j].LocationID {
			return summaries[i].LocationID < summaries[j].LocationID
		}
		return summaries[i].Date < summaries[j].Date
	})

	if err := b.repo.ReplaceDailySummaries(ctx, orgID, locationIDs, summaries); err != nil {
		return 0, err
	}

	log.Printf("[summary] rebuilt %d rows for %d locations in %s", len(summaries), len(locationIDs), time.Since(started).Round(time.Millisecond))
	return len(summaries), nil
}

func productName(item domain.LineItem) string {
	if item.VariationName != "" && item.VariationName != "Regular" {
		return item.ItemName + " - " + item.VariationName
	}
	return item.ItemName
}

func topProducts(stats map[string]*domain.ProductStat, limit int) []domain.ProductStat {
	products := make([]domain.ProductStat, 0, len(stats))
	for _, stat := range stats {
		products = append(products, *stat)
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].RevenueCents != products[j].RevenueCents {
			return products[i].RevenueCents > products[j].RevenueCents
		}
		return products[i].CatalogObjectID < products[j].CatalogObjectID
	})
	if len(products) > limit {
		products = products[:limit]
	}
	return products
}
