package summary

import (
	"context"
	"testing"
	"time"

	"tillsight/backend/internal/domain"
	"tillsight/backend/internal/store/memory"
)

func insertTx(t *testing.T, repo *memory.Store, tx domain.Transaction) {
	t.Helper()
	tx.OrgID = "org-demo"
	tx.AccountID = "acct-demo"
	if tx.Status == "" {
		tx.Status = domain.TxStatusCompleted
	}
	if tx.Currency == "" {
		tx.Currency = "GBP"
	}
	if _, err := repo.InsertTransaction(context.Background(), tx); err != nil {
		t.Fatalf("insert %s: %v", tx.ExternalID, err)
	}
}

func at(day int, hour int) time.Time {
	return time.Date(2026, 8, day, hour, 15, 0, 0, time.UTC)
}

func TestRebuildTotalsMatchTransactionLog(t *testing.T) {
	repo := memory.NewSeeded()
	ctx := context.Background()

	insertTx(t, repo, domain.Transaction{
		ExternalID: "s-1", LocationID: "loc-soho", ClosedAt: at(10, 9),
		TotalCents: 1200, NetCents: 1000, GrossCents: 1000, TaxCents: 200, TenderType: "CARD",
	})
	insertTx(t, repo, domain.Transaction{
		ExternalID: "s-2", LocationID: "loc-soho", ClosedAt: at(10, 14),
		TotalCents: 3600, NetCents: 3000, GrossCents: 3100, TaxCents: 500, TipCents: 100,
		DiscountCents: 100, TenderType: "CASH",
	})
	insertTx(t, repo, domain.Transaction{
		ExternalID: "s-3", LocationID: "loc-soho", ClosedAt: at(11, 9),
		TotalCents: 500, NetCents: 500, GrossCents: 500, TenderType: "CARD",
	})
	// Open orders never reach the rollup.
	insertTx(t, repo, domain.Transaction{
		ExternalID: "s-open", LocationID: "loc-soho", ClosedAt: at(10, 10),
		Status: "OPEN", TotalCents: 9999, NetCents: 9999,
	})

	count, err := New(repo).Rebuild(ctx, "org-demo", []string{"loc-soho"})
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("rows = %d, want 2 (one per day)", count)
	}

	rows, err := repo.ListDailySummaries(ctx, "org-demo", []string{"loc-soho"}, at(10, 0), at(11, 23))
	if err != nil {
		t.Fatalf("list summaries: %v", err)
	}
	byDate := make(map[string]domain.DailySummary, len(rows))
	var totalNet int64
	for _, row := range rows {
		byDate[row.Date] = row
		totalNet += row.TotalSalesCents
	}
	if totalNet != 4500 {
		t.Fatalf("summed net = %d, want 4500 (completed transactions only)", totalNet)
	}

	day1 := byDate["2026-08-10"]
	if day1.TransactionCount != 2 || day1.TotalSalesCents != 4000 || day1.GrossSalesCents != 4100 {
		t.Fatalf("day1 = %+v", day1)
	}
	if day1.TaxCents != 700 || day1.TipCents != 100 || day1.DiscountCents != 100 {
		t.Fatalf("day1 money fields = %+v", day1)
	}
	if day1.TenderBreakdown["CARD"].TotalCents != 1000 || day1.TenderBreakdown["CASH"].TotalCents != 3000 {
		t.Fatalf("tender breakdown = %+v", day1.TenderBreakdown)
	}
	if day1.HourlyBreakdown[9].SalesCents != 1000 || day1.HourlyBreakdown[14].Transactions != 1 {
		t.Fatalf("hourly breakdown = %+v", day1.HourlyBreakdown)
	}
}

func TestRebuildRefundsAreExTaxAndCountOnce(t *testing.T) {
	repo := memory.NewSeeded()
	ctx := context.Background()

	insertTx(t, repo, domain.Transaction{
		ExternalID: "r-1", LocationID: "loc-soho", ClosedAt: at(12, 11),
		TotalCents: 1000, NetCents: 850, TaxCents: 150,
		Returns: []domain.ReturnEntry{
			{Status: "COMPLETED", TotalCents: 1000, TaxCents: 150},
		},
	})
	insertTx(t, repo, domain.Transaction{
		ExternalID: "r-2", LocationID: "loc-soho", ClosedAt: at(12, 15),
		TotalCents: 600, NetCents: 600,
		Returns: []domain.ReturnEntry{
			{Status: "COMPLETED", TotalCents: 300},
			{Status: "COMPLETED", TotalCents: 200, TaxCents: 50},
		},
	})

	if _, err := New(repo).Rebuild(ctx, "org-demo", []string{"loc-soho"}); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	rows, err := repo.ListDailySummaries(ctx, "org-demo", []string{"loc-soho"}, at(12, 0), at(12, 23))
	if err != nil {
		t.Fatalf("list summaries: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	row := rows[0]
	// 1000-150 + 300-0 + 200-50
	if row.RefundCents != 1300 {
		t.Fatalf("refund cents = %d, want 1300 (ex-tax)", row.RefundCents)
	}
	if row.RefundCount != 2 {
		t.Fatalf("refund count = %d, want 2 (per transaction, not per entry)", row.RefundCount)
	}
}

func TestRebuildRanksTopProductsByRevenue(t *testing.T) {
	repo := memory.NewSeeded()
	ctx := context.Background()

	insertTx(t, repo, domain.Transaction{
		ExternalID: "p-1", LocationID: "loc-soho", ClosedAt: at(14, 12),
		TotalCents: 5000, NetCents: 5000, GrossCents: 5000,
		LineItems: []domain.LineItem{
			{CatalogObjectID: "var-lp-001", ItemName: "Blue Train LP", Quantity: 1, GrossSalesCents: 1500},
			{CatalogObjectID: "var-print-001", ItemName: "Harbor Print", VariationName: "Framed", Quantity: 2, GrossSalesCents: 3500},
		},
	})
	insertTx(t, repo, domain.Transaction{
		ExternalID: "p-2", LocationID: "loc-soho", ClosedAt: at(14, 16),
		TotalCents: 1500, NetCents: 1500, GrossCents: 1500,
		LineItems: []domain.LineItem{
			{CatalogObjectID: "var-lp-001", ItemName: "Blue Train LP", VariationName: "Regular", Quantity: 1, GrossSalesCents: 1500},
		},
	})

	if _, err := New(repo).Rebuild(ctx, "org-demo", []string{"loc-soho"}); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	rows, err := repo.ListDailySummaries(ctx, "org-demo", []string{"loc-soho"}, at(14, 0), at(14, 23))
	if err != nil {
		t.Fatalf("list summaries: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.ItemCount != 4 {
		t.Fatalf("item count = %d, want 4", row.ItemCount)
	}
	if len(row.TopProducts) != 2 {
		t.Fatalf("top products = %+v", row.TopProducts)
	}
	if row.TopProducts[0].CatalogObjectID != "var-print-001" || row.TopProducts[0].RevenueCents != 3500 {
		t.Fatalf("top product = %+v, want the framed print by revenue", row.TopProducts[0])
	}
	if row.TopProducts[0].Name != "Harbor Print - Framed" {
		t.Fatalf("name = %q, want variation suffix", row.TopProducts[0].Name)
	}
	if row.TopProducts[1].RevenueCents != 3000 || row.TopProducts[1].Quantity != 2 {
		t.Fatalf("second product = %+v", row.TopProducts[1])
	}
	// The "Regular" variation keeps the bare item name.
	if row.TopProducts[1].Name != "Blue Train LP" {
		t.Fatalf("name = %q", row.TopProducts[1].Name)
	}
}

func TestRebuildReplacesStaleRows(t *testing.T) {
	repo := memory.NewSeeded()
	ctx := context.Background()

	insertTx(t, repo, domain.Transaction{
		ExternalID: "x-1", LocationID: "loc-soho", ClosedAt: at(20, 10),
		TotalCents: 1000, NetCents: 1000,
	})
	builder := New(repo)
	if _, err := builder.Rebuild(ctx, "org-demo", []string{"loc-soho"}); err != nil {
		t.Fatalf("first rebuild failed: %v", err)
	}

	// Shrink the window of truth: the next rebuild must drop the old row's
	// stale figures, not merge with them.
	insertTx(t, repo, domain.Transaction{
		ExternalID: "x-2", LocationID: "loc-soho", ClosedAt: at(20, 11),
		TotalCents: 250, NetCents: 250,
	})
	if _, err := builder.Rebuild(ctx, "org-demo", []string{"loc-soho"}); err != nil {
		t.Fatalf("second rebuild failed: %v", err)
	}

	rows, err := repo.ListDailySummaries(ctx, "org-demo", []string{"loc-soho"}, at(20, 0), at(20, 23))
	if err != nil {
		t.Fatalf("list summaries: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].TotalSalesCents != 1250 || rows[0].TransactionCount != 2 {
		t.Fatalf("row = %+v, want fresh totals", rows[0])
	}
}

func TestRebuildWithNoLocationsIsNoop(t *testing.T) {
	repo := memory.NewSeeded()
	count, err := New(repo).Rebuild(context.Background(), "org-demo", nil)
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}
