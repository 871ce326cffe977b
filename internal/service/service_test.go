package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tillsight/backend/internal/catalog"
	"tillsight/backend/internal/currency"
	"tillsight/backend/internal/domain"
	"tillsight/backend/internal/store"
	"tillsight/backend/internal/store/memory"
	"tillsight/backend/internal/summary"
)

// 2026-08-23 is a Sunday; its ISO week starts Monday the 17th.
var fixedNow = time.Date(2026, 8, 23, 15, 0, 0, 0, time.UTC)

func newTestService(repo *memory.Store) *Service {
	rates := currency.NewProvider(repo, nil, "GBP")
	svc := New(repo, rates, catalog.New(repo), summary.New(repo), nil, nil, 0)
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin", OrgID: "org-demo"})
}

func viewerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "viewer", Role: "viewer", OrgID: "org-demo", ClientID: "client-vinyl"})
}

func seedEURRate(t *testing.T, repo *memory.Store) {
	t.Helper()
	err := repo.UpsertExchangeRate(context.Background(), domain.ExchangeRate{
		OrgID: "org-demo", FromCurrency: "EUR", Rate: 0.85,
	})
	if err != nil {
		t.Fatalf("seed rate: %v", err)
	}
}

func seedTx(t *testing.T, repo *memory.Store, tx domain.Transaction) {
	t.Helper()
	tx.OrgID = "org-demo"
	tx.AccountID = "acct-demo"
	if tx.Status == "" {
		tx.Status = domain.TxStatusCompleted
	}
	if tx.ClosedAt.IsZero() {
		tx.ClosedAt = fixedNow.AddDate(0, 0, -3)
	}
	if _, err := repo.InsertTransaction(context.Background(), tx); err != nil {
		t.Fatalf("insert %s: %v", tx.ExternalID, err)
	}
}

// Two transactions, one per location and currency. The soho one carries a
// vinyl line item and a print line item so category scope has something to
// slice.
func seedMixedSales(t *testing.T, repo *memory.Store) {
	t.Helper()
	seedTx(t, repo, domain.Transaction{
		ExternalID: "mix-gbp", LocationID: "loc-soho", Currency: "GBP",
		TotalCents: 1000, NetCents: 1000, GrossCents: 1000, TenderType: "CARD",
		LineItems: []domain.LineItem{
			{CatalogObjectID: "var-lp-001", ItemName: "Blue Train LP", Quantity: 1, GrossSalesCents: 600},
			{CatalogObjectID: "var-print-001", ItemName: "Harbor Print", Quantity: 1, GrossSalesCents: 400},
		},
	})
	seedTx(t, repo, domain.Transaction{
		ExternalID: "mix-eur", LocationID: "loc-camden", Currency: "EUR",
		TotalCents: 2000, NetCents: 2000, GrossCents: 2000, TenderType: "CASH",
		LineItems: []domain.LineItem{
			{CatalogObjectID: "var-lp-002", ItemName: "Kind of Blue LP", Quantity: 2, GrossSalesCents: 2000},
		},
	})
}

func TestAggregationConvertsEachCurrencyGroup(t *testing.T) {
	repo := memory.NewSeeded()
	seedEURRate(t, repo)
	seedMixedSales(t, repo)
	svc := newTestService(repo)

	resp, err := svc.Aggregation(adminCtx(), domain.ReportRequest{})
	if err != nil {
		t.Fatalf("aggregation failed: %v", err)
	}
	if resp.Mode != "location" {
		t.Fatalf("mode = %q", resp.Mode)
	}
	if resp.TotalSalesCents != 2700 {
		t.Fatalf("total = %d, want 2700 (1000 GBP + 2000 EUR at 0.85)", resp.TotalSalesCents)
	}
	if resp.TransactionCount != 2 || resp.AverageSaleCents != 1350 {
		t.Fatalf("count/avg = %d/%d", resp.TransactionCount, resp.AverageSaleCents)
	}
	if resp.RatesWarning {
		t.Fatal("rates warning must be clear when a rate is configured")
	}

	if len(resp.ByCurrency) != 2 {
		t.Fatalf("by_currency = %+v", resp.ByCurrency)
	}
	eur := resp.ByCurrency[0]
	if eur.Currency != "EUR" || eur.Amount != 2000 || eur.ConvertedAmount != 1700 || eur.Rate != 0.85 {
		t.Fatalf("eur audit = %+v", eur)
	}
	gbp := resp.ByCurrency[1]
	if gbp.Currency != "GBP" || gbp.Amount != 1000 || gbp.ConvertedAmount != 1000 || gbp.Rate != 1.0 {
		t.Fatalf("gbp audit = %+v", gbp)
	}
}

func TestAggregationWarnsWithoutConfiguredRates(t *testing.T) {
	repo := memory.NewSeeded()
	seedMixedSales(t, repo)
	svc := newTestService(repo)

	resp, err := svc.Aggregation(adminCtx(), domain.ReportRequest{})
	if err != nil {
		t.Fatalf("aggregation failed: %v", err)
	}
	if !resp.RatesWarning {
		t.Fatal("rates warning must be set when no rates exist")
	}
	// Unconfigured currencies convert with 1.0.
	if resp.TotalSalesCents != 3000 {
		t.Fatalf("total = %d, want 3000", resp.TotalSalesCents)
	}
}

func TestAggregationEmptyLocationIntersection(t *testing.T) {
	repo := memory.NewSeeded()
	seedMixedSales(t, repo)
	svc := newTestService(repo)

	resp, err := svc.Aggregation(adminCtx(), domain.ReportRequest{LocationIDs: []string{"loc-elsewhere"}})
	if err != nil {
		t.Fatalf("aggregation failed: %v", err)
	}
	if resp.TotalSalesCents != 0 || resp.TransactionCount != 0 {
		t.Fatalf("resp = %+v, want zeroes", resp)
	}
	if resp.ByCurrency == nil || len(resp.ByCurrency) != 0 {
		t.Fatalf("by_currency = %#v, want empty non-nil slice", resp.ByCurrency)
	}
}

func TestAggregationLocationFilterNarrowsWindow(t *testing.T) {
	repo := memory.NewSeeded()
	seedEURRate(t, repo)
	seedMixedSales(t, repo)
	svc := newTestService(repo)

	resp, err := svc.Aggregation(adminCtx(), domain.ReportRequest{LocationIDs: []string{"loc-camden"}})
	if err != nil {
		t.Fatalf("aggregation failed: %v", err)
	}
	if resp.TotalSalesCents != 1700 || resp.TransactionCount != 1 {
		t.Fatalf("resp = %+v, want the camden EUR sale only", resp)
	}
}

func TestAggregationCategoryModeCountsWholeMatchedTransactions(t *testing.T) {
	repo := memory.NewSeeded()
	seedEURRate(t, repo)
	seedMixedSales(t, repo)
	svc := newTestService(repo)

	client, err := repo.GetClient(context.Background(), "client-vinyl")
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if _, err := svc.matcher.Recompute(context.Background(), *client); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	resp, err := svc.Aggregation(viewerCtx(), domain.ReportRequest{})
	if err != nil {
		t.Fatalf("aggregation failed: %v", err)
	}
	if resp.Mode != "category" {
		t.Fatalf("mode = %q, want category", resp.Mode)
	}
	// Both transactions carry a vinyl item, so both count in full:
	// 1000 GBP + 2000 EUR at 0.85.
	if resp.TotalSalesCents != 2700 {
		t.Fatalf("total = %d, want 2700", resp.TotalSalesCents)
	}
	if resp.TransactionCount != 2 {
		t.Fatalf("count = %d, a transaction counts once however many items match", resp.TransactionCount)
	}

	admin, err := svc.Aggregation(adminCtx(), domain.ReportRequest{})
	if err != nil {
		t.Fatalf("admin aggregation failed: %v", err)
	}
	if resp.TotalSalesCents > admin.TotalSalesCents {
		t.Fatalf("category total %d exceeds location total %d", resp.TotalSalesCents, admin.TotalSalesCents)
	}
}

func TestAggregationCategoryTotalStaysWithinLocationTotal(t *testing.T) {
	repo := memory.NewSeeded()
	seedTx(t, repo, domain.Transaction{
		ExternalID: "disc-1", LocationID: "loc-soho", Currency: "GBP",
		TotalCents: 900, GrossCents: 1000, DiscountCents: 100, NetCents: 900, TenderType: "CARD",
		LineItems: []domain.LineItem{
			{CatalogObjectID: "var-lp-001", ItemName: "Blue Train LP", Quantity: 1, GrossSalesCents: 1000},
		},
	})
	seedTx(t, repo, domain.Transaction{
		ExternalID: "disc-2", LocationID: "loc-soho", Currency: "GBP",
		TotalCents: 400, GrossCents: 400, NetCents: 400, TenderType: "CASH",
		LineItems: []domain.LineItem{
			{CatalogObjectID: "var-print-001", ItemName: "Harbor Print", Quantity: 1, GrossSalesCents: 400},
		},
	})
	svc := newTestService(repo)

	client, err := repo.GetClient(context.Background(), "client-vinyl")
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if _, err := svc.matcher.Recompute(context.Background(), *client); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	category, err := svc.Aggregation(viewerCtx(), domain.ReportRequest{})
	if err != nil {
		t.Fatalf("category aggregation failed: %v", err)
	}
	location, err := svc.Aggregation(adminCtx(), domain.ReportRequest{})
	if err != nil {
		t.Fatalf("location aggregation failed: %v", err)
	}

	// The discounted vinyl sale counts at its net 900, not the item's
	// pre-discount gross 1000.
	if category.TotalSalesCents != 900 {
		t.Fatalf("category total = %d, want 900", category.TotalSalesCents)
	}
	if location.TotalSalesCents != 1300 {
		t.Fatalf("location total = %d, want 1300", location.TotalSalesCents)
	}
	if category.TotalSalesCents > location.TotalSalesCents {
		t.Fatalf("category total %d exceeds location total %d", category.TotalSalesCents, location.TotalSalesCents)
	}
}

func TestSummaryRefundsAreExTax(t *testing.T) {
	repo := memory.NewSeeded()
	seedEURRate(t, repo)
	seedTx(t, repo, domain.Transaction{
		ExternalID: "sum-1", LocationID: "loc-soho", Currency: "GBP",
		TotalCents: 1200, NetCents: 1000, TaxCents: 200,
		Returns: []domain.ReturnEntry{{Status: "COMPLETED", TotalCents: 1000, TaxCents: 150}},
	})
	seedTx(t, repo, domain.Transaction{
		ExternalID: "sum-2", LocationID: "loc-soho", Currency: "GBP",
		TotalCents: 500, NetCents: 500,
	})
	svc := newTestService(repo)

	resp, err := svc.Summary(adminCtx(), domain.ReportRequest{})
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if resp.TotalSalesCents != 1500 {
		t.Fatalf("sales = %d", resp.TotalSalesCents)
	}
	if resp.RefundCents != 850 {
		t.Fatalf("refunds = %d, want 850 (1000 minus 150 tax)", resp.RefundCents)
	}
	if resp.NetSalesCents != 650 {
		t.Fatalf("net = %d, want sales minus refunds", resp.NetSalesCents)
	}
	if resp.RefundCount != 1 || resp.TransactionCount != 2 {
		t.Fatalf("counts = %+v", resp)
	}
}

func TestResolveDateRangePrecedence(t *testing.T) {
	svc := newTestService(memory.NewSeeded())

	start := time.Date(2026, 7, 1, 10, 30, 0, 0, time.UTC)
	end := time.Date(2026, 7, 15, 2, 0, 0, 0, time.UTC)
	gotStart, gotEnd, err := svc.resolveDateRange(domain.ReportRequest{
		StartDate: &start, EndDate: &end, DatePreset: "today", Days: 7,
	})
	if err != nil {
		t.Fatalf("explicit dates failed: %v", err)
	}
	if !gotStart.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %v", gotStart)
	}
	if !gotEnd.Equal(time.Date(2026, 7, 15, 23, 59, 59, 0, time.UTC)) {
		t.Fatalf("end = %v, explicit end is inclusive", gotEnd)
	}

	gotStart, gotEnd, err = svc.resolveDateRange(domain.ReportRequest{DatePreset: "this_week", Days: 7})
	if err != nil {
		t.Fatalf("preset failed: %v", err)
	}
	if !gotStart.Equal(time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("this_week start = %v, want Monday", gotStart)
	}
	if !gotEnd.Equal(time.Date(2026, 8, 23, 23, 59, 59, 0, time.UTC)) {
		t.Fatalf("this_week end = %v", gotEnd)
	}

	gotStart, _, err = svc.resolveDateRange(domain.ReportRequest{})
	if err != nil {
		t.Fatalf("default failed: %v", err)
	}
	if !gotStart.Equal(time.Date(2026, 6, 24, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("default start = %v, want 60 trailing days", gotStart)
	}

	if _, _, err := svc.resolveDateRange(domain.ReportRequest{DatePreset: "fortnight"}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("unknown preset err = %v", err)
	}
	if _, _, err := svc.resolveDateRange(domain.ReportRequest{Days: 4000}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("days out of range err = %v", err)
	}
	if _, _, err := svc.resolveDateRange(domain.ReportRequest{EndDate: &end}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("end without start err = %v", err)
	}
	late := time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)
	if _, _, err := svc.resolveDateRange(domain.ReportRequest{StartDate: &late, EndDate: &end}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("inverted range err = %v", err)
	}
}

func TestResolveCurrency(t *testing.T) {
	svc := newTestService(memory.NewSeeded())

	if got, err := svc.resolveCurrency(""); err != nil || got != "GBP" {
		t.Fatalf("empty = %q, %v", got, err)
	}
	if got, err := svc.resolveCurrency(" gbp "); err != nil || got != "GBP" {
		t.Fatalf("lowercase = %q, %v", got, err)
	}
	if _, err := svc.resolveCurrency("USD"); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("non-target err = %v", err)
	}
	if _, err := svc.resolveCurrency("12"); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("malformed err = %v", err)
	}
}

func TestListTransactionsPage(t *testing.T) {
	repo := memory.NewSeeded()
	for i, cents := range []int64{300, 100, 200} {
		seedTx(t, repo, domain.Transaction{
			ExternalID: "pg-" + string(rune('a'+i)), LocationID: "loc-soho", Currency: "GBP",
			TotalCents: cents, NetCents: cents,
			ClosedAt: fixedNow.AddDate(0, 0, -i-1),
		})
	}
	svc := newTestService(repo)

	page, err := svc.ListTransactionsPage(adminCtx(), domain.ReportRequest{}, 1, 2, "total_cents", true)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Items[0].TotalCents != 300 || page.Items[1].TotalCents != 200 {
		t.Fatalf("sort order = %d, %d", page.Items[0].TotalCents, page.Items[1].TotalCents)
	}

	second, err := svc.ListTransactionsPage(adminCtx(), domain.ReportRequest{}, 2, 2, "total_cents", true)
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if len(second.Items) != 1 || second.Items[0].TotalCents != 100 {
		t.Fatalf("second page = %+v", second.Items)
	}

	if _, err := svc.ListTransactionsPage(adminCtx(), domain.ReportRequest{}, 1, 300, "", false); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("oversized page err = %v", err)
	}
}

func TestGetTransaction(t *testing.T) {
	repo := memory.NewSeeded()
	seedTx(t, repo, domain.Transaction{
		ExternalID: "one", LocationID: "loc-soho", Currency: "GBP", TotalCents: 100, NetCents: 100,
	})
	svc := newTestService(repo)

	stored, err := repo.GetTransactionByExternalID(context.Background(), "org-demo", "one")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	got, err := svc.GetTransaction(adminCtx(), stored.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ExternalID != "one" {
		t.Fatalf("got %+v", got)
	}

	if _, err := svc.GetTransaction(adminCtx(), "txn_missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestTopProductsRankedByConvertedRevenue(t *testing.T) {
	repo := memory.NewSeeded()
	seedEURRate(t, repo)
	seedMixedSales(t, repo)
	svc := newTestService(repo)

	products, err := svc.TopProducts(adminCtx(), domain.ReportRequest{}, 0)
	if err != nil {
		t.Fatalf("top products failed: %v", err)
	}
	if len(products) != 3 {
		t.Fatalf("products = %+v", products)
	}
	// 2000 EUR at 0.85 = 1700 beats the 600-cent GBP vinyl line.
	if products[0].CatalogObjectID != "var-lp-002" {
		t.Fatalf("top = %+v", products[0])
	}
}

func TestTriggerSyncRequiresAdmin(t *testing.T) {
	svc := newTestService(memory.NewSeeded())

	_, err := svc.TriggerSync(viewerCtx(), "acct-demo")
	if err == nil || !strings.Contains(err.Error(), "role required") {
		t.Fatalf("err = %v, want role gate", err)
	}
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("err = %v, want invalid-input sentinel", err)
	}
}

func TestUpsertRateValidation(t *testing.T) {
	repo := memory.NewSeeded()
	svc := newTestService(repo)

	if _, err := svc.UpsertRate(viewerCtx(), domain.ExchangeRateUpsertRequest{FromCurrency: "EUR", Rate: 0.85}); err == nil {
		t.Fatal("viewer must not set rates")
	}
	if _, err := svc.UpsertRate(adminCtx(), domain.ExchangeRateUpsertRequest{FromCurrency: "EURO", Rate: 0.85}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("bad code err = %v", err)
	}
	if _, err := svc.UpsertRate(adminCtx(), domain.ExchangeRateUpsertRequest{FromCurrency: "GBP", Rate: 1.0}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("target currency err = %v", err)
	}
	if _, err := svc.UpsertRate(adminCtx(), domain.ExchangeRateUpsertRequest{FromCurrency: "EUR", Rate: 0}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("zero rate err = %v", err)
	}

	rate, err := svc.UpsertRate(adminCtx(), domain.ExchangeRateUpsertRequest{FromCurrency: "eur", Rate: 0.85})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if rate.FromCurrency != "EUR" {
		t.Fatalf("code = %q, want uppercased", rate.FromCurrency)
	}

	rates, err := svc.ListRates(adminCtx())
	if err != nil {
		t.Fatalf("list rates: %v", err)
	}
	if len(rates) != 1 || rates[0].Rate != 0.85 {
		t.Fatalf("rates = %+v", rates)
	}
}

func TestUpdateKeywordsRecomputesMappings(t *testing.T) {
	repo := memory.NewSeeded()
	svc := newTestService(repo)

	count, err := svc.UpdateKeywords(adminCtx(), "client-vinyl", []string{"prints"})
	if err != nil {
		t.Fatalf("update keywords failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("mapped = %d, want just the print variation", count)
	}

	set, err := repo.GetClientProductSet(context.Background(), "client-vinyl")
	if err != nil {
		t.Fatalf("product set: %v", err)
	}
	if _, ok := set["var-print-001"]; !ok {
		t.Fatalf("set = %v", set)
	}
	if _, ok := set["var-lp-001"]; ok {
		t.Fatal("old vinyl mapping must be replaced, not merged")
	}
}

func TestListClientsScoping(t *testing.T) {
	svc := newTestService(memory.NewSeeded())

	all, err := svc.ListClients(adminCtx())
	if err != nil {
		t.Fatalf("admin list failed: %v", err)
	}
	if len(all) != 1 || all[0].ID != "client-vinyl" {
		t.Fatalf("clients = %+v", all)
	}

	own, err := svc.ListClients(viewerCtx())
	if err != nil {
		t.Fatalf("viewer list failed: %v", err)
	}
	if len(own) != 1 || own[0].ID != "client-vinyl" {
		t.Fatalf("viewer clients = %+v", own)
	}
}

func TestRebuildSummariesDefaultsToAllLocations(t *testing.T) {
	repo := memory.NewSeeded()
	seedTx(t, repo, domain.Transaction{
		ExternalID: "rb-1", LocationID: "loc-soho", Currency: "GBP", TotalCents: 100, NetCents: 100,
	})
	svc := newTestService(repo)

	resp, err := svc.RebuildSummaries(adminCtx(), nil)
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if len(resp.LocationIDs) != 2 {
		t.Fatalf("locations = %v, want every active org location", resp.LocationIDs)
	}
	if resp.SummariesCreated != 1 {
		t.Fatalf("created = %d", resp.SummariesCreated)
	}

	if _, err := svc.RebuildSummaries(viewerCtx(), nil); err == nil {
		t.Fatal("viewer must not rebuild summaries")
	}
}

func TestReportsRequireActor(t *testing.T) {
	svc := newTestService(memory.NewSeeded())
	if _, err := svc.Aggregation(context.Background(), domain.ReportRequest{}); err == nil {
		t.Fatal("missing actor must fail")
	}
}
