package reconcile

import (
	"context"
	"testing"
	"time"

	"tillsight/backend/internal/domain"
	"tillsight/backend/internal/upstream"
)

type searchWindow struct {
	from time.Time
	to   time.Time
}

// backfillClient records every search window and serves pages from a script,
// one entry per SearchOrders call.
type backfillClient struct {
	fakeClient
	windows []searchWindow
	pages   []*upstream.OrdersPage
}

func (c *backfillClient) SearchOrders(_ context.Context, _ string, _ []string, from time.Time, to time.Time, _ string) (*upstream.OrdersPage, error) {
	c.windows = append(c.windows, searchWindow{from: from, to: to})
	if len(c.pages) == 0 {
		return &upstream.OrdersPage{}, nil
	}
	page := c.pages[0]
	c.pages = c.pages[1:]
	return page, nil
}

func TestBackfillChunksOldestFirst(t *testing.T) {
	client := &backfillClient{}
	r, _ := newTestReconciler(client)
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 15, 23, 59, 59, 0, time.UTC)

	job, err := r.Backfill(ctx, "acct-demo", start, end, time.Hour)
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if job.Status != domain.ImportStatusCompleted {
		t.Fatalf("status = %q, want completed", job.Status)
	}

	want := []searchWindow{
		{from: start, to: start.Add(backfillChunk)},
		{from: start.Add(backfillChunk), to: start.Add(2 * backfillChunk)},
		{from: start.Add(2 * backfillChunk), to: end},
	}
	if len(client.windows) != len(want) {
		t.Fatalf("got %d chunks, want %d: %v", len(client.windows), len(want), client.windows)
	}
	for i, w := range want {
		got := client.windows[i]
		if !got.from.Equal(w.from) || !got.to.Equal(w.to) {
			t.Errorf("chunk %d = [%s, %s], want [%s, %s]", i, got.from, got.to, w.from, w.to)
		}
	}
}

func TestBackfillFollowsCursorsWithinChunk(t *testing.T) {
	client := &backfillClient{
		pages: []*upstream.OrdersPage{
			{Orders: []upstream.Order{testOrder("bf-1", "L-SOHO", "COMPLETED", 1000)}, Cursor: "next"},
			{Orders: []upstream.Order{testOrder("bf-2", "L-SOHO", "COMPLETED", 2000)}},
		},
	}
	r, repo := newTestReconciler(client)
	ctx := context.Background()

	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 2, 10, 23, 59, 59, 0, time.UTC)

	job, err := r.Backfill(ctx, "acct-demo", start, end, time.Hour)
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if len(client.windows) != 2 {
		t.Fatalf("search calls = %d, want 2 (cursor page within one chunk)", len(client.windows))
	}
	if job.Created != 2 {
		t.Fatalf("created = %d, want 2", job.Created)
	}
	for _, id := range []string{"bf-1", "bf-2"} {
		if _, err := repo.GetTransactionByExternalID(ctx, "org-demo", id); err != nil {
			t.Fatalf("order %s not persisted: %v", id, err)
		}
	}
}

func TestBackfillReplayAbsorbsDuplicates(t *testing.T) {
	order := testOrder("bf-dup", "L-SOHO", "COMPLETED", 500)
	client := &backfillClient{pages: []*upstream.OrdersPage{{Orders: []upstream.Order{order}}}}
	r, _ := newTestReconciler(client)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 5, 23, 59, 59, 0, time.UTC)

	first, err := r.Backfill(ctx, "acct-demo", start, end, time.Hour)
	if err != nil {
		t.Fatalf("first backfill failed: %v", err)
	}
	if first.Created != 1 {
		t.Fatalf("first created = %d, want 1", first.Created)
	}

	client.pages = []*upstream.OrdersPage{{Orders: []upstream.Order{order}}}
	second, err := r.Backfill(ctx, "acct-demo", start, end, time.Hour)
	if err != nil {
		t.Fatalf("second backfill failed: %v", err)
	}
	if second.Created != 0 || second.Skipped != 1 {
		t.Fatalf("replay counts created=%d skipped=%d, want 0/1", second.Created, second.Skipped)
	}
}

func TestBackfillStopsAtSoftLimit(t *testing.T) {
	client := &backfillClient{
		pages: []*upstream.OrdersPage{
			{Orders: []upstream.Order{testOrder("bf-slow", "L-SOHO", "COMPLETED", 800)}, Cursor: "next"},
		},
	}
	r, repo := newTestReconciler(client)

	// Each clock read advances two minutes against a one-minute budget, so
	// the deadline check after the first page trips.
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	calls := 0
	r.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 2 * time.Minute)
	}

	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 6, 30, 23, 59, 59, 0, time.UTC)

	job, err := r.Backfill(ctx, "acct-demo", start, end, time.Minute)
	if err != nil {
		t.Fatalf("soft limit must not surface as an error: %v", err)
	}
	if job.Status != domain.ImportStatusFailed {
		t.Fatalf("status = %q, want failed", job.Status)
	}
	if !job.Resumable {
		t.Fatal("job must be resumable after hitting the soft limit")
	}
	if job.Error != SoftLimitMessage {
		t.Fatalf("error = %q, want soft limit message", job.Error)
	}
	if job.Created != 1 {
		t.Fatalf("created = %d, want 1 (page processed before the cutoff)", job.Created)
	}
	if _, err := repo.GetTransactionByExternalID(ctx, "org-demo", "bf-slow"); err != nil {
		t.Fatalf("partial progress not persisted: %v", err)
	}
	if len(client.windows) != 1 {
		t.Fatalf("search calls = %d, want 1 (no further pages after the cutoff)", len(client.windows))
	}
}

func TestBackfillRejectsInvertedRange(t *testing.T) {
	r, _ := newTestReconciler(&backfillClient{})
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if _, err := r.Backfill(context.Background(), "acct-demo", start, start, time.Hour); err == nil {
		t.Fatal("equal start and end must be rejected")
	}
}

func TestSyncLocationsUpsertsRemoteList(t *testing.T) {
	client := &fakeClient{locations: []upstream.Location{
		{ID: "L-SOHO", Name: "Soho Gallery Renamed", Currency: "GBP", Status: "ACTIVE"},
		{ID: "L-NEW", Name: "Brighton Popup", Currency: "GBP", Status: "ACTIVE"},
		{ID: "L-OLD", Name: "Closed Stall", Currency: "GBP", Status: "INACTIVE"},
	}}
	r, repo := newTestReconciler(client)
	ctx := context.Background()

	count, err := r.SyncLocations(ctx, "acct-demo")
	if err != nil {
		t.Fatalf("sync locations failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}

	locations, err := repo.ListLocationsByAccount(ctx, "acct-demo")
	if err != nil {
		t.Fatalf("list locations: %v", err)
	}
	byExternal := make(map[string]domain.Location, len(locations))
	for _, loc := range locations {
		byExternal[loc.ExternalID] = loc
	}
	if got := byExternal["L-SOHO"].Name; got != "Soho Gallery Renamed" {
		t.Fatalf("existing location not updated, name = %q", got)
	}
	if loc, ok := byExternal["L-NEW"]; !ok || !loc.Active {
		t.Fatalf("new location missing or inactive: %+v", loc)
	}
	if loc := byExternal["L-OLD"]; loc.Active {
		t.Fatal("inactive remote location must be stored inactive")
	}
}

func TestSyncCatalogBuildsHierarchyAndArtists(t *testing.T) {
	client := &fakeClient{catalog: []upstream.CatalogObject{
		{ID: "cat-root", Type: "CATEGORY", CategoryData: &upstream.CategoryData{Name: "Music"}},
		{ID: "cat-artist", Type: "CATEGORY", CategoryData: &upstream.CategoryData{Name: "Nina Simone", ParentCategoryID: "cat-root"}},
		{ID: "cat-format", Type: "CATEGORY", CategoryData: &upstream.CategoryData{Name: "LPs", ParentCategoryID: "cat-artist"}},
		{ID: "item-1", Type: "ITEM", ItemData: &upstream.ItemData{
			Name:       "I Put a Spell on You",
			CategoryID: "cat-format",
			Variations: []upstream.CatalogObject{{ID: "var-nina-1", VariationData: &upstream.VariationData{Name: "180g"}}},
		}},
		{ID: "item-2", Type: "ITEM", ItemData: &upstream.ItemData{
			Name:       "Mystery Item",
			CategoryID: "cat-missing",
			Variations: []upstream.CatalogObject{{ID: "var-orphan"}},
		}},
	}}
	r, repo := newTestReconciler(client)
	ctx := context.Background()

	categories, memberships, err := r.SyncCatalog(ctx, "acct-demo")
	if err != nil {
		t.Fatalf("sync catalog failed: %v", err)
	}
	if categories != 3 || memberships != 2 {
		t.Fatalf("counts = %d categories / %d memberships, want 3/2", categories, memberships)
	}

	stored, err := repo.ListCatalogMemberships(ctx, "acct-demo")
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	byVariation := make(map[string]domain.CatalogItemMembership, len(stored))
	for _, m := range stored {
		byVariation[m.CatalogObjectID] = m
	}

	nina := byVariation["var-nina-1"]
	if nina.ArtistName != "Nina Simone" {
		t.Fatalf("artist = %q, want the child of the root category", nina.ArtistName)
	}
	if nina.CategoryName != "LPs" || nina.VariationName != "180g" {
		t.Fatalf("membership = %+v", nina)
	}

	orphan := byVariation["var-orphan"]
	if orphan.CategoryName != "Uncategorized" || orphan.ArtistName != "" {
		t.Fatalf("dangling category must fall back to Uncategorized: %+v", orphan)
	}
}

func TestArtistFromChain(t *testing.T) {
	if got := artistFromChain([]string{"LPs", "Nina Simone", "Music"}); got != "Nina Simone" {
		t.Fatalf("got %q", got)
	}
	if got := artistFromChain([]string{"Music"}); got != "" {
		t.Fatalf("single-level chain should have no artist, got %q", got)
	}
	if got := artistFromChain(nil); got != "" {
		t.Fatalf("empty chain should have no artist, got %q", got)
	}
}
