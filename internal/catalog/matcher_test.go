package catalog

import (
	"context"
	"testing"

	"tillsight/backend/internal/domain"
	"tillsight/backend/internal/store/memory"
)

func seededClient(t *testing.T, repo *memory.Store) domain.Client {
	t.Helper()
	client, err := repo.GetClient(context.Background(), "client-vinyl")
	if err != nil {
		t.Fatalf("seed client missing: %v", err)
	}
	return *client
}

func TestRecomputeMapsKeywordToCategoryItems(t *testing.T) {
	repo := memory.NewSeeded()
	ctx := context.Background()

	count, err := New(repo).Recompute(ctx, seededClient(t, repo))
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("mapped = %d, want 2", count)
	}

	set, err := repo.GetClientProductSet(ctx, "client-vinyl")
	if err != nil {
		t.Fatalf("product set: %v", err)
	}
	if set["var-lp-001"] != "vinyl" || set["var-lp-002"] != "vinyl" {
		t.Fatalf("set = %v, want both LP variations under the vinyl keyword", set)
	}
	if _, ok := set["var-print-001"]; ok {
		t.Fatal("print variation must not match the vinyl keyword")
	}
}

func TestRecomputeParentKeywordPropagatesDown(t *testing.T) {
	repo := memory.NewSeeded()
	ctx := context.Background()

	client := seededClient(t, repo)
	client.Keywords = []string{"Music"}

	count, err := New(repo).Recompute(ctx, client)
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("mapped = %d, want 2 (vinyl items inherit the parent match)", count)
	}

	set, err := repo.GetClientProductSet(ctx, "client-vinyl")
	if err != nil {
		t.Fatalf("product set: %v", err)
	}
	if set["var-lp-001"] != "music" || set["var-lp-002"] != "music" {
		t.Fatalf("set = %v", set)
	}
}

func TestRecomputeMatchesCaseInsensitiveSubstring(t *testing.T) {
	repo := memory.NewSeeded()
	ctx := context.Background()

	client := seededClient(t, repo)
	client.Keywords = []string{"  VINyl  "}

	count, err := New(repo).Recompute(ctx, client)
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("mapped = %d, want 2", count)
	}
}

func TestRecomputeEmptyKeywordsClearsMappings(t *testing.T) {
	repo := memory.NewSeeded()
	ctx := context.Background()
	matcher := New(repo)

	if _, err := matcher.Recompute(ctx, seededClient(t, repo)); err != nil {
		t.Fatalf("initial recompute failed: %v", err)
	}

	client := seededClient(t, repo)
	client.Keywords = []string{"  ", ""}
	count, err := matcher.Recompute(ctx, client)
	if err != nil {
		t.Fatalf("clearing recompute failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("mapped = %d, want 0", count)
	}

	set, err := repo.GetClientProductSet(ctx, "client-vinyl")
	if err != nil {
		t.Fatalf("product set: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("set = %v, want empty", set)
	}
}

func TestRecomputeOrgSkipsKeywordlessClients(t *testing.T) {
	repo := memory.NewSeeded()
	ctx := context.Background()

	total, err := New(repo).RecomputeOrg(ctx, "org-demo")
	if err != nil {
		t.Fatalf("recompute org failed: %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
}

func TestMatchCategoriesDirectMatchBeatsInheritance(t *testing.T) {
	categories := []domain.CatalogCategory{
		{ID: "root", Name: "Music", PathToRoot: []string{"Music"}},
		{ID: "child", Name: "Vinyl", ParentID: "root", PathToRoot: []string{"Vinyl", "Music"}},
	}

	matched := matchCategories(categories, []string{"vinyl", "music"})
	if matched["root"] != "music" {
		t.Fatalf("root keyword = %q, want music", matched["root"])
	}
	if matched["child"] != "vinyl" {
		t.Fatalf("child keyword = %q, want its own direct match", matched["child"])
	}
}

func TestMatchCategoriesPropagatesThroughGrandchildren(t *testing.T) {
	categories := []domain.CatalogCategory{
		{ID: "a", Name: "Art", PathToRoot: []string{"Art"}},
		{ID: "b", Name: "Prints", ParentID: "a", PathToRoot: []string{"Prints", "Art"}},
		{ID: "c", Name: "Framed", ParentID: "b", PathToRoot: []string{"Framed", "Prints", "Art"}},
	}

	matched := matchCategories(categories, []string{"art"})
	for _, id := range []string{"a", "b", "c"} {
		if matched[id] != "art" {
			t.Fatalf("category %s keyword = %q, want art", id, matched[id])
		}
	}
}
