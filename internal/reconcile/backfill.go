package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"tillsight/backend/internal/domain"
	"tillsight/backend/internal/upstream"
)

const backfillChunk = 30 * 24 * time.Hour

// SoftLimitMessage is the user-facing status for a backfill that ran out of
// wall-clock budget. Re-triggering is safe: the idempotent upsert absorbs
// everything already imported.
const SoftLimitMessage = "Import timed out. The data imported so far has been saved. Please re-trigger the import - it will skip duplicates and continue from where it left off."

// Backfill imports a historical date range in 30-day chunks, oldest first.
// Progress counts are persisted after every page. When the soft wall-clock
// limit is reached the job stops cleanly in a failed-but-resumable state
// instead of being killed mid-write.
func (r *Reconciler) Backfill(ctx context.Context, accountID string, start time.Time, end time.Time, softLimit time.Duration) (*domain.ImportJob, error) {
	account, err := r.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	start = start.UTC()
	end = end.UTC()
	if !start.Before(end) {
		return nil, fmt.Errorf("backfill range start must precede end")
	}
	if softLimit <= 0 {
		softLimit = 25 * time.Minute
	}

	job, err := r.repo.CreateImportJob(ctx, domain.ImportJob{
		OrgID:      account.OrgID,
		AccountID:  account.ID,
		Type:       domain.ImportTypeHistorical,
		Status:     domain.ImportStatusInProgress,
		RangeStart: &start,
		RangeEnd:   &end,
		StartedAt:  r.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	locations, err := r.repo.ListLocationsByAccount(ctx, account.ID)
	if err != nil {
		r.finishJob(ctx, job, nil, domain.ImportStatusFailed, false, err.Error())
		return job, err
	}
	byExternal := make(map[string]domain.Location, len(locations))
	externalIDs := make([]string, 0, len(locations))
	for _, loc := range locations {
		if !loc.Active {
			continue
		}
		byExternal[loc.ExternalID] = loc
		externalIDs = append(externalIDs, loc.ExternalID)
	}
	sort.Strings(externalIDs)

	state := newPassState()
	deadline := r.now().Add(softLimit)

	for chunkStart := start; chunkStart.Before(end); chunkStart = chunkStart.Add(backfillChunk) {
		chunkEnd := chunkStart.Add(backfillChunk)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		cursor := ""
		for {
			page, err := r.fetchOrdersWithRetry(ctx, account, externalIDs, chunkStart, chunkEnd, cursor)
			if err != nil {
				r.finishJob(ctx, job, state, domain.ImportStatusFailed, true,
					fmt.Sprintf("backfill failed in chunk %s: %v (partial progress is saved; re-triggering is safe)", chunkStart.Format("2006-01-02"), err))
				return job, err
			}
			for _, order := range page.Orders {
				r.upsertOrder(ctx, account, byExternal, order, state)
			}
			r.persistProgress(ctx, job, state)

			if r.now().After(deadline) {
				r.finishJob(ctx, job, state, domain.ImportStatusFailed, true, SoftLimitMessage)
				r.rebuildAffected(ctx, account.OrgID, state.locations)
				log.Printf("[reconcile] backfill job %s hit soft limit: created=%d updated=%d skipped=%d", job.ID, state.result.Created, state.result.Updated, state.result.Skipped)
				return job, nil
			}
			if page.Cursor == "" {
				break
			}
			cursor = page.Cursor
		}
	}

	r.finishJob(ctx, job, state, domain.ImportStatusCompleted, false, "")
	if state.result.Activity() > 0 {
		r.rebuildAffected(ctx, account.OrgID, state.locations)
	}
	log.Printf("[reconcile] backfill job %s completed: created=%d updated=%d skipped=%d", job.ID, state.result.Created, state.result.Updated, state.result.Skipped)
	return job, nil
}

func (r *Reconciler) fetchOrdersWithRetry(ctx context.Context, account *domain.Account, externalIDs []string, from time.Time, to time.Time, cursor string) (*upstream.OrdersPage, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		page, err := r.client.SearchOrders(ctx, account.AccessToken, externalIDs, from, to, cursor)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !errors.Is(err, upstream.ErrTransient) {
			return nil, err
		}
		if attempt+1 < r.maxAttempts {
			backoff := r.backoffBase * (1 << attempt)
			log.Printf("[reconcile] WARN: transient page fetch failure (attempt %d): %v, retrying in %s", attempt+1, err, backoff)
			if sleepErr := r.sleep(ctx, backoff); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
	return nil, lastErr
}

// SyncLocations upserts the provider's location list for the account.
func (r *Reconciler) SyncLocations(ctx context.Context, accountID string) (int, error) {
	account, err := r.repo.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}

	remote, err := r.client.ListLocations(ctx, account.AccessToken)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, loc := range remote {
		_, err := r.repo.UpsertLocation(ctx, domain.Location{
			OrgID:      account.OrgID,
			AccountID:  account.ID,
			ExternalID: loc.ID,
			Name:       loc.Name,
			Currency:   loc.Currency,
			Timezone:   loc.Timezone,
			Active:     loc.Status == "ACTIVE",
		})
		if err != nil {
			log.Printf("[reconcile] WARN: failed to upsert location %s: %v", loc.ID, err)
			continue
		}
		count++
	}
	return count, nil
}

// SyncCatalog pulls the full catalog (archived items included) and replaces
// the cached category hierarchy and item memberships for the account.
func (r *Reconciler) SyncCatalog(ctx context.Context, accountID string) (int, int, error) {
	account, err := r.repo.GetAccount(ctx, accountID)
	if err != nil {
		return 0, 0, err
	}

	var rawCategories []upstream.CatalogObject
	var rawItems []upstream.CatalogObject
	cursor := ""
	for {
		page, err := r.client.ListCatalog(ctx, account.AccessToken, cursor)
		if err != nil {
			return 0, 0, err
		}
		for _, obj := range page.Objects {
			switch obj.Type {
			case "CATEGORY":
				rawCategories = append(rawCategories, obj)
			case "ITEM":
				rawItems = append(rawItems, obj)
			}
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	categories := buildCategories(account.ID, rawCategories)
	chains := make(map[string][]string, len(categories))
	names := make(map[string]string, len(categories))
	for _, cat := range categories {
		chains[cat.ID] = cat.PathToRoot
		names[cat.ID] = cat.Name
	}

	memberships := make([]domain.CatalogItemMembership, 0, len(rawItems))
	for _, item := range rawItems {
		if item.ItemData == nil {
			continue
		}
		categoryID := item.ItemData.CategoryID
		categoryName := names[categoryID]
		if categoryName == "" {
			categoryName = "Uncategorized"
		}
		artist := artistFromChain(chains[categoryID])

		for _, variation := range item.ItemData.Variations {
			variationName := ""
			if variation.VariationData != nil {
				variationName = variation.VariationData.Name
			}
			memberships = append(memberships, domain.CatalogItemMembership{
				AccountID:       account.ID,
				CatalogObjectID: variation.ID,
				ItemID:          item.ID,
				ItemName:        item.ItemData.Name,
				VariationName:   variationName,
				CategoryID:      categoryID,
				CategoryName:    categoryName,
				ArtistName:      artist,
			})
		}
	}

	if err := r.repo.ReplaceCatalog(ctx, account.ID, categories, memberships); err != nil {
		return 0, 0, err
	}
	log.Printf("[reconcile] catalog sync for account %s: %d categories, %d memberships", account.ID, len(categories), len(memberships))
	return len(categories), len(memberships), nil
}

// buildCategories resolves each category's name chain from itself up to the
// root. Cycles and dangling parents terminate the walk.
func buildCategories(accountID string, raw []upstream.CatalogObject) []domain.CatalogCategory {
	type node struct {
		name   string
		parent string
	}
	nodes := make(map[string]node, len(raw))
	for _, obj := range raw {
		if obj.CategoryData == nil {
			continue
		}
		nodes[obj.ID] = node{name: obj.CategoryData.Name, parent: obj.CategoryData.ParentCategoryID}
	}

	categories := make([]domain.CatalogCategory, 0, len(nodes))
	for id, n := range nodes {
		chain := []string{n.name}
		visited := map[string]bool{id: true}
		parent := n.parent
		for parent != "" && !visited[parent] {
			visited[parent] = true
			parentNode, ok := nodes[parent]
			if !ok {
				break
			}
			chain = append(chain, parentNode.name)
			parent = parentNode.parent
		}
		categories = append(categories, domain.CatalogCategory{
			ID:         id,
			AccountID:  accountID,
			Name:       n.name,
			ParentID:   n.parent,
			PathToRoot: chain,
		})
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].ID < categories[j].ID })
	return categories
}

// artistFromChain picks the second level of the hierarchy (the child of the
// root), which this catalog convention uses for the artist name.
func artistFromChain(chain []string) string {
	if len(chain) < 2 {
		return ""
	}
	return chain[len(chain)-2]
}
