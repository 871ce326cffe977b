package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"tillsight/backend/internal/domain"
	"tillsight/backend/internal/store"
	"tillsight/backend/internal/summary"
	"tillsight/backend/internal/upstream"
)

const (
	// Pass one never looks back further than this without an explicit
	// backfill; pass two always re-checks at least this far for late
	// status and refund changes; pass three lists refunds over the
	// trailing refund window because the refunds API surfaces them before
	// they appear on the order object.
	newOrderLookback    = 7 * 24 * time.Hour
	updatedSafetyWindow = 24 * time.Hour
	refundLookback      = 7 * 24 * time.Hour

	defaultMaxAttempts = 3
)

// Reconciler pulls orders and refunds from the upstream provider and upserts
// them idempotently. Overlapping invocations for the same account are
// tolerated: every write is keyed by the external order id.
type Reconciler struct {
	repo    store.Repository
	client  upstream.Client
	builder *summary.Builder

	maxAttempts int
	backoffBase time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func New(repo store.Repository, client upstream.Client, builder *summary.Builder) *Reconciler {
	return &Reconciler{
		repo:        repo,
		client:      client,
		builder:     builder,
		maxAttempts: defaultMaxAttempts,
		backoffBase: time.Minute,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type passState struct {
	result    domain.SyncResult
	seen      map[string]bool
	locations map[string]bool
}

func newPassState() *passState {
	return &passState{
		seen:      make(map[string]bool),
		locations: make(map[string]bool),
	}
}

// Sync runs the three-pass protocol for one account. Transient upstream
// failures retry the whole invocation with exponential backoff; committed
// upserts from a failed attempt are kept and absorbed as skips on retry.
func (r *Reconciler) Sync(ctx context.Context, accountID string) (domain.SyncResult, error) {
	account, err := r.repo.GetAccount(ctx, accountID)
	if err != nil {
		return domain.SyncResult{}, err
	}

	job, err := r.repo.CreateImportJob(ctx, domain.ImportJob{
		OrgID:     account.OrgID,
		AccountID: account.ID,
		Type:      domain.ImportTypeManualSync,
		Status:    domain.ImportStatusInProgress,
		StartedAt: r.now().UTC(),
	})
	if err != nil {
		return domain.SyncResult{}, err
	}

	var state *passState
	var syncEnd time.Time
	for attempt := 0; ; attempt++ {
		state, syncEnd, err = r.runPasses(ctx, account, job)
		if err == nil {
			break
		}
		if !errors.Is(err, upstream.ErrTransient) || attempt+1 >= r.maxAttempts {
			r.finishJob(ctx, job, state, domain.ImportStatusFailed, true,
				fmt.Sprintf("sync failed after %d attempts: %v (partial progress is saved; re-triggering is safe)", attempt+1, err))
			return resultOf(state), err
		}

		backoff := r.backoffBase * (1 << attempt)
		log.Printf("[reconcile] WARN: transient failure for account %s (attempt %d): %v, retrying in %s", account.ID, attempt+1, err, backoff)
		if sleepErr := r.sleep(ctx, backoff); sleepErr != nil {
			r.finishJob(ctx, job, state, domain.ImportStatusFailed, true, sleepErr.Error())
			return resultOf(state), sleepErr
		}
	}

	// last_sync advances to the pass-1 end time only after every pass
	// completed, so a failed invocation re-covers the same window.
	if err := r.repo.UpdateAccountLastSync(ctx, account.ID, syncEnd); err != nil {
		log.Printf("[reconcile] WARN: failed to advance last sync for account %s: %v", account.ID, err)
	}
	r.finishJob(ctx, job, state, domain.ImportStatusCompleted, false, "")

	if state.result.Activity() > 0 {
		r.rebuildAffected(ctx, account.OrgID, state.locations)
	}

	log.Printf("[reconcile] account %s: created=%d updated=%d skipped=%d", account.ID, state.result.Created, state.result.Updated, state.result.Skipped)
	return state.result, nil
}

// SyncAllActive syncs every active account with bounded concurrency.
// Per-account failures are logged and do not abort the remaining accounts.
func (r *Reconciler) SyncAllActive(ctx context.Context, concurrency int) error {
	accounts, err := r.repo.ListActiveAccounts(ctx)
	if err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 2
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, account := range accounts {
		account := account
		g.Go(func() error {
			if _, err := r.Sync(gctx, account.ID); err != nil {
				log.Printf("[reconcile] WARN: scheduled sync failed for account %s: %v", account.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Reconciler) runPasses(ctx context.Context, account *domain.Account, job *domain.ImportJob) (*passState, time.Time, error) {
	locations, err := r.repo.ListLocationsByAccount(ctx, account.ID)
	if err != nil {
		return nil, time.Time{}, err
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
	if len(externalIDs) == 0 {
		return newPassState(), r.now().UTC(), nil
	}

	state := newPassState()
	now := r.now().UTC()

	// Pass 1: new orders closed since the last successful sync, bounded by
	// the default lookback.
	closedFrom := now.Add(-newOrderLookback)
	if account.LastSyncAt != nil && account.LastSyncAt.After(closedFrom) {
		closedFrom = account.LastSyncAt.UTC()
	}
	err = r.pageOrders(ctx, account, job, state, byExternal, func(cursor string) (*upstream.OrdersPage, error) {
		return r.client.SearchOrders(ctx, account.AccessToken, externalIDs, closedFrom, now, cursor)
	})
	if err != nil {
		return state, time.Time{}, fmt.Errorf("new-orders pass: %w", err)
	}

	// Pass 2: orders updated since the last sync, with a safety window
	// that always reaches back at least 24 hours.
	updatedSince := now.Add(-updatedSafetyWindow)
	if account.LastSyncAt != nil && account.LastSyncAt.Before(updatedSince) {
		updatedSince = account.LastSyncAt.UTC()
	}
	err = r.pageOrders(ctx, account, job, state, byExternal, func(cursor string) (*upstream.OrdersPage, error) {
		return r.client.SearchOrdersUpdatedSince(ctx, account.AccessToken, externalIDs, updatedSince, cursor)
	})
	if err != nil {
		return state, time.Time{}, fmt.Errorf("updated-orders pass: %w", err)
	}

	// Pass 3: refunds cross-check. Each refund's parent order not already
	// seen this invocation is re-fetched individually.
	refundsSince := now.Add(-refundLookback)
	for _, externalLocationID := range externalIDs {
		cursor := ""
		for {
			page, err := r.client.ListRefunds(ctx, account.AccessToken, externalLocationID, refundsSince, cursor)
			if err != nil {
				return state, time.Time{}, fmt.Errorf("refunds pass: %w", err)
			}
			for _, refund := range page.Refunds {
				if refund.OrderID == "" || state.seen[refund.OrderID] {
					continue
				}
				order, err := r.client.GetOrder(ctx, account.AccessToken, refund.OrderID)
				if err != nil {
					return state, time.Time{}, fmt.Errorf("refunds pass: order %s: %w", refund.OrderID, err)
				}
				r.upsertOrder(ctx, account, byExternal, *order, state)
			}
			r.persistProgress(ctx, job, state)
			if page.Cursor == "" {
				break
			}
			cursor = page.Cursor
		}
	}

	return state, now, nil
}

func (r *Reconciler) pageOrders(ctx context.Context, account *domain.Account, job *domain.ImportJob, state *passState, byExternal map[string]domain.Location, fetch func(cursor string) (*upstream.OrdersPage, error)) error {
	cursor := ""
	for {
		page, err := fetch(cursor)
		if err != nil {
			return err
		}
		for _, order := range page.Orders {
			r.upsertOrder(ctx, account, byExternal, order, state)
		}
		r.persistProgress(ctx, job, state)
		if page.Cursor == "" {
			return nil
		}
		cursor = page.Cursor
	}
}

// upsertOrder applies the dedup rule: insert when absent; overwrite mutable
// fields when the payment status or the return-entry status multiset
// changed; otherwise count a skip. Orders for unknown locations are logged
// and ignored.
func (r *Reconciler) upsertOrder(ctx context.Context, account *domain.Account, byExternal map[string]domain.Location, order upstream.Order, state *passState) {
	if order.ID == "" {
		return
	}
	state.seen[order.ID] = true

	location, ok := byExternal[order.LocationID]
	if !ok {
		log.Printf("[reconcile] WARN: order %s references unknown location %s, skipping", order.ID, order.LocationID)
		return
	}

	incoming, err := convertOrder(account, location, order)
	if err != nil {
		log.Printf("[reconcile] WARN: order %s rejected: %v", order.ID, err)
		return
	}

	existing, err := r.repo.GetTransactionByExternalID(ctx, account.OrgID, order.ID)
	if errors.Is(err, store.ErrNotFound) {
		if _, err := r.repo.InsertTransaction(ctx, incoming); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// A concurrent invocation inserted it first; fall through
				// to the update check.
				existing, err = r.repo.GetTransactionByExternalID(ctx, account.OrgID, order.ID)
				if err != nil {
					log.Printf("[reconcile] WARN: order %s: %v", order.ID, err)
					return
				}
			} else {
				log.Printf("[reconcile] WARN: failed to insert order %s: %v", order.ID, err)
				return
			}
		} else {
			state.result.Created++
			state.locations[location.ID] = true
			return
		}
	} else if err != nil {
		log.Printf("[reconcile] WARN: lookup failed for order %s: %v", order.ID, err)
		return
	}

	if existing.Status != incoming.Status || returnsDiffer(existing.Returns, incoming.Returns) {
		if _, err := r.repo.UpdateTransaction(ctx, incoming); err != nil {
			log.Printf("[reconcile] WARN: failed to update order %s: %v", order.ID, err)
			return
		}
		state.result.Updated++
		state.locations[location.ID] = true
		return
	}

	state.result.Skipped++
}

// returnsDiffer compares the return-entry status multisets, never raw
// equality: settlement can mutate amounts without changing what counts.
func returnsDiffer(stored []domain.ReturnEntry, incoming []domain.ReturnEntry) bool {
	if len(stored) != len(incoming) {
		return true
	}
	a := make([]string, len(stored))
	b := make([]string, len(incoming))
	for i := range stored {
		a[i] = stored[i].Status
		b[i] = incoming[i].Status
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

func convertOrder(account *domain.Account, location domain.Location, order upstream.Order) (domain.Transaction, error) {
	closedAt, err := upstream.ParseTime(order.ClosedAt)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("bad closed_at %q: %w", order.ClosedAt, err)
	}

	currency := order.TotalMoney.Currency
	if currency == "" {
		currency = location.Currency
	}

	var gross int64
	items := make([]domain.LineItem, 0, len(order.LineItems))
	for _, line := range order.LineItems {
		qty := parseQuantity(line.Quantity)
		items = append(items, domain.LineItem{
			CatalogObjectID: line.CatalogObjectID,
			ItemName:        line.Name,
			VariationName:   line.VariationName,
			Quantity:        qty,
			UnitPriceCents:  line.BasePriceMoney.Amount,
			GrossSalesCents: line.GrossSalesMoney.Amount,
			TotalCents:      line.TotalMoney.Amount,
		})
		gross += line.GrossSalesMoney.Amount
	}

	returns := make([]domain.ReturnEntry, 0, len(order.Returns))
	for _, ret := range order.Returns {
		returns = append(returns, domain.ReturnEntry{
			Status:     ret.Status,
			TotalCents: ret.TotalMoney.Amount,
			TaxCents:   ret.TotalTaxMoney.Amount,
		})
	}

	tender := "UNKNOWN"
	if len(order.Tenders) > 0 && order.Tenders[0].Type != "" {
		tender = order.Tenders[0].Type
	}

	total := order.TotalMoney.Amount
	tax := order.TotalTaxMoney.Amount
	tip := order.TotalTipMoney.Amount

	return domain.Transaction{
		OrgID:         account.OrgID,
		AccountID:     account.ID,
		LocationID:    location.ID,
		ExternalID:    order.ID,
		ClosedAt:      closedAt,
		Status:        order.State,
		Currency:      currency,
		TotalCents:    total,
		GrossCents:    gross,
		NetCents:      total - tax - tip,
		TaxCents:      tax,
		TipCents:      tip,
		DiscountCents: order.TotalDiscountMoney.Amount,
		TenderType:    tender,
		LineItems:     items,
		Returns:       returns,
	}, nil
}

func parseQuantity(raw string) int64 {
	if raw == "" {
		return 1
	}
	// The provider sends quantity as a decimal string; fractional
	// quantities truncate toward zero like the historical importer did.
	if qty, err := strconv.ParseFloat(raw, 64); err == nil && qty > 0 {
		return int64(qty)
	}
	return 1
}

func (r *Reconciler) persistProgress(ctx context.Context, job *domain.ImportJob, state *passState) {
	job.Created = state.result.Created
	job.Updated = state.result.Updated
	job.Skipped = state.result.Skipped
	if err := r.repo.UpdateImportJob(ctx, *job); err != nil {
		log.Printf("[reconcile] WARN: failed to persist progress for job %s: %v", job.ID, err)
	}
}

func (r *Reconciler) finishJob(ctx context.Context, job *domain.ImportJob, state *passState, status string, resumable bool, message string) {
	if state != nil {
		job.Created = state.result.Created
		job.Updated = state.result.Updated
		job.Skipped = state.result.Skipped
	}
	job.Status = status
	job.Resumable = resumable
	job.Error = message
	completed := r.now().UTC()
	job.CompletedAt = &completed
	if err := r.repo.UpdateImportJob(ctx, *job); err != nil {
		log.Printf("[reconcile] WARN: failed to finish job %s: %v", job.ID, err)
	}
}

func (r *Reconciler) rebuildAffected(ctx context.Context, orgID string, locationSet map[string]bool) {
	locationIDs := make([]string, 0, len(locationSet))
	for id := range locationSet {
		locationIDs = append(locationIDs, id)
	}
	sort.Strings(locationIDs)
	if _, err := r.builder.Rebuild(ctx, orgID, locationIDs); err != nil {
		log.Printf("[reconcile] WARN: summary rebuild failed for locations %v: %v", locationIDs, err)
	}
}

func resultOf(state *passState) domain.SyncResult {
	if state == nil {
		return domain.SyncResult{}
	}
	return state.result
}
