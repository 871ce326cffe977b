package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tillsight/backend/internal/domain"
	"tillsight/backend/internal/store"
)

func (s *Service) requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("authentication required")
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("%w: %s role required", store.ErrInvalidInput, roles[0])
}

func (s *Service) accountForOrg(ctx context.Context, actor domain.Actor, accountID string) (*domain.Account, error) {
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.OrgID != actor.OrgID {
		return nil, store.ErrNotFound
	}
	return account, nil
}

// TriggerSync runs one incremental reconciliation for the account and
// reports what it did.
func (s *Service) TriggerSync(ctx context.Context, accountID string) (domain.SyncResult, error) {
	actor, err := s.requireRole(ctx, "admin")
	if err != nil {
		return domain.SyncResult{}, err
	}
	if _, err := s.accountForOrg(ctx, actor, accountID); err != nil {
		return domain.SyncResult{}, err
	}
	return s.reconciler.Sync(ctx, accountID)
}

// TriggerBackfill starts a historical import over an explicit date range.
// The end date is inclusive: a range of 2024-01-01..2024-01-31 covers the
// whole of January.
func (s *Service) TriggerBackfill(ctx context.Context, req domain.BackfillRequest) (*domain.ImportJob, error) {
	actor, err := s.requireRole(ctx, "admin")
	if err != nil {
		return nil, err
	}
	if _, err := s.accountForOrg(ctx, actor, req.AccountID); err != nil {
		return nil, err
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid start_date %q", store.ErrInvalidInput, req.StartDate)
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid end_date %q", store.ErrInvalidInput, req.EndDate)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end_date before start_date", store.ErrInvalidInput)
	}
	return s.reconciler.Backfill(ctx, req.AccountID, startOfDay(start), endOfDay(end), s.backfillSoftLimit)
}

func (s *Service) GetImportJob(ctx context.Context, jobID string) (*domain.ImportJob, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	job, err := s.repo.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OrgID != actor.OrgID {
		return nil, store.ErrNotFound
	}
	return job, nil
}

// RebuildSummaries regenerates the daily rollup rows. With no explicit
// locations it rebuilds every active location in the organization.
func (s *Service) RebuildSummaries(ctx context.Context, locationIDs []string) (domain.RebuildResponse, error) {
	actor, err := s.requireRole(ctx, "admin")
	if err != nil {
		return domain.RebuildResponse{}, err
	}

	accessible, err := s.accessibleLocations(ctx, actor, domain.Scope{Kind: domain.ScopeAllLocations})
	if err != nil {
		return domain.RebuildResponse{}, err
	}
	targets := accessible
	if len(locationIDs) > 0 {
		targets = intersect(accessible, locationIDs)
	}

	count, err := s.builder.Rebuild(ctx, actor.OrgID, targets)
	if err != nil {
		return domain.RebuildResponse{}, err
	}
	return domain.RebuildResponse{SummariesCreated: count, LocationIDs: targets}, nil
}

func (s *Service) ListRates(ctx context.Context) ([]domain.ExchangeRate, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	rates, err := s.repo.ListExchangeRates(ctx, actor.OrgID)
	if err != nil {
		return nil, err
	}
	if rates == nil {
		rates = []domain.ExchangeRate{}
	}
	return rates, nil
}

// UpsertRate sets the conversion rate from one source currency to the
// reporting currency and invalidates the cached rate map.
func (s *Service) UpsertRate(ctx context.Context, req domain.ExchangeRateUpsertRequest) (*domain.ExchangeRate, error) {
	actor, err := s.requireRole(ctx, "admin")
	if err != nil {
		return nil, err
	}

	code := strings.ToUpper(strings.TrimSpace(req.FromCurrency))
	if !currencyCodePattern.MatchString(code) {
		return nil, fmt.Errorf("%w: invalid currency code %q", store.ErrInvalidInput, req.FromCurrency)
	}
	if code == s.rates.Target() {
		return nil, fmt.Errorf("%w: %s is the reporting currency", store.ErrInvalidInput, code)
	}
	if req.Rate <= 0 {
		return nil, fmt.Errorf("%w: rate must be positive", store.ErrInvalidInput)
	}

	rate := domain.ExchangeRate{
		OrgID:        actor.OrgID,
		FromCurrency: code,
		Rate:         req.Rate,
		UpdatedAt:    s.now().UTC(),
	}
	if err := s.repo.UpsertExchangeRate(ctx, rate); err != nil {
		return nil, err
	}
	s.rates.Invalidate(ctx, actor.OrgID)
	return &rate, nil
}

// ResyncCatalog refreshes the account's category hierarchy and item
// memberships, then recomputes every keyword mapping in the organization.
func (s *Service) ResyncCatalog(ctx context.Context, accountID string) (int, int, error) {
	actor, err := s.requireRole(ctx, "admin")
	if err != nil {
		return 0, 0, err
	}
	if _, err := s.accountForOrg(ctx, actor, accountID); err != nil {
		return 0, 0, err
	}

	categories, memberships, err := s.reconciler.SyncCatalog(ctx, accountID)
	if err != nil {
		return 0, 0, err
	}
	if _, err := s.matcher.RecomputeOrg(ctx, actor.OrgID); err != nil {
		return categories, memberships, err
	}
	return categories, memberships, nil
}

func (s *Service) TriggerLocationSync(ctx context.Context, accountID string) (int, error) {
	actor, err := s.requireRole(ctx, "admin")
	if err != nil {
		return 0, err
	}
	if _, err := s.accountForOrg(ctx, actor, accountID); err != nil {
		return 0, err
	}
	return s.reconciler.SyncLocations(ctx, accountID)
}

// UpdateKeywords replaces a client's keyword list and recomputes its product
// mappings immediately. It returns the number of mapped catalog objects.
func (s *Service) UpdateKeywords(ctx context.Context, clientID string, keywords []string) (int, error) {
	actor, err := s.requireRole(ctx, "admin")
	if err != nil {
		return 0, err
	}

	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		return 0, err
	}
	if client.OrgID != actor.OrgID {
		return 0, store.ErrNotFound
	}

	updated, err := s.repo.UpdateClientKeywords(ctx, clientID, keywords)
	if err != nil {
		return 0, err
	}
	return s.matcher.Recompute(ctx, *updated)
}

func (s *Service) ListClients(ctx context.Context) ([]domain.Client, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	clients, err := s.repo.ListClientsByOrg(ctx, actor.OrgID)
	if err != nil {
		return nil, err
	}
	if actor.ClientID != "" {
		filtered := clients[:0]
		for _, client := range clients {
			if client.ID == actor.ClientID {
				filtered = append(filtered, client)
			}
		}
		clients = filtered
	}
	if clients == nil {
		clients = []domain.Client{}
	}
	return clients, nil
}

func (s *Service) ListLocations(ctx context.Context) ([]domain.Location, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	accessible, err := s.accessibleLocations(ctx, actor, resolveScope(actor))
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(accessible))
	for _, id := range accessible {
		allowed[id] = true
	}

	locations, err := s.repo.ListLocationsByOrg(ctx, actor.OrgID)
	if err != nil {
		return nil, err
	}
	result := make([]domain.Location, 0, len(locations))
	for _, loc := range locations {
		if allowed[loc.ID] {
			result = append(result, loc)
		}
	}
	return result, nil
}
