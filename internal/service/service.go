package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"tillsight/backend/internal/cache"
	"tillsight/backend/internal/catalog"
	"tillsight/backend/internal/currency"
	"tillsight/backend/internal/domain"
	"tillsight/backend/internal/reconcile"
	"tillsight/backend/internal/store"
	"tillsight/backend/internal/summary"
)

const defaultTrailingDays = 60

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo              store.Repository
	rates             *currency.Provider
	matcher           *catalog.Matcher
	builder           *summary.Builder
	reconciler        *reconcile.Reconciler
	cache             cache.ReportCache
	backfillSoftLimit time.Duration
	now               func() time.Time
}

func New(repo store.Repository, rates *currency.Provider, matcher *catalog.Matcher, builder *summary.Builder, reconciler *reconcile.Reconciler, reportCache cache.ReportCache, backfillSoftLimit time.Duration) *Service {
	if reportCache == nil {
		reportCache = cache.NoopReportCache{}
	}
	if backfillSoftLimit <= 0 {
		backfillSoftLimit = 25 * time.Minute
	}
	return &Service{
		repo:              repo,
		rates:             rates,
		matcher:           matcher,
		builder:           builder,
		reconciler:        reconciler,
		cache:             reportCache,
		backfillSoftLimit: backfillSoftLimit,
		now:               time.Now,
	}
}

// resolveScope collapses the caller's identity into the closed scope type.
// It is computed once per request and threaded through the query paths.
func resolveScope(actor domain.Actor) domain.Scope {
	if actor.ClientID != "" {
		return domain.Scope{Kind: domain.ScopeSingleClient, ClientIDs: []string{actor.ClientID}}
	}
	return domain.Scope{Kind: domain.ScopeAllLocations}
}

// filterContext is the per-request resolution of scope, location filter and
// the optional category product set. Mode is "category" exactly when the
// effective client has a non-empty precomputed product set.
type filterContext struct {
	mode        string
	clientID    string
	locationIDs []string
	productSet  map[string]string
}

func (s *Service) resolveFilter(ctx context.Context, actor domain.Actor, req domain.ReportRequest) (*filterContext, error) {
	scope := resolveScope(actor)

	accessible, err := s.accessibleLocations(ctx, actor, scope)
	if err != nil {
		return nil, err
	}

	clientID := strings.TrimSpace(req.ClientID)
	switch scope.Kind {
	case domain.ScopeSingleClient:
		if clientID != "" && clientID != scope.ClientIDs[0] {
			return nil, fmt.Errorf("%w: client not accessible", store.ErrInvalidInput)
		}
		clientID = scope.ClientIDs[0]
	case domain.ScopeClientSet:
		if clientID != "" && !containsString(scope.ClientIDs, clientID) {
			return nil, fmt.Errorf("%w: client not accessible", store.ErrInvalidInput)
		}
	}

	locationIDs := accessible
	if len(req.LocationIDs) > 0 {
		locationIDs = intersect(accessible, req.LocationIDs)
	}

	fc := &filterContext{mode: "location", locationIDs: locationIDs}
	if clientID == "" {
		return fc, nil
	}

	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.OrgID != actor.OrgID {
		return nil, fmt.Errorf("%w: client not accessible", store.ErrInvalidInput)
	}
	fc.clientID = client.ID
	if len(client.LocationIDs) > 0 {
		fc.locationIDs = intersect(fc.locationIDs, client.LocationIDs)
	}

	productSet, err := s.repo.GetClientProductSet(ctx, client.ID)
	if err != nil {
		return nil, err
	}
	if len(productSet) > 0 {
		fc.mode = "category"
		fc.productSet = productSet
	}
	return fc, nil
}

func (s *Service) accessibleLocations(ctx context.Context, actor domain.Actor, scope domain.Scope) ([]string, error) {
	locations, err := s.repo.ListLocationsByOrg(ctx, actor.OrgID)
	if err != nil {
		return nil, err
	}
	all := make([]string, 0, len(locations))
	for _, loc := range locations {
		if loc.Active {
			all = append(all, loc.ID)
		}
	}
	sort.Strings(all)

	switch scope.Kind {
	case domain.ScopeAllLocations:
		return all, nil
	case domain.ScopeSingleClient, domain.ScopeClientSet:
		allowed := make([]string, 0, len(all))
		for _, clientID := range scope.ClientIDs {
			client, err := s.repo.GetClient(ctx, clientID)
			if err != nil {
				return nil, err
			}
			allowed = append(allowed, intersect(all, client.LocationIDs)...)
		}
		sort.Strings(allowed)
		return dedupeStrings(allowed), nil
	}
	return nil, fmt.Errorf("%w: unknown scope", store.ErrInvalidInput)
}

// resolveDateRange applies the precedence rule: explicit dates beat a named
// preset, which beats the trailing-days fallback. The returned window spans
// whole UTC days, end inclusive.
func (s *Service) resolveDateRange(req domain.ReportRequest) (time.Time, time.Time, error) {
	now := s.now().UTC()

	if req.StartDate != nil || req.EndDate != nil {
		if req.StartDate == nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: end_date without start_date", store.ErrInvalidInput)
		}
		start := startOfDay(req.StartDate.UTC())
		end := endOfDay(now)
		if req.EndDate != nil {
			end = endOfDay(req.EndDate.UTC())
		}
		if start.After(end) {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: start_date after end_date", store.ErrInvalidInput)
		}
		return start, end, nil
	}

	if preset := strings.ToLower(strings.TrimSpace(req.DatePreset)); preset != "" {
		switch preset {
		case "today":
			return startOfDay(now), endOfDay(now), nil
		case "yesterday":
			y := now.AddDate(0, 0, -1)
			return startOfDay(y), endOfDay(y), nil
		case "this_week":
			// Weeks start Monday.
			offset := (int(now.Weekday()) + 6) % 7
			return startOfDay(now.AddDate(0, 0, -offset)), endOfDay(now), nil
		case "this_month":
			return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), endOfDay(now), nil
		case "this_year":
			return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC), endOfDay(now), nil
		default:
			return time.Time{}, time.Time{}, fmt.Errorf("%w: unknown date preset %q", store.ErrInvalidInput, preset)
		}
	}

	days := req.Days
	if days == 0 {
		days = defaultTrailingDays
	}
	if days < 1 || days > 3650 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: days out of range", store.ErrInvalidInput)
	}
	return startOfDay(now.AddDate(0, 0, -days)), endOfDay(now), nil
}

var currencyCodePattern = regexp.MustCompile(`^[A-Z]{3}$`)

// resolveCurrency validates the requested reporting currency. Only the
// configured target is servable because rates are stored against it.
func (s *Service) resolveCurrency(requested string) (string, error) {
	requested = strings.ToUpper(strings.TrimSpace(requested))
	if requested == "" {
		return s.rates.Target(), nil
	}
	if !currencyCodePattern.MatchString(requested) {
		return "", fmt.Errorf("%w: invalid currency code %q", store.ErrInvalidInput, requested)
	}
	if requested != s.rates.Target() {
		return "", fmt.Errorf("%w: unsupported reporting currency %q", store.ErrInvalidInput, requested)
	}
	return requested, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}

func intersect(a []string, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	result := make([]string, 0, len(a))
	for _, v := range a {
		if set[v] {
			result = append(result, v)
		}
	}
	return result
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func dedupeStrings(sorted []string) []string {
	result := sorted[:0]
	var prev string
	for i, v := range sorted {
		if i == 0 || v != prev {
			result = append(result, v)
		}
		prev = v
	}
	return result
}
