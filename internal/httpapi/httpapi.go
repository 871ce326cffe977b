package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"tillsight/backend/internal/domain"
	"tillsight/backend/internal/service"
	"tillsight/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		// Fall back to a deterministic secret if crypto/rand fails (should not happen in practice).
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	now := time.Now().UTC()
	bucket := now.Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken checks whether the provided token matches the current or
// previous hour bucket, giving a 2-hour validity window.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	now := time.Now().UTC()
	currentBucket := now.Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	expected1 := a.csrfTokenForHour(currentBucket)
	expected2 := a.csrfTokenForHour(prevBucket)

	return hmac.Equal([]byte(token), []byte(expected1)) ||
		hmac.Equal([]byte(token), []byte(expected2))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/analytics/aggregation", a.requireAuth(a.handleAggregation, "viewer", "admin"))
	mux.HandleFunc("/api/v1/analytics/summary", a.requireAuth(a.handleSummary, "viewer", "admin"))
	mux.HandleFunc("/api/v1/analytics/fast-summary", a.requireAuth(a.handleFastSummary, "viewer", "admin"))
	mux.HandleFunc("/api/v1/analytics/locations", a.requireAuth(a.handleSalesByLocation, "viewer", "admin"))
	mux.HandleFunc("/api/v1/analytics/products/top", a.requireAuth(a.handleTopProducts, "viewer", "admin"))
	mux.HandleFunc("/api/v1/analytics/categories", a.requireAuth(a.handleCategoryBreakdown, "viewer", "admin"))
	mux.HandleFunc("/api/v1/analytics/artists", a.requireAuth(a.handleByArtist, "viewer", "admin"))
	mux.HandleFunc("/api/v1/analytics/hourly", a.requireAuth(a.handleHourly, "viewer", "admin"))
	mux.HandleFunc("/api/v1/analytics/basket", a.requireAuth(a.handleBasket, "viewer", "admin"))
	mux.HandleFunc("/api/v1/analytics/refunds", a.requireAuth(a.handleRefunds, "viewer", "admin"))
	mux.HandleFunc("/api/v1/analytics/refunds/daily", a.requireAuth(a.handleRefundsDaily, "viewer", "admin"))
	mux.HandleFunc("/api/v1/analytics/tax", a.requireAuth(a.handleTaxSummary, "viewer", "admin"))
	mux.HandleFunc("/api/v1/analytics/discounts", a.requireAuth(a.handleDiscountSummary, "viewer", "admin"))
	mux.HandleFunc("/api/v1/analytics/tips", a.requireAuth(a.handleTipsSummary, "viewer", "admin"))

	mux.HandleFunc("/api/v1/transactions", a.requireAuth(a.handleTransactions, "viewer", "admin"))
	mux.HandleFunc("/api/v1/transactions/", a.requireAuth(a.handleTransactionByID, "viewer", "admin"))

	mux.HandleFunc("/api/v1/clients", a.requireAuth(a.handleClients, "viewer", "admin"))
	mux.HandleFunc("/api/v1/clients/", a.requireAuth(a.handleClientActions, "admin"))
	mux.HandleFunc("/api/v1/locations", a.requireAuth(a.handleLocations, "viewer", "admin"))
	mux.HandleFunc("/api/v1/exchange-rates", a.requireAuth(a.handleExchangeRates, "viewer", "admin"))

	mux.HandleFunc("/api/v1/sync/trigger", a.requireAuth(a.handleSyncTrigger, "admin"))
	mux.HandleFunc("/api/v1/sync/backfill", a.requireAuth(a.handleBackfill, "admin"))
	mux.HandleFunc("/api/v1/sync/jobs/", a.requireAuth(a.handleImportJob, "viewer", "admin"))
	mux.HandleFunc("/api/v1/sync/locations", a.requireAuth(a.handleLocationSync, "admin"))
	mux.HandleFunc("/api/v1/sync/catalog", a.requireAuth(a.handleCatalogSync, "admin"))
	mux.HandleFunc("/api/v1/summaries/rebuild", a.requireAuth(a.handleRebuild, "admin"))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless CSRF token valid for the current hour bucket.
// Clients must include this token in the X-CSRF-Token header for all mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// csrfExemptPaths lists paths that are exempt from CSRF validation. Login is
// excluded because it is called without a prior CSRF token fetch.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

// checkCSRF enforces CSRF token validation for state-changing methods (POST/PUT/PATCH).
// Returns false and writes an error response if validation fails.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

// parseReportRequest reads the query inputs every analytics endpoint shares.
func parseReportRequest(r *http.Request) (domain.ReportRequest, error) {
	q := r.URL.Query()
	req := domain.ReportRequest{
		ClientID:   strings.TrimSpace(q.Get("client_id")),
		DatePreset: strings.TrimSpace(q.Get("preset")),
		Currency:   strings.TrimSpace(q.Get("currency")),
	}

	if raw := strings.TrimSpace(q.Get("location_ids")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if id := strings.TrimSpace(part); id != "" {
				req.LocationIDs = append(req.LocationIDs, id)
			}
		}
	}

	if raw := strings.TrimSpace(q.Get("start_date")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return req, fmt.Errorf("invalid start_date %q", raw)
		}
		req.StartDate = &parsed
	}
	if raw := strings.TrimSpace(q.Get("end_date")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return req, fmt.Errorf("invalid end_date %q", raw)
		}
		req.EndDate = &parsed
	}
	if raw := strings.TrimSpace(q.Get("days")); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil {
			return req, fmt.Errorf("invalid days %q", raw)
		}
		req.Days = days
	}
	return req, nil
}

// report wraps the common GET-parse-call-respond cycle of the analytics
// endpoints.
func (a *API) report(fn func(*http.Request, domain.ReportRequest) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		req, err := parseReportRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := fn(r, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (a *API) handleAggregation(w http.ResponseWriter, r *http.Request) {
	a.report(func(r *http.Request, req domain.ReportRequest) (any, error) {
		return a.service.Aggregation(r.Context(), req)
	})(w, r)
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	a.report(func(r *http.Request, req domain.ReportRequest) (any, error) {
		return a.service.Summary(r.Context(), req)
	})(w, r)
}

func (a *API) handleFastSummary(w http.ResponseWriter, r *http.Request) {
	a.report(func(r *http.Request, req domain.ReportRequest) (any, error) {
		return a.service.FastSummary(r.Context(), req)
	})(w, r)
}

func (a *API) handleSalesByLocation(w http.ResponseWriter, r *http.Request) {
	a.report(func(r *http.Request, req domain.ReportRequest) (any, error) {
		locations, err := a.service.SalesByLocation(r.Context(), req)
		return map[string]any{"locations": locations}, err
	})(w, r)
}

func (a *API) handleTopProducts(w http.ResponseWriter, r *http.Request) {
	a.report(func(r *http.Request, req domain.ReportRequest) (any, error) {
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 10, 200)
		products, err := a.service.TopProducts(r.Context(), req, limit)
		return map[string]any{"products": products}, err
	})(w, r)
}

func (a *API) handleCategoryBreakdown(w http.ResponseWriter, r *http.Request) {
	a.report(func(r *http.Request, req domain.ReportRequest) (any, error) {
		categories, err := a.service.CategoryBreakdown(r.Context(), req)
		return map[string]any{"categories": categories}, err
	})(w, r)
}

func (a *API) handleByArtist(w http.ResponseWriter, r *http.Request) {
	a.report(func(r *http.Request, req domain.ReportRequest) (any, error) {
		artists, err := a.service.ByArtist(r.Context(), req)
		return map[string]any{"artists": artists}, err
	})(w, r)
}

func (a *API) handleHourly(w http.ResponseWriter, r *http.Request) {
	a.report(func(r *http.Request, req domain.ReportRequest) (any, error) {
		hours, err := a.service.Hourly(r.Context(), req)
		return map[string]any{"hours": hours}, err
	})(w, r)
}

func (a *API) handleBasket(w http.ResponseWriter, r *http.Request) {
	a.report(func(r *http.Request, req domain.ReportRequest) (any, error) {
		return a.service.Basket(r.Context(), req)
	})(w, r)
}

func (a *API) handleRefunds(w http.ResponseWriter, r *http.Request) {
	a.report(func(r *http.Request, req domain.ReportRequest) (any, error) {
		return a.service.Refunds(r.Context(), req)
	})(w, r)
}

func (a *API) handleRefundsDaily(w http.ResponseWriter, r *http.Request) {
	a.report(func(r *http.Request, req domain.ReportRequest) (any, error) {
		days, err := a.service.RefundsDaily(r.Context(), req)
		return map[string]any{"days": days}, err
	})(w, r)
}

func (a *API) handleTaxSummary(w http.ResponseWriter, r *http.Request) {
	a.report(func(r *http.Request, req domain.ReportRequest) (any, error) {
		return a.service.TaxSummary(r.Context(), req)
	})(w, r)
}

func (a *API) handleDiscountSummary(w http.ResponseWriter, r *http.Request) {
	a.report(func(r *http.Request, req domain.ReportRequest) (any, error) {
		return a.service.DiscountSummary(r.Context(), req)
	})(w, r)
}

func (a *API) handleTipsSummary(w http.ResponseWriter, r *http.Request) {
	a.report(func(r *http.Request, req domain.ReportRequest) (any, error) {
		return a.service.TipsSummary(r.Context(), req)
	})(w, r)
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	req, err := parseReportRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	q := r.URL.Query()
	page := parsePositiveLimit(q.Get("page"), 1, 0)
	pageSize := parsePositiveLimit(q.Get("page_size"), 50, 200)
	sortBy := strings.TrimSpace(q.Get("sort_by"))
	sortDesc := strings.EqualFold(strings.TrimSpace(q.Get("order")), "desc")

	resp, err := a.service.ListTransactionsPage(r.Context(), req, page, pageSize, sortBy, sortDesc)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleTransactionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	prefix := "/api/v1/transactions/"
	id := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("transaction id required"))
		return
	}

	tx, err := a.service.GetTransaction(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	clients, err := a.service.ListClients(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (a *API) handleClientActions(w http.ResponseWriter, r *http.Request) {
	prefix := "/api/v1/clients/"
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("client id required"))
		return
	}

	if strings.HasSuffix(tail, "/keywords") {
		if r.Method != http.MethodPut {
			writeMethodNotAllowed(w)
			return
		}
		clientID := strings.Trim(strings.TrimSuffix(tail, "/keywords"), "/")
		if clientID == "" {
			writeError(w, http.StatusBadRequest, errors.New("client id required"))
			return
		}

		var req domain.KeywordUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		mapped, err := a.service.UpdateKeywords(r.Context(), clientID, req.Keywords)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"mapped_products": mapped})
		return
	}

	writeError(w, http.StatusBadRequest, errors.New("unknown client action"))
}

func (a *API) handleLocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	locations, err := a.service.ListLocations(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": locations})
}

func (a *API) handleExchangeRates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rates, err := a.service.ListRates(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rates": rates})
	case http.MethodPost:
		var req domain.ExchangeRateUpsertRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		rate, err := a.service.UpsertRate(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rate": rate})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("account_id required"))
		return
	}

	result, err := a.service.TriggerSync(r.Context(), req.AccountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.BackfillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	job, err := a.service.TriggerBackfill(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (a *API) handleImportJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	prefix := "/api/v1/sync/jobs/"
	id := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("job id required"))
		return
	}

	job, err := a.service.GetImportJob(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (a *API) handleLocationSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	count, err := a.service.TriggerLocationSync(r.Context(), req.AccountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": count})
}

func (a *API) handleCatalogSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	categories, memberships, err := a.service.ResyncCatalog(r.Context(), req.AccountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"categories":  categories,
		"memberships": memberships,
	})
}

func (a *API) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		LocationIDs []string `json:"location_ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.RebuildSummaries(r.Context(), req.LocationIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

// writeServiceError maps service-layer errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusUnprocessableEntity
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case strings.Contains(strings.ToLower(err.Error()), "role required"):
		status = http.StatusForbidden
	case strings.Contains(strings.ToLower(err.Error()), "authentication required"):
		status = http.StatusUnauthorized
	case errors.Is(err, store.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// For 5xx responses, return a generic message to avoid leaking internal
	// implementation details (stack traces, SQL errors, file paths, etc.).
	// 4xx responses are user-facing so we return the original error message.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
