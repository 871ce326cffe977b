package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tillsight/backend/internal/domain"
	"tillsight/backend/internal/store"
	"tillsight/backend/internal/xid"
)

type Store struct {
	mu                  sync.RWMutex
	transactionsByExt   map[string]*domain.Transaction
	transactionsByID    map[string]*domain.Transaction
	summariesByLocation map[string][]domain.DailySummary
	mappingsByClient    map[string][]domain.ClientProductMapping
	ratesByOrg          map[string]map[string]domain.ExchangeRate
	accountsByID        map[string]domain.Account
	locationsByID       map[string]domain.Location
	locationsByExt      map[string]string
	clientsByID         map[string]domain.Client
	categoriesByAccount map[string][]domain.CatalogCategory
	membersByAccount    map[string][]domain.CatalogItemMembership
	importJobsByID      map[string]domain.ImportJob
	usersByUsername     map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		transactionsByExt:   make(map[string]*domain.Transaction),
		transactionsByID:    make(map[string]*domain.Transaction),
		summariesByLocation: make(map[string][]domain.DailySummary),
		mappingsByClient:    make(map[string][]domain.ClientProductMapping),
		ratesByOrg:          make(map[string]map[string]domain.ExchangeRate),
		accountsByID:        make(map[string]domain.Account),
		locationsByID:       make(map[string]domain.Location),
		locationsByExt:      make(map[string]string),
		clientsByID:         make(map[string]domain.Client),
		categoriesByAccount: make(map[string][]domain.CatalogCategory),
		membersByAccount:    make(map[string][]domain.CatalogItemMembership),
		importJobsByID:      make(map[string]domain.ImportJob),
		usersByUsername:     make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_VIEWER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. The memory store is
// never used in production (the backend requires PostgreSQL when DATABASE_URL
// is set).
func seedUsers(orgID string, clientID string) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	viewerPwd := envOr("SEED_VIEWER_PASSWORD", "viewer123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_VIEWER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_VIEWER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		clientID string
	}{
		{"admin", adminPwd, "admin", ""},
		{"viewer", viewerPwd, "viewer", clientID},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			OrgID:     orgID,
			ClientID:  u.clientID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store preloaded with one demo organization: an active
// account, two locations, a keyword-bearing client and a small catalog.
func NewSeeded() *Store {
	s := New()

	const orgID = "org-demo"
	account := domain.Account{
		ID:           "acct-demo",
		OrgID:        orgID,
		MerchantID:   "M-DEMO",
		AccessToken:  "demo-token",
		BaseCurrency: "GBP",
		Active:       true,
	}
	locations := []domain.Location{
		{ID: "loc-soho", OrgID: orgID, AccountID: account.ID, ExternalID: "L-SOHO", Name: "Soho Gallery", Currency: "GBP", Timezone: "Europe/London", Active: true},
		{ID: "loc-camden", OrgID: orgID, AccountID: account.ID, ExternalID: "L-CAMDEN", Name: "Camden Records", Currency: "EUR", Timezone: "Europe/London", Active: true},
	}
	client := domain.Client{
		ID:          "client-vinyl",
		OrgID:       orgID,
		Name:        "Vinyl Collective",
		Keywords:    []string{"vinyl"},
		LocationIDs: []string{"loc-soho", "loc-camden"},
	}
	categories := []domain.CatalogCategory{
		{ID: "cat-music", AccountID: account.ID, Name: "Music", PathToRoot: []string{"Music"}},
		{ID: "cat-vinyl", AccountID: account.ID, Name: "Vinyl", ParentID: "cat-music", PathToRoot: []string{"Vinyl", "Music"}},
		{ID: "cat-prints", AccountID: account.ID, Name: "Prints", PathToRoot: []string{"Prints"}},
	}
	memberships := []domain.CatalogItemMembership{
		{AccountID: account.ID, CatalogObjectID: "var-lp-001", ItemID: "item-lp-001", ItemName: "Blue Train LP", CategoryID: "cat-vinyl", CategoryName: "Vinyl", ArtistName: "John Coltrane"},
		{AccountID: account.ID, CatalogObjectID: "var-lp-002", ItemID: "item-lp-002", ItemName: "Kind of Blue LP", CategoryID: "cat-vinyl", CategoryName: "Vinyl", ArtistName: "Miles Davis"},
		{AccountID: account.ID, CatalogObjectID: "var-print-001", ItemID: "item-print-001", ItemName: "Harbor Print", CategoryID: "cat-prints", CategoryName: "Prints"},
	}

	s.accountsByID[account.ID] = account
	for _, loc := range locations {
		s.locationsByID[loc.ID] = loc
		s.locationsByExt[loc.ExternalID] = loc.ID
	}
	s.clientsByID[client.ID] = client
	s.categoriesByAccount[account.ID] = categories
	s.membersByAccount[account.ID] = memberships
	s.usersByUsername = seedUsers(orgID, client.ID)

	return s
}

func (s *Store) GetTransactionByExternalID(_ context.Context, orgID string, externalID string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByExt[externalID]
	if !ok || tx.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	copied := cloneTransaction(*tx)
	return &copied, nil
}

func (s *Store) InsertTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.ExternalID == "" || tx.LocationID == "" || tx.OrgID == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactionsByExt[tx.ExternalID]; exists {
		return nil, store.ErrConflict
	}
	if tx.ID == "" {
		tx.ID = xid.New("txn")
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	stored := cloneTransaction(tx)
	s.transactionsByExt[tx.ExternalID] = &stored
	s.transactionsByID[tx.ID] = &stored

	copied := cloneTransaction(stored)
	return &copied, nil
}

func (s *Store) UpdateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.transactionsByExt[tx.ExternalID]
	if !ok || existing.OrgID != tx.OrgID {
		return nil, store.ErrNotFound
	}

	existing.Status = tx.Status
	existing.TotalCents = tx.TotalCents
	existing.GrossCents = tx.GrossCents
	existing.NetCents = tx.NetCents
	existing.TaxCents = tx.TaxCents
	existing.TipCents = tx.TipCents
	existing.DiscountCents = tx.DiscountCents
	existing.TenderType = tx.TenderType
	existing.LineItems = append([]domain.LineItem(nil), tx.LineItems...)
	existing.Returns = append([]domain.ReturnEntry(nil), tx.Returns...)
	existing.UpdatedAt = time.Now().UTC()

	copied := cloneTransaction(*existing)
	return &copied, nil
}

func (s *Store) GetTransactionByID(_ context.Context, orgID string, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok || tx.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	copied := cloneTransaction(*tx)
	return &copied, nil
}

func (s *Store) ListTransactions(_ context.Context, q store.TransactionQuery) ([]domain.Transaction, int64, error) {
	if q.Page < 1 || q.PageSize < 1 {
		return nil, 0, store.ErrInvalidInput
	}

	s.mu.RLock()
	matched := make([]domain.Transaction, 0, 64)
	for _, tx := range s.transactionsByExt {
		if !s.matchesWindow(tx, q.OrgID, q.LocationIDs, q.Start, q.End) {
			continue
		}
		if q.Status != "" && tx.Status != q.Status {
			continue
		}
		matched = append(matched, cloneTransaction(*tx))
	}
	s.mu.RUnlock()

	sortTransactions(matched, q.SortBy, q.SortDesc)

	total := int64(len(matched))
	offset := (q.Page - 1) * q.PageSize
	if offset >= len(matched) {
		return []domain.Transaction{}, total, nil
	}
	end := offset + q.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (s *Store) ListTransactionsWindow(_ context.Context, orgID string, locationIDs []string, start time.Time, end time.Time, completedOnly bool) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, 64)
	for _, tx := range s.transactionsByExt {
		if !s.matchesWindow(tx, orgID, locationIDs, start, end) {
			continue
		}
		if completedOnly && tx.Status != domain.TxStatusCompleted {
			continue
		}
		result = append(result, cloneTransaction(*tx))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClosedAt.Before(result[j].ClosedAt) })
	return result, nil
}

func (s *Store) AggregateSalesByCurrency(_ context.Context, orgID string, locationIDs []string, start time.Time, end time.Time) ([]store.CurrencyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCurrency := make(map[string]*store.CurrencyAggregate)
	for _, tx := range s.transactionsByExt {
		if !s.matchesWindow(tx, orgID, locationIDs, start, end) {
			continue
		}
		if tx.Status != domain.TxStatusCompleted {
			continue
		}
		agg, ok := byCurrency[tx.Currency]
		if !ok {
			agg = &store.CurrencyAggregate{Currency: tx.Currency}
			byCurrency[tx.Currency] = agg
		}
		agg.NetCents += tx.NetCents
		agg.GrossCents += tx.GrossCents
		agg.TaxCents += tx.TaxCents
		agg.TipCents += tx.TipCents
		agg.DiscountCents += tx.DiscountCents
		agg.TransactionCount++
	}

	result := make([]store.CurrencyAggregate, 0, len(byCurrency))
	for _, agg := range byCurrency {
		result = append(result, *agg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Currency < result[j].Currency })
	return result, nil
}

func (s *Store) AggregateDailyCore(_ context.Context, orgID string, locationIDs []string) ([]store.DailyCoreRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make(map[string]*store.DailyCoreRow)
	for _, tx := range s.completedForLocations(orgID, locationIDs) {
		key := tx.LocationID + "|" + utcDate(tx.ClosedAt)
		row, ok := rows[key]
		if !ok {
			row = &store.DailyCoreRow{LocationID: tx.LocationID, Date: utcDate(tx.ClosedAt), Currency: tx.Currency}
			rows[key] = row
		}
		row.TotalSalesCents += tx.NetCents
		row.GrossSalesCents += tx.GrossCents
		row.TransactionCount++
		row.TaxCents += tx.TaxCents
		row.TipCents += tx.TipCents
		row.DiscountCents += tx.DiscountCents
		// MIN(currency), matching the SQL aggregation.
		if tx.Currency < row.Currency {
			row.Currency = tx.Currency
		}
	}

	result := make([]store.DailyCoreRow, 0, len(rows))
	for _, row := range rows {
		result = append(result, *row)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].LocationID != result[j].LocationID {
			return result[i].LocationID < result[j].LocationID
		}
		return result[i].Date < result[j].Date
	})
	return result, nil
}

func (s *Store) AggregateDailyTenders(_ context.Context, orgID string, locationIDs []string) ([]store.DailyTenderRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make(map[string]*store.DailyTenderRow)
	for _, tx := range s.completedForLocations(orgID, locationIDs) {
		tender := tx.TenderType
		if tender == "" {
			tender = "UNKNOWN"
		}
		key := tx.LocationID + "|" + utcDate(tx.ClosedAt) + "|" + tender
		row, ok := rows[key]
		if !ok {
			row = &store.DailyTenderRow{LocationID: tx.LocationID, Date: utcDate(tx.ClosedAt), TenderType: tender}
			rows[key] = row
		}
		row.Transactions++
		row.TotalCents += tx.NetCents
	}

	result := make([]store.DailyTenderRow, 0, len(rows))
	for _, row := range rows {
		result = append(result, *row)
	}
	return result, nil
}

func (s *Store) AggregateDailyHours(_ context.Context, orgID string, locationIDs []string) ([]store.DailyHourRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make(map[string]*store.DailyHourRow)
	for _, tx := range s.completedForLocations(orgID, locationIDs) {
		hour := tx.ClosedAt.UTC().Hour()
		key := tx.LocationID + "|" + utcDate(tx.ClosedAt) + "|" + strconv.Itoa(hour)
		row, ok := rows[key]
		if !ok {
			row = &store.DailyHourRow{LocationID: tx.LocationID, Date: utcDate(tx.ClosedAt), Hour: hour}
			rows[key] = row
		}
		row.SalesCents += tx.NetCents
		row.Transactions++
	}

	result := make([]store.DailyHourRow, 0, len(rows))
	for _, row := range rows {
		result = append(result, *row)
	}
	return result, nil
}

func (s *Store) ListCompletedLineItems(_ context.Context, orgID string, locationIDs []string) ([]store.DailyLineItems, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]store.DailyLineItems, 0, 64)
	for _, tx := range s.completedForLocations(orgID, locationIDs) {
		if len(tx.LineItems) == 0 {
			continue
		}
		result = append(result, store.DailyLineItems{
			LocationID: tx.LocationID,
			Date:       utcDate(tx.ClosedAt),
			Currency:   tx.Currency,
			Items:      append([]domain.LineItem(nil), tx.LineItems...),
		})
	}
	return result, nil
}

func (s *Store) ListReturnTransactions(_ context.Context, orgID string, locationIDs []string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, 16)
	for _, tx := range s.completedForLocations(orgID, locationIDs) {
		if len(tx.Returns) == 0 {
			continue
		}
		result = append(result, cloneTransaction(*tx))
	}
	return result, nil
}

func (s *Store) ReplaceDailySummaries(_ context.Context, orgID string, locationIDs []string, summaries []domain.DailySummary) error {
	grouped := make(map[string][]domain.DailySummary, len(locationIDs))
	for _, summary := range summaries {
		if summary.ID == "" {
			summary.ID = xid.New("dsum")
		}
		summary.OrgID = orgID
		grouped[summary.LocationID] = append(grouped[summary.LocationID], summary)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Swap each location's slice in one step so readers see old or new,
	// never a partially rebuilt location.
	for _, locationID := range locationIDs {
		s.summariesByLocation[locationID] = grouped[locationID]
	}
	return nil
}

func (s *Store) ListDailySummaries(_ context.Context, orgID string, locationIDs []string, start time.Time, end time.Time) ([]domain.DailySummary, error) {
	startDate := utcDate(start)
	endDate := utcDate(end)

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.DailySummary, 0, 64)
	for _, locationID := range locationIDs {
		for _, summary := range s.summariesByLocation[locationID] {
			if summary.OrgID != orgID {
				continue
			}
			if summary.Date < startDate || summary.Date > endDate {
				continue
			}
			result = append(result, cloneSummary(summary))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].LocationID != result[j].LocationID {
			return result[i].LocationID < result[j].LocationID
		}
		return result[i].Date < result[j].Date
	})
	return result, nil
}

func (s *Store) ReplaceClientMappings(_ context.Context, clientID string, mappings []domain.ClientProductMapping) error {
	copied := make([]domain.ClientProductMapping, len(mappings))
	for i, m := range mappings {
		if m.ID == "" {
			m.ID = xid.New("cpm")
		}
		m.ClientID = clientID
		copied[i] = m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappingsByClient[clientID] = copied
	return nil
}

func (s *Store) GetClientProductSet(_ context.Context, clientID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]string)
	for _, m := range s.mappingsByClient[clientID] {
		set[m.CatalogObjectID] = m.Keyword
	}
	return set, nil
}

func (s *Store) ListExchangeRates(_ context.Context, orgID string) ([]domain.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rates := make([]domain.ExchangeRate, 0, len(s.ratesByOrg[orgID]))
	for _, rate := range s.ratesByOrg[orgID] {
		rates = append(rates, rate)
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].FromCurrency < rates[j].FromCurrency })
	return rates, nil
}

func (s *Store) UpsertExchangeRate(_ context.Context, rate domain.ExchangeRate) error {
	if rate.OrgID == "" || rate.FromCurrency == "" || rate.Rate <= 0 {
		return store.ErrInvalidInput
	}
	rate.FromCurrency = strings.ToUpper(rate.FromCurrency)
	rate.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ratesByOrg[rate.OrgID] == nil {
		s.ratesByOrg[rate.OrgID] = make(map[string]domain.ExchangeRate)
	}
	s.ratesByOrg[rate.OrgID][rate.FromCurrency] = rate
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accountsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &account, nil
}

func (s *Store) ListActiveAccounts(_ context.Context) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]domain.Account, 0, len(s.accountsByID))
	for _, account := range s.accountsByID {
		if account.Active {
			accounts = append(accounts, account)
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (s *Store) UpdateAccountLastSync(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accountsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	at = at.UTC()
	account.LastSyncAt = &at
	s.accountsByID[id] = account
	return nil
}

func (s *Store) UpsertLocation(_ context.Context, loc domain.Location) (*domain.Location, error) {
	if loc.ExternalID == "" || loc.AccountID == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.locationsByExt[loc.ExternalID]; ok {
		existing := s.locationsByID[existingID]
		existing.Name = loc.Name
		existing.Currency = loc.Currency
		existing.Timezone = loc.Timezone
		existing.Active = loc.Active
		s.locationsByID[existingID] = existing
		return &existing, nil
	}

	if loc.ID == "" {
		loc.ID = xid.New("loc")
	}
	s.locationsByID[loc.ID] = loc
	s.locationsByExt[loc.ExternalID] = loc.ID
	return &loc, nil
}

func (s *Store) GetLocationByExternalID(_ context.Context, externalID string) (*domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.locationsByExt[externalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	loc := s.locationsByID[id]
	return &loc, nil
}

func (s *Store) ListLocationsByAccount(_ context.Context, accountID string) ([]domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Location, 0, 8)
	for _, loc := range s.locationsByID {
		if loc.AccountID == accountID {
			result = append(result, loc)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) ListLocationsByOrg(_ context.Context, orgID string) ([]domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Location, 0, 8)
	for _, loc := range s.locationsByID {
		if loc.OrgID == orgID {
			result = append(result, loc)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) GetClient(_ context.Context, id string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clientsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := client
	copied.Keywords = append([]string(nil), client.Keywords...)
	copied.LocationIDs = append([]string(nil), client.LocationIDs...)
	return &copied, nil
}

func (s *Store) ListClientsByOrg(_ context.Context, orgID string) ([]domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Client, 0, 8)
	for _, client := range s.clientsByID {
		if client.OrgID != orgID {
			continue
		}
		copied := client
		copied.Keywords = append([]string(nil), client.Keywords...)
		copied.LocationIDs = append([]string(nil), client.LocationIDs...)
		result = append(result, copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) UpdateClientKeywords(_ context.Context, id string, keywords []string) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clientsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	client.Keywords = append([]string(nil), keywords...)
	s.clientsByID[id] = client

	copied := client
	copied.Keywords = append([]string(nil), client.Keywords...)
	copied.LocationIDs = append([]string(nil), client.LocationIDs...)
	return &copied, nil
}

func (s *Store) ReplaceCatalog(_ context.Context, accountID string, categories []domain.CatalogCategory, memberships []domain.CatalogItemMembership) error {
	cats := append([]domain.CatalogCategory(nil), categories...)
	members := append([]domain.CatalogItemMembership(nil), memberships...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.categoriesByAccount[accountID] = cats
	s.membersByAccount[accountID] = members
	return nil
}

func (s *Store) ListCatalogCategories(_ context.Context, accountID string) ([]domain.CatalogCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.CatalogCategory(nil), s.categoriesByAccount[accountID]...), nil
}

func (s *Store) ListCatalogMemberships(_ context.Context, accountID string) ([]domain.CatalogItemMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.CatalogItemMembership(nil), s.membersByAccount[accountID]...), nil
}

func (s *Store) CreateImportJob(_ context.Context, job domain.ImportJob) (*domain.ImportJob, error) {
	if job.AccountID == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = xid.New("imp")
	}
	if job.Status == "" {
		job.Status = domain.ImportStatusPending
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	s.importJobsByID[job.ID] = job
	copied := job
	return &copied, nil
}

func (s *Store) UpdateImportJob(_ context.Context, job domain.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.importJobsByID[job.ID]; !ok {
		return store.ErrNotFound
	}
	s.importJobsByID[job.ID] = job
	return nil
}

func (s *Store) GetImportJob(_ context.Context, id string) (*domain.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.importJobsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := job
	return &copied, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// completedForLocations must be called with at least a read lock held.
func (s *Store) completedForLocations(orgID string, locationIDs []string) []*domain.Transaction {
	allowed := make(map[string]bool, len(locationIDs))
	for _, id := range locationIDs {
		allowed[id] = true
	}

	result := make([]*domain.Transaction, 0, 64)
	for _, tx := range s.transactionsByExt {
		if tx.OrgID != orgID || tx.Status != domain.TxStatusCompleted {
			continue
		}
		if len(locationIDs) > 0 && !allowed[tx.LocationID] {
			continue
		}
		result = append(result, tx)
	}
	return result
}

func (s *Store) matchesWindow(tx *domain.Transaction, orgID string, locationIDs []string, start time.Time, end time.Time) bool {
	if tx.OrgID != orgID {
		return false
	}
	if len(locationIDs) > 0 {
		found := false
		for _, id := range locationIDs {
			if tx.LocationID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !start.IsZero() && tx.ClosedAt.Before(start) {
		return false
	}
	if !end.IsZero() && tx.ClosedAt.After(end) {
		return false
	}
	return true
}

func sortTransactions(txs []domain.Transaction, sortBy string, desc bool) {
	less := func(i, j int) bool { return txs[i].ClosedAt.Before(txs[j].ClosedAt) }
	switch sortBy {
	case "total_cents":
		less = func(i, j int) bool { return txs[i].TotalCents < txs[j].TotalCents }
	case "external_id":
		less = func(i, j int) bool { return txs[i].ExternalID < txs[j].ExternalID }
	}
	if desc {
		original := less
		less = func(i, j int) bool { return original(j, i) }
	}
	sort.SliceStable(txs, less)
}

func cloneTransaction(tx domain.Transaction) domain.Transaction {
	tx.LineItems = append([]domain.LineItem(nil), tx.LineItems...)
	tx.Returns = append([]domain.ReturnEntry(nil), tx.Returns...)
	return tx
}

func cloneSummary(summary domain.DailySummary) domain.DailySummary {
	tenders := make(map[string]domain.TenderStats, len(summary.TenderBreakdown))
	for k, v := range summary.TenderBreakdown {
		tenders[k] = v
	}
	hours := make(map[int]domain.HourlyStats, len(summary.HourlyBreakdown))
	for k, v := range summary.HourlyBreakdown {
		hours[k] = v
	}
	summary.TenderBreakdown = tenders
	summary.HourlyBreakdown = hours
	summary.TopProducts = append([]domain.ProductStat(nil), summary.TopProducts...)
	return summary
}

func utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
