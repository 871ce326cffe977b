package store

import (
	"context"
	"errors"
	"time"

	"tillsight/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

// TransactionQuery drives the paginated raw listing. Sort fields are
// whitelisted by the implementations; anything else falls back to closed_at.
type TransactionQuery struct {
	OrgID       string
	LocationIDs []string
	Start       time.Time
	End         time.Time
	Status      string
	SortBy      string
	SortDesc    bool
	Page        int
	PageSize    int
}

// CurrencyAggregate is one per-currency group from the location-mode
// aggregation. Conversion happens in the service, never in SQL.
type CurrencyAggregate struct {
	Currency         string
	NetCents         int64
	GrossCents       int64
	TaxCents         int64
	TipCents         int64
	DiscountCents    int64
	TransactionCount int64
}

// DailyCoreRow is stage one of the summary rebuild: the SQL-grouped money
// totals per (location, UTC date).
type DailyCoreRow struct {
	LocationID       string
	Date             string
	TotalSalesCents  int64
	GrossSalesCents  int64
	TransactionCount int64
	TaxCents         int64
	TipCents         int64
	DiscountCents    int64
	Currency         string
}

type DailyTenderRow struct {
	LocationID   string
	Date         string
	TenderType   string
	Transactions int64
	TotalCents   int64
}

type DailyHourRow struct {
	LocationID   string
	Date         string
	Hour         int
	SalesCents   int64
	Transactions int64
}

// DailyLineItems carries only the columns the line-item scan needs.
type DailyLineItems struct {
	LocationID string
	Date       string
	Currency   string
	Items      []domain.LineItem
}

type Repository interface {
	// Transactions.
	GetTransactionByExternalID(ctx context.Context, orgID string, externalID string) (*domain.Transaction, error)
	InsertTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	GetTransactionByID(ctx context.Context, orgID string, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, q TransactionQuery) ([]domain.Transaction, int64, error)
	ListTransactionsWindow(ctx context.Context, orgID string, locationIDs []string, start time.Time, end time.Time, completedOnly bool) ([]domain.Transaction, error)
	AggregateSalesByCurrency(ctx context.Context, orgID string, locationIDs []string, start time.Time, end time.Time) ([]CurrencyAggregate, error)

	// Summary rebuild inputs (all history for the location set).
	AggregateDailyCore(ctx context.Context, orgID string, locationIDs []string) ([]DailyCoreRow, error)
	AggregateDailyTenders(ctx context.Context, orgID string, locationIDs []string) ([]DailyTenderRow, error)
	AggregateDailyHours(ctx context.Context, orgID string, locationIDs []string) ([]DailyHourRow, error)
	ListCompletedLineItems(ctx context.Context, orgID string, locationIDs []string) ([]DailyLineItems, error)
	ListReturnTransactions(ctx context.Context, orgID string, locationIDs []string) ([]domain.Transaction, error)

	// Summaries.
	ReplaceDailySummaries(ctx context.Context, orgID string, locationIDs []string, summaries []domain.DailySummary) error
	ListDailySummaries(ctx context.Context, orgID string, locationIDs []string, start time.Time, end time.Time) ([]domain.DailySummary, error)

	// Client product mappings.
	ReplaceClientMappings(ctx context.Context, clientID string, mappings []domain.ClientProductMapping) error
	GetClientProductSet(ctx context.Context, clientID string) (map[string]string, error)

	// Exchange rates.
	ListExchangeRates(ctx context.Context, orgID string) ([]domain.ExchangeRate, error)
	UpsertExchangeRate(ctx context.Context, rate domain.ExchangeRate) error

	// Accounts and locations.
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	ListActiveAccounts(ctx context.Context) ([]domain.Account, error)
	UpdateAccountLastSync(ctx context.Context, id string, at time.Time) error
	UpsertLocation(ctx context.Context, loc domain.Location) (*domain.Location, error)
	GetLocationByExternalID(ctx context.Context, externalID string) (*domain.Location, error)
	ListLocationsByAccount(ctx context.Context, accountID string) ([]domain.Location, error)
	ListLocationsByOrg(ctx context.Context, orgID string) ([]domain.Location, error)

	// Clients.
	GetClient(ctx context.Context, id string) (*domain.Client, error)
	ListClientsByOrg(ctx context.Context, orgID string) ([]domain.Client, error)
	UpdateClientKeywords(ctx context.Context, id string, keywords []string) (*domain.Client, error)

	// Catalog cache.
	ReplaceCatalog(ctx context.Context, accountID string, categories []domain.CatalogCategory, memberships []domain.CatalogItemMembership) error
	ListCatalogCategories(ctx context.Context, accountID string) ([]domain.CatalogCategory, error)
	ListCatalogMemberships(ctx context.Context, accountID string) ([]domain.CatalogItemMembership, error)

	// Import jobs.
	CreateImportJob(ctx context.Context, job domain.ImportJob) (*domain.ImportJob, error)
	UpdateImportJob(ctx context.Context, job domain.ImportJob) error
	GetImportJob(ctx context.Context, id string) (*domain.ImportJob, error)

	// Users.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
