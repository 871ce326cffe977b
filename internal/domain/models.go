package domain

import "time"

// Transaction statuses mirror the upstream order states. Only COMPLETED
// transactions participate in summaries and analytics.
const (
	TxStatusCompleted = "COMPLETED"
	TxStatusOpen      = "OPEN"
	TxStatusCanceled  = "CANCELED"
)

const (
	ImportTypeHistorical = "historical"
	ImportTypeManualSync = "manual_sync"
)

const (
	ImportStatusPending    = "pending"
	ImportStatusInProgress = "in_progress"
	ImportStatusCompleted  = "completed"
	ImportStatusFailed     = "failed"
)

type LineItem struct {
	CatalogObjectID string `json:"catalog_object_id"`
	ItemName        string `json:"item_name"`
	VariationName   string `json:"variation_name,omitempty"`
	Quantity        int64  `json:"quantity"`
	UnitPriceCents  int64  `json:"unit_price_cents"`
	GrossSalesCents int64  `json:"gross_sales_cents"`
	TotalCents      int64  `json:"total_cents"`
}

// ReturnEntry is one return recorded against an order after the sale.
// RefundCents contributed to reports is TotalCents minus TaxCents.
type ReturnEntry struct {
	Status     string `json:"status"`
	TotalCents int64  `json:"total_cents"`
	TaxCents   int64  `json:"tax_cents"`
}

// Transaction is one upstream order. ExternalID is globally unique; a row is
// inserted once and mutated in place only when the payment status or the
// return-entry set changes.
type Transaction struct {
	ID            string        `json:"id"`
	OrgID         string        `json:"org_id"`
	AccountID     string        `json:"account_id"`
	LocationID    string        `json:"location_id"`
	ExternalID    string        `json:"external_id"`
	ClosedAt      time.Time     `json:"closed_at"`
	Status        string        `json:"status"`
	Currency      string        `json:"currency"`
	TotalCents    int64         `json:"total_cents"`
	GrossCents    int64         `json:"gross_cents"`
	NetCents      int64         `json:"net_cents"`
	TaxCents      int64         `json:"tax_cents"`
	TipCents      int64         `json:"tip_cents"`
	DiscountCents int64         `json:"discount_cents"`
	TenderType    string        `json:"tender_type"`
	LineItems     []LineItem    `json:"line_items"`
	Returns       []ReturnEntry `json:"returns,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type TenderStats struct {
	Transactions int64 `json:"transactions"`
	TotalCents   int64 `json:"total_cents"`
}

type HourlyStats struct {
	SalesCents   int64 `json:"sales_cents"`
	Transactions int64 `json:"transactions"`
}

type ProductStat struct {
	CatalogObjectID string `json:"catalog_object_id"`
	Name            string `json:"name"`
	Quantity        int64  `json:"quantity"`
	RevenueCents    int64  `json:"revenue_cents"`
}

// DailySummary is one pre-aggregated row per (location, UTC date), derived
// from COMPLETED transactions only and rebuilt wholesale per location set.
type DailySummary struct {
	ID               string                `json:"id"`
	OrgID            string                `json:"org_id"`
	LocationID       string                `json:"location_id"`
	Date             string                `json:"date"`
	TotalSalesCents  int64                 `json:"total_sales_cents"`
	GrossSalesCents  int64                 `json:"gross_sales_cents"`
	TransactionCount int64                 `json:"transaction_count"`
	ItemCount        int64                 `json:"item_count"`
	TaxCents         int64                 `json:"tax_cents"`
	TipCents         int64                 `json:"tip_cents"`
	DiscountCents    int64                 `json:"discount_cents"`
	RefundCents      int64                 `json:"refund_cents"`
	RefundCount      int64                 `json:"refund_count"`
	TenderBreakdown  map[string]TenderStats `json:"tender_breakdown"`
	HourlyBreakdown  map[int]HourlyStats   `json:"hourly_breakdown"`
	TopProducts      []ProductStat         `json:"top_products"`
	Currency         string                `json:"currency"`
}

// ClientProductMapping ties one catalog object id to the client keyword that
// matched it. The full set is replaced on every recompute.
type ClientProductMapping struct {
	ID              string `json:"id"`
	ClientID        string `json:"client_id"`
	CatalogObjectID string `json:"catalog_object_id"`
	Keyword         string `json:"keyword"`
}

// ExchangeRate converts one source currency to the reporting currency:
// target_amount = source_amount * Rate. Absence of a row means no known rate.
type ExchangeRate struct {
	OrgID        string    `json:"org_id"`
	FromCurrency string    `json:"from_currency"`
	Rate         float64   `json:"rate"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Account struct {
	ID           string     `json:"id"`
	OrgID        string     `json:"org_id"`
	MerchantID   string     `json:"merchant_id"`
	AccessToken  string     `json:"-"`
	BaseCurrency string     `json:"base_currency"`
	Active       bool       `json:"active"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
}

type Location struct {
	ID         string `json:"id"`
	OrgID      string `json:"org_id"`
	AccountID  string `json:"account_id"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Currency   string `json:"currency"`
	Timezone   string `json:"timezone,omitempty"`
	Active     bool   `json:"active"`
}

type Client struct {
	ID          string   `json:"id"`
	OrgID       string   `json:"org_id"`
	Name        string   `json:"name"`
	Keywords    []string `json:"keywords"`
	LocationIDs []string `json:"location_ids"`
}

type CatalogCategory struct {
	ID         string   `json:"id"`
	AccountID  string   `json:"account_id"`
	Name       string   `json:"name"`
	ParentID   string   `json:"parent_id,omitempty"`
	PathToRoot []string `json:"path_to_root"`
}

// CatalogItemMembership links a sellable catalog object (variation) to the
// category it is filed under. ArtistName is the second-level category name
// when the hierarchy carries one.
type CatalogItemMembership struct {
	AccountID       string `json:"account_id"`
	CatalogObjectID string `json:"catalog_object_id"`
	ItemID          string `json:"item_id"`
	ItemName        string `json:"item_name"`
	VariationName   string `json:"variation_name,omitempty"`
	CategoryID      string `json:"category_id"`
	CategoryName    string `json:"category_name"`
	ArtistName      string `json:"artist_name,omitempty"`
}

// ImportJob tracks one sync or backfill invocation. Progress counts are
// persisted as pages commit so a resumed run reports honestly.
type ImportJob struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	AccountID   string     `json:"account_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Created     int64      `json:"created"`
	Updated     int64      `json:"updated"`
	Skipped     int64      `json:"skipped"`
	Error       string     `json:"error,omitempty"`
	Resumable   bool       `json:"resumable"`
	RangeStart  *time.Time `json:"range_start,omitempty"`
	RangeEnd    *time.Time `json:"range_end,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	OrgID     string
	ClientID  string
	Active    bool
	CreatedAt time.Time
}

type Actor struct {
	Username string
	Role     string
	OrgID    string
	ClientID string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	OrgID       string `json:"org_id"`
	ExpiresAt   string `json:"expires_at"`
}

// ScopeKind is the closed set of caller scopes resolved once per request.
type ScopeKind int

const (
	ScopeAllLocations ScopeKind = iota
	ScopeClientSet
	ScopeSingleClient
)

type Scope struct {
	Kind      ScopeKind
	ClientIDs []string
}

// ReportRequest carries the common query inputs shared by every report.
// Explicit StartDate/EndDate win over DatePreset, which wins over Days.
type ReportRequest struct {
	OrgID       string
	LocationIDs []string
	ClientID    string
	DatePreset  string
	StartDate   *time.Time
	EndDate     *time.Time
	Days        int
	Currency    string
}

type CurrencyBreakdown struct {
	Currency        string  `json:"currency"`
	Amount          int64   `json:"amount"`
	ConvertedAmount int64   `json:"converted_amount"`
	Rate            float64 `json:"rate"`
}

type AggregationResponse struct {
	TotalSalesCents  int64               `json:"total_sales_cents"`
	GrossSalesCents  int64               `json:"gross_sales_cents"`
	TransactionCount int64               `json:"transaction_count"`
	AverageSaleCents int64               `json:"average_sale_cents"`
	Currency         string              `json:"currency"`
	ByCurrency       []CurrencyBreakdown `json:"by_currency"`
	RatesWarning     bool                `json:"rates_warning"`
	Mode             string              `json:"mode"`
	StartDate        string              `json:"start_date"`
	EndDate          string              `json:"end_date"`
}

type SummaryResponse struct {
	TotalSalesCents  int64               `json:"total_sales_cents"`
	RefundCents      int64               `json:"refund_cents"`
	NetSalesCents    int64               `json:"net_sales_cents"`
	TransactionCount int64               `json:"transaction_count"`
	RefundCount      int64               `json:"refund_count"`
	Currency         string              `json:"currency"`
	ByCurrency       []CurrencyBreakdown `json:"by_currency"`
	RatesWarning     bool                `json:"rates_warning"`
	Mode             string              `json:"mode"`
	StartDate        string              `json:"start_date"`
	EndDate          string              `json:"end_date"`
}

type HourlyAverage struct {
	Hour                int     `json:"hour"`
	AverageSalesCents   int64   `json:"average_sales_cents"`
	AverageTransactions float64 `json:"average_transactions"`
}

type FastSummaryResponse struct {
	TotalSalesCents    int64            `json:"total_sales_cents"`
	GrossSalesCents    int64            `json:"gross_sales_cents"`
	TransactionCount   int64            `json:"transaction_count"`
	ItemCount          int64            `json:"item_count"`
	TaxCents           int64            `json:"tax_cents"`
	TipCents           int64            `json:"tip_cents"`
	DiscountCents      int64            `json:"discount_cents"`
	RefundCents        int64            `json:"refund_cents"`
	RefundCount        int64            `json:"refund_count"`
	Currency           string           `json:"currency"`
	SalesByCurrency    map[string]int64 `json:"sales_by_currency"`
	TaxByCurrency      map[string]int64 `json:"tax_by_currency"`
	DiscountByCurrency map[string]int64 `json:"discount_by_currency"`
	RefundByCurrency   map[string]int64 `json:"refund_by_currency"`
	HourlyAverages     []HourlyAverage  `json:"hourly_averages"`
	TopProducts        []ProductStat    `json:"top_products"`
	DaysCovered        int              `json:"days_covered"`
	RatesWarning       bool             `json:"rates_warning"`
	StartDate          string           `json:"start_date"`
	EndDate            string           `json:"end_date"`
}

type LocationSales struct {
	LocationID       string `json:"location_id"`
	Name             string `json:"name"`
	Currency         string `json:"currency"`
	SalesCents       int64  `json:"sales_cents"`
	ConvertedCents   int64  `json:"converted_cents"`
	TransactionCount int64  `json:"transaction_count"`
}

type CategorySales struct {
	Category     string `json:"category"`
	RevenueCents int64  `json:"revenue_cents"`
	Quantity     int64  `json:"quantity"`
}

type ArtistSales struct {
	ArtistName       string `json:"artist_name"`
	RevenueCents     int64  `json:"revenue_cents"`
	Quantity         int64  `json:"quantity"`
	TransactionCount int64  `json:"transaction_count"`
}

type HourlyPoint struct {
	Hour         int   `json:"hour"`
	SalesCents   int64 `json:"sales_cents"`
	Transactions int64 `json:"transactions"`
}

type BasketResponse struct {
	AverageItemsPerTransaction float64 `json:"average_items_per_transaction"`
	AverageBasketCents         int64   `json:"average_basket_cents"`
	TransactionCount           int64   `json:"transaction_count"`
	ItemCount                  int64   `json:"item_count"`
	Currency                   string  `json:"currency"`
	RatesWarning               bool    `json:"rates_warning"`
}

type RefundsResponse struct {
	RefundCount      int64               `json:"refund_count"`
	RefundCents      int64               `json:"refund_cents"`
	RefundRate       float64             `json:"refund_rate"`
	TransactionCount int64               `json:"transaction_count"`
	Currency         string              `json:"currency"`
	ByCurrency       []CurrencyBreakdown `json:"by_currency"`
	RatesWarning     bool                `json:"rates_warning"`
}

type DailyRefunds struct {
	Date        string `json:"date"`
	RefundCount int64  `json:"refund_count"`
	RefundCents int64  `json:"refund_cents"`
}

// MoneySummary is the shared shape for the tax, discount and tips reports.
type MoneySummary struct {
	TotalCents   int64               `json:"total_cents"`
	Currency     string              `json:"currency"`
	ByCurrency   []CurrencyBreakdown `json:"by_currency"`
	RatesWarning bool                `json:"rates_warning"`
	StartDate    string              `json:"start_date"`
	EndDate      string              `json:"end_date"`
}

type TransactionPage struct {
	Items    []Transaction `json:"items"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Total    int64         `json:"total"`
}

type SyncResult struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
	Skipped int64 `json:"skipped"`
}

func (r SyncResult) Activity() int64 {
	return r.Created + r.Updated
}

type RebuildResponse struct {
	SummariesCreated int      `json:"summaries_created"`
	LocationIDs      []string `json:"location_ids"`
}

type KeywordUpdateRequest struct {
	Keywords []string `json:"keywords"`
}

type ExchangeRateUpsertRequest struct {
	FromCurrency string  `json:"from_currency"`
	Rate         float64 `json:"rate"`
}

type BackfillRequest struct {
	AccountID string `json:"account_id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}
