package upstream

import (
	"context"
	"errors"
	"time"
)

// TimeFormat is the fixed UTC wire format the provider exchanges timestamps in.
const TimeFormat = "2006-01-02T15:04:05Z"

// ErrTransient marks timeouts and provider-side failures that are safe to
// retry. Callers test with errors.Is.
var ErrTransient = errors.New("transient upstream error")

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type OrderLineItem struct {
	CatalogObjectID string `json:"catalog_object_id"`
	Name            string `json:"name"`
	VariationName   string `json:"variation_name,omitempty"`
	Quantity        string `json:"quantity"`
	BasePriceMoney  Money  `json:"base_price_money"`
	GrossSalesMoney Money  `json:"gross_sales_money"`
	TotalMoney      Money  `json:"total_money"`
}

type OrderReturn struct {
	Status        string `json:"status"`
	TotalMoney    Money  `json:"total_money"`
	TotalTaxMoney Money  `json:"total_tax_money"`
}

type Tender struct {
	Type string `json:"type"`
}

type Order struct {
	ID                 string          `json:"id"`
	LocationID         string          `json:"location_id"`
	State              string          `json:"state"`
	ClosedAt           string          `json:"closed_at"`
	TotalMoney         Money           `json:"total_money"`
	TotalTaxMoney      Money           `json:"total_tax_money"`
	TotalTipMoney      Money           `json:"total_tip_money"`
	TotalDiscountMoney Money           `json:"total_discount_money"`
	LineItems          []OrderLineItem `json:"line_items"`
	Returns            []OrderReturn   `json:"returns,omitempty"`
	Tenders            []Tender        `json:"tenders,omitempty"`
}

type OrdersPage struct {
	Orders []Order `json:"orders"`
	Cursor string  `json:"cursor,omitempty"`
}

type Refund struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	AmountMoney Money  `json:"amount_money"`
	CreatedAt   string `json:"created_at"`
}

type RefundsPage struct {
	Refunds []Refund `json:"refunds"`
	Cursor  string   `json:"cursor,omitempty"`
}

type CategoryData struct {
	Name             string `json:"name"`
	ParentCategoryID string `json:"parent_category_id,omitempty"`
}

type VariationData struct {
	Name string `json:"name"`
}

type ItemData struct {
	Name       string          `json:"name"`
	CategoryID string          `json:"category_id,omitempty"`
	Variations []CatalogObject `json:"variations,omitempty"`
}

type CatalogObject struct {
	Type          string         `json:"type"`
	ID            string         `json:"id"`
	CategoryData  *CategoryData  `json:"category_data,omitempty"`
	ItemData      *ItemData      `json:"item_data,omitempty"`
	VariationData *VariationData `json:"item_variation_data,omitempty"`
}

type CatalogPage struct {
	Objects []CatalogObject `json:"objects"`
	Cursor  string          `json:"cursor,omitempty"`
}

type Location struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
	Timezone string `json:"timezone,omitempty"`
	Status   string `json:"status"`
}

// Client is the upstream POS provider surface the reconciler consumes. Every
// list operation is cursor-paginated; an empty cursor means the first page.
type Client interface {
	SearchOrders(ctx context.Context, token string, locationIDs []string, closedFrom time.Time, closedTo time.Time, cursor string) (*OrdersPage, error)
	SearchOrdersUpdatedSince(ctx context.Context, token string, locationIDs []string, updatedSince time.Time, cursor string) (*OrdersPage, error)
	ListRefunds(ctx context.Context, token string, locationID string, since time.Time, cursor string) (*RefundsPage, error)
	GetOrder(ctx context.Context, token string, orderID string) (*Order, error)
	ListCatalog(ctx context.Context, token string, cursor string) (*CatalogPage, error)
	ListLocations(ctx context.Context, token string) ([]Location, error)
}

// ParseTime parses a provider timestamp, tolerating the RFC3339 variants the
// provider has been observed to emit alongside the documented format.
func ParseTime(value string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
