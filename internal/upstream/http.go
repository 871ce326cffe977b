package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const pageLimit = 100

// HTTPClient talks to the provider's REST API. A shared token-bucket limiter
// keeps concurrent sync jobs under the provider's rate ceiling.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPClient(baseURL string, timeout time.Duration, requestsPerSecond int) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if requestsPerSecond < 1 {
		requestsPerSecond = 10
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

type searchOrdersRequest struct {
	LocationIDs []string     `json:"location_ids"`
	Cursor      string       `json:"cursor,omitempty"`
	Limit       int          `json:"limit"`
	Query       *ordersQuery `json:"query,omitempty"`
}

type ordersQuery struct {
	Filter ordersFilter `json:"filter"`
	Sort   *ordersSort  `json:"sort,omitempty"`
}

type ordersFilter struct {
	StateFilter *stateFilter `json:"state_filter,omitempty"`
	DateFilter  *dateFilter  `json:"date_time_filter,omitempty"`
}

type stateFilter struct {
	States []string `json:"states"`
}

type dateFilter struct {
	ClosedAt  *timeRange `json:"closed_at,omitempty"`
	UpdatedAt *timeRange `json:"updated_at,omitempty"`
}

type timeRange struct {
	StartAt string `json:"start_at,omitempty"`
	EndAt   string `json:"end_at,omitempty"`
}

type ordersSort struct {
	SortField string `json:"sort_field"`
	SortOrder string `json:"sort_order"`
}

func (c *HTTPClient) SearchOrders(ctx context.Context, token string, locationIDs []string, closedFrom time.Time, closedTo time.Time, cursor string) (*OrdersPage, error) {
	body := searchOrdersRequest{
		LocationIDs: locationIDs,
		Cursor:      cursor,
		Limit:       pageLimit,
		Query: &ordersQuery{
			Filter: ordersFilter{
				StateFilter: &stateFilter{States: []string{"COMPLETED"}},
				DateFilter: &dateFilter{ClosedAt: &timeRange{
					StartAt: closedFrom.UTC().Format(TimeFormat),
					EndAt:   closedTo.UTC().Format(TimeFormat),
				}},
			},
			Sort: &ordersSort{SortField: "CLOSED_AT", SortOrder: "ASC"},
		},
	}

	var page OrdersPage
	if err := c.post(ctx, token, "/v2/orders/search", body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *HTTPClient) SearchOrdersUpdatedSince(ctx context.Context, token string, locationIDs []string, updatedSince time.Time, cursor string) (*OrdersPage, error) {
	body := searchOrdersRequest{
		LocationIDs: locationIDs,
		Cursor:      cursor,
		Limit:       pageLimit,
		Query: &ordersQuery{
			Filter: ordersFilter{
				DateFilter: &dateFilter{UpdatedAt: &timeRange{
					StartAt: updatedSince.UTC().Format(TimeFormat),
				}},
			},
			Sort: &ordersSort{SortField: "UPDATED_AT", SortOrder: "ASC"},
		},
	}

	var page OrdersPage
	if err := c.post(ctx, token, "/v2/orders/search", body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *HTTPClient) ListRefunds(ctx context.Context, token string, locationID string, since time.Time, cursor string) (*RefundsPage, error) {
	params := url.Values{}
	params.Set("location_id", locationID)
	params.Set("begin_time", since.UTC().Format(TimeFormat))
	params.Set("limit", fmt.Sprintf("%d", pageLimit))
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var page RefundsPage
	if err := c.get(ctx, token, "/v2/refunds?"+params.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *HTTPClient) GetOrder(ctx context.Context, token string, orderID string) (*Order, error) {
	var resp struct {
		Order *Order `json:"order"`
	}
	if err := c.get(ctx, token, "/v2/orders/"+url.PathEscape(orderID), &resp); err != nil {
		return nil, err
	}
	if resp.Order == nil {
		return nil, fmt.Errorf("order %s: empty response", orderID)
	}
	return resp.Order, nil
}

func (c *HTTPClient) ListCatalog(ctx context.Context, token string, cursor string) (*CatalogPage, error) {
	params := url.Values{}
	params.Set("types", "CATEGORY,ITEM")
	// Include archived items so historical transactions still resolve.
	params.Set("include_deleted_objects", "false")
	params.Set("archived_state", "ARCHIVED_STATE_ALL")
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var page CatalogPage
	if err := c.get(ctx, token, "/v2/catalog/list?"+params.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *HTTPClient) ListLocations(ctx context.Context, token string) ([]Location, error) {
	var resp struct {
		Locations []Location `json:"locations"`
	}
	if err := c.get(ctx, token, "/v2/locations", &resp); err != nil {
		return nil, err
	}
	return resp.Locations, nil
}

func (c *HTTPClient) post(ctx context.Context, token string, path string, body any, dest any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, token, http.MethodPost, path, bytes.NewReader(payload), dest)
}

func (c *HTTPClient) get(ctx context.Context, token string, path string, dest any) error {
	return c.do(ctx, token, http.MethodGet, path, nil, dest)
}

func (c *HTTPClient) do(ctx context.Context, token string, method string, path string, body io.Reader, dest any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s %s returned %d", ErrTransient, method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, string(raw))
	}

	return json.NewDecoder(resp.Body).Decode(dest)
}
