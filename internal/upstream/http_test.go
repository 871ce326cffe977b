package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSearchOrdersSendsClosedWindow(t *testing.T) {
	var captured searchOrdersRequest
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/orders/search" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(OrdersPage{
			Orders: []Order{{ID: "ord-1", State: "COMPLETED"}},
			Cursor: "more",
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second, 100)
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 8, 23, 59, 59, 0, time.UTC)

	page, err := client.SearchOrders(context.Background(), "tok-123", []string{"L-1"}, from, to, "cur-1")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(page.Orders) != 1 || page.Cursor != "more" {
		t.Fatalf("page = %+v", page)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if captured.Cursor != "cur-1" || len(captured.LocationIDs) != 1 {
		t.Fatalf("request = %+v", captured)
	}
	dateFilter := captured.Query.Filter.DateFilter
	if dateFilter == nil || dateFilter.ClosedAt == nil {
		t.Fatalf("filter = %+v", captured.Query.Filter)
	}
	if dateFilter.ClosedAt.StartAt != "2026-08-01T00:00:00Z" || dateFilter.ClosedAt.EndAt != "2026-08-08T23:59:59Z" {
		t.Fatalf("window = %+v", dateFilter.ClosedAt)
	}
	states := captured.Query.Filter.StateFilter
	if states == nil || len(states.States) != 1 || states.States[0] != "COMPLETED" {
		t.Fatalf("state filter = %+v", states)
	}
}

func TestRateLimitResponseIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second, 100)
	_, err := client.ListLocations(context.Background(), "tok")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second, 100)
	_, err := client.GetOrder(context.Background(), "tok", "ord-9")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"code":"UNAUTHORIZED"}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second, 100)
	_, err := client.ListCatalog(context.Background(), "bad-token", "")
	if err == nil || errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, 4xx must not be retried", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v, want the status in the message", err)
	}
}

func TestListRefundsQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("location_id") != "L-1" || q.Get("cursor") != "c2" {
			t.Errorf("query = %v", q)
		}
		if q.Get("begin_time") != "2026-08-10T00:00:00Z" {
			t.Errorf("begin_time = %q", q.Get("begin_time"))
		}
		json.NewEncoder(w).Encode(RefundsPage{Refunds: []Refund{{ID: "rf-1", OrderID: "ord-1"}}})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second, 100)
	since := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	page, err := client.ListRefunds(context.Background(), "tok", "L-1", since, "c2")
	if err != nil {
		t.Fatalf("list refunds failed: %v", err)
	}
	if len(page.Refunds) != 1 || page.Refunds[0].OrderID != "ord-1" {
		t.Fatalf("page = %+v", page)
	}
}

func TestGetOrderEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second, 100)
	if _, err := client.GetOrder(context.Background(), "tok", "ord-void"); err == nil {
		t.Fatal("empty order payload must be an error")
	}
}

func TestParseTime(t *testing.T) {
	got, err := ParseTime("2026-08-20T14:30:00Z")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !got.Equal(time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)) {
		t.Fatalf("got %v", got)
	}
	offset, err := ParseTime("2026-08-20T15:30:00+01:00")
	if err != nil {
		t.Fatalf("offset parse failed: %v", err)
	}
	if !offset.Equal(time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)) {
		t.Fatalf("offset time = %v, want normalized to UTC", offset)
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Fatal("garbage timestamp must fail")
	}
}
