package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tillsight/backend/internal/domain"
	"tillsight/backend/internal/store"
	"tillsight/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const transactionColumns = `
	id, org_id, account_id, location_id, external_id, closed_at, status,
	currency, total_cents, gross_cents, net_cents, tax_cents, tip_cents,
	discount_cents, tender_type, line_items, returns, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var lineItems, returns []byte
	err := row.Scan(
		&tx.ID, &tx.OrgID, &tx.AccountID, &tx.LocationID, &tx.ExternalID,
		&tx.ClosedAt, &tx.Status, &tx.Currency, &tx.TotalCents, &tx.GrossCents,
		&tx.NetCents, &tx.TaxCents, &tx.TipCents, &tx.DiscountCents,
		&tx.TenderType, &lineItems, &returns, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(lineItems) > 0 {
		if err := json.Unmarshal(lineItems, &tx.LineItems); err != nil {
			return nil, fmt.Errorf("decode line items for %s: %w", tx.ID, err)
		}
	}
	if len(returns) > 0 {
		if err := json.Unmarshal(returns, &tx.Returns); err != nil {
			return nil, fmt.Errorf("decode returns for %s: %w", tx.ID, err)
		}
	}
	tx.ClosedAt = tx.ClosedAt.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return &tx, nil
}

func (s *Store) GetTransactionByExternalID(ctx context.Context, orgID string, externalID string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE org_id = $1 AND external_id = $2
	`, orgID, externalID)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return tx, nil
}

func (s *Store) GetTransactionByID(ctx context.Context, orgID string, id string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE org_id = $1 AND id = $2
	`, orgID, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return tx, nil
}

func (s *Store) InsertTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.OrgID == "" || tx.LocationID == "" || tx.ExternalID == "" {
		return nil, store.ErrInvalidInput
	}
	if tx.ID == "" {
		tx.ID = xid.New("txn")
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	lineItems, err := json.Marshal(tx.LineItems)
	if err != nil {
		return nil, err
	}
	returns, err := json.Marshal(tx.Returns)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, org_id, account_id, location_id, external_id, closed_at, status,
			currency, total_cents, gross_cents, net_cents, tax_cents, tip_cents,
			discount_cents, tender_type, line_items, returns, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, tx.ID, tx.OrgID, tx.AccountID, tx.LocationID, tx.ExternalID, tx.ClosedAt, tx.Status,
		tx.Currency, tx.TotalCents, tx.GrossCents, tx.NetCents, tx.TaxCents, tx.TipCents,
		tx.DiscountCents, tx.TenderType, lineItems, returns, tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &tx, nil
}

// UpdateTransaction overwrites the mutable fields of an existing row,
// addressed by external id. Identity columns never change.
func (s *Store) UpdateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	lineItems, err := json.Marshal(tx.LineItems)
	if err != nil {
		return nil, err
	}
	returns, err := json.Marshal(tx.Returns)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET closed_at = $3, status = $4, currency = $5, total_cents = $6,
			gross_cents = $7, net_cents = $8, tax_cents = $9, tip_cents = $10,
			discount_cents = $11, tender_type = $12, line_items = $13,
			returns = $14, updated_at = now()
		WHERE org_id = $1 AND external_id = $2
	`, tx.OrgID, tx.ExternalID, tx.ClosedAt, tx.Status, tx.Currency, tx.TotalCents,
		tx.GrossCents, tx.NetCents, tx.TaxCents, tx.TipCents, tx.DiscountCents,
		tx.TenderType, lineItems, returns)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetTransactionByExternalID(ctx, tx.OrgID, tx.ExternalID)
}

var transactionSortColumns = map[string]string{
	"closed_at":   "closed_at",
	"total_cents": "total_cents",
	"external_id": "external_id",
}

func (s *Store) ListTransactions(ctx context.Context, q store.TransactionQuery) ([]domain.Transaction, int64, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 50
	}

	where := "org_id = $1 AND location_id = ANY($2) AND closed_at >= $3 AND closed_at <= $4"
	args := []any{q.OrgID, q.LocationIDs, q.Start, q.End}
	if q.Status != "" {
		where += " AND status = $5"
		args = append(args, q.Status)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	orderBy, ok := transactionSortColumns[q.SortBy]
	if !ok {
		orderBy = "closed_at"
	}
	direction := "ASC"
	if q.SortDesc {
		direction = "DESC"
	}

	offset := (q.Page - 1) * q.PageSize
	query := fmt.Sprintf(`
		SELECT %s FROM transactions
		WHERE %s
		ORDER BY %s %s, id
		LIMIT %d OFFSET %d
	`, transactionColumns, where, orderBy, direction, q.PageSize, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, q.PageSize)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (s *Store) ListTransactionsWindow(ctx context.Context, orgID string, locationIDs []string, start time.Time, end time.Time, completedOnly bool) ([]domain.Transaction, error) {
	if len(locationIDs) == 0 {
		return []domain.Transaction{}, nil
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE org_id = $1 AND location_id = ANY($2) AND closed_at >= $3 AND closed_at <= $4`
	if completedOnly {
		query += ` AND status = 'COMPLETED'`
	}
	query += ` ORDER BY closed_at, id`

	rows, err := s.db.QueryContext(ctx, query, orgID, locationIDs, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, 256)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

// AggregateSalesByCurrency groups in the database by currency so mixed-currency
// location sets never sum raw amounts together.
func (s *Store) AggregateSalesByCurrency(ctx context.Context, orgID string, locationIDs []string, start time.Time, end time.Time) ([]store.CurrencyAggregate, error) {
	if len(locationIDs) == 0 {
		return []store.CurrencyAggregate{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT currency,
			COALESCE(SUM(net_cents),0)::bigint,
			COALESCE(SUM(gross_cents),0)::bigint,
			COALESCE(SUM(tax_cents),0)::bigint,
			COALESCE(SUM(tip_cents),0)::bigint,
			COALESCE(SUM(discount_cents),0)::bigint,
			COUNT(*)
		FROM transactions
		WHERE org_id = $1 AND location_id = ANY($2)
			AND status = 'COMPLETED'
			AND closed_at >= $3 AND closed_at <= $4
		GROUP BY currency
		ORDER BY currency
	`, orgID, locationIDs, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	aggs := make([]store.CurrencyAggregate, 0, 2)
	for rows.Next() {
		var agg store.CurrencyAggregate
		if err := rows.Scan(&agg.Currency, &agg.NetCents, &agg.GrossCents, &agg.TaxCents, &agg.TipCents, &agg.DiscountCents, &agg.TransactionCount); err != nil {
			return nil, err
		}
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return aggs, nil
}

func (s *Store) AggregateDailyCore(ctx context.Context, orgID string, locationIDs []string) ([]store.DailyCoreRow, error) {
	if len(locationIDs) == 0 {
		return []store.DailyCoreRow{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT location_id,
			to_char(closed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
			COALESCE(SUM(net_cents),0)::bigint,
			COALESCE(SUM(gross_cents),0)::bigint,
			COUNT(*),
			COALESCE(SUM(tax_cents),0)::bigint,
			COALESCE(SUM(tip_cents),0)::bigint,
			COALESCE(SUM(discount_cents),0)::bigint,
			MIN(currency)
		FROM transactions
		WHERE org_id = $1 AND location_id = ANY($2) AND status = 'COMPLETED'
		GROUP BY location_id, day
		ORDER BY location_id, day
	`, orgID, locationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]store.DailyCoreRow, 0, 128)
	for rows.Next() {
		var row store.DailyCoreRow
		if err := rows.Scan(&row.LocationID, &row.Date, &row.TotalSalesCents, &row.GrossSalesCents, &row.TransactionCount, &row.TaxCents, &row.TipCents, &row.DiscountCents, &row.Currency); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) AggregateDailyTenders(ctx context.Context, orgID string, locationIDs []string) ([]store.DailyTenderRow, error) {
	if len(locationIDs) == 0 {
		return []store.DailyTenderRow{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT location_id,
			to_char(closed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
			tender_type,
			COUNT(*),
			COALESCE(SUM(net_cents),0)::bigint
		FROM transactions
		WHERE org_id = $1 AND location_id = ANY($2) AND status = 'COMPLETED'
		GROUP BY location_id, day, tender_type
		ORDER BY location_id, day, tender_type
	`, orgID, locationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]store.DailyTenderRow, 0, 128)
	for rows.Next() {
		var row store.DailyTenderRow
		if err := rows.Scan(&row.LocationID, &row.Date, &row.TenderType, &row.Transactions, &row.TotalCents); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) AggregateDailyHours(ctx context.Context, orgID string, locationIDs []string) ([]store.DailyHourRow, error) {
	if len(locationIDs) == 0 {
		return []store.DailyHourRow{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT location_id,
			to_char(closed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
			EXTRACT(HOUR FROM closed_at AT TIME ZONE 'UTC')::int AS hour,
			COALESCE(SUM(net_cents),0)::bigint,
			COUNT(*)
		FROM transactions
		WHERE org_id = $1 AND location_id = ANY($2) AND status = 'COMPLETED'
		GROUP BY location_id, day, hour
		ORDER BY location_id, day, hour
	`, orgID, locationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]store.DailyHourRow, 0, 128)
	for rows.Next() {
		var row store.DailyHourRow
		if err := rows.Scan(&row.LocationID, &row.Date, &row.Hour, &row.SalesCents, &row.Transactions); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListCompletedLineItems(ctx context.Context, orgID string, locationIDs []string) ([]store.DailyLineItems, error) {
	if len(locationIDs) == 0 {
		return []store.DailyLineItems{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT location_id,
			to_char(closed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
			currency, line_items
		FROM transactions
		WHERE org_id = $1 AND location_id = ANY($2) AND status = 'COMPLETED'
			AND jsonb_array_length(line_items) > 0
		ORDER BY location_id, day
	`, orgID, locationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]store.DailyLineItems, 0, 256)
	for rows.Next() {
		var entry store.DailyLineItems
		var items []byte
		if err := rows.Scan(&entry.LocationID, &entry.Date, &entry.Currency, &items); err != nil {
			return nil, err
		}
		if len(items) > 0 {
			if err := json.Unmarshal(items, &entry.Items); err != nil {
				return nil, err
			}
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListReturnTransactions(ctx context.Context, orgID string, locationIDs []string) ([]domain.Transaction, error) {
	if len(locationIDs) == 0 {
		return []domain.Transaction{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE org_id = $1 AND location_id = ANY($2) AND status = 'COMPLETED'
			AND returns IS NOT NULL AND jsonb_array_length(returns) > 0
		ORDER BY closed_at, id
	`, orgID, locationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, 64)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

// ReplaceDailySummaries swaps the rollup for the location set atomically:
// readers see either the old rows or the new rows, never a mix.
func (s *Store) ReplaceDailySummaries(ctx context.Context, orgID string, locationIDs []string, summaries []domain.DailySummary) error {
	if len(locationIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM daily_summaries
		WHERE org_id = $1 AND location_id = ANY($2)
	`, orgID, locationIDs)
	if err != nil {
		return err
	}

	for _, summary := range summaries {
		if summary.ID == "" {
			summary.ID = xid.New("ds")
		}
		tenders, err := json.Marshal(summary.TenderBreakdown)
		if err != nil {
			return err
		}
		hours, err := json.Marshal(summary.HourlyBreakdown)
		if err != nil {
			return err
		}
		products, err := json.Marshal(summary.TopProducts)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO daily_summaries (
				id, org_id, location_id, date, total_sales_cents, gross_sales_cents,
				transaction_count, item_count, tax_cents, tip_cents, discount_cents,
				refund_cents, refund_count, tender_breakdown, hourly_breakdown,
				top_products, currency
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		`, summary.ID, summary.OrgID, summary.LocationID, summary.Date,
			summary.TotalSalesCents, summary.GrossSalesCents, summary.TransactionCount,
			summary.ItemCount, summary.TaxCents, summary.TipCents, summary.DiscountCents,
			summary.RefundCents, summary.RefundCount, tenders, hours, products, summary.Currency)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListDailySummaries(ctx context.Context, orgID string, locationIDs []string, start time.Time, end time.Time) ([]domain.DailySummary, error) {
	if len(locationIDs) == 0 {
		return []domain.DailySummary{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, location_id, date, total_sales_cents, gross_sales_cents,
			transaction_count, item_count, tax_cents, tip_cents, discount_cents,
			refund_cents, refund_count, tender_breakdown, hourly_breakdown,
			top_products, currency
		FROM daily_summaries
		WHERE org_id = $1 AND location_id = ANY($2) AND date >= $3 AND date <= $4
		ORDER BY location_id, date
	`, orgID, locationIDs, start.UTC().Format("2006-01-02"), end.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]domain.DailySummary, 0, 64)
	for rows.Next() {
		var summary domain.DailySummary
		var tenders, hours, products []byte
		if err := rows.Scan(&summary.ID, &summary.OrgID, &summary.LocationID, &summary.Date,
			&summary.TotalSalesCents, &summary.GrossSalesCents, &summary.TransactionCount,
			&summary.ItemCount, &summary.TaxCents, &summary.TipCents, &summary.DiscountCents,
			&summary.RefundCents, &summary.RefundCount, &tenders, &hours, &products, &summary.Currency); err != nil {
			return nil, err
		}
		if len(tenders) > 0 {
			if err := json.Unmarshal(tenders, &summary.TenderBreakdown); err != nil {
				return nil, err
			}
		}
		if len(hours) > 0 {
			if err := json.Unmarshal(hours, &summary.HourlyBreakdown); err != nil {
				return nil, err
			}
		}
		if len(products) > 0 {
			if err := json.Unmarshal(products, &summary.TopProducts); err != nil {
				return nil, err
			}
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *Store) ReplaceClientMappings(ctx context.Context, clientID string, mappings []domain.ClientProductMapping) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `DELETE FROM client_product_mappings WHERE client_id = $1`, clientID)
	if err != nil {
		return err
	}

	for _, mapping := range mappings {
		if mapping.ID == "" {
			mapping.ID = xid.New("cpm")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO client_product_mappings (id, client_id, catalog_object_id, keyword)
			VALUES ($1,$2,$3,$4)
		`, mapping.ID, clientID, mapping.CatalogObjectID, mapping.Keyword)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetClientProductSet(ctx context.Context, clientID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT catalog_object_id, keyword
		FROM client_product_mappings
		WHERE client_id = $1
	`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[string]string, 64)
	for rows.Next() {
		var objectID, keyword string
		if err := rows.Scan(&objectID, &keyword); err != nil {
			return nil, err
		}
		set[objectID] = keyword
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

func (s *Store) ListExchangeRates(ctx context.Context, orgID string) ([]domain.ExchangeRate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT org_id, from_currency, rate, updated_at
		FROM exchange_rates
		WHERE org_id = $1
		ORDER BY from_currency
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rates := make([]domain.ExchangeRate, 0, 8)
	for rows.Next() {
		var rate domain.ExchangeRate
		if err := rows.Scan(&rate.OrgID, &rate.FromCurrency, &rate.Rate, &rate.UpdatedAt); err != nil {
			return nil, err
		}
		rate.UpdatedAt = rate.UpdatedAt.UTC()
		rates = append(rates, rate)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rates, nil
}

func (s *Store) UpsertExchangeRate(ctx context.Context, rate domain.ExchangeRate) error {
	if rate.OrgID == "" || rate.FromCurrency == "" || rate.Rate <= 0 {
		return store.ErrInvalidInput
	}
	if rate.UpdatedAt.IsZero() {
		rate.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchange_rates (org_id, from_currency, rate, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (org_id, from_currency)
		DO UPDATE SET rate = EXCLUDED.rate, updated_at = EXCLUDED.updated_at
	`, rate.OrgID, rate.FromCurrency, rate.Rate, rate.UpdatedAt)
	return err
}

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var account domain.Account
	var lastSync sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, merchant_id, access_token, base_currency, active, last_sync_at
		FROM accounts
		WHERE id = $1
	`, id).Scan(&account.ID, &account.OrgID, &account.MerchantID, &account.AccessToken, &account.BaseCurrency, &account.Active, &lastSync)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if lastSync.Valid {
		at := lastSync.Time.UTC()
		account.LastSyncAt = &at
	}
	return &account, nil
}

func (s *Store) ListActiveAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, merchant_id, access_token, base_currency, active, last_sync_at
		FROM accounts
		WHERE active = true
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0, 8)
	for rows.Next() {
		var account domain.Account
		var lastSync sql.NullTime
		if err := rows.Scan(&account.ID, &account.OrgID, &account.MerchantID, &account.AccessToken, &account.BaseCurrency, &account.Active, &lastSync); err != nil {
			return nil, err
		}
		if lastSync.Valid {
			at := lastSync.Time.UTC()
			account.LastSyncAt = &at
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *Store) UpdateAccountLastSync(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET last_sync_at = $2 WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpsertLocation keys on (account_id, external_id) so repeated location syncs
// refresh mutable fields without churning ids.
func (s *Store) UpsertLocation(ctx context.Context, loc domain.Location) (*domain.Location, error) {
	if loc.AccountID == "" || loc.ExternalID == "" {
		return nil, store.ErrInvalidInput
	}
	if loc.ID == "" {
		loc.ID = xid.New("loc")
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO locations (id, org_id, account_id, external_id, name, currency, timezone, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (account_id, external_id)
		DO UPDATE SET name = EXCLUDED.name, currency = EXCLUDED.currency,
			timezone = EXCLUDED.timezone, active = EXCLUDED.active
		RETURNING id
	`, loc.ID, loc.OrgID, loc.AccountID, loc.ExternalID, loc.Name, loc.Currency, loc.Timezone, loc.Active).Scan(&loc.ID)
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

func (s *Store) GetLocationByExternalID(ctx context.Context, externalID string) (*domain.Location, error) {
	var loc domain.Location
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, account_id, external_id, name, currency, timezone, active
		FROM locations
		WHERE external_id = $1
	`, externalID).Scan(&loc.ID, &loc.OrgID, &loc.AccountID, &loc.ExternalID, &loc.Name, &loc.Currency, &loc.Timezone, &loc.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &loc, nil
}

func (s *Store) ListLocationsByAccount(ctx context.Context, accountID string) ([]domain.Location, error) {
	return s.listLocations(ctx, `account_id = $1`, accountID)
}

func (s *Store) ListLocationsByOrg(ctx context.Context, orgID string) ([]domain.Location, error) {
	return s.listLocations(ctx, `org_id = $1`, orgID)
}

func (s *Store) listLocations(ctx context.Context, where string, arg any) ([]domain.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, account_id, external_id, name, currency, timezone, active
		FROM locations
		WHERE `+where+`
		ORDER BY name
	`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locations := make([]domain.Location, 0, 16)
	for rows.Next() {
		var loc domain.Location
		if err := rows.Scan(&loc.ID, &loc.OrgID, &loc.AccountID, &loc.ExternalID, &loc.Name, &loc.Currency, &loc.Timezone, &loc.Active); err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return locations, nil
}

func scanClient(row rowScanner) (*domain.Client, error) {
	var client domain.Client
	var keywords, locationIDs []byte
	if err := row.Scan(&client.ID, &client.OrgID, &client.Name, &keywords, &locationIDs); err != nil {
		return nil, err
	}
	if len(keywords) > 0 {
		if err := json.Unmarshal(keywords, &client.Keywords); err != nil {
			return nil, err
		}
	}
	if len(locationIDs) > 0 {
		if err := json.Unmarshal(locationIDs, &client.LocationIDs); err != nil {
			return nil, err
		}
	}
	return &client, nil
}

func (s *Store) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, keywords, location_ids
		FROM clients
		WHERE id = $1
	`, id)
	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return client, nil
}

func (s *Store) ListClientsByOrg(ctx context.Context, orgID string) ([]domain.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, name, keywords, location_ids
		FROM clients
		WHERE org_id = $1
		ORDER BY name
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := make([]domain.Client, 0, 16)
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *client)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return clients, nil
}

func (s *Store) UpdateClientKeywords(ctx context.Context, id string, keywords []string) (*domain.Client, error) {
	payload, err := json.Marshal(keywords)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE clients SET keywords = $2 WHERE id = $1
	`, id, payload)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetClient(ctx, id)
}

func (s *Store) ReplaceCatalog(ctx context.Context, accountID string, categories []domain.CatalogCategory, memberships []domain.CatalogItemMembership) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_memberships WHERE account_id = $1`, accountID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_categories WHERE account_id = $1`, accountID); err != nil {
		return err
	}

	for _, cat := range categories {
		chain, err := json.Marshal(cat.PathToRoot)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO catalog_categories (id, account_id, name, parent_id, path_to_root)
			VALUES ($1,$2,$3,$4,$5)
		`, cat.ID, accountID, cat.Name, cat.ParentID, chain)
		if err != nil {
			return err
		}
	}

	for _, member := range memberships {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO catalog_memberships (
				account_id, catalog_object_id, item_id, item_name,
				variation_name, category_id, category_name, artist_name
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, accountID, member.CatalogObjectID, member.ItemID, member.ItemName,
			member.VariationName, member.CategoryID, member.CategoryName, member.ArtistName)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListCatalogCategories(ctx context.Context, accountID string) ([]domain.CatalogCategory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, name, parent_id, path_to_root
		FROM catalog_categories
		WHERE account_id = $1
		ORDER BY id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.CatalogCategory, 0, 64)
	for rows.Next() {
		var cat domain.CatalogCategory
		var chain []byte
		if err := rows.Scan(&cat.ID, &cat.AccountID, &cat.Name, &cat.ParentID, &chain); err != nil {
			return nil, err
		}
		if len(chain) > 0 {
			if err := json.Unmarshal(chain, &cat.PathToRoot); err != nil {
				return nil, err
			}
		}
		categories = append(categories, cat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) ListCatalogMemberships(ctx context.Context, accountID string) ([]domain.CatalogItemMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, catalog_object_id, item_id, item_name,
			variation_name, category_id, category_name, artist_name
		FROM catalog_memberships
		WHERE account_id = $1
		ORDER BY catalog_object_id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	memberships := make([]domain.CatalogItemMembership, 0, 128)
	for rows.Next() {
		var member domain.CatalogItemMembership
		if err := rows.Scan(&member.AccountID, &member.CatalogObjectID, &member.ItemID, &member.ItemName,
			&member.VariationName, &member.CategoryID, &member.CategoryName, &member.ArtistName); err != nil {
			return nil, err
		}
		memberships = append(memberships, member)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return memberships, nil
}

func (s *Store) CreateImportJob(ctx context.Context, job domain.ImportJob) (*domain.ImportJob, error) {
	if job.ID == "" {
		job.ID = xid.New("job")
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_jobs (
			id, org_id, account_id, type, status, created, updated, skipped,
			error, resumable, range_start, range_end, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, job.ID, job.OrgID, job.AccountID, job.Type, job.Status, job.Created, job.Updated,
		job.Skipped, job.Error, job.Resumable, nullTimePtr(job.RangeStart), nullTimePtr(job.RangeEnd),
		job.StartedAt, nullTimePtr(job.CompletedAt))
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) UpdateImportJob(ctx context.Context, job domain.ImportJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET status = $2, created = $3, updated = $4, skipped = $5, error = $6,
			resumable = $7, completed_at = $8
		WHERE id = $1
	`, job.ID, job.Status, job.Created, job.Updated, job.Skipped, job.Error,
		job.Resumable, nullTimePtr(job.CompletedAt))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetImportJob(ctx context.Context, id string) (*domain.ImportJob, error) {
	var job domain.ImportJob
	var rangeStart, rangeEnd, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, account_id, type, status, created, updated, skipped,
			error, resumable, range_start, range_end, started_at, completed_at
		FROM import_jobs
		WHERE id = $1
	`, id).Scan(&job.ID, &job.OrgID, &job.AccountID, &job.Type, &job.Status,
		&job.Created, &job.Updated, &job.Skipped, &job.Error, &job.Resumable,
		&rangeStart, &rangeEnd, &job.StartedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	job.StartedAt = job.StartedAt.UTC()
	if rangeStart.Valid {
		at := rangeStart.Time.UTC()
		job.RangeStart = &at
	}
	if rangeEnd.Valid {
		at := rangeEnd.Time.UTC()
		job.RangeEnd = &at
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		job.CompletedAt = &at
	}
	return &job, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, org_id, client_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, username, user.Password, user.Role, user.OrgID, user.ClientID, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, org_id, client_id, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.OrgID, &user.ClientID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username)), password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
