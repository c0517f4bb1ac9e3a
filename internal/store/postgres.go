package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sellerdash/repricer/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// PostgreSQL error codes mapped onto domain errors.
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

const listingColumns = `id, seller_id, title,
	current_price::TEXT, original_price::TEXT, minimum_price::TEXT,
	reduction_enabled, reduction_strategy,
	reduction_percentage::TEXT, reduction_amount::TEXT, reduction_interval_days,
	last_price_reduction, next_price_reduction,
	listing_status, version, created_at, updated_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store.CreateListing begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	l.UpdatedAt = l.CreatedAt
	l.Version = 1

	_, err = tx.Exec(ctx,
		`INSERT INTO listings (id, seller_id, title,
		        current_price, original_price, minimum_price,
		        reduction_enabled, reduction_strategy,
		        reduction_percentage, reduction_amount, reduction_interval_days,
		        last_price_reduction, next_price_reduction,
		        listing_status, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8,
		         $9::NUMERIC, $10::NUMERIC, $11, $12, $13, $14, $15, $16, $17)`,
		l.ID, l.SellerID, l.Title,
		l.CurrentPrice.String(), l.OriginalPrice.String(), l.MinimumPrice.String(),
		l.ReductionEnabled, string(l.ReductionStrategy),
		l.ReductionPercentage.String(), l.ReductionAmount.String(), l.ReductionIntervalDays,
		l.LastPriceReduction, l.NextPriceReduction,
		string(l.Status), l.Version, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("store.CreateListing", err)
	}

	initial := &model.PriceHistoryEntry{
		ListingID: l.ID,
		Price:     l.CurrentPrice,
		Reason:    model.ReasonInitial,
		Strategy:  l.ReductionStrategy,
		CreatedAt: l.CreatedAt,
	}
	if err := insertHistory(ctx, tx, initial); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", model.ErrListingNotFound, id)
		}
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) ListListings(ctx context.Context, status model.ListingStatus) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+`
		 FROM listings
		 WHERE ($1 = '' OR listing_status = $1)
		 ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) ListDueListingIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM listings
		 WHERE reduction_enabled
		   AND listing_status = $1
		   AND current_price > minimum_price
		   AND (next_price_reduction IS NULL OR next_price_reduction <= $2)
		 ORDER BY next_price_reduction ASC NULLS FIRST, id`,
		string(model.StatusActive), now)
	if err != nil {
		return nil, fmt.Errorf("store.ListDueListingIDs: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) CompareAndUpdate(ctx context.Context, id string, expect model.Expectation, upd model.ListingUpdate, entry *model.PriceHistoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store.CompareAndUpdate begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var price *string
	if upd.CurrentPrice != nil {
		p := upd.CurrentPrice.String()
		price = &p
	}

	tag, err := tx.Exec(ctx,
		`UPDATE listings
		 SET current_price        = COALESCE($4::NUMERIC, current_price),
		     reduction_enabled    = COALESCE($5::BOOLEAN, reduction_enabled),
		     last_price_reduction = COALESCE($6::TIMESTAMPTZ, last_price_reduction),
		     next_price_reduction = CASE WHEN $7::BOOLEAN THEN $8::TIMESTAMPTZ ELSE next_price_reduction END,
		     version              = version + 1,
		     updated_at           = now()
		 WHERE id = $1 AND version = $2 AND current_price = $3::NUMERIC`,
		id, expect.Version, expect.CurrentPrice.String(),
		price, upd.ReductionEnabled, upd.LastPriceReduction,
		upd.SetNextReduction, upd.NextPriceReduction,
	)
	if err != nil {
		return mapWriteError("store.CompareAndUpdate", err)
	}
	if tag.RowsAffected() == 0 {
		return staleOrMissing(ctx, tx, id)
	}

	if entry != nil {
		entry.ListingID = id
		if err := insertHistory(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store.CompareAndUpdate commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateReductionSettings(ctx context.Context, id string, expectedVersion int64, rs model.ReductionSettings) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET reduction_enabled       = $3,
		     reduction_strategy      = $4,
		     reduction_percentage    = $5::NUMERIC,
		     reduction_amount        = $6::NUMERIC,
		     reduction_interval_days = $7,
		     minimum_price           = $8::NUMERIC,
		     version                 = version + 1,
		     updated_at              = now()
		 WHERE id = $1 AND version = $2`,
		id, expectedVersion,
		rs.Enabled, string(rs.Strategy),
		rs.Percentage.String(), rs.Amount.String(), rs.IntervalDays,
		rs.MinimumPrice.String(),
	)
	if err != nil {
		return mapWriteError("store.UpdateReductionSettings", err)
	}
	if tag.RowsAffected() == 0 {
		return staleOrMissing(ctx, s.pool, id)
	}
	return nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, entry *model.PriceHistoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store.AppendHistory begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the listing row so appends serialise with CompareAndUpdate.
	var lockedID string
	err = tx.QueryRow(ctx, `SELECT id FROM listings WHERE id = $1 FOR UPDATE`, entry.ListingID).Scan(&lockedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", model.ErrListingNotFound, entry.ListingID)
		}
		return fmt.Errorf("store.AppendHistory lock: %w", err)
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetHistory(ctx context.Context, listingID string) ([]model.PriceHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, listing_id, price::TEXT, previous_price::TEXT,
		        reason, strategy, created_at
		 FROM price_history WHERE listing_id = $1 ORDER BY created_at`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanHistoryEntries(rows)
}

func (s *PostgresStore) UpsertSnapshot(ctx context.Context, snap *model.MarketSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_snapshots (listing_id, average_price, suggested_price, sample_size, captured_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)
		 ON CONFLICT (listing_id) DO UPDATE
		 SET average_price   = EXCLUDED.average_price,
		     suggested_price = EXCLUDED.suggested_price,
		     sample_size     = EXCLUDED.sample_size,
		     captured_at     = EXCLUDED.captured_at`,
		snap.ListingID, snap.AveragePrice.String(), snap.SuggestedPrice.String(),
		snap.SampleSize, snap.CapturedAt,
	)
	if err != nil {
		return mapWriteError("store.UpsertSnapshot", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, listingID string) (*model.MarketSnapshot, error) {
	var snap model.MarketSnapshot
	var avg, suggested string

	err := s.pool.QueryRow(ctx,
		`SELECT listing_id, average_price::TEXT, suggested_price::TEXT, sample_size, captured_at
		 FROM market_snapshots WHERE listing_id = $1`, listingID).
		Scan(&snap.ListingID, &avg, &suggested, &snap.SampleSize, &snap.CapturedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get snapshot %s: %w", listingID, err)
	}

	snap.AveragePrice, _ = decimal.NewFromString(avg)
	snap.SuggestedPrice, _ = decimal.NewFromString(suggested)
	return &snap, nil
}

// insertHistory appends entry, nudging created_at past the listing's latest
// entry so timestamps stay strictly increasing. The stored timestamp is
// written back to entry.
func insertHistory(ctx context.Context, q querier, entry *model.PriceHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	err := q.QueryRow(ctx,
		`INSERT INTO price_history (id, listing_id, price, previous_price, reason, strategy, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6,
		         GREATEST($7::TIMESTAMPTZ,
		                  (SELECT MAX(created_at) + interval '1 microsecond'
		                   FROM price_history WHERE listing_id = $2)))
		 RETURNING created_at`,
		entry.ID, entry.ListingID, entry.Price.String(), entry.PreviousPrice.String(),
		string(entry.Reason), string(entry.Strategy), entry.CreatedAt,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return mapWriteError("store.insertHistory", err)
	}
	return nil
}

// staleOrMissing distinguishes a lost optimistic check from a missing row
// after an UPDATE matched nothing.
func staleOrMissing(ctx context.Context, q querier, id string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check listing %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", model.ErrListingNotFound, id)
	}
	return fmt.Errorf("%w: %s", model.ErrStaleListing, id)
}

// mapWriteError translates constraint violations into domain errors.
func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCheckViolation:
			return fmt.Errorf("%s: %w: %s", op, model.ErrPriceBelowFloor, pgErr.ConstraintName)
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w: %s", op, model.ErrListingExists, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*model.Listing, error) {
	var l model.Listing
	var current, original, minimum, pct, amount string
	var strategy, status string

	if err := row.Scan(&l.ID, &l.SellerID, &l.Title,
		&current, &original, &minimum,
		&l.ReductionEnabled, &strategy,
		&pct, &amount, &l.ReductionIntervalDays,
		&l.LastPriceReduction, &l.NextPriceReduction,
		&status, &l.Version, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}

	l.CurrentPrice, _ = decimal.NewFromString(current)
	l.OriginalPrice, _ = decimal.NewFromString(original)
	l.MinimumPrice, _ = decimal.NewFromString(minimum)
	l.ReductionPercentage, _ = decimal.NewFromString(pct)
	l.ReductionAmount, _ = decimal.NewFromString(amount)
	l.ReductionStrategy = model.Strategy(strategy)
	l.Status = model.ListingStatus(status)

	return &l, nil
}

// pgxRows is the subset of pgx.Rows used by scanHistoryEntries.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanHistoryEntries(rows pgxRows) ([]model.PriceHistoryEntry, error) {
	entries := []model.PriceHistoryEntry{}
	for rows.Next() {
		var e model.PriceHistoryEntry
		var priceS, prevS, reason, strategy string

		if err := rows.Scan(&e.ID, &e.ListingID, &priceS, &prevS,
			&reason, &strategy, &e.CreatedAt); err != nil {
			return nil, err
		}

		e.Price, _ = decimal.NewFromString(priceS)
		e.PreviousPrice, _ = decimal.NewFromString(prevS)
		e.Reason = model.HistoryReason(reason)
		e.Strategy = model.Strategy(strategy)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
