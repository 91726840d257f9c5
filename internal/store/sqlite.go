package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS offers (
		offer_id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		trader_id TEXT NOT NULL,
		status TEXT NOT NULL,
		saved_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_offers_pair ON offers(buyer_id, trader_id);

	CREATE TABLE IF NOT EXISTS offer_items (
		offer_id TEXT NOT NULL REFERENCES offers(offer_id) ON DELETE CASCADE,
		item_key TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		image TEXT NOT NULL,
		link TEXT NOT NULL,
		price TEXT NOT NULL,
		PRIMARY KEY (offer_id, item_key)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateOffer inserts a new, empty offer.
func (s *SQLiteStore) CreateOffer(ctx context.Context, offer *domain.OfferRecord) error {
	query := `
	INSERT INTO offers (offer_id, buyer_id, trader_id, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, "create offer", func() error {
		_, err := s.db.ExecContext(ctx, query,
			offer.OfferID, offer.BuyerID, offer.TraderID, string(offer.Status),
			offer.CreatedAt.Unix(), offer.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert offer: %w", err)
		}
		return nil
	})
}

// GetOffer retrieves an offer with its items.
func (s *SQLiteStore) GetOffer(ctx context.Context, offerID string) (*domain.OfferRecord, error) {
	query := `
		SELECT offer_id, buyer_id, trader_id, status, created_at, updated_at
		FROM offers WHERE offer_id = ?`

	var offer domain.OfferRecord
	var status string
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, offerID).Scan(
		&offer.OfferID, &offer.BuyerID, &offer.TraderID, &status, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan offer row: %w", err)
	}

	offer.Status = domain.OfferStatus(status)
	offer.CreatedAt = time.Unix(createdAt, 0)
	offer.UpdatedAt = time.Unix(updatedAt, 0)

	items, err := queryItems(ctx, s.db, offerID)
	if err != nil {
		return nil, err
	}
	offer.Items = items
	return &offer, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryItems(ctx context.Context, q queryer, offerID string) ([]domain.Item, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT item_key, name, image, link, price
		FROM offer_items WHERE offer_id = ? ORDER BY position`, offerID)
	if err != nil {
		return nil, fmt.Errorf("query offer items: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Debug("Failed to close rows", "error", closeErr)
		}
	}()

	items := []domain.Item{}
	for rows.Next() {
		var it domain.Item
		if err := rows.Scan(&it.Key, &it.Name, &it.Image, &it.Link, &it.Price); err != nil {
			return nil, fmt.Errorf("scan offer item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offer items: %w", err)
	}
	return items, nil
}

// ReplaceOfferItems stores the full item set in one transaction.
func (s *SQLiteStore) ReplaceOfferItems(ctx context.Context, offerID string, items []domain.Item) ([]domain.Item, bool, error) {
	var (
		prev  []domain.Item
		first bool
	)
	err := shared.RetryOnConflict(ctx, "replace offer items", func() error {
		var err error
		prev, first, err = s.replaceItems(ctx, offerID, items)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return prev, first, nil
}

func (s *SQLiteStore) replaceItems(ctx context.Context, offerID string, items []domain.Item) (prev []domain.Item, first bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Debug("Failed to roll back", "error", rbErr)
			}
		}
	}()

	var status string
	var savedAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT status, saved_at FROM offers WHERE offer_id = ?`, offerID).Scan(&status, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, domain.ErrOfferNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("load offer: %w", err)
	}
	if domain.OfferStatus(status) == domain.StatusPayProcess {
		return nil, false, fmt.Errorf("offer %s is in payment: %w", offerID, domain.ErrInvalidStatus)
	}

	prev, err = queryItems(ctx, tx, offerID)
	if err != nil {
		return nil, false, err
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM offer_items WHERE offer_id = ?`, offerID); err != nil {
		return nil, false, fmt.Errorf("delete offer items: %w", err)
	}
	for i, it := range items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO offer_items (offer_id, item_key, position, name, image, link, price)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			offerID, it.Key, i, it.Name, it.Image, it.Link, it.Price,
		)
		if err != nil {
			return nil, false, fmt.Errorf("insert offer item %s: %w", it.Key, err)
		}
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `UPDATE offers SET status = ?, saved_at = ?, updated_at = ? WHERE offer_id = ?`,
		string(domain.StatusSent), now, now, offerID)
	if err != nil {
		return nil, false, fmt.Errorf("update offer: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return prev, !savedAt.Valid, nil
}

// UpdateOfferStatus moves an offer from expected to next.
func (s *SQLiteStore) UpdateOfferStatus(ctx context.Context, offerID string, expected, next domain.OfferStatus) error {
	query := `UPDATE offers SET status = ?, updated_at = ? WHERE offer_id = ? AND status = ?`

	var rows int64
	err := shared.RetryOnConflict(ctx, "update offer status", func() error {
		result, err := s.db.ExecContext(ctx, query, string(next), time.Now().Unix(), offerID, string(expected))
		if err != nil {
			return fmt.Errorf("update offer status: %w", err)
		}
		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	slog.Warn("UpdateOfferStatus affected 0 rows", "offer_id", offerID, "expected", expected, "next", next)
	offer, err := s.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if offer == nil {
		return domain.ErrOfferNotFound
	}
	return fmt.Errorf("offer is %s, not %s: %w", offer.Status, expected, domain.ErrInvalidStatus)
}
