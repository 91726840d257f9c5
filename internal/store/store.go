// Package store provides offer persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/tastyrock/negotiator/internal/domain"
)

// Repository defines the interface for persisting offers.
type Repository interface {
	// CreateOffer inserts a new, empty offer.
	CreateOffer(ctx context.Context, offer *domain.OfferRecord) error

	// GetOffer retrieves an offer with its items. It returns nil, nil when
	// the offer does not exist.
	GetOffer(ctx context.Context, offerID string) (*domain.OfferRecord, error)

	// ReplaceOfferItems stores items as the offer's full item set and marks
	// the offer SENT. It returns the previously saved items and whether this
	// was the first save. An offer in payment cannot be changed.
	ReplaceOfferItems(ctx context.Context, offerID string, items []domain.Item) (prev []domain.Item, first bool, err error)

	// UpdateOfferStatus moves an offer from expected to next. The update only
	// happens if the stored status still equals expected (optimistic locking).
	UpdateOfferStatus(ctx context.Context, offerID string, expected, next domain.OfferStatus) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
