package storage

import (
	"context"
	"time"

	"github.com/nameop-indexer/internal/models"
)

// PinningCollection is the document collection holding pinning metadata
const PinningCollection = "pinning-metadata"

// PinningRepository stores PinningMetadata keyed by content id
type PinningRepository struct {
	docs *Collection[models.PinningMetadata]
}

// NewPinningRepository creates a new pinning repository
func NewPinningRepository(store *DocumentStore) *PinningRepository {
	return &PinningRepository{docs: Open[models.PinningMetadata](store, PinningCollection)}
}

// Get returns the metadata for cid, or a not found error
func (r *PinningRepository) Get(ctx context.Context, cid string) (*models.PinningMetadata, error) {
	return r.docs.Get(ctx, cid)
}

// Put stores metadata under its content id
func (r *PinningRepository) Put(ctx context.Context, metadata *models.PinningMetadata) error {
	return r.docs.Put(ctx, metadata.CID, metadata)
}

// List returns all pinning metadata
func (r *PinningRepository) List(ctx context.Context) ([]*models.PinningMetadata, error) {
	return r.docs.All(ctx)
}

// ListByName returns the metadata recorded for a name id
func (r *PinningRepository) ListByName(ctx context.Context, nameID string) ([]*models.PinningMetadata, error) {
	return r.docs.Where(ctx, map[string]interface{}{"nameId": nameID})
}

// ListExpired returns the metadata whose expiration date is before now
func (r *PinningRepository) ListExpired(ctx context.Context, now time.Time) ([]*models.PinningMetadata, error) {
	return r.docs.Query(ctx, func(m *models.PinningMetadata) bool {
		return m.Expired(now)
	})
}

// Close detaches the underlying collection
func (r *PinningRepository) Close() error {
	return r.docs.Close()
}
