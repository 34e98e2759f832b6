package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/nameop-indexer/internal/errors"
	"github.com/nameop-indexer/internal/models"
)

const defaultCursorID = "default"

// CursorRepository persists the single scan cursor row
type CursorRepository struct {
	db DBTX
	id string
}

// NewCursorRepository creates a new cursor repository
func NewCursorRepository(db DBTX) *CursorRepository {
	return &CursorRepository{db: db, id: defaultCursorID}
}

// Load returns the stored cursor, or nil when none has been written yet
func (r *CursorRepository) Load(ctx context.Context) (*models.ScanCursor, error) {
	var raw []byte
	err := r.db.QueryRow(ctx, `SELECT cursor FROM scan_cursor WHERE id = $1`, r.id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load scan cursor: %w", err)
	}

	var cursor models.ScanCursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return nil, fmt.Errorf("failed to decode scan cursor: %w", err)
	}
	return &cursor, nil
}

// Save upserts the cursor; the last writer wins
func (r *CursorRepository) Save(ctx context.Context, cursor *models.ScanCursor) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return apperrors.NewStatePersistenceError("scan cursor", err)
	}

	query := `
		INSERT INTO scan_cursor (id, cursor, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id)
		DO UPDATE SET
			cursor = EXCLUDED.cursor,
			updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, r.id, raw); err != nil {
		return apperrors.NewStatePersistenceError("scan cursor", err)
	}
	return nil
}
