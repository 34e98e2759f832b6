package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/nameop-indexer/internal/errors"
)

// ErrCollectionClosed is returned by a collection after Close
var ErrCollectionClosed = errors.New("collection is closed")

// DocumentStore keeps JSON documents grouped into named collections
type DocumentStore struct {
	db DBTX
}

// NewDocumentStore creates a document store over db
func NewDocumentStore(db DBTX) *DocumentStore {
	return &DocumentStore{db: db}
}

// Collection is a typed view of one named collection
type Collection[T any] struct {
	db     DBTX
	name   string
	closed atomic.Bool
}

// Open returns the collection called name holding documents of type T
func Open[T any](store *DocumentStore, name string) *Collection[T] {
	return &Collection[T]{db: store.db, name: name}
}

// Name returns the collection name
func (c *Collection[T]) Name() string {
	return c.name
}

// Put inserts or replaces the document stored under id
func (c *Collection[T]) Put(ctx context.Context, id string, doc *T) error {
	if c.closed.Load() {
		return ErrCollectionClosed
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", c.name, id, err)
	}

	query := `
		INSERT INTO documents (collection, id, doc, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (collection, id)
		DO UPDATE SET
			doc = EXCLUDED.doc,
			updated_at = NOW()
	`
	if _, err := c.db.Exec(ctx, query, c.name, id, raw); err != nil {
		return apperrors.NewStatePersistenceError(c.name+"/"+id, err)
	}
	return nil
}

// Get returns the document stored under id, or a not found error
func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	if c.closed.Load() {
		return nil, ErrCollectionClosed
	}

	var raw []byte
	err := c.db.QueryRow(ctx,
		`SELECT doc FROM documents WHERE collection = $1 AND id = $2`,
		c.name, id,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError(c.name, id)
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", c.name, id, err)
	}

	var doc T
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", c.name, id, err)
	}
	return &doc, nil
}

// All returns every document in the collection, ordered by id
func (c *Collection[T]) All(ctx context.Context) ([]*T, error) {
	return c.Query(ctx, func(*T) bool { return true })
}

// Query returns the documents for which match is true, ordered by id
func (c *Collection[T]) Query(ctx context.Context, match func(doc *T) bool) ([]*T, error) {
	return c.query(ctx,
		`SELECT doc FROM documents WHERE collection = $1 ORDER BY id`,
		[]any{c.name}, match)
}

// Where returns the documents containing the JSON fragment, evaluated by Postgres
func (c *Collection[T]) Where(ctx context.Context, fragment map[string]interface{}) ([]*T, error) {
	raw, err := json.Marshal(fragment)
	if err != nil {
		return nil, fmt.Errorf("failed to encode filter: %w", err)
	}
	return c.query(ctx,
		`SELECT doc FROM documents WHERE collection = $1 AND doc @> $2 ORDER BY id`,
		[]any{c.name, raw}, nil)
}

func (c *Collection[T]) query(ctx context.Context, sql string, args []any, match func(doc *T) bool) ([]*T, error) {
	if c.closed.Load() {
		return nil, ErrCollectionClosed
	}

	rows, err := c.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c.name, err)
	}
	defer rows.Close()

	var docs []*T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s document: %w", c.name, err)
		}
		var doc T
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode %s document: %w", c.name, err)
		}
		if match == nil || match(&doc) {
			docs = append(docs, &doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", c.name, err)
	}
	return docs, nil
}

// Del removes the document stored under id. Removing a missing id is not an error.
func (c *Collection[T]) Del(ctx context.Context, id string) error {
	if c.closed.Load() {
		return ErrCollectionClosed
	}
	if _, err := c.db.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, c.name, id); err != nil {
		return apperrors.NewStatePersistenceError(c.name+"/"+id, err)
	}
	return nil
}

// Close detaches the collection; later calls fail with ErrCollectionClosed
func (c *Collection[T]) Close() error {
	c.closed.Store(true)
	return nil
}
