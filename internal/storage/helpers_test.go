package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nameop-indexer/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// setupTestRedis starts miniredis and returns a store connected to it
func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return NewRedisStoreWithClient(client), mr
}

// setupTestPostgres connects to the database named by the POSTGRES_* environment and
// applies the migrations. The test is skipped when no database is reachable.
func setupTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.PostgresConfig{
		Host:           envOr("POSTGRES_HOST", "localhost"),
		Port:           envOr("POSTGRES_PORT", "5432"),
		Database:       envOr("POSTGRES_DB", "nameops_test"),
		User:           envOr("POSTGRES_USER", "indexer"),
		Password:       envOr("POSTGRES_PASSWORD", "indexer_dev_password"),
		MaxConnections: 5,
	}

	db, err := NewPostgresDB(context.Background(), cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), "../../"+DefaultMigrationsPath); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	ctx := testContext(t)
	if _, err := db.Pool().Exec(ctx, `TRUNCATE scan_cursor, documents`); err != nil {
		t.Fatalf("failed to reset tables: %v", err)
	}
	return db
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// memContentStore is an in-memory ContentStore
type memContentStore struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	pinned map[string]bool
}

func newMemContentStore() *memContentStore {
	return &memContentStore{blobs: make(map[string][]byte), pinned: make(map[string]bool)}
}

func (m *memContentStore) Add(ctx context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	cid := "Qm" + hex.EncodeToString(sum[:16])

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[cid] = data
	return cid, nil
}

func (m *memContentStore) Stream(ctx context.Context, cid string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[cid]
	if !ok {
		return nil, fmt.Errorf("no content %s", cid)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memContentStore) Pin(ctx context.Context, cid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[cid]; !ok {
		return fmt.Errorf("no content %s", cid)
	}
	m.pinned[cid] = true
	return nil
}
