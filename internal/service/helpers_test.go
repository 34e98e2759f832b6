package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nameop-indexer/internal/adapter"
	"github.com/nameop-indexer/internal/config"
	apperrors "github.com/nameop-indexer/internal/errors"
	"github.com/nameop-indexer/internal/models"
)

type fakeContent struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	pinned    map[string]bool
	streamErr error
}

func newFakeContent() *fakeContent {
	return &fakeContent{blobs: map[string][]byte{}, pinned: map[string]bool{}}
}

func (c *fakeContent) Stream(ctx context.Context, cid string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	blob, ok := c.blobs[cid]
	if !ok {
		return nil, apperrors.NewNotFoundError("content", cid)
	}
	return io.NopCloser(bytes.NewReader(blob)), nil
}

func (c *fakeContent) Pin(ctx context.Context, cid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[cid] = true
	return nil
}

func (c *fakeContent) isPinned(cid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned[cid]
}

type fakeMetadataStore struct {
	mu   sync.Mutex
	docs map[string]*models.PinningMetadata
	puts int
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{docs: map[string]*models.PinningMetadata{}}
}

func (s *fakeMetadataStore) Get(ctx context.Context, cid string) (*models.PinningMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[cid]
	if !ok {
		return nil, apperrors.NewNotFoundError("pinning metadata", cid)
	}
	return doc, nil
}

func (s *fakeMetadataStore) Put(ctx context.Context, metadata *models.PinningMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[metadata.CID] = metadata
	s.puts++
	return nil
}

type fakeTxs map[string]*adapter.VerboseTx

func (f fakeTxs) GetTransaction(ctx context.Context, txid string) (*adapter.VerboseTx, error) {
	tx, ok := f[txid]
	if !ok {
		return nil, errors.New("unknown transaction")
	}
	return tx, nil
}

type fakeFailures struct {
	mu     sync.Mutex
	failed map[string]string
}

func newFakeFailures() *fakeFailures {
	return &fakeFailures{failed: map[string]string{}}
}

func (f *fakeFailures) Record(ctx context.Context, cid, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[cid] = reason
	return nil
}

func (f *fakeFailures) Clear(ctx context.Context, cid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failed, cid)
	return nil
}

func testPinningConfig() config.PinningConfig {
	return config.PinningConfig{
		Workers:                5,
		TaskTimeout:            time.Minute,
		BaseRatePerMBPerMonth:  decimal.RequireFromString("0.01"),
		MinimumFee:             decimal.RequireFromString("0.01"),
		FeeUnit:                decimal.RequireFromString("0.00000001"),
		PaymentTolerance:       decimal.RequireFromString("0.00001"),
		CollectionAddress:      "NcollectXXXX",
		PaymentStartDate:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpirationWindowBlocks: 36000,
		BlocksPerYear:          52560,
		ProvisionalGrace:       7 * 24 * time.Hour,
	}
}

type pinningFixture struct {
	svc      *PinningService
	content  *fakeContent
	metadata *fakeMetadataStore
	txs      fakeTxs
	failures *fakeFailures
}

func newPinningFixture(now time.Time) *pinningFixture {
	f := &pinningFixture{
		content:  newFakeContent(),
		metadata: newFakeMetadataStore(),
		txs:      fakeTxs{},
		failures: newFakeFailures(),
	}
	f.svc = NewPinningService(testPinningConfig(), f.content, f.metadata, f.txs, f.failures)
	f.svc.now = func() time.Time { return now }
	return f
}
