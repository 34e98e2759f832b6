package storage

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nameop-indexer/internal/config"
	apperrors "github.com/nameop-indexer/internal/errors"
	"github.com/nameop-indexer/internal/models"
	"github.com/nameop-indexer/internal/types"
)

func TestNewRedisStore(t *testing.T) {
	_, mr := setupTestRedis(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	store, err := NewRedisStore(context.Background(), &config.RedisConfig{Host: host, Port: port, MaxConnections: 2})
	require.NoError(t, err)
	defer store.Close()

	assert.NoError(t, store.Ping(testContext(t)))
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	_, err := NewRedisStore(context.Background(), &config.RedisConfig{Host: "127.0.0.1", Port: "1", MaxConnections: 1})
	assert.Error(t, err)
}

func TestDailyRecordRepository_PublishAndResolve(t *testing.T) {
	store, mr := setupTestRedis(t)
	content := newMemContentStore()
	repo := NewDailyRecordRepository(store, content)
	ctx := testContext(t)

	_, err := repo.Resolve(ctx, "2024-01-02")
	assert.True(t, apperrors.IsNotFound(err))

	record := &models.DailyRecord{
		Date:     "2024-01-02",
		Metadata: models.DailyMetadata{FirstBlockHeight: 10, FirstBlockHash: "a", LastBlockHeight: 12, LastBlockHash: "c"},
		NameOps: []types.NameOperation{
			{Txid: "t1", N: 0, BlockHeight: 12, NameID: "e/alice", NameValue: "ipfs://QmA"},
		},
	}
	cid, err := repo.Publish(ctx, record)
	require.NoError(t, err)
	assert.True(t, content.pinned[cid])

	got, err := mr.Get("nameops:daily:2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, cid, got)

	resolved, err := repo.Resolve(ctx, "2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, record, resolved)

	// republishing moves the pointer
	record.NameOps = append(record.NameOps, types.NameOperation{Txid: "t2", NameID: "e/bob"})
	cid2, err := repo.Publish(ctx, record)
	require.NoError(t, err)
	assert.NotEqual(t, cid, cid2)

	current, err := repo.CID(ctx, "2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, cid2, current)
}

func TestDailyRecordRepository_RecentDates(t *testing.T) {
	store, _ := setupTestRedis(t)
	repo := NewDailyRecordRepository(store, newMemContentStore())
	ctx := testContext(t)

	for _, date := range []string{"2024-01-03", "2024-01-01", "2024-01-02"} {
		_, err := repo.Publish(ctx, &models.DailyRecord{Date: date})
		require.NoError(t, err)
	}

	dates, err := repo.RecentDates(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-03", "2024-01-02"}, dates)

	none, err := repo.RecentDates(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDailyRecordRepository_RejectsBadDate(t *testing.T) {
	store, _ := setupTestRedis(t)
	repo := NewDailyRecordRepository(store, newMemContentStore())

	_, err := repo.Publish(testContext(t), &models.DailyRecord{Date: "yesterday"})
	assert.Error(t, err)
}

func TestFailureRepository(t *testing.T) {
	store, _ := setupTestRedis(t)
	repo := NewFailureRepository(store)
	ctx := testContext(t)

	require.NoError(t, repo.Record(ctx, "QmA", "timeout"))
	require.NoError(t, repo.Record(ctx, "QmB", "insufficient payment"))
	require.NoError(t, repo.Record(ctx, "QmA", "not found"))

	failures, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"QmA": "not found", "QmB": "insufficient payment"}, failures)

	require.NoError(t, repo.Clear(ctx, "QmA"))
	failures, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"QmB": "insufficient payment"}, failures)
}

func TestMessaging_PatternSubscription(t *testing.T) {
	store, _ := setupTestRedis(t)
	messaging := NewMessaging(store)
	ctx := testContext(t)

	sub, err := messaging.Subscribe(ctx, "nameops.*")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, messaging.Publish(ctx, "other", []byte("ignored")))
	require.NoError(t, messaging.Publish(ctx, "nameops.client-1", []byte(`{"type":"LIST"}`)))

	select {
	case msg := <-sub.C:
		assert.Equal(t, "nameops.client-1", msg.Topic)
		assert.JSONEq(t, `{"type":"LIST"}`, string(msg.Data))
		assert.Empty(t, msg.From)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestMessaging_CloseWithUnreadMessages(t *testing.T) {
	store, _ := setupTestRedis(t)
	messaging := NewMessaging(store)
	ctx := testContext(t)

	sub, err := messaging.Subscribe(ctx, "nameops.*")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, messaging.Publish(ctx, "nameops.x", []byte("m")))
	}

	done := make(chan struct{})
	go func() {
		_ = sub.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked")
	}
}
