package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nameop-indexer/internal/types"
)

type mockTipSource struct {
	initial   types.Tip
	stream    chan types.Tip
	subErr    error
	polledTip types.Tip
}

func (m *mockTipSource) SubscribeTips(ctx context.Context) (types.Tip, <-chan types.Tip, error) {
	if m.subErr != nil {
		return types.Tip{}, nil, m.subErr
	}
	return m.initial, m.stream, nil
}

func (m *mockTipSource) GetTip(ctx context.Context) (types.Tip, error) {
	return m.polledTip, nil
}

func TestTipWatcher_ObserveIsStrictlyIncreasing(t *testing.T) {
	w := NewTipWatcher(&mockTipSource{})

	_, ok := w.CurrentTip()
	assert.False(t, ok)

	assert.True(t, w.Observe(types.Tip{Height: 10, Hash: "a"}))
	assert.False(t, w.Observe(types.Tip{Height: 10, Hash: "a"}), "duplicate must be discarded")
	assert.False(t, w.Observe(types.Tip{Height: 9, Hash: "z"}), "stale must be discarded")
	assert.True(t, w.Observe(types.Tip{Height: 12, Hash: "c"}))

	tip, ok := w.CurrentTip()
	require.True(t, ok)
	assert.Equal(t, int64(12), tip.Height)

	// 10 was coalesced away by 12
	assert.Equal(t, int64(12), (<-w.Tips()).Height)
}

func TestTipWatcher_StartFeedsStream(t *testing.T) {
	source := &mockTipSource{
		initial: types.Tip{Height: 100, Hash: "h100"},
		stream:  make(chan types.Tip, 3),
	}
	w := NewTipWatcher(source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	assert.Equal(t, int64(100), (<-w.Tips()).Height)

	source.stream <- types.Tip{Height: 99}
	source.stream <- types.Tip{Height: 101}

	select {
	case tip := <-w.Tips():
		assert.Equal(t, int64(101), tip.Height)
	case <-time.After(2 * time.Second):
		t.Fatal("expected tip 101")
	}
}

func TestTipWatcher_StartSurfacesSubscribeFailure(t *testing.T) {
	w := NewTipWatcher(&mockTipSource{subErr: errors.New("refused")})

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestTipWatcher_Poll(t *testing.T) {
	w := NewTipWatcher(&mockTipSource{polledTip: types.Tip{Height: 7}})

	tip, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), tip.Height)

	current, ok := w.CurrentTip()
	require.True(t, ok)
	assert.Equal(t, int64(7), current.Height)
}
