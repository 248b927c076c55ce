package blockstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briansong/zkhex/internal/domain"
)

func TestSaveAndGetBlock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	b := domain.Block{ID: "blk-1", Height: 0, Logs: map[string][]domain.Trade{}}
	require.NoError(t, s.SaveBlock(ctx, b))

	got, ok, err := s.GetBlock(ctx, "blk-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.ID, got.ID)
}

func TestSaveBlockRejectsDuplicateID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	b := domain.Block{ID: "blk-1", Height: 0}
	require.NoError(t, s.SaveBlock(ctx, b))
	assert.Error(t, s.SaveBlock(ctx, b))
}

func TestSaveBlockRejectsHeightRegression(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SaveBlock(ctx, domain.Block{ID: "blk-1", Height: 5}))
	assert.Error(t, s.SaveBlock(ctx, domain.Block{ID: "blk-2", Height: 5}))
	assert.Error(t, s.SaveBlock(ctx, domain.Block{ID: "blk-3", Height: 3}))
}

func TestGetLatestBlocksOrdersNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for h := uint64(0); h < 5; h++ {
		require.NoError(t, s.SaveBlock(ctx, domain.Block{ID: string(rune('a' + h)), Height: h}))
	}

	latest, err := s.GetLatestBlocks(ctx, 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, uint64(4), latest[0].Height)
	assert.Equal(t, uint64(3), latest[1].Height)
	assert.Equal(t, uint64(2), latest[2].Height)
}

func TestGetLatestBlocksCapsAtAvailable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SaveBlock(ctx, domain.Block{ID: "only", Height: 0}))

	latest, err := s.GetLatestBlocks(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, latest, 1)
}

func TestGetBlockMissingReturnsFalse(t *testing.T) {
	s := NewMemoryStore()
	_, ok, err := s.GetBlock(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}
