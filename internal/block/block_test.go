package block

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/briansong/zkhex/internal/canon"
	"github.com/briansong/zkhex/internal/domain"
	"github.com/briansong/zkhex/internal/matchedlog"
	"github.com/briansong/zkhex/internal/userstore"
)

func waitForCondition(condition func() bool, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}
	return false
}

// fundedStore returns a user store in which sampleTrade's buyer and seller
// hold enough balance to settle every trade these tests append.
func fundedStore(t *testing.T) *userstore.MemoryStore {
	t.Helper()
	store := userstore.NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	for _, b := range []struct {
		addr, token string
		amount      int64
	}{
		{"buyer", "USD", 1_000_000},
		{"seller", "BTC", 1_000},
		{"seller", "ETH", 1_000},
	} {
		_, err := store.AdjustBalance(ctx, b.addr, b.token, b.amount, true)
		require.NoError(t, err)
	}
	return store
}

func sampleTrade(pair, buyID, sellID string, amount int64) domain.Trade {
	return domain.Trade{
		Timestamp:     1,
		BuyOrder:      *domain.NewOrder(buyID, "buyer", pair, amount, 100, domain.SideBuy),
		SellOrder:     *domain.NewOrder(sellID, "seller", pair, amount, 100, domain.SideSell),
		MatchedAmount: amount,
	}
}

func TestTickSealsOnSizeBound(t *testing.T) {
	store := fundedStore(t)
	logs := matchedlog.New(store, zap.NewNop())
	require.NoError(t, logs.Append(sampleTrade("BTC-USD", "b1", "s1", 1)))
	require.NoError(t, logs.Append(sampleTrade("BTC-USD", "b2", "s2", 1)))

	builder := New(logs, 2, time.Hour, 0, "genesis", zap.NewNop(), nil)
	sealed, ok := builder.Tick()
	require.True(t, ok)
	assert.Equal(t, 2, sealed.Length)
	assert.Equal(t, uint64(0), sealed.Height)
	assert.Equal(t, "genesis", sealed.LastBlockHash)
	assert.NotEmpty(t, sealed.ID)
}

func TestTickDoesNotSealBelowBothBounds(t *testing.T) {
	store := fundedStore(t)
	logs := matchedlog.New(store, zap.NewNop())
	require.NoError(t, logs.Append(sampleTrade("BTC-USD", "b1", "s1", 1)))

	builder := New(logs, 10, time.Hour, 0, "genesis", zap.NewNop(), nil)
	_, ok := builder.Tick()
	assert.False(t, ok, "one trade should not fill a 10-entry block or trip a 1 hour timeout")
}

func TestTickSealsOnTimeBound(t *testing.T) {
	store := fundedStore(t)
	logs := matchedlog.New(store, zap.NewNop())
	require.NoError(t, logs.Append(sampleTrade("BTC-USD", "b1", "s1", 1)))

	builder := New(logs, 1000, 10*time.Millisecond, 0, "genesis", zap.NewNop(), nil)
	time.Sleep(20 * time.Millisecond)

	sealed, ok := builder.Tick()
	require.True(t, ok)
	assert.Equal(t, 1, sealed.Length)
}

func TestConsecutiveBlocksChainHashes(t *testing.T) {
	store := fundedStore(t)
	logs := matchedlog.New(store, zap.NewNop())
	builder := New(logs, 1, time.Hour, 0, "genesis", zap.NewNop(), nil)

	require.NoError(t, logs.Append(sampleTrade("BTC-USD", "b1", "s1", 1)))
	first, ok := builder.Tick()
	require.True(t, ok)

	require.NoError(t, logs.Append(sampleTrade("BTC-USD", "b2", "s2", 1)))
	second, ok := builder.Tick()
	require.True(t, ok)

	assert.Equal(t, first.ID, second.LastBlockHash)
	assert.Equal(t, first.Height+1, second.Height)
	assert.Equal(t, first.ID, canon.BlockHash(first), "block id must equal the canonical hash of its own content")
}

func TestSealPromotesContainedOrdersToBatched(t *testing.T) {
	store := fundedStore(t)
	logs := matchedlog.New(store, zap.NewNop())
	require.NoError(t, logs.Append(sampleTrade("BTC-USD", "b1", "s1", 1)))

	builder := New(logs, 1, time.Hour, 0, "genesis", zap.NewNop(), nil)
	sealed, ok := builder.Tick()
	require.True(t, ok)

	trade := sealed.Logs["BTC-USD"][0]
	assert.Equal(t, domain.StatusBatched, trade.BuyOrder.Status)
	assert.Equal(t, domain.StatusBatched, trade.SellOrder.Status)
	assert.Equal(t, sealed.ID, canon.BlockHash(sealed), "hash must be computed over the batched statuses, not before promotion")
}

func TestRoundRobinDoesNotStarvePairs(t *testing.T) {
	store := fundedStore(t)
	logs := matchedlog.New(store, zap.NewNop())
	for i := 0; i < 5; i++ {
		require.NoError(t, logs.Append(sampleTrade("BTC-USD", "b"+string(rune('a'+i)), "s"+string(rune('a'+i)), 1)))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, logs.Append(sampleTrade("ETH-USD", "b"+string(rune('a'+i)), "s"+string(rune('a'+i)), 1)))
	}

	builder := New(logs, 4, time.Hour, 0, "genesis", zap.NewNop(), nil)
	sealed, ok := builder.Tick()
	require.True(t, ok)
	assert.Equal(t, 4, sealed.Length)
	assert.Equal(t, 2, len(sealed.Logs["BTC-USD"]), "round robin should draw from both pairs rather than draining BTC-USD first")
	assert.Equal(t, 2, len(sealed.Logs["ETH-USD"]))
}

type flakyStore struct {
	failures int32
	saved    chan domain.Block
}

func (f *flakyStore) SaveBlock(_ context.Context, b domain.Block) error {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return errors.New("storage unavailable")
	}
	f.saved <- b
	return nil
}

func TestRunRetriesPersistenceWithoutBlockingNextTick(t *testing.T) {
	store := fundedStore(t)
	logs := matchedlog.New(store, zap.NewNop())
	require.NoError(t, logs.Append(sampleTrade("BTC-USD", "b1", "s1", 1)))

	fs := &flakyStore{failures: 2, saved: make(chan domain.Block, 1)}
	builder := New(logs, 1, time.Millisecond, 0, "genesis", zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go builder.Run(ctx, fs, time.Millisecond)

	select {
	case blk := <-fs.saved:
		assert.Equal(t, uint64(0), blk.Height)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sealed block to persist after retries")
	}
}
