package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/briansong/zkhex/internal/blockstore"
	"github.com/briansong/zkhex/internal/domain"
	"github.com/briansong/zkhex/internal/matchedlog"
	"github.com/briansong/zkhex/internal/matching"
	"github.com/briansong/zkhex/internal/mempool"
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

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := userstore.NewMemoryStore(zap.NewNop())
	logBuf := matchedlog.New(store, zap.NewNop())
	pool := mempool.New()
	engine := matching.New(pool, logBuf, 0, zap.NewNop(), nil)
	engine.Start()
	t.Cleanup(engine.Stop)

	blocks := blockstore.NewMemoryStore()
	return NewServer(pool, logBuf, engine, store, blocks, zap.NewNop(), Config{
		RateLimitRPS:      1000,
		RateLimitBurst:    1000,
		OrderBookCacheTTL: 10 * time.Millisecond,
	})
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetUser(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/users", CreateUserRequest{
		Address:         "alice",
		InitialBalances: map[string]int64{"USD": 1000},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/users", CreateUserRequest{Address: "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/users/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/users/bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdjustBalanceRejectsInsufficient(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	doJSON(t, router, http.MethodPost, "/api/users", CreateUserRequest{Address: "alice"})

	rec := doJSON(t, router, http.MethodPut, "/api/users/alice/balance", AdjustBalanceRequest{
		TokenID: "USD", Amount: 50, IsAddition: false,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPut, "/api/users/alice/balance", AdjustBalanceRequest{
		TokenID: "USD", Amount: 50, IsAddition: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateOrderSubmitsAndAppearsInBook(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/orders", CreateOrderRequest{
		UserID: "alice", PairID: "BTC-USD", Amount: 10, Price: 100, Side: "sell",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var order map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	orderID := order["ID"].(string)

	ok := waitForCondition(func() bool {
		rec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/orders/%s", orderID), nil)
		return rec.Code == http.StatusOK
	}, time.Second, 5*time.Millisecond)
	require.True(t, ok, "order never appeared resting in the mempool")

	rec = doJSON(t, router, http.MethodDelete, fmt.Sprintf("/api/orders/%s", orderID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, fmt.Sprintf("/api/orders/%s", orderID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListOrdersPaginates(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	for i := 0; i < 5; i++ {
		rec := doJSON(t, router, http.MethodPost, "/api/orders", CreateOrderRequest{
			UserID: "alice", PairID: "BTC-USD", Amount: 1, Price: int64(100 + i), Side: "sell",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	ok := waitForCondition(func() bool {
		rec := doJSON(t, router, http.MethodGet, "/api/orders?pair_id=BTC-USD&limit=100", nil)
		var resp OrderListResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		return resp.Total == 5
	}, time.Second, 5*time.Millisecond)
	require.True(t, ok)

	rec := doJSON(t, router, http.MethodGet, "/api/orders?pair_id=BTC-USD&page=1&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp OrderListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Total)
	assert.Len(t, resp.Orders, 2)
}

func TestGetUserOrdersMergesRestingAndMatched(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	doJSON(t, router, http.MethodPost, "/api/users", CreateUserRequest{
		Address: "alice", InitialBalances: map[string]int64{"BTC": 100},
	})
	doJSON(t, router, http.MethodPost, "/api/users", CreateUserRequest{
		Address: "bob", InitialBalances: map[string]int64{"USD": 100000},
	})

	doJSON(t, router, http.MethodPost, "/api/orders", CreateOrderRequest{
		UserID: "alice", PairID: "BTC-USD", Amount: 10, Price: 100, Side: "sell",
	})
	ok := waitForCondition(func() bool {
		rec := doJSON(t, router, http.MethodGet, "/api/users/alice/orders", nil)
		var resp UserOrdersResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		return len(resp.RestingOrders) == 1
	}, time.Second, 5*time.Millisecond)
	require.True(t, ok)

	doJSON(t, router, http.MethodPost, "/api/orders", CreateOrderRequest{
		UserID: "bob", PairID: "BTC-USD", Amount: 10, Price: 100, Side: "buy",
	})

	ok = waitForCondition(func() bool {
		rec := doJSON(t, router, http.MethodGet, "/api/users/alice/orders", nil)
		var resp UserOrdersResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		return len(resp.RestingOrders) == 0 && len(resp.MatchedTrades) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, ok)
}

func TestGetLatestBlocksReturnsNewestFirst(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	ctx := context.Background()
	require.NoError(t, srv.blocks.SaveBlock(ctx, domain.Block{ID: "b1", Height: 1, Timestamp: 1}))
	require.NoError(t, srv.blocks.SaveBlock(ctx, domain.Block{ID: "b2", Height: 2, Timestamp: 2, LastBlockHash: "b1"}))

	rec := doJSON(t, router, http.MethodGet, "/api/blocks/latest?n=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var blocks []domain.Block
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &blocks))
	require.Len(t, blocks, 1)
	assert.Equal(t, "b2", blocks[0].ID)
}
