package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/briansong/zkhex/internal/coreerrors"
	"github.com/briansong/zkhex/internal/domain"
)

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, coreerrors.Wrap(coreerrors.CodeInvalidOrder, err, "malformed request body"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, coreerrors.Wrap(coreerrors.CodeInvalidOrder, err, "request failed validation"))
		return
	}
	side, ok := sideFromString(req.Side)
	if !ok {
		writeError(w, coreerrors.Newf(coreerrors.CodeInvalidOrder, "side %q must be buy or sell", req.Side))
		return
	}

	order := domain.NewOrder(uuid.NewString(), req.UserID, req.PairID, req.Amount, req.Price, side)

	ctx, cancel := s.submitCtx()
	defer cancel()
	if err := s.engine.Submit(ctx, *order); err != nil {
		s.logger.Errorw("order submission failed", "order_id", order.ID, "err", err)
		writeError(w, coreerrors.Wrap(coreerrors.CodeChannelShut, err, "could not enqueue order for matching"))
		return
	}

	s.cache.Flush() // the order book just changed; the read-path cache is now stale
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pairID := q.Get("pair_id")
	sideFilter := q.Get("side")
	page := queryInt(q, "page", 1)
	limit := queryInt(q, "limit", 10)
	if limit > 100 {
		limit = 100
	}
	if limit < 1 {
		limit = 1
	}
	if page < 1 {
		page = 1
	}

	cacheKey := fmt.Sprintf("orders:%s:%s:%d:%d", pairID, sideFilter, page, limit)
	if cached, found := s.cache.Get(cacheKey); found {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	all := s.pool.GetAll()
	filtered := make([]domain.Order, 0, len(all))
	for _, o := range all {
		if pairID != "" && o.PairID != pairID {
			continue
		}
		if sideFilter != "" {
			want, ok := sideFromString(sideFilter)
			if ok && o.Side != want {
				continue
			}
		}
		filtered = append(filtered, o)
	}

	total := len(filtered)
	start := (page - 1) * limit
	end := start + limit
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	resp := OrderListResponse{Orders: filtered[start:end], Total: total, Page: page, Limit: limit}
	s.cache.SetDefault(cacheKey, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, ok := s.pool.GetByID(id)
	if !ok {
		writeError(w, coreerrors.Newf(coreerrors.CodeOrderNotFound, "order %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.pool.Remove(id) {
		writeError(w, coreerrors.Newf(coreerrors.CodeOrderNotFound, "order %s not found or already matched/sealed", id))
		return
	}
	s.cache.Flush()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, coreerrors.Wrap(coreerrors.CodeInvalidOrder, err, "malformed request body"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, coreerrors.Wrap(coreerrors.CodeInvalidOrder, err, "request failed validation"))
		return
	}

	ctx := r.Context()
	user, err := s.users.CreateUser(ctx, req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	for token, amount := range req.InitialBalances {
		if user, err = s.users.AdjustBalance(ctx, req.Address, token, amount, true); err != nil {
			s.logger.Errorw("failed to seed initial balance", "address", req.Address, "token", token, "err", err)
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	user, ok, err := s.users.GetUser(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, coreerrors.Newf(coreerrors.CodeUserNotFound, "user %s not found", address))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleAdjustBalance(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	var req AdjustBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, coreerrors.Wrap(coreerrors.CodeInvalidOrder, err, "malformed request body"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, coreerrors.Wrap(coreerrors.CodeInvalidOrder, err, "request failed validation"))
		return
	}

	ctx := r.Context()
	user, ok, err := s.users.GetUser(ctx, address)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, coreerrors.Newf(coreerrors.CodeUserNotFound, "user %s not found", address))
		return
	}
	if !req.IsAddition && user.Balance(req.TokenID) < req.Amount {
		writeError(w, coreerrors.Newf(coreerrors.CodeInsufficient, "user %s has insufficient %s balance", address, req.TokenID))
		return
	}

	updated, err := s.users.AdjustBalance(ctx, address, req.TokenID, req.Amount, req.IsAddition)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleGetUserOrders merges resting mempool orders with trades matched
// but not yet sealed into a block — the two places an order's history can
// live before it is batched (original_source's orders_mempool.rs and
// matched_logs.rs each expose a get_orders_by_user_id for exactly this
// reason).
func (s *Server) handleGetUserOrders(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	resp := UserOrdersResponse{
		RestingOrders: s.pool.GetByUser(address),
		MatchedTrades: s.log.GetByUser(address),
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetLatestBlocks exposes BlockStore.GetLatestBlocks, the
// document-store "latest N blocks" retrieval supplemented from
// block_database.rs's get_latest_blocks.
func (s *Server) handleGetLatestBlocks(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r.URL.Query(), "n", 10)
	if n > 100 {
		n = 100
	}
	if n < 1 {
		n = 1
	}
	blocks, err := s.blocks.GetLatestBlocks(r.Context(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func queryInt(q map[string][]string, key string, def int) int {
	v := q[key]
	if len(v) == 0 || v[0] == "" {
		return def
	}
	i, err := strconv.Atoi(v[0])
	if err != nil {
		return def
	}
	return i
}
