package api

import "github.com/briansong/zkhex/internal/domain"

// CreateOrderRequest is the body of POST /api/orders.
type CreateOrderRequest struct {
	UserID string `json:"user_id" validate:"required"`
	PairID string `json:"pair_id" validate:"required"`
	Amount int64  `json:"amount" validate:"required,gt=0"`
	Price  int64  `json:"price" validate:"required,gt=0"`
	Side   string `json:"side" validate:"required,oneof=buy sell"`
}

// CreateUserRequest is the body of POST /api/users.
type CreateUserRequest struct {
	Address         string           `json:"address" validate:"required"`
	InitialBalances map[string]int64 `json:"initial_balances"`
}

// AdjustBalanceRequest is the body of PUT /api/users/{address}/balance.
type AdjustBalanceRequest struct {
	TokenID    string `json:"token_id" validate:"required"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
	IsAddition bool   `json:"is_addition"`
}

// OrderListResponse is the body of GET /api/orders.
type OrderListResponse struct {
	Orders []domain.Order `json:"orders"`
	Total  int            `json:"total"`
	Page   int            `json:"page"`
	Limit  int            `json:"limit"`
}

// UserOrdersResponse is the body of GET /api/users/{address}/orders: resting
// orders from the mempool alongside already-matched, not-yet-sealed trades
// from the matched-log buffer (original_source's orders_mempool.rs and
// matched_logs.rs both expose a get_orders_by_user_id; this merges both).
type UserOrdersResponse struct {
	RestingOrders []domain.Order `json:"resting_orders"`
	MatchedTrades []domain.Trade `json:"matched_trades"`
}

func sideFromString(s string) (domain.Side, bool) {
	switch s {
	case "buy":
		return domain.SideBuy, true
	case "sell":
		return domain.SideSell, true
	default:
		return false, false
	}
}
