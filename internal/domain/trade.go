package domain

// Trade is a realized match between a buy and a sell order. BuyOrder and
// SellOrder are snapshots of the two orders at the moment of the match
// (post-fill) — later mutation of the resting orders in the mempool must
// never be visible through a stored Trade.
//
// The settlement price is not a separate field: by convention (see
// DESIGN.md) it is the resting, i.e. older, order's price — see
// SettlementPrice.
type Trade struct {
	Timestamp     int64
	BuyOrder      Order
	SellOrder     Order
	MatchedAmount int64
}

// PairID returns the trading pair both sides of the trade share.
func (t Trade) PairID() string {
	return t.BuyOrder.PairID
}

// SettlementPrice returns the executed price under the resting-order
// convention: whichever side arrived first sets the price.
func (t Trade) SettlementPrice() int64 {
	if t.BuyOrder.CreatedAt <= t.SellOrder.CreatedAt {
		return t.BuyOrder.Price
	}
	return t.SellOrder.Price
}
