// Package matchedlog is the per-pair FIFO of realized trades sitting
// between the matching engine and the block builder. It is grounded on
// the teacher's TradeRingBufferBatchSafe — a dedicated trade queue
// decoupled from the order queue — redesigned as a plain mutex-guarded
// per-pair slice instead of a lock-free ring buffer: this buffer has
// exactly one writer (the matching engine) and one reader (the block
// builder), so the disruptor-style batch/semaphore machinery the
// teacher built for a fan-out trade consumer has no contention left to
// amortize.
package matchedlog

import (
	"sync"

	"go.uber.org/zap"

	"github.com/briansong/zkhex/internal/domain"
)

// BalanceApplier settles a trade's two legs against user balances. The
// matched-log buffer calls it synchronously on every Append so a trade
// is never visible to a reader before its balance effects are applied.
type BalanceApplier interface {
	ApplyTrade(trade domain.Trade) error
}

// Buffer is the live set of unsettled-into-a-block trades, grouped by
// pair in FIFO order.
type Buffer struct {
	mu      sync.RWMutex
	logs    map[string][]domain.Trade
	applier BalanceApplier
	logger  *zap.Logger
}

// New creates an empty Buffer backed by the given balance applier.
func New(applier BalanceApplier, logger *zap.Logger) *Buffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		logs:    make(map[string][]domain.Trade),
		applier: applier,
		logger:  logger,
	}
}

// Append applies the trade's balance delta and records it at the back
// of its pair's FIFO. A non-nil error from the balance applier is an
// invariant violation (spec §7d) — the trade is not recorded and the
// caller must abort the owning task rather than retry.
func (b *Buffer) Append(trade domain.Trade) error {
	if err := b.applier.ApplyTrade(trade); err != nil {
		b.logger.Error("balance application failed, trade dropped",
			zap.String("pair", trade.PairID()),
			zap.String("buy_order", trade.BuyOrder.ID),
			zap.String("sell_order", trade.SellOrder.ID),
			zap.Error(err),
		)
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	pair := trade.PairID()
	b.logs[pair] = append(b.logs[pair], trade)
	return nil
}

// PopFrontN removes and returns up to n trades from the front of a
// pair's FIFO, in arrival order. It returns fewer than n (or none) if
// the pair has fewer trades pending.
func (b *Buffer) PopFrontN(pairID string, n int) []domain.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.logs[pairID]
	if n > len(pending) {
		n = len(pending)
	}
	if n == 0 {
		return nil
	}

	out := make([]domain.Trade, n)
	copy(out, pending[:n])
	remaining := make([]domain.Trade, len(pending)-n)
	copy(remaining, pending[n:])
	if len(remaining) == 0 {
		delete(b.logs, pairID)
	} else {
		b.logs[pairID] = remaining
	}
	return out
}

// GetByUser returns every pending trade touching a user, across pairs.
func (b *Buffer) GetByUser(userID string) []domain.Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []domain.Trade
	for _, trades := range b.logs {
		for _, t := range trades {
			if t.BuyOrder.UserID == userID || t.SellOrder.UserID == userID {
				out = append(out, t)
			}
		}
	}
	return out
}

// PendingPairs returns the pairs that currently have at least one
// unsettled trade, used by the block builder to round-robin drains.
func (b *Buffer) PendingPairs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pairs := make([]string, 0, len(b.logs))
	for pair, trades := range b.logs {
		if len(trades) > 0 {
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

// Len returns how many trades are pending for a pair.
func (b *Buffer) Len(pairID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.logs[pairID])
}
