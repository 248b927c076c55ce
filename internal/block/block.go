// Package block implements the size/time-bounded block builder: it
// drains the matched-log buffer round-robin across pairs, seals a
// hash-chained Block once either bound is hit, and persists it with
// retry-with-backoff so a storage outage never blocks the matching
// pipeline. Grounded directly on the original system's BlockBuilder
// (original_source/server/src/block/block_builder.rs) — its
// pop-until-full-or-drained draining loop and size-or-duration seal
// condition are reproduced here; what changes is idiom (a ticker-driven
// goroutine instead of an async task polled by a runtime) and the
// addition of the retry-with-backoff persistence path, which the
// original leaves to its caller.
package block

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/briansong/zkhex/internal/canon"
	"github.com/briansong/zkhex/internal/domain"
	"github.com/briansong/zkhex/internal/matchedlog"
)

// Store is the block builder's persistence collaborator (spec §2 row
// G / SPEC_FULL §1 [BlockStore]).
type Store interface {
	SaveBlock(ctx context.Context, b domain.Block) error
}

// Metrics are the prometheus series the builder updates.
type Metrics struct {
	BlocksSealed prometheus.Counter
	BlockHeight  prometheus.Gauge
	PersistRetry prometheus.Counter
}

// NewMetrics registers the builder's series with reg. Pass nil to run
// without metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BlocksSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zkhex_block_sealed_total",
			Help: "Blocks sealed by the block builder.",
		}),
		BlockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zkhex_block_height",
			Help: "Height of the most recently sealed block.",
		}),
		PersistRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zkhex_block_persist_retry_total",
			Help: "Retries attempted while persisting a sealed block.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.BlocksSealed, m.BlockHeight, m.PersistRetry)
	}
	return m
}

// Builder accumulates trades into size/time-bounded blocks.
type Builder struct {
	mu          sync.Mutex
	logs        *matchedlog.Buffer
	maxSize     int
	maxDuration time.Duration
	height      uint64
	lastHash    string
	current     domain.Block
	windowStart time.Time

	logger  *zap.Logger
	metrics *Metrics

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Builder seeded with the genesis (or last known) hash
// and height.
func New(logs *matchedlog.Buffer, maxSize int, maxDuration time.Duration, height uint64, lastHash string, logger *zap.Logger, metrics *Metrics) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		logs:        logs,
		maxSize:     maxSize,
		maxDuration: maxDuration,
		height:      height,
		lastHash:    lastHash,
		current:     domain.Block{Logs: make(map[string][]domain.Trade)},
		windowStart: time.Now(),
		logger:      logger,
		metrics:     metrics,
	}
}

// Tick drains pending trades into the current block, round-robin across
// pairs so no single busy pair starves the others, and seals a Block if
// either the size bound or the time bound has been reached. It reports
// ok=false when there is nothing to seal yet.
func (b *Builder) Tick() (domain.Block, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.current.Length < b.maxSize {
		pairs := b.logs.PendingPairs()
		if len(pairs) == 0 {
			break
		}
		// Each pair's share of the remaining room on this pass, rounded up.
		share := (b.maxSize - b.current.Length + len(pairs) - 1) / len(pairs)
		progressed := false
		for _, pair := range pairs {
			if b.current.Length >= b.maxSize {
				break
			}
			need := b.maxSize - b.current.Length
			if need > share {
				need = share
			}
			entries := b.logs.PopFrontN(pair, need)
			if len(entries) == 0 {
				continue
			}
			b.current.Logs[pair] = append(b.current.Logs[pair], entries...)
			b.current.Length += len(entries)
			progressed = true
		}
		if !progressed {
			break
		}
	}

	elapsed := time.Since(b.windowStart)
	full := b.current.Length >= b.maxSize
	timedOut := elapsed >= b.maxDuration

	if b.current.Length == 0 {
		if timedOut {
			b.windowStart = time.Now()
		}
		return domain.Block{}, false
	}

	if full || timedOut {
		return b.sealLocked(), true
	}
	return domain.Block{}, false
}

// batchOrders promotes every order snapshot held by a staged block's trades
// to Batched (spec §4.4 step 2), in place, so the promotion is reflected in
// the bytes canon.BlockHash hashes below — the replayer re-derives the same
// hash from the stored block, so the status must be final before the ID is
// computed, not after.
func batchOrders(logs map[string][]domain.Trade) {
	for pair, trades := range logs {
		for i := range trades {
			trades[i].BuyOrder.Batch()
			trades[i].SellOrder.Batch()
		}
		logs[pair] = trades
	}
}

func (b *Builder) sealLocked() domain.Block {
	batchOrders(b.current.Logs)

	b.current.Timestamp = time.Now().Unix()
	b.current.Height = b.height
	b.current.LastBlockHash = b.lastHash
	b.current.ID = canon.BlockHash(b.current)

	sealed := b.current
	b.lastHash = sealed.ID
	b.height++
	b.windowStart = time.Now()
	b.current = domain.Block{Logs: make(map[string][]domain.Trade)}

	if b.metrics != nil {
		b.metrics.BlocksSealed.Inc()
		b.metrics.BlockHeight.Set(float64(sealed.Height))
	}
	return sealed
}

// Run drives Tick on cadence until ctx is done, persisting each sealed
// block through store. A persistence failure (spec §7c — storage is an
// external failure, the core must not block on it) does not stall the
// next tick: the sealed block is retried with exponential backoff in
// its own goroutine while Run keeps building subsequent blocks.
func (b *Builder) Run(ctx context.Context, store Store, cadence time.Duration) {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sealed, ok := b.Tick()
			if !ok {
				continue
			}
			b.wg.Add(1)
			go func(blk domain.Block) {
				defer b.wg.Done()
				b.persistWithBackoff(ctx, store, blk)
			}(sealed)
		}
	}
}

// Wait blocks until every in-flight persist goroutine started by Run
// has returned, for graceful shutdown.
func (b *Builder) Wait() {
	b.wg.Wait()
}

func (b *Builder) persistWithBackoff(ctx context.Context, store Store, blk domain.Block) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		if err := store.SaveBlock(ctx, blk); err != nil {
			b.logger.Error("block persist failed, retrying",
				zap.Uint64("height", blk.Height),
				zap.String("block_id", blk.ID),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if b.metrics != nil {
				b.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return
	}
}
