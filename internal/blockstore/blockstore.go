// Package blockstore is the block chain's persistence collaborator
// (SPEC_FULL §1 [BlockStore], spec §2 row G). The in-memory
// implementation is the one the matching pipeline runs against in
// tests and when no Postgres DSN is set; the Postgres implementation is the durable
// deployment target, grounded on abdoElHodaky-tradSys's db package for
// the sqlx/circuit-breaker shape and on its performance package for
// reaching for klauspost/compress instead of hand-rolling compression.
package blockstore

import (
	"context"
	"sync"

	"github.com/briansong/zkhex/internal/coreerrors"
	"github.com/briansong/zkhex/internal/domain"
)

// Store is the block chain's persistence contract.
type Store interface {
	SaveBlock(ctx context.Context, b domain.Block) error
	GetBlock(ctx context.Context, id string) (domain.Block, bool, error)
	GetLatestBlocks(ctx context.Context, n int) ([]domain.Block, error)
}

// MemoryStore is an in-process, append-only Store.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]domain.Block
	ordered []domain.Block // height-ascending
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]domain.Block)}
}

// SaveBlock appends a sealed block. Blocks are immutable once saved;
// saving the same id twice is rejected.
func (s *MemoryStore) SaveBlock(_ context.Context, b domain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[b.ID]; exists {
		return coreerrors.Newf(coreerrors.CodeStorageRejected, "block %s already saved", b.ID)
	}
	if len(s.ordered) > 0 && b.Height <= s.ordered[len(s.ordered)-1].Height {
		return coreerrors.Newf(coreerrors.CodeHeightRegression, "block height %d does not exceed last saved height %d", b.Height, s.ordered[len(s.ordered)-1].Height)
	}

	s.byID[b.ID] = b
	s.ordered = append(s.ordered, b)
	return nil
}

// GetBlock looks up a block by id.
func (s *MemoryStore) GetBlock(_ context.Context, id string) (domain.Block, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byID[id]
	return b, ok, nil
}

// GetLatestBlocks returns up to n most recently sealed blocks, newest
// first. This supplements a feature dropped in the distillation
// (block_database.rs's get_latest_blocks).
func (s *MemoryStore) GetLatestBlocks(_ context.Context, n int) ([]domain.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > len(s.ordered) {
		n = len(s.ordered)
	}
	out := make([]domain.Block, n)
	for i := 0; i < n; i++ {
		out[i] = s.ordered[len(s.ordered)-1-i]
	}
	return out, nil
}
