// Package userstore is the balance ledger external collaborator spec
// §4.6 describes: GetUser/CreateUser/UpdateUser/GetOrCreateUser plus the
// ApplyTrade balance-settlement path the matched-log buffer calls on
// every trade. The in-memory implementation here is grounded on the
// teacher's habit of keeping domain collaborators interface-first
// (orderbook.IOrderBook); the Postgres implementation is grounded on
// abdoElHodaky-tradSys/internal/db's sqlx connection-pool pattern.
package userstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/briansong/zkhex/internal/coreerrors"
	"github.com/briansong/zkhex/internal/domain"
)

// Store is the balance ledger's external contract.
type Store interface {
	GetUser(ctx context.Context, address string) (domain.User, bool, error)
	CreateUser(ctx context.Context, address string) (domain.User, error)
	GetOrCreateUser(ctx context.Context, address string) (domain.User, error)
	UpdateUser(ctx context.Context, u domain.User) error
	AdjustBalance(ctx context.Context, address, token string, delta int64, isAddition bool) (domain.User, error)

	// ApplyTrade settles both legs of a trade. It satisfies
	// matchedlog.BalanceApplier without importing that package, avoiding
	// an import cycle between the ledger and the trade buffer.
	ApplyTrade(trade domain.Trade) error

	// Snapshot returns a point-in-time copy of every balance, in the
	// UserBalanceState form the proof replayer takes as input.
	Snapshot() domain.UserBalanceState
}

// MemoryStore is an in-process Store. Spec §5 calls for serializing
// per-address updates; this implementation serializes the whole store
// behind one RWMutex instead of sharding by address, because the
// matching engine is this store's only writer (a single task per spec
// §5) — there is no concurrent-writer contention for per-address
// sharding to relieve, and a single lock keeps ApplyTrade's two-user
// update trivially deadlock-free.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*domain.User
	logger *zap.Logger
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		users:  make(map[string]*domain.User),
		logger: logger,
	}
}

func (s *MemoryStore) GetUser(_ context.Context, address string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[address]
	if !ok {
		return domain.User{}, false, nil
	}
	return *u.Clone(), true, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, address string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[address]; exists {
		return domain.User{}, coreerrors.Newf(coreerrors.CodeUserExists, "user %s already exists", address)
	}
	u := domain.NewUser(address)
	s.users[address] = u
	return *u.Clone(), nil
}

func (s *MemoryStore) GetOrCreateUser(_ context.Context, address string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[address]
	if !ok {
		u = domain.NewUser(address)
		s.users[address] = u
	}
	return *u.Clone(), nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, updated domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[updated.Address]
	if !ok {
		return coreerrors.Newf(coreerrors.CodeUserNotFound, "user %s not found", updated.Address)
	}
	u.Balances = updated.Balances
	u.UpdatedAt = time.Now().Unix()
	return nil
}

func (s *MemoryStore) AdjustBalance(_ context.Context, address, token string, delta int64, isAddition bool) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[address]
	if !ok {
		u = domain.NewUser(address)
		s.users[address] = u
	}
	u.AdjustBalance(token, delta, isAddition)
	return *u.Clone(), nil
}

// ApplyTrade credits/debits the base and quote token balances of both
// sides of a trade. This is the place spec §9's flagged bug is
// resolved: the pair id alone named one "token_id" for both buyer and
// seller; settlement actually touches two distinct tokens derived by
// splitting the pair id (domain.SplitPair), at the trade's settlement
// price.
func (s *MemoryStore) ApplyTrade(trade domain.Trade) error {
	base, quote, ok := domain.SplitPair(trade.PairID())
	if !ok {
		return coreerrors.Newf(coreerrors.CodeInvalidOrder, "pair id %q is not BASE-QUOTE", trade.PairID())
	}

	price := trade.SettlementPrice()
	quoteAmount := trade.MatchedAmount * price
	buyerAddr := trade.BuyOrder.UserID
	sellerAddr := trade.SellOrder.UserID

	s.mu.Lock()
	defer s.mu.Unlock()

	buyer := s.getOrCreateLocked(buyerAddr)
	seller := s.getOrCreateLocked(sellerAddr)

	if !seller.SubBalance(base, trade.MatchedAmount) {
		return coreerrors.Newf(coreerrors.CodeBalanceUnderflow,
			"seller %s has insufficient %s balance to settle %d", sellerAddr, base, trade.MatchedAmount)
	}
	if !buyer.SubBalance(quote, quoteAmount) {
		seller.AddBalance(base, trade.MatchedAmount) // undo the seller debit before returning
		return coreerrors.Newf(coreerrors.CodeBalanceUnderflow,
			"buyer %s has insufficient %s balance to settle %d", buyerAddr, quote, quoteAmount)
	}

	buyer.AddBalance(base, trade.MatchedAmount)
	seller.AddBalance(quote, quoteAmount)
	return nil
}

func (s *MemoryStore) getOrCreateLocked(address string) *domain.User {
	u, ok := s.users[address]
	if !ok {
		u = domain.NewUser(address)
		s.users[address] = u
	}
	return u
}

// Snapshot returns a deep copy of every user's balances.
func (s *MemoryStore) Snapshot() domain.UserBalanceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := domain.UserBalanceState{Users: make(map[string]domain.User, len(s.users))}
	for addr, u := range s.users {
		out.Users[addr] = *u.Clone()
	}
	return out
}
