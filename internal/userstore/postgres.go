package userstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/briansong/zkhex/internal/coreerrors"
	"github.com/briansong/zkhex/internal/domain"
)

// PostgresStore persists balances to Postgres. Reads go straight to the
// database; writes are wrapped in a circuit breaker so a degraded
// database trips the breaker instead of piling up blocked matching-task
// goroutines (spec §7c — storage failures must not block the core).
type PostgresStore struct {
	db     *sqlx.DB
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewPostgresStore wraps an already-opened *sqlx.DB (see
// internal/storage/migrations for the schema this expects).
func NewPostgresStore(db *sqlx.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "userstore-postgres",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &PostgresStore{db: db, cb: cb, logger: logger}
}

type balanceRow struct {
	Address string `db:"address"`
	Token   string `db:"token"`
	Amount  int64  `db:"amount"`
}

func (s *PostgresStore) GetUser(ctx context.Context, address string) (domain.User, bool, error) {
	var createdAt, updatedAt sql.NullInt64
	err := s.db.QueryRowxContext(ctx,
		`SELECT created_at, updated_at FROM users WHERE address = $1`, address,
	).Scan(&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, coreerrors.Wrap(coreerrors.CodeStorageUnavailable, err, "query user")
	}

	var rows []balanceRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT address, token, amount FROM balances WHERE address = $1`, address); err != nil {
		return domain.User{}, false, coreerrors.Wrap(coreerrors.CodeStorageUnavailable, err, "query balances")
	}

	u := domain.User{Address: address, Balances: make(map[string]int64, len(rows)), CreatedAt: createdAt.Int64, UpdatedAt: updatedAt.Int64}
	for _, r := range rows {
		u.Balances[r.Token] = r.Amount
	}
	return u, true, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, address string) (domain.User, error) {
	now := time.Now().Unix()
	_, err := s.breakerExec(ctx, `INSERT INTO users (address, created_at, updated_at) VALUES ($1, $2, $2)`, address, now)
	if err != nil {
		return domain.User{}, err
	}
	return domain.User{Address: address, Balances: map[string]int64{}, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *PostgresStore) GetOrCreateUser(ctx context.Context, address string) (domain.User, error) {
	if u, ok, err := s.GetUser(ctx, address); err != nil {
		return domain.User{}, err
	} else if ok {
		return u, nil
	}
	_, err := s.breakerExec(ctx,
		`INSERT INTO users (address, created_at, updated_at) VALUES ($1, $2, $2) ON CONFLICT (address) DO NOTHING`,
		address, time.Now().Unix())
	if err != nil {
		return domain.User{}, err
	}
	u, _, err := s.GetUser(ctx, address)
	return u, err
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u domain.User) error {
	_, err := s.breakerExecTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().Unix()
		if _, err := tx.ExecContext(ctx, `UPDATE users SET updated_at = $2 WHERE address = $1`, u.Address, now); err != nil {
			return err
		}
		for token, amount := range u.Balances {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO balances (address, token, amount) VALUES ($1, $2, $3)
				 ON CONFLICT (address, token) DO UPDATE SET amount = EXCLUDED.amount`,
				u.Address, token, amount); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, address, token string, delta int64, isAddition bool) (domain.User, error) {
	u, err := s.GetOrCreateUser(ctx, address)
	if err != nil {
		return domain.User{}, err
	}
	cp := u.Clone()
	cp.AdjustBalance(token, delta, isAddition)
	if err := s.UpdateUser(ctx, *cp); err != nil {
		return domain.User{}, err
	}
	return *cp, nil
}

// ApplyTrade settles a trade transactionally: both balance updates
// commit together or neither does.
func (s *PostgresStore) ApplyTrade(trade domain.Trade) error {
	base, quote, ok := domain.SplitPair(trade.PairID())
	if !ok {
		return coreerrors.Newf(coreerrors.CodeInvalidOrder, "pair id %q is not BASE-QUOTE", trade.PairID())
	}
	price := trade.SettlementPrice()
	quoteAmount := trade.MatchedAmount * price

	ctx := context.Background()
	_, err := s.breakerExecTx(ctx, func(tx *sqlx.Tx) error {
		buyer, err := loadUserForUpdate(ctx, tx, trade.BuyOrder.UserID)
		if err != nil {
			return err
		}
		seller, err := loadUserForUpdate(ctx, tx, trade.SellOrder.UserID)
		if err != nil {
			return err
		}
		if !seller.SubBalance(base, trade.MatchedAmount) {
			return coreerrors.Newf(coreerrors.CodeBalanceUnderflow, "seller %s insufficient %s", seller.Address, base)
		}
		if !buyer.SubBalance(quote, quoteAmount) {
			return coreerrors.Newf(coreerrors.CodeBalanceUnderflow, "buyer %s insufficient %s", buyer.Address, quote)
		}
		buyer.AddBalance(base, trade.MatchedAmount)
		seller.AddBalance(quote, quoteAmount)
		return writeBalances(ctx, tx, buyer, seller)
	})
	return err
}

func loadUserForUpdate(ctx context.Context, tx *sqlx.Tx, address string) (*domain.User, error) {
	u := domain.NewUser(address)
	var rows []balanceRow
	if err := tx.SelectContext(ctx, &rows, `SELECT address, token, amount FROM balances WHERE address = $1 FOR UPDATE`, address); err != nil {
		return nil, err
	}
	for _, r := range rows {
		u.Balances[r.Token] = r.Amount
	}
	return u, nil
}

func writeBalances(ctx context.Context, tx *sqlx.Tx, users ...*domain.User) error {
	for _, u := range users {
		for token, amount := range u.Balances {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO balances (address, token, amount) VALUES ($1, $2, $3)
				 ON CONFLICT (address, token) DO UPDATE SET amount = EXCLUDED.amount`,
				u.Address, token, amount); err != nil {
				return err
			}
		}
	}
	return nil
}

// Snapshot reads every balance row into a UserBalanceState. It bypasses
// the circuit breaker: a snapshot is read-only and best served fresh
// rather than short-circuited.
func (s *PostgresStore) Snapshot() domain.UserBalanceState {
	out := domain.UserBalanceState{Users: make(map[string]domain.User)}
	var rows []balanceRow
	if err := s.db.Select(&rows, `SELECT address, token, amount FROM balances`); err != nil {
		s.logger.Error("snapshot query failed", zap.Error(err))
		return out
	}
	for _, r := range rows {
		u, ok := out.Users[r.Address]
		if !ok {
			u = domain.User{Address: r.Address, Balances: map[string]int64{}}
		}
		u.Balances[r.Token] = r.Amount
		out.Users[r.Address] = u
	}
	return out
}

func (s *PostgresStore) breakerExec(ctx context.Context, query string, args ...interface{}) (interface{}, error) {
	return s.cb.Execute(func() (interface{}, error) {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, coreerrors.Wrap(coreerrors.CodeStorageUnavailable, err, "postgres write")
		}
		return nil, nil
	})
}

func (s *PostgresStore) breakerExecTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (interface{}, error) {
	return s.cb.Execute(func() (interface{}, error) {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, coreerrors.Wrap(coreerrors.CodeStorageUnavailable, err, "begin tx")
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if _, ok := err.(*coreerrors.CoreError); ok {
				return nil, err
			}
			return nil, coreerrors.Wrap(coreerrors.CodeStorageRejected, err, "postgres tx")
		}
		if err := tx.Commit(); err != nil {
			return nil, coreerrors.Wrap(coreerrors.CodeStorageUnavailable, err, "commit tx")
		}
		return nil, nil
	})
}
