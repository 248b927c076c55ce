package blockstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zstd"
	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/briansong/zkhex/internal/coreerrors"
	"github.com/briansong/zkhex/internal/domain"
)

// PostgresStore persists blocks as zstd-compressed JSON payloads keyed
// by id, with height and timestamp broken out into their own columns;
// height is indexed for GetLatestBlocks. Writes run through a circuit breaker for the same
// reason userstore's does: a degraded database must not pile up blocked
// goroutines in the block builder (spec §7c).
type PostgresStore struct {
	db      *sqlx.DB
	cb      *gobreaker.CircuitBreaker
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *zap.Logger
}

// NewPostgresStore wraps an already-opened *sqlx.DB.
func NewPostgresStore(db *sqlx.DB, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "blockstore-postgres",
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
	return &PostgresStore{db: db, cb: cb, encoder: enc, decoder: dec, logger: logger}, nil
}

func (s *PostgresStore) SaveBlock(ctx context.Context, b domain.Block) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return coreerrors.Wrap(coreerrors.CodeStorageRejected, err, "marshal block")
	}
	payload := s.encoder.EncodeAll(raw, nil)

	_, err = s.cb.Execute(func() (interface{}, error) {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO blocks (id, last_block_hash, height, ts, length, payload)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			b.ID, b.LastBlockHash, int64(b.Height), b.Timestamp, b.Length, payload,
		)
		return nil, execErr
	})
	if err != nil {
		return coreerrors.Wrap(coreerrors.CodeStorageUnavailable, err, "save block")
	}
	return nil
}

func (s *PostgresStore) GetBlock(ctx context.Context, id string) (domain.Block, bool, error) {
	var payload []byte
	err := s.db.QueryRowxContext(ctx, `SELECT payload FROM blocks WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Block{}, false, nil
	}
	if err != nil {
		return domain.Block{}, false, coreerrors.Wrap(coreerrors.CodeStorageUnavailable, err, "query block")
	}
	b, err := s.decode(payload)
	if err != nil {
		return domain.Block{}, false, err
	}
	return b, true, nil
}

func (s *PostgresStore) GetLatestBlocks(ctx context.Context, n int) ([]domain.Block, error) {
	var payloads [][]byte
	rows, err := s.db.QueryxContext(ctx, `SELECT payload FROM blocks ORDER BY height DESC LIMIT $1`, n)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeStorageUnavailable, err, "query latest blocks")
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, coreerrors.Wrap(coreerrors.CodeStorageUnavailable, err, "scan block")
		}
		payloads = append(payloads, payload)
	}

	out := make([]domain.Block, 0, len(payloads))
	for _, p := range payloads {
		b, err := s.decode(p)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *PostgresStore) decode(payload []byte) (domain.Block, error) {
	raw, err := s.decoder.DecodeAll(payload, nil)
	if err != nil {
		return domain.Block{}, coreerrors.Wrap(coreerrors.CodeStorageRejected, err, "decompress block payload")
	}
	var b domain.Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return domain.Block{}, coreerrors.Wrap(coreerrors.CodeStorageRejected, err, "unmarshal block payload")
	}
	return b, nil
}

// Close releases the zstd codecs.
func (s *PostgresStore) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return nil
}
