// Package canon implements the canonical, deterministic serialization the
// block chain and the proof replayer both depend on. The original source
// this system was distilled from hashed Rust debug-formatted maps with
// MD5 — neither canonical (map iteration order is unspecified) nor
// collision-resistant. This package replaces that with a fixed field
// order, sorted map keys, fixed-width big-endian integers, and SHA-256.
package canon

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/briansong/zkhex/internal/domain"
)

// Hash is a 32-byte collision-resistant digest, hex-encoded for use as a
// Block.ID / chain link.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func putUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func putInt64(buf []byte, v int64) []byte {
	return putUint64(buf, uint64(v))
}

func putString(buf []byte, s string) []byte {
	buf = putUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

func putBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendOrder(buf []byte, o domain.Order) []byte {
	buf = putString(buf, o.ID)
	buf = putString(buf, o.UserID)
	buf = putString(buf, o.PairID)
	buf = putInt64(buf, o.Amount)
	buf = putInt64(buf, o.Price)
	buf = putBool(buf, bool(o.Side))
	buf = putInt64(buf, o.FilledAmount)
	buf = putUint64(buf, uint64(o.Status))
	buf = putInt64(buf, o.CreatedAt)
	buf = putInt64(buf, o.UpdatedAt)
	return buf
}

func appendTrade(buf []byte, t domain.Trade) []byte {
	buf = putInt64(buf, t.Timestamp)
	buf = appendOrder(buf, t.BuyOrder)
	buf = appendOrder(buf, t.SellOrder)
	buf = putInt64(buf, t.MatchedAmount)
	return buf
}

// Logs renders a pair->trades map into its canonical byte form: pairs in
// lexicographic order, trades within a pair in FIFO (slice) order.
func Logs(logs map[string][]domain.Trade) []byte {
	pairs := make([]string, 0, len(logs))
	for p := range logs {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)

	var buf []byte
	buf = putUint64(buf, uint64(len(pairs)))
	for _, pair := range pairs {
		buf = putString(buf, pair)
		trades := logs[pair]
		buf = putUint64(buf, uint64(len(trades)))
		for _, tr := range trades {
			buf = appendTrade(buf, tr)
		}
	}
	return buf
}

// Block renders a sealed (or about-to-be-sealed) block's content into the
// canonical form hashed for its ID. LastBlockHash is intentionally
// excluded from the legacy teacher design but spec §4.4 requires the chain
// link be part of the content so blocks can't be replayed against the
// wrong predecessor; it is included here.
func Block(b domain.Block) []byte {
	var buf []byte
	buf = putString(buf, b.LastBlockHash)
	buf = putInt64(buf, b.Timestamp)
	buf = putUint64(buf, b.Height)
	buf = putUint64(buf, uint64(b.Length))
	buf = append(buf, Logs(b.Logs)...)
	return buf
}

// BlockHash computes the canonical hash of a block's content.
func BlockHash(b domain.Block) string {
	return Hash(Block(b))
}

// UserBalanceState renders a balance snapshot into canonical form: users
// sorted by address, each user's token balances sorted by token id.
func UserBalanceState(s domain.UserBalanceState) []byte {
	addrs := make([]string, 0, len(s.Users))
	for a := range s.Users {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	var buf []byte
	buf = putUint64(buf, uint64(len(addrs)))
	for _, addr := range addrs {
		u := s.Users[addr]
		buf = putString(buf, u.Address)
		buf = putInt64(buf, u.CreatedAt)
		buf = putInt64(buf, u.UpdatedAt)

		tokens := make([]string, 0, len(u.Balances))
		for t := range u.Balances {
			tokens = append(tokens, t)
		}
		sort.Strings(tokens)
		buf = putUint64(buf, uint64(len(tokens)))
		for _, tok := range tokens {
			buf = putString(buf, tok)
			buf = putInt64(buf, u.Balances[tok])
		}
	}
	return buf
}

// UserBalanceHash computes the canonical hash of a balance snapshot.
func UserBalanceHash(s domain.UserBalanceState) string {
	return Hash(UserBalanceState(s))
}
