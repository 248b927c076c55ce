package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briansong/zkhex/internal/canon"
	"github.com/briansong/zkhex/internal/domain"
)

func basePrevState() domain.UserBalanceState {
	return domain.UserBalanceState{Users: map[string]domain.User{
		"buyer":  {Address: "buyer", Balances: map[string]int64{"USD": 100000}},
		"seller": {Address: "seller", Balances: map[string]int64{"BTC": 100}},
	}}
}

func sampleBlock(prevHash string) domain.Block {
	trade := domain.Trade{
		Timestamp:     1,
		BuyOrder:      *domain.NewOrder("b1", "buyer", "BTC-USD", 10, 100, domain.SideBuy),
		SellOrder:     *domain.NewOrder("s1", "seller", "BTC-USD", 10, 100, domain.SideSell),
		MatchedAmount: 10,
	}
	return domain.Block{
		LastBlockHash: prevHash,
		Timestamp:     2,
		Height:        1,
		Length:        1,
		Logs:          map[string][]domain.Trade{"BTC-USD": {trade}},
	}
}

func buildValidInput(t *testing.T) domain.BlockProofInput {
	t.Helper()
	prev := basePrevState()
	blk := sampleBlock("genesis")
	blk.ID = canon.BlockHash(blk)

	r := New(nil)
	next, ok := r.replayTrades(blk, prev)
	require.True(t, ok)

	return domain.BlockProofInput{
		Block:                          blk,
		ClaimedBlockHash:               blk.ID,
		ClaimedPreviousUserBalanceHash: canon.UserBalanceHash(prev),
		ClaimedUserBalanceHash:         canon.UserBalanceHash(next),
		PreviousUserBalanceState:       prev,
		UserBalanceState:               next,
	}
}

func TestReplayAcceptsConsistentProof(t *testing.T) {
	input := buildValidInput(t)
	assert.True(t, New(nil).Replay(input))
}

func TestReplayRejectsTamperedBlockHash(t *testing.T) {
	input := buildValidInput(t)
	input.ClaimedBlockHash = "not-the-real-hash"
	assert.False(t, New(nil).Replay(input))
}

func TestReplayRejectsTamperedPreviousBalanceHash(t *testing.T) {
	input := buildValidInput(t)
	input.ClaimedPreviousUserBalanceHash = "not-the-real-hash"
	assert.False(t, New(nil).Replay(input))
}

func TestReplayRejectsTamperedResultingBalanceHash(t *testing.T) {
	input := buildValidInput(t)
	input.ClaimedUserBalanceHash = "not-the-real-hash"
	assert.False(t, New(nil).Replay(input), "the previously-disabled final balance hash check must now reject a mismatch")
}

func TestReplayRejectsMissingUser(t *testing.T) {
	prev := domain.UserBalanceState{Users: map[string]domain.User{
		"seller": {Address: "seller", Balances: map[string]int64{"BTC": 100}},
	}} // buyer absent
	blk := sampleBlock("genesis")
	blk.ID = canon.BlockHash(blk)

	input := domain.BlockProofInput{
		Block:                          blk,
		ClaimedBlockHash:               blk.ID,
		ClaimedPreviousUserBalanceHash: canon.UserBalanceHash(prev),
		ClaimedUserBalanceHash:         "irrelevant",
		PreviousUserBalanceState:       prev,
	}
	assert.False(t, New(nil).Replay(input))
}

func TestReplayRejectsUnderflow(t *testing.T) {
	prev := domain.UserBalanceState{Users: map[string]domain.User{
		"buyer":  {Address: "buyer", Balances: map[string]int64{"USD": 100000}},
		"seller": {Address: "seller", Balances: map[string]int64{"BTC": 1}}, // not enough to settle 10
	}}
	blk := sampleBlock("genesis")
	blk.ID = canon.BlockHash(blk)

	input := domain.BlockProofInput{
		Block:                          blk,
		ClaimedBlockHash:               blk.ID,
		ClaimedPreviousUserBalanceHash: canon.UserBalanceHash(prev),
		ClaimedUserBalanceHash:         "irrelevant",
		PreviousUserBalanceState:       prev,
	}
	assert.False(t, New(nil).Replay(input))
}

func TestReplayDoesNotMutatePreviousState(t *testing.T) {
	prev := basePrevState()
	blk := sampleBlock("genesis")
	blk.ID = canon.BlockHash(blk)

	r := New(nil)
	_, ok := r.replayTrades(blk, prev)
	require.True(t, ok)

	assert.Equal(t, int64(100000), prev.Users["buyer"].Balance("USD"))
	assert.Equal(t, int64(100), prev.Users["seller"].Balance("BTC"))
}
