package domain

// Block is a sealed, hash-chained batch of trades.
//
// Length must equal the sum of len(Logs[pair]) for all pairs. ID is the
// canonical hash of the block's content, computed once at seal time;
// LastBlockHash equals the ID of the immediately preceding sealed block.
type Block struct {
	ID            string
	LastBlockHash string
	Timestamp     int64
	Height        uint64
	Length        int
	Logs          map[string][]Trade
}

// UserBalanceState is a point-in-time snapshot of every user's balances,
// used as both input and output of a block replay.
type UserBalanceState struct {
	Users map[string]User
}

// CloneUserBalanceState returns a deep copy suitable for replaying a block
// against without mutating the original snapshot.
func CloneUserBalanceState(s UserBalanceState) UserBalanceState {
	out := UserBalanceState{Users: make(map[string]User, len(s.Users))}
	for addr, u := range s.Users {
		out.Users[addr] = *u.Clone()
	}
	return out
}

// BlockProofInput is the payload the zkVM host replays to verify a block's
// state transition independently of the server core.
type BlockProofInput struct {
	Block                          Block
	ClaimedBlockHash               string
	ClaimedUserBalanceHash         string
	ClaimedPreviousUserBalanceHash string
	PreviousUserBalanceState       UserBalanceState
	UserBalanceState               UserBalanceState
}
