package domain

import "time"

// User holds an address's per-token balances. All balances are
// non-negative; a subtraction during trade application must be
// pre-validated by the caller and never saturates — saturation at zero is
// reserved for external balance adjustments (e.g. operator corrections),
// never for matched-trade settlement.
type User struct {
	Address   string
	Balances  map[string]int64
	CreatedAt int64
	UpdatedAt int64
}

// NewUser creates a user with no balances.
func NewUser(address string) *User {
	now := time.Now().Unix()
	return &User{
		Address:   address,
		Balances:  make(map[string]int64),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewUserWithBalances creates a user seeded with the given balances.
func NewUserWithBalances(address string, balances map[string]int64) *User {
	u := NewUser(address)
	for token, amount := range balances {
		u.Balances[token] = amount
	}
	return u
}

// Balance returns the balance for a token, defaulting to zero.
func (u *User) Balance(token string) int64 {
	return u.Balances[token]
}

// AddBalance credits a token balance.
func (u *User) AddBalance(token string, amount int64) {
	u.Balances[token] += amount
	u.UpdatedAt = time.Now().Unix()
}

// SubBalance debits a token balance. It returns false without mutating
// state if the debit would underflow — callers on the trade-settlement
// path must treat that as an invariant violation (spec §4.3), not retry
// with a saturating subtraction.
func (u *User) SubBalance(token string, amount int64) bool {
	if u.Balances[token] < amount {
		return false
	}
	u.Balances[token] -= amount
	u.UpdatedAt = time.Now().Unix()
	return true
}

// AdjustBalance applies an external, non-trade balance change. Unlike
// SubBalance it saturates at zero rather than rejecting — this is the path
// used by administrative/deposit corrections (spec §3 User invariant).
func (u *User) AdjustBalance(token string, delta int64, isAddition bool) {
	if isAddition {
		u.AddBalance(token, delta)
		return
	}
	cur := u.Balances[token]
	if delta >= cur {
		u.Balances[token] = 0
	} else {
		u.Balances[token] = cur - delta
	}
	u.UpdatedAt = time.Now().Unix()
}

// Clone returns a deep copy, used when snapshotting UserBalanceState.
func (u *User) Clone() *User {
	cp := &User{
		Address:   u.Address,
		Balances:  make(map[string]int64, len(u.Balances)),
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
	for k, v := range u.Balances {
		cp.Balances[k] = v
	}
	return cp
}
