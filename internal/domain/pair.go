package domain

import "strings"

// SplitPair decomposes a trading pair id of the form "BASE-QUOTE" (e.g.
// "BTC-USD") into its two token ids. This resolves the token-accounting
// ambiguity left open by the system this was distilled from, which used
// a pair id directly as a single token id when crediting/debiting
// balances: a trade settles in two distinct tokens, the base asset the
// buyer receives and the quote asset the buyer pays, and a pair id alone
// cannot name both.
func SplitPair(pairID string) (base, quote string, ok bool) {
	i := strings.IndexByte(pairID, '-')
	if i <= 0 || i == len(pairID)-1 {
		return "", "", false
	}
	return pairID[:i], pairID[i+1:], true
}
