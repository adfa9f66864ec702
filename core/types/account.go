package types

import "math/big"

// Account is the registry record for a market participant. Balances are kept
// per currency; the discount counter, referral link, reputation accumulator
// and open-transaction slot are the marketplace-facing fields consumed by the
// transaction engine.
type Account struct {
	Nonce            uint64
	BalanceORB       *big.Int
	BalanceOSD       *big.Int
	DiscountCredits  uint32
	ReferralLink     [20]byte
	ReputationScore  uint64
	ReputationCount  uint64
	TransactionCount uint64
	OpenTransaction  [32]byte
}

// Clone returns a deep copy of the account so callers can mutate the result
// without affecting the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	if a.BalanceORB != nil {
		clone.BalanceORB = new(big.Int).Set(a.BalanceORB)
	} else {
		clone.BalanceORB = big.NewInt(0)
	}
	if a.BalanceOSD != nil {
		clone.BalanceOSD = new(big.Int).Set(a.BalanceOSD)
	} else {
		clone.BalanceOSD = big.NewInt(0)
	}
	return &clone
}

// HasOpenTransaction reports whether the account currently references an
// active transaction slot.
func (a *Account) HasOpenTransaction() bool {
	if a == nil {
		return false
	}
	return a.OpenTransaction != ([32]byte{})
}
