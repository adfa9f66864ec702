package market

import (
	"fmt"
	"math/big"
)

// Settlement percentage constants, expressed as fixed-point fractions of the
// escrow balance. The standard close keeps a 5% residual; when a valid
// referral target is presented the residual is split 0.25% buyer cashback,
// 0.25% referrer, 4.5% treasury.
const (
	residualNumerator = 5
	residualDenom     = 100
	referralNumerator = 25
	referralDenom     = 10_000
	treasuryNumerator = 45
	treasuryDenom     = 1_000
	rateDenom         = 100
)

// payout is a single fixed disbursement from escrow.
type payout struct {
	Recipient [20]byte
	Amount    *big.Int
}

// settlementPlan is the ordered set of fixed payouts followed by a remainder
// sweep. Executing the plan in order, debiting the escrow balance after each
// payout, guarantees the disbursed total equals the pre-close balance.
type settlementPlan struct {
	Payouts   []payout
	Remainder [20]byte
}

// referralSplit carries the validated wallets participating in a referral
// close: the buyer receiving cashback and the referrer being rewarded.
type referralSplit struct {
	Buyer    [20]byte
	Referrer [20]byte
}

func pct(balance *big.Int, numerator, denominator int64) *big.Int {
	out := new(big.Int).Mul(balance, big.NewInt(numerator))
	return out.Div(out, big.NewInt(denominator))
}

// closePlan computes the payout split for a standard or discounted close.
func closePlan(balance *big.Int, rate uint8, seller, treasury [20]byte, referral *referralSplit) (*settlementPlan, error) {
	if balance == nil || balance.Sign() <= 0 {
		return nil, ErrInsufficientEscrow
	}
	plan := &settlementPlan{Remainder: seller}
	if rate == RateDiscounted {
		return plan, nil
	}
	if rate != RateStandard {
		return nil, fmt.Errorf("market: invalid settlement rate %d", rate)
	}
	if referral == nil {
		plan.Payouts = append(plan.Payouts, payout{Recipient: treasury, Amount: pct(balance, residualNumerator, residualDenom)})
		return plan, nil
	}
	cashback := pct(balance, referralNumerator, referralDenom)
	plan.Payouts = append(plan.Payouts,
		payout{Recipient: referral.Buyer, Amount: cashback},
		payout{Recipient: referral.Referrer, Amount: new(big.Int).Set(cashback)},
		payout{Recipient: treasury, Amount: pct(balance, treasuryNumerator, treasuryDenom)},
	)
	return plan, nil
}

// disputePlan computes the payout split executed after an arbiter verdict: the
// rate differential moves to the treasury first, the favored party receives
// everything that remains.
func disputePlan(balance *big.Int, rate uint8, favor, treasury [20]byte) (*settlementPlan, error) {
	if balance == nil || balance.Sign() <= 0 {
		return nil, ErrInsufficientEscrow
	}
	plan := &settlementPlan{Remainder: favor}
	if rate == RateDiscounted {
		return plan, nil
	}
	differential := pct(balance, int64(rateDenom-rate), rateDenom)
	plan.Payouts = append(plan.Payouts, payout{Recipient: treasury, Amount: differential})
	return plan, nil
}

// refundPlan returns the full balance to the buyer; no fee is taken on a
// seller early decline.
func refundPlan(buyer [20]byte) *settlementPlan {
	return &settlementPlan{Remainder: buyer}
}
