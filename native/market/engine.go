package market

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"orbitmarket/core/events"
	"orbitmarket/core/types"
	nativecommon "orbitmarket/native/common"
	"orbitmarket/native/dispute"
)

var (
	errNilState    = errors.New("market engine: state not configured")
	errNilTreasury = errors.New("market engine: fee treasury not configured")
	errNilArbiter  = errors.New("market engine: dispute arbiter not configured")
)

const marketModuleName = "market"

// catalogState is the listing surface the engine reads and writes.
type catalogState interface {
	ListingGet(id [32]byte) (*Listing, bool, error)
	ListingPut(*Listing) error
}

// registryState is the account-registry surface the engine depends on.
type registryState interface {
	AccountGet(addr [20]byte) (*types.Account, error)
	AccountPut(addr [20]byte, account *types.Account) error
}

// escrowState persists transactions and the per-transaction escrow balance.
type escrowState interface {
	TransactionGet(id [32]byte) (*Transaction, bool, error)
	TransactionPut(*Transaction) error
	EscrowBalance(id [32]byte, currency string) (*big.Int, error)
	EscrowCredit(id [32]byte, currency string, amt *big.Int) error
	EscrowDebit(id [32]byte, currency string, amt *big.Int) error
}

type engineState interface {
	catalogState
	registryState
	escrowState
}

// Arbiter is the dispute collaborator consumed by the engine. The engine only
// opens disputes, reads back finalized verdicts and tears down consumed
// records; adjudication happens elsewhere.
type Arbiter interface {
	Open(txID [32]byte, buyer, seller [20]byte, threshold uint8, funder [20]byte) ([32]byte, error)
	Get(txID [32]byte) (*dispute.Dispute, bool, error)
	Remove(txID [32]byte) error
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine drives the escrow transaction state machine: opening sales against a
// listing, funding, shipping, confirmation, settlement, dispute coordination
// and gated review submission. All funds in an open sale live at the derived
// escrow address, which only the engine's payout paths may debit.
type Engine struct {
	state    engineState
	emitter  events.Emitter
	arbiter  Arbiter
	treasury [20]byte
	pauses   nativecommon.PauseView
	nowFn    func() int64
}

// NewEngine creates a market engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTreasury configures the address that receives the platform residual.
func (e *Engine) SetTreasury(addr [20]byte) { e.treasury = addr }

// SetArbiter configures the dispute collaborator.
func (e *Engine) SetArbiter(arb Arbiter) { e.arbiter = arb }

// SetPauses configures the module pause view.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{BalanceORB: big.NewInt(0), BalanceOSD: big.NewInt(0)}
	}
	if acc.BalanceORB == nil {
		acc.BalanceORB = big.NewInt(0)
	}
	if acc.BalanceOSD == nil {
		acc.BalanceOSD = big.NewInt(0)
	}
	return acc
}

// TransactionID derives the deterministic identifier for a sale: the keccak256
// hash of the listing, both parties and the buyer's account nonce at open.
func TransactionID(listingID [32]byte, buyer, seller [20]byte, nonce uint64) [32]byte {
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)
	return ethcrypto.Keccak256Hash([]byte("orbit_physical_transaction"), listingID[:], buyer[:], seller[:], nonceBuf[:])
}

// EscrowAddress derives the custody address for a transaction's escrow entry
// from the transaction identifier and the buyer. The address has no known key;
// only the engine's payout paths move funds out of it.
func EscrowAddress(txID [32]byte, buyer [20]byte) [20]byte {
	digest := ethcrypto.Keccak256([]byte("orbit_escrow_account"), txID[:], buyer[:])
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

func (e *Engine) loadTransaction(id [32]byte) (*Transaction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	tx, ok, err := e.state.TransactionGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

func (e *Engine) storeTransaction(tx *Transaction) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.TransactionPut(tx)
}

func (e *Engine) transferCurrency(from, to [20]byte, currency string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("market: negative transfer amount")
	}
	normalized, err := NormalizeCurrency(currency)
	if err != nil {
		return err
	}
	fromAcc, err := e.state.AccountGet(from)
	if err != nil {
		return err
	}
	toAcc, err := e.state.AccountGet(to)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	switch normalized {
	case "ORB":
		if fromAcc.BalanceORB.Cmp(amt) < 0 {
			return ErrInsufficientEscrow
		}
		fromAcc.BalanceORB = new(big.Int).Sub(fromAcc.BalanceORB, amt)
		toAcc.BalanceORB = new(big.Int).Add(toAcc.BalanceORB, amt)
	case "OSD":
		if fromAcc.BalanceOSD.Cmp(amt) < 0 {
			return ErrInsufficientEscrow
		}
		fromAcc.BalanceOSD = new(big.Int).Sub(fromAcc.BalanceOSD, amt)
		toAcc.BalanceOSD = new(big.Int).Add(toAcc.BalanceOSD, amt)
	default:
		return fmt.Errorf("market: unsupported currency %s", currency)
	}
	if err := e.state.AccountPut(from, fromAcc); err != nil {
		return err
	}
	return e.state.AccountPut(to, toAcc)
}

func (e *Engine) ensureTreasuryConfigured() error {
	if e == nil {
		return errNilTreasury
	}
	if e.treasury == ([20]byte{}) {
		return errNilTreasury
	}
	return nil
}

// Open creates a sale against the listing, decrements its quantity and
// records both parties, the agreed price and the derived escrow address. When
// useDiscount is set and the buyer holds a discount credit, the credit is
// consumed, the settlement rate becomes 100 and the price drops by 5%.
func (e *Engine) Open(buyer, seller [20]byte, listingID [32]byte, useDiscount bool) (*Transaction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return nil, err
	}
	if buyer == seller {
		return nil, ErrAuthorization
	}
	listing, ok, err := e.state.ListingGet(listingID)
	if err != nil {
		return nil, err
	}
	if !ok || !listing.Active {
		return nil, ErrListingNotFound
	}
	if listing.Seller != seller {
		return nil, ErrInvalidSellerForListing
	}
	buyerAcc, err := e.state.AccountGet(buyer)
	if err != nil {
		return nil, err
	}
	buyerAcc = ensureAccount(buyerAcc)
	if buyerAcc.HasOpenTransaction() {
		return nil, ErrStateGuard
	}
	if listing.Quantity == 0 {
		return nil, ErrListingExhausted
	}
	price := cloneBigInt(listing.Price)
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("market: listing price must be positive")
	}
	rate := RateStandard
	if useDiscount && buyerAcc.DiscountCredits > 0 {
		rate = RateDiscounted
		price = pct(price, int64(RateStandard), rateDenom)
		buyerAcc.DiscountCredits--
	}
	nonce := buyerAcc.Nonce
	buyerAcc.Nonce++

	id := TransactionID(listingID, buyer, seller, nonce)
	tx := &Transaction{
		ID:        id,
		Buyer:     buyer,
		Seller:    seller,
		Listing:   listingID,
		Currency:  listing.Currency,
		Price:     price,
		Rate:      rate,
		Funded:    false,
		State:     TxOpened,
		Escrow:    EscrowAddress(id, buyer),
		CreatedAt: e.now(),
	}
	listing.Quantity--
	if err := e.state.ListingPut(listing); err != nil {
		return nil, err
	}
	if err := e.storeTransaction(tx); err != nil {
		return nil, err
	}
	buyerAcc.OpenTransaction = id
	if err := e.state.AccountPut(buyer, buyerAcc); err != nil {
		return nil, err
	}
	sellerAcc, err := e.state.AccountGet(seller)
	if err != nil {
		return nil, err
	}
	sellerAcc = ensureAccount(sellerAcc)
	sellerAcc.OpenTransaction = id
	if err := e.state.AccountPut(seller, sellerAcc); err != nil {
		return nil, err
	}
	e.emit(NewOpenedEvent(tx))
	return tx.Clone(), nil
}

// FundEscrow moves exactly the recorded price from the buyer's account into
// the escrow entry and advances the sale to BuyerFunded.
func (e *Engine) FundEscrow(txID [32]byte, caller [20]byte) error {
	tx, err := e.loadTransaction(txID)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return err
	}
	if tx.State != TxOpened || tx.Funded {
		return ErrStateGuard
	}
	if caller != tx.Buyer {
		return ErrAuthorization
	}
	if tx.Price == nil || tx.Price.Sign() <= 0 {
		return fmt.Errorf("market: price must be positive")
	}
	if err := e.transferCurrency(tx.Buyer, tx.Escrow, tx.Currency, tx.Price); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(txID, tx.Currency, tx.Price); err != nil {
		return err
	}
	tx.Funded = true
	tx.State = TxBuyerFunded
	if err := e.storeTransaction(tx); err != nil {
		return err
	}
	e.emit(NewFundedEvent(tx))
	return nil
}

// UpdateShipping stores the seller's opaque shipping payload and marks the
// sale shipped.
func (e *Engine) UpdateShipping(txID [32]byte, caller [20]byte, payload [ShippingPayloadSize]byte) error {
	tx, err := e.loadTransaction(txID)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return err
	}
	if tx.State != TxBuyerFunded {
		return ErrStateGuard
	}
	if caller != tx.Seller {
		return ErrAuthorization
	}
	tx.Shipping = payload
	tx.State = TxShipped
	if err := e.storeTransaction(tx); err != nil {
		return err
	}
	e.emit(NewShippedEvent(tx))
	return nil
}

// ConfirmDelivery records the buyer's delivery confirmation.
func (e *Engine) ConfirmDelivery(txID [32]byte, caller [20]byte) error {
	tx, err := e.loadTransaction(txID)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return err
	}
	if tx.State != TxShipped {
		return ErrStateGuard
	}
	if caller != tx.Buyer {
		return ErrAuthorization
	}
	tx.State = TxBuyerConfirmedDelivery
	if err := e.storeTransaction(tx); err != nil {
		return err
	}
	e.emit(NewDeliveryConfirmedEvent(tx))
	return nil
}

// ConfirmProduct records the buyer's product acceptance. Calling it before
// delivery confirmation fails with ErrDeliveryNotConfirmed.
func (e *Engine) ConfirmProduct(txID [32]byte, caller [20]byte) error {
	tx, err := e.loadTransaction(txID)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return err
	}
	if caller != tx.Buyer {
		return ErrAuthorization
	}
	switch tx.State {
	case TxBuyerConfirmedDelivery:
	case TxOpened, TxBuyerFunded, TxShipped:
		return ErrDeliveryNotConfirmed
	default:
		return ErrStateGuard
	}
	tx.State = TxBuyerConfirmedProduct
	if err := e.storeTransaction(tx); err != nil {
		return err
	}
	e.emit(NewProductConfirmedEvent(tx))
	return nil
}

// Close settles the sale: the escrow balance is drained per the settlement
// rules, the catalog learns of a completed sale, transaction counts are posted
// to both accounts, and the open-transaction slots are cleared. A referral
// target, when supplied, must match the buyer's recorded referral link.
func (e *Engine) Close(txID [32]byte, caller [20]byte, referral *[20]byte) error {
	tx, err := e.loadTransaction(txID)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return err
	}
	if tx.State != TxBuyerConfirmedProduct {
		return ErrStateGuard
	}
	if caller != tx.Buyer && caller != tx.Seller {
		return ErrNotParticipant
	}
	if tx.Rate == RateStandard {
		if err := e.ensureTreasuryConfigured(); err != nil {
			return err
		}
	}
	var split *referralSplit
	if referral != nil {
		buyerAcc, err := e.state.AccountGet(tx.Buyer)
		if err != nil {
			return err
		}
		buyerAcc = ensureAccount(buyerAcc)
		if buyerAcc.ReferralLink == ([20]byte{}) || *referral != buyerAcc.ReferralLink {
			return ErrInvalidReferral
		}
		split = &referralSplit{Buyer: tx.Buyer, Referrer: *referral}
	}
	balance, err := e.state.EscrowBalance(txID, tx.Currency)
	if err != nil {
		return err
	}
	plan, err := closePlan(balance, tx.Rate, tx.Seller, e.treasury, split)
	if err != nil {
		return err
	}
	if err := e.executePlan(tx, plan); err != nil {
		return err
	}
	listing, ok, err := e.state.ListingGet(tx.Listing)
	if err != nil {
		return err
	}
	if ok {
		listing.TimesSold++
		if err := e.state.ListingPut(listing); err != nil {
			return err
		}
	}
	if err := e.postTransactionCounts(tx); err != nil {
		return err
	}
	tx.State = TxClosed
	if err := e.storeTransaction(tx); err != nil {
		return err
	}
	e.emit(NewClosedEvent(tx))
	return nil
}

// SellerEarlyDecline lets the seller abort a sale before shipment. The escrow
// balance, if funded, is refunded to the buyer in full; a discount credit
// consumed at open is restored.
func (e *Engine) SellerEarlyDecline(txID [32]byte, caller [20]byte) error {
	tx, err := e.loadTransaction(txID)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return err
	}
	if caller != tx.Seller {
		return ErrAuthorization
	}
	if tx.State != TxOpened && tx.State != TxBuyerFunded {
		return ErrStateGuard
	}
	if tx.Funded {
		if err := e.executePlan(tx, refundPlan(tx.Buyer)); err != nil {
			return err
		}
	}
	buyerAcc, err := e.state.AccountGet(tx.Buyer)
	if err != nil {
		return err
	}
	buyerAcc = ensureAccount(buyerAcc)
	if tx.Rate == RateDiscounted {
		buyerAcc.DiscountCredits++
	}
	clearSlot(buyerAcc, txID)
	if err := e.state.AccountPut(tx.Buyer, buyerAcc); err != nil {
		return err
	}
	sellerAcc, err := e.state.AccountGet(tx.Seller)
	if err != nil {
		return err
	}
	sellerAcc = ensureAccount(sellerAcc)
	clearSlot(sellerAcc, txID)
	if err := e.state.AccountPut(tx.Seller, sellerAcc); err != nil {
		return err
	}
	tx.State = TxClosed
	if err := e.storeTransaction(tx); err != nil {
		return err
	}
	e.emit(NewDeclinedEvent(tx))
	return nil
}

// OpenDispute freezes the sale and forwards both identities plus the evidence
// threshold to the arbiter. Only one dispute may ever exist per transaction.
func (e *Engine) OpenDispute(txID [32]byte, opener [20]byte, threshold uint8) error {
	tx, err := e.loadTransaction(txID)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return err
	}
	if e.arbiter == nil {
		return errNilArbiter
	}
	if opener != tx.Buyer && opener != tx.Seller {
		return ErrNotParticipant
	}
	switch tx.State {
	case TxBuyerFunded, TxShipped, TxBuyerConfirmedDelivery:
	default:
		return ErrStateGuard
	}
	if _, err := e.arbiter.Open(txID, tx.Buyer, tx.Seller, threshold, opener); err != nil {
		if errors.Is(err, dispute.ErrDisputeExists) {
			return ErrDisputeExists
		}
		return err
	}
	tx.State = TxFrozen
	if err := e.storeTransaction(tx); err != nil {
		return err
	}
	e.emit(NewFrozenEvent(tx))
	return nil
}

// CloseDispute executes a finalized arbiter verdict: the rate differential
// moves to the treasury, the favored party receives the remaining balance,
// and the dispute record is consumed.
func (e *Engine) CloseDispute(txID [32]byte) error {
	tx, err := e.loadTransaction(txID)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return err
	}
	if e.arbiter == nil {
		return errNilArbiter
	}
	if tx.State != TxFrozen {
		return ErrStateGuard
	}
	verdict, ok, err := e.arbiter.Get(txID)
	if err != nil {
		return err
	}
	if !ok {
		return dispute.ErrDisputeNotFound
	}
	if verdict.State != dispute.StateResolved {
		return ErrStateGuard
	}
	favor := verdict.Favor
	if favor != tx.Buyer && favor != tx.Seller {
		return dispute.ErrInvalidFavor
	}
	if tx.Rate == RateStandard {
		if err := e.ensureTreasuryConfigured(); err != nil {
			return err
		}
	}
	balance, err := e.state.EscrowBalance(txID, tx.Currency)
	if err != nil {
		return err
	}
	plan, err := disputePlan(balance, tx.Rate, favor, e.treasury)
	if err != nil {
		return err
	}
	if err := e.executePlan(tx, plan); err != nil {
		return err
	}
	if err := e.arbiter.Remove(txID); err != nil {
		return err
	}
	if err := e.clearSlots(tx); err != nil {
		return err
	}
	tx.State = TxClosed
	if err := e.storeTransaction(tx); err != nil {
		return err
	}
	e.emit(NewDisputeClosedEvent(tx, favor))
	return nil
}

// LeaveReview forwards a 1..5 rating for the other party to the account
// registry. Each side may submit exactly once, and only after the sale closed.
func (e *Engine) LeaveReview(txID [32]byte, reviewer [20]byte, rating uint8) error {
	tx, err := e.loadTransaction(txID)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, marketModuleName); err != nil {
		return err
	}
	if tx.State != TxClosed {
		return ErrStateGuard
	}
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	var reviewed [20]byte
	switch reviewer {
	case tx.Buyer:
		if tx.Reviews.Buyer {
			return ErrAuthorization
		}
		tx.Reviews.Buyer = true
		reviewed = tx.Seller
	case tx.Seller:
		if tx.Reviews.Seller {
			return ErrAuthorization
		}
		tx.Reviews.Seller = true
		reviewed = tx.Buyer
	default:
		return ErrNotParticipant
	}
	reviewedAcc, err := e.state.AccountGet(reviewed)
	if err != nil {
		return err
	}
	reviewedAcc = ensureAccount(reviewedAcc)
	reviewedAcc.ReputationScore += uint64(rating)
	reviewedAcc.ReputationCount++
	if err := e.state.AccountPut(reviewed, reviewedAcc); err != nil {
		return err
	}
	if err := e.storeTransaction(tx); err != nil {
		return err
	}
	e.emit(NewReviewSubmittedEvent(tx, reviewer, reviewed, rating))
	return nil
}

// executePlan disburses a settlement plan, debiting the tracked escrow
// balance after every payout so the total disbursed always equals the balance
// the plan was built from.
func (e *Engine) executePlan(tx *Transaction, plan *settlementPlan) error {
	balance, err := e.state.EscrowBalance(tx.ID, tx.Currency)
	if err != nil {
		return err
	}
	for _, p := range plan.Payouts {
		if p.Amount == nil || p.Amount.Sign() == 0 {
			continue
		}
		if balance.Cmp(p.Amount) < 0 {
			return ErrInsufficientEscrow
		}
		if err := e.transferCurrency(tx.Escrow, p.Recipient, tx.Currency, p.Amount); err != nil {
			return err
		}
		if err := e.state.EscrowDebit(tx.ID, tx.Currency, p.Amount); err != nil {
			return err
		}
		balance.Sub(balance, p.Amount)
	}
	if balance.Sign() > 0 {
		if err := e.transferCurrency(tx.Escrow, plan.Remainder, tx.Currency, balance); err != nil {
			return err
		}
		if err := e.state.EscrowDebit(tx.ID, tx.Currency, balance); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) postTransactionCounts(tx *Transaction) error {
	for _, addr := range [][20]byte{tx.Buyer, tx.Seller} {
		acc, err := e.state.AccountGet(addr)
		if err != nil {
			return err
		}
		acc = ensureAccount(acc)
		acc.TransactionCount++
		clearSlot(acc, tx.ID)
		if err := e.state.AccountPut(addr, acc); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) clearSlots(tx *Transaction) error {
	for _, addr := range [][20]byte{tx.Buyer, tx.Seller} {
		acc, err := e.state.AccountGet(addr)
		if err != nil {
			return err
		}
		acc = ensureAccount(acc)
		clearSlot(acc, tx.ID)
		if err := e.state.AccountPut(addr, acc); err != nil {
			return err
		}
	}
	return nil
}

func clearSlot(acc *types.Account, txID [32]byte) {
	if acc.OpenTransaction == txID {
		acc.OpenTransaction = [32]byte{}
	}
}
