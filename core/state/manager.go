package state

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"orbitmarket/core/types"
	"orbitmarket/native/market"
	"orbitmarket/storage"
)

var (
	accountPrefix     = []byte("market/account/")
	listingPrefix     = []byte("market/listing/")
	transactionPrefix = []byte("market/tx/")
	escrowPrefix      = []byte("market/escrow/")
)

func accountKey(addr [20]byte) []byte {
	return ethcrypto.Keccak256(accountPrefix, addr[:])
}

func listingKey(id [32]byte) []byte {
	return ethcrypto.Keccak256(listingPrefix, id[:])
}

func transactionKey(id [32]byte) []byte {
	return ethcrypto.Keccak256(transactionPrefix, id[:])
}

func escrowKey(id [32]byte, currency string) []byte {
	return ethcrypto.Keccak256(escrowPrefix, id[:], []byte(currency))
}

type overlayEntry struct {
	value   []byte
	deleted bool
}

// Manager layers a write overlay over a storage.Database. Reads see staged
// writes first, then fall through to the database. Nothing reaches the
// database until Commit; Reset discards the overlay. This gives every market
// operation commit-or-abort semantics over plain key/value storage.
type Manager struct {
	db      storage.Database
	overlay map[string]overlayEntry
}

// NewManager creates a state manager over db with an empty overlay.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, overlay: make(map[string]overlayEntry)}
}

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	if entry, ok := m.overlay[string(key)]; ok {
		if entry.deleted {
			return nil, false, nil
		}
		return append([]byte(nil), entry.value...), true, nil
	}
	value, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) put(key, value []byte) {
	m.overlay[string(key)] = overlayEntry{value: append([]byte(nil), value...)}
}

func (m *Manager) del(key []byte) {
	m.overlay[string(key)] = overlayEntry{deleted: true}
}

// Commit flushes staged writes to the database and clears the overlay.
func (m *Manager) Commit() error {
	for key, entry := range m.overlay {
		if entry.deleted {
			if err := m.db.Delete([]byte(key)); err != nil {
				return fmt.Errorf("state: commit delete: %w", err)
			}
			continue
		}
		if err := m.db.Put([]byte(key), entry.value); err != nil {
			return fmt.Errorf("state: commit put: %w", err)
		}
	}
	m.overlay = make(map[string]overlayEntry)
	return nil
}

// Reset discards all staged writes.
func (m *Manager) Reset() {
	m.overlay = make(map[string]overlayEntry)
}

// Dirty reports whether the overlay holds staged writes.
func (m *Manager) Dirty() bool { return len(m.overlay) > 0 }

// storedAccount mirrors types.Account with RLP-friendly field types.
type storedAccount struct {
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

// AccountGet loads the account for addr. Missing accounts come back zeroed
// rather than as an error.
func (m *Manager) AccountGet(addr [20]byte) (*types.Account, error) {
	raw, ok, err := m.get(accountKey(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.Account{BalanceORB: big.NewInt(0), BalanceOSD: big.NewInt(0)}, nil
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	acc := &types.Account{
		Nonce:            stored.Nonce,
		BalanceORB:       stored.BalanceORB,
		BalanceOSD:       stored.BalanceOSD,
		DiscountCredits:  stored.DiscountCredits,
		ReferralLink:     stored.ReferralLink,
		ReputationScore:  stored.ReputationScore,
		ReputationCount:  stored.ReputationCount,
		TransactionCount: stored.TransactionCount,
		OpenTransaction:  stored.OpenTransaction,
	}
	if acc.BalanceORB == nil {
		acc.BalanceORB = big.NewInt(0)
	}
	if acc.BalanceOSD == nil {
		acc.BalanceOSD = big.NewInt(0)
	}
	return acc, nil
}

// AccountPut stages the account for addr.
func (m *Manager) AccountPut(addr [20]byte, acc *types.Account) error {
	if acc == nil {
		return fmt.Errorf("state: nil account")
	}
	stored := storedAccount{
		Nonce:            acc.Nonce,
		BalanceORB:       acc.BalanceORB,
		BalanceOSD:       acc.BalanceOSD,
		DiscountCredits:  acc.DiscountCredits,
		ReferralLink:     acc.ReferralLink,
		ReputationScore:  acc.ReputationScore,
		ReputationCount:  acc.ReputationCount,
		TransactionCount: acc.TransactionCount,
		OpenTransaction:  acc.OpenTransaction,
	}
	if stored.BalanceORB == nil {
		stored.BalanceORB = big.NewInt(0)
	}
	if stored.BalanceOSD == nil {
		stored.BalanceOSD = big.NewInt(0)
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return fmt.Errorf("state: encode account: %w", err)
	}
	m.put(accountKey(addr), raw)
	return nil
}

type storedListing struct {
	ID        [32]byte
	Seller    [20]byte
	Price     *big.Int
	Currency  string
	Quantity  uint32
	TimesSold uint64
	Active    bool
}

// ListingGet loads a catalog listing by identifier.
func (m *Manager) ListingGet(id [32]byte) (*market.Listing, bool, error) {
	raw, ok, err := m.get(listingKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedListing
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("state: decode listing: %w", err)
	}
	listing := &market.Listing{
		ID:        stored.ID,
		Seller:    stored.Seller,
		Price:     stored.Price,
		Currency:  stored.Currency,
		Quantity:  stored.Quantity,
		TimesSold: stored.TimesSold,
		Active:    stored.Active,
	}
	sanitized, err := market.SanitizeListing(listing)
	if err != nil {
		return nil, false, err
	}
	return sanitized, true, nil
}

// ListingPut stages a catalog listing.
func (m *Manager) ListingPut(listing *market.Listing) error {
	sanitized, err := market.SanitizeListing(listing)
	if err != nil {
		return err
	}
	stored := storedListing{
		ID:        sanitized.ID,
		Seller:    sanitized.Seller,
		Price:     sanitized.Price,
		Currency:  sanitized.Currency,
		Quantity:  sanitized.Quantity,
		TimesSold: sanitized.TimesSold,
		Active:    sanitized.Active,
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return fmt.Errorf("state: encode listing: %w", err)
	}
	m.put(listingKey(sanitized.ID), raw)
	return nil
}

// storedTransaction keeps timestamps unsigned and enums as uint8 so the
// record round-trips through RLP.
type storedTransaction struct {
	ID           [32]byte
	Buyer        [20]byte
	Seller       [20]byte
	Listing      [32]byte
	Currency     string
	Price        *big.Int
	Rate         uint8
	Funded       bool
	State        uint8
	ReviewBuyer  bool
	ReviewSeller bool
	Shipping     [market.ShippingPayloadSize]byte
	Escrow       [20]byte
	CreatedAt    uint64
}

// TransactionGet loads a market transaction by identifier.
func (m *Manager) TransactionGet(id [32]byte) (*market.Transaction, bool, error) {
	raw, ok, err := m.get(transactionKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedTransaction
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("state: decode transaction: %w", err)
	}
	tx := &market.Transaction{
		ID:        stored.ID,
		Buyer:     stored.Buyer,
		Seller:    stored.Seller,
		Listing:   stored.Listing,
		Currency:  stored.Currency,
		Price:     stored.Price,
		Rate:      stored.Rate,
		Funded:    stored.Funded,
		State:     market.TransactionState(stored.State),
		Reviews:   market.Reviews{Buyer: stored.ReviewBuyer, Seller: stored.ReviewSeller},
		Shipping:  stored.Shipping,
		Escrow:    stored.Escrow,
		CreatedAt: int64(stored.CreatedAt),
	}
	sanitized, err := market.SanitizeTransaction(tx)
	if err != nil {
		return nil, false, err
	}
	return sanitized, true, nil
}

// TransactionPut stages a market transaction.
func (m *Manager) TransactionPut(tx *market.Transaction) error {
	sanitized, err := market.SanitizeTransaction(tx)
	if err != nil {
		return err
	}
	stored := storedTransaction{
		ID:           sanitized.ID,
		Buyer:        sanitized.Buyer,
		Seller:       sanitized.Seller,
		Listing:      sanitized.Listing,
		Currency:     sanitized.Currency,
		Price:        sanitized.Price,
		Rate:         sanitized.Rate,
		Funded:       sanitized.Funded,
		State:        uint8(sanitized.State),
		ReviewBuyer:  sanitized.Reviews.Buyer,
		ReviewSeller: sanitized.Reviews.Seller,
		Shipping:     sanitized.Shipping,
		Escrow:       sanitized.Escrow,
		CreatedAt:    uint64(sanitized.CreatedAt),
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return fmt.Errorf("state: encode transaction: %w", err)
	}
	m.put(transactionKey(sanitized.ID), raw)
	return nil
}

// EscrowBalance returns the tracked escrow balance for a transaction. A
// missing entry reads as zero.
func (m *Manager) EscrowBalance(id [32]byte, currency string) (*big.Int, error) {
	normalized, err := market.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	raw, ok, err := m.get(escrowKey(id, normalized))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(raw, balance); err != nil {
		return nil, fmt.Errorf("state: decode escrow balance: %w", err)
	}
	return balance, nil
}

// EscrowCredit adds amt to the tracked escrow balance.
func (m *Manager) EscrowCredit(id [32]byte, currency string, amt *big.Int) error {
	return m.escrowAdjust(id, currency, amt, false)
}

// EscrowDebit subtracts amt from the tracked escrow balance. Debiting below
// zero is refused.
func (m *Manager) EscrowDebit(id [32]byte, currency string, amt *big.Int) error {
	return m.escrowAdjust(id, currency, amt, true)
}

func (m *Manager) escrowAdjust(id [32]byte, currency string, amt *big.Int, debit bool) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: escrow amount must be non-negative")
	}
	normalized, err := market.NormalizeCurrency(currency)
	if err != nil {
		return err
	}
	balance, err := m.EscrowBalance(id, normalized)
	if err != nil {
		return err
	}
	if debit {
		if balance.Cmp(amt) < 0 {
			return market.ErrInsufficientEscrow
		}
		balance.Sub(balance, amt)
	} else {
		balance.Add(balance, amt)
	}
	raw, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return fmt.Errorf("state: encode escrow balance: %w", err)
	}
	m.put(escrowKey(id, normalized), raw)
	return nil
}

// KVGet reads a key through the overlay and RLP-decodes it into out. Missing
// keys report ok=false without an error.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	raw, ok, err := m.get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("state: decode value: %w", err)
	}
	return true, nil
}

// KVPut RLP-encodes value and stages it under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	raw, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode value: %w", err)
	}
	m.put(key, raw)
	return nil
}

// KVDelete stages removal of a raw key.
func (m *Manager) KVDelete(key []byte) error {
	m.del(key)
	return nil
}
