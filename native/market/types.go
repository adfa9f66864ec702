package market

import (
	"fmt"
	"math/big"
	"strings"
)

// TransactionState represents the lifecycle states of a physical-goods sale.
type TransactionState uint8

const (
	TxOpened TransactionState = iota
	TxBuyerFunded
	TxShipped
	TxBuyerConfirmedDelivery
	TxBuyerConfirmedProduct
	TxFrozen
	TxClosed
)

// String returns the canonical lowercase name used in events and RPC output.
func (s TransactionState) String() string {
	switch s {
	case TxOpened:
		return "opened"
	case TxBuyerFunded:
		return "buyer_funded"
	case TxShipped:
		return "shipped"
	case TxBuyerConfirmedDelivery:
		return "buyer_confirmed_delivery"
	case TxBuyerConfirmedProduct:
		return "buyer_confirmed_product"
	case TxFrozen:
		return "frozen"
	case TxClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Valid reports whether the state value is within the supported range.
func (s TransactionState) Valid() bool {
	return s <= TxClosed
}

// Rates applied at settlement. RateStandard keeps the 5% platform residual;
// RateDiscounted is granted when the buyer consumed a discount credit at open
// and waives the residual entirely.
const (
	RateStandard   uint8 = 95
	RateDiscounted uint8 = 100
)

// ShippingPayloadSize is the fixed length of the opaque, encrypted shipping
// blob sellers attach when marking a sale shipped.
const ShippingPayloadSize = 64

// Reviews tracks which side of a closed sale has already submitted its single
// permitted rating.
type Reviews struct {
	Buyer  bool
	Seller bool
}

// Transaction captures the metadata and runtime status of a single sale moving
// through the escrow state machine. The identifier is the keccak256 hash of
// the listing, both parties and the buyer's account nonce, ensuring
// deterministic IDs for repeat purchases.
type Transaction struct {
	ID        [32]byte
	Buyer     [20]byte
	Seller    [20]byte
	Listing   [32]byte
	Currency  string
	Price     *big.Int
	Rate      uint8
	Funded    bool
	State     TransactionState
	Reviews   Reviews
	Shipping  [ShippingPayloadSize]byte
	Escrow    [20]byte
	CreatedAt int64
}

// Clone returns a deep copy of the transaction so callers can safely mutate
// the copy without affecting the stored instance.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Price != nil {
		clone.Price = new(big.Int).Set(t.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// Listing is the catalog projection the engine depends on: who sells, at what
// price, in which currency, and how many units remain.
type Listing struct {
	ID        [32]byte
	Seller    [20]byte
	Price     *big.Int
	Currency  string
	Quantity  uint32
	TimesSold uint64
	Active    bool
}

// Clone returns a deep copy of the listing.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Price != nil {
		clone.Price = new(big.Int).Set(l.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// NormalizeCurrency ensures the provided symbol matches a supported currency
// ("ORB" native asset or "OSD" fungible token) and returns the canonical
// uppercase form.
func NormalizeCurrency(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	switch trimmed {
	case "ORB", "OSD":
		return trimmed, nil
	default:
		return "", fmt.Errorf("market: unsupported currency %q", symbol)
	}
}

// SanitizeTransaction validates and normalises the supplied transaction,
// returning a cloned instance with canonical currency casing and a non-nil
// price. The original value is not mutated.
func SanitizeTransaction(t *Transaction) (*Transaction, error) {
	if t == nil {
		return nil, fmt.Errorf("market: nil transaction")
	}
	clone := t.Clone()
	currency, err := NormalizeCurrency(clone.Currency)
	if err != nil {
		return nil, err
	}
	clone.Currency = currency
	if clone.Price.Sign() < 0 {
		return nil, fmt.Errorf("market: price must be non-negative")
	}
	if clone.Rate != RateStandard && clone.Rate != RateDiscounted {
		return nil, fmt.Errorf("market: invalid rate %d", clone.Rate)
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("market: invalid state %d", clone.State)
	}
	return clone, nil
}

// SanitizeListing validates and normalises the supplied listing definition.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("market: nil listing")
	}
	clone := l.Clone()
	currency, err := NormalizeCurrency(clone.Currency)
	if err != nil {
		return nil, err
	}
	clone.Currency = currency
	if clone.Price.Sign() <= 0 {
		return nil, fmt.Errorf("market: listing price must be positive")
	}
	return clone, nil
}
