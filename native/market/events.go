package market

import (
	"encoding/hex"
	"strconv"

	"orbitmarket/core/types"
)

const (
	EventTypeTxOpened            = "market.tx.opened"
	EventTypeTxFunded            = "market.tx.funded"
	EventTypeTxShipped           = "market.tx.shipped"
	EventTypeTxDeliveryConfirmed = "market.tx.delivery_confirmed"
	EventTypeTxProductConfirmed  = "market.tx.product_confirmed"
	EventTypeTxClosed            = "market.tx.closed"
	EventTypeTxDeclined          = "market.tx.declined"
	EventTypeTxFrozen            = "market.tx.frozen"
	EventTypeTxDisputeClosed     = "market.tx.dispute_closed"
	EventTypeReviewSubmitted     = "market.review.submitted"
)

// NewOpenedEvent returns the canonical payload for a newly opened sale.
func NewOpenedEvent(t *Transaction) *types.Event { return newTxEvent(EventTypeTxOpened, t) }

// NewFundedEvent returns the payload emitted when the buyer funds escrow.
func NewFundedEvent(t *Transaction) *types.Event { return newTxEvent(EventTypeTxFunded, t) }

// NewShippedEvent returns the payload emitted when the seller records
// shipping metadata.
func NewShippedEvent(t *Transaction) *types.Event { return newTxEvent(EventTypeTxShipped, t) }

// NewDeliveryConfirmedEvent returns the payload for a buyer delivery
// confirmation.
func NewDeliveryConfirmedEvent(t *Transaction) *types.Event {
	return newTxEvent(EventTypeTxDeliveryConfirmed, t)
}

// NewProductConfirmedEvent returns the payload for a buyer product
// confirmation.
func NewProductConfirmedEvent(t *Transaction) *types.Event {
	return newTxEvent(EventTypeTxProductConfirmed, t)
}

// NewClosedEvent returns the payload emitted when escrow is drained and the
// sale completes.
func NewClosedEvent(t *Transaction) *types.Event { return newTxEvent(EventTypeTxClosed, t) }

// NewDeclinedEvent returns the payload emitted on a seller early decline.
func NewDeclinedEvent(t *Transaction) *types.Event { return newTxEvent(EventTypeTxDeclined, t) }

// NewFrozenEvent returns the payload emitted when a dispute freezes the sale.
func NewFrozenEvent(t *Transaction) *types.Event { return newTxEvent(EventTypeTxFrozen, t) }

// NewDisputeClosedEvent returns the payload emitted when a verdict payout
// completes, including the favored party.
func NewDisputeClosedEvent(t *Transaction, favor [20]byte) *types.Event {
	evt := newTxEvent(EventTypeTxDisputeClosed, t)
	evt.Attributes["favor"] = hex.EncodeToString(favor[:])
	return evt
}

// NewReviewSubmittedEvent returns the payload emitted when a party submits its
// single permitted rating.
func NewReviewSubmittedEvent(t *Transaction, reviewer, reviewed [20]byte, rating uint8) *types.Event {
	evt := newTxEvent(EventTypeReviewSubmitted, t)
	evt.Attributes["reviewer"] = hex.EncodeToString(reviewer[:])
	evt.Attributes["reviewed"] = hex.EncodeToString(reviewed[:])
	evt.Attributes["rating"] = strconv.FormatUint(uint64(rating), 10)
	return evt
}

func newTxEvent(eventType string, t *Transaction) *types.Event {
	attrs := make(map[string]string)
	if t == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeTransaction(t)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["buyer"] = hex.EncodeToString(sanitized.Buyer[:])
	attrs["seller"] = hex.EncodeToString(sanitized.Seller[:])
	attrs["listing"] = hex.EncodeToString(sanitized.Listing[:])
	attrs["currency"] = sanitized.Currency
	attrs["price"] = sanitized.Price.String()
	attrs["rate"] = strconv.FormatUint(uint64(sanitized.Rate), 10)
	attrs["state"] = sanitized.State.String()
	attrs["escrow"] = hex.EncodeToString(sanitized.Escrow[:])
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
