package market

import (
	"encoding/hex"
	"math/big"
	"testing"
)

func TestEventAttributes(t *testing.T) {
	tx := &Transaction{
		ID:       [32]byte{0x01},
		Buyer:    newTestAddress(0x01),
		Seller:   newTestAddress(0x02),
		Currency: "ORB",
		Price:    big.NewInt(1_000_000),
		Rate:     RateStandard,
		State:    TxClosed,
	}

	evt := NewDisputeClosedEvent(tx, tx.Buyer)
	if evt.Type != EventTypeTxDisputeClosed {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	if evt.Attributes["favor"] != hex.EncodeToString(tx.Buyer[:]) {
		t.Fatalf("missing favor attribute")
	}
	if evt.Attributes["price"] != "1000000" || evt.Attributes["state"] != "closed" {
		t.Fatalf("unexpected attributes: %v", evt.Attributes)
	}

	review := NewReviewSubmittedEvent(tx, tx.Seller, tx.Buyer, 4)
	if review.Attributes["rating"] != "4" {
		t.Fatalf("unexpected rating attribute %q", review.Attributes["rating"])
	}
	if review.Attributes["reviewer"] != hex.EncodeToString(tx.Seller[:]) ||
		review.Attributes["reviewed"] != hex.EncodeToString(tx.Buyer[:]) {
		t.Fatalf("unexpected reviewer attributes: %v", review.Attributes)
	}
}
