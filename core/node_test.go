package core

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"orbitmarket/core/types"
	nativecommon "orbitmarket/native/common"
	"orbitmarket/native/market"
	"orbitmarket/storage"
)

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

var (
	nodeBuyer    = testAddr(0x01)
	nodeSeller   = testAddr(0x02)
	nodeTreasury = testAddr(0xEE)
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	return NewNode(storage.NewMemDB(), nodeTreasury)
}

func seedMarket(t *testing.T, node *Node, quantity uint32) [32]byte {
	t.Helper()
	var listingID [32]byte
	listingID[0] = 0xA1
	if err := node.SeedListing(&market.Listing{
		ID:       listingID,
		Seller:   nodeSeller,
		Price:    big.NewInt(1_000_000),
		Currency: "ORB",
		Quantity: quantity,
		Active:   true,
	}); err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	if err := node.SeedAccount(nodeBuyer, &types.Account{
		BalanceORB: big.NewInt(5_000_000),
		BalanceOSD: big.NewInt(0),
	}); err != nil {
		t.Fatalf("seed buyer: %v", err)
	}
	return listingID
}

func TestNodeLifecycle(t *testing.T) {
	node := newTestNode(t)
	listingID := seedMarket(t, node, 1)

	tx, err := node.MarketOpen(nodeBuyer, nodeSeller, listingID, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := node.MarketFund(tx.ID, nodeBuyer); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := node.MarketShip(tx.ID, nodeSeller, [market.ShippingPayloadSize]byte{0x01}); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if err := node.MarketConfirmDelivery(tx.ID, nodeBuyer); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if err := node.MarketConfirmProduct(tx.ID, nodeBuyer); err != nil {
		t.Fatalf("confirm product: %v", err)
	}
	if err := node.MarketClose(tx.ID, nodeBuyer, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := node.MarketLeaveReview(tx.ID, nodeBuyer, 5); err != nil {
		t.Fatalf("review: %v", err)
	}

	stored, err := node.MarketGet(tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != market.TxClosed || !stored.Reviews.Buyer {
		t.Fatalf("unexpected final transaction: %+v", stored)
	}
	sellerAcc, err := node.AccountGet(nodeSeller)
	if err != nil {
		t.Fatalf("account get: %v", err)
	}
	if sellerAcc.BalanceORB.Cmp(big.NewInt(950_000)) != 0 {
		t.Fatalf("unexpected seller payout %s", sellerAcc.BalanceORB)
	}
	if sellerAcc.ReputationScore != 5 || sellerAcc.ReputationCount != 1 {
		t.Fatalf("unexpected seller reputation")
	}
	treasuryAcc, err := node.AccountGet(nodeTreasury)
	if err != nil {
		t.Fatalf("account get: %v", err)
	}
	if treasuryAcc.BalanceORB.Cmp(big.NewInt(50_000)) != 0 {
		t.Fatalf("unexpected treasury balance %s", treasuryAcc.BalanceORB)
	}
	balance, err := node.EscrowBalance(tx.ID, "ORB")
	if err != nil {
		t.Fatalf("escrow balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("escrow not drained: %s", balance)
	}

	evts := node.Events()
	if len(evts) == 0 {
		t.Fatalf("expected event log entries")
	}
	last := evts[len(evts)-1]
	if last.Type != market.EventTypeReviewSubmitted {
		t.Fatalf("unexpected last event %q", last.Type)
	}
}

func TestNodeFailedOperationLeavesNoPartialWrites(t *testing.T) {
	node := newTestNode(t)
	listingID := seedMarket(t, node, 1)

	tx, err := node.MarketOpen(nodeBuyer, nodeSeller, listingID, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := node.MarketFund(tx.ID, nodeBuyer); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := node.MarketShip(tx.ID, nodeSeller, [market.ShippingPayloadSize]byte{}); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if err := node.MarketConfirmDelivery(tx.ID, nodeBuyer); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if err := node.MarketConfirmProduct(tx.ID, nodeBuyer); err != nil {
		t.Fatalf("confirm product: %v", err)
	}

	// Close with an invalid referral fails and must not move any funds.
	referral := testAddr(0x77)
	if err := node.MarketClose(tx.ID, nodeBuyer, &referral); !errors.Is(err, market.ErrInvalidReferral) {
		t.Fatalf("expected ErrInvalidReferral, got %v", err)
	}
	balance, err := node.EscrowBalance(tx.ID, "ORB")
	if err != nil {
		t.Fatalf("escrow balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("failed close leaked writes, balance %s", balance)
	}
	stored, err := node.MarketGet(tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != market.TxBuyerConfirmedProduct {
		t.Fatalf("failed close changed state to %v", stored.State)
	}

	// A follow-up valid close still succeeds.
	if err := node.MarketClose(tx.ID, nodeBuyer, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNodeConcurrentOpensSingleUnit(t *testing.T) {
	node := newTestNode(t)
	listingID := seedMarket(t, node, 1)

	otherBuyer := testAddr(0x05)
	if err := node.SeedAccount(otherBuyer, &types.Account{
		BalanceORB: big.NewInt(5_000_000),
		BalanceOSD: big.NewInt(0),
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	buyers := [][20]byte{nodeBuyer, otherBuyer}
	results := make([]error, len(buyers))
	var wg sync.WaitGroup
	for i, buyer := range buyers {
		wg.Add(1)
		go func(i int, buyer [20]byte) {
			defer wg.Done()
			_, results[i] = node.MarketOpen(buyer, nodeSeller, listingID, false)
		}(i, buyer)
	}
	wg.Wait()

	var successes, exhausted int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, market.ErrListingExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || exhausted != 1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d exhausted", successes, exhausted)
	}
	listing, err := node.ListingGet(listingID)
	if err != nil {
		t.Fatalf("listing get: %v", err)
	}
	if listing.Quantity != 0 {
		t.Fatalf("unexpected remaining quantity %d", listing.Quantity)
	}
}

func TestNodeDisputeFlow(t *testing.T) {
	node := newTestNode(t)
	listingID := seedMarket(t, node, 1)

	tx, err := node.MarketOpen(nodeBuyer, nodeSeller, listingID, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := node.MarketFund(tx.ID, nodeBuyer); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := node.MarketOpenDispute(tx.ID, nodeBuyer, 3); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	record, err := node.DisputeGet(tx.ID)
	if err != nil {
		t.Fatalf("dispute get: %v", err)
	}
	if record.Transaction != tx.ID || record.Funder != nodeBuyer {
		t.Fatalf("unexpected dispute record: %+v", record)
	}
	if err := node.MarketResolveDispute(tx.ID, nodeBuyer); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := node.MarketCloseDispute(tx.ID); err != nil {
		t.Fatalf("close dispute: %v", err)
	}

	stored, err := node.MarketGet(tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != market.TxClosed {
		t.Fatalf("expected closed, got %v", stored.State)
	}
	buyerAcc, err := node.AccountGet(nodeBuyer)
	if err != nil {
		t.Fatalf("account get: %v", err)
	}
	// 5,000,000 seed minus 1,000,000 funding plus 950,000 verdict payout.
	if buyerAcc.BalanceORB.Cmp(big.NewInt(4_950_000)) != 0 {
		t.Fatalf("unexpected buyer balance %s", buyerAcc.BalanceORB)
	}
}

func TestNodePause(t *testing.T) {
	node := newTestNode(t)
	listingID := seedMarket(t, node, 1)

	node.SetPaused("market", true)
	if _, err := node.MarketOpen(nodeBuyer, nodeSeller, listingID, false); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	node.SetPaused("market", false)
	if _, err := node.MarketOpen(nodeBuyer, nodeSeller, listingID, false); err != nil {
		t.Fatalf("open after unpause: %v", err)
	}
}
