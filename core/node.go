package core

import (
	"fmt"
	"math/big"
	"sync"

	"orbitmarket/core/events"
	"orbitmarket/core/state"
	"orbitmarket/core/types"
	"orbitmarket/native/dispute"
	"orbitmarket/native/market"
	"orbitmarket/observability"
	"orbitmarket/storage"
)

// eventLogCap bounds the in-memory event log the RPC layer reads from.
const eventLogCap = 4096

type eventCollector struct {
	collected []types.Event
}

func (c *eventCollector) Emit(evt events.Event) {
	payloader, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	payload := payloader.Event()
	if payload == nil {
		return
	}
	attrs := make(map[string]string, len(payload.Attributes))
	for k, v := range payload.Attributes {
		attrs[k] = v
	}
	c.collected = append(c.collected, types.Event{Type: payload.Type, Attributes: attrs})
}

type pauseSet struct {
	mu     sync.RWMutex
	paused map[string]bool
}

func (p *pauseSet) IsPaused(module string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}

func (p *pauseSet) set(module string, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == nil {
		p.paused = make(map[string]bool)
	}
	p.paused[module] = paused
}

// Node owns the database and serializes every market operation behind a
// single mutex. Each operation runs against a fresh state manager whose
// overlay is committed only when the engine call succeeds, so a failed call
// leaves no partial writes. Serialization is also what makes two racing opens
// against a one-unit listing resolve to exactly one success.
type Node struct {
	stateMu  sync.Mutex
	db       storage.Database
	treasury [20]byte
	pauses   pauseSet
	metrics  *observability.MarketMetrics

	eventMu  sync.RWMutex
	eventLog []types.Event
}

// NewNode creates a node over db with the supplied fee treasury address.
func NewNode(db storage.Database, treasury [20]byte) *Node {
	return &Node{db: db, treasury: treasury}
}

// SetMetrics attaches operation metrics. A nil value disables recording.
func (n *Node) SetMetrics(m *observability.MarketMetrics) { n.metrics = m }

// SetPaused toggles the pause flag for a module name.
func (n *Node) SetPaused(module string, paused bool) {
	n.pauses.set(module, paused)
}

// Events returns a snapshot of the in-memory event log.
func (n *Node) Events() []types.Event {
	n.eventMu.RLock()
	defer n.eventMu.RUnlock()
	out := make([]types.Event, len(n.eventLog))
	copy(out, n.eventLog)
	return out
}

func (n *Node) appendEvents(evts []types.Event) {
	if len(evts) == 0 {
		return
	}
	n.eventMu.Lock()
	defer n.eventMu.Unlock()
	n.eventLog = append(n.eventLog, evts...)
	if overflow := len(n.eventLog) - eventLogCap; overflow > 0 {
		n.eventLog = append([]types.Event(nil), n.eventLog[overflow:]...)
	}
}

func (n *Node) record(op string, err error) {
	if n.metrics == nil {
		return
	}
	n.metrics.RecordOperation(op, err)
}

// withEngine runs fn against a fresh manager and engine under the state
// mutex, committing the overlay on success and discarding it on failure.
func (n *Node) withEngine(op string, fn func(manager *state.Manager, engine *market.Engine, registry *dispute.Registry) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	registry := dispute.NewRegistry(manager)
	collector := &eventCollector{}

	engine := market.NewEngine()
	engine.SetState(manager)
	engine.SetArbiter(registry)
	engine.SetTreasury(n.treasury)
	engine.SetPauses(&n.pauses)
	engine.SetEmitter(collector)

	err := fn(manager, engine, registry)
	if err != nil {
		manager.Reset()
		n.record(op, err)
		return err
	}
	if err := manager.Commit(); err != nil {
		n.record(op, err)
		return fmt.Errorf("core: commit %s: %w", op, err)
	}
	n.appendEvents(collector.collected)
	n.record(op, nil)
	return nil
}

// MarketOpen opens a sale against a listing and returns the created
// transaction.
func (n *Node) MarketOpen(buyer, seller [20]byte, listingID [32]byte, useDiscount bool) (*market.Transaction, error) {
	var tx *market.Transaction
	err := n.withEngine("market_open", func(_ *state.Manager, engine *market.Engine, _ *dispute.Registry) error {
		opened, err := engine.Open(buyer, seller, listingID, useDiscount)
		if err != nil {
			return err
		}
		tx = opened
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// MarketFund funds the escrow for an open sale from the buyer's balance.
func (n *Node) MarketFund(txID [32]byte, caller [20]byte) error {
	return n.withEngine("market_fund", func(_ *state.Manager, engine *market.Engine, _ *dispute.Registry) error {
		return engine.FundEscrow(txID, caller)
	})
}

// MarketShip records the seller's shipping payload.
func (n *Node) MarketShip(txID [32]byte, caller [20]byte, payload [market.ShippingPayloadSize]byte) error {
	return n.withEngine("market_ship", func(_ *state.Manager, engine *market.Engine, _ *dispute.Registry) error {
		return engine.UpdateShipping(txID, caller, payload)
	})
}

// MarketConfirmDelivery records the buyer's delivery confirmation.
func (n *Node) MarketConfirmDelivery(txID [32]byte, caller [20]byte) error {
	return n.withEngine("market_confirm_delivery", func(_ *state.Manager, engine *market.Engine, _ *dispute.Registry) error {
		return engine.ConfirmDelivery(txID, caller)
	})
}

// MarketConfirmProduct records the buyer's product acceptance.
func (n *Node) MarketConfirmProduct(txID [32]byte, caller [20]byte) error {
	return n.withEngine("market_confirm_product", func(_ *state.Manager, engine *market.Engine, _ *dispute.Registry) error {
		return engine.ConfirmProduct(txID, caller)
	})
}

// MarketClose settles a confirmed sale. The optional referral target must
// match the buyer's stored referral link.
func (n *Node) MarketClose(txID [32]byte, caller [20]byte, referral *[20]byte) error {
	return n.withEngine("market_close", func(_ *state.Manager, engine *market.Engine, _ *dispute.Registry) error {
		return engine.Close(txID, caller, referral)
	})
}

// MarketDecline aborts a pre-shipment sale and refunds any funded escrow.
func (n *Node) MarketDecline(txID [32]byte, caller [20]byte) error {
	return n.withEngine("market_decline", func(_ *state.Manager, engine *market.Engine, _ *dispute.Registry) error {
		return engine.SellerEarlyDecline(txID, caller)
	})
}

// MarketOpenDispute freezes a sale and records the dispute.
func (n *Node) MarketOpenDispute(txID [32]byte, opener [20]byte, threshold uint8) error {
	return n.withEngine("market_open_dispute", func(_ *state.Manager, engine *market.Engine, _ *dispute.Registry) error {
		return engine.OpenDispute(txID, opener, threshold)
	})
}

// MarketResolveDispute writes an arbiter verdict against an open dispute.
// This is the arbitration-side entry; the engine only reads the result.
func (n *Node) MarketResolveDispute(txID [32]byte, favor [20]byte) error {
	return n.withEngine("market_resolve_dispute", func(_ *state.Manager, _ *market.Engine, registry *dispute.Registry) error {
		_, err := registry.Resolve(txID, favor)
		return err
	})
}

// MarketCloseDispute executes a resolved verdict and closes the sale.
func (n *Node) MarketCloseDispute(txID [32]byte) error {
	return n.withEngine("market_close_dispute", func(_ *state.Manager, engine *market.Engine, _ *dispute.Registry) error {
		return engine.CloseDispute(txID)
	})
}

// MarketLeaveReview submits a post-close review for the counterparty.
func (n *Node) MarketLeaveReview(txID [32]byte, reviewer [20]byte, rating uint8) error {
	return n.withEngine("market_leave_review", func(_ *state.Manager, engine *market.Engine, _ *dispute.Registry) error {
		return engine.LeaveReview(txID, reviewer, rating)
	})
}

// SeedListing registers a catalog listing. It stands in for the external
// catalog service and is exposed through the admin RPC surface.
func (n *Node) SeedListing(listing *market.Listing) error {
	return n.withEngine("seed_listing", func(manager *state.Manager, _ *market.Engine, _ *dispute.Registry) error {
		if listing == nil || listing.ID == ([32]byte{}) {
			return fmt.Errorf("core: listing id required")
		}
		return manager.ListingPut(listing)
	})
}

// SeedAccount registers or overwrites an account record.
func (n *Node) SeedAccount(addr [20]byte, acc *types.Account) error {
	return n.withEngine("seed_account", func(manager *state.Manager, _ *market.Engine, _ *dispute.Registry) error {
		if acc == nil {
			return fmt.Errorf("core: nil account")
		}
		return manager.AccountPut(addr, acc)
	})
}

// MarketGet returns the transaction record for id.
func (n *Node) MarketGet(txID [32]byte) (*market.Transaction, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.db)
	tx, ok, err := manager.TransactionGet(txID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, market.ErrTransactionNotFound
	}
	return tx, nil
}

// ListingGet returns the listing record for id.
func (n *Node) ListingGet(id [32]byte) (*market.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.db)
	listing, ok, err := manager.ListingGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, market.ErrListingNotFound
	}
	return listing, nil
}

// AccountGet returns the account record for addr. Missing accounts come back
// zeroed.
func (n *Node) AccountGet(addr [20]byte) (*types.Account, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.db)
	return manager.AccountGet(addr)
}

// DisputeGet returns the dispute record attached to a transaction.
func (n *Node) DisputeGet(txID [32]byte) (*dispute.Dispute, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.db)
	registry := dispute.NewRegistry(manager)
	record, ok, err := registry.Get(txID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dispute.ErrDisputeNotFound
	}
	return record, nil
}

// EscrowBalance returns the tracked escrow balance for a transaction.
func (n *Node) EscrowBalance(txID [32]byte, currency string) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.db)
	balance, err := manager.EscrowBalance(txID, currency)
	if err != nil {
		return nil, err
	}
	return balance, nil
}
