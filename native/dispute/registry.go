package dispute

import (
	"errors"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// storage abstracts the subset of state manager functionality required by the
// dispute registry.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

var disputeRecordPrefix = []byte("dispute/record/")

func disputeKey(txID [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", disputeRecordPrefix, txID))
}

var (
	// ErrDisputeExists rejects a second open against a transaction that
	// already carries a dispute record.
	ErrDisputeExists = errors.New("dispute: dispute already opened")
	// ErrDisputeNotFound marks missing dispute records.
	ErrDisputeNotFound = errors.New("dispute: dispute not found")
	// ErrNotOpen is returned when a verdict is written against a dispute that
	// is not awaiting resolution.
	ErrNotOpen = errors.New("dispute: dispute not open")
	// ErrInvalidFavor rejects verdicts favouring a non-participant.
	ErrInvalidFavor = errors.New("dispute: favored party is not a participant")
)

type storedDispute struct {
	ID          [32]byte
	Transaction [32]byte
	Buyer       [20]byte
	Seller      [20]byte
	Threshold   uint8
	Funder      [20]byte
	State       uint8
	Favor       [20]byte
	OpenedAt    uint64
}

// Registry persists one dispute record per frozen transaction. It is the thin
// collaborator surface the market engine consumes via its Arbiter interface;
// verdict writes arrive from the arbitration process, not from the engine.
type Registry struct {
	store storage
	nowFn func() int64
}

// NewRegistry constructs a registry bound to the provided storage backend.
func NewRegistry(store storage) *Registry {
	return &Registry{
		store: store,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (r *Registry) SetNowFunc(now func() int64) {
	if r == nil {
		return
	}
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func (r *Registry) now() int64 {
	if r == nil || r.nowFn == nil {
		return time.Now().Unix()
	}
	return r.nowFn()
}

// Open records a dispute for the supplied transaction and returns its
// deterministic identifier. A transaction may carry at most one dispute; a
// second open fails with ErrDisputeExists.
func (r *Registry) Open(txID [32]byte, buyer, seller [20]byte, threshold uint8, funder [20]byte) ([32]byte, error) {
	if r == nil || r.store == nil {
		return [32]byte{}, fmt.Errorf("dispute: registry not configured")
	}
	key := disputeKey(txID)
	var existing storedDispute
	ok, err := r.store.KVGet(key, &existing)
	if err != nil {
		return [32]byte{}, err
	}
	if ok {
		return [32]byte{}, ErrDisputeExists
	}
	id := ethcrypto.Keccak256Hash([]byte("orbit_dispute"), txID[:])
	record := storedDispute{
		ID:          id,
		Transaction: txID,
		Buyer:       buyer,
		Seller:      seller,
		Threshold:   threshold,
		Funder:      funder,
		State:       uint8(StateOpen),
		OpenedAt:    uint64(r.now()),
	}
	if err := r.store.KVPut(key, &record); err != nil {
		return [32]byte{}, err
	}
	return id, nil
}

// Get fetches the dispute record for a transaction.
func (r *Registry) Get(txID [32]byte) (*Dispute, bool, error) {
	if r == nil || r.store == nil {
		return nil, false, fmt.Errorf("dispute: registry not configured")
	}
	var record storedDispute
	ok, err := r.store.KVGet(disputeKey(txID), &record)
	if err != nil || !ok {
		return nil, false, err
	}
	return record.toDispute(), true, nil
}

// Resolve writes the arbiter verdict for an open dispute. The favored party
// must be one of the recorded participants.
func (r *Registry) Resolve(txID [32]byte, favor [20]byte) (*Dispute, error) {
	if r == nil || r.store == nil {
		return nil, fmt.Errorf("dispute: registry not configured")
	}
	key := disputeKey(txID)
	var record storedDispute
	ok, err := r.store.KVGet(key, &record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if State(record.State) != StateOpen {
		return nil, ErrNotOpen
	}
	if favor != record.Buyer && favor != record.Seller {
		return nil, ErrInvalidFavor
	}
	record.State = uint8(StateResolved)
	record.Favor = favor
	if err := r.store.KVPut(key, &record); err != nil {
		return nil, err
	}
	return record.toDispute(), nil
}

// Remove tears down a consumed dispute record after the market engine has
// executed the verdict payout.
func (r *Registry) Remove(txID [32]byte) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("dispute: registry not configured")
	}
	return r.store.KVDelete(disputeKey(txID))
}

func (d *storedDispute) toDispute() *Dispute {
	if d == nil {
		return nil
	}
	return &Dispute{
		ID:          d.ID,
		Transaction: d.Transaction,
		Buyer:       d.Buyer,
		Seller:      d.Seller,
		Threshold:   d.Threshold,
		Funder:      d.Funder,
		State:       State(d.State),
		Favor:       d.Favor,
		OpenedAt:    int64(d.OpenedAt),
	}
}
