package dispute

// State tracks a dispute from freeze to verdict.
type State uint8

const (
	// StateOpen marks a dispute awaiting an arbiter verdict.
	StateOpen State = iota + 1
	// StateResolved marks a dispute whose verdict has been written and can be
	// executed by the market engine.
	StateResolved
)

// Valid reports whether the state value is supported.
func (s State) Valid() bool {
	return s == StateOpen || s == StateResolved
}

// Dispute is the arbiter-facing record for a frozen transaction. The engine
// never adjudicates; it freezes the sale, hands buyer/seller identities and an
// evidence threshold to the arbiter, and later executes the recorded verdict.
type Dispute struct {
	ID          [32]byte
	Transaction [32]byte
	Buyer       [20]byte
	Seller      [20]byte
	Threshold   uint8
	Funder      [20]byte
	State       State
	Favor       [20]byte
	OpenedAt    int64
}

// Clone returns a copy of the dispute record.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}
