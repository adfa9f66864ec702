package types

// Event is a structured record of a state change produced by the market
// engines. Attributes carry hex-encoded identifiers and decimal amounts so
// downstream consumers never need to decode binary payloads.
type Event struct {
	Type       string
	Attributes map[string]string
}
