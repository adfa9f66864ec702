package market

import "errors"

// Typed guard errors surfaced by the engine. Every guard violation aborts the
// whole operation; callers match with errors.Is and resubmit after correcting
// state.
var (
	// ErrAuthorization marks calls from an identity the current transition
	// does not accept (wrong party, duplicate review, self-review).
	ErrAuthorization = errors.New("market: caller not authorized")
	// ErrDisputeExists rejects a second freeze attempt on a transaction whose
	// dispute record already exists.
	ErrDisputeExists = errors.New("market: dispute already opened")
	// ErrInvalidSellerForListing is returned when the supplied seller does not
	// own the listing being purchased.
	ErrInvalidSellerForListing = errors.New("market: invalid seller for listing")
	// ErrInvalidReferral marks a referral target that does not match the
	// buyer's recorded referral link.
	ErrInvalidReferral = errors.New("market: invalid referral target")
	// ErrNotParticipant rejects callers that are neither buyer nor seller.
	ErrNotParticipant = errors.New("market: not a transaction participant")
	// ErrDeliveryNotConfirmed is returned when the buyer attempts to confirm
	// the product before confirming delivery.
	ErrDeliveryNotConfirmed = errors.New("market: delivery not confirmed")
	// ErrInvalidRating rejects ratings outside the 1..5 range.
	ErrInvalidRating = errors.New("market: rating out of range")
	// ErrInsufficientEscrow marks a payout attempt exceeding the tracked
	// escrow balance, or a funding transfer the buyer cannot cover.
	ErrInsufficientEscrow = errors.New("market: insufficient escrow funds")
	// ErrStateGuard is the generic status-transition violation.
	ErrStateGuard = errors.New("market: status transition not allowed")
	// ErrListingExhausted is returned when a purchase races the last unit of a
	// listing and loses.
	ErrListingExhausted = errors.New("market: listing quantity exhausted")
	// ErrListingNotFound marks a purchase against an unknown listing.
	ErrListingNotFound = errors.New("market: listing not found")
	// ErrTransactionNotFound marks operations against an unknown transaction.
	ErrTransactionNotFound = errors.New("market: transaction not found")
)
