package ledger

import "errors"

// Business-rule failures. Service methods return these (wrapped with
// detail) instead of panicking; the HTTP layer maps them to status codes
// and every failure leaves all four aggregates untouched.
var (
	// ErrValidation is returned for non-positive share counts or amounts.
	ErrValidation = errors.New("ledger: invalid argument")

	// ErrNotFound is returned when a property, wallet or portfolio is missing.
	ErrNotFound = errors.New("ledger: not found")

	// ErrPositionNotFound is returned when no position exists for the
	// (user, property) pair.
	ErrPositionNotFound = errors.New("ledger: position not found")

	// ErrInsufficientFunds is returned when the wallet cannot cover a purchase.
	ErrInsufficientFunds = errors.New("ledger: insufficient wallet balance")

	// ErrInsufficientShares is returned when the property inventory or the
	// position cannot cover the requested share count.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")

	// ErrInvestmentsDisabled is returned when the property is not accepting
	// investments.
	ErrInvestmentsDisabled = errors.New("ledger: investments disabled for property")

	// ErrNoPendingRequest is returned by ApproveSell when the position has
	// no sell request waiting.
	ErrNoPendingRequest = errors.New("ledger: no pending sell request")
)
