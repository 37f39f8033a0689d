package lending

import (
	"errors"
)

// Error taxonomy of the lending protocol. Every failure surfaces as exactly
// one of these sentinels, possibly joined with an underlying cause via
// errors.Join. Callers match with errors.Is; transport layers map to wire
// codes with ErrCode.
var (
	// ErrNotAuthorized is returned when the tenant cannot be resolved to
	// provisioned per-tenant state.
	ErrNotAuthorized = errors.New("tenant is not authorized")

	// ErrInvalidArgument is returned for malformed inbound identifiers.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBarcodeOutOfRange is returned when a barcode violates the tenant's
	// configured digit-count bounds.
	ErrBarcodeOutOfRange = errors.New("barcode digits out of range")

	// ErrUserNotFound is returned when the user record is absent.
	ErrUserNotFound = errors.New("user not found")

	// ErrBookNotFound is returned when the book record is absent.
	ErrBookNotFound = errors.New("book not found")

	// ErrDataNotFound is returned when a required settings record is absent.
	ErrDataNotFound = errors.New("data not found")

	// ErrDataDuplicated signals a uniqueness-index violation: a search by
	// unique id matched more than one record. Treated as a fatal integrity
	// signal, never retried.
	ErrDataDuplicated = errors.New("data is duplicated")

	// ErrOverBorrowingLimit is returned when the user already holds the
	// maximum number of concurrent loans.
	ErrOverBorrowingLimit = errors.New("over the borrowing limit")

	// ErrNotAllowedToBorrow is returned for books flagged forbidden-to-lend.
	ErrNotAllowedToBorrow = errors.New("book is not allowed to be borrowed")

	// ErrBookNotReturned is the double-lend guard: the book is currently on
	// loan to someone.
	ErrBookNotReturned = errors.New("book is not returned yet")

	// ErrBookNotBorrowed is returned when a return targets a book that is
	// not currently on loan.
	ErrBookNotBorrowed = errors.New("book is not borrowed")

	// ErrSystemError is returned for persistence or lock failures.
	ErrSystemError = errors.New("system error")
)

// Wire codes, kept stable for API compatibility with existing clients.
const (
	CodeNotAuthorized      = 101
	CodeInvalidArgument    = 104
	CodeDataNotFound       = 105
	CodeDataDuplicated     = 106
	CodeOverBorrowingLimit = 107
	CodeBookNotReturned    = 108
	CodeBookNotBorrowed    = 109
	CodeSystemError        = 110
	CodeNotAllowedToBorrow = 111
	CodeUserNotFound       = 112
	CodeBookNotFound       = 113
	CodeBarcodeOutOfRange  = 114
)

// ErrCode maps a protocol error to its stable wire code. Unknown errors map
// to CodeSystemError.
func ErrCode(err error) int {
	switch {
	case errors.Is(err, ErrNotAuthorized):
		return CodeNotAuthorized
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrBarcodeOutOfRange):
		return CodeBarcodeOutOfRange
	case errors.Is(err, ErrUserNotFound):
		return CodeUserNotFound
	case errors.Is(err, ErrBookNotFound):
		return CodeBookNotFound
	case errors.Is(err, ErrDataNotFound):
		return CodeDataNotFound
	case errors.Is(err, ErrDataDuplicated):
		return CodeDataDuplicated
	case errors.Is(err, ErrOverBorrowingLimit):
		return CodeOverBorrowingLimit
	case errors.Is(err, ErrNotAllowedToBorrow):
		return CodeNotAllowedToBorrow
	case errors.Is(err, ErrBookNotReturned):
		return CodeBookNotReturned
	case errors.Is(err, ErrBookNotBorrowed):
		return CodeBookNotBorrowed
	default:
		return CodeSystemError
	}
}
