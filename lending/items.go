package lending

import (
	"errors"
	"strconv"
	"time"
)

// TimeLayout is the wire format for borrow/return timestamps and deadlines,
// kept stable because ledger rows and loan snapshots store formatted strings.
const TimeLayout = "2006/01/02 15:04"

const (
	defaultMaxBorrowingBooks = 10
	defaultBorrowingDays     = 14
)

// User is a library member record. BorrowedBooks holds the outstanding
// loans in borrow order; BorrowedCount is a lifetime counter and is never
// decremented on return.
type User struct {
	ID            uint32         `json:"id"`
	Name          string         `json:"name"`
	Kana          string         `json:"kana"`
	Category      string         `json:"category"`
	Grade         string         `json:"grade"`
	Remark        string         `json:"remark"`
	RegisterDate  string         `json:"register_date"`
	BorrowedCount uint32         `json:"borrowed_count"`
	BorrowedBooks []BorrowedBook `json:"borrowed_books"`
}

// Book is a catalog record. Forbidden marks reference-only items that must
// never be lent. BorrowedCount is a lifetime circulation counter.
type Book struct {
	ID            uint32 `json:"id"`
	Title         string `json:"title"`
	Location      string `json:"location"`
	Author        string `json:"author"`
	Publisher     string `json:"publisher"`
	Kana          string `json:"kana"`
	Forbidden     bool   `json:"forbidden"`
	Remark        string `json:"remark"`
	RegisterDate  string `json:"register_date"`
	BorrowedCount uint32 `json:"borrowed_count"`
}

// BorrowedBook is one outstanding loan embedded in a User record.
// Title and location are value snapshots taken at borrow time; later edits
// to the Book record must not retroactively alter them.
type BorrowedBook struct {
	BookID         uint32 `json:"book_id"`
	BookTitle      string `json:"book_title"`
	BorrowedDate   string `json:"borrowed_date"`
	ReturnDeadline string `json:"return_deadline"`
	TransactionID  uint32 `json:"transaction_id"`
	Location       string `json:"location"`
}

// NewBorrowedBook builds the loan snapshot for a borrow happening at the
// given time, with the deadline pushed out by the tenant's rental period.
func NewBorrowedBook(book *Book, now time.Time, borrowingDays uint32, transactionID uint32) BorrowedBook {
	deadline := now.AddDate(0, 0, int(borrowingDays))

	return BorrowedBook{
		BookID:         book.ID,
		BookTitle:      book.Title,
		BorrowedDate:   now.Format(TimeLayout),
		ReturnDeadline: deadline.Format(TimeLayout),
		TransactionID:  transactionID,
		Location:       book.Location,
	}
}

// TransactionItem is one ledger row, upserted by its ring-counter id.
// ReturnedDate stays empty until the book comes back.
type TransactionItem struct {
	ID           uint32 `json:"id"`
	UserID       uint32 `json:"user_id"`
	UserName     string `json:"user_name"`
	BookID       uint32 `json:"book_id"`
	BookTitle    string `json:"book_title"`
	BorrowedDate string `json:"borrowed_date"`
	ReturnedDate string `json:"returned_date"`
}

// RentalSetting holds the per-tenant lending limits.
type RentalSetting struct {
	ID       uint32 `json:"id"`
	NumBooks uint32 `json:"num_books"`
	NumDays  uint32 `json:"num_days"`
}

// DefaultRentalSetting returns the limits used when a tenant has not
// configured any.
func DefaultRentalSetting() RentalSetting {
	return RentalSetting{
		ID:       1,
		NumBooks: defaultMaxBorrowingBooks,
		NumDays:  defaultBorrowingDays,
	}
}

// BarcodeSetting constrains the digit counts of user and book barcodes.
// A zero-valued setting disables the checks.
type BarcodeSetting struct {
	ID          uint32 `json:"id"`
	UserKetaMin uint32 `json:"user_keta_min"`
	UserKetaMax uint32 `json:"user_keta_max"`
	BookKetaMin uint32 `json:"book_keta_min"`
	BookKetaMax uint32 `json:"book_keta_max"`
}

// TenantSettings is the per-tenant snapshot held by the Registry.
type TenantSettings struct {
	Rental          RentalSetting
	Barcode         BarcodeSetting
	MaxTransactions uint32
	TimeZone        string
}

// Location resolves the tenant time zone name, falling back to UTC when the
// zone is unknown to the runtime.
func (ts TenantSettings) Location() *time.Location {
	name := ts.TimeZone
	switch name {
	case "", "Tokyo":
		name = "Asia/Tokyo"
	case "Berlin":
		name = "Europe/Berlin"
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}

	return loc
}

// ParseID converts a string-encoded identifier (user or book barcode) to its
// numeric form. Failures are reported as ErrInvalidArgument.
func ParseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Join(ErrInvalidArgument, err)
	}

	return uint32(id), nil
}
