package lending

import (
	"context"
	"errors"
)

// Storage errors shared by the database-backed Store implementations.
var (
	// ErrNilDatabaseConnection is returned by engine constructors given a nil handle.
	ErrNilDatabaseConnection = errors.New("database connection must not be nil")

	// ErrEmptyTablePrefix is returned when an empty table prefix is configured.
	ErrEmptyTablePrefix = errors.New("table prefix must not be empty")

	// ErrBuildingQueryFailed is returned when SQL generation fails.
	ErrBuildingQueryFailed = errors.New("building the query failed")

	// ErrQueryingStoreFailed is returned when a select against the store fails.
	ErrQueryingStoreFailed = errors.New("querying the store failed")

	// ErrScanningDBRowFailed is returned when a result row cannot be scanned.
	ErrScanningDBRowFailed = errors.New("scanning the database row failed")

	// ErrDecodingPayloadFailed is returned when a stored payload cannot be decoded.
	ErrDecodingPayloadFailed = errors.New("decoding the record payload failed")

	// ErrExecutingStatementFailed is returned when a mutating statement fails.
	ErrExecutingStatementFailed = errors.New("executing the statement failed")

	// ErrNoRecordUpdated is returned when an update matched no existing record.
	ErrNoRecordUpdated = errors.New("no record was updated")
)

// UserQuery selects user records. A zero ID matches all users of the tenant.
type UserQuery struct {
	ID uint32
}

// BookQuery selects book records. A zero ID matches all books of the tenant.
type BookQuery struct {
	ID uint32
}

// TransactionQuery selects ledger rows. Zero-valued fields are ignored, so
// the zero query scans the whole ledger of the tenant.
type TransactionQuery struct {
	ID     uint32
	UserID uint32
	BookID uint32
}

// UserStore is the persistence contract for user records.
//
// SearchUsers returns every match for the query; the protocol applies the
// uniqueness rule itself (an exact-id query matching more than one record is
// an integrity violation). Results are ordered by id.
type UserStore interface {
	SearchUsers(ctx context.Context, tenant string, query UserQuery) ([]User, error)
	InsertUser(ctx context.Context, tenant string, user *User) error
	UpdateUser(ctx context.Context, tenant string, user *User) error
	DeleteUser(ctx context.Context, tenant string, id uint32) error
}

// BookStore is the persistence contract for book records.
type BookStore interface {
	SearchBooks(ctx context.Context, tenant string, query BookQuery) ([]Book, error)
	InsertBook(ctx context.Context, tenant string, book *Book) error
	UpdateBook(ctx context.Context, tenant string, book *Book) error
	DeleteBook(ctx context.Context, tenant string, id uint32) error
}

// LedgerStore is the persistence contract for the transaction ledger.
//
// UpsertTransaction inserts or replaces the row keyed by the ring-counter
// id. MaxTransactionID returns the highest id present, 0 for an empty
// ledger; it seeds the per-tenant counter at provisioning.
type LedgerStore interface {
	UpsertTransaction(ctx context.Context, tenant string, item *TransactionItem) error
	SearchTransactions(ctx context.Context, tenant string, query TransactionQuery) ([]TransactionItem, error)
	MaxTransactionID(ctx context.Context, tenant string) (uint32, error)
}

// SettingStore is the persistence contract for tenant settings records.
type SettingStore interface {
	SearchRentalSettings(ctx context.Context, tenant string) ([]RentalSetting, error)
	InsertRentalSetting(ctx context.Context, tenant string, setting *RentalSetting) error
	SearchBarcodeSettings(ctx context.Context, tenant string) ([]BarcodeSetting, error)
	InsertBarcodeSetting(ctx context.Context, tenant string, setting *BarcodeSetting) error
}

// Store is the full persistence contract the engine consumes. The engine
// only ever issues exact-id lookups, whole-tenant scans, and upserts-by-id;
// it never implements storage itself.
type Store interface {
	UserStore
	BookStore
	LedgerStore
	SettingStore

	// DropTenant removes every record of the tenant. Called when a tenant
	// is deprovisioned, after its Registry entry is gone.
	DropTenant(ctx context.Context, tenant string) error
}
