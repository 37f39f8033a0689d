package lending

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	logMsgBookStillInCache    = "borrow rejected, book is hit in the cache"
	logMsgBookNotInCache      = "return rejected, book is not hit in the cache"
	logMsgBookNotInUserRecord = "return rejected, book is not in the user record"
	logMsgBookUpdateFailed    = "updating book borrowed-count failed, continuing"
	logMsgBorrowCompleted     = "borrow completed"
	logMsgReturnCompleted     = "return completed"

	logAttrOperationID   = "operation_id"
	logAttrTenant        = "tenant"
	logAttrUserID        = "user_id"
	logAttrBookID        = "book_id"
	logAttrTransactionID = "transaction_id"
	logAttrError         = "error"
	logAttrDurationMS    = "duration_ms"

	operationBorrow = "borrow"
	operationReturn = "return"

	statusOK    = "ok"
	statusError = "error"
)

// WorkRequest is one inbound borrow/return request with string-encoded
// identifiers, as delivered by the routing layer. An empty UserID together
// with a non-empty ReturnBookID is a kiosk drop-off: the holder is resolved
// through the borrow cache.
type WorkRequest struct {
	UserID       string
	BorrowBookID string
	ReturnBookID string
}

// Reply is the protocol result: the updated user snapshot with outstanding
// loans ordered most-recent-first, and for returns the receipt fields.
type Reply struct {
	User              User
	BorrowedBooks     []BorrowedBook
	ReturnedBookTitle string
	ReturnedBookID    uint32
}

// Protocol orchestrates borrow and return against the persistence contract
// and the per-tenant state supplied by the Registry. It performs no I/O
// while holding a lock; the ordered mutation sequence is documented on
// Borrow and Return.
type Protocol struct {
	store    Store
	registry *Registry
	logger   Logger
	metrics  MetricsCollector
	now      func() time.Time
}

// ProtocolOption defines a functional option for configuring a Protocol.
type ProtocolOption func(*Protocol) error

// WithLogger sets the logger for the protocol.
func WithLogger(logger Logger) ProtocolOption {
	return func(p *Protocol) error {
		p.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the protocol.
func WithMetrics(collector MetricsCollector) ProtocolOption {
	return func(p *Protocol) error {
		p.metrics = collector
		return nil
	}
}

// WithClock overrides the time source, for tests that pin deadlines.
func WithClock(now func() time.Time) ProtocolOption {
	return func(p *Protocol) error {
		p.now = now
		return nil
	}
}

// NewProtocol creates a Protocol with optional configuration.
func NewProtocol(store Store, registry *Registry, options ...ProtocolOption) (*Protocol, error) {
	p := &Protocol{
		store:    store,
		registry: registry,
		now:      time.Now,
	}

	for _, option := range options {
		if err := option(p); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Process executes one inbound request: it resolves the tenant, validates
// the barcode digit counts, dispatches to the borrow and/or return flow and
// assembles the Reply. Identifier parsing failures surface as
// ErrInvalidArgument before any state is touched.
func (p *Protocol) Process(ctx context.Context, tenantName string, request WorkRequest) (Reply, error) {
	var reply Reply

	operationID := uuid.New()

	tenant, err := p.registry.Resolve(tenantName)
	if err != nil {
		return reply, err
	}

	if err := checkBarcodeDigits(tenant.Settings.Barcode, request); err != nil {
		return reply, err
	}

	// Kiosk drop-off: no user id, only a returned book.
	if request.UserID == "" && request.BorrowBookID == "" && request.ReturnBookID != "" {
		bookID, parseErr := ParseID(request.ReturnBookID)
		if parseErr != nil {
			return reply, parseErr
		}

		user := User{}
		title, returnedID, returnErr := p.unborrowBook(ctx, operationID, tenant, &user, bookID)
		if returnErr != nil {
			return reply, returnErr
		}

		reply.User = user
		reply.ReturnedBookTitle = title
		reply.ReturnedBookID = returnedID
		reply.BorrowedBooks = newestFirst(user.BorrowedBooks)

		return reply, nil
	}

	userID, err := ParseID(request.UserID)
	if err != nil {
		return reply, err
	}

	user, err := p.findUser(ctx, tenant.Name, userID)
	if err != nil {
		return reply, err
	}

	if request.BorrowBookID != "" {
		bookID, parseErr := ParseID(request.BorrowBookID)
		if parseErr != nil {
			return reply, parseErr
		}

		if borrowErr := p.borrowBook(ctx, operationID, tenant, &user, bookID); borrowErr != nil {
			return reply, borrowErr
		}
	}

	if request.ReturnBookID != "" {
		bookID, parseErr := ParseID(request.ReturnBookID)
		if parseErr != nil {
			return reply, parseErr
		}

		title, returnedID, returnErr := p.unborrowBook(ctx, operationID, tenant, &user, bookID)
		if returnErr != nil {
			return reply, returnErr
		}

		reply.ReturnedBookTitle = title
		reply.ReturnedBookID = returnedID
	}

	reply.User = user
	reply.BorrowedBooks = newestFirst(user.BorrowedBooks)

	return reply, nil
}

// Borrow lends the book to the user and returns the updated user snapshot.
//
// Mutation order is fixed so the durable borrow-cache state trails
// persistence: validate, reserve the cache entry (atomic insert-if-absent,
// the double-lend guard), allocate the transaction id, persist the user,
// persist the book counter best-effort, upsert the ledger row. Every
// failure after the reservation releases it again, so a failed borrow
// leaves the cache without an entry for the book.
func (p *Protocol) Borrow(ctx context.Context, tenantName string, userID uint32, bookID uint32) (User, error) {
	operationID := uuid.New()

	tenant, err := p.registry.Resolve(tenantName)
	if err != nil {
		return User{}, err
	}

	user, err := p.findUser(ctx, tenant.Name, userID)
	if err != nil {
		return User{}, err
	}

	if err := p.borrowBook(ctx, operationID, tenant, &user, bookID); err != nil {
		return User{}, err
	}

	return user, nil
}

// Return takes the book back. A zero userID resolves the holder through the
// borrow cache (kiosk drop-off). It returns the updated user snapshot plus
// the returned book's title and id for the receipt.
func (p *Protocol) Return(ctx context.Context, tenantName string, userID uint32, bookID uint32) (User, string, uint32, error) {
	operationID := uuid.New()

	tenant, err := p.registry.Resolve(tenantName)
	if err != nil {
		return User{}, "", 0, err
	}

	user := User{}
	if userID != 0 {
		user, err = p.findUser(ctx, tenant.Name, userID)
		if err != nil {
			return User{}, "", 0, err
		}
	}

	title, returnedID, err := p.unborrowBook(ctx, operationID, tenant, &user, bookID)
	if err != nil {
		return User{}, "", 0, err
	}

	return user, title, returnedID, nil
}

// History searches the tenant's transaction ledger for audit and export.
// An empty result is not an error.
func (p *Protocol) History(ctx context.Context, tenantName string, query TransactionQuery) ([]TransactionItem, error) {
	tenant, err := p.registry.Resolve(tenantName)
	if err != nil {
		return nil, err
	}

	items, err := p.store.SearchTransactions(ctx, tenant.Name, query)
	if err != nil {
		return nil, errors.Join(ErrSystemError, err)
	}

	return items, nil
}

func (p *Protocol) borrowBook(
	ctx context.Context,
	operationID uuid.UUID,
	tenant *Tenant,
	user *User,
	bookID uint32,
) error {

	start := p.now()

	err := p.executeBorrow(ctx, operationID, tenant, user, bookID)
	p.recordOperation(operationBorrow, tenant.Name, p.now().Sub(start), err)

	return err
}

func (p *Protocol) executeBorrow(
	ctx context.Context,
	operationID uuid.UUID,
	tenant *Tenant,
	user *User,
	bookID uint32,
) error {

	if uint32(len(user.BorrowedBooks)) >= tenant.Settings.Rental.NumBooks {
		return ErrOverBorrowingLimit
	}

	book, err := p.findBook(ctx, tenant.Name, bookID)
	if err != nil {
		return err
	}

	if book.Forbidden {
		return ErrNotAllowedToBorrow
	}

	now := p.now().In(tenant.Settings.Location())
	deadline := now.AddDate(0, 0, int(tenant.Settings.Rental.NumDays)).Format(TimeLayout)

	// The double-lend guard: existence check and insert in one critical
	// section. From here on every failure path must release the entry.
	if holder, reserved := tenant.Cache.Reserve(book.ID, user.ID, deadline); !reserved {
		p.logInfo(logMsgBookStillInCache,
			logAttrOperationID, operationID.String(),
			logAttrTenant, tenant.Name,
			logAttrBookID, book.ID,
			logAttrUserID, holder.OwnerID,
		)

		return ErrBookNotReturned
	}

	transactionID := tenant.Counter.Next()
	loan := NewBorrowedBook(&book, now, tenant.Settings.Rental.NumDays, transactionID)

	user.BorrowedBooks = append(user.BorrowedBooks, loan)
	user.BorrowedCount++

	if updateErr := p.store.UpdateUser(ctx, tenant.Name, user); updateErr != nil {
		tenant.Cache.Unborrow(book.ID)
		return errors.Join(ErrSystemError, updateErr)
	}

	// The borrowed-count is a denormalized lifetime counter; a failed write
	// is logged and swallowed rather than failing the borrow.
	book.BorrowedCount++
	if updateErr := p.store.UpdateBook(ctx, tenant.Name, &book); updateErr != nil {
		p.logWarn(logMsgBookUpdateFailed,
			logAttrOperationID, operationID.String(),
			logAttrTenant, tenant.Name,
			logAttrBookID, book.ID,
			logAttrError, updateErr.Error(),
		)
	}

	item := TransactionItem{
		ID:           transactionID,
		UserID:       user.ID,
		UserName:     user.Name,
		BookID:       book.ID,
		BookTitle:    book.Title,
		BorrowedDate: loan.BorrowedDate,
	}

	if upsertErr := p.store.UpsertTransaction(ctx, tenant.Name, &item); upsertErr != nil {
		// The user record is already persisted with the loan; releasing the
		// reservation keeps the cache biased toward "not currently out"
		// until the start-up reconciliation, per the accepted inconsistency
		// window.
		tenant.Cache.Unborrow(book.ID)
		return errors.Join(ErrSystemError, upsertErr)
	}

	p.recordCacheSize(tenant)
	p.logInfo(logMsgBorrowCompleted,
		logAttrOperationID, operationID.String(),
		logAttrTenant, tenant.Name,
		logAttrUserID, user.ID,
		logAttrBookID, book.ID,
		logAttrTransactionID, transactionID,
	)

	return nil
}

func (p *Protocol) unborrowBook(
	ctx context.Context,
	operationID uuid.UUID,
	tenant *Tenant,
	user *User,
	bookID uint32,
) (string, uint32, error) {

	start := p.now()

	title, returnedID, err := p.executeUnborrow(ctx, operationID, tenant, user, bookID)
	p.recordOperation(operationReturn, tenant.Name, p.now().Sub(start), err)

	return title, returnedID, err
}

func (p *Protocol) executeUnborrow(
	ctx context.Context,
	operationID uuid.UUID,
	tenant *Tenant,
	user *User,
	bookID uint32,
) (string, uint32, error) {

	book, err := p.findBook(ctx, tenant.Name, bookID)
	if err != nil {
		return "", 0, err
	}

	// Resolve the holder through the cache for a book-id-only return.
	if user.ID == 0 {
		entry, ok := tenant.Cache.Get(book.ID)
		if !ok {
			p.logInfo(logMsgBookNotInCache,
				logAttrOperationID, operationID.String(),
				logAttrTenant, tenant.Name,
				logAttrBookID, book.ID,
			)

			return "", 0, ErrBookNotBorrowed
		}

		*user, err = p.findUser(ctx, tenant.Name, entry.OwnerID)
		if err != nil {
			return "", 0, err
		}
	}

	loan, found := removeLoan(user, book.ID)
	if !found {
		p.logInfo(logMsgBookNotInUserRecord,
			logAttrOperationID, operationID.String(),
			logAttrTenant, tenant.Name,
			logAttrUserID, user.ID,
			logAttrBookID, book.ID,
		)

		return "", 0, ErrBookNotBorrowed
	}

	if updateErr := p.store.UpdateUser(ctx, tenant.Name, user); updateErr != nil {
		return "", 0, errors.Join(ErrSystemError, updateErr)
	}

	now := p.now().In(tenant.Settings.Location())
	item := TransactionItem{
		ID:           loan.TransactionID,
		UserID:       user.ID,
		UserName:     user.Name,
		BookID:       book.ID,
		BookTitle:    book.Title,
		BorrowedDate: loan.BorrowedDate,
		ReturnedDate: now.Format(TimeLayout),
	}

	if upsertErr := p.store.UpsertTransaction(ctx, tenant.Name, &item); upsertErr != nil {
		return "", 0, errors.Join(ErrSystemError, upsertErr)
	}

	// The cache entry goes last, after persistence has succeeded.
	tenant.Cache.Unborrow(book.ID)

	p.recordCacheSize(tenant)
	p.logInfo(logMsgReturnCompleted,
		logAttrOperationID, operationID.String(),
		logAttrTenant, tenant.Name,
		logAttrUserID, user.ID,
		logAttrBookID, book.ID,
		logAttrTransactionID, loan.TransactionID,
	)

	return book.Title, book.ID, nil
}

func (p *Protocol) findUser(ctx context.Context, tenant string, userID uint32) (User, error) {
	users, err := p.store.SearchUsers(ctx, tenant, UserQuery{ID: userID})
	if err != nil {
		return User{}, errors.Join(ErrUserNotFound, err)
	}

	switch len(users) {
	case 0:
		return User{}, ErrUserNotFound
	case 1:
		return users[0], nil
	default:
		return User{}, ErrDataDuplicated
	}
}

func (p *Protocol) findBook(ctx context.Context, tenant string, bookID uint32) (Book, error) {
	books, err := p.store.SearchBooks(ctx, tenant, BookQuery{ID: bookID})
	if err != nil {
		return Book{}, errors.Join(ErrBookNotFound, err)
	}

	switch len(books) {
	case 0:
		return Book{}, ErrBookNotFound
	case 1:
		return books[0], nil
	default:
		return Book{}, ErrDataDuplicated
	}
}

// removeLoan deletes the loan for the book from the user's list, preserving
// the borrow order of the remaining loans.
func removeLoan(user *User, bookID uint32) (BorrowedBook, bool) {
	for i, loan := range user.BorrowedBooks {
		if loan.BookID == bookID {
			user.BorrowedBooks = append(user.BorrowedBooks[:i], user.BorrowedBooks[i+1:]...)
			return loan, true
		}
	}

	return BorrowedBook{}, false
}

// newestFirst copies the loans in reverse borrow order for the reply.
func newestFirst(loans []BorrowedBook) []BorrowedBook {
	ordered := make([]BorrowedBook, 0, len(loans))
	for i := len(loans) - 1; i >= 0; i-- {
		ordered = append(ordered, loans[i])
	}

	return ordered
}

func checkBarcodeDigits(setting BarcodeSetting, request WorkRequest) error {
	if err := checkDigits(setting.UserKetaMin, setting.UserKetaMax, request.UserID); err != nil {
		return err
	}

	if err := checkDigits(setting.BookKetaMin, setting.BookKetaMax, request.BorrowBookID); err != nil {
		return err
	}

	return checkDigits(setting.BookKetaMin, setting.BookKetaMax, request.ReturnBookID)
}

func checkDigits(ketaMin uint32, ketaMax uint32, data string) error {
	if data == "" || ketaMax == 0 {
		return nil
	}

	length := uint32(len(data))
	if ketaMin <= length && length <= ketaMax {
		return nil
	}

	return ErrBarcodeOutOfRange
}

func (p *Protocol) recordOperation(operation string, tenant string, duration time.Duration, err error) {
	if p.metrics == nil {
		return
	}

	status := statusOK
	if err != nil {
		status = statusError
	}

	labels := map[string]string{
		LabelOperation: operation,
		LabelStatus:    status,
		LabelTenant:    tenant,
	}

	p.metrics.IncrementCounter(MetricOperations, labels)
	p.metrics.RecordDuration(MetricOperationDuration, duration, labels)
}

func (p *Protocol) recordCacheSize(tenant *Tenant) {
	if p.metrics == nil {
		return
	}

	p.metrics.RecordValue(MetricCacheEntries, float64(tenant.Cache.Len()), map[string]string{
		LabelTenant: tenant.Name,
	})
}

func (p *Protocol) logInfo(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}

func (p *Protocol) logWarn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}
