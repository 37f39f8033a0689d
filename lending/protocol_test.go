package lending_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibliocirc/lending-engine-go/lending"
	"github.com/bibliocirc/lending-engine-go/testutil/memstore"
)

const testTenant = "northlib"

var fixedNow = time.Date(2026, time.August, 30, 10, 0, 0, 0, time.UTC)

type fixture struct {
	ctx      context.Context
	store    *memstore.Store
	registry *lending.Registry
	protocol *lending.Protocol
	tenant   *lending.Tenant
}

// newFixture provisions one tenant with the given loan limit and a 14-day
// rental period, and wires a protocol with a fixed clock.
func newFixture(t *testing.T, numBooks uint32) *fixture {
	t.Helper()

	ctx := context.Background()
	store := memstore.New()

	err := store.InsertRentalSetting(ctx, testTenant, &lending.RentalSetting{ID: 1, NumBooks: numBooks, NumDays: 14})
	require.NoError(t, err)

	registry := lending.NewRegistry()
	tenant, err := registry.Provision(ctx, store, testTenant, lending.TenantSettings{
		MaxTransactions: 2000,
		TimeZone:        "UTC",
	})
	require.NoError(t, err)

	protocol, err := lending.NewProtocol(store, registry,
		lending.WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)

	return &fixture{
		ctx:      ctx,
		store:    store,
		registry: registry,
		protocol: protocol,
		tenant:   tenant,
	}
}

func (f *fixture) seedUser(t *testing.T, id uint32, name string) {
	t.Helper()
	err := f.store.InsertUser(f.ctx, testTenant, &lending.User{ID: id, Name: name})
	require.NoError(t, err)
}

func (f *fixture) seedBook(t *testing.T, id uint32, title string, forbidden bool) {
	t.Helper()
	err := f.store.InsertBook(f.ctx, testTenant, &lending.Book{
		ID:        id,
		Title:     title,
		Location:  "shelf A",
		Forbidden: forbidden,
	})
	require.NoError(t, err)
}

func (f *fixture) storedUser(t *testing.T, id uint32) lending.User {
	t.Helper()
	users, err := f.store.SearchUsers(f.ctx, testTenant, lending.UserQuery{ID: id})
	require.NoError(t, err)
	require.Len(t, users, 1)
	return users[0]
}

func (f *fixture) storedBook(t *testing.T, id uint32) lending.Book {
	t.Helper()
	books, err := f.store.SearchBooks(f.ctx, testTenant, lending.BookQuery{ID: id})
	require.NoError(t, err)
	require.Len(t, books, 1)
	return books[0]
}

// assertCacheMatchesStore checks the core invariant: a book id is in the
// cache iff exactly one persisted user currently holds it.
func (f *fixture) assertCacheMatchesStore(t *testing.T) {
	t.Helper()

	users, err := f.store.SearchUsers(f.ctx, testTenant, lending.UserQuery{})
	require.NoError(t, err)

	holders := make(map[uint32]int)
	for _, user := range users {
		for _, loan := range user.BorrowedBooks {
			holders[loan.BookID]++
		}
	}

	for bookID, count := range holders {
		assert.Equal(t, 1, count, "book %d held by %d users", bookID, count)
		_, ok := f.tenant.Cache.Get(bookID)
		assert.True(t, ok, "book %d on loan but missing from cache", bookID)
	}
	assert.Equal(t, len(holders), f.tenant.Cache.Len())
}

func Test_Borrow_Success(t *testing.T) {
	// arrange
	f := newFixture(t, 10)
	f.seedUser(t, 1, "Asta")
	f.seedBook(t, 10, "The Sea Wall", false)

	// act
	user, err := f.protocol.Borrow(f.ctx, testTenant, 1, 10)

	// assert
	require.NoError(t, err)
	require.Len(t, user.BorrowedBooks, 1)

	loan := user.BorrowedBooks[0]
	assert.Equal(t, uint32(10), loan.BookID)
	assert.Equal(t, "The Sea Wall", loan.BookTitle)
	assert.Equal(t, "shelf A", loan.Location)
	assert.Equal(t, uint32(1), loan.TransactionID)
	assert.Equal(t, fixedNow.Format(lending.TimeLayout), loan.BorrowedDate)
	assert.Equal(t, fixedNow.AddDate(0, 0, 14).Format(lending.TimeLayout), loan.ReturnDeadline)

	entry, ok := f.tenant.Cache.Get(10)
	require.True(t, ok)
	assert.Equal(t, uint32(1), entry.OwnerID)
	assert.Equal(t, loan.ReturnDeadline, entry.ReturnDeadline)

	assert.Equal(t, uint32(1), f.storedUser(t, 1).BorrowedCount)
	assert.Equal(t, uint32(1), f.storedBook(t, 10).BorrowedCount)

	items, err := f.store.SearchTransactions(f.ctx, testTenant, lending.TransactionQuery{ID: 1})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Asta", items[0].UserName)
	assert.Empty(t, items[0].ReturnedDate)

	f.assertCacheMatchesStore(t)
}

func Test_Borrow_SameBookTwice_SecondIsRejected(t *testing.T) {
	// arrange
	f := newFixture(t, 10)
	f.seedUser(t, 1, "Asta")
	f.seedUser(t, 2, "Bruno")
	f.seedBook(t, 10, "The Sea Wall", false)

	_, err := f.protocol.Borrow(f.ctx, testTenant, 1, 10)
	require.NoError(t, err)

	// act
	_, err = f.protocol.Borrow(f.ctx, testTenant, 2, 10)

	// assert
	assert.ErrorIs(t, err, lending.ErrBookNotReturned)
	f.assertCacheMatchesStore(t)
}

func Test_Borrow_SucceedsForSecondUserAfterReturn(t *testing.T) {
	// arrange
	f := newFixture(t, 10)
	f.seedUser(t, 1, "Asta")
	f.seedUser(t, 2, "Bruno")
	f.seedBook(t, 10, "The Sea Wall", false)

	_, err := f.protocol.Borrow(f.ctx, testTenant, 1, 10)
	require.NoError(t, err)

	_, err = f.protocol.Borrow(f.ctx, testTenant, 2, 10)
	require.ErrorIs(t, err, lending.ErrBookNotReturned)

	_, _, _, err = f.protocol.Return(f.ctx, testTenant, 1, 10)
	require.NoError(t, err)

	// act
	user, err := f.protocol.Borrow(f.ctx, testTenant, 2, 10)

	// assert
	require.NoError(t, err)
	require.Len(t, user.BorrowedBooks, 1)
	assert.Equal(t, uint32(10), user.BorrowedBooks[0].BookID)

	entry, ok := f.tenant.Cache.Get(10)
	require.True(t, ok)
	assert.Equal(t, uint32(2), entry.OwnerID)
	f.assertCacheMatchesStore(t)
}

func Test_Borrow_ForbiddenBook_MutatesNothing(t *testing.T) {
	// arrange
	f := newFixture(t, 10)
	f.seedUser(t, 1, "Asta")
	f.seedBook(t, 10, "Rare Atlas", true)

	// act
	_, err := f.protocol.Borrow(f.ctx, testTenant, 1, 10)

	// assert
	assert.ErrorIs(t, err, lending.ErrNotAllowedToBorrow)
	assert.Equal(t, 0, f.tenant.Cache.Len())
	assert.Empty(t, f.storedUser(t, 1).BorrowedBooks)
	assert.Zero(t, f.storedBook(t, 10).BorrowedCount)

	items, err := f.store.SearchTransactions(f.ctx, testTenant, lending.TransactionQuery{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func Test_Borrow_OverBorrowingLimit_RegardlessOfTargetBook(t *testing.T) {
	// arrange
	f := newFixture(t, 2)
	f.seedUser(t, 1, "Asta")
	for id := uint32(10); id <= 12; id++ {
		f.seedBook(t, id, "Title", false)
	}

	_, err := f.protocol.Borrow(f.ctx, testTenant, 1, 10)
	require.NoError(t, err)
	_, err = f.protocol.Borrow(f.ctx, testTenant, 1, 11)
	require.NoError(t, err)

	// act
	_, err = f.protocol.Borrow(f.ctx, testTenant, 1, 12)

	// assert
	assert.ErrorIs(t, err, lending.ErrOverBorrowingLimit)
	assert.Len(t, f.storedUser(t, 1).BorrowedBooks, 2)
	f.assertCacheMatchesStore(t)
}

func Test_Borrow_LookupErrors(t *testing.T) {
	testCases := []struct {
		name        string
		userID      uint32
		bookID      uint32
		expectedErr error
	}{
		{
			name:        "unknown user",
			userID:      99,
			bookID:      10,
			expectedErr: lending.ErrUserNotFound,
		},
		{
			name:        "unknown book",
			userID:      1,
			bookID:      99,
			expectedErr: lending.ErrBookNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// arrange
			f := newFixture(t, 10)
			f.seedUser(t, 1, "Asta")
			f.seedBook(t, 10, "The Sea Wall", false)

			// act
			_, err := f.protocol.Borrow(f.ctx, testTenant, tc.userID, tc.bookID)

			// assert
			assert.ErrorIs(t, err, tc.expectedErr)
			assert.Equal(t, 0, f.tenant.Cache.Len())
		})
	}
}

func Test_Borrow_UnknownTenantIsNotAuthorized(t *testing.T) {
	// arrange
	f := newFixture(t, 10)

	// act
	_, err := f.protocol.Borrow(f.ctx, "ghost", 1, 10)

	// assert
	assert.ErrorIs(t, err, lending.ErrNotAuthorized)
}

func Test_Borrow_UserPersistenceFailure_LeavesCacheUntouched(t *testing.T) {
	// arrange
	f := newFixture(t, 10)
	f.seedUser(t, 1, "Asta")
	f.seedBook(t, 10, "The Sea Wall", false)
	f.store.FailWith(memstore.OpUpdateUser, errors.New("connection reset"))

	// act
	_, err := f.protocol.Borrow(f.ctx, testTenant, 1, 10)

	// assert
	assert.ErrorIs(t, err, lending.ErrSystemError)
	assert.Equal(t, 0, f.tenant.Cache.Len())

	f.store.ClearFailures()
	assert.Empty(t, f.storedUser(t, 1).BorrowedBooks)
}

func Test_Borrow_BookCounterFailure_IsSwallowed(t *testing.T) {
	// arrange
	f := newFixture(t, 10)
	f.seedUser(t, 1, "Asta")
	f.seedBook(t, 10, "The Sea Wall", false)
	f.store.FailWith(memstore.OpUpdateBook, errors.New("connection reset"))

	// act
	user, err := f.protocol.Borrow(f.ctx, testTenant, 1, 10)

	// assert - the denormalized counter write is best-effort
	require.NoError(t, err)
	assert.Len(t, user.BorrowedBooks, 1)

	_, ok := f.tenant.Cache.Get(10)
	assert.True(t, ok)

	f.store.ClearFailures()
	assert.Zero(t, f.storedBook(t, 10).BorrowedCount)

	items, err := f.store.SearchTransactions(f.ctx, testTenant, lending.TransactionQuery{ID: 1})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func Test_Borrow_LedgerFailure_SurfacesAndReleasesCacheEntry(t *testing.T) {
	// arrange
	f := newFixture(t, 10)
	f.seedUser(t, 1, "Asta")
	f.seedBook(t, 10, "The Sea Wall", false)
	f.store.FailWith(memstore.OpUpsertTransaction, errors.New("connection reset"))

	// act
	_, err := f.protocol.Borrow(f.ctx, testTenant, 1, 10)

	// assert - the user record already changed; the accepted inconsistency
	// window leaves the cache biased toward "not currently out"
	assert.ErrorIs(t, err, lending.ErrSystemError)
	assert.Equal(t, 0, f.tenant.Cache.Len())

	f.store.ClearFailures()
	assert.Len(t, f.storedUser(t, 1).BorrowedBooks, 1)
}

func Test_Borrow_ConcurrentOnSameBook_OnlyOneSucceeds(t *testing.T) {
	// arrange
	const contenders = 20
	f := newFixture(t, 10)
	f.seedBook(t, 10, "The Sea Wall", false)
	for i := uint32(1); i <= contenders; i++ {
		f.seedUser(t, i, "Member")
	}

	var wg sync.WaitGroup
	var successes atomic.Int32

	// act
	for i := uint32(1); i <= contenders; i++ {
		wg.Add(1)
		go func(userID uint32) {
			defer wg.Done()
			if _, err := f.protocol.Borrow(f.ctx, testTenant, userID, 10); err == nil {
				successes.Add(1)
			} else {
				assert.ErrorIs(t, err, lending.ErrBookNotReturned)
			}
		}(i)
	}
	wg.Wait()

	// assert
	assert.Equal(t, int32(1), successes.Load())
	f.assertCacheMatchesStore(t)
}

func Test_Return_Success(t *testing.T) {
	// arrange
	f := newFixture(t, 10)
	f.seedUser(t, 1, "Asta")
	f.seedBook(t, 10, "The Sea Wall", false)

	_, err := f.protocol.Borrow(f.ctx, testTenant, 1, 10)
	require.NoError(t, err)

	// act
	user, title, bookID, err := f.protocol.Return(f.ctx, testTenant, 1, 10)

	// assert
	require.NoError(t, err)
	assert.Equal(t, "The Sea Wall", title)
	assert.Equal(t, uint32(10), bookID)
	assert.Empty(t, user.BorrowedBooks)
	assert.Equal(t, 0, f.tenant.Cache.Len())

	// the ledger row keeps the borrow date and gains the return date
	items, err := f.store.SearchTransactions(f.ctx, testTenant, lending.TransactionQuery{ID: 1})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, fixedNow.Format(lending.TimeLayout), items[0].BorrowedDate)
	assert.Equal(t, fixedNow.Format(lending.TimeLayout), items[0].ReturnedDate)

	// the lifetime counters are not decremented
	assert.Equal(t, uint32(1), f.storedUser(t, 1).BorrowedCount)
	assert.Equal(t, uint32(1), f.storedBook(t, 10).BorrowedCount)
	f.assertCacheMatchesStore(t)
}

func Test_Return_ByBookIDOnly_ResolvesHolderThroughCache(t *testing.T) {
	// arrange
	f := newFixture(t, 10)
	f.seedUser(t, 1, "Asta")
	f.seedBook(t, 10, "The Sea Wall", false)

	_, err := f.protocol.Borrow(f.ctx, testTenant, 1, 10)
	require.NoError(t, err)

	// act - zero user id, the kiosk drop-off path
	user, title, bookID, err := f.protocol.Return(f.ctx, testTenant, 0, 10)

	// assert
	require.NoError(t, err)
	assert.Equal(t, uint32(1), user.ID)
	assert.Equal(t, "The Sea Wall", title)
	assert.Equal(t, uint32(10), bookID)
	assert.Equal(t, 0, f.tenant.Cache.Len())
}

func Test_Return_BookNotBorrowed(t *testing.T) {
	// arrange
	f := newFixture(t, 10)
	f.seedUser(t, 1, "Asta")
	f.seedBook(t, 10, "The Sea Wall", false)

	// act - via cache miss (no user id) and via user record (with user id)
	_, _, _, errNoUser := f.protocol.Return(f.ctx, testTenant, 0, 10)
	_, _, _, errWithUser := f.protocol.Return(f.ctx, testTenant, 1, 10)

	// assert
	assert.ErrorIs(t, errNoUser, lending.ErrBookNotBorrowed)
	assert.ErrorIs(t, errWithUser, lending.ErrBookNotBorrowed)
}

func Test_Process_BorrowRequest_RepliesNewestFirst(t *testing.T) {
	// arrange
	f := newFixture(t, 10)
	f.seedUser(t, 1, "Asta")
	f.seedBook(t, 10, "First", false)
	f.seedBook(t, 11, "Second", false)

	_, err := f.protocol.Process(f.ctx, testTenant, lending.WorkRequest{UserID: "1", BorrowBookID: "10"})
	require.NoError(t, err)

	// act
	reply, err := f.protocol.Process(f.ctx, testTenant, lending.WorkRequest{UserID: "1", BorrowBookID: "11"})

	// assert
	require.NoError(t, err)
	require.Len(t, reply.BorrowedBooks, 2)
	assert.Equal(t, "Second", reply.BorrowedBooks[0].BookTitle)
	assert.Equal(t, "First", reply.BorrowedBooks[1].BookTitle)
}

func Test_Process_KioskReturn_YieldsReceipt(t *testing.T) {
	// arrange
	f := newFixture(t, 10)
	f.seedUser(t, 1, "Asta")
	f.seedBook(t, 10, "The Sea Wall", false)

	_, err := f.protocol.Process(f.ctx, testTenant, lending.WorkRequest{UserID: "1", BorrowBookID: "10"})
	require.NoError(t, err)

	// act - empty user id signals "return by book id only"
	reply, err := f.protocol.Process(f.ctx, testTenant, lending.WorkRequest{ReturnBookID: "10"})

	// assert
	require.NoError(t, err)
	assert.Equal(t, "The Sea Wall", reply.ReturnedBookTitle)
	assert.Equal(t, uint32(10), reply.ReturnedBookID)
	assert.Equal(t, uint32(1), reply.User.ID)
	assert.Empty(t, reply.BorrowedBooks)
}

func Test_Process_InvalidIdentifiers(t *testing.T) {
	testCases := []struct {
		name    string
		request lending.WorkRequest
	}{
		{name: "non-numeric user id", request: lending.WorkRequest{UserID: "abc", BorrowBookID: "10"}},
		{name: "non-numeric borrow id", request: lending.WorkRequest{UserID: "1", BorrowBookID: "1o"}},
		{name: "non-numeric return id", request: lending.WorkRequest{UserID: "1", ReturnBookID: "-3"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// arrange
			f := newFixture(t, 10)
			f.seedUser(t, 1, "Asta")
			f.seedBook(t, 10, "The Sea Wall", false)

			// act
			_, err := f.protocol.Process(f.ctx, testTenant, tc.request)

			// assert
			assert.ErrorIs(t, err, lending.ErrInvalidArgument)
			assert.Equal(t, 0, f.tenant.Cache.Len())
		})
	}
}

func Test_Process_BarcodeDigitBounds(t *testing.T) {
	// arrange
	ctx := context.Background()
	store := memstore.New()

	err := store.InsertBarcodeSetting(ctx, testTenant, &lending.BarcodeSetting{
		ID:          1,
		UserKetaMin: 4, UserKetaMax: 4,
		BookKetaMin: 5, BookKetaMax: 5,
	})
	require.NoError(t, err)

	registry := lending.NewRegistry()
	_, err = registry.Provision(ctx, store, testTenant, lending.TenantSettings{})
	require.NoError(t, err)

	protocol, err := lending.NewProtocol(store, registry)
	require.NoError(t, err)

	err = store.InsertUser(ctx, testTenant, &lending.User{ID: 1234, Name: "Asta"})
	require.NoError(t, err)
	err = store.InsertBook(ctx, testTenant, &lending.Book{ID: 56789, Title: "The Sea Wall"})
	require.NoError(t, err)

	// act
	_, tooShortErr := protocol.Process(ctx, testTenant, lending.WorkRequest{UserID: "12", BorrowBookID: "56789"})
	_, okErr := protocol.Process(ctx, testTenant, lending.WorkRequest{UserID: "1234", BorrowBookID: "56789"})

	// assert
	assert.ErrorIs(t, tooShortErr, lending.ErrBarcodeOutOfRange)
	assert.NoError(t, okErr)
}

func Test_History_FiltersLedgerByUser(t *testing.T) {
	// arrange
	f := newFixture(t, 10)
	f.seedUser(t, 1, "Asta")
	f.seedUser(t, 2, "Bruno")
	f.seedBook(t, 10, "The Sea Wall", false)
	f.seedBook(t, 11, "Night Train", false)

	_, err := f.protocol.Borrow(f.ctx, testTenant, 1, 10)
	require.NoError(t, err)
	_, err = f.protocol.Borrow(f.ctx, testTenant, 2, 11)
	require.NoError(t, err)

	// act
	items, err := f.protocol.History(f.ctx, testTenant, lending.TransactionQuery{UserID: 2})

	// assert
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, uint32(11), items[0].BookID)

	all, err := f.protocol.History(f.ctx, testTenant, lending.TransactionQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func Test_CacheMatchesStore_AfterMixedSequence(t *testing.T) {
	// arrange
	f := newFixture(t, 10)
	f.seedUser(t, 1, "Asta")
	f.seedUser(t, 2, "Bruno")
	for id := uint32(10); id <= 14; id++ {
		f.seedBook(t, id, "Title", false)
	}

	// act - interleaved borrows and returns across two users
	_, err := f.protocol.Borrow(f.ctx, testTenant, 1, 10)
	require.NoError(t, err)
	_, err = f.protocol.Borrow(f.ctx, testTenant, 1, 11)
	require.NoError(t, err)
	_, err = f.protocol.Borrow(f.ctx, testTenant, 2, 12)
	require.NoError(t, err)
	_, _, _, err = f.protocol.Return(f.ctx, testTenant, 1, 10)
	require.NoError(t, err)
	_, err = f.protocol.Borrow(f.ctx, testTenant, 2, 10)
	require.NoError(t, err)
	_, _, _, err = f.protocol.Return(f.ctx, testTenant, 0, 12)
	require.NoError(t, err)

	// assert
	f.assertCacheMatchesStore(t)
	assert.Equal(t, 2, f.tenant.Cache.Len())
}
