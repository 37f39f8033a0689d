package postgresengine_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq" // database driver
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibliocirc/lending-engine-go/lending"
	"github.com/bibliocirc/lending-engine-go/postgresengine"
)

// newTestStore connects to the database named by POSTGRES_DSN and prepares a
// clean tenant. Tests are skipped when no database is available.
func newTestStore(t *testing.T) (postgresengine.Store, string) {
	t.Helper()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN is not set")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := postgresengine.NewStoreFromSQLDB(db, postgresengine.WithTablePrefix("lending_test_"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.CreateSchema(ctx))

	tenant := "northlib_" + t.Name()
	require.NoError(t, store.DropTenant(ctx, tenant))
	t.Cleanup(func() { _ = store.DropTenant(context.Background(), tenant) })

	return store, tenant
}

func Test_Store_UserRoundTrip(t *testing.T) {
	// arrange
	store, tenant := newTestStore(t)
	ctx := context.Background()

	user := lending.User{
		ID:   1,
		Name: "Asta",
		BorrowedBooks: []lending.BorrowedBook{
			{BookID: 10, BookTitle: "The Sea Wall", ReturnDeadline: "2026/09/13 12:00", TransactionID: 1},
		},
	}

	// act
	err := store.InsertUser(ctx, tenant, &user)
	require.NoError(t, err)

	users, err := store.SearchUsers(ctx, tenant, lending.UserQuery{ID: 1})

	// assert
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, user, users[0])
}

func Test_Store_UpdateUser_FailsForMissingRecord(t *testing.T) {
	// arrange
	store, tenant := newTestStore(t)
	ctx := context.Background()

	// act
	err := store.UpdateUser(ctx, tenant, &lending.User{ID: 42, Name: "Nobody"})

	// assert
	assert.ErrorIs(t, err, lending.ErrNoRecordUpdated)
}

func Test_Store_SearchBooks_ZeroQueryListsWholeTenant(t *testing.T) {
	// arrange
	store, tenant := newTestStore(t)
	ctx := context.Background()

	for id := uint32(1); id <= 3; id++ {
		err := store.InsertBook(ctx, tenant, &lending.Book{ID: id, Title: "Title"})
		require.NoError(t, err)
	}

	// act
	books, err := store.SearchBooks(ctx, tenant, lending.BookQuery{})

	// assert
	require.NoError(t, err)
	require.Len(t, books, 3)
	assert.Equal(t, uint32(1), books[0].ID)
	assert.Equal(t, uint32(3), books[2].ID)
}

func Test_Store_UpsertTransaction_SecondWriteReplacesRow(t *testing.T) {
	// arrange
	store, tenant := newTestStore(t)
	ctx := context.Background()

	item := lending.TransactionItem{ID: 7, UserID: 1, BookID: 10, BorrowedDate: "2026/08/30 10:00"}
	err := store.UpsertTransaction(ctx, tenant, &item)
	require.NoError(t, err)

	// act
	item.ReturnedDate = "2026/08/31 09:00"
	err = store.UpsertTransaction(ctx, tenant, &item)
	require.NoError(t, err)

	items, err := store.SearchTransactions(ctx, tenant, lending.TransactionQuery{ID: 7})

	// assert
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "2026/08/31 09:00", items[0].ReturnedDate)
}

func Test_Store_SearchTransactions_FiltersByPayload(t *testing.T) {
	// arrange
	store, tenant := newTestStore(t)
	ctx := context.Background()

	rows := []lending.TransactionItem{
		{ID: 1, UserID: 1, BookID: 10},
		{ID: 2, UserID: 2, BookID: 10},
		{ID: 3, UserID: 1, BookID: 11},
	}
	for i := range rows {
		err := store.UpsertTransaction(ctx, tenant, &rows[i])
		require.NoError(t, err)
	}

	// act
	byUser, err := store.SearchTransactions(ctx, tenant, lending.TransactionQuery{UserID: 1})
	require.NoError(t, err)
	byBook, err := store.SearchTransactions(ctx, tenant, lending.TransactionQuery{BookID: 10})

	// assert
	require.NoError(t, err)
	assert.Len(t, byUser, 2)
	assert.Len(t, byBook, 2)
}

func Test_Store_MaxTransactionID(t *testing.T) {
	// arrange
	store, tenant := newTestStore(t)
	ctx := context.Background()

	// act + assert - empty ledger first
	maxID, err := store.MaxTransactionID(ctx, tenant)
	require.NoError(t, err)
	assert.Zero(t, maxID)

	for _, id := range []uint32{5, 12, 3} {
		err = store.UpsertTransaction(ctx, tenant, &lending.TransactionItem{ID: id, UserID: 1, BookID: 10})
		require.NoError(t, err)
	}

	maxID, err = store.MaxTransactionID(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), maxID)
}

func Test_Store_DropTenant_RemovesAllRecords(t *testing.T) {
	// arrange
	store, tenant := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertUser(ctx, tenant, &lending.User{ID: 1, Name: "Asta"}))
	require.NoError(t, store.InsertBook(ctx, tenant, &lending.Book{ID: 10, Title: "Title"}))
	require.NoError(t, store.UpsertTransaction(ctx, tenant, &lending.TransactionItem{ID: 1, UserID: 1, BookID: 10}))

	// act
	err := store.DropTenant(ctx, tenant)

	// assert
	require.NoError(t, err)

	users, err := store.SearchUsers(ctx, tenant, lending.UserQuery{})
	require.NoError(t, err)
	assert.Empty(t, users)

	maxID, err := store.MaxTransactionID(ctx, tenant)
	require.NoError(t, err)
	assert.Zero(t, maxID)
}

func Test_NewStore_RejectsNilConnection(t *testing.T) {
	// act
	_, err := postgresengine.NewStoreFromSQLDB(nil)

	// assert
	assert.ErrorIs(t, err, lending.ErrNilDatabaseConnection)
}

func Test_WithTablePrefix_RejectsEmptyPrefix(t *testing.T) {
	// arrange
	db, err := sql.Open("postgres", "postgres://localhost/ignored?sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// act
	_, err = postgresengine.NewStoreFromSQLDB(db, postgresengine.WithTablePrefix(""))

	// assert
	assert.ErrorIs(t, err, lending.ErrEmptyTablePrefix)
}
