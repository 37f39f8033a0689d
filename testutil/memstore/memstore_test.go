package memstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibliocirc/lending-engine-go/lending"
	"github.com/bibliocirc/lending-engine-go/testutil/memstore"
)

func Test_Store_FailWith_InjectsAndClears(t *testing.T) {
	// arrange
	ctx := context.Background()
	store := memstore.New()
	injected := errors.New("connection reset")

	// act
	store.FailWith(memstore.OpSearchUsers, injected)
	_, err := store.SearchUsers(ctx, "northlib", lending.UserQuery{})

	// assert
	assert.ErrorIs(t, err, injected)

	store.ClearFailures()
	_, err = store.SearchUsers(ctx, "northlib", lending.UserQuery{})
	assert.NoError(t, err)
}

func Test_Store_TenantsAreIsolated(t *testing.T) {
	// arrange
	ctx := context.Background()
	store := memstore.New()

	require.NoError(t, store.InsertBook(ctx, "northlib", &lending.Book{ID: 10, Title: "North"}))
	require.NoError(t, store.InsertBook(ctx, "southlib", &lending.Book{ID: 10, Title: "South"}))

	// act
	north, err := store.SearchBooks(ctx, "northlib", lending.BookQuery{ID: 10})
	require.NoError(t, err)
	south, err := store.SearchBooks(ctx, "southlib", lending.BookQuery{ID: 10})

	// assert
	require.NoError(t, err)
	assert.Equal(t, "North", north[0].Title)
	assert.Equal(t, "South", south[0].Title)
}

func Test_Store_SearchUsers_ReturnsDeepCopies(t *testing.T) {
	// arrange
	ctx := context.Background()
	store := memstore.New()

	require.NoError(t, store.InsertUser(ctx, "northlib", &lending.User{
		ID:            1,
		BorrowedBooks: []lending.BorrowedBook{{BookID: 10}},
	}))

	users, err := store.SearchUsers(ctx, "northlib", lending.UserQuery{ID: 1})
	require.NoError(t, err)

	// act - mutate the returned copy
	users[0].BorrowedBooks[0].BookID = 99

	// assert - stored state is unchanged
	again, err := store.SearchUsers(ctx, "northlib", lending.UserQuery{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, uint32(10), again[0].BorrowedBooks[0].BookID)
}

func Test_Store_DropTenant(t *testing.T) {
	// arrange
	ctx := context.Background()
	store := memstore.New()

	require.NoError(t, store.InsertUser(ctx, "northlib", &lending.User{ID: 1}))
	require.NoError(t, store.UpsertTransaction(ctx, "northlib", &lending.TransactionItem{ID: 1, UserID: 1, BookID: 10}))

	// act
	require.NoError(t, store.DropTenant(ctx, "northlib"))

	// assert
	users, err := store.SearchUsers(ctx, "northlib", lending.UserQuery{})
	require.NoError(t, err)
	assert.Empty(t, users)

	maxID, err := store.MaxTransactionID(ctx, "northlib")
	require.NoError(t, err)
	assert.Zero(t, maxID)
}
