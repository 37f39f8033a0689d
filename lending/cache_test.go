package lending_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibliocirc/lending-engine-go/lending"
	"github.com/bibliocirc/lending-engine-go/testutil/memstore"
)

func Test_Cache_GetReturnsSnapshotOfBorrowedEntry(t *testing.T) {
	// arrange
	cache := lending.NewCache()
	cache.Borrow(10, 5, "2026/09/13 12:00")

	// act
	entry, ok := cache.Get(10)

	// assert
	require.True(t, ok)
	assert.Equal(t, uint32(5), entry.OwnerID)
	assert.Equal(t, "2026/09/13 12:00", entry.ReturnDeadline)

	_, missing := cache.Get(11)
	assert.False(t, missing)
}

func Test_Cache_BorrowReportsPreviousEntry(t *testing.T) {
	// arrange
	cache := lending.NewCache()

	// act
	_, existedBefore := cache.Borrow(10, 5, "2026/09/13 12:00")
	previous, existed := cache.Borrow(10, 6, "2026/09/20 12:00")

	// assert - a non-empty previous entry signals a consistency bug upstream
	assert.False(t, existedBefore)
	require.True(t, existed)
	assert.Equal(t, uint32(5), previous.OwnerID)
}

func Test_Cache_ReserveRejectsWhenBookIsOut(t *testing.T) {
	// arrange
	cache := lending.NewCache()

	// act
	_, first := cache.Reserve(10, 5, "2026/09/13 12:00")
	holder, second := cache.Reserve(10, 6, "2026/09/20 12:00")

	// assert
	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, uint32(5), holder.OwnerID)
	assert.Equal(t, 1, cache.Len())
}

func Test_Cache_ConcurrentReserve_ExactlyOneWinner(t *testing.T) {
	// arrange
	const contenders = 100
	cache := lending.NewCache()

	var wg sync.WaitGroup
	var winners atomic.Int32

	// act
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(owner uint32) {
			defer wg.Done()
			if _, reserved := cache.Reserve(10, owner, "2026/09/13 12:00"); reserved {
				winners.Add(1)
			}
		}(uint32(i + 1))
	}
	wg.Wait()

	// assert
	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, 1, cache.Len())
}

func Test_Cache_UnborrowRemovesAndReturnsEntry(t *testing.T) {
	// arrange
	cache := lending.NewCache()
	cache.Borrow(10, 5, "2026/09/13 12:00")

	// act
	removed, existed := cache.Unborrow(10)
	_, existedAgain := cache.Unborrow(10)

	// assert
	require.True(t, existed)
	assert.Equal(t, uint32(5), removed.OwnerID)
	assert.False(t, existedAgain)
	assert.Equal(t, 0, cache.Len())
}

func Test_Cache_ConstructRebuildsFromPersistedUsers(t *testing.T) {
	// arrange
	ctx := context.Background()
	store := memstore.New()

	err := store.InsertUser(ctx, "northlib", &lending.User{
		ID: 1,
		BorrowedBooks: []lending.BorrowedBook{
			{BookID: 10, ReturnDeadline: "2026/09/13 12:00"},
			{BookID: 11, ReturnDeadline: "2026/09/14 12:00"},
		},
	})
	require.NoError(t, err)

	err = store.InsertUser(ctx, "northlib", &lending.User{
		ID: 2,
		BorrowedBooks: []lending.BorrowedBook{
			{BookID: 12, ReturnDeadline: "2026/09/15 12:00"},
		},
	})
	require.NoError(t, err)

	cache := lending.NewCache()

	// act
	err = cache.Construct(ctx, store, "northlib")

	// assert
	require.NoError(t, err)
	assert.Equal(t, 3, cache.Len())

	entry, ok := cache.Get(11)
	require.True(t, ok)
	assert.Equal(t, uint32(1), entry.OwnerID)

	entry, ok = cache.Get(12)
	require.True(t, ok)
	assert.Equal(t, uint32(2), entry.OwnerID)
}
