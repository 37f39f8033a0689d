package lending

import (
	"context"
	"errors"
	"sync"
)

// ErrConstructingCacheFailed is returned when the start-up scan of persisted
// users cannot be completed.
var ErrConstructingCacheFailed = errors.New("constructing borrow cache failed")

// BorrowEntry is the in-memory mirror of one outstanding loan.
type BorrowEntry struct {
	OwnerID        uint32
	ReturnDeadline string
}

// Cache is the per-tenant borrow cache: a mutex-guarded map from book id to
// the current holder and return deadline. All operations are in-memory only;
// the lock is never held across I/O.
//
// A book id is present iff the book is currently on loan. The cache is a
// derived view - it is rebuilt from the persisted user records at tenant
// start-up, which is the authoritative reconciliation path after a restart.
type Cache struct {
	mu       sync.Mutex
	borrowed map[uint32]BorrowEntry
}

// NewCache creates an empty borrow cache.
func NewCache() *Cache {
	return &Cache{
		borrowed: make(map[uint32]BorrowEntry),
	}
}

// Get returns a snapshot copy of the entry for the book, if present.
func (c *Cache) Get(bookID uint32) (BorrowEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.borrowed[bookID]

	return entry, ok
}

// Borrow inserts an entry unconditionally and returns the previous entry if
// one existed. A non-empty previous value signals a consistency bug in the
// caller; Reserve is the guarded variant the protocol uses.
func (c *Cache) Borrow(bookID uint32, ownerID uint32, returnDeadline string) (BorrowEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous, existed := c.borrowed[bookID]
	c.borrowed[bookID] = BorrowEntry{OwnerID: ownerID, ReturnDeadline: returnDeadline}

	return previous, existed
}

// Reserve atomically inserts an entry only if the book has no current
// holder. It returns the existing entry and false when the book is already
// out - the existence check and the insert happen under one critical
// section, so concurrent borrows of the same book cannot both succeed.
func (c *Cache) Reserve(bookID uint32, ownerID uint32, returnDeadline string) (BorrowEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.borrowed[bookID]; ok {
		return existing, false
	}

	c.borrowed[bookID] = BorrowEntry{OwnerID: ownerID, ReturnDeadline: returnDeadline}

	return BorrowEntry{}, true
}

// Unborrow removes the entry for the book and returns it, if present.
func (c *Cache) Unborrow(bookID uint32) (BorrowEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed, existed := c.borrowed[bookID]
	delete(c.borrowed, bookID)

	return removed, existed
}

// Len returns the number of outstanding loans in the cache.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.borrowed)
}

// Construct rebuilds the cache from the persisted user records: one entry
// per embedded loan. It runs at tenant start-up, before the cache is shared,
// and scans outside the lock.
func (c *Cache) Construct(ctx context.Context, store UserStore, tenant string) error {
	users, err := store.SearchUsers(ctx, tenant, UserQuery{})
	if err != nil {
		return errors.Join(ErrConstructingCacheFailed, err)
	}

	for i := range users {
		user := &users[i]
		for _, loan := range user.BorrowedBooks {
			c.Borrow(loan.BookID, user.ID, loan.ReturnDeadline)
		}
	}

	return nil
}
