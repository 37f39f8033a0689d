package lending

import (
	"context"
	"errors"
	"sync"
)

// DefaultMaxTransactions is the ring size used when a tenant does not
// configure one.
const DefaultMaxTransactions = 2_000_000

// ErrSeedingCounterFailed is returned when the ledger scan for the highest
// persisted transaction id fails at tenant start-up.
var ErrSeedingCounterFailed = errors.New("seeding transaction counter failed")

// Counter is the per-tenant wrapping transaction-id generator.
//
// Ids are drawn from [1, maxCounter] and repeat only after maxCounter
// allocations. 0 is reserved as the "no transaction" sentinel: a zero-valued
// TransactionItem means an unfiltered ledger query, so a wrapped counter
// value of 0 is coerced to 1.
type Counter struct {
	maxCounter uint32

	mu      sync.Mutex
	counter uint32
}

// NewCounter creates a counter with the given ring size, seeded with the
// last issued id (0 for a fresh tenant). A zero maxCounter falls back to
// DefaultMaxTransactions.
func NewCounter(maxCounter uint32, seed uint32) *Counter {
	if maxCounter == 0 {
		maxCounter = DefaultMaxTransactions
	}

	return &Counter{
		maxCounter: maxCounter,
		counter:    seed,
	}
}

// SeedCounterFromLedger creates a counter seeded from the highest
// transaction id present in the tenant's persisted ledger, so restarted
// tenants continue the sequence instead of reusing live ids.
func SeedCounterFromLedger(ctx context.Context, store LedgerStore, tenant string, maxCounter uint32) (*Counter, error) {
	lastID, err := store.MaxTransactionID(ctx, tenant)
	if err != nil {
		return nil, errors.Join(ErrSeedingCounterFailed, err)
	}

	return NewCounter(maxCounter, lastID), nil
}

// Next allocates the next transaction id. The increment, the wraparound and
// the store of the new state happen under a single critical section, so no
// two concurrent callers observe the same id.
func (c *Counter) Next() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter = (c.counter + 1) % (c.maxCounter + 1)
	if c.counter == 0 {
		c.counter = 1
	}

	return c.counter
}

// MaxCounter returns the ring size.
func (c *Counter) MaxCounter() uint32 {
	return c.maxCounter
}
