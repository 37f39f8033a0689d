// Package lending implements the per-tenant lending consistency engine of a
// multi-tenant library service.
//
// The engine keeps three artifacts mutually consistent under concurrent
// borrow/return requests: the mutable user/book records in the persistent
// store, the append-only transaction ledger, and an in-memory BorrowCache
// that mirrors which books are currently on loan. Persistence itself is
// consumed through the Store contract and never implemented here; see the
// postgresengine and sqliteengine packages for document-store backends.
//
// Per-tenant state (cache, ring counter, settings snapshot) is owned by a
// Registry and injected into the Protocol, which executes the ordered
// borrow/return sequence: validate, reserve the cache entry, allocate a
// transaction id, persist the user, persist the book counter (best effort),
// upsert the ledger row. The cache reservation is a single atomic
// insert-if-absent, so two concurrent borrows of the same book can never
// both pass the double-lend guard.
package lending
