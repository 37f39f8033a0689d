// Package adapters provides database adapter implementations for the
// PostgreSQL record store.
//
// The adapter pattern supports multiple PostgreSQL client libraries:
// pgxpool.Pool, sql.DB, and sqlx.DB. All adapters provide equivalent
// functionality through a common DBAdapter interface, so the store engine
// works with any supported connection type without caring which one it got.
package adapters
