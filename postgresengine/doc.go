// Package postgresengine provides a PostgreSQL implementation of the
// lending.Store contract.
//
// Records are stored as jsonb payloads keyed by (tenant_name, id), with one
// table per record kind: users, books, transactions, rental_settings and
// barcode_settings. Ledger searches use jsonb containment on the payload, so
// the user and book predicates need no extra columns or indexes to start
// with.
//
// The package supports multiple database adapters (pgx, sql.DB, sqlx)
// behind a common interface.
//
// Usage examples:
//
//	// Basic usage
//	db, _ := pgxpool.New(context.Background(), dsn)
//	store, _ := postgresengine.NewStoreFromPGXPool(db)
//	_ = store.CreateSchema(context.Background())
//
//	// With a table prefix and operational logging
//	store, _ := postgresengine.NewStoreFromPGXPool(
//		db,
//		postgresengine.WithTablePrefix("lending_"),
//		postgresengine.WithLogger(logger),
//	)
package postgresengine
