// Package sqliteengine provides a SQLite implementation of the
// lending.Store contract, backed by the pure-Go modernc.org/sqlite driver.
//
// It mirrors the PostgreSQL engine's layout: records as JSON payloads keyed
// by (tenant_name, id), one table per record kind. Ledger predicates that
// Postgres answers with jsonb containment are applied in Go after decoding.
// Intended for single-node deployments, demos and tests.
//
//	db, _ := sql.Open("sqlite", "file:lending.db")
//	store, _ := sqliteengine.NewStore(db)
//	_ = store.CreateSchema(context.Background())
package sqliteengine
