// Package config provides database configuration helpers for the lending
// engine's storage backends.
//
// It contains factory functions for creating database connections using the
// supported PostgreSQL drivers (pgx.Pool, sql.DB, sqlx.DB) and the embedded
// SQLite driver, with DSNs taken from the environment.
//
// This package is infrastructure wiring only; the engine itself never reads
// the environment.
package config
