package config

import (
	"database/sql"
	"log"

	_ "modernc.org/sqlite" // sqlite driver
)

// SQLiteDBConfig creates a configured *sql.DB on the configured SQLite file.
func SQLiteDBConfig() *sql.DB {
	db, err := sql.Open("sqlite", SQLitePath())
	if err != nil {
		log.Fatal("Failed to open database connection, error: ", err)
	}

	// modernc.org/sqlite serializes access itself; a single connection
	// avoids SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)

	return db
}
