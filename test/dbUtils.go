package test

import (
	"testing"

	dbUtils "zkrollup-node/database"

	"github.com/jmoiron/sqlx"
)

// WipeDB redo all the migrations of the SQL DB (HistoryDB and L2DB),
// efectively recreating the original state
func WipeDB(db *sqlx.DB) {
	if err := dbUtils.MigrationsDown(db.DB, 0); err != nil {
		panic(err)
	}
	if err := dbUtils.MigrationsUp(db.DB); err != nil {
		panic(err)
	}
}

// RequireDB skips the test when the test database is not reachable
func RequireDB(t *testing.T, db *sqlx.DB) {
	if db == nil {
		t.Skip("PostgreSQL is not reachable, set the POSTGRES_* variables to run this test")
	}
}
