package testutil

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3" // Register CGo SQLite driver for database/sql
	"github.com/stretchr/testify/require"
)

// LedgerPaths reads every committed path from the ledger database at dbPath
// through an independent driver, sorted.
func LedgerPaths(t testing.TB, dbPath string) []string {
	t.Helper()
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.Query("SELECT filepath FROM processed_files ORDER BY filepath")
	require.NoError(t, err)
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		require.NoError(t, rows.Scan(&p))
		out = append(out, p)
	}
	require.NoError(t, rows.Err())
	return out
}
