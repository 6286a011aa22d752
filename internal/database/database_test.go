package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{Postgres, "SELECT * FROM runs WHERE id = ?", "SELECT * FROM runs WHERE id = $1"},
		{Postgres, "UPDATE runs SET status = ? WHERE id = ? AND status = ?", "UPDATE runs SET status = $1 WHERE id = $2 AND status = $3"},
		{Postgres, "SELECT 1", "SELECT 1"},
		{SQLite, "UPDATE runs SET status = ? WHERE id = ?", "UPDATE runs SET status = ? WHERE id = ?"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Rebind(tt.dialect, tt.in))
	}
}

func TestSQLite_Transaction(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	assert.Equal(t, SQLite, db.Dialect())
	require.NoError(t, db.Health(ctx))

	_, err = db.ExecContext(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	err = db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "a", "1")
		return err
	})
	require.NoError(t, err)

	rollback := errors.New("rollback")
	err = db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "b", "2"); err != nil {
			return err
		}
		return rollback
	})
	assert.ErrorIs(t, err, rollback)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv WHERE k IN (?, ?)", "a", "b").Scan(&n))
	assert.Equal(t, 1, n)
}
