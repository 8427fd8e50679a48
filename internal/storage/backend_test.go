package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablefs/internal/common"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestOpenAndQuery(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	_, err := b.Exec(ctx, `CREATE TABLE documents (id INTEGER PRIMARY KEY, name TEXT, body BLOB)`)
	require.NoError(t, err)

	n, err := b.Exec(ctx, `INSERT INTO documents (name, body) VALUES (?, ?)`, "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := b.Query(ctx, `SELECT id, name, length(body) AS length FROM documents`)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	name, ok := rows[0].String("name")
	require.True(t, ok)
	assert.Equal(t, "a.txt", name)

	size, ok := rows[0].Int64("length")
	require.True(t, ok)
	assert.Equal(t, int64(5), size)
}

func TestQueryEmptyResult(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	_, err := b.Exec(ctx, `CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	rows, err := b.Query(ctx, `SELECT id FROM t`)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExecBadStatement(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	_, err := b.Exec(ctx, `UPDATE missing_table SET x = 1`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrBackend))
}

func TestConstraintClassification(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	_, err := b.Exec(ctx, `CREATE TABLE t (name TEXT UNIQUE)`)
	require.NoError(t, err)
	_, err = b.Exec(ctx, `INSERT INTO t (name) VALUES (?)`, "x")
	require.NoError(t, err)

	_, err = b.Exec(ctx, `INSERT INTO t (name) VALUES (?)`, "x")
	require.Error(t, err)
	assert.True(t, IsConstraint(err))
}

func TestSecondProcessLockRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owned.db")

	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another tablefs process")
}

func TestLockReleasedOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reuse.db")

	b, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b2, err := Open(path)
	require.NoError(t, err)
	b2.Close()
}
