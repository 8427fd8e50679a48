package server

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablefs/internal/dispatch"
	"tablefs/internal/engine"
	"tablefs/internal/mapping"
	"tablefs/internal/storage"
)

func setupAdapter(t *testing.T) *BillyAdapter {
	t.Helper()

	backend, err := storage.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	ctx := context.Background()
	_, err = backend.Exec(ctx, `CREATE TABLE notes (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		body BLOB
	)`)
	require.NoError(t, err)
	_, err = backend.Exec(ctx, `INSERT INTO notes (name, body) VALUES ('hello.txt', X'68656C6C6F')`)
	require.NoError(t, err)

	set, err := mapping.Parse([]byte(`
database: unused
namespaces:
  notes:
    table: notes
    content_column: body
    operations: [lookup, list, read, stat, write, create, rename, delete, truncate]
`))
	require.NoError(t, err)

	return NewBillyAdapter(dispatch.New(set, engine.New(backend)))
}

func TestAdapterStat(t *testing.T) {
	b := setupAdapter(t)

	info, err := b.Stat("/notes/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", info.Name())
	assert.Equal(t, int64(5), info.Size())
	assert.False(t, info.IsDir())

	dir, err := b.Stat("/notes")
	require.NoError(t, err)
	assert.True(t, dir.IsDir())

	_, err = b.Stat("/notes/missing.txt")
	assert.Error(t, err)
}

func TestAdapterReadDir(t *testing.T) {
	b := setupAdapter(t)

	root, err := b.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "notes", root[0].Name())
	assert.True(t, root[0].IsDir())

	entries, err := b.ReadDir("/notes")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello.txt", entries[0].Name())
}

func TestAdapterCreateWriteRead(t *testing.T) {
	b := setupAdapter(t)

	f, err := b.Create("/notes/new.txt")
	require.NoError(t, err)
	n, err := f.Write([]byte("written through billy"))
	require.NoError(t, err)
	assert.Equal(t, 21, n)
	require.NoError(t, f.Close())

	f, err = b.Open("/notes/new.txt")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("written through billy"), data)
}

func TestAdapterSeekEnd(t *testing.T) {
	b := setupAdapter(t)

	f, err := b.OpenFile("/notes/hello.txt", os.O_RDWR, 0644)
	require.NoError(t, err)

	pos, err := f.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)

	// Appending via Write after SeekEnd grows the file.
	_, err = f.Write([]byte(" world"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := b.Stat("/notes/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size())
}

func TestAdapterRenameAndRemove(t *testing.T) {
	b := setupAdapter(t)

	require.NoError(t, b.Rename("/notes/hello.txt", "/notes/renamed.txt"))
	_, err := b.Stat("/notes/hello.txt")
	assert.Error(t, err)

	require.NoError(t, b.Remove("/notes/renamed.txt"))
	entries, err := b.ReadDir("/notes")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAdapterRejectsStructuralChanges(t *testing.T) {
	b := setupAdapter(t)

	assert.Error(t, b.MkdirAll("/other", 0755))
	assert.Error(t, b.Symlink("target", "/notes/link"))
}
