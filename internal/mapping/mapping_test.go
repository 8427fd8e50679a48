package mapping

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablefs/internal/common"
)

const baseConfig = `
database: ./files.db
namespaces:
  docs:
    table: documents
    id_column: id
    name_column: name
    content_column: body
    operations: [lookup, list, read, stat, write, create, rename, delete, truncate]
`

func TestParseFullNamespace(t *testing.T) {
	t.Parallel()

	set, err := Parse([]byte(baseConfig))
	require.NoError(t, err)

	assert.Equal(t, "./files.db", set.Database)
	assert.Equal(t, DefaultListen, set.Listen)
	assert.Equal(t, DefaultWriteBufferMax, set.WriteBufferMax)
	assert.Equal(t, 0, set.GapSlack)
	assert.False(t, set.ReadOnly)
	assert.Equal(t, []string{"docs"}, set.Names())

	ns, ok := set.Namespace("docs")
	require.True(t, ok)
	assert.Equal(t, "documents", ns.Table)
	assert.False(t, ns.ReadOnly)

	for _, op := range []Op{OpLookup, OpList, OpRead, OpStat, OpWrite, OpCreate, OpRename, OpDelete, OpTruncate} {
		assert.True(t, ns.Supports(op), "expected %s to be supported", op)
	}
}

func TestSynthesizedTemplates(t *testing.T) {
	t.Parallel()

	set, err := Parse([]byte(baseConfig))
	require.NoError(t, err)
	ns, _ := set.Namespace("docs")

	read, ok := ns.Template(OpRead)
	require.True(t, ok)
	assert.Equal(t, "SELECT substr(body, ? + 1, ?) FROM documents WHERE id = ?", read.SQL)
	assert.Equal(t, []string{"offset", "length", "id"}, read.Params)

	create, ok := ns.Template(OpCreate)
	require.True(t, ok)
	assert.Contains(t, create.SQL, "RETURNING id")
	assert.Equal(t, []string{"name"}, create.Params)

	lookup, ok := ns.Template(OpLookup)
	require.True(t, ok)
	assert.Equal(t, "SELECT id, name, length(body) AS length FROM documents WHERE name = ?", lookup.SQL)
}

func TestQueryOverride(t *testing.T) {
	t.Parallel()

	cfg := baseConfig + `
    queries:
      delete: "UPDATE documents SET archived = 1 WHERE id = :id"
`
	set, err := Parse([]byte(cfg))
	require.NoError(t, err)
	ns, _ := set.Namespace("docs")

	del, ok := ns.Template(OpDelete)
	require.True(t, ok)
	assert.Equal(t, "UPDATE documents SET archived = 1 WHERE id = ?", del.SQL)
}

func TestTimestampColumnsInDefaults(t *testing.T) {
	t.Parallel()

	cfg := `
database: ./files.db
namespaces:
  docs:
    table: documents
    content_column: body
    modified_column: modified
    operations: [lookup, list, read, stat, write]
`
	set, err := Parse([]byte(cfg))
	require.NoError(t, err)
	ns, _ := set.Namespace("docs")

	stat, _ := ns.Template(OpStat)
	assert.Contains(t, stat.SQL, ", modified FROM documents")

	write, _ := ns.Template(OpWrite)
	assert.Contains(t, write.SQL, "modified = strftime('%s','now')")
}

func TestDefaultsSectionMerged(t *testing.T) {
	t.Parallel()

	cfg := `
database: ./files.db
defaults:
  id_column: doc_id
  content_column: body
  read_only: true
namespaces:
  docs:
    table: documents
  pics:
    table: pictures
    read_only: false
`
	set, err := Parse([]byte(cfg))
	require.NoError(t, err)

	docs, _ := set.Namespace("docs")
	assert.Equal(t, "doc_id", docs.IDColumn)
	assert.Equal(t, "body", docs.ContentColumn)
	assert.True(t, docs.ReadOnly)
	// Default operation set is the read-only quartet.
	assert.False(t, docs.Supports(OpWrite))
	assert.True(t, docs.Supports(OpList))

	pics, _ := set.Namespace("pics")
	assert.False(t, pics.ReadOnly)
}

func TestLoadFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  string
	}{
		{
			name: "missing database",
			cfg: `
namespaces:
  docs:
    table: documents
`,
		},
		{
			name: "no namespaces",
			cfg:  `database: ./files.db`,
		},
		{
			name: "missing lookup",
			cfg: `
database: ./files.db
namespaces:
  docs:
    table: documents
    operations: [list, read]
`,
		},
		{
			name: "unknown operation",
			cfg: `
database: ./files.db
namespaces:
  docs:
    table: documents
    operations: [lookup, read, defragment]
`,
		},
		{
			name: "query for disabled operation",
			cfg: `
database: ./files.db
namespaces:
  docs:
    table: documents
    operations: [lookup, list, read]
    queries:
      delete: "DELETE FROM documents WHERE id = :id"
`,
		},
		{
			name: "template parameter not satisfiable",
			cfg: `
database: ./files.db
namespaces:
  docs:
    table: documents
    operations: [lookup, list, read]
    queries:
      lookup: "SELECT id FROM documents WHERE id = :id"
`,
		},
		{
			name: "write without stat",
			cfg: `
database: ./files.db
namespaces:
  docs:
    table: documents
    operations: [lookup, list, read, write]
`,
		},
		{
			name: "namespace prefix with slash",
			cfg: `
database: ./files.db
namespaces:
  a/b:
    table: documents
`,
		},
		{
			name: "unsafe identifier without override",
			cfg: `
database: ./files.db
namespaces:
  docs:
    table: "documents; drop table x"
    operations: [lookup, list, read]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.cfg))
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrConfig), "want ErrConfig, got %v", err)
		})
	}
}
