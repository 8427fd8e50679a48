package dispatch

import (
	"tablefs/internal/resolver"
	"tablefs/internal/writecache"
)

// HandleID identifies an open file or directory.
type HandleID uint64

// openFile is the per-handle state: the resolved entity, the open
// flags, and the write buffer for writable handles.
type openFile struct {
	ref   *resolver.EntityRef
	flags int
	dir   bool
	buf   *writecache.Buffer // nil for read-only handles
	size  int64              // last known content length
}

// handleTable allocates monotonically increasing handle IDs. IDs are
// never reused within a process run. Callers synchronize access; the
// dispatcher's operation lock covers every entry point.
type handleTable struct {
	handles map[HandleID]*openFile
	next    HandleID
}

func newHandleTable() *handleTable {
	return &handleTable{
		handles: make(map[HandleID]*openFile),
		next:    1,
	}
}

func (t *handleTable) allocate(of *openFile) HandleID {
	h := t.next
	t.next++
	t.handles[h] = of
	return h
}

func (t *handleTable) get(h HandleID) (*openFile, bool) {
	of, ok := t.handles[h]
	return of, ok
}

func (t *handleTable) release(h HandleID) {
	delete(t.handles, h)
}
