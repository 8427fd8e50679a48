// Copyright 2025 TableFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatch is the filesystem-facing façade: it resolves paths,
// enforces read-only modes, routes writes through the coalescing cache
// and everything else to the engine, and is the single place where
// structured errors become filesystem error codes.
package dispatch

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tablefs/internal/common"
	"tablefs/internal/engine"
	"tablefs/internal/mapping"
	"tablefs/internal/resolver"
	"tablefs/internal/writecache"
)

// Attr is the attribute shape handed to the kernel bridge.
type Attr struct {
	Ino   int64
	Name  string
	Dir   bool
	Size  int64
	Mtime time.Time
	Ctime time.Time
}

// DirEntry is one readdir result.
type DirEntry struct {
	Name  string
	Ino   int64
	Dir   bool
	Size  int64
	Mtime time.Time
}

// Dispatcher serializes filesystem callbacks over the engine. One
// mutex covers each operation end to end, including the backend round
// trip: ordering within the process is by construction, and exactly
// one statement is in flight at a time.
type Dispatcher struct {
	mu      sync.Mutex
	set     *mapping.MappingSet
	eng     *engine.Engine
	res     *resolver.Resolver
	handles *handleTable
	started time.Time
}

// New builds a dispatcher over the mapping set and engine.
func New(set *mapping.MappingSet, eng *engine.Engine) *Dispatcher {
	return &Dispatcher{
		set:     set,
		eng:     eng,
		res:     resolver.New(set),
		handles: newHandleTable(),
		started: time.Now(),
	}
}

// opCtx is the context operations run under. Deliberately not tied to
// any caller deadline: a statement already in flight is allowed to
// complete even when the kernel bridge loses interest, so the backend
// never sees a half-applied operation.
func (d *Dispatcher) opCtx() context.Context {
	return context.Background()
}

func writable(flags int) bool {
	return flags&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0
}

// namespace returns the mapping for a resolved file or directory ref.
func (d *Dispatcher) namespace(ref *resolver.EntityRef) (*mapping.Namespace, error) {
	ns, ok := d.set.Namespace(ref.Namespace)
	if !ok {
		return nil, ENOENT
	}
	return ns, nil
}

// writeGate rejects mutating operations under global read-only before
// anything below the dispatcher is touched, and under per-namespace
// read-only once the namespace is known (pass nil to check only the
// global flag).
func (d *Dispatcher) writeGate(ns *mapping.Namespace) error {
	if d.set.ReadOnly {
		return EROFS
	}
	if ns != nil && ns.ReadOnly {
		return EROFS
	}
	return nil
}

// flusherFor binds the engine's write path to one row.
type rowFlusher struct {
	eng      *engine.Engine
	ns       *mapping.Namespace
	identity string
}

func (f *rowFlusher) FlushRange(ctx context.Context, offset int64, data []byte) error {
	return f.eng.Write(ctx, f.ns, f.identity, offset, data)
}

func (f *rowFlusher) TruncateTo(ctx context.Context, size int64) error {
	return f.eng.Truncate(ctx, f.ns, f.identity, size)
}

func (d *Dispatcher) newBuffer(ns *mapping.Namespace, identity string) *writecache.Buffer {
	return writecache.NewBuffer(
		&rowFlusher{eng: d.eng, ns: ns, identity: identity},
		int64(d.set.WriteBufferMax),
		int64(d.set.GapSlack),
	)
}

// Open opens or creates a file and returns its handle. Writable opens
// get a write buffer; O_CREAT inserts the row when the name does not
// resolve, O_EXCL on an existing name fails, O_TRUNC cuts to zero.
func (d *Dispatcher) Open(path string, flags int) (HandleID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx := d.opCtx()

	if writable(flags) && d.set.ReadOnly {
		return 0, EROFS
	}

	ref, err := d.res.Resolve(path)
	if err != nil {
		return 0, errno(err)
	}
	if ref.Kind != resolver.KindFile {
		return 0, EISDIR
	}
	ns, err := d.namespace(ref)
	if err != nil {
		return 0, err
	}
	if writable(flags) && ns.ReadOnly {
		return 0, EROFS
	}

	entry, lookupErr := d.eng.Lookup(ctx, ns, ref.Name)
	switch {
	case lookupErr == nil:
		if flags&os.O_CREATE != 0 && flags&os.O_EXCL != 0 {
			return 0, EEXIST
		}
		d.res.Bind(ref.Namespace, ref.Name, entry.Identity)
	case errors.Is(lookupErr, common.ErrNotFound) && flags&os.O_CREATE != 0:
		identity, err := d.eng.Create(ctx, ns, ref.Name)
		if err != nil {
			return 0, errno(err)
		}
		d.res.Bind(ref.Namespace, ref.Name, identity)
		entry = &engine.Entry{Identity: identity, Name: ref.Name}
		log.WithFields(log.Fields{
			"namespace": ns.Name,
			"name":      ref.Name,
			"identity":  identity,
		}).Debug("created row")
	default:
		return 0, errno(lookupErr)
	}

	if writable(flags) && flags&os.O_TRUNC != 0 && entry.Attr.Size > 0 {
		if err := d.eng.Truncate(ctx, ns, ref.Identity, 0); err != nil {
			return 0, errno(err)
		}
		entry.Attr.Size = 0
	}

	of := &openFile{ref: ref, flags: flags, size: entry.Attr.Size}
	if writable(flags) {
		of.buf = d.newBuffer(ns, ref.Identity)
	}
	return d.handles.allocate(of), nil
}

// OpenDir opens the root or a namespace directory.
func (d *Dispatcher) OpenDir(path string) (HandleID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ref, err := d.res.Resolve(path)
	if err != nil {
		return 0, errno(err)
	}
	if ref.Kind == resolver.KindFile {
		return 0, ENOTDIR
	}
	return d.handles.allocate(&openFile{ref: ref, dir: true}), nil
}

// Read fills p from the row's content at offset. A dirty buffer on the
// same handle is flushed first so the handle reads its own writes.
func (d *Dispatcher) Read(h HandleID, p []byte, offset int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx := d.opCtx()

	of, ok := d.handles.get(h)
	if !ok {
		return 0, EBADF
	}
	if of.dir {
		return 0, EISDIR
	}
	ns, err := d.namespace(of.ref)
	if err != nil {
		return 0, err
	}
	if of.buf != nil && of.buf.State() != writecache.StateClean {
		if err := of.buf.Flush(ctx); err != nil {
			return 0, errno(err)
		}
	}
	data, err := d.eng.Read(ctx, ns, of.ref.Identity, offset, int64(len(p)))
	if err != nil {
		return 0, errno(err)
	}
	n := copy(p, data)
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write buffers p at offset. Data is acknowledged once merged; the
// buffer decides when the backend actually sees it.
func (d *Dispatcher) Write(h HandleID, p []byte, offset int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.set.ReadOnly {
		return 0, EROFS
	}
	of, ok := d.handles.get(h)
	if !ok {
		return 0, EBADF
	}
	if of.dir {
		return 0, EISDIR
	}
	if of.buf == nil {
		return 0, EBADF
	}
	ns, err := d.namespace(of.ref)
	if err != nil {
		return 0, err
	}
	if ns.ReadOnly {
		return 0, EROFS
	}
	// Never acknowledge bytes the namespace has no statement to persist.
	if !ns.Supports(mapping.OpWrite) {
		return 0, EACCES
	}
	n, err := of.buf.Write(d.opCtx(), offset, p)
	if err != nil {
		return n, errno(err)
	}
	if end := offset + int64(n); end > of.size {
		of.size = end
	}
	return n, nil
}

// GetAttr returns fresh attributes for an open handle. The reported
// size is never smaller than what the handle's buffer has acknowledged.
func (d *Dispatcher) GetAttr(h HandleID) (*Attr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	of, ok := d.handles.get(h)
	if !ok {
		return nil, EBADF
	}
	if of.dir {
		return d.dirAttr(of.ref), nil
	}
	ns, err := d.namespace(of.ref)
	if err != nil {
		return nil, err
	}
	attr, err := d.eng.Stat(d.opCtx(), ns, of.ref.Identity)
	if err != nil {
		return nil, errno(err)
	}
	size := attr.Size
	if of.buf != nil {
		if hw := of.buf.HighWater(); hw > size {
			size = hw
		}
		if pending := of.buf.PendingEnd(); pending > size {
			size = pending
		}
	}
	of.size = size
	return d.fileAttr(of.ref, ns, size, attr), nil
}

// GetAttrByPath resolves and stats a path without opening it.
func (d *Dispatcher) GetAttrByPath(path string) (*Attr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ref, err := d.res.Resolve(path)
	if err != nil {
		return nil, errno(err)
	}
	if ref.Kind != resolver.KindFile {
		return d.dirAttr(ref), nil
	}
	ns, err := d.namespace(ref)
	if err != nil {
		return nil, err
	}
	entry, err := d.eng.Lookup(d.opCtx(), ns, ref.Name)
	if err != nil {
		return nil, errno(err)
	}
	d.res.Bind(ref.Namespace, ref.Name, entry.Identity)
	return d.fileAttr(ref, ns, entry.Attr.Size, &entry.Attr), nil
}

// Lookup resolves a name within a directory.
func (d *Dispatcher) Lookup(dir, name string) (*Attr, error) {
	return d.GetAttrByPath(common.JoinPath(dir, name))
}

func (d *Dispatcher) dirAttr(ref *resolver.EntityRef) *Attr {
	return &Attr{
		Ino:   ref.Ino,
		Name:  ref.Namespace,
		Dir:   true,
		Mtime: d.started,
		Ctime: d.started,
	}
}

func (d *Dispatcher) fileAttr(ref *resolver.EntityRef, ns *mapping.Namespace, size int64, attr *engine.Attr) *Attr {
	out := &Attr{
		Ino:   ref.Ino,
		Name:  ref.Name,
		Size:  size,
		Mtime: d.started,
		Ctime: d.started,
	}
	if attr != nil {
		if attr.HasMtime {
			out.Mtime = attr.Mtime
		}
		if attr.HasCtime {
			out.Ctime = attr.Ctime
		} else if attr.HasMtime {
			out.Ctime = attr.Mtime
		}
	}
	return out
}

// ReadDir lists a directory handle. The root lists namespace
// directories from the mapping alone; a namespace round-trips its list
// statement every call so new and renamed rows appear immediately, and
// the resolver's identity bindings are refreshed from the rows.
func (d *Dispatcher) ReadDir(h HandleID) ([]DirEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	of, ok := d.handles.get(h)
	if !ok {
		return nil, EBADF
	}
	if !of.dir {
		return nil, ENOTDIR
	}

	if of.ref.Kind == resolver.KindRoot {
		names := d.set.Names()
		entries := make([]DirEntry, 0, len(names))
		for _, name := range names {
			ref, err := d.res.Resolve("/" + name)
			if err != nil {
				return nil, errno(err)
			}
			entries = append(entries, DirEntry{
				Name:  name,
				Ino:   ref.Ino,
				Dir:   true,
				Mtime: d.started,
			})
		}
		return entries, nil
	}

	ns, err := d.namespace(of.ref)
	if err != nil {
		return nil, err
	}
	rows, err := d.eng.List(d.opCtx(), ns)
	if err != nil {
		return nil, errno(err)
	}
	entries := make([]DirEntry, 0, len(rows))
	for _, row := range rows {
		if row.Name == "" {
			continue
		}
		ref := d.res.Bind(ns.Name, row.Name, row.Identity)
		mtime := d.started
		if row.Attr.HasMtime {
			mtime = row.Attr.Mtime
		}
		entries = append(entries, DirEntry{
			Name:  row.Name,
			Ino:   ref.Ino,
			Size:  row.Attr.Size,
			Mtime: mtime,
		})
	}
	return entries, nil
}

// Truncate flushes the handle's pending writes, then cuts the row's
// content to size.
func (d *Dispatcher) Truncate(h HandleID, size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.set.ReadOnly {
		return EROFS
	}
	of, ok := d.handles.get(h)
	if !ok {
		return EBADF
	}
	if of.dir {
		return EISDIR
	}
	if of.buf == nil {
		return EBADF
	}
	ns, err := d.namespace(of.ref)
	if err != nil {
		return err
	}
	if ns.ReadOnly {
		return EROFS
	}
	if !ns.Supports(mapping.OpTruncate) {
		return EACCES
	}
	if err := of.buf.Truncate(d.opCtx(), size); err != nil {
		return errno(err)
	}
	if size < of.size {
		of.size = size
	}
	return nil
}

// Fsync flushes the handle's buffer.
func (d *Dispatcher) Fsync(h HandleID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	of, ok := d.handles.get(h)
	if !ok {
		return EBADF
	}
	if of.buf == nil {
		return nil
	}
	if err := of.buf.Flush(d.opCtx()); err != nil {
		return errno(err)
	}
	return nil
}

// Release closes a handle. A dirty buffer is always flushed first and
// a flush failure is reported here exactly once; the handle is freed
// either way, since the kernel bridge will not retry a close.
func (d *Dispatcher) Release(h HandleID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	of, ok := d.handles.get(h)
	if !ok {
		return EBADF
	}
	d.handles.release(h)
	if of.buf == nil {
		return nil
	}
	if err := of.buf.Close(d.opCtx()); err != nil {
		return errno(err)
	}
	return nil
}

// Unlink runs the namespace's delete statement for the named row. Any
// open write buffer for the row is discarded only after the statement
// succeeds; a failed delete leaves pending data intact.
func (d *Dispatcher) Unlink(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx := d.opCtx()

	if d.set.ReadOnly {
		return EROFS
	}
	ref, err := d.res.Resolve(path)
	if err != nil {
		return errno(err)
	}
	if ref.Kind != resolver.KindFile {
		return EPERM
	}
	ns, err := d.namespace(ref)
	if err != nil {
		return err
	}
	if ns.ReadOnly {
		return EROFS
	}
	// Capability first: a namespace without a delete statement rejects
	// the operation before any statement runs.
	if !ns.Supports(mapping.OpDelete) {
		return EACCES
	}
	identity, err := d.identityFor(ctx, ns, ref)
	if err != nil {
		return errno(err)
	}
	if err := d.eng.Delete(ctx, ns, identity); err != nil {
		return errno(err)
	}
	for _, open := range d.handles.handles {
		if open.ref == ref && open.buf != nil {
			open.buf.Discard()
		}
	}
	d.res.Forget(ref)
	return nil
}

// Rename moves a row to a new display name within its namespace. A
// row cannot change namespaces: the backing tables differ, so a cross
// namespace rename is invalid rather than a copy.
func (d *Dispatcher) Rename(oldPath, newPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx := d.opCtx()

	if d.set.ReadOnly {
		return EROFS
	}
	ref, err := d.res.Resolve(oldPath)
	if err != nil {
		return errno(err)
	}
	if ref.Kind != resolver.KindFile {
		return EPERM
	}
	newNS, newName := common.SplitNamespace(common.NormalizePath(newPath))
	if newNS != ref.Namespace || newName == "" || strings.Contains(newName, "/") {
		return EINVAL
	}
	ns, err := d.namespace(ref)
	if err != nil {
		return err
	}
	if ns.ReadOnly {
		return EROFS
	}
	if !ns.Supports(mapping.OpRename) {
		return EACCES
	}
	identity, err := d.identityFor(ctx, ns, ref)
	if err != nil {
		return errno(err)
	}

	// POSIX rename replaces an existing target. That needs a delete
	// statement; without one the collision is surfaced instead of
	// leaving two rows under one name.
	if target, lookupErr := d.eng.Lookup(ctx, ns, newName); lookupErr == nil {
		if target.Identity == identity {
			return nil
		}
		if !ns.Supports(mapping.OpDelete) {
			return EEXIST
		}
		if err := d.eng.Delete(ctx, ns, target.Identity); err != nil {
			return errno(err)
		}
		d.res.Forget(d.res.Bind(ns.Name, newName, target.Identity))
	} else if !errors.Is(lookupErr, common.ErrNotFound) {
		return errno(lookupErr)
	}

	if err := d.eng.Rename(ctx, ns, identity, newName); err != nil {
		return errno(err)
	}
	d.res.Rename(ref, newName)
	return nil
}

// identityFor returns the row identity for a ref, looking it up by
// name when no prior operation has bound one.
func (d *Dispatcher) identityFor(ctx context.Context, ns *mapping.Namespace, ref *resolver.EntityRef) (string, error) {
	if ref.Identity != "" {
		return ref.Identity, nil
	}
	entry, err := d.eng.Lookup(ctx, ns, ref.Name)
	if err != nil {
		return "", err
	}
	d.res.Bind(ref.Namespace, ref.Name, entry.Identity)
	return entry.Identity, nil
}
