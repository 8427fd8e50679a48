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

// Package resolver turns filesystem paths into logical entity
// references with stable, process-lifetime inode numbers.
package resolver

import (
	"sync"

	"tablefs/internal/common"
	"tablefs/internal/mapping"
)

// Kind classifies an entity reference.
type Kind int

const (
	KindRoot Kind = iota
	KindDir       // a namespace directory
	KindFile      // a row inside a namespace
)

// RootIno is the inode of the filesystem root.
const RootIno int64 = 1

// EntityRef is a resolved (namespace, name) pair with its inode.
// Identity is the backing row's identity value; it is empty until a
// lookup, listing or create binds it.
type EntityRef struct {
	Ino       int64
	Kind      Kind
	Namespace string
	Name      string
	Identity  string
}

type refKey struct {
	namespace string
	name      string
}

// Resolver allocates and remembers entity references. The tables are
// append-only: an inode is never reused for a different entity within
// one process run, and the same (namespace, name) always yields the
// same inode.
type Resolver struct {
	mu      sync.Mutex
	set     *mapping.MappingSet
	nextIno int64
	byKey   map[refKey]*EntityRef
	byIno   map[int64]*EntityRef
	root    *EntityRef
}

// New builds a resolver over the mapping set. The root gets inode 1 and
// each namespace directory a fixed inode after it, in sorted order —
// directory inodes are stable across runs for a given config.
func New(set *mapping.MappingSet) *Resolver {
	r := &Resolver{
		set:     set,
		nextIno: RootIno,
		byKey:   make(map[refKey]*EntityRef),
		byIno:   make(map[int64]*EntityRef),
	}
	r.root = &EntityRef{Ino: RootIno, Kind: KindRoot}
	r.byIno[RootIno] = r.root
	for _, name := range set.Names() {
		r.nextIno++
		ref := &EntityRef{Ino: r.nextIno, Kind: KindDir, Namespace: name}
		r.byKey[refKey{namespace: name}] = ref
		r.byIno[ref.Ino] = ref
	}
	return r
}

// Root returns the root directory reference.
func (r *Resolver) Root() *EntityRef {
	return r.root
}

// Resolve maps a path to its entity reference. File references are
// lazily allocated; existence against the backend is the engine's
// concern, never the resolver's. Namespaces are flat, so a remainder
// with further path separators cannot name anything.
func (r *Resolver) Resolve(path string) (*EntityRef, error) {
	ns, rest := common.SplitNamespace(path)
	if ns == "" {
		return r.root, nil
	}
	if _, ok := r.set.Namespace(ns); !ok {
		return nil, common.ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rest == "" {
		return r.byKey[refKey{namespace: ns}], nil
	}
	if idx := indexSlash(rest); idx >= 0 {
		return nil, common.ErrNotFound
	}
	return r.bindLocked(ns, rest, ""), nil
}

// ByIno returns the reference registered under an inode.
func (r *Resolver) ByIno(ino int64) (*EntityRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.byIno[ino]
	return ref, ok
}

// Bind allocates (or returns) the file reference for (namespace, name)
// and records the row identity when one is known. Lookup, listing and
// create all funnel their discovered identities through here.
func (r *Resolver) Bind(namespace, name, identity string) *EntityRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindLocked(namespace, name, identity)
}

func (r *Resolver) bindLocked(namespace, name, identity string) *EntityRef {
	key := refKey{namespace: namespace, name: name}
	if ref, ok := r.byKey[key]; ok {
		if identity != "" {
			ref.Identity = identity
		}
		return ref
	}
	r.nextIno++
	ref := &EntityRef{
		Ino:       r.nextIno,
		Kind:      KindFile,
		Namespace: namespace,
		Name:      name,
		Identity:  identity,
	}
	r.byKey[key] = ref
	r.byIno[ref.Ino] = ref
	return ref
}

// Rename re-keys a file reference under its new name, preserving the
// inode. If the target name already has a reference, it is displaced —
// the renamed row now owns that name.
func (r *Resolver) Rename(ref *EntityRef, newName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, refKey{namespace: ref.Namespace, name: ref.Name})
	ref.Name = newName
	r.byKey[refKey{namespace: ref.Namespace, name: newName}] = ref
}

// Forget drops the name binding after an unlink. The inode entry stays
// (inodes are never reused); a later file with the same name is a new
// row and gets a fresh inode.
func (r *Resolver) Forget(ref *EntityRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, refKey{namespace: ref.Namespace, name: ref.Name})
}

func indexSlash(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
