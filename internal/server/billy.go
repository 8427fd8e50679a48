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

package server

import (
	"io"
	"os"
	"path"
	"time"

	billy "github.com/go-git/go-billy/v5"
	nfsfile "github.com/willscott/go-nfs/file"

	"tablefs/internal/dispatch"
)

// BillyAdapter exposes the dispatcher through the Billy filesystem
// interface the NFS server consumes.
type BillyAdapter struct {
	d   *dispatch.Dispatcher
	uid uint32 // cached os.Getuid() — avoids a syscall per Sys() call
	gid uint32
}

// NewBillyAdapter creates a Billy adapter over the dispatcher.
func NewBillyAdapter(d *dispatch.Dispatcher) *BillyAdapter {
	return &BillyAdapter{
		d:   d,
		uid: uint32(os.Getuid()),
		gid: uint32(os.Getgid()),
	}
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	handle, err := b.d.Open(filename, flag)
	if err != nil {
		return nil, err
	}
	return &BillyFile{adapter: b, handle: handle, name: filename}, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	attr, err := b.d.GetAttrByPath(filename)
	if err != nil {
		return nil, err
	}
	return &billyFileInfo{name: path.Base(filename), attr: attr, adapter: b}, nil
}

// Lstat matches Stat: rows have no symlink distinction.
func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	return b.Stat(filename)
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	return b.d.Rename(oldpath, newpath)
}

func (b *BillyAdapter) Remove(filename string) error {
	return b.d.Unlink(filename)
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, os.ErrInvalid
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	handle, err := b.d.OpenDir(dirname)
	if err != nil {
		return nil, err
	}
	defer b.d.Release(handle)

	entries, err := b.d.ReadDir(handle)
	if err != nil {
		return nil, err
	}
	result := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		result = append(result, &billyFileInfo{
			name: e.Name,
			attr: &dispatch.Attr{
				Ino:   e.Ino,
				Name:  e.Name,
				Dir:   e.Dir,
				Size:  e.Size,
				Mtime: e.Mtime,
			},
			adapter: b,
		})
	}
	return result, nil
}

// MkdirAll is rejected: the directory layer is fixed by the mapping
// configuration, directories cannot be made over the wire.
func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	return dispatch.EPERM
}

func (b *BillyAdapter) Symlink(target, link string) error {
	return dispatch.EPERM
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	return "", os.ErrInvalid
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, os.ErrInvalid
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// billy.Change interface: rows carry no unix metadata, accept and drop.
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error         { return nil }
func (b *BillyAdapter) Lchown(name string, uid, gid int) error            { return nil }
func (b *BillyAdapter) Chown(name string, uid, gid int) error             { return nil }
func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error { return nil }

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability | billy.TruncateCapability
}

// BillyFile is one open handle seen through Billy's file interface.
type BillyFile struct {
	adapter *BillyAdapter
	handle  dispatch.HandleID
	name    string
	offset  int64
}

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (n int, err error) {
	n, err = f.adapter.d.Write(f.handle, p, f.offset)
	if err == nil {
		f.offset += int64(n)
	}
	return
}

func (f *BillyFile) Read(p []byte) (n int, err error) {
	n, err = f.adapter.d.Read(f.handle, p, f.offset)
	if err == nil {
		f.offset += int64(n)
	}
	return
}

func (f *BillyFile) ReadAt(p []byte, off int64) (n int, err error) {
	return f.adapter.d.Read(f.handle, p, off)
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		attr, err := f.adapter.d.GetAttr(f.handle)
		if err != nil {
			return 0, err
		}
		f.offset = attr.Size + offset
	}
	return f.offset, nil
}

func (f *BillyFile) Close() error {
	return f.adapter.d.Release(f.handle)
}

func (f *BillyFile) Lock() error   { return nil }
func (f *BillyFile) Unlock() error { return nil }

func (f *BillyFile) Truncate(size int64) error {
	return f.adapter.d.Truncate(f.handle, size)
}

type billyFileInfo struct {
	name    string
	attr    *dispatch.Attr
	adapter *BillyAdapter
}

func (fi *billyFileInfo) Name() string {
	return fi.name
}

func (fi *billyFileInfo) Size() int64 {
	return fi.attr.Size
}

func (fi *billyFileInfo) Mode() os.FileMode {
	if fi.attr.Dir {
		return os.ModeDir | 0755
	}
	return 0644
}

func (fi *billyFileInfo) ModTime() time.Time {
	return fi.attr.Mtime
}

func (fi *billyFileInfo) IsDir() bool {
	return fi.attr.Dir
}

func (fi *billyFileInfo) Sys() interface{} {
	// go-nfs's GetInfo() only recognizes file.FileInfo, and Fileid is
	// what gives clients stable NFS file handles.
	return &nfsfile.FileInfo{
		Nlink:  1,
		UID:    fi.adapter.uid,
		GID:    fi.adapter.gid,
		Fileid: uint64(fi.attr.Ino),
	}
}

var (
	_ billy.Filesystem = (*BillyAdapter)(nil)
	_ billy.Change     = (*BillyAdapter)(nil)
	_ billy.File       = (*BillyFile)(nil)
	_ os.FileInfo      = (*billyFileInfo)(nil)
)
