// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vfs

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/usbarmory/kernel/kernerr"
)

// MemFS is a minimal in-memory filesystem implementing FsOps, used to
// exercise the VFS core (path resolution, vnode lifetime, fd tables)
// without a real block device backing it. It plays the role the original
// kernel's ramfs plays in its own unit tests.
//
// Directory state lives in memNode.children, not in a map keyed by *Vnode:
// vnodes are transient (evicted from the hash once their refcount drops to
// zero, per vput), while a directory's contents must survive eviction and
// be found again the next time something looks it up. The root directory
// has no memNode of its own (Vnode.fsData is nil for the mount root), so
// it gets a dedicated field.
type MemFS struct {
	mu   sync.Mutex
	root memNode
}

type memNode struct {
	mode     FileMode
	data     []byte
	link     string
	children map[string]*memNode
}

// NewMemFS returns an empty MemFS ready to be passed to MountRoot.
func NewMemFS() *MemFS {
	return &MemFS{root: memNode{mode: ModeDir | 0755, children: make(map[string]*memNode)}}
}

// dirNode returns the memNode backing directory vnode v: the root mount's
// own fsData is nil, so the root falls back to fs.root.
func (fs *MemFS) dirNode(v *Vnode) *memNode {
	if v.fsData == nil {
		return &fs.root
	}

	return v.fsData.(*memNode)
}

func (fs *MemFS) Lookup(dir *Vnode, name string) (*Vnode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	node, ok := fs.dirNode(dir).children[name]
	if !ok {
		return nil, errors.Wrap(kernerr.NotFound, name)
	}

	v := vget(dir, name, dir.mount)
	v.mode = node.mode
	v.fsData = node
	v.size = int64(len(node.data))

	return v, nil
}

func (fs *MemFS) Open(v *Vnode, flags int) (interface{}, error) { return nil, nil }
func (fs *MemFS) Close(v *Vnode, data interface{}) error        { return nil }

func (fs *MemFS) Read(v *Vnode, data interface{}, buf []byte, off int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	node := v.fsData.(*memNode)

	if off >= int64(len(node.data)) {
		return 0, nil
	}

	n := copy(buf, node.data[off:])
	return n, nil
}

func (fs *MemFS) Write(v *Vnode, data interface{}, buf []byte, off int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	node := v.fsData.(*memNode)

	end := off + int64(len(buf))
	if end > int64(len(node.data)) {
		grown := make([]byte, end)
		copy(grown, node.data)
		node.data = grown
	}

	copy(node.data[off:], buf)
	v.size = int64(len(node.data))

	return len(buf), nil
}

func (fs *MemFS) Readdir(v *Vnode, data interface{}, index int) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	i := 0
	for name := range fs.dirNode(v).children {
		if i == index {
			return name, nil
		}
		i++
	}

	return "", errors.Wrap(kernerr.NotFound, "no more entries")
}

// Mknod creates a new entry named name under dir and returns it, locked
// and referenced (matching Lookup's contract); callers that only need the
// side effect (test fixtures setting up a tree) should immediately release
// it with vput.
func (fs *MemFS) Mknod(dir *Vnode, name string, mode FileMode) (*Vnode, error) {
	fs.mu.Lock()

	d := fs.dirNode(dir)
	if _, exists := d.children[name]; exists {
		fs.mu.Unlock()
		return nil, errors.Wrap(kernerr.AlreadyExists, name)
	}

	node := &memNode{mode: mode}
	if mode.IsDir() {
		node.children = make(map[string]*memNode)
	}

	d.children[name] = node
	fs.mu.Unlock()

	dir.Lock()
	v := vget(dir, name, dir.mount)
	dir.Unlock()

	v.mode = mode
	v.fsData = node

	return v, nil
}

func (fs *MemFS) Unlink(dir *Vnode, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d := fs.dirNode(dir)
	if _, exists := d.children[name]; !exists {
		return errors.Wrap(kernerr.NotFound, name)
	}

	delete(d.children, name)
	return nil
}

func (fs *MemFS) Rename(oldDir *Vnode, oldName string, newDir *Vnode, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if oldDir.mount != newDir.mount {
		return errors.Wrap(kernerr.CrossDevice, "rename across filesystems")
	}

	od := fs.dirNode(oldDir)
	node, ok := od.children[oldName]
	if !ok {
		return errors.Wrap(kernerr.NotFound, oldName)
	}

	nd := fs.dirNode(newDir)
	nd.children[newName] = node
	delete(od.children, oldName)

	return nil
}

func (fs *MemFS) Getattr(v *Vnode) (FileMode, int64, error) {
	return v.mode, v.size, nil
}

func (fs *MemFS) Setattr(v *Vnode, mode FileMode) error {
	v.mode = mode
	return nil
}

func (fs *MemFS) Inactive(v *Vnode) {}

func (fs *MemFS) Truncate(v *Vnode, data interface{}, size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	node := v.fsData.(*memNode)

	if size <= int64(len(node.data)) {
		node.data = node.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, node.data)
		node.data = grown
	}

	v.size = size
	return nil
}

func (fs *MemFS) Fsync(v *Vnode, data interface{}) error { return VopNullop() }

func (fs *MemFS) Readlink(v *Vnode) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	node := v.fsData.(*memNode)
	if !node.mode.IsSymlink() {
		return "", errors.Wrap(kernerr.Invalid, "not a symlink")
	}

	return node.link, nil
}

func (fs *MemFS) Symlink(dir *Vnode, name string, target string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d := fs.dirNode(dir)
	if _, exists := d.children[name]; exists {
		return errors.Wrap(kernerr.AlreadyExists, name)
	}

	d.children[name] = &memNode{mode: ModeSymlink | 0777, link: target}
	return nil
}

// Mkdir is a convenience helper layered on Mknod for tests.
func (fs *MemFS) Mkdir(dir *Vnode, name string) (*Vnode, error) {
	return fs.Mknod(dir, name, ModeDir|0755)
}
