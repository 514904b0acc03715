// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vfs implements the virtual file system layer: a vnode cache with
// parent-before-child locking and reference counting, shared refcounted
// file descriptions, per-task file descriptor tables with CLOEXEC, a mount
// list, pipes, and path resolution with symlink following.
//
// It is adapted from the apex kernel's sys/fs/{vfs,vnode,pipe}.cpp: the
// locking discipline and the vnode hash table shape mirror that design,
// and the fd table keeps its per-slot CLOEXEC and reserved states as plain
// fields rather than bits packed into a pointer (see fdSlot), rebuilt around Go interfaces
// and sync.RWMutex/sync.Mutex instead of a custom scheduler's sleep locks.
package vfs

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/usbarmory/kernel/kernerr"
)

// Log is the package logger; callers may replace it (e.g. with a
// logrus.Entry carrying request-scoped fields) before mounting.
var Log = logrus.StandardLogger()

// FileMode mirrors the POSIX file-type-plus-permission-bits encoding used
// throughout the data model (vnode.mode, mknod's mode argument, stat).
type FileMode uint32

const (
	ModeDir FileMode = 1 << (iota + 16)
	ModeFile
	ModeChar
	ModeFIFO
	ModeSymlink

	ModeTypeMask = ModeDir | ModeFile | ModeChar | ModeFIFO | ModeSymlink
	ModePerm     = 0777
)

func (m FileMode) IsDir() bool     { return m&ModeDir != 0 }
func (m FileMode) IsRegular() bool { return m&ModeFile != 0 }
func (m FileMode) IsFIFO() bool    { return m&ModeFIFO != 0 }
func (m FileMode) IsSymlink() bool { return m&ModeSymlink != 0 }

// vnodeFlag is the vnode short flag bitfield from the data model (§3):
// root-of-mount, hidden (covered by a later mount), and so on.
type vnodeFlag uint8

const (
	flagRoot vnodeFlag = 1 << iota
	flagHidden
	flagMountedHere
)

// vnodeBuckets mirrors VNODE_BUCKETS from vnode.cpp: the vnode hash table
// is a fixed 128-bucket table keyed on (parent, name).
const vnodeBuckets = 128

// Vnode represents a named filesystem object in the in-core vnode cache.
//
// Invariants (spec §3): refcount is ≥ 1 while the vnode is reachable from
// the hash table; a vnode in the hash is addressable by (parent, name);
// when refcount drops to zero the vnode is removed from the hash before
// the filesystem's Inactive callback runs; holding a child's lock forbids
// acquiring its parent's lock without first releasing the child's.
type Vnode struct {
	mu sync.Mutex

	mount  *Mount
	parent *Vnode
	name   string

	refcount int
	flags    vnodeFlag
	mode     FileMode
	size     int64

	// mountedHere is set, alongside flagMountedHere, on the covered vnode
	// a mount hides; crossMount reads it to redirect a lookup of the
	// covered name to the mount's root instead.
	mountedHere *Mount

	// blockNumber and cookie are filesystem-private state; fsData is the
	// analogue of vnode::v_data in the original, opaque to the VFS core.
	blockNumber int64
	fsData      interface{}

	// pipe is non-nil for FIFO vnodes created by Pipe(); see pipe.go.
	pipe *Pipe
}

// Lock/Unlock expose the vnode's lock, a plain sync.Mutex that is not
// recursive. Callers must
// respect parent-before-child ordering (spec §4.3, §5).
func (v *Vnode) Lock()   { v.mu.Lock() }
func (v *Vnode) Unlock() { v.mu.Unlock() }

// Mode returns the vnode's POSIX type+permission bits.
func (v *Vnode) Mode() FileMode { return v.mode }

// Size returns the vnode's current size.
func (v *Vnode) Size() int64 { return v.size }

// Name returns the path component this vnode is addressed by under its
// parent (empty for a mount root).
func (v *Vnode) Name() string { return v.name }

// ref increments the vnode's reference count. Callers hold the vnode
// lock, or the hash lock when creating a fresh vnode.
func (v *Vnode) ref() {
	v.refcount++
}

// vnodeKey is the (parent, name) pair a vnode hashes on.
type vnodeKey struct {
	parent *Vnode
	name   string
}

// vnodeHash is the global vnode cache: VNODE_BUCKETS buckets, each a plain
// slice (the original uses an intrusive hash-chain list; a slice is the
// idiomatic Go equivalent for a cache this shape).
type vnodeHash struct {
	mu      sync.Mutex
	buckets [vnodeBuckets][]*Vnode
}

var vnodes = &vnodeHash{}

func hashIndex(parent *Vnode, name string) int {
	// FNV-1a over the parent pointer identity and the name, folded into
	// VNODE_BUCKETS the way vn_hash folds a pointer and a string.
	const prime = 16777619
	h := uintptr(unsafe.Pointer(parent))
	for i := 0; i < len(name); i++ {
		h ^= uintptr(name[i])
		h *= prime
	}

	return int(h % vnodeBuckets)
}

// lookupCached returns a referenced, locked vnode for (parent, name) if one
// is already cached, or nil. A covered vnode (flagHidden set by MountAt)
// is returned like any other: it stays in the hash for as long as its
// mount is active, and it is step/crossMount's job to notice
// flagMountedHere and redirect to the mount's root rather than returning
// the covered vnode itself.
func lookupCached(parent *Vnode, name string) *Vnode {
	vnodes.mu.Lock()
	defer vnodes.mu.Unlock()

	idx := hashIndex(parent, name)

	for _, v := range vnodes.buckets[idx] {
		if v.parent != parent || v.name != name {
			continue
		}

		v.Lock()
		v.ref()

		return v
	}

	return nil
}

// vget allocates a fresh vnode for (parent, name) and inserts it into the
// hash, locked and with refcount 1 (the caller's reference). It also takes
// the child's structural reference on parent (spec §9: "child holds a
// strong reference to parent"), which vput releases when the child's own
// refcount falls to zero. The caller must already hold parent's lock, and
// must not be holding any other child's lock.
func vget(parent *Vnode, name string, m *Mount) *Vnode {
	if parent != nil {
		parent.ref()
	}

	v := &Vnode{
		mount:    m,
		parent:   parent,
		name:     name,
		refcount: 1,
	}
	v.mu.Lock()

	vnodes.mu.Lock()
	idx := hashIndex(parent, name)
	vnodes.buckets[idx] = append(vnodes.buckets[idx], v)
	vnodes.mu.Unlock()

	return v
}

// vput releases one reference to v and unlocks it. If the reference count
// reaches zero the vnode is removed from the hash, the filesystem's
// Inactive callback runs, and (unless v is a mount root) the parent is
// locked to drop the reference v held on it — child-before-parent, which
// is safe here because v's own lock is released first.
func vput(v *Vnode) {
	v.refcount--
	count := v.refcount
	parent := v.parent
	v.Unlock()

	if count > 0 {
		return
	}

	removeFromHash(v)

	if v.mount != nil && v.mount.ops != nil {
		v.mount.ops.Inactive(v)
	}

	if parent != nil {
		parent.Lock()
		vput(parent)
	}
}

func removeFromHash(v *Vnode) {
	vnodes.mu.Lock()
	defer vnodes.mu.Unlock()

	idx := hashIndex(v.parent, v.name)
	bucket := vnodes.buckets[idx]

	for i, cand := range bucket {
		if cand == v {
			vnodes.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// FsOps is the filesystem capability set a mounted filesystem implements:
// the target-language replacement for macro-dispatch vops (§9 Design
// Notes), realised as an interface instead of a function-pointer table.
// Implementations that do not support an operation return an error;
// VopEinval below is a ready-made stand-in for that and wraps
// kernerr.Invalid, and VopNullop is a ready-made no-op success.
type FsOps interface {
	Lookup(dir *Vnode, name string) (*Vnode, error)
	Open(v *Vnode, flags int) (interface{}, error)
	Close(v *Vnode, data interface{}) error
	Read(v *Vnode, data interface{}, buf []byte, off int64) (int, error)
	Write(v *Vnode, data interface{}, buf []byte, off int64) (int, error)
	Readdir(v *Vnode, data interface{}, index int) (name string, err error)
	Mknod(dir *Vnode, name string, mode FileMode) (*Vnode, error)
	Unlink(dir *Vnode, name string) error
	Rename(oldDir *Vnode, oldName string, newDir *Vnode, newName string) error
	Getattr(v *Vnode) (FileMode, int64, error)
	Setattr(v *Vnode, mode FileMode) error
	Inactive(v *Vnode)
	Truncate(v *Vnode, data interface{}, size int64) error
	Fsync(v *Vnode, data interface{}) error
	Readlink(v *Vnode) (string, error)
	Symlink(dir *Vnode, name string, target string) error
}

// VopNullop is a no-op Inactive/Fsync suitable for filesystems with nothing
// to flush or tear down.
func VopNullop() error { return nil }

// VopEinval is an explicit invalid-operation stand-in for ops a filesystem
// does not support (§9: vop_nullop / vop_einval remain as explicit
// no-op/invalid actions).
func VopEinval() error { return errors.Wrap(kernerr.Invalid, "operation not supported by this filesystem") }
