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

const (
	MountReadOnly = 1 << iota
)

// Mount represents one mounted filesystem instance (spec §3).
type Mount struct {
	ops     FsOps
	flags   int
	refs    int
	device  string
	Root    *Vnode
	covered *Vnode
}

// ReadOnly reports whether the mount was established with MountReadOnly.
func (m *Mount) ReadOnly() bool { return m.flags&MountReadOnly != 0 }

// mountList is the global mount table (spec §3: "a mount list is global,
// protected by a process-wide mutex").
var mountList = struct {
	sync.Mutex
	mounts []*Mount
}{}

// rootMount is the special root filesystem mount: it has no covered vnode.
var rootMount *Mount

// MountRoot establishes the root filesystem. It may be called exactly
// once; subsequent calls return kernerr.Busy.
func MountRoot(ops FsOps, device string, flags int) (*Mount, error) {
	mountList.Lock()
	defer mountList.Unlock()

	if rootMount != nil {
		return nil, errors.Wrap(kernerr.Busy, "root already mounted")
	}

	m := &Mount{ops: ops, flags: flags, device: device, refs: 1}
	m.Root = vget(nil, "", m)
	m.Root.flags |= flagRoot
	m.Root.mode = ModeDir | 0755
	m.Root.Unlock()

	rootMount = m
	mountList.mounts = append(mountList.mounts, m)

	return m, nil
}

// MountAt establishes a new filesystem covering the directory named by path,
// resolved relative to root. All non-root mounts require lookup of the
// covered directory, allocation of the mount's root vnode, and hiding of
// the covered vnode so subsequent lookups skip straight to the new mount's
// root (spec §4.3 "Mount").
func MountAt(root *Vnode, path string, ops FsOps, device string, flags int) (*Mount, error) {
	covered, err := Lookup(root, path, LookupOptions{})
	if err != nil {
		return nil, err
	}

	covered.Lock()

	if !covered.mode.IsDir() {
		vput(covered)
		return nil, errors.Wrap(kernerr.NotADirectory, path)
	}

	m := &Mount{ops: ops, flags: flags, device: device, refs: 1, covered: covered}
	m.Root = vget(nil, "", m)
	m.Root.flags |= flagRoot
	m.Root.mode = ModeDir | 0755
	m.Root.Unlock()

	covered.flags |= flagHidden | flagMountedHere
	covered.mountedHere = m
	covered.Unlock()

	mountList.Lock()
	mountList.mounts = append(mountList.mounts, m)
	mountList.Unlock()

	return m, nil
}

// Unmount reverses MountAt/MountRoot. It refuses with kernerr.Busy if the
// mount's root has more than the one reference Unmount itself expects to
// find (spec §4.3: "Umount reverses in order; refuses if the root has more
// than one reference").
func Unmount(m *Mount) error {
	mountList.Lock()
	defer mountList.Unlock()

	m.Root.Lock()

	if m.Root.refcount > 1 {
		m.Root.Unlock()
		return errors.Wrap(kernerr.Busy, "mount busy")
	}

	m.Root.Unlock()

	for i, cand := range mountList.mounts {
		if cand == m {
			mountList.mounts = append(mountList.mounts[:i], mountList.mounts[i+1:]...)
			break
		}
	}

	if m.covered != nil {
		m.covered.Lock()
		m.covered.flags &^= (flagHidden | flagMountedHere)
		m.covered.mountedHere = nil
		vput(m.covered)
	}

	if m == rootMount {
		rootMount = nil
	}

	return nil
}
