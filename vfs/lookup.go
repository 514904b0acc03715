// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vfs

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/usbarmory/kernel/kernerr"
)

// maxSymlinkDepth caps symlink-following recursion (spec §4.3: "recursion
// depth capped at 16").
const maxSymlinkDepth = 16

// LookupOptions modifies path resolution.
type LookupOptions struct {
	// NoFollow leaves a trailing symlink component unresolved (O_NOFOLLOW).
	NoFollow bool
}

// Lookup resolves path relative to dir (an absolute path ignores dir) and
// returns the target vnode, referenced and unlocked.
func Lookup(dir *Vnode, path string, opts LookupOptions) (*Vnode, error) {
	v, err := lookup(dir, path, opts, 0)
	if err != nil {
		return nil, err
	}

	v.Unlock()
	return v, nil
}

// LookupDir resolves all but the final component of path and returns the
// parent directory (referenced, unlocked) plus the final component name.
// If the final component exists, its vnode is also returned; if it does
// not, vnode is nil and err is nil (spec §4.3: "lookup_dir additionally
// returns the parent and missing-component if the final path component
// does not exist").
func LookupDir(dir *Vnode, path string) (parent *Vnode, name string, v *Vnode, err error) {
	dirPart, base := splitLast(path)

	parent, err = Lookup(dir, dirPart, LookupOptions{})
	if err != nil {
		return nil, "", nil, err
	}

	parent.Lock()

	if !parent.mode.IsDir() {
		vput(parent)
		return nil, "", nil, errors.Wrap(kernerr.NotADirectory, dirPart)
	}

	v, lookupErr := parent.mount.ops.Lookup(parent, base)
	parent.Unlock()

	if lookupErr != nil {
		if errors.Is(lookupErr, kernerr.NotFound) {
			return parent, base, nil, nil
		}

		vput(parent)
		return nil, "", nil, lookupErr
	}

	return parent, base, v, nil
}

// LookupNoexist resolves path's parent and requires the final component
// not to exist. It returns the parent, locked (spec §4.3: "lookup_noexist
// ... returns the parent directory locked").
func LookupNoexist(dir *Vnode, path string) (parent *Vnode, name string, err error) {
	dirPart, base := splitLast(path)

	parent, err = Lookup(dir, dirPart, LookupOptions{})
	if err != nil {
		return nil, "", err
	}

	parent.Lock()

	if !parent.mode.IsDir() {
		vput(parent)
		return nil, "", errors.Wrap(kernerr.NotADirectory, dirPart)
	}

	existing, lookupErr := parent.mount.ops.Lookup(parent, base)

	if lookupErr == nil {
		vput(existing)
		vput(parent)
		return nil, "", errors.Wrap(kernerr.AlreadyExists, base)
	}

	if !errors.Is(lookupErr, kernerr.NotFound) {
		vput(parent)
		return nil, "", lookupErr
	}

	return parent, base, nil
}

func splitLast(path string) (dir string, base string) {
	path = strings.TrimRight(path, "/")

	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ".", path
	}

	if idx == 0 {
		return "/", path[1:]
	}

	return path[:idx], path[idx+1:]
}

// lookup is the core resolver: it returns a locked, referenced vnode, or
// an error. depth counts symlink restarts against maxSymlinkDepth.
func lookup(dir *Vnode, path string, opts LookupOptions, depth int) (*Vnode, error) {
	if depth > maxSymlinkDepth {
		return nil, errors.Wrap(kernerr.TooManyLinks, path)
	}

	var cur *Vnode

	if strings.HasPrefix(path, "/") {
		if rootMount == nil {
			return nil, errors.Wrap(kernerr.NotFound, "no root mount")
		}

		cur = rootMount.Root
		cur.Lock()
		cur.ref()
	} else {
		if dir == nil {
			return nil, errors.Wrap(kernerr.Invalid, "relative lookup without a directory")
		}

		cur = dir
		cur.Lock()
		cur.ref()
	}

	segs := strings.Split(strings.Trim(path, "/"), "/")

	for i, seg := range segs {
		if seg == "" || seg == "." {
			continue
		}

		last := i == len(segs)-1

		// step always consumes cur's lock and reference (whether cur
		// advances to a new vnode or, for "..", settles back on a
		// parent) and returns a fresh locked, referenced vnode.
		next, err := step(cur, seg)
		if err != nil {
			return nil, err
		}

		cur = next

		if cur.mode.IsSymlink() && !(last && opts.NoFollow) {
			target, err := cur.mount.ops.Readlink(cur)
			if err != nil {
				vput(cur)
				return nil, err
			}

			// cur's reference keeps parent alive until parent has its
			// own; no two vnode locks are ever held at once here.
			parent := cur.parent
			cur.Unlock()

			if parent != nil {
				parent.Lock()
				parent.ref()
				parent.Unlock()
			}

			cur.Lock()
			vput(cur)

			resolved, err := lookup(parent, target, opts, depth+1)
			if resolved != nil {
				resolved.Unlock()
			}

			if parent != nil {
				parent.Lock()
				vput(parent)
			}

			if err != nil {
				return nil, err
			}

			resolved.Lock()
			cur = resolved
		}
	}

	return cur, nil
}

// step resolves one path segment under the locked, referenced vnode dir,
// handling ".." (staying at root per spec: "`..` at root stays at root")
// and mount crossing for the child it finds. step always consumes dir's
// lock and reference — on every return path dir has been unlocked and
// vput, and the returned vnode is a fresh, independently locked and
// referenced vnode (which may or may not be the same underlying object).
//
// This consume-then-produce contract exists so ".." can release the
// child's lock before acquiring the parent's: holding a child lock while
// acquiring its parent's violates the lock-ordering invariant (spec §4.3,
// §5), so the two locks are never held at once, even momentarily.
func step(dir *Vnode, seg string) (*Vnode, error) {
	if !dir.mode.IsDir() {
		vput(dir)
		return nil, errors.Wrap(kernerr.NotADirectory, seg)
	}

	if seg == ".." {
		if dir.flags&flagRoot != 0 {
			covered := dir.mount.covered

			if covered == nil {
				// true root: ".." stays put, same object, same lock.
				return dir, nil
			}

			vput(dir)

			covered.Lock()
			covered.ref()

			return step(covered, "..")
		}

		if dir.parent == nil {
			return dir, nil
		}

		parent := dir.parent
		vput(dir)

		parent.Lock()
		parent.ref()

		return parent, nil
	}

	if c := lookupCached(dir, seg); c != nil {
		vput(dir)

		return crossMount(c), nil
	}

	v, err := dir.mount.ops.Lookup(dir, seg)
	vput(dir)

	if err != nil {
		return nil, err
	}

	return crossMount(v), nil
}

// crossMount follows v.flags&flagMountedHere to the covering mount's root,
// if any filesystem is mounted on v. It consumes v's lock and reference
// (like step, it always returns a fresh locked, referenced vnode) so the
// covered vnode itself never leaks out of path resolution once hidden.
func crossMount(v *Vnode) *Vnode {
	if v.flags&flagMountedHere == 0 || v.mountedHere == nil {
		return v
	}

	m := v.mountedHere
	vput(v)

	root := m.Root
	root.Lock()
	root.ref()

	return root
}
