// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usbarmory/kernel/kernerr"
)

// TestMountAtRedirectsLookupToMountRoot is the spec §4.3 "Mount" property:
// once a filesystem is mounted on a directory, a subsequent lookup of that
// directory resolves to the new mount's root, not to the covered vnode or
// anything still sitting in the underlying filesystem beneath it.
func TestMountAtRedirectsLookupToMountRoot(t *testing.T) {
	root, rootFS := mustMountRoot(t)

	mustMkdir(t, rootFS, root.Root, "mnt")

	covered, err := Lookup(root.Root, "/mnt", LookupOptions{})
	require.NoError(t, err)
	mustMknod(t, rootFS, covered, "hidden-file", ModeFile|0644)
	covered.Lock()
	vput(covered)

	mntFS := NewMemFS()
	mnt, err := MountAt(root.Root, "/mnt", mntFS, "mem1", 0)
	require.NoError(t, err)
	mustMknod(t, mntFS, mnt.Root, "visible-file", ModeFile|0644)

	resolved, err := Lookup(root.Root, "/mnt", LookupOptions{})
	require.NoError(t, err)
	require.Same(t, mnt.Root, resolved)
	resolved.Lock()
	vput(resolved)

	// the new mount's own file is reachable through the mount point...
	v, err := Lookup(root.Root, "/mnt/visible-file", LookupOptions{})
	require.NoError(t, err)
	v.Lock()
	vput(v)

	// ...and the file that existed on the covered directory before the
	// mount is not: a lookup of "/mnt" never reaches the underlying root
	// filesystem's directory again once covered.
	_, err = Lookup(root.Root, "/mnt/hidden-file", LookupOptions{})
	require.ErrorIs(t, err, kernerr.NotFound)

	// repeating the lookup exercises the cached path (lookupCached finds
	// the same covered vnode a second time) and must redirect identically.
	again, err := Lookup(root.Root, "/mnt", LookupOptions{})
	require.NoError(t, err)
	require.Same(t, mnt.Root, again)
	again.Lock()
	vput(again)
}

// TestUnmountRestoresCoveredDirectory checks that Unmount reverses the
// redirect: once the mount is gone, a lookup of the covered path resolves
// to the underlying filesystem's directory again.
func TestUnmountRestoresCoveredDirectory(t *testing.T) {
	root, rootFS := mustMountRoot(t)

	mustMkdir(t, rootFS, root.Root, "mnt")

	mntFS := NewMemFS()
	mnt, err := MountAt(root.Root, "/mnt", mntFS, "mem1", 0)
	require.NoError(t, err)

	require.NoError(t, Unmount(mnt))

	resolved, err := Lookup(root.Root, "/mnt", LookupOptions{})
	require.NoError(t, err)
	require.NotSame(t, mnt.Root, resolved)
	resolved.Lock()
	vput(resolved)
}
