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

// Open flags (spec §6); only the subset the core cares about.
const (
	ORDONLY = 1 << iota
	OWRONLY
	ORDWR
	OCREAT
	OEXCL
	OTRUNC
	OAPPEND
	ONONBLOCK
	OCLOEXEC
	ONOFOLLOW
	ODIRECTORY
)

// Whence values for Seek.
const (
	SeekSet = iota
	SeekCur
	SeekEnd
	SeekData
	SeekHole
)

// FileDescription is the shared, refcounted handle returned by Open (spec
// §3 "File description"). dup/fork share one FileDescription; Close
// decrements; reaching zero invokes the filesystem close callback.
type FileDescription struct {
	mu sync.Mutex

	Flags  int
	count  int
	offset int64
	data   interface{}
	Vnode  *Vnode
}

func newFileDescription(v *Vnode, flags int, data interface{}) *FileDescription {
	return &FileDescription{Flags: flags, count: 1, data: data, Vnode: v}
}

// Dup increments the description's reference count and returns it, the
// moral equivalent of dup()/fork() sharing one FileDescription.
func (fd *FileDescription) Dup() *FileDescription {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	fd.count++
	return fd
}

// Release drops one reference; at zero it runs the filesystem's Close
// callback and drops the vnode reference Open took.
func (fd *FileDescription) Release() error {
	fd.mu.Lock()
	fd.count--
	count := fd.count
	fd.mu.Unlock()

	if count > 0 {
		return nil
	}

	var err error

	if fd.Vnode.mount != nil && fd.Vnode.mount.ops != nil {
		err = fd.Vnode.mount.ops.Close(fd.Vnode, fd.data)
	}

	fd.Vnode.Lock()
	vput(fd.Vnode)

	return err
}

// Read reads into buf at the description's current offset (character
// devices never advance f_offset, spec §4.3).
func (fd *FileDescription) Read(buf []byte) (int, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	n, err := fd.Vnode.mount.ops.Read(fd.Vnode, fd.data, buf, fd.offset)

	if !fd.Vnode.mode.IsFIFO() && fd.Vnode.mode&ModeChar == 0 {
		fd.offset += int64(n)
	}

	return n, err
}

// Write writes buf at the description's current offset, or at end-of-file
// if OAPPEND is set.
func (fd *FileDescription) Write(buf []byte) (int, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	off := fd.offset

	if fd.Flags&OAPPEND != 0 {
		off = fd.Vnode.Size()
	}

	n, err := fd.Vnode.mount.ops.Write(fd.Vnode, fd.data, buf, off)

	if !fd.Vnode.mode.IsFIFO() && fd.Vnode.mode&ModeChar == 0 {
		fd.offset = off + int64(n)
	}

	return n, err
}

// Pread/Pwrite take an explicit offset and do not update f_offset.
func (fd *FileDescription) Pread(buf []byte, off int64) (int, error) {
	return fd.Vnode.mount.ops.Read(fd.Vnode, fd.data, buf, off)
}

func (fd *FileDescription) Pwrite(buf []byte, off int64) (int, error) {
	return fd.Vnode.mount.ops.Write(fd.Vnode, fd.data, buf, off)
}

// Seek implements lseek SET/CUR/END plus the SEEK_DATA/SEEK_HOLE
// extensions. A filesystem with no hole support reports the simple
// approximation described in spec §4.3: SEEK_DATA returns offset,
// SEEK_HOLE returns size-offset. Seeking a FIFO is rejected.
func (fd *FileDescription) Seek(off int64, whence int) (int64, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	if fd.Vnode.mode.IsFIFO() {
		return 0, errors.Wrap(kernerr.Invalid, "seek on pipe")
	}

	switch whence {
	case SeekSet:
		fd.offset = off
	case SeekCur:
		fd.offset += off
	case SeekEnd:
		fd.offset = fd.Vnode.Size() + off
	case SeekData:
		fd.offset = off
	case SeekHole:
		fd.offset = fd.Vnode.Size() - off
	default:
		return 0, errors.Wrap(kernerr.Invalid, "bad whence")
	}

	return fd.offset, nil
}
