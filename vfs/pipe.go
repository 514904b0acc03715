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

// pipeBufSize is PIPE_BUF: a power-of-two 4 KiB ring (spec §3 "Pipe").
const pipeBufSize = 4096

// Pipe is a FIFO vnode's backing ring buffer: a condition variable, reader
// and writer counts, and a power-of-two ring addressed by two 64-bit
// monotonic cursors whose difference is the queued byte count (spec §3,
// §4.3 "Pipes"). Readers block while the ring is empty and see EOF once
// the writer count drops to zero; writers see kernerr.PipeClosed (and, in
// a real POSIX environment, SIGPIPE) once the reader count drops to zero.
type Pipe struct {
	cond *sync.Cond
	mu   sync.Mutex

	buf        [pipeBufSize]byte
	readCursor uint64
	writeCursor uint64

	readers int
	writers int

	// Signal is invoked (if non-nil) when a write happens with no
	// readers left, modelling SIGPIPE delivery to the writing task. The
	// VFS core itself has no process/signal model; callers needing
	// POSIX SIGPIPE semantics wire this to their scheduler.
	Signal func()
}

// pipeMount is a singleton, unmounted Mount whose sole purpose is to give
// pipe vnodes an FsOps to dispatch through, without entering the real
// mount list (spec §4.3: "A pipe vnode is created outside the mount
// hashes").
var pipeMount = &Mount{ops: pipeOps{}}

// NewPipe creates a FIFO vnode outside the mount hashes (spec §4.3:
// "A pipe vnode is created outside the mount hashes"), returning the read
// and write FileDescriptions that share it.
func NewPipe() (r *FileDescription, w *FileDescription) {
	p := &Pipe{readers: 1, writers: 1}
	p.cond = sync.NewCond(&p.mu)

	v := &Vnode{mode: ModeFIFO, refcount: 2, pipe: p, mount: pipeMount}

	r = newFileDescription(v, ORDONLY, false)
	w = newFileDescription(v, OWRONLY, true)

	return r, w
}

func (p *Pipe) queued() uint64 {
	return p.writeCursor - p.readCursor
}

// Read blocks while the ring is empty and there is still at least one
// writer; it returns (0, nil) on EOF once writers reaches zero.
func (p *Pipe) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.queued() == 0 {
		if p.writers == 0 {
			return 0, nil
		}

		p.cond.Wait()
	}

	n := 0

	for n < len(buf) && p.queued() > 0 {
		idx := p.readCursor & (pipeBufSize - 1)
		buf[n] = p.buf[idx]
		p.readCursor++
		n++
	}

	p.cond.Broadcast()

	return n, nil
}

// Write blocks while the ring is full and there is still at least one
// reader; it fails with kernerr.PipeClosed once readers reaches zero
// (spec §4.3: "Writers signal SIGPIPE ... and return EPIPE when the
// reader count is zero").
func (p *Pipe) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readers == 0 {
		if p.Signal != nil {
			p.Signal()
		}

		return 0, errors.Wrap(kernerr.PipeClosed, "write on pipe with no readers")
	}

	n := 0

	for n < len(buf) {
		for p.queued() == pipeBufSize {
			if p.readers == 0 {
				if p.Signal != nil {
					p.Signal()
				}

				if n > 0 {
					return n, nil
				}

				return 0, errors.Wrap(kernerr.PipeClosed, "write on pipe with no readers")
			}

			p.cond.Wait()
		}

		idx := p.writeCursor & (pipeBufSize - 1)
		p.buf[idx] = buf[n]
		p.writeCursor++
		n++
	}

	p.cond.Broadcast()

	return n, nil
}

// CloseReader decrements the reader count; when it and the writer count
// both reach zero the pipe's backing storage is eligible for collection
// (Go's GC handles that once no FileDescription references the Vnode,
// unlike the original's explicit free of the backing page and struct).
func (p *Pipe) CloseReader() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readers--
	p.cond.Broadcast()
}

// CloseWriter decrements the writer count, waking any blocked readers so
// they observe EOF.
func (p *Pipe) CloseWriter() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writers--
	p.cond.Broadcast()
}

// pipeOps adapts Pipe's Read/Write/Close onto the FsOps surface so a pipe
// vnode can be driven through the same FileDescription.Read/Write path as
// any other vnode.
type pipeOps struct{}

func (pipeOps) Lookup(dir *Vnode, name string) (*Vnode, error) {
	return nil, errors.Wrap(kernerr.NotADirectory, name)
}

func (pipeOps) Open(v *Vnode, flags int) (interface{}, error) { return nil, nil }

func (pipeOps) Close(v *Vnode, data interface{}) error {
	if isWriter, _ := data.(bool); isWriter {
		v.pipe.CloseWriter()
	} else {
		v.pipe.CloseReader()
	}

	return nil
}

func (pipeOps) Read(v *Vnode, data interface{}, buf []byte, off int64) (int, error) {
	return v.pipe.Read(buf)
}

func (pipeOps) Write(v *Vnode, data interface{}, buf []byte, off int64) (int, error) {
	return v.pipe.Write(buf)
}

func (pipeOps) Readdir(v *Vnode, data interface{}, index int) (string, error) {
	return "", errors.Wrap(kernerr.NotADirectory, "readdir on pipe")
}

func (pipeOps) Mknod(dir *Vnode, name string, mode FileMode) (*Vnode, error) {
	return nil, VopEinval()
}

func (pipeOps) Unlink(dir *Vnode, name string) error                               { return VopEinval() }
func (pipeOps) Rename(a *Vnode, an string, b *Vnode, bn string) error               { return VopEinval() }
func (pipeOps) Getattr(v *Vnode) (FileMode, int64, error)                          { return v.mode, 0, nil }
func (pipeOps) Setattr(v *Vnode, mode FileMode) error                              { return VopEinval() }
func (pipeOps) Inactive(v *Vnode)                                                  {}
func (pipeOps) Truncate(v *Vnode, data interface{}, size int64) error              { return VopEinval() }
func (pipeOps) Fsync(v *Vnode, data interface{}) error                             { return VopNullop() }
func (pipeOps) Readlink(v *Vnode) (string, error)                                  { return "", VopEinval() }
func (pipeOps) Symlink(dir *Vnode, name string, target string) error               { return VopEinval() }
