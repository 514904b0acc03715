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

// fdSlot is one entry of a Task's descriptor table. The original packs a
// CLOEXEC bit into the low bits of the file-description pointer itself,
// plus two pointer-sized sentinels for "empty" and "reserved during slow
// open" (spec §3 "Task fd table"). Go pointers cannot be tagged that way
// without hiding them from the garbage collector, so fdSlot carries the
// bit as a plain field and uses an explicit reserved flag for the same
// slow-open-race protection newfd/open rely on.
type fdSlot struct {
	file     *FileDescription
	cloexec  bool
	reserved bool
}

func (s fdSlot) empty() bool { return s.file == nil && !s.reserved }

// Task is a per-task file descriptor table (spec §3 "Task fd table"):
// slots indexed by small non-negative integers, a current working
// directory, umask, and a rwlock ("read_lock for lookups, write_lock for
// install/close/fork", spec §5).
type Task struct {
	mu sync.RWMutex

	fds   []fdSlot
	Cwd   *Vnode
	Umask FileMode
}

// NewTask creates a task whose working directory is cwd (refcounted; the
// caller's reference is adopted).
func NewTask(cwd *Vnode) *Task {
	return &Task{Cwd: cwd, Umask: 022}
}

// newfd returns the lowest free slot at or above min, growing the table
// as needed; Reserve marks the slot it returns (spec §4.3: "newfd scans
// from a caller-specified minimum for the lowest free slot"). Caller must
// hold t.mu for writing.
func (t *Task) newfd(min int) int {
	for len(t.fds) <= min {
		t.fds = append(t.fds, fdSlot{})
	}

	for i := min; i < len(t.fds); i++ {
		if t.fds[i].empty() {
			return i
		}
	}

	t.fds = append(t.fds, fdSlot{})
	return len(t.fds) - 1
}

// Reserve reserves the lowest free slot at or above min and returns it,
// marked reserved so concurrent lookups see it as neither empty nor ready.
func (t *Task) Reserve(min int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.newfd(min)
	t.fds[i].reserved = true

	return i
}

// Install completes a Reserve'd slot with the real file description,
// clearing the reservation (spec §4.3 "open"). If fileDesc is nil the
// reservation is simply cleared, modelling a failed open.
func (t *Task) Install(fdNum int, fileDesc *FileDescription, cloexec bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.fds[fdNum] = fdSlot{file: fileDesc, cloexec: cloexec}
}

// Get returns the file description installed at fdNum.
func (t *Task) Get(fdNum int) (*FileDescription, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if fdNum < 0 || fdNum >= len(t.fds) || t.fds[fdNum].file == nil {
		return nil, errors.Wrap(kernerr.Invalid, "bad file descriptor")
	}

	return t.fds[fdNum].file, nil
}

// SetCloexec toggles the CLOEXEC bit on an installed slot.
func (t *Task) SetCloexec(fdNum int, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fdNum < 0 || fdNum >= len(t.fds) || t.fds[fdNum].file == nil {
		return errors.Wrap(kernerr.Invalid, "bad file descriptor")
	}

	t.fds[fdNum].cloexec = on
	return nil
}

// Cloexec reports whether fdNum is marked close-on-exec.
func (t *Task) Cloexec(fdNum int) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if fdNum < 0 || fdNum >= len(t.fds) || t.fds[fdNum].file == nil {
		return false, errors.Wrap(kernerr.Invalid, "bad file descriptor")
	}

	return t.fds[fdNum].cloexec, nil
}

// Close releases fdNum: decrements the underlying FileDescription and
// clears the slot.
func (t *Task) Close(fdNum int) error {
	t.mu.Lock()

	if fdNum < 0 || fdNum >= len(t.fds) || t.fds[fdNum].file == nil {
		t.mu.Unlock()
		return errors.Wrap(kernerr.Invalid, "bad file descriptor")
	}

	file := t.fds[fdNum].file
	t.fds[fdNum] = fdSlot{}
	t.mu.Unlock()

	return file.Release()
}

// Dup2 makes newFd refer to the same FileDescription as oldFd, closing
// whatever newFd previously held.
func (t *Task) Dup2(oldFd, newFd int) error {
	t.mu.Lock()

	if oldFd < 0 || oldFd >= len(t.fds) || t.fds[oldFd].file == nil {
		t.mu.Unlock()
		return errors.Wrap(kernerr.Invalid, "bad file descriptor")
	}

	if oldFd == newFd {
		t.mu.Unlock()
		return nil
	}

	for newFd >= len(t.fds) {
		t.fds = append(t.fds, fdSlot{})
	}

	prev := t.fds[newFd].file
	t.fds[newFd] = fdSlot{file: t.fds[oldFd].file.Dup()}
	t.mu.Unlock()

	if prev != nil {
		return prev.Release()
	}

	return nil
}

// Fork clones the table for a child task: cwd and umask are inherited, and
// every installed FileDescription's refcount is incremented (spec §4.3
// "fork: child inherits cwd and umask; every file description's count is
// incremented"). The kernel task is special-cased by callers that pass a
// nil parent table and build a fresh empty Task instead.
func (t *Task) Fork() *Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	child := &Task{
		fds:   make([]fdSlot, len(t.fds)),
		Cwd:   t.Cwd,
		Umask: t.Umask,
	}

	t.Cwd.Lock()
	t.Cwd.ref()
	t.Cwd.Unlock()

	for i, slot := range t.fds {
		if slot.file == nil {
			continue
		}

		child.fds[i] = fdSlot{file: slot.file.Dup(), cloexec: slot.cloexec}
	}

	return child
}

// Exec closes every directory-typed fd and every fd marked CLOEXEC (spec
// §4.3 "exec").
func (t *Task) Exec() {
	t.mu.Lock()
	type closer struct {
		num  int
		file *FileDescription
	}
	var toClose []closer

	for i, slot := range t.fds {
		if slot.file == nil {
			continue
		}

		if slot.cloexec || slot.file.Vnode.mode.IsDir() {
			toClose = append(toClose, closer{i, slot.file})
			t.fds[i] = fdSlot{}
		}
	}
	t.mu.Unlock()

	for _, c := range toClose {
		c.file.Release()
	}
}

// Exit closes every fd and the working directory (spec §4.3 "exit: all
// fds closed, cwd closed").
func (t *Task) Exit() {
	t.mu.Lock()
	files := make([]*FileDescription, 0, len(t.fds))

	for i, slot := range t.fds {
		if slot.file != nil {
			files = append(files, slot.file)
			t.fds[i] = fdSlot{}
		}
	}

	cwd := t.Cwd
	t.Cwd = nil
	t.mu.Unlock()

	for _, f := range files {
		f.Release()
	}

	if cwd != nil {
		cwd.Lock()
		vput(cwd)
	}
}
