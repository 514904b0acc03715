package reg

import (
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	m := NewFakeMap()

	Set(m, 0x10, 3)

	if got := Get(m, 0x10, 3, 0b1); got != 1 {
		t.Fatalf("Get() = %d, want 1", got)
	}

	Clear(m, 0x10, 3)

	if got := Get(m, 0x10, 3, 0b1); got != 0 {
		t.Fatalf("Get() after Clear() = %d, want 0", got)
	}
}

func TestSetN(t *testing.T) {
	m := NewFakeMap()

	SetN(m, 0x20, 4, 0xf, 0xa)

	if got := Get(m, 0x20, 4, 0xf); got != 0xa {
		t.Fatalf("Get() = %#x, want 0xa", got)
	}

	// bits outside the field must be untouched
	Set(m, 0x20, 0)

	if got := Get(m, 0x20, 4, 0xf); got != 0xa {
		t.Fatalf("SetN field clobbered by unrelated Set(): got %#x", got)
	}
}

func TestWaitFor(t *testing.T) {
	m := NewFakeMap()

	if WaitFor(m, 10*time.Millisecond, 0x30, 0, 0b1, 1) {
		t.Fatal("WaitFor() succeeded against a register that never changes")
	}

	go func() {
		time.Sleep(2 * time.Millisecond)
		m.Poke(0x30, 1)
	}()

	if !WaitFor(m, 200*time.Millisecond, 0x30, 0, 0b1, 1) {
		t.Fatal("WaitFor() timed out despite the register changing")
	}
}
