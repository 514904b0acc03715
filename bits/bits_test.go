package bits

import "testing"

func TestGetSetClear(t *testing.T) {
	var v uint32

	Set(&v, 3)
	if !Get(&v, 3) {
		t.Fatalf("Get() = false, want true after Set()")
	}

	Clear(&v, 3)
	if Get(&v, 3) {
		t.Fatalf("Get() = true, want false after Clear()")
	}
}

func TestSetTo(t *testing.T) {
	var v uint32

	SetTo(&v, 5, true)
	if !Get(&v, 5) {
		t.Fatalf("Get() = false, want true after SetTo(true)")
	}

	SetTo(&v, 5, false)
	if Get(&v, 5) {
		t.Fatalf("Get() = true, want false after SetTo(false)")
	}
}

func TestGetNSetN(t *testing.T) {
	var v uint32 = 0xffffffff

	SetN(&v, 4, 0xf, 0xa)

	if got := GetN(&v, 4, 0xf); got != 0xa {
		t.Fatalf("GetN() = %#x, want 0xa", got)
	}

	// bits outside the field must be untouched
	if got := GetN(&v, 0, 0xf); got != 0xf {
		t.Fatalf("SetN() clobbered bits outside its field: GetN(0) = %#x, want 0xf", got)
	}
	if got := GetN(&v, 8, 0xf); got != 0xf {
		t.Fatalf("SetN() clobbered bits outside its field: GetN(8) = %#x, want 0xf", got)
	}
}
