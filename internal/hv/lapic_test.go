package hv

import "testing"

func TestSetIRRAndPopNextRequestVector(t *testing.T) {
	a := NewVAPIC()
	a.RFlagsIF = true

	a.SetIRR(5)
	a.SetIRR(40)

	v, ok := a.PopNextRequestVector()
	if !ok || v != 5 {
		t.Fatalf("PopNextRequestVector() = %d, %v, want 5, true", v, ok)
	}
	if a.InServiceVector != 5 {
		t.Fatalf("InServiceVector = %d, want 5", a.InServiceVector)
	}
	if !a.ApicEoiPending {
		t.Fatalf("ApicEoiPending should be true after popping a vector")
	}
}

func TestFindNextX2ApicInterruptClearsOnEOIWhenNoneLeft(t *testing.T) {
	a := NewVAPIC()
	a.RFlagsIF = true
	a.SetIRR(7)
	v, _ := a.PopNextRequestVector()

	a.FindNextX2ApicInterrupt(true)

	if a.InServiceVector != -1 {
		t.Fatalf("InServiceVector = %d, want -1 after EOI with nothing pending", a.InServiceVector)
	}
	if a.ApicEoiPending {
		t.Fatalf("ApicEoiPending should be cleared")
	}
	if a.InRequestVectors[v/32]&(1<<(v%32)) != 0 {
		t.Fatalf("IRR bit for vector %d should be cleared", v)
	}
}

func TestFindNextX2ApicInterruptRenotifiesWhenMoreVectorsPending(t *testing.T) {
	a := NewVAPIC()
	a.RFlagsIF = true
	a.SetIRR(3)
	a.SetIRR(9)
	first, _ := a.PopNextRequestVector()
	if first != 3 {
		t.Fatalf("first popped vector = %d, want 3", first)
	}

	a.FindNextX2ApicInterrupt(true)

	if !a.NeedToNotify {
		t.Fatalf("NeedToNotify should be set: vector 9 is still pending and RFLAGS.IF=1")
	}
}

func TestTimerInitialReloadsCurrentAndEnablesTimer(t *testing.T) {
	a := NewVAPIC()
	a.WriteTimerInitial(1000)

	if a.TimerCurrent != 1000 {
		t.Fatalf("TimerCurrent = %d, want 1000", a.TimerCurrent)
	}
	if !a.LAPICTimerEnabled {
		t.Fatalf("LAPICTimerEnabled should be set after a TIMER_INITIAL write")
	}
}

func TestTimerDividerDecodesFixedTable(t *testing.T) {
	a := NewVAPIC()
	if err := a.WriteTimerDivider(0x3); err != nil { // binary 011 -> index 3 -> divisor 8
		t.Fatalf("WriteTimerDivider(0x3): %v", err)
	}
	if a.TimerDivider != 8 {
		t.Fatalf("TimerDivider = %d, want 8", a.TimerDivider)
	}
	if err := a.WriteTimerDivider(0xB); err != nil { // binary 1011 -> bit3 set, low bits 11 -> index (3|4)=7 -> divisor 128
		t.Fatalf("WriteTimerDivider(0xB): %v", err)
	}
	if a.TimerDivider != 128 {
		t.Fatalf("TimerDivider = %d, want 128", a.TimerDivider)
	}
}

func TestTimerDividerRejectsValueOutsideValidSet(t *testing.T) {
	a := NewVAPIC()
	a.WriteTimerDivider(0x3) // establish a known-good baseline divider

	if err := a.WriteTimerDivider(0x4); err == nil {
		t.Fatalf("WriteTimerDivider(0x4) should fail: 0x4 is outside {0..3, 8..B}")
	}
	if err := a.WriteTimerDivider(0xC); err == nil {
		t.Fatalf("WriteTimerDivider(0xC) should fail: 0xC is outside {0..3, 8..B}")
	}
	if a.TimerDivider != 8 {
		t.Fatalf("TimerDivider = %d, want 8 (unchanged after rejected writes)", a.TimerDivider)
	}
}

func TestVAPICPageByteOffsets(t *testing.T) {
	// spec.md §4.5: IRR at 0x200+(v>>1)&~1, ISR at 0x100+(v>>1)&~1.
	if got := irrByteOffset(5); got != 0x202 {
		t.Fatalf("irrByteOffset(5) = 0x%x, want 0x202", got)
	}
	if got := isrByteOffset(5); got != 0x102 {
		t.Fatalf("isrByteOffset(5) = 0x%x, want 0x102", got)
	}
}
