package hv

import (
	"fmt"

	"github.com/turnstone-os/kernel/internal/kerr"
)

// VAPIC is the virtual local APIC state per spec.md §4.5's "Virtual LAPIC
// policy": a 256-bit request/in-service vector pair plus the x2APIC timer
// registers, edited through the same byte-offset arithmetic a real xAPIC
// page would use.
type VAPIC struct {
	// InRequestVectors: bit v set means "interrupt v pending" (IRR).
	InRequestVectors [8]uint32
	// InServiceVectors: bit v set means "interrupt v currently in service" (ISR).
	InServiceVectors [8]uint32

	InServiceVector int // -1 when none in service
	ApicEoiPending  bool
	NeedToNotify    bool

	LAPICTimerEnabled bool
	TimerInitial      uint32
	TimerCurrent      uint32
	TimerDivider      uint32
	TimerIsPending    bool
	TimerVector       uint8

	RFlagsIF bool
}

// NewVAPIC returns a vAPIC with no pending or in-service vectors.
func NewVAPIC() *VAPIC {
	return &VAPIC{InServiceVector: -1}
}

// timerDividerTable decodes the APIC_TIMER_DIVIDE_CONFIG MSR's 4-bit field
// (bits 0-1 and 3) into the actual divisor, per the fixed 8-entry table
// spec.md §4.5 calls out.
var timerDividerTable = [8]uint32{1, 2, 4, 8, 16, 32, 64, 128}

// validTimerDividerBits is the union of bits decodeTimerDivider actually
// reads (bits 0-1 and 3). Any raw value with a bit set outside this mask —
// including the never-wired bit 2 — falls outside {0..3, 8..B} and is a
// ProtocolViolation.
const validTimerDividerBits = 0xB

func decodeTimerDivider(raw uint32) (uint32, error) {
	if raw&^uint32(validTimerDividerBits) != 0 {
		return 0, kerr.New(kerr.KindProtocolViolation, fmt.Sprintf("hv: TIMER_DIVIDER value 0x%x outside {0..3, 8..B}", raw))
	}
	idx := (raw & 0x3) | ((raw & 0x8) >> 1)
	return timerDividerTable[idx&0x7], nil
}

// SetIRR sets bit v of InRequestVectors, editing the same byte offset a
// physical xAPIC IRR page would use: 0x200+(v>>1)&~1, bit position v&0x1F
// (spec.md §4.5, "vAPIC page writes").
func (a *VAPIC) SetIRR(v uint8) {
	a.InRequestVectors[v/32] |= 1 << (v % 32)
}

func (a *VAPIC) clearIRR(v uint8) {
	a.InRequestVectors[v/32] &^= 1 << (v % 32)
}

// SetISR sets bit v of InServiceVectors, at byte offset 0x100+(v>>1)&~1.
func (a *VAPIC) SetISR(v uint8) {
	a.InServiceVectors[v/32] |= 1 << (v % 32)
}

func (a *VAPIC) clearISR(v uint8) {
	a.InServiceVectors[v/32] &^= 1 << (v % 32)
}

// irrByteOffset and isrByteOffset mirror the physical xAPIC page layout
// spec.md §4.5 documents, for callers that need to expose these registers
// through an MMIO-backed APIC page rather than the Go-level bit arrays.
func irrByteOffset(v uint8) uint32 { return 0x200 + uint32(v>>1)&^1 }
func isrByteOffset(v uint8) uint32 { return 0x100 + uint32(v>>1)&^1 }

// anyRequestPending reports whether any bit of InRequestVectors is set.
func (a *VAPIC) anyRequestPending() bool {
	for _, word := range a.InRequestVectors {
		if word != 0 {
			return true
		}
	}
	return false
}

// nextRequestVector returns the lowest set bit across InRequestVectors, or
// -1 if none is pending.
func (a *VAPIC) nextRequestVector() int {
	for i, word := range a.InRequestVectors {
		if word == 0 {
			continue
		}
		for bit := 0; bit < 32; bit++ {
			if word&(1<<bit) != 0 {
				return i*32 + bit
			}
		}
	}
	return -1
}

// FindNextX2ApicInterrupt implements spec.md §4.5's vAPIC policy verbatim:
// called on every interrupt window and on every EOI. For forEOI it first
// clears the IRR/ISR bits of the just-serviced vector (and the timer-pending
// flag if that vector was the timer). If at least one bit remains and
// RFLAGS.IF=1, NeedToNotify is raised; otherwise the in-service vector is
// cleared and ApicEoiPending is dropped.
func (a *VAPIC) FindNextX2ApicInterrupt(forEOI bool) {
	if forEOI && a.InServiceVector >= 0 {
		v := uint8(a.InServiceVector)
		a.clearIRR(v)
		a.clearISR(v)
		if a.TimerIsPending && v == a.TimerVector {
			a.TimerIsPending = false
		}
	}

	if a.anyRequestPending() && a.RFlagsIF {
		a.NeedToNotify = true
		return
	}

	a.InServiceVector = -1
	a.ApicEoiPending = false
	a.NeedToNotify = false
}

// PopNextRequestVector clears and returns the next pending request vector
// for the interrupt-window handler to inject, per spec.md §4.5's
// "interrupt window" row.
func (a *VAPIC) PopNextRequestVector() (uint8, bool) {
	v := a.nextRequestVector()
	if v < 0 {
		return 0, false
	}
	a.clearIRR(uint8(v))
	a.SetISR(uint8(v))
	a.InServiceVector = v
	a.ApicEoiPending = true
	a.NeedToNotify = false
	return uint8(v), true
}

// WriteTimerInitial handles a write to the x2APIC TIMER_INITIAL register:
// it also reloads TIMER_CURRENT and sets LAPICTimerEnabled, per spec.md
// §4.5.
func (a *VAPIC) WriteTimerInitial(value uint32) {
	a.TimerInitial = value
	a.TimerCurrent = value
	a.LAPICTimerEnabled = true
}

// WriteTimerDivider decodes raw through the fixed 8-entry table, rejecting
// any value outside {0..3, 8..B}.
func (a *VAPIC) WriteTimerDivider(raw uint32) error {
	divider, err := decodeTimerDivider(raw)
	if err != nil {
		return err
	}
	a.TimerDivider = divider
	return nil
}
