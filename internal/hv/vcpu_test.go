package hv

import (
	"testing"

	"github.com/turnstone-os/kernel/internal/timeslice"
)

type fakeExitContext struct{ last timeslice.TimesliceID }

func (f *fakeExitContext) SetExitTimeslice(id timeslice.TimesliceID) { f.last = id }

type fakeIOHandler struct {
	calls []struct {
		port    uint16
		isWrite bool
	}
}

func (f *fakeIOHandler) HandlePIO(ctx ExitContext, port uint16, data []byte, isWrite bool) error {
	f.calls = append(f.calls, struct {
		port    uint16
		isWrite bool
	}{port, isWrite})
	return nil
}

func TestHandleExitHLTSetsIsHalted(t *testing.T) {
	v := NewVirtualCPU(0)
	err := v.HandleExit(&fakeExitContext{}, &ExitInfo{Reason: ExitHLT})
	if err != ErrVMHalted {
		t.Fatalf("HandleExit(HLT) err = %v, want ErrVMHalted", err)
	}
	if !v.IsHalted {
		t.Fatalf("IsHalted should be true after HLT")
	}
}

func TestHandleExitIOMappedPortDispatchesToChipset(t *testing.T) {
	v := NewVirtualCPU(0)
	io := &fakeIOHandler{}
	v.IO = io
	v.MappedIOPorts[0x60] = true

	err := v.HandleExit(&fakeExitContext{}, &ExitInfo{Reason: ExitIO, Port: 0x60, Direction: IODirectionOut, Data: []byte{0x42}})
	if err != nil {
		t.Fatalf("HandleExit(IO mapped): %v", err)
	}
	if len(io.calls) != 1 || io.calls[0].port != 0x60 || !io.calls[0].isWrite {
		t.Fatalf("unexpected chipset calls: %+v", io.calls)
	}
}

func TestHandleExitIOSerialFastPath(t *testing.T) {
	v := NewVirtualCPU(0)
	var got []byte
	v.SetSerialSink(func(b []byte) { got = append(got, b...) })

	err := v.HandleExit(&fakeExitContext{}, &ExitInfo{Reason: ExitIO, Port: 0x3F8, Direction: IODirectionOut, Data: []byte("hi")})
	if err != nil {
		t.Fatalf("HandleExit(IO 0x3F8): %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("serial sink got %q, want %q", got, "hi")
	}
}

func TestHandleExitIOUnmappedPortFails(t *testing.T) {
	v := NewVirtualCPU(0)
	err := v.HandleExit(&fakeExitContext{}, &ExitInfo{Reason: ExitIO, Port: 0x9999, Direction: IODirectionIn})
	if err == nil {
		t.Fatalf("HandleExit(IO unmapped) should fail")
	}
}

func TestHandleExitCR3OnlyR15Valid(t *testing.T) {
	v := NewVirtualCPU(0)

	if err := v.HandleExit(&fakeExitContext{}, &ExitInfo{Reason: ExitCR3Access, CR3Register: 3, CR3Write: true, CR3Value: 0x1000}); err == nil {
		t.Fatalf("CR3 access via a register other than R15 should fail")
	}

	info := &ExitInfo{Reason: ExitCR3Access, CR3Register: 15, CR3Write: true, CR3Value: 0x2000}
	if err := v.HandleExit(&fakeExitContext{}, info); err != nil {
		t.Fatalf("CR3 write via R15: %v", err)
	}
	if v.CR3 != 0x2000 {
		t.Fatalf("CR3 = 0x%x, want 0x2000", v.CR3)
	}

	read := &ExitInfo{Reason: ExitCR3Access, CR3Register: 15, CR3Write: false}
	if err := v.HandleExit(&fakeExitContext{}, read); err != nil {
		t.Fatalf("CR3 read via R15: %v", err)
	}
	if read.CR3Value != 0x2000 {
		t.Fatalf("CR3 read value = 0x%x, want 0x2000", read.CR3Value)
	}
}

func TestHandleExitWRMSREOITriggersServiceAdvancement(t *testing.T) {
	v := NewVirtualCPU(0)
	v.RFlagsIF = true
	v.APIC.SetIRR(4)
	v.APIC.PopNextRequestVector()

	err := v.HandleExit(&fakeExitContext{}, &ExitInfo{Reason: ExitWRMSR, MSR: MsrX2APICEOI})
	if err != nil {
		t.Fatalf("HandleExit(WRMSR EOI): %v", err)
	}
	if v.APIC.InServiceVector != -1 {
		t.Fatalf("InServiceVector = %d, want -1 after EOI with nothing else pending", v.APIC.InServiceVector)
	}
}

func TestHandleExitWRMSRTimerInitialReloadsCurrent(t *testing.T) {
	v := NewVirtualCPU(0)
	if err := v.HandleExit(&fakeExitContext{}, &ExitInfo{Reason: ExitWRMSR, MSR: MsrX2APICTimerInit, MSRValue: 500}); err != nil {
		t.Fatalf("HandleExit(WRMSR TIMER_INITIAL): %v", err)
	}
	if v.APIC.TimerCurrent != 500 {
		t.Fatalf("TimerCurrent = %d, want 500", v.APIC.TimerCurrent)
	}
}

func TestHandleExitWRMSRTimerDividerOutsideValidSetFails(t *testing.T) {
	v := NewVirtualCPU(0)
	err := v.HandleExit(&fakeExitContext{}, &ExitInfo{Reason: ExitWRMSR, MSR: MsrX2APICTimerDiv, MSRValue: 0x4})
	if err == nil {
		t.Fatalf("HandleExit(WRMSR TIMER_DIVIDER=0x4) should fail: 0x4 is outside {0..3, 8..B}")
	}
}
