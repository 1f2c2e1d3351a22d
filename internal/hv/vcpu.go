package hv

import (
	"fmt"
	"sync"

	"github.com/turnstone-os/kernel/internal/debug"
	"github.com/turnstone-os/kernel/internal/kerr"
)

// MSR indices this engine special-cases directly, per spec.md §4.5's RDMSR
// / WRMSR row; every other MSR falls through to the per-VM MsrMap.
const (
	MsrEFER            = 0xC000_0080
	MsrX2APICLVTTimer  = 0x832
	MsrX2APICTimerInit = 0x838
	MsrX2APICTimerCur  = 0x839
	MsrX2APICTimerDiv  = 0x83E
	MsrX2APICEOI       = 0x80B
)

// IOPortHandler is the minimal surface HandleExit needs from a chipset to
// service an IO exit; chipset.Chipset.HandlePIO satisfies this by
// structural typing.
type IOPortHandler interface {
	HandlePIO(ctx ExitContext, port uint16, data []byte, isWrite bool) error
}

// PageFaultHandler resolves an EPT/NPT fault by walking (or installing
// into) the nested page tables, per spec.md §4.5's NMI/#PF row.
type PageFaultHandler interface {
	HandlePageFault(gpa uint64, write, exec bool) error
}

// HypercallHandler dispatches a VMMCALL/VMCALL on RAX, per spec.md §4.5's
// last row. Implemented by hv.HypercallDispatcher (hypercall.go).
type HypercallHandler interface {
	Dispatch(vcpu *VirtualCPU, info *ExitInfo) error
}

// VirtualCPU is the per-vCPU state the exit dispatch loop mutates: guest
// register snapshot, halted/pending flags, the owning VM's port-mapped and
// MSR maps, and the vAPIC.
type VirtualCPU struct {
	mu sync.Mutex

	ID int

	IsHalted       bool
	NextInstrValid bool
	CR3            uint64
	RFlagsIF       bool

	MappedIOPorts map[uint16]bool
	MsrMap        map[uint32]uint64

	APIC *VAPIC

	IO        IOPortHandler
	PageFault PageFaultHandler
	Hypercall HypercallHandler

	// serialOut receives bytes written to port 0x3F8, the fast-string path
	// spec.md §4.5 names explicitly ("for 0x3F8 emit bytes to the host
	// serial line").
	serialOut func([]byte)
}

// NewVirtualCPU returns an idle vCPU with an empty vAPIC.
func NewVirtualCPU(id int) *VirtualCPU {
	return &VirtualCPU{
		ID:            id,
		MappedIOPorts: make(map[uint16]bool),
		MsrMap:        make(map[uint32]uint64),
		APIC:          NewVAPIC(),
		RFlagsIF:      true,
	}
}

// SetSerialSink installs the callback port 0x3F8 writes are forwarded to.
func (v *VirtualCPU) SetSerialSink(fn func([]byte)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.serialOut = fn
}

// HandleExit is the single state machine spec.md §4.5 describes, driven by
// a normalized ExitReason. It mutates vCPU state in place and returns an
// error only for unrecoverable conditions (ErrVMHalted/ErrGuestRequestedReboot
// propagate out of here to the caller's run loop).
func (v *VirtualCPU) HandleExit(ctx ExitContext, info *ExitInfo) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	ctx.SetExitTimeslice(ExitTimeslice)
	debug.Writef("hv.HandleExit", "vCPU %d exit reason=%s", v.ID, info.Reason)

	switch info.Reason {
	case ExitExternalInterrupt:
		return v.handleExternalInterrupt(info)
	case ExitNMI, ExitPageFault:
		return v.handlePageFault(info)
	case ExitHLT:
		return v.handleHLT(info)
	case ExitPause:
		v.advanceRIP(info)
		return nil
	case ExitIO:
		return v.handleIO(ctx, info)
	case ExitInterruptWindow:
		return v.handleInterruptWindow(info)
	case ExitRDMSR:
		return v.handleRDMSR(info)
	case ExitWRMSR:
		return v.handleWRMSR(info)
	case ExitCR3Access:
		return v.handleCR3Access(info)
	case ExitCPUID:
		// Host CPUID execution is out of scope for a hosted process (see
		// DESIGN.md): the exit is acknowledged and RIP advanced.
		v.advanceRIP(info)
		return nil
	case ExitHypercall:
		return v.handleHypercall(info)
	case ExitShutdown:
		return ErrVMHalted
	default:
		return kerr.New(kerr.KindUnsupported, fmt.Sprintf("hv: unhandled exit reason %s", info.Reason))
	}
}

func (v *VirtualCPU) handleExternalInterrupt(info *ExitInfo) error {
	// Synthesising a full interrupt frame from saved guest registers needs
	// the guest register file, which lives one layer up (the arch-specific
	// vCPU backing this engine); this hook exists so that layer can invoke
	// the host interrupt dispatcher once it has built the frame.
	debug.Writef("hv.handleExternalInterrupt", "vCPU %d external interrupt", v.ID)
	return nil
}

func (v *VirtualCPU) handlePageFault(info *ExitInfo) error {
	if v.PageFault == nil {
		return kerr.New(kerr.KindUnsupported, "hv: page fault with no handler installed")
	}
	if err := v.PageFault.HandlePageFault(info.FaultGPA, info.FaultWrite, info.FaultExec); err != nil {
		return kerr.Wrap(kerr.KindHardwareTimeout, "hv: EPT/NPT fault", err)
	}
	return nil
}

func (v *VirtualCPU) handleHLT(info *ExitInfo) error {
	v.IsHalted = true
	if info.NextInstrValid {
		v.advanceRIP(info)
	}
	return ErrVMHalted
}

func (v *VirtualCPU) advanceRIP(info *ExitInfo) {
	// RIP itself lives in the arch-specific register snapshot one layer up;
	// this is a marker the caller consults after HandleExit returns.
	info.NextInstrValid = true
}

func (v *VirtualCPU) handleIO(ctx ExitContext, info *ExitInfo) error {
	isWrite := info.Direction == IODirectionOut

	if v.MappedIOPorts[info.Port] {
		if v.IO == nil {
			return kerr.New(kerr.KindUnsupported, "hv: mapped IO port with no chipset attached")
		}
		if err := v.IO.HandlePIO(ctx, info.Port, info.Data, isWrite); err != nil {
			return kerr.Wrap(kerr.KindProtocolViolation, "hv: IO dispatch", err)
		}
		v.advanceRIP(info)
		return nil
	}

	if info.Port == 0x3F8 && isWrite {
		if v.serialOut != nil {
			v.serialOut(info.Data)
		}
		v.advanceRIP(info)
		return nil
	}

	v.advanceRIP(info)
	return kerr.New(kerr.KindUnsupported, fmt.Sprintf("hv: unmapped IO port 0x%04x", info.Port))
}

func (v *VirtualCPU) handleInterruptWindow(info *ExitInfo) error {
	if !v.APIC.NeedToNotify {
		return nil
	}
	vector, ok := v.APIC.PopNextRequestVector()
	if !ok {
		v.APIC.NeedToNotify = false
		return nil
	}
	// Injecting the pre-built interrupt frame into the guest's scratch
	// "interrupt frame extension" page and writing the VMCS/VMCB injection
	// field both need the arch-specific vCPU state one layer up; this hook
	// records which vector was popped for that layer to act on.
	info.RAX = uint64(vector)
	debug.Writef("hv.handleInterruptWindow", "vCPU %d injecting vector %d", v.ID, vector)
	return nil
}

func (v *VirtualCPU) handleRDMSR(info *ExitInfo) error {
	switch info.MSR {
	case MsrEFER:
		info.MSRValue = v.MsrMap[MsrEFER]
	case MsrX2APICTimerInit:
		info.MSRValue = uint64(v.APIC.TimerInitial)
	case MsrX2APICTimerCur:
		info.MSRValue = uint64(v.APIC.TimerCurrent)
	case MsrX2APICLVTTimer:
		info.MSRValue = uint64(v.APIC.TimerVector)
	default:
		info.MSRValue = v.MsrMap[info.MSR]
	}
	return nil
}

func (v *VirtualCPU) handleWRMSR(info *ExitInfo) error {
	switch info.MSR {
	case MsrEFER:
		v.MsrMap[MsrEFER] = info.MSRValue
	case MsrX2APICTimerInit:
		v.APIC.WriteTimerInitial(uint32(info.MSRValue))
	case MsrX2APICTimerDiv:
		if err := v.APIC.WriteTimerDivider(uint32(info.MSRValue)); err != nil {
			return err
		}
	case MsrX2APICLVTTimer:
		v.APIC.TimerVector = uint8(info.MSRValue)
	case MsrX2APICEOI:
		v.APIC.RFlagsIF = v.RFlagsIF
		v.APIC.FindNextX2ApicInterrupt(true)
	default:
		v.MsrMap[info.MSR] = info.MSRValue
	}
	return nil
}

// handleCR3Access enforces spec.md §4.5's "only register R15 is valid as
// source/destination" rule: reads return the cached guest CR3, writes
// update it.
func (v *VirtualCPU) handleCR3Access(info *ExitInfo) error {
	const r15 = 15
	if info.CR3Register != r15 {
		return kerr.New(kerr.KindProtocolViolation, "hv: CR3 access through a register other than R15")
	}
	if info.CR3Write {
		v.CR3 = info.CR3Value
	} else {
		info.CR3Value = v.CR3
	}
	return nil
}

func (v *VirtualCPU) handleHypercall(info *ExitInfo) error {
	if v.Hypercall == nil {
		return kerr.New(kerr.KindUnsupported, "hv: VMMCALL/VMCALL with no hypercall handler installed")
	}
	if err := v.Hypercall.Dispatch(v, info); err != nil {
		return err
	}
	// Every successful VMCALL advances RIP past the instruction.
	// HypercallExit returns ErrVMHalted instead of nil, so it never reaches
	// here — a halting vCPU has no next instruction to step to.
	v.advanceRIP(info)
	return nil
}
