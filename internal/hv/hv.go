// Package hv implements the hypervisor VM-exit engine of spec.md §4.5: a
// single state machine driven by a normalized exit reason, a virtual LAPIC
// (vAPIC), EPT/NPT fault handling, and hypercall dispatch. It is grounded on
// the teacher's (tinyrange/cc) internal/hv/kvm exit-reason switch in
// kvm_amd64.go, adapted from "ioctl into a host KVM device" to a from-scratch
// exit dispatcher suited to a bare-metal hypervisor with no host kernel to
// delegate to (SPEC_FULL.md §5 notes the departure).
package hv

import (
	"errors"

	"github.com/turnstone-os/kernel/internal/timeslice"
)

// ErrVMHalted is returned from VirtualCPU.HandleExit (and from
// HypercallDispatcher.Dispatch) when the guest has halted and no further
// instruction is pending (spec.md §4.5's HLT handler, mirroring the
// teacher's hv.ErrVMHalted sentinel).
var ErrVMHalted = errors.New("hv: virtual machine halted")

// ErrGuestRequestedReboot is returned when the guest issues a system-level
// reset.
var ErrGuestRequestedReboot = errors.New("hv: guest requested reboot")

// Device is the minimal contract chipset devices satisfy on attach.
type Device interface {
	Init(vm VirtualMachine) error
}

// VirtualMachine is the thin surface a Device needs from its owning VM: a
// single AttachDevice call that registers a named device, without depending
// on the vCPU dispatch internals.
type VirtualMachine interface {
	AttachDevice(name string, dev Device) error
}

// ExitContext carries timeslice instrumentation through a single exit
// handler call, the way internal/timeslice records host/guest transitions.
type ExitContext interface {
	SetExitTimeslice(id timeslice.TimesliceID)
}

// ExitTimeslice tags the "currently handling a VM exit" window; HandleExit
// reports it on every call so a real ExitContext can record how long exit
// handling itself takes, the guest-time counterpart being whatever timeslice
// the run loop records while the guest is actually executing between exits.
var ExitTimeslice = timeslice.RegisterKind("vm-exit", 0)

// MMIORegion describes a memory-mapped I/O window a device claims.
type MMIORegion struct {
	Address uint64
	Size    uint64
}
