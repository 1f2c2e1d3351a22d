package hv

import (
	"github.com/turnstone-os/kernel/internal/debug"
	"github.com/turnstone-os/kernel/internal/kerr"
	"github.com/turnstone-os/kernel/internal/linker"
	"github.com/turnstone-os/kernel/internal/pmm"
)

// Hypercall operation codes, dispatched on RAX per spec.md §4.5's
// VMMCALL/VMCALL row.
const (
	HypercallExit = iota
	HypercallGVAtoHPA
	HypercallAttachPCIDevice
	HypercallAttachInterrupt
	HypercallLoadModule
)

// PCIAttacher attaches a PCI device to the guest; a real implementation
// lives in the chipset/PCI layer and is out of this engine's scope beyond
// the dispatch hook.
type PCIAttacher interface {
	AttachPCIDevice(vendorDeviceID uint64) error
}

// InterruptAttacher wires an interrupt line to the guest's vAPIC.
type InterruptAttacher interface {
	AttachInterrupt(line uint8) error
}

// GuestTranslator resolves a guest virtual address to a host physical
// address, the address space the guest's own page tables describe. A full
// guest-page-table walk is out of scope (SPEC_FULL.md note); this engine
// treats guest virtual == guest physical, matching the identity-mapped
// hypervisor images spec.md §4.4 already assumes for program layout, and
// NestedPageTable (npt.go) resolves that address to host physical through
// its page map.
type GuestTranslator interface {
	GVAtoHPA(gva uint64) (uint64, error)
}

// HypercallDispatcher implements HypercallHandler, wiring VMMCALL/VMCALL
// requests to the linker (module loading), the frame allocator, and
// whichever PCI/interrupt attachers the owning VM installed.
type HypercallDispatcher struct {
	Linker     *linker.Linker
	Frames     *pmm.Allocator
	Translator GuestTranslator
	PCI        PCIAttacher
	Interrupts InterruptAttacher
}

var _ HypercallHandler = (*HypercallDispatcher)(nil)

// Dispatch executes the hypercall named by info.RAX, writing any result
// back into info.RAX for the caller to place into the guest's register
// file.
func (d *HypercallDispatcher) Dispatch(vcpu *VirtualCPU, info *ExitInfo) error {
	switch info.RAX {
	case HypercallExit:
		debug.Writef("hv.Hypercall", "vCPU %d requested exit", vcpu.ID)
		return ErrVMHalted

	case HypercallGVAtoHPA:
		if d.Translator == nil {
			return kerr.New(kerr.KindUnsupported, "hv: GVAtoHPA hypercall with no translator installed")
		}
		hpa, err := d.Translator.GVAtoHPA(info.RDI)
		if err != nil {
			return kerr.Wrap(kerr.KindInvalidArgument, "hv: GVAtoHPA", err)
		}
		info.RAX = hpa
		return nil

	case HypercallAttachPCIDevice:
		if d.PCI == nil {
			return kerr.New(kerr.KindUnsupported, "hv: AttachPCIDevice hypercall with no attacher installed")
		}
		return d.PCI.AttachPCIDevice(info.RDI)

	case HypercallAttachInterrupt:
		if d.Interrupts == nil {
			return kerr.New(kerr.KindUnsupported, "hv: AttachInterrupt hypercall with no attacher installed")
		}
		return d.Interrupts.AttachInterrupt(uint8(info.RDI))

	case HypercallLoadModule:
		if d.Linker == nil {
			return kerr.New(kerr.KindUnsupported, "hv: LoadModule hypercall with no linker installed")
		}
		name, err := d.readModuleName(info.RDI, info.RSI)
		if err != nil {
			return err
		}
		built, err := d.Linker.Build(name, true)
		if err != nil {
			return kerr.Wrap(kerr.KindNotFound, "hv: LoadModule", err)
		}
		info.RAX = built.EntrypointAddress
		info.RDI = built.ProgramPhysical
		info.RSI = built.GOTPhysical
		return nil

	default:
		return kerr.New(kerr.KindUnsupported, "hv: unknown hypercall")
	}
}

// readModuleName reads a module name out of guest memory
// at gva (RDI holds the address, RSI its length), translating through the
// installed GuestTranslator and the frame allocator's backing arena.
func (d *HypercallDispatcher) readModuleName(gva, length uint64) (string, error) {
	if d.Translator == nil || d.Frames == nil {
		return "", kerr.New(kerr.KindUnsupported, "hv: LoadModule hypercall with no translator/frame backing installed")
	}
	hpa, err := d.Translator.GVAtoHPA(gva)
	if err != nil {
		return "", kerr.Wrap(kerr.KindInvalidArgument, "hv: LoadModule: translate name pointer", err)
	}
	raw, err := d.Frames.ReadAt(hpa, int(length))
	if err != nil {
		return "", kerr.Wrap(kerr.KindInvalidArgument, "hv: LoadModule: read module name", err)
	}
	return string(raw), nil
}
