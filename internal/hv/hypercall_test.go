package hv

import (
	"testing"

	"github.com/turnstone-os/kernel/internal/linker"
	"github.com/turnstone-os/kernel/internal/pmm"
)

type fakeModuleStore struct {
	modules     map[linker.ModuleID]linker.Module
	sections    map[linker.SectionID]linker.Section
	symbols     map[linker.SymbolID]linker.Symbol
	byName      map[string]linker.SymbolID
	relocsBySec map[linker.SectionID][]linker.Relocation
}

func newFakeModuleStore() *fakeModuleStore {
	return &fakeModuleStore{
		modules:     make(map[linker.ModuleID]linker.Module),
		sections:    make(map[linker.SectionID]linker.Section),
		symbols:     make(map[linker.SymbolID]linker.Symbol),
		byName:      make(map[string]linker.SymbolID),
		relocsBySec: make(map[linker.SectionID][]linker.Relocation),
	}
}

func (s *fakeModuleStore) SymbolByName(name string) (linker.Symbol, bool, error) {
	id, ok := s.byName[name]
	if !ok {
		return linker.Symbol{}, false, nil
	}
	return s.symbols[id], true, nil
}

func (s *fakeModuleStore) Symbol(id linker.SymbolID) (linker.Symbol, error)    { return s.symbols[id], nil }
func (s *fakeModuleStore) Section(id linker.SectionID) (linker.Section, error) { return s.sections[id], nil }
func (s *fakeModuleStore) Module(id linker.ModuleID) (linker.Module, error)    { return s.modules[id], nil }
func (s *fakeModuleStore) RelocationsForSection(id linker.SectionID) ([]linker.Relocation, error) {
	return s.relocsBySec[id], nil
}

type fakePCIAttacher struct{ got uint64 }

func (f *fakePCIAttacher) AttachPCIDevice(id uint64) error { f.got = id; return nil }

type fakeInterruptAttacher struct{ got uint8 }

func (f *fakeInterruptAttacher) AttachInterrupt(line uint8) error { f.got = line; return nil }

func newHypercallTestAllocator(t *testing.T) *pmm.Allocator {
	t.Helper()
	a, err := pmm.New([]pmm.MemoryMapEntry{{PhysicalStart: 0x200000, PageCount: 64, Type: pmm.TypeFree}})
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestHypercallDispatchExit(t *testing.T) {
	d := &HypercallDispatcher{}
	err := d.Dispatch(NewVirtualCPU(0), &ExitInfo{RAX: HypercallExit})
	if err != ErrVMHalted {
		t.Fatalf("Dispatch(Exit) = %v, want ErrVMHalted", err)
	}
}

func TestHypercallDispatchGVAtoHPA(t *testing.T) {
	frames := newHypercallTestAllocator(t)
	npt := NewNestedPageTable(frames)
	extent, err := frames.AllocateByCount(1, pmm.Block)
	if err != nil {
		t.Fatalf("AllocateByCount: %v", err)
	}
	npt.Map(0x1000, extent.Start)

	d := &HypercallDispatcher{Translator: npt}
	info := &ExitInfo{RAX: HypercallGVAtoHPA, RDI: 0x1000 + 8}
	if err := d.Dispatch(NewVirtualCPU(0), info); err != nil {
		t.Fatalf("Dispatch(GVAtoHPA): %v", err)
	}
	if info.RAX != extent.Start+8 {
		t.Fatalf("RAX = 0x%x, want 0x%x", info.RAX, extent.Start+8)
	}
}

func TestHypercallDispatchGVAtoHPAUnmappedFails(t *testing.T) {
	frames := newHypercallTestAllocator(t)
	npt := NewNestedPageTable(frames)
	d := &HypercallDispatcher{Translator: npt}
	err := d.Dispatch(NewVirtualCPU(0), &ExitInfo{RAX: HypercallGVAtoHPA, RDI: 0x9000})
	if err == nil {
		t.Fatalf("Dispatch(GVAtoHPA) over an unmapped gpa should fail")
	}
}

func TestHypercallDispatchAttachPCIDevice(t *testing.T) {
	pci := &fakePCIAttacher{}
	d := &HypercallDispatcher{PCI: pci}
	if err := d.Dispatch(NewVirtualCPU(0), &ExitInfo{RAX: HypercallAttachPCIDevice, RDI: 0xABCD}); err != nil {
		t.Fatalf("Dispatch(AttachPCIDevice): %v", err)
	}
	if pci.got != 0xABCD {
		t.Fatalf("AttachPCIDevice got 0x%x, want 0xABCD", pci.got)
	}
}

func TestHypercallDispatchAttachInterrupt(t *testing.T) {
	ia := &fakeInterruptAttacher{}
	d := &HypercallDispatcher{Interrupts: ia}
	if err := d.Dispatch(NewVirtualCPU(0), &ExitInfo{RAX: HypercallAttachInterrupt, RDI: 5}); err != nil {
		t.Fatalf("Dispatch(AttachInterrupt): %v", err)
	}
	if ia.got != 5 {
		t.Fatalf("AttachInterrupt got %d, want 5", ia.got)
	}
}

func TestHandleExitHypercallAdvancesRIPOnSuccess(t *testing.T) {
	frames := newHypercallTestAllocator(t)
	npt := NewNestedPageTable(frames)
	extent, err := frames.AllocateByCount(1, pmm.Block)
	if err != nil {
		t.Fatalf("AllocateByCount: %v", err)
	}
	npt.Map(0x4000, extent.Start)

	v := NewVirtualCPU(0)
	v.Hypercall = &HypercallDispatcher{Translator: npt}

	info := &ExitInfo{Reason: ExitHypercall, RAX: HypercallGVAtoHPA, RDI: 0x4000}
	if err := v.HandleExit(&fakeExitContext{}, info); err != nil {
		t.Fatalf("HandleExit(Hypercall GVAtoHPA): %v", err)
	}
	if info.RAX != extent.Start {
		t.Fatalf("RAX = 0x%x, want 0x%x", info.RAX, extent.Start)
	}
	if !info.NextInstrValid {
		t.Fatalf("NextInstrValid should be set after a successful hypercall, so the caller advances RIP past the VMCALL")
	}
}

func TestHandleExitHypercallExitDoesNotAdvanceRIP(t *testing.T) {
	v := NewVirtualCPU(0)
	v.Hypercall = &HypercallDispatcher{}

	info := &ExitInfo{Reason: ExitHypercall, RAX: HypercallExit}
	err := v.HandleExit(&fakeExitContext{}, info)
	if err != ErrVMHalted {
		t.Fatalf("HandleExit(Hypercall Exit) = %v, want ErrVMHalted", err)
	}
	if info.NextInstrValid {
		t.Fatalf("NextInstrValid should not be set when the hypercall halts the vCPU")
	}
}

func TestHypercallDispatchLoadModule(t *testing.T) {
	frames := newHypercallTestAllocator(t)
	npt := NewNestedPageTable(frames)

	store := newFakeModuleStore()
	store.modules[1] = linker.Module{ID: 1, Name: "main", Sections: []linker.SectionID{1}}
	store.sections[1] = linker.Section{ID: 1, ModuleID: 1, Name: ".text", Data: make([]byte, 64), Align: 16}
	store.symbols[1] = linker.Symbol{ID: 1, Name: "start", SectionID: 1, Value: 0}
	store.byName["start"] = 1

	l := linker.New(store, frames)
	d := &HypercallDispatcher{Linker: l, Frames: frames, Translator: npt}

	nameExtent, err := frames.AllocateByCount(1, pmm.Block)
	if err != nil {
		t.Fatalf("AllocateByCount: %v", err)
	}
	npt.Map(0x5000, nameExtent.Start)
	name := "start"
	if err := frames.WriteAt(pmm.Extent{Start: nameExtent.Start, Count: 1}, []byte(name)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	info := &ExitInfo{RAX: HypercallLoadModule, RDI: 0x5000, RSI: uint64(len(name))}
	if err := d.Dispatch(NewVirtualCPU(0), info); err != nil {
		t.Fatalf("Dispatch(LoadModule): %v", err)
	}
	if info.RAX == 0 {
		t.Fatalf("LoadModule should return a non-zero entrypoint address in RAX")
	}
	if info.RDI == 0 {
		t.Fatalf("LoadModule should return the program physical address in RDI")
	}
	if info.RSI == 0 {
		t.Fatalf("LoadModule should return the GOT physical address in RSI")
	}
}
