package hv

import (
	"testing"

	"github.com/turnstone-os/kernel/internal/pmm"
)

func newNPTTestAllocator(t *testing.T) *pmm.Allocator {
	t.Helper()
	a, err := pmm.New([]pmm.MemoryMapEntry{{PhysicalStart: 0x300000, PageCount: 64, Type: pmm.TypeFree}})
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestHandlePageFaultDemandAllocatesOnUnmappedAccess(t *testing.T) {
	frames := newNPTTestAllocator(t)
	npt := NewNestedPageTable(frames)

	const gpa = 0x7000
	if err := npt.HandlePageFault(gpa, true, false); err != nil {
		t.Fatalf("HandlePageFault(write): %v", err)
	}
	hpa, ok := npt.Translate(gpa)
	if !ok {
		t.Fatalf("expected gpa 0x%x to be mapped after demand-fault", gpa)
	}
	if hpa == 0 {
		t.Fatalf("demand-mapped hpa should be non-zero")
	}
}

func TestHandlePageFaultExecOnUnmappedFails(t *testing.T) {
	frames := newNPTTestAllocator(t)
	npt := NewNestedPageTable(frames)

	err := npt.HandlePageFault(0x8000, false, true)
	if err == nil {
		t.Fatalf("exec fault against an unmapped page should fail")
	}
}

func TestHandlePageFaultAlreadyMappedFails(t *testing.T) {
	frames := newNPTTestAllocator(t)
	npt := NewNestedPageTable(frames)

	const gpa = 0x9000
	if err := npt.HandlePageFault(gpa, true, false); err != nil {
		t.Fatalf("first fault: %v", err)
	}
	if err := npt.HandlePageFault(gpa, true, false); err == nil {
		t.Fatalf("a fault against an already-mapped page should fail")
	}
}

func TestGVAtoHPAPreservesInPageOffset(t *testing.T) {
	frames := newNPTTestAllocator(t)
	npt := NewNestedPageTable(frames)

	extent, err := frames.AllocateByCount(1, pmm.Block)
	if err != nil {
		t.Fatalf("AllocateByCount: %v", err)
	}
	const gva = 0xA000
	npt.Map(gva, extent.Start)

	hpa, err := npt.GVAtoHPA(gva + 0x123)
	if err != nil {
		t.Fatalf("GVAtoHPA: %v", err)
	}
	if hpa != extent.Start+0x123 {
		t.Fatalf("GVAtoHPA = 0x%x, want 0x%x", hpa, extent.Start+0x123)
	}
}

func TestGVAtoHPAUnmappedFails(t *testing.T) {
	frames := newNPTTestAllocator(t)
	npt := NewNestedPageTable(frames)

	if _, err := npt.GVAtoHPA(0xB000); err == nil {
		t.Fatalf("GVAtoHPA over an unmapped gpa should fail")
	}
}
