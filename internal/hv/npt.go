package hv

import (
	"sync"

	"github.com/turnstone-os/kernel/internal/debug"
	"github.com/turnstone-os/kernel/internal/kerr"
	"github.com/turnstone-os/kernel/internal/pmm"
)

// NestedPageTable is a guest-physical-to-host-physical map standing in for
// a real EPT/NPT radix structure: spec.md scopes out the page-table walker
// itself ("only the record-read surface... is described" applies equally
// here — only the fault-handling *decision* matters), so mappings are kept
// in a flat, page-granular table rather than a multi-level walk.
type NestedPageTable struct {
	mu sync.Mutex

	frames *pmm.Allocator
	pages  map[uint64]uint64 // guest physical page -> host physical page
}

// NewNestedPageTable returns an empty table backed by frames for demand
// allocation.
func NewNestedPageTable(frames *pmm.Allocator) *NestedPageTable {
	return &NestedPageTable{
		frames: frames,
		pages:  make(map[uint64]uint64),
	}
}

var (
	_ PageFaultHandler = (*NestedPageTable)(nil)
	_ GuestTranslator  = (*NestedPageTable)(nil)
)

// GVAtoHPA implements GuestTranslator by treating the guest virtual address
// as a guest physical address (spec.md's identity-mapped hypervisor image
// assumption, see hypercall.go) and resolving the page through Translate,
// preserving the in-page offset.
func (n *NestedPageTable) GVAtoHPA(gva uint64) (uint64, error) {
	hpa, ok := n.Translate(gva)
	if !ok {
		return 0, kerr.New(kerr.KindNotFound, "hv: GVAtoHPA: gpa not mapped")
	}
	return hpa + (gva & (pmm.FrameSize - 1)), nil
}

func pageOf(addr uint64) uint64 { return addr &^ (pmm.FrameSize - 1) }

// Map installs a fixed guest-physical-to-host-physical mapping, for pages
// the hypervisor sets up ahead of time (e.g. the linker's program dump).
func (n *NestedPageTable) Map(gpa, hpa uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[pageOf(gpa)] = pageOf(hpa)
}

// Translate returns the host physical page backing gpa, if mapped.
func (n *NestedPageTable) Translate(gpa uint64) (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	hpa, ok := n.pages[pageOf(gpa)]
	return hpa, ok
}

// HandlePageFault implements spec.md §4.5's EPT/NPT fault helper: it walks
// (here, looks up) the nested page table to decide whether to install a
// mapping or fail the guest. An unmapped read/write fault demand-allocates
// a fresh frame; an exec fault against an unmapped page always fails, since
// this engine never backs guest code pages on demand (they come from the
// linker's build, which maps them up front).
func (n *NestedPageTable) HandlePageFault(gpa uint64, write, exec bool) error {
	if _, ok := n.Translate(gpa); ok {
		// Already mapped: a real NPT/EPT fault here would mean a permission
		// violation (e.g. write to a read-only page). This engine has no
		// permission bits per page yet, so this indicates a guest error.
		return kerr.New(kerr.KindProtocolViolation, "hv: page fault against an already-mapped page")
	}

	if exec {
		return kerr.New(kerr.KindNotFound, "hv: exec fault against an unmapped guest page")
	}

	extent, err := n.frames.AllocateByCount(1, pmm.Block)
	if err != nil {
		return kerr.Wrap(kerr.KindOutOfMemory, "hv: demand-allocate guest page", err)
	}

	n.Map(gpa, extent.Start)
	debug.Writef("hv.HandlePageFault", "demand-mapped gpa=0x%x -> hpa=0x%x write=%t", gpa, extent.Start, write)
	return nil
}
