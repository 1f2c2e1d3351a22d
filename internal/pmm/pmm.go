// Package pmm implements the physical frame allocator (spec.md §4.2): it
// owns every 4 KiB page frame drawn from the firmware memory map, splitting,
// merging, and reserving extents while honouring alignment and the classic
// "stay under 4 GiB" DMA constraint. It is grounded on the teacher's
// (tinyrange/cc) AllocateMemory/memoryRegion plumbing in internal/hv/kvm and
// on the bitmap-pool structuring of gopher-os's kernel/mem/pmm allocator,
// adapted from a bitmap per pool to the address/size-ordered extent indexes
// spec.md §3 actually specifies.
package pmm

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/turnstone-os/kernel/internal/debug"
	"github.com/turnstone-os/kernel/internal/kerr"
	"github.com/turnstone-os/kernel/internal/list"
)

const (
	// FrameSize is the fixed 4 KiB physical page granularity.
	FrameSize = 4096

	// LargePageFrameCount is the frame count of one 2 MiB large page; a
	// Block allocation whose count is a multiple of this value prefers an
	// already 2 MiB-aligned extent, per spec.md §4.2's alignment policy.
	LargePageFrameCount = 512

	// ScratchWindowVirtualAddress is the single reserved virtual page used
	// to map-zero-unmap a physical frame during release (spec.md §6). No
	// other code may hold this address; it exists here purely as a
	// documented constant since this simulation zeroes directly into its
	// backing arena rather than performing a real page-table walk.
	ScratchWindowVirtualAddress = 0x1000

	// FourGiB is the address ceiling Under4G allocations must respect.
	FourGiB = 0x1_0000_0000
)

// FrameType classifies an extent the way the firmware memory map and ACPI
// runtime tables do.
type FrameType int

const (
	TypeFree FrameType = iota
	TypeUsed
	TypeReserved
	TypeAcpiCode
	TypeAcpiData
	TypeAcpiReclaim
)

// Attribute bits carried alongside a FrameType.
type Attribute uint64

const (
	// AttrReservedPageMapped marks a reserved extent as currently mapped
	// into some address space; such an extent is never freed by
	// ReleaseAcpiReclaimMemory even if tagged AcpiReclaim.
	AttrReservedPageMapped Attribute = 1 << iota
)

// Extent describes a contiguous run of physical page frames.
type Extent struct {
	Start      uint64
	Count      uint64
	Type       FrameType
	Attributes Attribute
}

func (e Extent) End() uint64 { return e.Start + e.Count*FrameSize }

func (e Extent) contains(addr uint64) bool {
	return addr >= e.Start && addr < e.End()
}

func (e Extent) overlaps(o Extent) bool {
	return e.Start < o.End() && o.Start < e.End()
}

// AllocationFlags selects the allocation strategy of AllocateByCount.
type AllocationFlags int

const (
	// Block requires a single contiguous extent.
	Block AllocationFlags = iota
	// Relax allows scattered extents; not exercised by the core (spec.md
	// §4.2 notes it is "not required by the core") but kept so callers
	// can name the strategy they want without a separate entry point.
	Relax
	// Reserved marks the returned extent as Reserved instead of Used.
	Reserved
	// Under4G requires the returned extent to end at or below 4 GiB.
	Under4G
	// OldReserved behaves like Reserved but tolerates overlap with an
	// already-reserved region (used for firmware-described regions that
	// are re-described across boot stages).
	OldReserved
)

// MemoryMapEntry is the firmware-supplied description translated 1:1 into
// initial extents by New (spec.md §6): TypeFree entries become free
// extents, every other type is filed as reserved.
type MemoryMapEntry struct {
	PhysicalStart uint64
	PageCount     uint64
	Type          FrameType
	Attribute     Attribute
}

func byAddress(a, b Extent) int {
	if a.Start < b.Start {
		return -1
	}
	if a.Start > b.Start {
		return 1
	}
	return 0
}

func bySize(a, b Extent) int {
	if a.Count != b.Count {
		if a.Count < b.Count {
			return -1
		}
		return 1
	}
	return byAddress(a, b)
}

// Allocator owns all physical memory. Every mutating or iterating call
// acquires mu, matching the "mutex acquired around every mutating or
// iterating API" rule in spec.md §5.
type Allocator struct {
	mu sync.Mutex

	freeByAddress      *list.List[Extent]
	freeBySize         *list.List[Extent]
	allocatedByAddress *list.List[Extent]
	reservedByAddress  *list.List[Extent]

	acpiRuntime []Extent

	totalFrames uint64

	// backing simulates physical RAM: a single anonymous mapping sized to
	// cover the installed memory map, so Release's "map at a scratch
	// window, zero, unmap" step (spec.md §4.2) has real bytes to zero.
	// Offset into backing is Start - baseAddress.
	backing     []byte
	baseAddress uint64
}

// New builds an Allocator from the firmware memory map, mapping a backing
// arena sized to cover [min start, max end) across all entries.
func New(memoryMap []MemoryMapEntry) (*Allocator, error) {
	if len(memoryMap) == 0 {
		return nil, kerr.New(kerr.KindInvalidArgument, "pmm: empty memory map")
	}

	base := memoryMap[0].PhysicalStart
	end := uint64(0)
	for _, e := range memoryMap {
		if e.PhysicalStart < base {
			base = e.PhysicalStart
		}
		if extentEnd := e.PhysicalStart + e.PageCount*FrameSize; extentEnd > end {
			end = extentEnd
		}
	}

	size := end - base
	backing, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pmm: mmap backing arena of %d bytes: %w", size, err)
	}

	a := &Allocator{
		freeByAddress:      list.New(byAddress),
		freeBySize:         list.New(bySize),
		allocatedByAddress: list.New(byAddress),
		reservedByAddress:  list.New(byAddress),
		backing:            backing,
		baseAddress:        base,
	}

	for _, e := range memoryMap {
		extent := Extent{Start: e.PhysicalStart, Count: e.PageCount, Type: e.Type, Attributes: e.Attribute}
		a.totalFrames += e.PageCount
		switch e.Type {
		case TypeFree:
			a.freeByAddress.InsertAt(list.Sorted, extent)
			a.freeBySize.InsertAt(list.Sorted, extent)
		case TypeAcpiCode, TypeAcpiData, TypeAcpiReclaim:
			a.acpiRuntime = append(a.acpiRuntime, extent)
			a.reservedByAddress.InsertAt(list.Sorted, extent)
		default:
			a.reservedByAddress.InsertAt(list.Sorted, extent)
		}
	}

	debug.Writef("pmm.New", "initialized with %d frames across %d map entries", a.totalFrames, len(memoryMap))

	return a, nil
}

// Close releases the simulated backing arena.
func (a *Allocator) Close() error {
	if a.backing == nil {
		return nil
	}
	err := unix.Munmap(a.backing)
	a.backing = nil
	return err
}

// Stats reports free/allocated/reserved frame totals for diagnostics.
type Stats struct {
	TotalFrames     uint64
	FreeFrames      uint64
	AllocatedFrames uint64
	ReservedFrames  uint64
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s Stats
	s.TotalFrames = a.totalFrames
	a.freeByAddress.ForEach(func(e Extent) bool { s.FreeFrames += e.Count; return true })
	a.allocatedByAddress.ForEach(func(e Extent) bool { s.AllocatedFrames += e.Count; return true })
	a.reservedByAddress.ForEach(func(e Extent) bool { s.ReservedFrames += e.Count; return true })
	return s
}

// removeFromFreeIndexes deletes extent from both free indexes; it must be
// present in exactly one slot of each, per the invariant in spec.md §3.
func (a *Allocator) removeFromFreeIndexes(e Extent) {
	a.freeByAddress.Delete(e)
	a.freeBySize.Delete(e)
}

func (a *Allocator) insertFree(e Extent) {
	if e.Count == 0 {
		return
	}
	a.freeByAddress.InsertAt(list.Sorted, e)
	a.freeBySize.InsertAt(list.Sorted, e)
}

// findCandidate scans freeByAddress for the first extent able to satisfy
// count frames under the given flags, preferring 2 MiB-aligned extents for
// large-page-sized requests as spec.md §4.2 requires.
func (a *Allocator) findCandidate(count uint64, flags AllocationFlags) (Extent, bool) {
	wantAligned := count%LargePageFrameCount == 0

	var fallback Extent
	haveFallback := false

	found := false
	var result Extent

	a.freeByAddress.ForEach(func(e Extent) bool {
		if e.Count < count {
			return true
		}
		if flags == Under4G && e.Start+count*FrameSize > FourGiB {
			// Allocation starts at e.Start, so an extent whose first
			// count frames already cross 4GiB cannot host the request.
			if e.Start >= FourGiB {
				return true
			}
			if e.Start+count*FrameSize > FourGiB {
				return true
			}
		}

		if !haveFallback {
			fallback = e
			haveFallback = true
		}

		if wantAligned && e.Start%(LargePageFrameCount*FrameSize) == 0 {
			result = e
			found = true
			return false
		}

		return true
	})

	if found {
		return result, true
	}
	if haveFallback {
		return fallback, true
	}
	return Extent{}, false
}

// AllocateByCount returns count contiguous frames (Block) honouring flags,
// carving a head remainder to restore 2 MiB alignment when needed.
func (a *Allocator) AllocateByCount(count uint64, flags AllocationFlags) (Extent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if count == 0 {
		return Extent{}, kerr.New(kerr.KindInvalidArgument, "pmm: AllocateByCount(0)")
	}

	candidate, ok := a.findCandidate(count, flags)
	if !ok {
		return Extent{}, kerr.New(kerr.KindOutOfMemory, "pmm: AllocateByCount")
	}

	wantAligned := count%LargePageFrameCount == 0
	alignedStart := candidate.Start
	if wantAligned && candidate.Start%(LargePageFrameCount*FrameSize) != 0 {
		// Carve a head remainder to restore alignment, re-filing it as
		// Free, per spec.md §4.2.
		aligned := (candidate.Start + LargePageFrameCount*FrameSize - 1) &^ (LargePageFrameCount*FrameSize - 1)
		if aligned+count*FrameSize <= candidate.End() && !(flags == Under4G && aligned+count*FrameSize > FourGiB) {
			alignedStart = aligned
		}
	}

	a.removeFromFreeIndexes(candidate)

	if alignedStart > candidate.Start {
		head := Extent{Start: candidate.Start, Count: (alignedStart - candidate.Start) / FrameSize, Type: TypeFree, Attributes: candidate.Attributes}
		a.insertFree(head)
	}

	result := Extent{Start: alignedStart, Count: count, Attributes: candidate.Attributes}
	tailStart := alignedStart + count*FrameSize
	if tailStart < candidate.End() {
		tail := Extent{Start: tailStart, Count: (candidate.End() - tailStart) / FrameSize, Type: TypeFree, Attributes: candidate.Attributes}
		a.insertFree(tail)
	}

	switch flags {
	case Reserved, OldReserved:
		result.Type = TypeReserved
		a.reservedByAddress.InsertAt(list.Sorted, result)
	default:
		result.Type = TypeUsed
		a.allocatedByAddress.InsertAt(list.Sorted, result)
	}

	debug.Writef("pmm.AllocateByCount", "start=0x%x count=%d flags=%d", result.Start, result.Count, flags)

	return result, nil
}

// Allocate reserves a specific extent out of the surrounding free extent,
// splitting off head/tail remainders as needed.
func (a *Allocator) Allocate(want Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var owner Extent
	found := false
	a.freeByAddress.ForEach(func(e Extent) bool {
		if e.Start <= want.Start && want.End() <= e.End() {
			owner = e
			found = true
			return false
		}
		return true
	})
	if !found {
		return kerr.New(kerr.KindNotFound, "pmm: Allocate: no free extent contains the requested range")
	}

	a.removeFromFreeIndexes(owner)

	if owner.Start < want.Start {
		a.insertFree(Extent{Start: owner.Start, Count: (want.Start - owner.Start) / FrameSize, Type: TypeFree, Attributes: owner.Attributes})
	}
	if want.End() < owner.End() {
		a.insertFree(Extent{Start: want.End(), Count: (owner.End() - want.End()) / FrameSize, Type: TypeFree, Attributes: owner.Attributes})
	}

	used := want
	used.Type = TypeUsed
	a.allocatedByAddress.InsertAt(list.Sorted, used)

	return nil
}

// scratchZero simulates "map at the fixed scratch virtual address, zero,
// unmap" by zeroing the corresponding span of the backing arena directly;
// see SPEC_FULL.md §6 for why this is behaviourally equivalent in this
// simulation.
func (a *Allocator) scratchZero(e Extent) {
	if a.backing == nil {
		return
	}
	off := int64(e.Start) - int64(a.baseAddress)
	if off < 0 || off+int64(e.Count*FrameSize) > int64(len(a.backing)) {
		return
	}
	span := a.backing[off : off+int64(e.Count*FrameSize)]
	for i := range span {
		span[i] = 0
	}
}

// WriteAt copies data into the backing bytes of extent, for callers (the
// linker's GOT clone and program dump writes) that need to materialize a
// built image into physical memory directly rather than through a mapped
// virtual address.
func (a *Allocator) WriteAt(extent Extent, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.backing == nil {
		return kerr.New(kerr.KindInvalidArgument, "pmm: WriteAt: allocator is closed")
	}
	off := int64(extent.Start) - int64(a.baseAddress)
	if off < 0 || off+int64(len(data)) > int64(len(a.backing)) {
		return kerr.New(kerr.KindInvalidArgument, "pmm: WriteAt: data does not fit within the backing arena")
	}
	copy(a.backing[off:off+int64(len(data))], data)
	return nil
}

// ReadAt returns a copy of n bytes starting at addr from the backing arena,
// the read-side counterpart to WriteAt.
func (a *Allocator) ReadAt(addr uint64, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.backing == nil {
		return nil, kerr.New(kerr.KindInvalidArgument, "pmm: ReadAt: allocator is closed")
	}
	off := int64(addr) - int64(a.baseAddress)
	if off < 0 || off+int64(n) > int64(len(a.backing)) {
		return nil, kerr.New(kerr.KindInvalidArgument, "pmm: ReadAt: range outside the backing arena")
	}
	out := make([]byte, n)
	copy(out, a.backing[off:off+int64(n)])
	return out, nil
}

// Release returns an extent to Free, zeroing its pages through the scratch
// window and coalescing with adjacent free extents of equal attributes.
func (a *Allocator) Release(e Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var owner Extent
	var ownerList *list.List[Extent]
	found := false

	a.allocatedByAddress.ForEach(func(c Extent) bool {
		if c.Start <= e.Start && e.End() <= c.End() {
			owner, ownerList, found = c, a.allocatedByAddress, true
			return false
		}
		return true
	})
	if !found {
		a.reservedByAddress.ForEach(func(c Extent) bool {
			if c.Start <= e.Start && e.End() <= c.End() {
				owner, ownerList, found = c, a.reservedByAddress, true
				return false
			}
			return true
		})
	}
	if !found {
		return kerr.New(kerr.KindNotFound, "pmm: Release: extent is not allocated or reserved")
	}

	ownerList.Delete(owner)

	if owner.Start < e.Start {
		remainder := owner
		remainder.Count = (e.Start - owner.Start) / FrameSize
		ownerList.InsertAt(list.Sorted, remainder)
	}
	if e.End() < owner.End() {
		remainder := owner
		remainder.Start = e.End()
		remainder.Count = (owner.End() - e.End()) / FrameSize
		ownerList.InsertAt(list.Sorted, remainder)
	}

	a.scratchZero(e)

	freed := e
	freed.Type = TypeFree

	a.coalesceAndInsertFree(freed)

	debug.Writef("pmm.Release", "start=0x%x count=%d", freed.Start, freed.Count)

	return nil
}

// coalesceAndInsertFree merges freed with any adjacent Free extent sharing
// the same attributes before inserting it into both free indexes.
func (a *Allocator) coalesceAndInsertFree(freed Extent) {
	var toRemove []Extent

	a.freeByAddress.ForEach(func(e Extent) bool {
		if e.Attributes != freed.Attributes {
			return true
		}
		if e.End() == freed.Start {
			freed.Start = e.Start
			freed.Count += e.Count
			toRemove = append(toRemove, e)
		} else if freed.End() == e.Start {
			freed.Count += e.Count
			toRemove = append(toRemove, e)
		}
		return true
	})

	for _, e := range toRemove {
		a.removeFromFreeIndexes(e)
	}

	a.insertFree(freed)
}

// ReserveSystemFrames marks extent as Reserved, tolerating overlap with
// already-reserved regions (spec.md §4.2).
func (a *Allocator) ReserveSystemFrames(e Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	overlapsExisting := false
	a.reservedByAddress.ForEach(func(c Extent) bool {
		if c.overlaps(e) {
			overlapsExisting = true
			return false
		}
		return true
	})
	if overlapsExisting {
		// Tolerated per spec.md §4.2: record it anyway without trying
		// to deduplicate the overlap away.
		debug.Writef("pmm.ReserveSystemFrames", "tolerating overlap at 0x%x", e.Start)
	}

	// Carve the range out of the free extents it overlaps.
	var overlappingFree []Extent
	a.freeByAddress.ForEach(func(c Extent) bool {
		if c.overlaps(e) {
			overlappingFree = append(overlappingFree, c)
		}
		return true
	})
	for _, c := range overlappingFree {
		a.removeFromFreeIndexes(c)
		if c.Start < e.Start {
			a.insertFree(Extent{Start: c.Start, Count: (e.Start - c.Start) / FrameSize, Type: TypeFree, Attributes: c.Attributes})
		}
		if e.End() < c.End() {
			a.insertFree(Extent{Start: e.End(), Count: (c.End() - e.End()) / FrameSize, Type: TypeFree, Attributes: c.Attributes})
		}
	}

	reserved := e
	reserved.Type = TypeReserved
	a.reservedByAddress.InsertAt(list.Sorted, reserved)
	return nil
}

// GetReservedFramesOfAddress point-queries reserved extents containing pa.
func (a *Allocator) GetReservedFramesOfAddress(pa uint64) (Extent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var result Extent
	found := false
	a.reservedByAddress.ForEach(func(e Extent) bool {
		if e.contains(pa) {
			result = e
			found = true
			return false
		}
		return true
	})
	return result, found
}

// ReleaseAcpiReclaimMemory frees every extent tagged AcpiReclaim that is not
// also marked ReservedPageMapped (spec.md §4.2, §3).
func (a *Allocator) ReleaseAcpiReclaimMemory() error {
	a.mu.Lock()
	var toRelease []Extent
	remaining := a.acpiRuntime[:0]
	for _, e := range a.acpiRuntime {
		if e.Type == TypeAcpiReclaim && e.Attributes&AttrReservedPageMapped == 0 {
			toRelease = append(toRelease, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	a.acpiRuntime = remaining
	a.mu.Unlock()

	for _, e := range toRelease {
		if err := a.Release(e); err != nil {
			return fmt.Errorf("pmm: release ACPI reclaim extent at 0x%x: %w", e.Start, err)
		}
	}
	return nil
}
