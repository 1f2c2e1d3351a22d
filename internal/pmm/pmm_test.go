package pmm

import (
	"testing"

	"github.com/turnstone-os/kernel/internal/kerr"
)

func newTestAllocator(t *testing.T, entries ...MemoryMapEntry) *Allocator {
	t.Helper()
	a, err := New(entries)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// TestFrameAllocFreeCycle is scenario 1 from spec.md §8.
func TestFrameAllocFreeCycle(t *testing.T) {
	a := newTestAllocator(t, MemoryMapEntry{PhysicalStart: 0x100000, PageCount: 0x100, Type: TypeFree})

	first, err := a.AllocateByCount(16, Block)
	if err != nil {
		t.Fatalf("first AllocateByCount: %v", err)
	}
	if first.Start != 0x100000 || first.Count != 16 {
		t.Fatalf("first extent = {0x%x, %d}, want {0x100000, 16}", first.Start, first.Count)
	}

	second, err := a.AllocateByCount(16, Block)
	if err != nil {
		t.Fatalf("second AllocateByCount: %v", err)
	}
	if second.Start != 0x110000 || second.Count != 16 {
		t.Fatalf("second extent = {0x%x, %d}, want {0x110000, 16}", second.Start, second.Count)
	}

	if err := a.Release(first); err != nil {
		t.Fatalf("Release(first): %v", err)
	}

	third, err := a.AllocateByCount(16, Block)
	if err != nil {
		t.Fatalf("third AllocateByCount: %v", err)
	}
	if third.Start != 0x100000 || third.Count != 16 {
		t.Fatalf("third extent = {0x%x, %d}, want {0x100000, 16}", third.Start, third.Count)
	}
}

func TestAllocateByCountOutOfMemory(t *testing.T) {
	a := newTestAllocator(t, MemoryMapEntry{PhysicalStart: 0x100000, PageCount: 4, Type: TypeFree})

	if _, err := a.AllocateByCount(4, Block); err != nil {
		t.Fatalf("AllocateByCount(4): %v", err)
	}
	_, err := a.AllocateByCount(1, Block)
	if !kerr.Is(err, kerr.KindOutOfMemory) {
		t.Fatalf("AllocateByCount(1) after exhaustion: err = %v, want OutOfMemory", err)
	}
}

func TestUnder4GRejectsCrossingBoundary(t *testing.T) {
	a := newTestAllocator(t, MemoryMapEntry{PhysicalStart: FourGiB - 2*FrameSize, PageCount: 4, Type: TypeFree})

	_, err := a.AllocateByCount(4, Under4G)
	if !kerr.Is(err, kerr.KindOutOfMemory) {
		t.Fatalf("AllocateByCount(4, Under4G) crossing 4GiB: err = %v, want OutOfMemory", err)
	}

	e, err := a.AllocateByCount(2, Under4G)
	if err != nil {
		t.Fatalf("AllocateByCount(2, Under4G): %v", err)
	}
	if e.Start+e.Count*FrameSize > FourGiB {
		t.Fatalf("extent end 0x%x exceeds 4GiB", e.Start+e.Count*FrameSize)
	}
}

func TestReleaseCoalescesAdjacentFreeExtents(t *testing.T) {
	a := newTestAllocator(t, MemoryMapEntry{PhysicalStart: 0x100000, PageCount: 32, Type: TypeFree})

	first, err := a.AllocateByCount(16, Block)
	if err != nil {
		t.Fatalf("AllocateByCount: %v", err)
	}
	second, err := a.AllocateByCount(16, Block)
	if err != nil {
		t.Fatalf("AllocateByCount: %v", err)
	}

	if err := a.Release(first); err != nil {
		t.Fatalf("Release(first): %v", err)
	}
	if err := a.Release(second); err != nil {
		t.Fatalf("Release(second): %v", err)
	}

	whole, err := a.AllocateByCount(32, Block)
	if err != nil {
		t.Fatalf("AllocateByCount(32) after coalesce: %v", err)
	}
	if whole.Start != 0x100000 {
		t.Fatalf("coalesced extent start = 0x%x, want 0x100000", whole.Start)
	}
}

func TestReserveSystemFramesTolerateOverlap(t *testing.T) {
	a := newTestAllocator(t, MemoryMapEntry{PhysicalStart: 0x100000, PageCount: 16, Type: TypeFree})

	if err := a.ReserveSystemFrames(Extent{Start: 0x100000, Count: 8}); err != nil {
		t.Fatalf("ReserveSystemFrames: %v", err)
	}
	if err := a.ReserveSystemFrames(Extent{Start: 0x100000 + 4*FrameSize, Count: 8}); err != nil {
		t.Fatalf("ReserveSystemFrames overlapping: %v", err)
	}

	if _, ok := a.GetReservedFramesOfAddress(0x100000); !ok {
		t.Fatalf("GetReservedFramesOfAddress(0x100000) not found")
	}
}

func TestReleaseAcpiReclaimHonoursMappedFlag(t *testing.T) {
	a := newTestAllocator(t,
		MemoryMapEntry{PhysicalStart: 0x200000, PageCount: 4, Type: TypeAcpiReclaim},
		MemoryMapEntry{PhysicalStart: 0x300000, PageCount: 4, Type: TypeAcpiReclaim, Attribute: AttrReservedPageMapped},
	)

	if err := a.ReleaseAcpiReclaimMemory(); err != nil {
		t.Fatalf("ReleaseAcpiReclaimMemory: %v", err)
	}

	if _, ok := a.GetReservedFramesOfAddress(0x200000); ok {
		t.Fatalf("0x200000 extent should have been released")
	}
	if _, ok := a.GetReservedFramesOfAddress(0x300000); !ok {
		t.Fatalf("0x300000 extent (ReservedPageMapped) should not have been released")
	}
}

func TestStatsAccountForAllFrames(t *testing.T) {
	a := newTestAllocator(t, MemoryMapEntry{PhysicalStart: 0x100000, PageCount: 64, Type: TypeFree})

	if _, err := a.AllocateByCount(10, Block); err != nil {
		t.Fatalf("AllocateByCount: %v", err)
	}
	if err := a.ReserveSystemFrames(Extent{Start: 0x100000 + 20*FrameSize, Count: 5}); err != nil {
		t.Fatalf("ReserveSystemFrames: %v", err)
	}

	s := a.Stats()
	if s.TotalFrames != 64 {
		t.Fatalf("TotalFrames = %d, want 64", s.TotalFrames)
	}
	if s.FreeFrames+s.AllocatedFrames+s.ReservedFrames != 64 {
		t.Fatalf("frame accounting does not sum to total: %+v", s)
	}
}
