// Package heap implements the simple, size-class-assisted heap allocator of
// spec.md §4.3: a sorted free list layered over a pre-reserved virtual
// region, with a 128-entry size-class fast cache and aligned malloc. It
// deliberately never coalesces adjacent free slots — the size-class cache
// substitutes for that, per spec.md §4.3's "Deliberate non-policies".
//
// Following the arena-plus-index pattern in spec.md's Design Notes, slot
// headers are not packed into the byte arena as a C struct would be;
// instead each slot is identified by its start offset in 32-byte header
// units (HeaderUnit), and headers live in a side table keyed by that offset.
// The offset *is* the address for ordering purposes
// (SPEC_FULL.md §5), so splitting and address-ordered lookups behave exactly
// as the spec describes.
package heap

import (
	"sync"

	"github.com/turnstone-os/kernel/internal/debug"
	"github.com/turnstone-os/kernel/internal/kerr"
	"github.com/turnstone-os/kernel/internal/list"
)

// HeaderUnit is the 32-byte granularity of all heap bookkeeping.
const HeaderUnit = 32

// MaxSizeClass is the largest size class (in header units) with a dedicated
// FIFO cache; larger slots live in the address-ordered free list.
const MaxSizeClass = 128

const (
	magic        uint32 = 0x48454150 // "HEAP"
	paddingConst uint32 = 0
)

type slotFlags uint32

const (
	flagFree slotFlags = 1 << iota
	flagStart
	flagEnd
)

// Pointer is an opaque handle to an allocated slot: the offset, in header
// units, of its header. It is the Go-idiomatic replacement for a raw
// payload pointer (spec.md Design Notes: explicit indices, not raw
// pointers).
type Pointer uint32

const noSlot = ^uint32(0)

type slotHeader struct {
	magic        uint32
	padding      uint32
	flags        slotFlags
	sizeUnits    uint32 // inclusive of the header itself
	next, prev   uint32 // neighbour in whichever free structure currently owns this slot; noSlot if none
}

func (h *slotHeader) checkIntegrity() error {
	if h.magic != magic || h.padding != paddingConst {
		kerr.Halt("heap: corrupt slot header", map[string]any{"magic": h.magic, "padding": h.padding})
	}
	return nil
}

func offsetLess(a, b uint32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Heap is a virtual-address arena carved into 32-byte-aligned headers,
// guarded by a single mutex as spec.md §5 requires.
type Heap struct {
	mu sync.Mutex

	arena      []byte
	totalUnits uint32

	headers map[uint32]*slotHeader

	first, last, firstEmpty uint32

	// classQueue implements a FIFO per size class 1..MaxSizeClass,
	// indexed by sizeUnits-1. Each entry is a slice of slot offsets acting
	// as the queue; push to the back, pop from the front.
	classQueue [MaxSizeClass][]uint32

	// overflow is the address-ordered free list for slots larger than
	// MaxSizeClass header units.
	overflow *list.List[uint32]

	mallocCount, freeCount uint64
	freeSizeUnits          uint64
	headerCount            uint64
}

// New carves a new Heap out of size bytes of pre-reserved virtual memory.
// size is rounded down to a whole number of header units; the first and
// last units become sentinel Start/End headers, as spec.md §3 requires.
func New(size int) (*Heap, error) {
	units := uint32(size / HeaderUnit)
	if units < 3 {
		return nil, kerr.New(kerr.KindInvalidArgument, "heap: arena too small")
	}

	h := &Heap{
		arena:      make([]byte, int(units)*HeaderUnit),
		totalUnits: units,
		headers:    make(map[uint32]*slotHeader),
		overflow:   list.New(offsetLess),
		first:      0,
		last:       units - 1,
		firstEmpty: 0,
	}

	start := &slotHeader{magic: magic, flags: flagStart, sizeUnits: 1}
	h.headers[0] = start
	h.headerCount++

	end := &slotHeader{magic: magic, flags: flagEnd, sizeUnits: 1}
	h.headers[units-1] = end
	h.headerCount++

	freeUnits := units - 2
	free := &slotHeader{magic: magic, flags: flagFree, sizeUnits: freeUnits, next: noSlot, prev: noSlot}
	h.headers[1] = free
	h.headerCount++
	h.fileFree(1, free)
	h.freeSizeUnits = uint64(freeUnits)

	debug.Writef("heap.New", "arena of %d units (%d bytes), initial free span %d units", units, len(h.arena), freeUnits)

	return h, nil
}

// Stats mirrors the teacher's runtime allocator counters.
type Stats struct {
	HeaderCount   uint64
	MallocCount   uint64
	FreeCount     uint64
	FreeSizeBytes uint64
}

func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		HeaderCount:   h.headerCount,
		MallocCount:   h.mallocCount,
		FreeCount:     h.freeCount,
		FreeSizeBytes: h.freeSizeUnits * HeaderUnit,
	}
}

func classIndex(sizeUnits uint32) (int, bool) {
	if sizeUnits == 0 || sizeUnits > MaxSizeClass {
		return 0, false
	}
	return int(sizeUnits - 1), true
}

// fileFree places offset's free slot into whichever structure its size
// class indicates.
func (h *Heap) fileFree(offset uint32, hdr *slotHeader) {
	if idx, ok := classIndex(hdr.sizeUnits); ok {
		h.classQueue[idx] = append(h.classQueue[idx], offset)
		return
	}
	h.overflow.InsertAt(list.Sorted, offset)
}

func (h *Heap) popFromClass(idx int) (uint32, bool) {
	q := h.classQueue[idx]
	if len(q) == 0 {
		return 0, false
	}
	offset := q[0]
	h.classQueue[idx] = q[1:]
	return offset, true
}

func roundUpUnits(size int) uint32 {
	units := (size + HeaderUnit - 1) / HeaderUnit
	return uint32(units) + 1 // +1 for the header unit itself
}

// Malloc allocates at least size bytes, aligned to align (0 or a power of
// two <= HeaderUnit is the fast path; larger alignments search for an
// aligned interior payload per spec.md §4.3).
func (h *Heap) Malloc(size int, align int) (Pointer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if size <= 0 {
		return 0, kerr.New(kerr.KindInvalidArgument, "heap: Malloc(size<=0)")
	}

	wantUnits := roundUpUnits(size)

	if align <= HeaderUnit {
		if idx, ok := classIndex(wantUnits); ok {
			if offset, ok := h.popFromClass(idx); ok {
				hdr := h.headers[offset]
				hdr.flags &^= flagFree
				h.mallocCount++
				h.freeSizeUnits -= uint64(hdr.sizeUnits)
				return Pointer(offset), nil
			}
		}
	}

	offset, hdr, err := h.findFit(wantUnits, align)
	if err != nil {
		return 0, err
	}

	h.mallocCount++
	h.freeSizeUnits -= uint64(hdr.sizeUnits)
	return h.carve(offset, hdr, wantUnits, align)
}

// findFit walks the address-ordered structures (overflow list, then a
// linear scan of class queues as a fallback for the "class pop missed"
// path) for a slot able to host wantUnits, or an aligned interior payload
// when align > HeaderUnit.
func (h *Heap) findFit(wantUnits uint32, align int) (uint32, *slotHeader, error) {
	var found uint32
	ok := false

	h.overflow.ForEach(func(offset uint32) bool {
		hdr := h.headers[offset]
		if h.fitsAligned(offset, hdr, wantUnits, align) {
			found, ok = offset, true
			return false
		}
		return true
	})

	if !ok {
		for idx := 0; idx < MaxSizeClass && !ok; idx++ {
			for i, offset := range h.classQueue[idx] {
				hdr := h.headers[offset]
				if h.fitsAligned(offset, hdr, wantUnits, align) {
					h.classQueue[idx] = append(h.classQueue[idx][:i:i], h.classQueue[idx][i+1:]...)
					found, ok = offset, true
					break
				}
			}
		}
	}

	if !ok {
		return 0, nil, kerr.New(kerr.KindOutOfMemory, "heap: Malloc: no free slot fits")
	}

	hdr := h.headers[found]
	if !hdr.flags.has(flagFree) {
		kerr.Halt("heap: free-list slot is not marked free", map[string]any{"offset": found})
	}

	// Remove from whichever free structure currently holds it (overflow
	// already removed via ForEach early-return not applying deletion;
	// do it explicitly here to keep both paths uniform).
	h.overflow.Delete(found)

	return found, hdr, nil
}

func (f slotFlags) has(bit slotFlags) bool { return f&bit != 0 }

// Every slot's payload already sits at a HeaderUnit (32-byte) boundary by
// construction, so alignments of HeaderUnit or less are always satisfied by
// the natural layout; only align > HeaderUnit can force the allocator to
// carve a head remainder to slide the payload forward (spec.md §4.3 step 2).
func (h *Heap) fitsAligned(offset uint32, hdr *slotHeader, wantUnits uint32, align int) bool {
	if align <= HeaderUnit {
		return hdr.sizeUnits >= wantUnits
	}
	payloadStart := uint64(offset+1) * HeaderUnit
	aligned := (payloadStart + uint64(align) - 1) &^ (uint64(align) - 1)
	headUnits := uint32((aligned - payloadStart) / HeaderUnit)
	return hdr.sizeUnits >= wantUnits+headUnits
}

// carve splits offset's slot (sized hdr.sizeUnits) so that a wantUnits-sized
// slot with a payload aligned to align is returned, re-filing any head/tail
// remainder per spec.md §4.3 step 3.
func (h *Heap) carve(offset uint32, hdr *slotHeader, wantUnits uint32, align int) (Pointer, error) {
	resultOffset := offset

	if align > HeaderUnit {
		payloadStart := uint64(offset+1) * HeaderUnit
		aligned := (payloadStart + uint64(align) - 1) &^ (uint64(align) - 1)
		headUnits := uint32((aligned - payloadStart) / HeaderUnit)

		if headUnits > 0 {
			head := &slotHeader{magic: magic, padding: paddingConst, flags: flagFree, sizeUnits: headUnits, next: noSlot, prev: noSlot}
			h.headers[offset] = head
			h.fileFree(offset, head)
			h.headerCount++
			h.freeSizeUnits += uint64(headUnits)

			resultOffset = offset + headUnits
			hdr = &slotHeader{magic: magic, padding: paddingConst, sizeUnits: hdr.sizeUnits - headUnits}
			h.headers[resultOffset] = hdr
		}
	}

	if hdr.sizeUnits > wantUnits {
		tailOffset := resultOffset + wantUnits
		tailUnits := hdr.sizeUnits - wantUnits
		tail := &slotHeader{magic: magic, padding: paddingConst, flags: flagFree, sizeUnits: tailUnits, next: noSlot, prev: noSlot}
		h.headers[tailOffset] = tail
		h.fileFree(tailOffset, tail)
		h.headerCount++
		h.freeSizeUnits += uint64(tailUnits)

		hdr.sizeUnits = wantUnits
	}

	hdr.flags &^= flagFree
	hdr.magic = magic
	hdr.padding = paddingConst
	h.headers[resultOffset] = hdr

	return Pointer(resultOffset), nil
}

// Bytes returns the payload byte slice backing ptr, for callers that need to
// read or write through it directly (tests, copy-in/copy-out helpers).
func (h *Heap) Bytes(ptr Pointer) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	hdr, ok := h.headers[uint32(ptr)]
	if !ok {
		return nil
	}
	start := (uint32(ptr) + 1) * HeaderUnit
	end := (uint32(ptr) + hdr.sizeUnits) * HeaderUnit
	return h.arena[start:end]
}

// Free releases ptr back to the heap. Freeing an already-free slot warns
// (via debug.Writef) and succeeds, per spec.md §4.3.
func (h *Heap) Free(ptr Pointer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	offset := uint32(ptr)
	hdr, ok := h.headers[offset]
	if !ok {
		return kerr.New(kerr.KindInvalidArgument, "heap: Free: unknown pointer")
	}
	if err := hdr.checkIntegrity(); err != nil {
		return err
	}

	if hdr.flags.has(flagFree) {
		debug.Writef("heap.Free", "double free at offset %d ignored", offset)
		return nil
	}

	start := (offset + 1) * HeaderUnit
	end := (offset + hdr.sizeUnits) * HeaderUnit
	for i := start; i < end; i++ {
		h.arena[i] = 0
	}

	hdr.flags |= flagFree
	h.fileFree(offset, hdr)

	h.freeCount++
	h.freeSizeUnits += uint64(hdr.sizeUnits)

	return nil
}
