package heap

import (
	"testing"
)

func newTestHeap(t *testing.T, size int) *Heap {
	t.Helper()
	h, err := New(size)
	if err != nil {
		t.Fatalf("New(%d): %v", size, err)
	}
	return h
}

// TestHeapSplitOnAlignment is scenario 2 from spec.md §8.
func TestHeapSplitOnAlignment(t *testing.T) {
	h := newTestHeap(t, 1<<20)

	p1, err := h.Malloc(64, 1)
	if err != nil {
		t.Fatalf("Malloc(64, 1): %v", err)
	}
	p2, err := h.Malloc(64, 4096)
	if err != nil {
		t.Fatalf("Malloc(64, 4096): %v", err)
	}

	addr1 := payloadAddress(p1)
	addr2 := payloadAddress(p2)

	if addr2%4096 != 0 {
		t.Fatalf("second payload address 0x%x is not 4096-aligned", addr2)
	}
	if addr2 < addr1+64 {
		t.Fatalf("second payload at 0x%x overlaps first allocation at 0x%x (len 64)", addr2, addr1)
	}
}

func payloadAddress(p Pointer) uint64 {
	return uint64(p+1) * HeaderUnit
}

func TestMallocFreeRoundTrip(t *testing.T) {
	h := newTestHeap(t, 1<<16)

	p, err := h.Malloc(128, 0)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}

	buf := h.Bytes(p)
	if len(buf) < 128 {
		t.Fatalf("Bytes(p) length = %d, want >= 128", len(buf))
	}
	for i := range buf {
		buf[i] = 0xAB
	}

	if err := h.Free(p); err != nil {
		t.Fatalf("Free: %v", err)
	}

	buf = h.Bytes(p)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = 0x%x after Free, want 0 (zeroed payload)", i, b)
		}
	}
}

func TestDoubleFreeWarnsAndSucceeds(t *testing.T) {
	h := newTestHeap(t, 1<<16)
	p, err := h.Malloc(32, 0)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if err := h.Free(p); err != nil {
		t.Fatalf("first Free: %v", err)
	}
	if err := h.Free(p); err != nil {
		t.Fatalf("second Free (double free) should succeed, got: %v", err)
	}
}

func TestSizeClassFastPathReuse(t *testing.T) {
	h := newTestHeap(t, 1<<16)

	p1, err := h.Malloc(48, 0)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	before := h.Stats().MallocCount

	if err := h.Free(p1); err != nil {
		t.Fatalf("Free: %v", err)
	}

	p2, err := h.Malloc(48, 0)
	if err != nil {
		t.Fatalf("second Malloc: %v", err)
	}

	if p2 != p1 {
		t.Fatalf("expected size-class FIFO reuse to return the same slot, got p1=%d p2=%d", p1, p2)
	}
	if h.Stats().MallocCount != before+1 {
		t.Fatalf("MallocCount did not increase by 1")
	}
}

func TestMallocExactFreeSpanThenOOM(t *testing.T) {
	h := newTestHeap(t, 4 * HeaderUnit * 3) // 12 header units; 10 free after the start/end sentinels

	stats := h.Stats()
	free := int(stats.FreeSizeBytes)
	if free <= HeaderUnit {
		t.Skip("arena too small to exercise exact-fit allocation meaningfully")
	}

	payloadSize := free - HeaderUnit
	if payloadSize <= 0 {
		t.Skip("no payload room after header accounting")
	}

	if _, err := h.Malloc(payloadSize, 0); err != nil {
		t.Fatalf("Malloc(exact free span): %v", err)
	}

	if _, err := h.Malloc(1, 0); err == nil {
		t.Fatalf("Malloc(1) after exhausting heap should fail with OOM")
	}
}
