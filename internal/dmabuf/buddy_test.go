package dmabuf

import (
	"runtime"
	"testing"
	"unsafe"
)

// testSegment gives the buddy code a heap-backed segment; none of the
// split/merge logic cares whether the memory is shared. The slice is
// kept alive for the whole test since the code only sees a uintptr.
func testSegment(t *testing.T, segSize uint64) (*segDesc, uintptr) {
	t.Helper()
	mem := make([]byte, segSize)
	t.Cleanup(func() { runtime.KeepAlive(mem) })
	d := &segDesc{}
	for c := range d.freeHeads {
		d.freeHeads[c] = nilLink
	}
	return d, uintptr(unsafe.Pointer(&mem[0]))
}

const testSegSize = uint64(1) << 20

func TestFormatSegment(t *testing.T) {
	d, base := testSegment(t, testSegSize)
	formatSegment(d, base, testSegSize)

	if d.numChunks != 0 {
		t.Errorf("numChunks = %d, want 0", d.numChunks)
	}
	if d.freeHeads[20] != 0 {
		t.Errorf("class-20 free head = %d, want chunk at offset 0", d.freeHeads[20])
	}
	for c := MinClass; c < 20; c++ {
		if d.freeHeads[c] != nilLink {
			t.Errorf("class-%d free list not empty after format", c)
		}
	}
	if err := checkSegment(d, base, testSegSize); err != nil {
		t.Errorf("fresh segment inconsistent: %v", err)
	}
}

func TestSplitAndAlloc(t *testing.T) {
	d, base := testSegment(t, testSegSize)
	formatSegment(d, base, testSegSize)

	off := buddyAllocChunk(d, base, testSegSize, MinClass, 100)
	if off != 0 {
		t.Fatalf("first class-8 alloc at offset %d, want 0", off)
	}
	if d.numChunks != 1 {
		t.Errorf("numChunks = %d, want 1", d.numChunks)
	}
	// The split chain leaves exactly one free buddy at every class below
	// the segment class.
	for c := MinClass; c < 20; c++ {
		if d.freeHeads[c] != uint64(1)<<c {
			t.Errorf("class-%d free head = %d, want %d", c, d.freeHeads[c], uint64(1)<<c)
		}
	}
	h := chunkAt(base, off)
	if h.required != 100 || int(h.mclass) != MinClass {
		t.Errorf("chunk header required=%d class=%d, want 100/%d", h.required, h.mclass, MinClass)
	}
	if !h.checkFences(base, off, testSegSize) {
		t.Error("fresh chunk fails fence check")
	}
	if err := checkSegment(d, base, testSegSize); err != nil {
		t.Errorf("segment inconsistent after alloc: %v", err)
	}
}

func TestFreeRestoresFormattedState(t *testing.T) {
	d, base := testSegment(t, testSegSize)
	formatSegment(d, base, testSegSize)

	off := buddyAllocChunk(d, base, testSegSize, MinClass, 100)
	buddyFreeChunk(d, base, testSegSize, off, false)

	if d.numChunks != 0 {
		t.Errorf("numChunks = %d, want 0", d.numChunks)
	}
	if d.freeHeads[20] != 0 {
		t.Errorf("class-20 free head = %d, want 0", d.freeHeads[20])
	}
	for c := MinClass; c < 20; c++ {
		if d.freeHeads[c] != nilLink {
			t.Errorf("class-%d free list not empty after full merge", c)
		}
	}
	if err := checkSegment(d, base, testSegSize); err != nil {
		t.Errorf("segment inconsistent after free: %v", err)
	}
}

func TestMergeCascade(t *testing.T) {
	d, base := testSegment(t, testSegSize)
	formatSegment(d, base, testSegSize)

	p1 := buddyAllocChunk(d, base, testSegSize, MinClass, 100)
	p2 := buddyAllocChunk(d, base, testSegSize, MinClass, 100)
	if p1 != 0 || p2 != 256 {
		t.Fatalf("allocs at %d/%d, want 0/256", p1, p2)
	}

	// Freeing the first buddy cannot merge while the second is active.
	buddyFreeChunk(d, base, testSegSize, p1, false)
	if d.freeHeads[MinClass] != 0 {
		t.Errorf("class-8 free head = %d, want 0", d.freeHeads[MinClass])
	}

	// Freeing the second cascades all the way back up.
	buddyFreeChunk(d, base, testSegSize, p2, false)
	if d.freeHeads[20] != 0 {
		t.Errorf("class-20 free head = %d, want 0 after cascade", d.freeHeads[20])
	}
	if err := checkSegment(d, base, testSegSize); err != nil {
		t.Errorf("segment inconsistent after cascade: %v", err)
	}
}

func TestShrink(t *testing.T) {
	d, base := testSegment(t, testSegSize)
	formatSegment(d, base, testSegSize)

	// 600 bytes lands in class 10.
	off := buddyAllocChunk(d, base, testSegSize, 10, 600)
	if off == nilLink {
		t.Fatal("class-10 alloc failed")
	}
	buddyShrinkChunk(d, base, off, MinClass, 4)

	h := chunkAt(base, off)
	if int(h.mclass) != MinClass || h.required != 4 {
		t.Errorf("shrunk chunk class=%d required=%d, want %d/4", h.mclass, h.required, MinClass)
	}
	if !h.checkFences(base, off, testSegSize) {
		t.Error("shrunk chunk fails fence check")
	}
	// The carved tail is one class-8 and one class-9 chunk.
	if d.freeHeads[MinClass] != off+256 {
		t.Errorf("class-8 free head = %d, want %d", d.freeHeads[MinClass], off+256)
	}
	if d.freeHeads[MinClass+1] != off+512 {
		t.Errorf("class-9 free head = %d, want %d", d.freeHeads[MinClass+1], off+512)
	}
	if err := checkSegment(d, base, testSegSize); err != nil {
		t.Errorf("segment inconsistent after shrink: %v", err)
	}
}

func TestAllocNoFit(t *testing.T) {
	d, base := testSegment(t, testSegSize)
	formatSegment(d, base, testSegSize)

	if off := buddyAllocChunk(d, base, testSegSize, 20, 1000); off == nilLink {
		t.Fatal("segment-sized alloc failed")
	}
	if off := buddyAllocChunk(d, base, testSegSize, MinClass, 1); off != nilLink {
		t.Errorf("alloc from a full segment succeeded at offset %d", off)
	}
}

func TestFreePoison(t *testing.T) {
	d, base := testSegment(t, testSegSize)
	formatSegment(d, base, testSegSize)

	off := buddyAllocChunk(d, base, testSegSize, MinClass, 32)
	payload := unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(payloadOff(off)))), 32)
	for i := range payload {
		payload[i] = 0xAA
	}
	buddyFreeChunk(d, base, testSegSize, off, true)
	if payload[0] != poisonByte || payload[31] != poisonByte {
		t.Errorf("payload not poisoned: % x", payload[:4])
	}
}

func TestFreeListUnlinkMiddle(t *testing.T) {
	d, base := testSegment(t, testSegSize)
	for c := range d.freeHeads {
		d.freeHeads[c] = nilLink
	}
	// Three fake class-8 chunks pushed at offsets 0, 256, 512; the list
	// order is LIFO: 512 -> 256 -> 0.
	for _, off := range []uint64{0, 256, 512} {
		chunkAt(base, off).initFree(MinClass)
		pushFree(d, base, off, MinClass)
	}
	unlinkFree(d, base, 256, MinClass)
	if chunkAt(base, 256).isFree() {
		t.Error("unlinked chunk still reads as free")
	}
	if got := popFree(d, base, MinClass); got != 512 {
		t.Errorf("pop = %d, want 512", got)
	}
	if got := popFree(d, base, MinClass); got != 0 {
		t.Errorf("pop = %d, want 0", got)
	}
	if got := popFree(d, base, MinClass); got != nilLink {
		t.Errorf("pop from empty list = %d, want nilLink", got)
	}
}
