package dmabuf

import (
	"runtime"
	"testing"
	"unsafe"
)

func testTable(t *testing.T, n int) segTable {
	t.Helper()
	mem := make([]byte, ctlSize(n))
	t.Cleanup(func() { runtime.KeepAlive(mem) })
	tab := tableAt(unsafe.Pointer(&mem[0]), n)
	tab.initialize(1<<28, 2, 1234)
	return tab
}

func TestTableInitialize(t *testing.T) {
	tab := testTable(t, 8)

	if !tab.ready() {
		t.Fatal("initialized table not ready")
	}
	if tab.hdr.segmentSize != 1<<28 || tab.hdr.numSegments != 8 || tab.hdr.minSegments != 2 {
		t.Errorf("header geometry = %d/%d/%d", tab.hdr.segmentSize, tab.hdr.numSegments, tab.hdr.minSegments)
	}
	if tab.hdr.supervisorPID != 1234 {
		t.Errorf("supervisor pid = %d, want 1234", tab.hdr.supervisorPID)
	}
	if tab.hdr.activeHead != nilSeg {
		t.Error("fresh table has active segments")
	}

	inactive := tab.walk(tab.hdr.inactiveHead)
	if len(inactive) != 8 {
		t.Fatalf("inactive list has %d entries, want 8", len(inactive))
	}
	for i, idx := range inactive {
		if int(idx) != i {
			t.Errorf("inactive[%d] = %d, want %d", i, idx, i)
		}
	}

	for i := range tab.descs {
		d := &tab.descs[i]
		wantPersist := uint32(0)
		if i < 2 {
			wantPersist = 1
		}
		if d.persistent != wantPersist {
			t.Errorf("segment %d persistent = %d, want %d", i, d.persistent, wantPersist)
		}
		for c, head := range d.freeHeads {
			if head != nilLink {
				t.Errorf("segment %d class %d free head initialized to %d", i, c, head)
			}
		}
	}
}

func TestTableListMoves(t *testing.T) {
	tab := testTable(t, 4)

	// Activate two segments the way the allocator does.
	idx := tab.popHead(&tab.hdr.inactiveHead)
	tab.pushHead(&tab.hdr.activeHead, idx)
	idx2 := tab.popHead(&tab.hdr.inactiveHead)
	tab.pushHead(&tab.hdr.activeHead, idx2)

	if got := tab.walk(tab.hdr.activeHead); len(got) != 2 || got[0] != idx2 || got[1] != idx {
		t.Errorf("active list = %v, want [%d %d]", got, idx2, idx)
	}
	if got := tab.walk(tab.hdr.inactiveHead); len(got) != 2 {
		t.Errorf("inactive list has %d entries, want 2", len(got))
	}

	// Retire the first-activated segment from the middle of the list.
	tab.remove(&tab.hdr.activeHead, idx)
	tab.pushHead(&tab.hdr.inactiveHead, idx)

	if got := tab.walk(tab.hdr.activeHead); len(got) != 1 || got[0] != idx2 {
		t.Errorf("active list = %v, want [%d]", got, idx2)
	}
	if got := tab.walk(tab.hdr.inactiveHead); len(got) != 3 || got[0] != idx {
		t.Errorf("inactive list = %v, want %d first", got, idx)
	}

	// Every slot is still on exactly one list.
	seen := map[uint32]int{}
	for _, i := range tab.walk(tab.hdr.activeHead) {
		seen[i]++
	}
	for _, i := range tab.walk(tab.hdr.inactiveHead) {
		seen[i]++
	}
	if len(seen) != 4 {
		t.Fatalf("partition covers %d slots, want 4", len(seen))
	}
	for i, n := range seen {
		if n != 1 {
			t.Errorf("slot %d appears %d times", i, n)
		}
	}
}

func TestTablePopEmpty(t *testing.T) {
	tab := testTable(t, 1)
	if idx := tab.popHead(&tab.hdr.activeHead); idx != nilSeg {
		t.Errorf("pop from empty list = %d, want nilSeg", idx)
	}
}
