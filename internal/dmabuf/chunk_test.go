package dmabuf

import "testing"

func TestChunkClass(t *testing.T) {
	const seg = uint64(1) << 28
	tests := []struct {
		required uint64
		want     int
	}{
		{0, MinClass},
		{1, MinClass},
		{100, MinClass},                   // 56 + 104 + 4 = 164 -> 256
		{192, MinClass},                   // 56 + 192 + 4 = 252, still class 8
		{193, MinClass + 1},               // one past the class-8 payload limit
		{1000, 11},                        // 56 + 1000 + 4 -> 2048
		{200 << 20, 28},                   // 200 MiB in a 256 MiB segment
		{MaxAllocSize(seg), 28},           // largest fit
	}
	for _, tt := range tests {
		got, ok := chunkClass(tt.required, seg)
		if !ok {
			t.Errorf("chunkClass(%d) unexpectedly failed", tt.required)
			continue
		}
		if got != tt.want {
			t.Errorf("chunkClass(%d) = %d, want %d", tt.required, got, tt.want)
		}
	}
}

func TestChunkClassTooLarge(t *testing.T) {
	const seg = uint64(1) << 28
	if _, ok := chunkClass(MaxAllocSize(seg)+8, seg); ok {
		t.Error("chunkClass accepted a request exceeding the segment")
	}
	if _, ok := chunkClass(seg, seg); ok {
		t.Error("chunkClass accepted a request of the full segment size")
	}
}

func TestAlign8(t *testing.T) {
	tests := []struct{ in, want uint64 }{
		{0, 0}, {1, 8}, {7, 8}, {8, 8}, {9, 16}, {100, 104},
	}
	for _, tt := range tests {
		if got := align8(tt.in); got != tt.want {
			t.Errorf("align8(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMaxSegClass(t *testing.T) {
	if got := maxSegClass(1 << 28); got != 28 {
		t.Errorf("maxSegClass(2^28) = %d, want 28", got)
	}
	if got := maxSegClass(1 << 34); got != MaxClass {
		t.Errorf("maxSegClass(2^34) = %d, want %d", got, MaxClass)
	}
}

func TestMaxAllocSizeFits(t *testing.T) {
	const seg = uint64(1) << 28
	n := MaxAllocSize(seg)
	if chunkHeadSize+align8(n)+chunkTailSize > seg {
		t.Errorf("MaxAllocSize(%d) = %d does not fit", seg, n)
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{Group: "t", SegmentSize: 1 << 28, MaxSegments: 4}
	if err := base.validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := base
	bad.SegmentSize = 1<<28 + 4096
	if err := bad.validate(); err == nil {
		t.Error("non-power-of-two segment size accepted")
	}

	bad = base
	bad.SegmentSize = 1 << 27
	if err := bad.validate(); err == nil {
		t.Error("undersized segment accepted")
	}

	bad = base
	bad.MinSegments = 5
	if err := bad.validate(); err == nil {
		t.Error("min segments above max accepted")
	}

	bad = base
	bad.Group = ""
	if err := bad.validate(); err == nil {
		t.Error("empty group accepted")
	}
}
