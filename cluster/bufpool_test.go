package cluster

import "testing"

func TestReadBufPoolClasses(t *testing.T) {
	bp := newBufPool(1000, 40000)
	if bp.min != 1<<10 || bp.max != 64<<10 {
		t.Fatalf("bounds %d..%d, want 1KiB..64KiB", bp.min, bp.max)
	}
	if n := len(bp.pools); n != 7 {
		t.Fatalf("%d classes, want 7", n)
	}
	for n, want := range map[int]int{0: 0, 1024: 0, 1025: 1, 4096: 2, 64 << 10: 6, 64<<10 + 1: -1} {
		if got := bp.class(n); got != want {
			t.Fatalf("class(%d)=%d want %d", n, got, want)
		}
	}
}

func TestReadBufPoolReuse(t *testing.T) {
	bp := newBufPool(1<<10, 8<<10)

	frame := bp.get(3000)
	if len(frame) != 3000 || cap(frame) != 4<<10 {
		t.Fatalf("frame len=%d cap=%d", len(frame), cap(frame))
	}
	bp.put(frame)

	// oversized frames bypass the pool
	huge := bp.get(9 << 10)
	if cap(huge) != 9<<10 {
		t.Fatalf("oversized frame cap=%d", cap(huge))
	}
	bp.put(huge)

	// odd capacities are dropped, not filed under a wrong class
	bp.put(make([]byte, 3000))
	if b := bp.get(2049); cap(b) != 4<<10 {
		t.Fatalf("got cap %d from the 4KiB class", cap(b))
	}
}
