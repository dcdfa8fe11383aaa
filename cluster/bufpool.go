package cluster

import (
	"sync"

	"github.com/unkn0wn-root/copymachine/internal/mathutil"
)

// bufPool keeps byte slices in power-of-two size classes between min and
// max. Frames larger than max are allocated exactly and never pooled.
type bufPool struct {
	min   int
	max   int
	pools []sync.Pool
}

func newBufPool(smallest, largest int) *bufPool {
	lo := mathutil.NextPowerOf2(smallest)
	hi := mathutil.NextPowerOf2(largest)
	if hi < lo {
		hi = lo
	}
	bp := &bufPool{
		min:   lo,
		max:   hi,
		pools: make([]sync.Pool, mathutil.Log2(hi)-mathutil.Log2(lo)+1),
	}
	for i := range bp.pools {
		size := lo << i
		bp.pools[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return bp
}

// class returns the index of the smallest bucket that can hold n bytes, or
// -1 when n exceeds the largest bucket.
func (bp *bufPool) class(n int) int {
	if n > bp.max {
		return -1
	}
	if n <= bp.min {
		return 0
	}
	return mathutil.Log2(mathutil.NextPowerOf2(n)) - mathutil.Log2(bp.min)
}

// get returns a slice of length n.
func (bp *bufPool) get(n int) []byte {
	if i := bp.class(n); i >= 0 {
		b := *(bp.pools[i].Get().(*[]byte))
		return b[:n]
	}
	return make([]byte, n)
}

// put returns a buffer to the bucket matching its capacity. Buffers of any
// other capacity are dropped.
func (bp *bufPool) put(b []byte) {
	c := cap(b)
	if c < bp.min || c > bp.max || !mathutil.IsPowerOf2(c) {
		return
	}
	b = b[:c]
	bp.pools[bp.class(c)].Put(&b)
}
