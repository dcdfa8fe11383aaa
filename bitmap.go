package cm

import mbits "math/bits"

const bitsPerWord = 64

// Bitmap is the transform bitmap of a copy packet: bit i is set once source
// packet i contributed to the merged result.
type Bitmap struct {
	words []uint64
	nr    int
}

func NewBitmap(nr int) Bitmap {
	return Bitmap{
		words: make([]uint64, (nr+bitsPerWord-1)/bitsPerWord),
		nr:    nr,
	}
}

// Size returns the number of bits.
func (b *Bitmap) Size() int { return b.nr }

// Set sets or clears bit i. Out of range indices panic.
func (b *Bitmap) Set(i int, v bool) {
	b.check(i)
	if v {
		b.words[i/bitsPerWord] |= 1 << uint(i%bitsPerWord)
	} else {
		b.words[i/bitsPerWord] &^= 1 << uint(i%bitsPerWord)
	}
}

func (b *Bitmap) Get(i int) bool {
	b.check(i)
	return b.words[i/bitsPerWord]&(1<<uint(i%bitsPerWord)) != 0
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	n := 0
	for _, w := range b.words {
		n += mbits.OnesCount64(w)
	}
	return n
}

// Full reports whether every bit is set.
func (b *Bitmap) Full() bool { return b.Count() == b.nr }

// Or merges o into b. Both bitmaps must have the same size.
func (b *Bitmap) Or(o Bitmap) {
	if o.nr != b.nr {
		panic("cm: bitmap size mismatch")
	}
	for i := range b.words {
		b.words[i] |= o.words[i]
	}
}

func (b *Bitmap) Reset() {
	for i := range b.words {
		b.words[i] = 0
	}
}

func (b *Bitmap) check(i int) {
	if i < 0 || i >= b.nr {
		panic("cm: bitmap index out of range")
	}
}
