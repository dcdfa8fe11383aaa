package cm

import (
	"fmt"
)

// Uint128 is an unsigned 128-bit integer stored as two 64-bit halves.
type Uint128 struct {
	Hi uint64 `cbor:"h"`
	Lo uint64 `cbor:"l"`
}

// Compare returns -1, 0 or +1.
func (u Uint128) Compare(o Uint128) int {
	switch {
	case u.Hi < o.Hi:
		return -1
	case u.Hi > o.Hi:
		return 1
	case u.Lo < o.Lo:
		return -1
	case u.Lo > o.Lo:
		return 1
	}
	return 0
}

func (u Uint128) IsZero() bool { return u.Hi == 0 && u.Lo == 0 }

// AggrGroupID identifies an aggregation group. Two 128-bit halves form one
// 256-bit key compared lexicographically (Hi first). The zero value is unset.
type AggrGroupID struct {
	Hi Uint128 `cbor:"hi"`
	Lo Uint128 `cbor:"lo"`
}

// ID builds an AggrGroupID from four 64-bit words, most significant first.
func ID(hiHi, hiLo, loHi, loLo uint64) AggrGroupID {
	return AggrGroupID{
		Hi: Uint128{Hi: hiHi, Lo: hiLo},
		Lo: Uint128{Hi: loHi, Lo: loLo},
	}
}

// Compare is a three-way comparison over the total order of group ids.
func (id AggrGroupID) Compare(o AggrGroupID) int {
	if c := id.Hi.Compare(o.Hi); c != 0 {
		return c
	}
	return id.Lo.Compare(o.Lo)
}

func (id AggrGroupID) Less(o AggrGroupID) bool { return id.Compare(o) < 0 }

func (id AggrGroupID) IsSet() bool { return !id.Hi.IsZero() || !id.Lo.IsZero() }

func (id AggrGroupID) String() string {
	return fmt.Sprintf("[%d:%d:%d:%d]", id.Hi.Hi, id.Hi.Lo, id.Lo.Hi, id.Lo.Lo)
}

// maxID returns the greater of a and b.
func maxID(a, b AggrGroupID) AggrGroupID {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}
