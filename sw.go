package cm

import (
	"fmt"
)

// MaxEndpointLen bounds the sender endpoint carried by a window update.
const MaxEndpointLen = 128

// SlidingWindow is the (Lo, Hi) range of group ids a replica admits. Both
// bounds unset means an empty window.
type SlidingWindow struct {
	Lo AggrGroupID `cbor:"lo"`
	Hi AggrGroupID `cbor:"hi"`
}

func (sw SlidingWindow) IsSet() bool { return sw.Lo.IsSet() || sw.Hi.IsSet() }

// Valid reports whether Lo <= Hi.
func (sw SlidingWindow) Valid() bool { return sw.Lo.Compare(sw.Hi) <= 0 }

// Contains reports whether id lies within [Lo, Hi].
func (sw SlidingWindow) Contains(id AggrGroupID) bool {
	return sw.Lo.Compare(id) <= 0 && id.Compare(sw.Hi) <= 0
}

func (sw SlidingWindow) String() string {
	return fmt.Sprintf("(%s, %s)", sw.Lo, sw.Hi)
}

// SWUpdate is the one-way window update exchanged between replicas. Type
// names the copy machine type on both ends.
type SWUpdate struct {
	Type string      `cbor:"t"`
	From string      `cbor:"f"`
	Lo   AggrGroupID `cbor:"lo"`
	Hi   AggrGroupID `cbor:"hi"`
}

func (u *SWUpdate) Window() SlidingWindow { return SlidingWindow{Lo: u.Lo, Hi: u.Hi} }

func (u *SWUpdate) Validate() error {
	if len(u.From) > MaxEndpointLen {
		return fmt.Errorf("%w: %d bytes", ErrEndpointTooLong, len(u.From))
	}
	if !u.Window().Valid() {
		return fmt.Errorf("invalid window %s", u.Window())
	}
	return nil
}
