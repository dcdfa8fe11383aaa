package cluster

import (
	"fmt"

	cm "github.com/unkn0wn-root/copymachine"
)

// CBOR wire protocol: every frame is a 4-byte big-endian length followed by a
// CBOR message starting with Base{T,ID}. Responses echo the request ID.

type MsgType uint8

const (
	MTHello MsgType = iota + 1
	MTHelloResp
	MTSWUpdate
	MTSWUpdateAck
	MTGossip
)

type Base struct {
	T  MsgType `cbor:"t"`
	ID uint64  `cbor:"id"`
}

type MsgHello struct {
	Base
	From  string `cbor:"f"`
	Token string `cbor:"tok"`
}
type MsgHelloResp struct {
	Base
	OK  bool   `cbor:"ok"`
	Err string `cbor:"err,omitempty"`
}

// MsgSWUpdate carries one sliding window update between replicas.
type MsgSWUpdate struct {
	Base
	Update cm.SWUpdate `cbor:"u"`
}

// MsgSWUpdateAck reports whether the receiving node delivered the update to
// its copy machine.
type MsgSWUpdateAck struct {
	Base
	OK   bool    `cbor:"ok"`
	Code AckCode `cbor:"c,omitempty"`
	Err  string  `cbor:"err,omitempty"`
}

type AckCode uint8

const (
	AckOK AckCode = iota
	AckNoMachine
	AckUnknownProxy
	AckInvalid
	AckRateLimited
)

func (c AckCode) String() string {
	switch c {
	case AckOK:
		return "ok"
	case AckNoMachine:
		return "no machine"
	case AckUnknownProxy:
		return "unknown replica"
	case AckInvalid:
		return "invalid"
	case AckRateLimited:
		return "rate limited"
	}
	return fmt.Sprintf("code %d", uint8(c))
}

type MsgGossip struct {
	Base
	From  string           `cbor:"f"`
	Seen  map[string]int64 `cbor:"sn"`
	Peers []string         `cbor:"pe"`
}
