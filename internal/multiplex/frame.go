package multiplex

import (
	"encoding/binary"
	"fmt"
)

const protoVersion uint8 = 0

const frameHeaderLength = 12

type frameType uint8

const (
	typeData frameType = iota
	typeWindowUpdate
	typePing
	typeGoAway
)

func (t frameType) String() string {
	switch t {
	case typeData:
		return "Data"
	case typeWindowUpdate:
		return "WindowUpdate"
	case typePing:
		return "Ping"
	case typeGoAway:
		return "GoAway"
	default:
		return fmt.Sprintf("frameType(%d)", uint8(t))
	}
}

const (
	flagSYN uint16 = 1 << iota
	flagACK
	flagFIN
	flagRST
)

const allStreamFlags = flagSYN | flagACK | flagFIN | flagRST

// GoAway codes, carried in the length field
const (
	goAwayNormal uint32 = iota
	goAwayProtoErr
	goAwayInternalErr
)

// A Frame is the unit transmitted on the wire.
//
// header: [version 1 byte][type 1 byte][flags 2 bytes][StreamID 4 bytes][Length 4 bytes]
//
// For Data frames Length is the payload length. For the other types it is an opaque value: the window
// increment of a WindowUpdate, the nonce of a Ping or the code of a GoAway. Only Data frames carry a payload.
type Frame struct {
	StreamID uint32
	Type     frameType
	Flags    uint16
	Length   uint32
	Payload  []byte
}

func (f *Frame) hasFlag(flag uint16) bool { return f.Flags&flag == flag }

func (f *Frame) String() string {
	return fmt.Sprintf("%v stream=%v flags=%#x length=%v", f.Type, f.StreamID, f.Flags, f.Length)
}

// appendFrame encodes f onto the end of dst. The caller is responsible for keeping a Data frame's payload within
// the negotiated max frame size
func appendFrame(dst []byte, f *Frame) []byte {
	var header [frameHeaderLength]byte
	header[0] = protoVersion
	header[1] = byte(f.Type)
	binary.BigEndian.PutUint16(header[2:4], f.Flags)
	binary.BigEndian.PutUint32(header[4:8], f.StreamID)
	length := f.Length
	if f.Type == typeData {
		length = uint32(len(f.Payload))
	}
	binary.BigEndian.PutUint32(header[8:12], length)
	dst = append(dst, header[:]...)
	if f.Type == typeData {
		dst = append(dst, f.Payload...)
	}
	return dst
}

func dataFrame(id uint32, flags uint16, payload []byte) *Frame {
	return &Frame{StreamID: id, Type: typeData, Flags: flags, Length: uint32(len(payload)), Payload: payload}
}

func windowUpdateFrame(id uint32, flags uint16, delta uint32) *Frame {
	return &Frame{StreamID: id, Type: typeWindowUpdate, Flags: flags, Length: delta}
}

func pingFrame(flags uint16, nonce uint32) *Frame {
	return &Frame{Type: typePing, Flags: flags, Length: nonce}
}

func goAwayFrame(code uint32) *Frame {
	return &Frame{Type: typeGoAway, Length: code}
}
