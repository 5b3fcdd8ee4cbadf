package multiplex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var errNeedMoreData = errors.New("need more data")

// ProtocolError means the byte stream can no longer be framed. It is fatal to the whole session.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "multiplex protocol error: " + e.Reason }

func protocolErrorf(format string, a ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, a...)}
}

func validateHeader(f *Frame, maxFrameSize uint32) error {
	switch f.Type {
	case typeData:
		if f.Length > maxFrameSize {
			return protocolErrorf("data frame of %v bytes exceeds max frame size %v", f.Length, maxFrameSize)
		}
		fallthrough
	case typeWindowUpdate:
		if f.StreamID == 0 {
			return protocolErrorf("%v frame on stream 0", f.Type)
		}
		if f.Flags&^allStreamFlags != 0 {
			return protocolErrorf("unknown flags %#x on %v frame", f.Flags, f.Type)
		}
	case typePing:
		if f.StreamID != 0 {
			return protocolErrorf("ping frame on stream %v", f.StreamID)
		}
		if f.Flags != flagSYN && f.Flags != flagACK {
			return protocolErrorf("invalid flags %#x on ping frame", f.Flags)
		}
	case typeGoAway:
		if f.StreamID != 0 {
			return protocolErrorf("go away frame on stream %v", f.StreamID)
		}
		if f.Flags != 0 {
			return protocolErrorf("invalid flags %#x on go away frame", f.Flags)
		}
	default:
		return protocolErrorf("unknown frame type %v", uint8(f.Type))
	}
	return nil
}

// decodeFrame decodes one frame from the front of buf, returning it along with the number of bytes it occupied.
// errNeedMoreData is returned if buf holds only part of a frame. The returned payload aliases buf.
func decodeFrame(buf []byte, maxFrameSize uint32) (*Frame, int, error) {
	if len(buf) < frameHeaderLength {
		return nil, 0, errNeedMoreData
	}
	if buf[0] != protoVersion {
		return nil, 0, protocolErrorf("unsupported version %v", buf[0])
	}
	f := &Frame{
		Type:     frameType(buf[1]),
		Flags:    binary.BigEndian.Uint16(buf[2:4]),
		StreamID: binary.BigEndian.Uint32(buf[4:8]),
		Length:   binary.BigEndian.Uint32(buf[8:12]),
	}
	if err := validateHeader(f, maxFrameSize); err != nil {
		return nil, 0, err
	}
	if f.Type != typeData {
		return f, frameHeaderLength, nil
	}
	total := frameHeaderLength + int(f.Length)
	if len(buf) < total {
		return nil, 0, errNeedMoreData
	}
	f.Payload = buf[frameHeaderLength:total]
	return f, total, nil
}

// frameReader reassembles frames from an underlying reader that may deliver them in arbitrarily small pieces
type frameReader struct {
	r            io.Reader
	maxFrameSize uint32
	buf          []byte
	start, end   int
}

func newFrameReader(r io.Reader, maxFrameSize uint32) *frameReader {
	return &frameReader{
		r:            r,
		maxFrameSize: maxFrameSize,
		buf:          make([]byte, frameHeaderLength+int(maxFrameSize)),
	}
}

// next blocks until a complete frame is available. The returned frame's payload is a fresh copy.
func (fr *frameReader) next() (*Frame, error) {
	for {
		f, n, err := decodeFrame(fr.buf[fr.start:fr.end], fr.maxFrameSize)
		if err == nil {
			if f.Payload != nil {
				f.Payload = append([]byte(nil), f.Payload...)
			}
			fr.start += n
			if fr.start == fr.end {
				fr.start, fr.end = 0, 0
			}
			return f, nil
		}
		if err != errNeedMoreData {
			return nil, err
		}
		if fr.end == len(fr.buf) {
			// a whole frame always fits in buf, so compacting frees enough room
			fr.end = copy(fr.buf, fr.buf[fr.start:fr.end])
			fr.start = 0
		}
		i, err := fr.r.Read(fr.buf[fr.end:])
		fr.end += i
		if err != nil {
			if i > 0 && err == io.EOF {
				continue
			}
			if err == io.EOF && fr.start != fr.end {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}
