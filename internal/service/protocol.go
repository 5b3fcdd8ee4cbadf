package service

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	mux "github.com/cbeuw/Shunt/internal/multiplex"
)

// MaxMessageSize caps a single protocol message
const MaxMessageSize = 16 << 20

var ErrMessageTooLarge = errors.New("message too large")

// A protocol stream starts with a header naming the protocol:
//
//	protocol id (4, BE) | version length (1) | version
//
// after which each message is prefixed with its length (4, BE).

func writeHeader(w io.Writer, proto ProtocolID, version string) error {
	if len(version) > 255 {
		return fmt.Errorf("version %q too long", version)
	}
	header := make([]byte, 5+len(version))
	binary.BigEndian.PutUint32(header, uint32(proto))
	header[4] = byte(len(version))
	copy(header[5:], version)
	_, err := w.Write(header)
	return err
}

func readHeader(r io.Reader) (ProtocolID, string, error) {
	var fixed [5]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return 0, "", err
	}
	version := make([]byte, fixed[4])
	if _, err := io.ReadFull(r, version); err != nil {
		return 0, "", err
	}
	return ProtocolID(binary.BigEndian.Uint32(fixed[:4])), string(version), nil
}

func writeMessage(w io.Writer, data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	// one Write so that a message is queued as a unit
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

// protocolStream is one open protocol of a session
type protocolStream struct {
	proto   ProtocolID
	version string
	stream  *mux.Stream

	writeM sync.Mutex
}

func (ps *protocolStream) send(priority Priority, data []byte) error {
	ps.writeM.Lock()
	defer ps.writeM.Unlock()
	ps.stream.SetPriority(priority)
	return writeMessage(ps.stream, data)
}
