package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic bytes identify worker pipe frames.
var Magic = [2]byte{0x4B, 0x58} // "KX"

// Version is the current worker pipe protocol version.
const Version uint8 = 0x01

// WireHeaderSize is the fixed size of a worker frame header in bytes.
const WireHeaderSize = 14

// maxWireHeaders is the largest value the uint24 header length can carry.
const maxWireHeaders = 1<<24 - 1

// Message types exchanged between the server and renderer processes.
const (
	TypeRender      uint8 = 0x01 // server → worker: render markup
	TypeResult      uint8 = 0x02 // worker → server: rendered html or render error
	TypeWorkerReady uint8 = 0x05 // worker → server: idle and accepting work
	TypeWorkerStop  uint8 = 0x06 // server → worker: exit after current job
	TypePing        uint8 = 0x07 // health check (ping/pong)
	TypeError       uint8 = 0x08 // worker-level failure, not a render error
)

var ErrWireHeadersTooLarge = errors.New("protocol: worker frame headers exceed 16MiB")

// WireFrame is a single frame on a renderer process pipe.
type WireFrame struct {
	Type     uint8
	Flags    uint8
	StreamID uint16
	Headers  []byte // msgpack encoded
	Payload  []byte // raw bytes
}

// WriteWireFrame encodes and writes a frame to the given writer.
func WriteWireFrame(w io.Writer, f *WireFrame) error {
	hdrSize := len(f.Headers)
	if hdrSize > maxWireHeaders {
		return fmt.Errorf("%w: %d bytes", ErrWireHeadersTooLarge, hdrSize)
	}

	buf := make([]byte, WireHeaderSize, WireHeaderSize+hdrSize+len(f.Payload))
	buf[0] = Magic[0]
	buf[1] = Magic[1]
	buf[2] = Version
	buf[3] = f.Type
	buf[4] = f.Flags
	binary.BigEndian.PutUint16(buf[5:7], f.StreamID)

	// Header size as 3 bytes (big-endian uint24)
	buf[7] = byte(hdrSize >> 16)
	buf[8] = byte(hdrSize >> 8)
	buf[9] = byte(hdrSize)

	binary.BigEndian.PutUint32(buf[10:14], uint32(len(f.Payload)))

	buf = append(buf, f.Headers...)
	buf = append(buf, f.Payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing worker frame: %w", err)
	}
	return nil
}

// ReadWireFrame reads and decodes a frame from the given reader.
func ReadWireFrame(r io.Reader) (*WireFrame, error) {
	header := make([]byte, WireHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading worker frame header: %w", err)
	}

	if header[0] != Magic[0] || header[1] != Magic[1] {
		return nil, fmt.Errorf("invalid magic bytes: 0x%02x%02x", header[0], header[1])
	}
	if header[2] != Version {
		return nil, fmt.Errorf("unsupported worker protocol version: %d", header[2])
	}

	f := &WireFrame{
		Type:     header[3],
		Flags:    header[4],
		StreamID: binary.BigEndian.Uint16(header[5:7]),
	}

	hdrSize := int(header[7])<<16 | int(header[8])<<8 | int(header[9])
	payloadSize := binary.BigEndian.Uint32(header[10:14])

	if hdrSize > 0 {
		f.Headers = make([]byte, hdrSize)
		if _, err := io.ReadFull(r, f.Headers); err != nil {
			return nil, fmt.Errorf("reading worker frame headers (%d bytes): %w", hdrSize, err)
		}
	}
	if payloadSize > 0 {
		f.Payload = make([]byte, payloadSize)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("reading worker frame payload (%d bytes): %w", payloadSize, err)
		}
	}

	return f, nil
}

// NewPingFrame creates a PING health check frame.
func NewPingFrame() *WireFrame {
	return &WireFrame{Type: TypePing, Payload: []byte("ping")}
}

// NewPongFrame creates a PONG response frame.
func NewPongFrame() *WireFrame {
	return &WireFrame{Type: TypePing, Payload: []byte("pong")}
}

// NewWorkerReadyFrame creates a WORKER_READY signal frame.
func NewWorkerReadyFrame() *WireFrame {
	return &WireFrame{Type: TypeWorkerReady}
}

// NewWorkerStopFrame creates a WORKER_STOP signal frame.
func NewWorkerStopFrame() *WireFrame {
	return &WireFrame{Type: TypeWorkerStop}
}

// NewErrorFrame creates an ERROR frame with a message.
func NewErrorFrame(msg string) *WireFrame {
	return &WireFrame{Type: TypeError, Payload: []byte(msg)}
}
