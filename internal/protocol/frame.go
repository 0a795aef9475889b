package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf8"
)

// LengthSize is the size of the little-endian length prefix of a client frame.
const LengthSize = 4

// MaxFrameLen is the largest payload a frame may declare. The length field is
// read as unsigned but shares its encoding with a signed 32-bit integer, so
// anything above MaxInt32 is a negative length to some peers.
const MaxFrameLen = math.MaxInt32

var (
	ErrNegativeLength = errors.New("protocol: negative frame length")
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
)

const awaitingLength = -1

// Decoder reassembles length-prefixed payloads from an arbitrarily fragmented
// byte stream. It belongs to one connection and is not safe for concurrent use.
type Decoder struct {
	maxSize int
	left    int // bytes still expected for the current payload, or awaitingLength
	chunks  [][]byte
	carry   []byte // 0-3 bytes of a length field split across chunks
}

// NewDecoder returns a decoder awaiting its first length field. A maxSize of
// zero accepts any length up to MaxFrameLen.
func NewDecoder(maxSize int) *Decoder {
	return &Decoder{maxSize: maxSize, left: awaitingLength}
}

// Feed consumes one chunk and calls emit for every payload it completes, in
// arrival order, before returning. The chunk may be reused by the caller once
// Feed returns.
//
// A length field above MaxFrameLen or above the decoder's maxSize returns an
// error wrapping ErrNegativeLength or ErrFrameTooLarge. The stream cannot be
// resynchronized after that; the decoder is reset and the caller should drop
// the connection. An error returned by emit stops decoding and is returned
// unchanged.
func (d *Decoder) Feed(chunk []byte, emit func(payload string) error) error {
	if len(d.carry) > 0 {
		chunk = append(d.carry, chunk...)
		d.carry = nil
	}

	start := 0
	for {
		if d.left == awaitingLength {
			if len(chunk)-start < LengthSize {
				if start < len(chunk) {
					d.carry = append([]byte(nil), chunk[start:]...)
				}
				return nil
			}
			n := binary.LittleEndian.Uint32(chunk[start:])
			start += LengthSize
			if err := d.checkLength(n); err != nil {
				d.Reset()
				return err
			}
			d.left = int(n)
		}

		remaining := len(chunk) - start
		if remaining < d.left {
			if remaining > 0 {
				d.chunks = append(d.chunks, append([]byte(nil), chunk[start:]...))
				d.left -= remaining
			}
			return nil
		}

		end := start + d.left
		payload := d.assemble(chunk[start:end])
		d.left = awaitingLength
		d.chunks = nil
		start = end

		if err := emit(payload); err != nil {
			return err
		}
	}
}

// Pending reports whether a partial frame is buffered.
func (d *Decoder) Pending() bool {
	return d.left != awaitingLength || len(d.carry) > 0
}

// Reset discards any partially received frame and returns how many buffered
// bytes were dropped. A truncated frame at end of stream is never emitted.
func (d *Decoder) Reset() int {
	dropped := len(d.carry)
	for _, c := range d.chunks {
		dropped += len(c)
	}
	d.left = awaitingLength
	d.chunks = nil
	d.carry = nil
	return dropped
}

func (d *Decoder) checkLength(n uint32) error {
	if n > MaxFrameLen {
		return fmt.Errorf("%w: length field 0x%08x", ErrNegativeLength, n)
	}
	if d.maxSize > 0 && int(n) > d.maxSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, n, d.maxSize)
	}
	return nil
}

func (d *Decoder) assemble(tail []byte) string {
	var s string
	if len(d.chunks) == 0 {
		s = string(tail)
	} else {
		var b strings.Builder
		size := len(tail)
		for _, c := range d.chunks {
			size += len(c)
		}
		b.Grow(size)
		for _, c := range d.chunks {
			b.Write(c)
		}
		b.Write(tail)
		s = b.String()
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	return s
}

// AppendFrame appends the length prefix and payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameLen {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// WriteFrame writes one frame to w. Prefix and payload go out in a single
// Write so concurrent writers on distinct frames never interleave mid-frame.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := AppendFrame(make([]byte, 0, LengthSize+len(payload)), payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r. It is the blocking counterpart of
// Decoder for peers that read one response per request.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [LengthSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}

	n := binary.LittleEndian.Uint32(header[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("%w: length field 0x%08x", ErrNegativeLength, n)
	}
	if maxSize > 0 && int(n) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, n, maxSize)
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("reading frame payload (%d bytes): %w", n, err)
		}
	}
	return payload, nil
}
