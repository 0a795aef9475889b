package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestWriteReadWireFrameRoundtrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *WireFrame
	}{
		{
			name: "render frame",
			frame: &WireFrame{
				Type:    TypeRender,
				Headers: []byte{0x81, 0xa7},
				Payload: []byte(`\frac{1}{2}`),
			},
		},
		{
			name: "result frame",
			frame: &WireFrame{
				Type:    TypeResult,
				Headers: []byte("hdr"),
				Payload: []byte(`<span class="katex">x</span>`),
			},
		},
		{
			name:  "worker ready",
			frame: NewWorkerReadyFrame(),
		},
		{
			name:  "worker stop",
			frame: NewWorkerStopFrame(),
		},
		{
			name:  "ping",
			frame: NewPingFrame(),
		},
		{
			name:  "error",
			frame: NewErrorFrame("katex module not found"),
		},
		{
			name: "stream id and flags",
			frame: &WireFrame{
				Type:     TypeResult,
				Flags:    0x05,
				StreamID: 100,
				Headers:  []byte("hdr"),
				Payload:  []byte("html"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteWireFrame(&buf, tt.frame); err != nil {
				t.Fatalf("WriteWireFrame: %v", err)
			}

			got, err := ReadWireFrame(&buf)
			if err != nil {
				t.Fatalf("ReadWireFrame: %v", err)
			}

			if got.Type != tt.frame.Type {
				t.Errorf("Type: got %d, want %d", got.Type, tt.frame.Type)
			}
			if got.Flags != tt.frame.Flags {
				t.Errorf("Flags: got %d, want %d", got.Flags, tt.frame.Flags)
			}
			if got.StreamID != tt.frame.StreamID {
				t.Errorf("StreamID: got %d, want %d", got.StreamID, tt.frame.StreamID)
			}
			if !bytes.Equal(got.Headers, tt.frame.Headers) {
				t.Errorf("Headers: got %q, want %q", got.Headers, tt.frame.Headers)
			}
			if !bytes.Equal(got.Payload, tt.frame.Payload) {
				t.Errorf("Payload: got %q, want %q", got.Payload, tt.frame.Payload)
			}
		})
	}
}

func TestInvalidMagicBytes(t *testing.T) {
	data := make([]byte, WireHeaderSize)
	data[0] = 0xFF
	data[1] = 0xFF
	data[2] = Version

	if _, err := ReadWireFrame(bytes.NewReader(data)); err == nil {
		t.Error("expected error for invalid magic bytes")
	}
}

func TestInvalidVersion(t *testing.T) {
	data := make([]byte, WireHeaderSize)
	data[0] = Magic[0]
	data[1] = Magic[1]
	data[2] = 0xFF

	if _, err := ReadWireFrame(bytes.NewReader(data)); err == nil {
		t.Error("expected error for invalid version")
	}
}

func TestTruncatedWirePayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteWireFrame(&buf, &WireFrame{Type: TypeResult, Payload: []byte("complete payload")}); err != nil {
		t.Fatalf("WriteWireFrame: %v", err)
	}
	data := buf.Bytes()[:buf.Len()-3]

	if _, err := ReadWireFrame(bytes.NewReader(data)); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestWireHeadersTooLarge(t *testing.T) {
	f := &WireFrame{Type: TypeRender, Headers: make([]byte, maxWireHeaders+1)}
	err := WriteWireFrame(&bytes.Buffer{}, f)
	if !errors.Is(err, ErrWireHeadersTooLarge) {
		t.Fatalf("expected ErrWireHeadersTooLarge, got %v", err)
	}
}

func TestLargeWirePayload(t *testing.T) {
	payload := make([]byte, 1024*1024)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	if err := WriteWireFrame(&buf, &WireFrame{Type: TypeResult, Payload: payload}); err != nil {
		t.Fatalf("WriteWireFrame: %v", err)
	}
	got, err := ReadWireFrame(&buf)
	if err != nil {
		t.Fatalf("ReadWireFrame: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Error("large payload mismatch")
	}
}

func TestMultipleWireFramesSequential(t *testing.T) {
	frames := []*WireFrame{
		NewWorkerReadyFrame(),
		{Type: TypeResult, Headers: []byte("h"), Payload: []byte("first")},
		NewWorkerReadyFrame(),
		NewPongFrame(),
	}

	var buf bytes.Buffer
	for _, f := range frames {
		if err := WriteWireFrame(&buf, f); err != nil {
			t.Fatalf("WriteWireFrame: %v", err)
		}
	}

	for i, want := range frames {
		got, err := ReadWireFrame(&buf)
		if err != nil {
			t.Fatalf("frame %d: ReadWireFrame: %v", i, err)
		}
		if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d: got type %d payload %q, want type %d payload %q",
				i, got.Type, got.Payload, want.Type, want.Payload)
		}
	}
}
