package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"
)

func encodeAll(t testing.TB, payloads ...string) []byte {
	t.Helper()
	var buf []byte
	for _, p := range payloads {
		var err error
		buf, err = AppendFrame(buf, []byte(p))
		if err != nil {
			t.Fatalf("AppendFrame: %v", err)
		}
	}
	return buf
}

func feedChunks(t *testing.T, d *Decoder, chunks [][]byte) []string {
	t.Helper()
	var got []string
	for _, c := range chunks {
		err := d.Feed(c, func(p string) error {
			got = append(got, p)
			return nil
		})
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	return got
}

func split(data []byte, cuts ...int) [][]byte {
	var chunks [][]byte
	prev := 0
	for _, c := range cuts {
		chunks = append(chunks, data[prev:c])
		prev = c
	}
	return append(chunks, data[prev:])
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDecoderSplits(t *testing.T) {
	payloads := []string{`{"latex":"x^2"}`, "", "ü∑ unicode ∫", strings.Repeat("a", 300)}
	data := encodeAll(t, payloads...)

	tests := []struct {
		name string
		cuts []int
	}{
		{"single chunk", nil},
		{"inside first length field", []int{2}},
		{"after each length byte", []int{1, 2, 3}},
		{"length complete, payload empty", []int{4}},
		{"inside payload", []int{10}},
		{"inside second length field", []int{4 + 15 + 3}},
		{"between empty frame and next", []int{4 + 15 + 4}},
		{"inside multibyte rune", []int{4 + 15 + 4 + 4 + 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := feedChunks(t, NewDecoder(0), split(data, tt.cuts...))
			if !equalStrings(got, payloads) {
				t.Errorf("got %q, want %q", got, payloads)
			}
		})
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	payloads := []string{"one", "", "three", `{"katex_options":{}}`}
	data := encodeAll(t, payloads...)

	chunks := make([][]byte, len(data))
	for i := range data {
		chunks[i] = data[i : i+1]
	}

	got := feedChunks(t, NewDecoder(0), chunks)
	if !equalStrings(got, payloads) {
		t.Errorf("got %q, want %q", got, payloads)
	}
}

func TestDecoderRandomSplits(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		n := rng.Intn(6) + 1
		payloads := make([]string, n)
		for i := range payloads {
			b := make([]byte, rng.Intn(64))
			for j := range b {
				b[j] = byte('a' + rng.Intn(26))
			}
			payloads[i] = string(b)
		}
		data := encodeAll(t, payloads...)

		var cuts []int
		for pos := 0; pos < len(data); {
			pos += rng.Intn(9) + 1
			if pos < len(data) {
				cuts = append(cuts, pos)
			}
		}

		got := feedChunks(t, NewDecoder(0), split(data, cuts...))
		if !equalStrings(got, payloads) {
			t.Fatalf("round %d cuts %v: got %q, want %q", round, cuts, got, payloads)
		}
	}
}

func TestDecoderEmptyPayloadEmitsImmediately(t *testing.T) {
	d := NewDecoder(0)
	var got []string
	err := d.Feed([]byte{0, 0, 0, 0}, func(p string) error {
		got = append(got, p)
		return nil
	})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 1 || got[0] != "" {
		t.Fatalf("expected one empty payload, got %q", got)
	}
	if d.Pending() {
		t.Error("decoder should not be pending after empty frame")
	}
}

func TestDecoderMultipleFramesOneChunk(t *testing.T) {
	data := encodeAll(t, `{"latex":"a"}`, `{"latex":"b"}`)

	d := NewDecoder(0)
	var got []string
	if err := d.Feed(data, func(p string) error {
		got = append(got, p)
		return nil
	}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	want := []string{`{"latex":"a"}`, `{"latex":"b"}`}
	if !equalStrings(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDecoderPartialFrameDropped(t *testing.T) {
	data := encodeAll(t, "complete", "truncated payload")
	data = data[:len(data)-5]

	d := NewDecoder(0)
	got := feedChunks(t, d, [][]byte{data})
	if !equalStrings(got, []string{"complete"}) {
		t.Fatalf("got %q", got)
	}
	if !d.Pending() {
		t.Fatal("expected a pending partial frame")
	}
	if dropped := d.Reset(); dropped != len("truncated payload")-5 {
		t.Errorf("dropped %d bytes", dropped)
	}
	if d.Pending() {
		t.Error("decoder should be empty after Reset")
	}
}

func TestDecoderCarryDropped(t *testing.T) {
	d := NewDecoder(0)
	feedChunks(t, d, [][]byte{{5, 0}})
	if !d.Pending() {
		t.Fatal("expected carry bytes to be pending")
	}
	if dropped := d.Reset(); dropped != 2 {
		t.Errorf("dropped %d bytes, want 2", dropped)
	}
}

func TestDecoderDoesNotAliasChunk(t *testing.T) {
	data := encodeAll(t, "hello world")
	d := NewDecoder(0)

	first := append([]byte(nil), data[:8]...)
	var got []string
	emit := func(p string) error {
		got = append(got, p)
		return nil
	}
	if err := d.Feed(first, emit); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	for i := range first {
		first[i] = 'X'
	}
	if err := d.Feed(data[8:], emit); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !equalStrings(got, []string{"hello world"}) {
		t.Errorf("got %q", got)
	}
}

func TestDecoderNegativeLength(t *testing.T) {
	chunk := make([]byte, 8)
	binary.LittleEndian.PutUint32(chunk, 0xFFFFFFFE) // -2 as int32

	d := NewDecoder(0)
	err := d.Feed(chunk, func(string) error {
		t.Fatal("nothing should be emitted")
		return nil
	})
	if !errors.Is(err, ErrNegativeLength) {
		t.Fatalf("expected ErrNegativeLength, got %v", err)
	}
	if d.Pending() {
		t.Error("decoder should be reset after a framing error")
	}
}

func TestDecoderMaxSize(t *testing.T) {
	data := encodeAll(t, "ok", strings.Repeat("x", 17))

	d := NewDecoder(16)
	var got []string
	err := d.Feed(data, func(p string) error {
		got = append(got, p)
		return nil
	})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if !equalStrings(got, []string{"ok"}) {
		t.Errorf("frames before the oversized one should be emitted, got %q", got)
	}
}

func TestDecoderEmitErrorStops(t *testing.T) {
	data := encodeAll(t, "a", "b", "c")
	stop := errors.New("write failed")

	calls := 0
	err := NewDecoder(0).Feed(data, func(string) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected emit error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("emit called %d times, want 1", calls)
	}
}

func TestDecoderInvalidUTF8Replaced(t *testing.T) {
	data := encodeAll(t, "a\xffb")
	got := feedChunks(t, NewDecoder(0), [][]byte{data})
	if len(got) != 1 || got[0] != "a\uFFFDb" {
		t.Errorf("got %q", got)
	}
}

func TestWriteReadFrameRoundtrip(t *testing.T) {
	payloads := []string{"", "x", `{"html":"<span>x^2</span>"}`, strings.Repeat("∑", 5000)}

	var buf bytes.Buffer
	for _, p := range payloads {
		if err := WriteFrame(&buf, []byte(p)); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for _, want := range payloads {
		got, err := ReadFrame(&buf, 0)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if _, err := ReadFrame(&buf, 0); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF at end of stream, got %v", err)
	}
}

func TestFrameWireLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("abc")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	want := []byte{3, 0, 0, 0, 'a', 'b', 'c'}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("got % x, want % x", buf.Bytes(), want)
	}
}

func TestReadFrameLimits(t *testing.T) {
	negative := []byte{0, 0, 0, 0x80}
	if _, err := ReadFrame(bytes.NewReader(negative), 0); !errors.Is(err, ErrNegativeLength) {
		t.Errorf("expected ErrNegativeLength, got %v", err)
	}

	big := encodeAll(t, strings.Repeat("x", 100))
	if _, err := ReadFrame(bytes.NewReader(big), 10); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}

	short := encodeAll(t, "truncated")[:6]
	if _, err := ReadFrame(bytes.NewReader(short), 0); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}
