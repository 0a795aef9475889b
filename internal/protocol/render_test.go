package protocol

import (
	"bytes"
	"testing"
)

func TestRenderEncodeDecodeRoundtrip(t *testing.T) {
	options := map[string]any{
		"displayMode":  true,
		"throwOnError": false,
		"macros":       map[string]any{`\RR`: `\mathbb{R}`},
	}

	frame, err := EncodeRender(`x \in \RR`, options)
	if err != nil {
		t.Fatalf("EncodeRender: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteWireFrame(&buf, frame); err != nil {
		t.Fatalf("WriteWireFrame: %v", err)
	}
	read, err := ReadWireFrame(&buf)
	if err != nil {
		t.Fatalf("ReadWireFrame: %v", err)
	}

	markup, gotOpts, err := DecodeRender(read)
	if err != nil {
		t.Fatalf("DecodeRender: %v", err)
	}
	if markup != `x \in \RR` {
		t.Errorf("markup: got %q", markup)
	}
	if gotOpts["displayMode"] != true {
		t.Errorf("displayMode: got %v", gotOpts["displayMode"])
	}
	macros, ok := gotOpts["macros"].(map[string]any)
	if !ok {
		t.Fatalf("macros: got %T", gotOpts["macros"])
	}
	if macros[`\RR`] != `\mathbb{R}` {
		t.Errorf("macro: got %v", macros[`\RR`])
	}
}

func TestRenderNilOptions(t *testing.T) {
	frame, err := EncodeRender("x", nil)
	if err != nil {
		t.Fatalf("EncodeRender: %v", err)
	}
	_, opts, err := DecodeRender(frame)
	if err != nil {
		t.Fatalf("DecodeRender: %v", err)
	}
	if opts == nil || len(opts) != 0 {
		t.Errorf("expected empty options, got %v", opts)
	}
}

func TestResultEncodeDecode(t *testing.T) {
	tests := []struct {
		name      string
		html      string
		renderErr string
		wantOK    bool
		wantHTML  string
	}{
		{"success", "<span>x</span>", "", true, "<span>x</span>"},
		{"empty html", "", "", true, ""},
		{"render error", "ignored", "KaTeX parse error: Undefined control sequence", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeResult(tt.html, tt.renderErr)
			if err != nil {
				t.Fatalf("EncodeResult: %v", err)
			}
			hdr, html, err := DecodeResult(frame)
			if err != nil {
				t.Fatalf("DecodeResult: %v", err)
			}
			if hdr.OK != tt.wantOK {
				t.Errorf("OK: got %v, want %v", hdr.OK, tt.wantOK)
			}
			if hdr.Error != tt.renderErr {
				t.Errorf("Error: got %q, want %q", hdr.Error, tt.renderErr)
			}
			if string(html) != tt.wantHTML {
				t.Errorf("html: got %q, want %q", html, tt.wantHTML)
			}
		})
	}
}

func TestDecodeWrongFrameType(t *testing.T) {
	frame := &WireFrame{Type: TypePing}
	if _, _, err := DecodeRender(frame); err == nil {
		t.Error("expected error decoding PING as RENDER")
	}
	if _, _, err := DecodeResult(frame); err == nil {
		t.Error("expected error decoding PING as RESULT")
	}
}
