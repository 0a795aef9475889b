package protocol

import "fmt"

// RenderHeader holds the rendering options sent to a worker process. The
// markup travels as the frame payload.
type RenderHeader struct {
	Options map[string]any `msgpack:"options"`
}

// ResultHeader reports the outcome of one render. Error holds the renderer's
// own message when OK is false; the html travels as the frame payload.
type ResultHeader struct {
	OK    bool   `msgpack:"ok"`
	Error string `msgpack:"error,omitempty"`
}

// EncodeRender creates a RENDER frame for markup.
func EncodeRender(markup string, options map[string]any) (*WireFrame, error) {
	if options == nil {
		options = map[string]any{}
	}
	headers, err := MarshalMsgpack(&RenderHeader{Options: options})
	if err != nil {
		return nil, fmt.Errorf("encoding render headers: %w", err)
	}
	return &WireFrame{
		Type:    TypeRender,
		Headers: headers,
		Payload: []byte(markup),
	}, nil
}

// DecodeRender extracts markup and options from a RENDER frame.
func DecodeRender(f *WireFrame) (string, map[string]any, error) {
	if f.Type != TypeRender {
		return "", nil, fmt.Errorf("expected RENDER frame, got type 0x%02x", f.Type)
	}
	var hdr RenderHeader
	if len(f.Headers) > 0 {
		if err := UnmarshalMsgpack(f.Headers, &hdr); err != nil {
			return "", nil, fmt.Errorf("decoding render headers: %w", err)
		}
	}
	if hdr.Options == nil {
		hdr.Options = map[string]any{}
	}
	return string(f.Payload), hdr.Options, nil
}

// EncodeResult creates a RESULT frame. A non-empty renderErr marks the render
// as failed and html is ignored.
func EncodeResult(html, renderErr string) (*WireFrame, error) {
	hdr := &ResultHeader{OK: renderErr == "", Error: renderErr}
	headers, err := MarshalMsgpack(hdr)
	if err != nil {
		return nil, fmt.Errorf("encoding result headers: %w", err)
	}
	f := &WireFrame{Type: TypeResult, Headers: headers}
	if hdr.OK {
		f.Payload = []byte(html)
	}
	return f, nil
}

// DecodeResult extracts the result header and html from a RESULT frame.
func DecodeResult(f *WireFrame) (*ResultHeader, []byte, error) {
	if f.Type != TypeResult {
		return nil, nil, fmt.Errorf("expected RESULT frame, got type 0x%02x", f.Type)
	}
	var hdr ResultHeader
	if err := UnmarshalMsgpack(f.Headers, &hdr); err != nil {
		return nil, nil, fmt.Errorf("decoding result headers: %w", err)
	}
	return &hdr, f.Payload, nil
}
