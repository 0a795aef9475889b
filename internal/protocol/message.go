package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Request is one client rendering request. Latex is nil when the field was
// absent, which is distinct from an empty expression.
type Request struct {
	Latex   *string        `json:"latex"`
	Options map[string]any `json:"katex_options,omitempty"`
}

// Response carries exactly one of HTML or Error.
type Response struct {
	HTML  *string `json:"html,omitempty"`
	Error *string `json:"error,omitempty"`
}

var errAmbiguousResponse = errors.New("protocol: response must carry exactly one of html or error")

// NewRequest builds a request for latex with the given options.
func NewRequest(latex string, options map[string]any) *Request {
	return &Request{Latex: &latex, Options: options}
}

// HTMLResponse builds a success response.
func HTMLResponse(html string) Response {
	return Response{HTML: &html}
}

// ErrorResponse builds a failure response.
func ErrorResponse(msg string) Response {
	return Response{Error: &msg}
}

// IsError reports whether r is a failure response.
func (r Response) IsError() bool {
	return r.Error != nil
}

// Marshal encodes the response payload. Markup is written as-is rather than
// with <, > and & escaped.
func (r Response) Marshal() ([]byte, error) {
	if (r.HTML == nil) == (r.Error == nil) {
		return nil, errAmbiguousResponse
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Marshal encodes the request payload.
func (r *Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRequest parses a request payload. The returned error is the parser's
// own message so it can be reported back to the client as-is.
//
// Keys match exactly; "LaTeX" is not "latex". A katex_options value that is
// not an object carries no options and decodes to an empty map.
func DecodeRequest(payload string) (*Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, err
	}

	req := &Request{Options: map[string]any{}}
	if raw, ok := fields["latex"]; ok && !isJSONNull(raw) {
		var latex string
		if err := json.Unmarshal(raw, &latex); err != nil {
			return nil, err
		}
		req.Latex = &latex
	}
	if raw, ok := fields["katex_options"]; ok {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		if opts, ok := v.(map[string]any); ok {
			req.Options = opts
		}
	}
	return req, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// DecodeResponse parses a response payload.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}
	if (resp.HTML == nil) == (resp.Error == nil) {
		return Response{}, errAmbiguousResponse
	}
	return resp, nil
}
