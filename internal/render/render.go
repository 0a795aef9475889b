// Package render defines the boundary to the math rendering engine.
//
// The server never renders anything itself. A Renderer turns markup plus a
// map of engine options into an html string, or fails with a message meant for
// the client. Implementations are shared by every connection and must be safe
// for concurrent use; wrap a non-reentrant one with Serialize.
package render

import (
	"context"
	"errors"
	"sync"
)

// Renderer renders markup with engine options.
type Renderer interface {
	Render(ctx context.Context, markup string, options map[string]any) (string, error)
}

// Func adapts a plain function to Renderer.
type Func func(ctx context.Context, markup string, options map[string]any) (string, error)

// Render calls f.
func (f Func) Render(ctx context.Context, markup string, options map[string]any) (string, error) {
	return f(ctx, markup, options)
}

// Error is a rejection reported by the engine itself, such as a parse error in
// the markup. Its message is passed to the client verbatim.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError returns an engine rejection with msg.
func NewError(msg string) error {
	return &Error{Message: msg}
}

// IsEngineError reports whether err is a rejection from the engine rather
// than a failure to reach it.
func IsEngineError(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

// Message returns the engine's own message when err carries one, and
// err.Error() otherwise.
func Message(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}

type serialized struct {
	mu sync.Mutex
	r  Renderer
}

// Serialize guards r so at most one Render runs at a time.
func Serialize(r Renderer) Renderer {
	return &serialized{r: r}
}

func (s *serialized) Render(ctx context.Context, markup string, options map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.r.Render(ctx, markup, options)
}
