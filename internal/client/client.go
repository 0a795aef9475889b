// Package client talks to a running katexd over its framed socket protocol.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sadewadee/katexd/internal/config"
	"github.com/sadewadee/katexd/internal/protocol"
)

// ServerError is an error response returned by the server for one request.
// The connection stays usable after it.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "katexd: " + e.Message
}

// Client is one connection to katexd. Requests on a client are sent one at a
// time; use several clients for parallel rendering.
type Client struct {
	conn    net.Conn
	maxSize int
	mu      sync.Mutex
}

// Dial connects to the server selected by listen.
func Dial(ctx context.Context, listen config.ListenConfig) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, listen.Network(), listen.Address())
	if err != nil {
		return nil, fmt.Errorf("dialing katexd at %s: %w", listen, err)
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// SetMaxResponseSize caps the response frames the client accepts. 0 means no
// limit beyond the protocol maximum.
func (c *Client) SetMaxResponseSize(n int) {
	c.mu.Lock()
	c.maxSize = n
	c.mu.Unlock()
}

// Render sends latex with KaTeX options and returns the rendered HTML. A
// server-side failure is returned as *ServerError.
func (c *Client) Render(ctx context.Context, latex string, options map[string]any) (string, error) {
	payload, err := protocol.NewRequest(latex, options).Marshal()
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	resp, err := c.Do(ctx, payload)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", &ServerError{Message: *resp.Error}
	}
	return *resp.HTML, nil
}

// Do sends one raw request payload and decodes the response. After a
// transport error the stream position is unknown and the client should be
// closed.
func (c *Client) Do(ctx context.Context, payload []byte) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	c.conn.SetDeadline(deadline)

	// Unblock the exchange when ctx is canceled without a deadline.
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := protocol.WriteFrame(c.conn, payload); err != nil {
		return protocol.Response{}, c.wrap(ctx, "sending request", err)
	}
	data, err := protocol.ReadFrame(c.conn, c.maxSize)
	if err != nil {
		return protocol.Response{}, c.wrap(ctx, "reading response", err)
	}
	return protocol.DecodeResponse(data)
}

func (c *Client) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	// The socket deadline can fire just before ctx marks itself done.
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
